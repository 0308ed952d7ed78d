package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-vault/internal/config"
	"github.com/sells-group/intake-vault/internal/detector"
	"github.com/sells-group/intake-vault/internal/model"
	"github.com/sells-group/intake-vault/internal/recovery"
	"github.com/sells-group/intake-vault/internal/tiersync"
)

func sampleReport() *detector.Report {
	return &detector.Report{
		SessionFailures: []detector.Finding{
			{Kind: detector.KindSessionFailed, Severity: detector.SeverityHigh, SourceID: "bizinfo", SessionID: "s1", Detail: "failed: timeout"},
			{Kind: detector.KindSessionErrorRatio, Severity: detector.SeverityMedium, SourceID: "bizinfo", SessionID: "s2", Detail: "error ratio 0.6"},
		},
		DataGaps: []detector.Finding{
			{Kind: detector.KindLowCount, Severity: detector.SeverityLow, SourceID: "kstartup", Day: "2025-03-08", Count: 1},
		},
	}
}

func TestAlerter_FromReport_DefaultsToHigh(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	alerts := a.FromReport(sampleReport())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDataLoss, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Equal(t, "s1", alerts[0].Details["session_id"])
	assert.Contains(t, alerts[0].Message, "failed: timeout")
}

func TestAlerter_FromReport_MinSeverity(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{MinSeverity: "low"})

	alerts := a.FromReport(sampleReport())
	require.Len(t, alerts, 3)
	assert.Equal(t, "2025-03-08", alerts[2].Details["day"])
	assert.Equal(t, 1, alerts[2].Details["count"])
}

func TestAlerter_FromReport_ScanErrors(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	alerts := a.FromReport(&detector.Report{Errors: map[string]string{"data_gaps": "db down"}})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertScanError, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "db down")

	assert.Empty(t, a.FromReport(nil))
}

func TestAlerter_FromCycle(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	res := &recovery.CycleResult{
		Report: &detector.Report{},
		Operations: []*model.RecoveryOperation{
			{OperationID: "op1", Scope: model.ScopeSession, Status: model.RecoveryCompleted, RecordsRecovered: 3},
			{OperationID: "op2", Scope: model.ScopeSession, Status: model.RecoveryPartial, RecordsRecovered: 2, RecordsFailed: 1},
			{OperationID: "op3", Scope: model.ScopeDateRange, Status: model.RecoveryFailed, RecordsFailed: 4},
		},
		Errors: []string{"bad gap day 2025-13-01"},
	}

	alerts := a.FromCycle(res)
	require.Len(t, alerts, 3)
	assert.Equal(t, AlertRecoveryFailed, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Equal(t, "op2", alerts[0].Details["operation_id"])
	assert.Equal(t, "high", alerts[1].Severity)
	assert.Contains(t, alerts[1].Message, "0 recovered, 4 failed")
	assert.Equal(t, "bad gap day 2025-13-01", alerts[2].Message)

	assert.Empty(t, a.FromCycle(nil))
}

func TestAlerter_FromSync(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	assert.Empty(t, a.FromSync(&tiersync.Report{Checked: 10, AutoFixed: 2}))

	alerts := a.FromSync(&tiersync.Report{
		Checked:            10,
		Corrupted:          1,
		ManualIntervention: 1,
		Issues: []tiersync.Issue{
			{BackupID: "b1", Tier: model.TierSecondary, Problem: tiersync.ProblemMismatch, Action: tiersync.ActionManual},
			{BackupID: "b1", Tier: model.TierTertiary, Problem: tiersync.ProblemMismatch, Action: tiersync.ActionManual},
			{BackupID: "b2", Tier: model.TierTertiary, Problem: tiersync.ProblemMissing, Action: tiersync.ActionAutoFixed},
		},
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertTierInconsistent, alerts[0].Type)
	assert.Equal(t, []string{"b1"}, alerts[0].Details["backup_ids"])
	assert.Contains(t, alerts[0].Message, "1 of 10 backups")
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertDataLoss, Severity: "high", Message: "test alert 1"},
		{Type: AlertRecoveryFailed, Severity: "high", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertDataLoss, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDataLoss, Message: "test"}})
	assert.Equal(t, 0, sent)
}
