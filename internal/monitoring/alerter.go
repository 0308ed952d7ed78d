package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-vault/internal/config"
	"github.com/sells-group/intake-vault/internal/detector"
	"github.com/sells-group/intake-vault/internal/model"
	"github.com/sells-group/intake-vault/internal/recovery"
	"github.com/sells-group/intake-vault/internal/tiersync"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDataLoss         AlertType = "data_loss"
	AlertScanError        AlertType = "scan_error"
	AlertRecoveryFailed   AlertType = "recovery_failed"
	AlertTierInconsistent AlertType = "tier_inconsistency"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns detector, recovery and tier sync results into alerts and
// sends them via webhook.
type Alerter struct {
	cfg         config.MonitoringConfig
	minSeverity detector.Severity
	client      *http.Client
	now         func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	min := detector.Severity(cfg.MinSeverity)
	switch min {
	case detector.SeverityLow, detector.SeverityMedium, detector.SeverityHigh:
	default:
		min = detector.SeverityHigh
	}
	return &Alerter{
		cfg:         cfg,
		minSeverity: min,
		client:      &http.Client{Timeout: 10 * time.Second},
		now:         time.Now,
	}
}

// FromReport returns one alert per finding at or above the minimum severity,
// plus one per failed scan.
func (a *Alerter) FromReport(rep *detector.Report) []Alert {
	if rep == nil {
		return nil
	}
	now := a.now().UTC()
	var alerts []Alert
	for _, f := range rep.All() {
		if !f.Severity.AtLeast(a.minSeverity) {
			continue
		}
		details := map[string]any{"kind": f.Kind, "source_id": f.SourceID}
		if f.SessionID != "" {
			details["session_id"] = f.SessionID
		}
		if f.Day != "" {
			details["day"] = f.Day
		}
		if f.Count > 0 {
			details["count"] = f.Count
		}
		alerts = append(alerts, Alert{
			Type:      AlertDataLoss,
			Severity:  string(f.Severity),
			Message:   fmt.Sprintf("%s: %s", f.Kind, f.Detail),
			Details:   details,
			Timestamp: now,
		})
	}
	for scan, msg := range rep.Errors {
		alerts = append(alerts, Alert{
			Type:      AlertScanError,
			Severity:  string(detector.SeverityMedium),
			Message:   fmt.Sprintf("%s scan failed: %s", scan, msg),
			Details:   map[string]any{"scan": scan},
			Timestamp: now,
		})
	}
	return alerts
}

// FromCycle returns the report alerts of a recovery cycle plus one alert per
// operation that did not complete.
func (a *Alerter) FromCycle(res *recovery.CycleResult) []Alert {
	if res == nil {
		return nil
	}
	alerts := a.FromReport(res.Report)
	now := a.now().UTC()
	for _, op := range res.Operations {
		var severity string
		switch op.Status {
		case model.RecoveryFailed:
			severity = "high"
		case model.RecoveryPartial:
			severity = "medium"
		default:
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertRecoveryFailed,
			Severity: severity,
			Message: fmt.Sprintf("%s recovery %s %s: %d recovered, %d failed",
				op.Scope, op.OperationID, op.Status, op.RecordsRecovered, op.RecordsFailed),
			Details: map[string]any{
				"operation_id":        op.OperationID,
				"scope":               op.Scope,
				"target":              op.Target,
				"verification_passed": op.VerificationPassed,
			},
			Timestamp: now,
		})
	}
	for _, msg := range res.Errors {
		alerts = append(alerts, Alert{
			Type:      AlertRecoveryFailed,
			Severity:  "high",
			Message:   msg,
			Timestamp: now,
		})
	}
	return alerts
}

// FromSync returns a single alert when a tier sync pass left backups that
// need manual intervention.
func (a *Alerter) FromSync(rep *tiersync.Report) []Alert {
	if rep == nil || rep.ManualIntervention == 0 {
		return nil
	}
	var ids []string
	seen := map[string]bool{}
	for _, is := range rep.Issues {
		if is.Action == tiersync.ActionManual && !seen[is.BackupID] {
			seen[is.BackupID] = true
			ids = append(ids, is.BackupID)
		}
	}
	return []Alert{{
		Type:     AlertTierInconsistent,
		Severity: "high",
		Message: fmt.Sprintf("%d of %d backups need manual intervention (%d corrupted copies)",
			rep.ManualIntervention, rep.Checked, rep.Corrupted),
		Details: map[string]any{
			"backup_ids": ids,
			"auto_fixed": rep.AutoFixed,
		},
		Timestamp: a.now().UTC(),
	}}
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
