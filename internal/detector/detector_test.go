package detector

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-vault/internal/model"
	"github.com/sells-group/intake-vault/internal/store"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestDetector(st store.Store, cfg Config) *Detector {
	cfg.Now = func() time.Time { return testNow }
	return New(st, cfg)
}

func session(t *testing.T, st store.Store, s model.ScrapingSession) {
	t.Helper()
	_, err := st.CreateSession(context.Background(), &s)
	require.NoError(t, err)
}

func rawAt(id, source string, scraped time.Time) model.RawRecord {
	return model.RawRecord{
		ID:        id,
		SourceID:  source,
		SessionID: "s1",
		ScrapedAt: scraped,
		Payload:   model.Payload{"title": "Youth Startup Grant", "agency": "SME Agency", "url": "https://x"},
	}
}

func kinds(fs []Finding) []Kind {
	out := make([]Kind, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Kind)
	}
	return out
}

func findKind(fs []Finding, k Kind) *Finding {
	for i := range fs {
		if fs[i].Kind == k {
			return &fs[i]
		}
	}
	return nil
}

func TestSessionFailures(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	session(t, st, model.ScrapingSession{ID: "ok", SourceID: "bizinfo", Kind: model.SessionIngestion,
		Status: model.SessionCompleted, StartedAt: testNow.Add(-2 * time.Hour), ItemsFound: 10, ItemsProcessed: 10})
	session(t, st, model.ScrapingSession{ID: "failed", SourceID: "bizinfo", Kind: model.SessionIngestion,
		Status: model.SessionFailed, StartedAt: testNow.Add(-3 * time.Hour),
		ErrorDetails: map[string]any{"error": "source timed out"}})
	session(t, st, model.ScrapingSession{ID: "stuck", SourceID: "kstartup", Kind: model.SessionIngestion,
		Status: model.SessionRunning, StartedAt: testNow.Add(-8 * time.Hour)})
	session(t, st, model.ScrapingSession{ID: "very-stuck", SourceID: "kstartup", Kind: model.SessionMigration,
		Status: model.SessionRunning, StartedAt: testNow.Add(-30 * 24 * time.Hour)})
	session(t, st, model.ScrapingSession{ID: "running", SourceID: "kstartup", Kind: model.SessionIngestion,
		Status: model.SessionRunning, StartedAt: testNow.Add(-time.Hour)})
	session(t, st, model.ScrapingSession{ID: "empty", SourceID: "bizinfo", Kind: model.SessionIngestion,
		Status: model.SessionCompleted, StartedAt: testNow.Add(-4 * time.Hour)})
	session(t, st, model.ScrapingSession{ID: "noisy", SourceID: "bizinfo", Kind: model.SessionMigration,
		Status: model.SessionCompleted, StartedAt: testNow.Add(-5 * time.Hour),
		ItemsFound: 10, ItemsProcessed: 10, ItemsFailed: 9})
	session(t, st, model.ScrapingSession{ID: "old-failure", SourceID: "bizinfo", Kind: model.SessionIngestion,
		Status: model.SessionFailed, StartedAt: testNow.Add(-30 * 24 * time.Hour)})

	got, err := newTestDetector(st, Config{}).SessionFailures(ctx)
	require.NoError(t, err)

	bySession := map[string]Finding{}
	for _, f := range got {
		bySession[f.SessionID] = f
	}
	require.Len(t, bySession, 5, "kinds: %v", kinds(got))

	assert.Equal(t, KindSessionFailed, bySession["failed"].Kind)
	assert.Equal(t, SeverityHigh, bySession["failed"].Severity)
	assert.Contains(t, bySession["failed"].Detail, "source timed out")

	assert.Equal(t, KindSessionStuck, bySession["stuck"].Kind)
	assert.Equal(t, SeverityMedium, bySession["stuck"].Severity)
	assert.Equal(t, SeverityHigh, bySession["very-stuck"].Severity)

	assert.Equal(t, KindSessionLowItems, bySession["empty"].Kind)
	assert.Equal(t, SeverityHigh, bySession["empty"].Severity)

	assert.Equal(t, KindSessionErrorRatio, bySession["noisy"].Kind)
	assert.Equal(t, SeverityHigh, bySession["noisy"].Severity)
	assert.Equal(t, "migration", bySession["noisy"].SessionKind)
}

func TestSessionFailures_MinItemsIgnoresMigrationSessions(t *testing.T) {
	st := newTestStore(t)
	session(t, st, model.ScrapingSession{ID: "m", SourceID: "all", Kind: model.SessionMigration,
		Status: model.SessionCompleted, StartedAt: testNow.Add(-time.Hour)})

	got, err := newTestDetector(st, Config{MinSessionItems: 5}).SessionFailures(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDataGaps(t *testing.T) {
	st := newTestStore(t)
	day := func(n int) time.Time { return testNow.Truncate(24*time.Hour).AddDate(0, 0, -n).Add(9 * time.Hour) }

	var recs []model.RawRecord
	// Days 1, 2 and 4 have both sources; day 3 only bizinfo; day 5 nothing.
	for _, n := range []int{1, 2, 4} {
		recs = append(recs,
			rawAt("b"+day(n).Format("0102"), "bizinfo", day(n)),
			rawAt("k"+day(n).Format("0102"), "kstartup", day(n)),
		)
	}
	recs = append(recs, rawAt("b3", "bizinfo", day(3)))
	// Today is incomplete and never reported.
	recs = append(recs, rawAt("today", "bizinfo", testNow.Add(-time.Hour)))
	_, err := st.InsertRawRecords(context.Background(), recs)
	require.NoError(t, err)

	got, err := newTestDetector(st, Config{GapDays: 5}).DataGaps(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2, "findings: %+v", got)

	assert.Equal(t, KindMissingDay, got[0].Kind)
	assert.Equal(t, day(5).Format("2006-01-02"), got[0].Day)
	assert.Equal(t, SeverityHigh, got[0].Severity)

	assert.Equal(t, KindMissingSource, got[1].Kind)
	assert.Equal(t, "kstartup", got[1].SourceID)
	assert.Equal(t, day(3).Format("2006-01-02"), got[1].Day)
}

func TestDataGaps_ExpectedSourcesAndMinimum(t *testing.T) {
	st := newTestStore(t)
	yesterday := testNow.Truncate(24 * time.Hour).Add(-12 * time.Hour)
	_, err := st.InsertRawRecords(context.Background(), []model.RawRecord{
		rawAt("a", "bizinfo", yesterday),
		rawAt("b", "bizinfo", yesterday.Add(time.Minute)),
		rawAt("c", "bizinfo", yesterday.Add(2*time.Minute)),
	})
	require.NoError(t, err)

	d := newTestDetector(st, Config{GapDays: 1, ExpectedSources: []string{"bizinfo", "kstartup"}, MinDailyCount: 5})
	got, err := d.DataGaps(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	low := findKind(got, KindLowCount)
	require.NotNil(t, low)
	assert.Equal(t, 3, low.Count)
	assert.Equal(t, SeverityLow, low.Severity)

	missing := findKind(got, KindMissingSource)
	require.NotNil(t, missing)
	assert.Equal(t, "kstartup", missing.SourceID)
}

func TestProcessingDelays(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.InsertRawRecords(ctx, []model.RawRecord{
		rawAt("fresh", "bizinfo", testNow.Add(-time.Hour)),
		rawAt("late", "bizinfo", testNow.Add(-30*time.Hour)),
		rawAt("very-late", "bizinfo", testNow.Add(-4*24*time.Hour)),
		rawAt("stuck-claim", "bizinfo", testNow.Add(-80*time.Hour)),
		rawAt("unmigrated", "kstartup", testNow.Add(-50*time.Hour)),
		rawAt("low-score", "kstartup", testNow.Add(-50*time.Hour)),
	})
	require.NoError(t, err)
	_, err = st.SetRawStatus(ctx, []string{"stuck-claim"}, model.StatusProcessing)
	require.NoError(t, err)
	require.NoError(t, st.SaveRawResult(ctx, "unmigrated", model.RawResult{Status: model.StatusCompleted, Score: 9}))
	require.NoError(t, st.SaveRawResult(ctx, "low-score", model.RawResult{Status: model.StatusCompleted, Score: 4}))

	got, err := newTestDetector(st, Config{}).ProcessingDelays(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3, "findings: %+v", got)

	assert.Equal(t, KindDelayedPending, got[0].Kind)
	assert.Equal(t, SeverityHigh, got[0].Severity)
	assert.ElementsMatch(t, []string{"very-late", "stuck-claim"}, got[0].RecordIDs)

	assert.Equal(t, SeverityLow, got[1].Severity)
	assert.Equal(t, []string{"late"}, got[1].RecordIDs)

	assert.Equal(t, KindDelayedUnmigrated, got[2].Kind)
	assert.Equal(t, SeverityMedium, got[2].Severity)
	assert.Equal(t, []string{"unmigrated"}, got[2].RecordIDs)
}

type failingStore struct {
	store.Store
}

func (failingStore) ListSessions(context.Context, store.SessionFilter) ([]model.ScrapingSession, error) {
	return nil, errors.New("db down")
}

func TestScan_IsolatesFailedScans(t *testing.T) {
	st := newTestStore(t)
	_, err := st.InsertRawRecords(context.Background(), []model.RawRecord{
		rawAt("late", "bizinfo", testNow.Add(-80*time.Hour)),
	})
	require.NoError(t, err)

	r := newTestDetector(failingStore{st}, Config{GapDays: 2}).Scan(context.Background())
	require.Contains(t, r.Errors, "session_failures")
	assert.Contains(t, r.Errors["session_failures"], "db down")
	assert.Empty(t, r.SessionFailures)
	assert.NotEmpty(t, r.DataGaps)
	require.Len(t, r.ProcessingDelays, 1)
	assert.Equal(t, len(r.DataGaps)+1, len(r.All()))
	assert.Equal(t, testNow, r.ScannedAt)
}

func TestSeverity_AtLeast(t *testing.T) {
	assert.True(t, SeverityHigh.AtLeast(SeverityMedium))
	assert.True(t, SeverityMedium.AtLeast(SeverityMedium))
	assert.False(t, SeverityLow.AtLeast(SeverityMedium))

	r := &Report{DataGaps: []Finding{{Severity: SeverityHigh}, {Severity: SeverityLow}}}
	assert.Equal(t, 1, r.CountAtLeast(SeverityHigh))
	assert.Equal(t, 2, r.CountAtLeast(SeverityLow))
}
