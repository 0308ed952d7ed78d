package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-vault/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func rawRecord(id, session string, scraped time.Time) model.RawRecord {
	return model.RawRecord{
		ID:        id,
		SourceID:  "bizinfo",
		SessionID: session,
		ScrapedAt: scraped,
		Payload:   model.Payload{"title": "Program " + id, "agency": "SMBA"},
	}
}

func TestSQLite_InsertAndGetRawRecord(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

	ids, err := s.InsertRawRecords(ctx, []model.RawRecord{rawRecord("r1", "s1", at), rawRecord("r2", "s1", at.Add(time.Hour))})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, ids)

	// Re-delivery is absorbed and only the new id is reported.
	ids, err = s.InsertRawRecords(ctx, []model.RawRecord{rawRecord("r1", "s1", at), rawRecord("r3", "s1", at)})
	require.NoError(t, err)
	assert.Equal(t, []string{"r3"}, ids)

	got, err := s.GetRawRecord(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "bizinfo", got.SourceID)
	assert.Equal(t, model.StatusPending, got.ProcessingStatus)
	assert.Equal(t, "Program r1", got.Payload.String("title"))
	assert.True(t, at.Equal(got.ScrapedAt))
	assert.Equal(t, time.UTC, got.ScrapedAt.Location())
	assert.Empty(t, got.ValidationErrors)
	assert.False(t, got.Migrated())
}

func TestSQLite_GetRawRecord_NotFound(t *testing.T) {
	s := newTestSQLite(t)
	got, err := s.GetRawRecord(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_ListRawRecords_Filters(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	recs := []model.RawRecord{
		rawRecord("a", "s1", base),
		rawRecord("b", "s1", base.Add(24*time.Hour)),
		rawRecord("c", "s2", base.Add(48*time.Hour)),
	}
	_, err := s.InsertRawRecords(ctx, recs)
	require.NoError(t, err)
	require.NoError(t, s.SaveRawResult(ctx, "b", model.RawResult{Status: model.StatusCompleted, Score: 9.5, ContentHash: "hash-b"}))
	require.NoError(t, s.SaveRawResult(ctx, "c", model.RawResult{Status: model.StatusCompleted, Score: 7.0, ValidationErrors: []string{"Missing field: region"}}))

	bySession, err := s.ListRawRecords(ctx, RawFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, bySession, 2)
	assert.Equal(t, "a", bySession[0].ID)

	from := base.Add(12 * time.Hour)
	before := base.Add(36 * time.Hour)
	window, err := s.ListRawRecords(ctx, RawFilter{ScrapedFrom: &from, ScrapedBefore: &before})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "b", window[0].ID)

	byScore, err := s.ListRawRecords(ctx, RawFilter{
		Statuses: []model.ProcessingStatus{model.StatusCompleted},
		Order:    OrderQualityDesc,
	})
	require.NoError(t, err)
	require.Len(t, byScore, 2)
	assert.Equal(t, "b", byScore[0].ID)
	assert.Equal(t, "hash-b", byScore[0].ContentHash)
	assert.Empty(t, byScore[1].ContentHash)
	assert.Equal(t, []string{"Missing field: region"}, byScore[1].ValidationErrors)

	byIDs, err := s.ListRawRecords(ctx, RawFilter{IDs: []string{"a", "c"}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, byIDs, 1)
	assert.Equal(t, "a", byIDs[0].ID)
}

func TestSQLite_SetRawStatusAndMigrated(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.InsertRawRecords(ctx, []model.RawRecord{rawRecord("a", "s1", at), rawRecord("b", "s1", at)})
	require.NoError(t, err)

	n, err := s.SetRawStatus(ctx, []string{"a", "b", "missing"}, model.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	migrated := at.Add(time.Hour)
	require.NoError(t, s.MarkRawMigrated(ctx, "a", migrated))
	got, err := s.GetRawRecord(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got.MigratedAt)
	assert.True(t, migrated.Equal(*got.MigratedAt))

	unmigrated, err := s.ListRawRecords(ctx, RawFilter{Unmigrated: true})
	require.NoError(t, err)
	require.Len(t, unmigrated, 1)
	assert.Equal(t, "b", unmigrated[0].ID)

	err = s.MarkRawMigrated(ctx, "missing", migrated)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "raw record not found")
}

func TestSQLite_RestoreRawRecord(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	// Absent rows are inserted.
	rec := rawRecord("a", "s1", at)
	ok, err := s.RestoreRawRecord(ctx, &rec)
	require.NoError(t, err)
	assert.True(t, ok)

	// Unsettled rows are reset to pending.
	_, err = s.SetRawStatus(ctx, []string{"a"}, model.StatusProcessing)
	require.NoError(t, err)
	ok, err = s.RestoreRawRecord(ctx, &rec)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := s.GetRawRecord(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.ProcessingStatus)

	// Migrated rows are never touched.
	require.NoError(t, s.SaveRawResult(ctx, "a", model.RawResult{Status: model.StatusCompleted, Score: 9}))
	require.NoError(t, s.MarkRawMigrated(ctx, "a", at))
	ok, err = s.RestoreRawRecord(ctx, &rec)
	require.NoError(t, err)
	assert.False(t, ok)
	got, err = s.GetRawRecord(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.ProcessingStatus)
}

func TestSQLite_PruneAndCountByDay(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	day1 := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	_, err := s.InsertRawRecords(ctx, []model.RawRecord{
		rawRecord("a", "s1", day1),
		rawRecord("b", "s1", day1.Add(time.Hour)),
		rawRecord("c", "s2", day2),
	})
	require.NoError(t, err)

	counts, err := s.CountRawByDay(ctx, day1.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []DailyCount{
		{SourceID: "bizinfo", Day: "2025-03-01", Count: 2},
		{SourceID: "bizinfo", Day: "2025-03-02", Count: 1},
	}, counts)

	require.NoError(t, s.MarkRawMigrated(ctx, "a", day1))
	n, err := s.PruneRawPayloads(ctx, day2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetRawRecord(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.PayloadPruned)
	assert.Empty(t, got.Payload)

	// Already pruned rows are skipped.
	n, err = s.PruneRawPayloads(ctx, day2)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLite_StructuredUpsert(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	end := time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC)

	rec := &model.StructuredRecord{
		ProgramID:        "pgm_abc",
		SourceID:         "bizinfo",
		SourceKind:       model.SourceBizinfo,
		Title:            "Export Voucher",
		Agency:           "KOTRA",
		ApplicationEnd:   &end,
		Support:          model.SupportDetails{SupportType: "grant", AmountKRW: 50_000_000},
		Contact:          model.ContactInfo{Email: "help@kotra.or.kr"},
		OriginalRawID:    "r1",
		DataQualityScore: 9.5,
	}
	owned, err := s.UpsertStructuredRecord(ctx, rec)
	require.NoError(t, err)
	assert.True(t, owned)

	got, err := s.GetStructuredRecord(ctx, "pgm_abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Export Voucher", got.Title)
	assert.Equal(t, model.VerificationUnverified, got.VerificationStatus)
	assert.Equal(t, int64(50_000_000), got.Support.AmountKRW)
	assert.Equal(t, "help@kotra.or.kr", got.Contact.Email)
	require.NotNil(t, got.ApplicationEnd)
	assert.True(t, end.Equal(*got.ApplicationEnd))
	assert.Nil(t, got.ApplicationStart)
	created := got.CreatedAt

	rec.Title = "Export Voucher 2025"
	rec.DataQualityScore = 8.0
	owned, err = s.UpsertStructuredRecord(ctx, rec)
	require.NoError(t, err)
	assert.True(t, owned)

	got, err = s.GetStructuredRecord(ctx, "pgm_abc")
	require.NoError(t, err)
	assert.Equal(t, "Export Voucher 2025", got.Title)
	assert.True(t, created.Equal(got.CreatedAt))

	minScore := 8.5
	list, err := s.ListStructuredRecords(ctx, StructuredFilter{MinScore: &minScore})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = s.ListStructuredRecords(ctx, StructuredFilter{SourceID: "bizinfo"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	missing, err := s.GetStructuredRecord(ctx, "pgm_missing")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLite_StructuredUpsert_KeepsOwner(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	rec := &model.StructuredRecord{
		ProgramID:     "pgm_abc",
		SourceID:      "bizinfo",
		SourceKind:    model.SourceBizinfo,
		Title:         "Export Voucher",
		Agency:        "KOTRA",
		OriginalRawID: "r1",
	}
	owned, err := s.UpsertStructuredRecord(ctx, rec)
	require.NoError(t, err)
	require.True(t, owned)

	rival := *rec
	rival.Title = "Export Voucher (copy)"
	rival.OriginalRawID = "r2"
	owned, err = s.UpsertStructuredRecord(ctx, &rival)
	require.NoError(t, err)
	assert.False(t, owned)

	got, err := s.GetStructuredRecord(ctx, "pgm_abc")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.OriginalRawID)
	assert.Equal(t, "Export Voucher", got.Title)
}

func TestSQLite_SessionLifecycle(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	started := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	sess := &model.ScrapingSession{
		SourceID:  "bizinfo",
		Kind:      model.SessionIngestion,
		Status:    model.SessionRunning,
		StartedAt: started,
	}
	created, err := s.CreateSession(ctx, sess)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, sess.ID)

	created, err = s.CreateSession(ctx, sess)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, s.AddSessionCounts(ctx, sess.ID, model.SessionCounts{ItemsFound: 3, ItemsProcessed: 3}))
	require.NoError(t, s.AddSessionCounts(ctx, sess.ID, model.SessionCounts{ItemsFound: 2, ItemsProcessed: 2, ItemsFailed: 1}))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.ItemsFound)
	assert.Equal(t, 1, got.ItemsFailed)
	assert.Nil(t, got.ErrorDetails)

	require.NoError(t, s.CompleteSession(ctx, sess.ID, model.SessionFailed,
		model.SessionCounts{ItemsFound: 5, ItemsProcessed: 5, ItemsFailed: 5},
		map[string]any{"error": "source unreachable"}))

	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "source unreachable", got.ErrorDetails["error"])

	// Completed sessions are frozen.
	err = s.AddSessionCounts(ctx, sess.ID, model.SessionCounts{ItemsFound: 1})
	require.Error(t, err)
	err = s.CompleteSession(ctx, sess.ID, model.SessionCompleted, model.SessionCounts{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "running session not found")

	failed, err := s.ListSessions(ctx, SessionFilter{Statuses: []model.SessionStatus{model.SessionFailed}})
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	after := started.Add(time.Hour)
	none, err := s.ListSessions(ctx, SessionFilter{StartedAfter: &after})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLite_RecoveryOperation(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)

	op := model.NewRecoveryOperation(model.TriggerManual, model.ScopeSession, model.RecoveryTarget{SessionID: "s1"}, now)
	require.NoError(t, s.CreateRecoveryOperation(ctx, op))

	op.Status = model.RecoveryRunning
	require.NoError(t, s.UpdateRecoveryOperation(ctx, op))

	done := now.Add(time.Minute)
	op.Status = model.RecoveryPartial
	op.CompletedAt = &done
	op.RecordsRecovered = 4
	op.RecordsFailed = 1
	op.VerificationDetails = map[string]any{"missing": float64(1)}
	require.NoError(t, s.UpdateRecoveryOperation(ctx, op))

	got, err := s.GetRecoveryOperation(ctx, op.OperationID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.RecoveryPartial, got.Status)
	assert.Equal(t, "s1", got.Target.SessionID)
	assert.Equal(t, 4, got.RecordsRecovered)
	assert.False(t, got.VerificationPassed)
	assert.Equal(t, float64(1), got.VerificationDetails["missing"])

	// Completed operations are immutable.
	op.Status = model.RecoveryCompleted
	require.Error(t, s.UpdateRecoveryOperation(ctx, op))

	list, err := s.ListRecoveryOperations(ctx, RecoveryFilter{Scope: model.ScopeSession})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	missing, err := s.GetRecoveryOperation(ctx, "missing")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLite_BackupIndex(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	b := model.NewBackupRecord("bizinfo", []byte(`{"id":"r1"}`), map[string]any{
		model.MetaRawRecordID: "r1",
		model.MetaSessionID:   "s1",
	}, now, 24*time.Hour)
	require.NoError(t, s.SaveBackup(ctx, b))

	got, err := s.GetBackup(ctx, b.BackupID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b.Data, got.Data)
	assert.True(t, got.Verify())
	assert.Equal(t, model.TierPrimary, got.Tier)

	list, err := s.ListBackups(ctx, BackupFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Data)
	assert.Equal(t, "r1", list[0].MetaString(model.MetaRawRecordID))

	byRaw, err := s.ListBackups(ctx, BackupFilter{RawRecordIDs: []string{"r1", "r2"}})
	require.NoError(t, err)
	assert.Len(t, byRaw, 1)

	require.NoError(t, s.RecordBackupLocation(ctx, model.BackupLocation{BackupID: b.BackupID, Tier: model.TierSecondary, Locator: "2025/03/01/x.json.zst", Status: model.LocationStored}))
	require.NoError(t, s.RecordBackupLocation(ctx, model.BackupLocation{BackupID: b.BackupID, Tier: model.TierSecondary, Status: model.LocationFailed, Error: "disk full"}))
	locs, err := s.ListBackupLocations(ctx, b.BackupID)
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, model.LocationFailed, locs[0].Status)
	assert.Equal(t, "disk full", locs[0].Error)

	require.NoError(t, s.QuarantineBackup(ctx, b, "checksum mismatch"))
	require.NoError(t, s.SetBackupStatus(ctx, b.BackupID, model.BackupCorrupted))
	require.Error(t, s.SetBackupStatus(ctx, "missing", model.BackupCorrupted))

	// Corrupted backups survive expiry cleanup.
	n, err := s.DeleteExpiredBackups(ctx, now.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.SetBackupStatus(ctx, b.BackupID, model.BackupActive))
	n, err = s.DeleteExpiredBackups(ctx, now.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	missing, err := s.GetBackup(ctx, b.BackupID)
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}

func TestWithPragmas(t *testing.T) {
	assert.Equal(t,
		"a.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		withPragmas("a.db"))
	assert.Equal(t,
		"file:a.db?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		withPragmas("file:a.db?mode=rwc"))
}
