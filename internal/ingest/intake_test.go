package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/intake-vault/internal/backup"
	"github.com/sells-group/intake-vault/internal/model"
	"github.com/sells-group/intake-vault/internal/store"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func newIntake(t *testing.T, cfg Config) (*Intake, *store.SQLiteStore) {
	t.Helper()
	st := newTestStore(t)
	secondary, err := backup.NewSecondary(filepath.Join(t.TempDir(), "archive"), true)
	require.NoError(t, err)
	o := backup.New(backup.NewPrimary(st), []backup.Tier{secondary}, backup.Config{Index: st, Now: clock})
	if cfg.Now == nil {
		cfg.Now = clock
	}
	in, err := New(st, o, cfg)
	require.NoError(t, err)
	return in, st
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleJSONL = `{"id":"r1","source_id":"bizinfo","session_id":"s1","scraped_at":"2025-03-09T08:00:00Z","payload":{"title":"Export voucher","agency":"KOTRA"}}
{"id":"r2","source_id":"bizinfo","session_id":"s1","scraped_at":"2025-03-09T08:01:00Z","payload":{"title":"R&D grant","budget":1500000}}

{"id":"r3","source_id":"kstartup","session_id":"s2","scraped_at":"2025-03-09T09:00:00Z","payload":{"title":"Startup camp"}}
{not json}
{"id":"r4","source_id":"bizinfo","session_id":"s1","scraped_at":"2025-03-09T08:02:00Z"}
`

func TestIngestFile_JSONL(t *testing.T) {
	in, st := newIntake(t, Config{})
	ctx := context.Background()
	path := writeFile(t, t.TempDir(), "batch.jsonl", sampleJSONL)

	res, err := in.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, FormatJSONL, res.Format)
	assert.Equal(t, 5, res.Read)
	assert.Equal(t, 2, res.Rejected)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 3, res.BackedUp)
	assert.Zero(t, res.BackupFailed)
	assert.Equal(t, []string{"s1", "s2"}, res.Sessions)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "line 5")
	assert.Contains(t, res.Errors[1], "line 6")

	raw, err := st.GetRawRecord(ctx, "r2")
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.Equal(t, model.StatusPending, raw.ProcessingStatus)
	assert.InDelta(t, 1500000, raw.Payload["budget"], 0.1)

	sess, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, model.SessionCompleted, sess.Status)
	assert.Equal(t, model.SessionIngestion, sess.Kind)
	assert.Equal(t, 2, sess.ItemsFound)
	assert.NotNil(t, sess.CompletedAt)

	backups, err := st.ListBackups(ctx, store.BackupFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, backups, 2)
	ids := []string{backups[0].MetaString(model.MetaRawRecordID), backups[1].MetaString(model.MetaRawRecordID)}
	assert.ElementsMatch(t, []string{"r1", "r2"}, ids)
	assert.Equal(t, "2025-03-09T08:00:00Z", metaFor(backups, "r1").MetaString(model.MetaScrapedAt))
}

func metaFor(list []model.BackupRecord, rawID string) *model.BackupRecord {
	for i := range list {
		if list[i].MetaString(model.MetaRawRecordID) == rawID {
			return &list[i]
		}
	}
	return nil
}

func TestIngestFile_SkipsKnownIDs(t *testing.T) {
	in, st := newIntake(t, Config{LeaveOpen: true})
	ctx := context.Background()
	path := writeFile(t, t.TempDir(), "batch.jsonl", sampleJSONL)

	_, err := in.IngestFile(ctx, path)
	require.NoError(t, err)

	res, err := in.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Duplicates)
	assert.Zero(t, res.Inserted)
	assert.Zero(t, res.BackedUp)

	backups, err := st.ListBackups(ctx, store.BackupFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, backups, 2)
}

func TestIngestFile_CSVDefaults(t *testing.T) {
	in, st := newIntake(t, Config{DefaultSource: "generic-portal"})
	ctx := context.Background()
	path := writeFile(t, t.TempDir(), "programs.csv",
		"Title,Agency,scraped_at\n"+
			"Smart factory,MOTIE,2025-03-09 10:00:00\n"+
			",,\n"+
			"Green loan,KDB,2025-03-09\n"+
			"Bad date,KDB,yesterday\n")

	res, err := in.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, res.Format)
	assert.Equal(t, 3, res.Read)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 2, res.Inserted)
	require.Len(t, res.Sessions, 1)

	recs, err := st.ListRawRecords(ctx, store.RawFilter{SessionID: res.Sessions[0]})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, "generic-portal", r.SourceID)
		assert.NotEmpty(t, r.ID)
		assert.NotEmpty(t, r.Payload.String("title"))
	}
	assert.True(t, recs[0].ScrapedAt.Equal(time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)) ||
		recs[1].ScrapedAt.Equal(time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)))
}

func TestIngestFile_XLSX(t *testing.T) {
	in, st := newIntake(t, Config{})
	ctx := context.Background()

	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Sheet1")
	require.NoError(t, err)
	for _, cells := range [][]string{
		{"id", "source_id", "session_id", "scraped_at", "title", "agency"},
		{"x1", "kstartup", "sx", "2025-03-09T07:00:00Z", "Accelerator", "KISED"},
		{"x2", "kstartup", "sx", "2025-03-09T07:05:00Z", "Mentoring", "KISED"},
	} {
		row := sheet.AddRow()
		for _, c := range cells {
			row.AddCell().SetString(c)
		}
	}
	path := filepath.Join(t.TempDir(), "programs.xlsx")
	require.NoError(t, f.Save(path))

	res, err := in.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, res.Format)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 2, res.BackedUp)

	raw, err := st.GetRawRecord(ctx, "x2")
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.Equal(t, "Mentoring", raw.Payload.String("title"))
	assert.Equal(t, "sx", raw.SessionID)
}

func TestIngestFile_UnsupportedAndUnreadable(t *testing.T) {
	in, _ := newIntake(t, Config{})
	dir := t.TempDir()

	_, err := in.IngestFile(context.Background(), writeFile(t, dir, "notes.txt", "hello"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")

	_, err = in.IngestFile(context.Background(), writeFile(t, dir, "broken.xlsx", "not a zip"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest: read broken.xlsx")
}

// flakyBackups fails the primary write for the listed raw ids.
type flakyBackups struct {
	mu     sync.Mutex
	fail   map[string]bool
	called []string
}

func (f *flakyBackups) CreateFullBackup(_ context.Context, sourceID string, data []byte, meta map[string]any) (*model.BackupRecord, []backup.TierResult, error) {
	id, _ := meta[model.MetaRawRecordID].(string)
	f.mu.Lock()
	f.called = append(f.called, id)
	f.mu.Unlock()
	if f.fail[id] {
		return nil, nil, errors.New("backup: primary write failed: disk full")
	}
	b := model.NewBackupRecord(sourceID, data, meta, testNow, 0)
	return b, []backup.TierResult{
		{Tier: model.TierPrimary, Status: model.LocationStored},
		{Tier: model.TierSecondary, Status: model.LocationFailed, Error: "archive offline"},
	}, nil
}

func envelopes(ids ...string) []model.Envelope {
	out := make([]model.Envelope, len(ids))
	for i, id := range ids {
		out[i] = model.Envelope{
			ID:        id,
			SourceID:  "bizinfo",
			SessionID: "s-env",
			ScrapedAt: testNow.Add(-time.Hour),
			Payload:   model.Payload{"title": "Program " + id},
		}
	}
	return out
}

func TestIngestEnvelopes_BackupFailureCountsAsFailed(t *testing.T) {
	st := newTestStore(t)
	fb := &flakyBackups{fail: map[string]bool{"b": true}}
	in, err := New(st, fb, Config{Now: clock})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := in.IngestEnvelopes(ctx, envelopes("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 2, res.BackedUp)
	assert.Equal(t, 2, res.Degraded)
	assert.Equal(t, 1, res.BackupFailed)
	assert.Len(t, fb.called, 3)

	// The record stays in the intake store for later recovery.
	raw, err := st.GetRawRecord(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, raw)

	sess, err := st.GetSession(ctx, "s-env")
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, sess.Status)
	assert.Equal(t, 3, sess.ItemsFound)
	assert.Equal(t, 1, sess.ItemsFailed)
	assert.Contains(t, sess.ErrorDetails["error"], "disk full")
}

func TestIngestEnvelopes_AllBackupsFailedFailsSession(t *testing.T) {
	st := newTestStore(t)
	in, err := New(st, &flakyBackups{fail: map[string]bool{"a": true, "b": true}}, Config{Now: clock})
	require.NoError(t, err)

	_, err = in.IngestEnvelopes(context.Background(), envelopes("a", "b"))
	require.NoError(t, err)

	sess, err := st.GetSession(context.Background(), "s-env")
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, sess.Status)
}

func TestIngestEnvelopes_LeaveOpenAccumulates(t *testing.T) {
	st := newTestStore(t)
	in, err := New(st, &flakyBackups{}, Config{LeaveOpen: true, Now: clock})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = in.IngestEnvelopes(ctx, envelopes("a", "b"))
	require.NoError(t, err)
	_, err = in.IngestEnvelopes(ctx, envelopes("c"))
	require.NoError(t, err)

	sess, err := st.GetSession(ctx, "s-env")
	require.NoError(t, err)
	assert.Equal(t, model.SessionRunning, sess.Status)
	assert.Nil(t, sess.CompletedAt)
	assert.Equal(t, 3, sess.ItemsFound)
}

// racingStore stores rival copies of some ids just before the batch insert,
// as a concurrent intake of the same file would.
type racingStore struct {
	store.Store
	rivals []model.RawRecord
}

func (s *racingStore) InsertRawRecords(ctx context.Context, recs []model.RawRecord) ([]string, error) {
	if _, err := s.Store.InsertRawRecords(ctx, s.rivals); err != nil {
		return nil, err
	}
	return s.Store.InsertRawRecords(ctx, recs)
}

func TestIngestEnvelopes_ConcurrentWriterRowsAreNotBackedUp(t *testing.T) {
	st := newTestStore(t)
	rival := envelopes("b")[0]
	rival.SessionID = "s-other"
	fb := &flakyBackups{}
	in, err := New(&racingStore{Store: st, rivals: []model.RawRecord{rival.Raw()}}, fb, Config{Now: clock})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := in.IngestEnvelopes(ctx, envelopes("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 2, res.BackedUp)
	assert.ElementsMatch(t, []string{"a", "c"}, fb.called)

	kept, err := st.GetRawRecord(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "s-other", kept.SessionID)

	sess, err := st.GetSession(ctx, "s-env")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.ItemsFound)
}

// brokenStore fails the batch insert, or session creation for one id.
type brokenStore struct {
	store.Store
	failInsert  bool
	failSession string
}

func (s *brokenStore) InsertRawRecords(ctx context.Context, recs []model.RawRecord) ([]string, error) {
	if s.failInsert {
		return nil, errors.New("database is locked")
	}
	return s.Store.InsertRawRecords(ctx, recs)
}

func (s *brokenStore) CreateSession(ctx context.Context, sess *model.ScrapingSession) (bool, error) {
	if sess.ID == s.failSession {
		return false, errors.New("database is locked")
	}
	return s.Store.CreateSession(ctx, sess)
}

func TestIngestEnvelopes_InsertFailureFailsOpenedSession(t *testing.T) {
	st := newTestStore(t)
	in, err := New(&brokenStore{Store: st, failInsert: true}, &flakyBackups{}, Config{Now: clock})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = in.IngestEnvelopes(ctx, envelopes("a", "b"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert raw records")

	sess, err := st.GetSession(ctx, "s-env")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, model.SessionFailed, sess.Status)
	assert.NotNil(t, sess.CompletedAt)
	assert.Equal(t, 2, sess.ItemsFailed)
	assert.Contains(t, sess.ErrorDetails["error"], "database is locked")
}

func TestIngestEnvelopes_SessionFailureFailsEarlierSessions(t *testing.T) {
	st := newTestStore(t)
	in, err := New(&brokenStore{Store: st, failSession: "s-b"}, &flakyBackups{}, Config{Now: clock})
	require.NoError(t, err)
	ctx := context.Background()

	envs := envelopes("a", "b")
	envs[0].SessionID = "s-a"
	envs[1].SessionID = "s-b"
	_, err = in.IngestEnvelopes(ctx, envs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create session s-b")

	sess, err := st.GetSession(ctx, "s-a")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, model.SessionFailed, sess.Status)

	running, err := st.ListSessions(ctx, store.SessionFilter{Statuses: []model.SessionStatus{model.SessionRunning}})
	require.NoError(t, err)
	assert.Empty(t, running)
}

// A session that was already running before the call is left to its owner.
func TestIngestEnvelopes_InsertFailureLeavesForeignSessionRunning(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.CreateSession(ctx, &model.ScrapingSession{
		ID:        "s-env",
		SourceID:  "bizinfo",
		Kind:      model.SessionIngestion,
		Status:    model.SessionRunning,
		StartedAt: testNow.Add(-time.Hour),
	})
	require.NoError(t, err)

	in, err := New(&brokenStore{Store: st, failInsert: true}, &flakyBackups{}, Config{Now: clock})
	require.NoError(t, err)
	_, err = in.IngestEnvelopes(ctx, envelopes("a"))
	require.Error(t, err)

	sess, err := st.GetSession(ctx, "s-env")
	require.NoError(t, err)
	assert.Equal(t, model.SessionRunning, sess.Status)
}

func TestIngestEnvelopes_RejectsInvalid(t *testing.T) {
	st := newTestStore(t)
	in, err := New(st, &flakyBackups{}, Config{Now: clock})
	require.NoError(t, err)

	envs := envelopes("ok", "no-time", "no-payload")
	envs[1].ScrapedAt = time.Time{}
	envs[2].Payload = nil

	res, err := in.IngestEnvelopes(context.Background(), envs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rejected)
	assert.Equal(t, 1, res.Inserted)
	require.Len(t, res.Errors, 2)
	assert.True(t, strings.HasPrefix(res.Errors[0], "envelope 2:"))
}

func TestDetectFormat(t *testing.T) {
	for path, want := range map[string]Format{
		"a.jsonl": FormatJSONL, "a.NDJSON": FormatJSONL, "a.json": FormatJSONL,
		"a.csv": FormatCSV, "dir/a.xlsx": FormatXLSX,
	} {
		got, err := DetectFormat(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}
	_, err := DetectFormat("a.xls")
	assert.Error(t, err)
}
