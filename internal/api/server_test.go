package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-vault/internal/backup"
	"github.com/sells-group/intake-vault/internal/model"
	"github.com/sells-group/intake-vault/internal/store"
)

type testEnv struct {
	st      *store.SQLiteStore
	backups *backup.Orchestrator
	srv     *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	secondary, err := backup.NewSecondary(filepath.Join(t.TempDir(), "archive"), false)
	require.NoError(t, err)
	o := backup.New(backup.NewPrimary(st), []backup.Tier{secondary}, backup.Config{Index: st})

	srv := httptest.NewServer(New(st, o, Options{}).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{st: st, backups: o, srv: srv}
}

func (e *testEnv) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func seedPrograms(t *testing.T, st store.Store) {
	t.Helper()
	for _, p := range []struct {
		id, source string
		score      float64
	}{
		{"pgm_high", "bizinfo", 9.0},
		{"pgm_mid", "bizinfo", 7.0},
		{"pgm_low", "kstartup", 4.0},
	} {
		_, err := st.UpsertStructuredRecord(context.Background(), &model.StructuredRecord{
			ProgramID:        p.id,
			SourceID:         p.source,
			SourceKind:       model.ParseSourceKind(p.source),
			Title:            "Program " + p.id,
			Agency:           "Agency",
			OriginalRawID:    "raw_" + p.id,
			DataQualityScore: p.score,
		})
		require.NoError(t, err)
	}
}

type programList struct {
	Programs []program `json:"programs"`
	Count    int       `json:"count"`
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, e.get(t, "/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetrics(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListPrograms(t *testing.T) {
	e := newTestEnv(t)
	seedPrograms(t, e.st)

	var all programList
	require.Equal(t, http.StatusOK, e.get(t, "/programs", &all))
	assert.Equal(t, 3, all.Count)

	var medium programList
	require.Equal(t, http.StatusOK, e.get(t, "/programs?tier=medium", &medium))
	require.Len(t, medium.Programs, 1)
	assert.Equal(t, "pgm_mid", medium.Programs[0].ProgramID)
	assert.Equal(t, "medium", medium.Programs[0].QualityTier)

	var bySource programList
	require.Equal(t, http.StatusOK, e.get(t, "/programs?source=kstartup", &bySource))
	require.Len(t, bySource.Programs, 1)
	assert.Equal(t, "low", bySource.Programs[0].QualityTier)

	var scored programList
	require.Equal(t, http.StatusOK, e.get(t, "/programs?min_score=8.5", &scored))
	require.Len(t, scored.Programs, 1)
	assert.Equal(t, "pgm_high", scored.Programs[0].ProgramID)
}

func TestListPrograms_BadParams(t *testing.T) {
	e := newTestEnv(t)
	for _, q := range []string{"?tier=gold", "?min_score=abc", "?min_score=11", "?limit=0", "?offset=-1"} {
		var body map[string]string
		assert.Equal(t, http.StatusBadRequest, e.get(t, "/programs"+q, &body), q)
		assert.NotEmpty(t, body["error"], q)
	}
}

func TestGetProgram(t *testing.T) {
	e := newTestEnv(t)
	seedPrograms(t, e.st)

	var p program
	require.Equal(t, http.StatusOK, e.get(t, "/programs/pgm_high", &p))
	assert.Equal(t, "high", p.QualityTier)
	assert.Equal(t, "raw_pgm_high", p.OriginalRawID)

	assert.Equal(t, http.StatusNotFound, e.get(t, "/programs/missing", nil))
}

func TestSessions(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	for _, s := range []model.ScrapingSession{
		{ID: "s1", SourceID: "bizinfo", Kind: model.SessionIngestion, Status: model.SessionRunning, StartedAt: time.Now().Add(-time.Hour)},
		{ID: "s2", SourceID: "bizinfo", Kind: model.SessionMigration, Status: model.SessionRunning, StartedAt: time.Now()},
	} {
		_, err := e.st.CreateSession(ctx, &s)
		require.NoError(t, err)
	}

	var list struct {
		Sessions []model.ScrapingSession `json:"sessions"`
		Count    int                     `json:"count"`
	}
	require.Equal(t, http.StatusOK, e.get(t, "/sessions?kind=ingestion", &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "s1", list.Sessions[0].ID)

	assert.Equal(t, http.StatusBadRequest, e.get(t, "/sessions?kind=other", nil))
	assert.Equal(t, http.StatusBadRequest, e.get(t, "/sessions?since=yesterday", nil))

	var sess model.ScrapingSession
	require.Equal(t, http.StatusOK, e.get(t, "/sessions/s2", &sess))
	assert.Equal(t, model.SessionMigration, sess.Kind)
	assert.Equal(t, http.StatusNotFound, e.get(t, "/sessions/nope", nil))
}

func TestRecoveryOperations(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	op := model.NewRecoveryOperation(model.TriggerManual, model.ScopeSession, model.RecoveryTarget{SessionID: "s1"}, time.Now())
	op.Status = model.RecoveryCompleted
	require.NoError(t, e.st.CreateRecoveryOperation(ctx, op))

	var list struct {
		Operations []model.RecoveryOperation `json:"operations"`
	}
	require.Equal(t, http.StatusOK, e.get(t, "/recovery/operations?scope=session", &list))
	require.Len(t, list.Operations, 1)

	var got model.RecoveryOperation
	require.Equal(t, http.StatusOK, e.get(t, "/recovery/operations/"+op.OperationID, &got))
	assert.Equal(t, model.RecoveryCompleted, got.Status)
	assert.Equal(t, http.StatusNotFound, e.get(t, "/recovery/operations/missing", nil))
}

func TestBackupIntegrity(t *testing.T) {
	e := newTestEnv(t)
	b, _, err := e.backups.CreateFullBackup(context.Background(), "bizinfo", []byte(`{"id":"r1"}`), nil)
	require.NoError(t, err)

	var rep backup.IntegrityReport
	require.Equal(t, http.StatusOK, e.get(t, "/backups/"+b.BackupID+"/integrity", &rep))
	assert.False(t, rep.CorruptionDetected)
	assert.ElementsMatch(t, []model.Tier{model.TierPrimary, model.TierSecondary}, rep.IntactTiers)

	assert.Equal(t, http.StatusNotFound, e.get(t, "/backups/unknown/integrity", nil))
}

func TestIntegrityDisabled(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rec := httptest.NewRecorder()
	New(st, nil, Options{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/backups/b1/integrity", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, http.StatusNotFound, e.get(t, "/nope", nil))
}
