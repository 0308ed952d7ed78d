// Package ingest accepts raw envelopes from scraper output files, stores
// them in the intake store and backs each one up across the tiers.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/intake-vault/internal/backup"
	"github.com/sells-group/intake-vault/internal/metrics"
	"github.com/sells-group/intake-vault/internal/model"
	"github.com/sells-group/intake-vault/internal/store"
)

// DefaultBackupWorkers bounds concurrent backup fan-outs per file.
const DefaultBackupWorkers = 5

const (
	maxResultErrors = 50
	finalizeTimeout = 10 * time.Second
)

// Backups creates full backups of intake records.
type Backups interface {
	CreateFullBackup(ctx context.Context, sourceID string, data []byte, metadata map[string]any) (*model.BackupRecord, []backup.TierResult, error)
}

// Config controls intake. Zero values take the defaults.
type Config struct {
	// DefaultSource fills source_id on rows that carry none.
	DefaultSource string
	// BackupWorkers bounds concurrent backups. Default 5.
	BackupWorkers int
	// LeaveOpen keeps sessions running after the file is ingested, for
	// scrapers that deliver one session across several files.
	LeaveOpen bool
	Now       func() time.Time
}

// Result summarises one intake call.
type Result struct {
	File          string   `json:"file,omitempty" yaml:"file,omitempty"`
	Format        Format   `json:"format,omitempty" yaml:"format,omitempty"`
	Read          int      `json:"read" yaml:"read"`
	Rejected      int      `json:"rejected" yaml:"rejected"`
	Duplicates    int      `json:"duplicates" yaml:"duplicates"`
	Inserted      int      `json:"inserted" yaml:"inserted"`
	BackedUp      int      `json:"backed_up" yaml:"backed_up"`
	BackupFailed  int      `json:"backup_failed" yaml:"backup_failed"`
	Degraded      int      `json:"degraded" yaml:"degraded"` // backed up with at least one tier failing
	Sessions      []string `json:"sessions,omitempty" yaml:"sessions,omitempty"`
	Errors        []string `json:"errors,omitempty" yaml:"errors,omitempty"`
	errorsDropped int
}

func (r *Result) addError(msg string) {
	if len(r.Errors) >= maxResultErrors {
		r.errorsDropped++
		return
	}
	r.Errors = append(r.Errors, msg)
}

// Intake stores and backs up raw envelopes.
type Intake struct {
	st      store.Store
	backups Backups
	cfg     Config
	schema  *jsonschema.Schema
	log     *zap.Logger
}

// New creates an Intake and compiles the envelope schema.
func New(st store.Store, b Backups, cfg Config) (*Intake, error) {
	if cfg.BackupWorkers <= 0 {
		cfg.BackupWorkers = DefaultBackupWorkers
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	sch, err := compileSchema()
	if err != nil {
		return nil, err
	}
	return &Intake{
		st:      st,
		backups: b,
		cfg:     cfg,
		schema:  sch,
		log:     zap.L().With(zap.String("component", "ingest")),
	}, nil
}

// IngestFile reads, validates and ingests one JSONL, CSV or XLSX file.
// Invalid rows are rejected individually; an error is returned only when
// the file itself cannot be read or the intake store fails.
func (in *Intake) IngestFile(ctx context.Context, path string) (*Result, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	res := &Result{File: filepath.Base(path), Format: format}

	// Rows without a session id share one session per file.
	fileSession := uuid.New().String()

	var envs []model.Envelope
	items, errs := streamItems(ctx, path, format)
	for it := range items {
		res.Read++
		env, err := in.decode(it, fileSession)
		if err != nil {
			res.Rejected++
			metrics.RecordsRejected.WithLabelValues(string(format)).Inc()
			res.addError(fmt.Sprintf("line %d: %s", it.Line, err.Error()))
			continue
		}
		envs = append(envs, env)
	}
	if err := <-errs; err != nil {
		return res, eris.Wrapf(err, "ingest: read %s", res.File)
	}

	if err := in.ingest(ctx, envs, res); err != nil {
		return res, err
	}
	in.logResult(res)
	return res, nil
}

// IngestEnvelopes ingests already decoded envelopes. Each envelope is
// checked against the envelope schema first.
func (in *Intake) IngestEnvelopes(ctx context.Context, envs []model.Envelope) (*Result, error) {
	res := &Result{Read: len(envs)}
	valid := make([]model.Envelope, 0, len(envs))
	for i, env := range envs {
		doc, err := envelopeDoc(env)
		if err == nil {
			err = in.validate(doc)
		}
		if err != nil {
			res.Rejected++
			res.addError(fmt.Sprintf("envelope %d: %s", i+1, err.Error()))
			continue
		}
		valid = append(valid, env)
	}
	if err := in.ingest(ctx, valid, res); err != nil {
		return res, err
	}
	in.logResult(res)
	return res, nil
}

func (in *Intake) decode(it item, fileSession string) (model.Envelope, error) {
	if it.Err != nil {
		return model.Envelope{}, it.Err
	}
	doc := it.Doc
	if isBlank(doc[colSourceID]) && in.cfg.DefaultSource != "" {
		doc[colSourceID] = in.cfg.DefaultSource
	}
	if isBlank(doc[colSessionID]) {
		doc[colSessionID] = fileSession
	}
	if err := in.validate(doc); err != nil {
		return model.Envelope{}, err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return model.Envelope{}, eris.Wrap(err, "encode row")
	}
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return model.Envelope{}, eris.Wrap(err, "decode envelope")
	}
	return env, nil
}

func (in *Intake) validate(doc any) error {
	if err := in.schema.Validate(doc); err != nil {
		return eris.New(validationMessage(err))
	}
	return nil
}

// envelopeDoc converts env to the generic JSON shape the schema validates.
func envelopeDoc(env model.Envelope) (any, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, eris.Wrap(err, "encode envelope")
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "decode envelope")
	}
	// A zero time marshals as a valid timestamp; treat it as missing.
	if env.ScrapedAt.IsZero() {
		delete(doc, colScrapedAt)
	}
	return doc, nil
}

func isBlank(v any) bool {
	s, ok := v.(string)
	return v == nil || (ok && s == "")
}

// sessionTally accumulates per-session counts during one intake call.
type sessionTally struct {
	sourceID string
	open     bool
	created  bool // opened by this call
	found    int
	failed   int
	lastErr  string
}

func (in *Intake) ingest(ctx context.Context, envs []model.Envelope, res *Result) (err error) {
	recs, err := in.fresh(ctx, envs, res)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	tallies := map[string]*sessionTally{}
	for i := range recs {
		t, ok := tallies[recs[i].SessionID]
		if !ok {
			t = &sessionTally{sourceID: recs[i].SourceID}
			tallies[recs[i].SessionID] = t
			res.Sessions = append(res.Sessions, recs[i].SessionID)
		}
		t.found++
	}
	sort.Strings(res.Sessions)

	// Sessions opened here must not stay running when the batch never lands.
	stored := false
	defer func() {
		if err != nil && !stored {
			in.abandon(ctx, tallies, err)
		}
	}()

	for _, id := range res.Sessions {
		t := tallies[id]
		if t.open, t.created, err = in.ensureSession(ctx, id, t.sourceID); err != nil {
			return err
		}
	}

	ids, err := in.st.InsertRawRecords(ctx, recs)
	if err != nil {
		return eris.Wrap(err, "ingest: insert raw records")
	}
	stored = true

	// A concurrent writer may have stored some ids since fresh looked; those
	// rows are not ours to back up or count.
	inserted := make(map[string]bool, len(ids))
	for _, id := range ids {
		inserted[id] = true
	}
	mine := recs[:0]
	for _, rec := range recs {
		if !inserted[rec.ID] {
			res.Duplicates++
			tallies[rec.SessionID].found--
			continue
		}
		mine = append(mine, rec)
		metrics.RecordsIngested.WithLabelValues(rec.SourceID).Inc()
	}
	res.Inserted = len(mine)

	in.backupAll(ctx, mine, tallies, res)

	for _, id := range res.Sessions {
		if err := in.closeSession(ctx, id, tallies[id]); err != nil {
			return err
		}
	}
	return nil
}

// abandon fails the sessions this call created, on a context that outlives
// cancellation of ctx.
func (in *Intake) abandon(ctx context.Context, tallies map[string]*sessionTally, cause error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	for id, t := range tallies {
		if !t.created {
			continue
		}
		counts := model.SessionCounts{ItemsFound: t.found, ItemsFailed: t.found}
		details := map[string]any{"error": cause.Error()}
		if err := in.st.CompleteSession(fctx, id, model.SessionFailed, counts, details); err != nil {
			in.log.Warn("ingest: fail abandoned session",
				zap.String("session_id", id),
				zap.Error(err))
		}
	}
}

// fresh assigns missing ids and drops envelopes whose id is already in the
// batch or in the intake store.
func (in *Intake) fresh(ctx context.Context, envs []model.Envelope, res *Result) ([]model.RawRecord, error) {
	seen := make(map[string]bool, len(envs))
	recs := make([]model.RawRecord, 0, len(envs))
	for _, env := range envs {
		if env.ID == "" {
			env.ID = uuid.New().String()
		} else {
			if seen[env.ID] {
				res.Duplicates++
				continue
			}
			existing, err := in.st.GetRawRecord(ctx, env.ID)
			if err != nil {
				return nil, eris.Wrapf(err, "ingest: check raw record %s", env.ID)
			}
			if existing != nil {
				res.Duplicates++
				continue
			}
		}
		seen[env.ID] = true
		recs = append(recs, env.Raw())
	}
	return recs, nil
}

// ensureSession creates the ingestion session if needed and reports whether
// it is still open for counts and whether this call created it.
func (in *Intake) ensureSession(ctx context.Context, id, sourceID string) (open, created bool, err error) {
	sess, err := in.st.GetSession(ctx, id)
	if err != nil {
		return false, false, eris.Wrapf(err, "ingest: get session %s", id)
	}
	if sess == nil {
		created, err := in.st.CreateSession(ctx, &model.ScrapingSession{
			ID:        id,
			SourceID:  sourceID,
			Kind:      model.SessionIngestion,
			Status:    model.SessionRunning,
			StartedAt: in.cfg.Now().UTC(),
		})
		if err != nil {
			return false, false, eris.Wrapf(err, "ingest: create session %s", id)
		}
		return true, created, nil
	}
	if sess.CompletedAt != nil {
		in.log.Warn("ingest: session already completed, counts not updated",
			zap.String("session_id", id))
		return false, false, nil
	}
	return true, false, nil
}

func (in *Intake) backupAll(ctx context.Context, recs []model.RawRecord, tallies map[string]*sessionTally, res *Result) {
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(in.cfg.BackupWorkers)

	for i := range recs {
		rec := &recs[i]
		g.Go(func() error {
			degraded, err := in.backupOne(ctx, rec)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.BackupFailed++
				t := tallies[rec.SessionID]
				t.failed++
				t.lastErr = err.Error()
				res.addError(fmt.Sprintf("record %s: %s", rec.ID, err.Error()))
				in.log.Warn("ingest: backup failed",
					zap.String("raw_record_id", rec.ID),
					zap.Error(err))
				return nil
			}
			res.BackedUp++
			if degraded {
				res.Degraded++
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (in *Intake) backupOne(ctx context.Context, rec *model.RawRecord) (bool, error) {
	data, err := model.EnvelopeOf(rec).Marshal()
	if err != nil {
		return false, err
	}
	_, results, err := in.backups.CreateFullBackup(ctx, rec.SourceID, data, map[string]any{
		model.MetaRawRecordID: rec.ID,
		model.MetaSessionID:   rec.SessionID,
		model.MetaScrapedAt:   rec.ScrapedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return false, err
	}
	for _, r := range results {
		if !r.OK() {
			return true, nil
		}
	}
	return false, nil
}

func (in *Intake) closeSession(ctx context.Context, id string, t *sessionTally) error {
	if !t.open {
		return nil
	}
	delta := model.SessionCounts{ItemsFound: t.found, ItemsProcessed: t.found, ItemsFailed: t.failed}
	if in.cfg.LeaveOpen {
		return eris.Wrapf(in.st.AddSessionCounts(ctx, id, delta), "ingest: add session counts %s", id)
	}

	sess, err := in.st.GetSession(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "ingest: get session %s", id)
	}
	if sess == nil {
		return eris.Errorf("ingest: session %s vanished", id)
	}
	counts := model.SessionCounts{
		ItemsFound:     sess.ItemsFound + delta.ItemsFound,
		ItemsProcessed: sess.ItemsProcessed + delta.ItemsProcessed,
		ItemsMigrated:  sess.ItemsMigrated,
		ItemsFailed:    sess.ItemsFailed + delta.ItemsFailed,
	}
	status := model.SessionCompleted
	var details map[string]any
	if counts.ItemsFailed > 0 {
		details = map[string]any{"error": t.lastErr, "backup_failures": counts.ItemsFailed}
		if counts.ItemsFailed >= counts.ItemsFound {
			status = model.SessionFailed
		}
	}
	if err := in.st.CompleteSession(ctx, id, status, counts, details); err != nil {
		return eris.Wrapf(err, "ingest: complete session %s", id)
	}
	return nil
}

func (in *Intake) logResult(res *Result) {
	if res.errorsDropped > 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("%d more errors not shown", res.errorsDropped))
		res.errorsDropped = 0
	}
	in.log.Info("ingest: complete",
		zap.String("file", res.File),
		zap.Int("read", res.Read),
		zap.Int("rejected", res.Rejected),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("inserted", res.Inserted),
		zap.Int("backed_up", res.BackedUp),
		zap.Int("backup_failed", res.BackupFailed),
		zap.Int("degraded", res.Degraded),
	)
}
