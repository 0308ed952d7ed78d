// Package migration drives raw records through processing into the
// structured store in batched, bounded-concurrency stages.
package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/intake-vault/internal/metrics"
	"github.com/sells-group/intake-vault/internal/model"
	"github.com/sells-group/intake-vault/internal/processor"
	"github.com/sells-group/intake-vault/internal/store"
)

// Defaults for Config.
const (
	DefaultBatchSize      = 100
	DefaultMaxConcurrency = 5
	DefaultRawRetention   = 30 * 24 * time.Hour

	// writeTimeout bounds a store write that runs detached from the run
	// context.
	writeTimeout = 10 * time.Second
)

// Config controls an Engine.
type Config struct {
	BatchSize      int
	MaxConcurrency int
	RawRetention   time.Duration
	// KindFor maps a source id to its extraction strategy. Default:
	// model.ParseSourceKind.
	KindFor func(sourceID string) model.SourceKind
	Now     func() time.Time
}

// Engine runs migration stages against a store.
type Engine struct {
	store store.Store
	proc  *processor.Processor
	cfg   Config
	log   *zap.Logger
}

// New creates an Engine. The quality gate is the processor's threshold.
func New(st store.Store, proc *processor.Processor, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.RawRetention <= 0 {
		cfg.RawRetention = DefaultRawRetention
	}
	if cfg.KindFor == nil {
		cfg.KindFor = model.ParseSourceKind
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if proc == nil {
		proc = processor.New(nil)
	}
	return &Engine{
		store: st,
		proc:  proc,
		cfg:   cfg,
		log:   zap.L().With(zap.String("component", "migration")),
	}
}

// Threshold returns the quality gate for structured insertion.
func (e *Engine) Threshold() float64 { return e.proc.Threshold() }

// Run executes stages A through D over every pending record, bracketed by a
// migration session. The session is finalized even when a stage fails or
// panics.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	return e.bracket(ctx, "all", func(ctx context.Context, st *Stats) error {
		return e.runStages(ctx, nil, true, st)
	})
}

// MigrateRecords runs stages A and B restricted to ids under its own
// migration session. Stage C is reported; Stage D is left to Run.
func (e *Engine) MigrateRecords(ctx context.Context, ids []string) (Stats, error) {
	if len(ids) == 0 {
		return Stats{}, nil
	}
	return e.bracket(ctx, "targeted", func(ctx context.Context, st *Stats) error {
		return e.runStages(ctx, ids, false, st)
	})
}

func (e *Engine) runStages(ctx context.Context, ids []string, cleanup bool, st *Stats) error {
	a, err := e.StageA(ctx, ids)
	*st = st.Add(a)
	if err != nil {
		return err
	}

	b, scores, err := e.stageB(ctx, ids)
	*st = st.Add(b)
	if err != nil {
		return err
	}

	st.Quality = e.StageC(scores)

	if !cleanup {
		return nil
	}
	d, err := e.StageD(ctx)
	*st = st.Add(d)
	return err
}

// bracket creates a running session, calls fn and completes the session with
// the final counts. The completion write uses a context detached from ctx so
// a cancelled run is still recorded.
func (e *Engine) bracket(ctx context.Context, scope string, fn func(ctx context.Context, st *Stats) error) (stats Stats, err error) {
	start := e.cfg.Now()
	sess := &model.ScrapingSession{
		SourceID:  scope,
		Kind:      model.SessionMigration,
		Status:    model.SessionRunning,
		StartedAt: start.UTC(),
	}
	if _, err := e.store.CreateSession(ctx, sess); err != nil {
		return Stats{}, eris.Wrap(err, "migration: start session")
	}
	log := e.log.With(zap.String("session_id", sess.ID), zap.String("scope", scope))
	log.Info("migration: run started")

	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("migration: panic: %v", r)
		}
		stats.Duration = e.cfg.Now().Sub(start)
		e.finalize(ctx, log, sess.ID, stats, err)
	}()

	err = fn(ctx, &stats)
	return stats, err
}

func (e *Engine) finalize(ctx context.Context, log *zap.Logger, sessionID string, stats Stats, runErr error) {
	status := model.SessionCompleted
	details := stats.Details()
	if runErr != nil {
		status = model.SessionFailed
		details["error"] = runErr.Error()
	}
	counts := model.SessionCounts{
		ItemsFound:     max(stats.Fetched, stats.Candidates),
		ItemsProcessed: stats.Processed,
		ItemsMigrated:  stats.Migrated + stats.Updated,
		ItemsFailed:    stats.Failed + stats.Errors,
	}

	fctx, cancel := detached(ctx)
	defer cancel()
	if err := e.store.CompleteSession(fctx, sessionID, status, counts, details); err != nil {
		log.Error("migration: finalize session failed", zap.Error(err))
		return
	}

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("processed", stats.Processed),
		zap.Int("migrated", stats.Migrated),
		zap.Int("updated", stats.Updated),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("failed", stats.Failed),
		zap.Int("errors", stats.Errors),
		zap.Int("pruned", stats.Pruned),
		zap.Duration("duration", stats.Duration),
	}
	if runErr != nil {
		log.Error("migration: run failed", append(fields, zap.Error(runErr))...)
		return
	}
	log.Info("migration: run complete", fields...)
}

// StageA processes pending records oldest first. Each record is stamped with
// its score, errors and a completed or failed status; a record that cannot
// be processed never aborts its batch. Only list failures are returned.
func (e *Engine) StageA(ctx context.Context, ids []string) (Stats, error) {
	defer observe("a", time.Now())
	var st Stats
	for {
		if err := ctx.Err(); err != nil {
			return st, eris.Wrap(err, "migration: stage a cancelled")
		}
		batch, err := e.store.ListRawRecords(ctx, store.RawFilter{
			IDs:      ids,
			Statuses: []model.ProcessingStatus{model.StatusPending},
			Order:    store.OrderScrapedAsc,
			Limit:    e.cfg.BatchSize,
		})
		if err != nil {
			return st, eris.Wrap(err, "migration: stage a list pending")
		}
		if len(batch) == 0 {
			return st, nil
		}
		st.Fetched += len(batch)

		batchIDs := make([]string, len(batch))
		for i := range batch {
			batchIDs[i] = batch[i].ID
		}
		if _, err := e.store.SetRawStatus(ctx, batchIDs, model.StatusProcessing); err != nil {
			return st, eris.Wrap(err, "migration: stage a claim batch")
		}

		st = st.Add(e.processBatch(ctx, batch))
	}
}

// processBatch processes a claimed batch. Records not started before ctx is
// cancelled are released back to pending.
func (e *Engine) processBatch(ctx context.Context, batch []model.RawRecord) Stats {
	var (
		mu       sync.Mutex
		st       Stats
		released []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)
	for i := range batch {
		raw := &batch[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				mu.Lock()
				released = append(released, raw.ID)
				mu.Unlock()
				return nil
			}
			outcome := e.processRecord(ctx, raw)
			metrics.RecordsMigrated.WithLabelValues("a", outcome).Inc()
			mu.Lock()
			defer mu.Unlock()
			st.Processed++
			switch outcome {
			case "completed":
				st.Completed++
			case "failed":
				st.Failed++
			default:
				st.Errors++
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(released) > 0 {
		wctx, cancel := detached(ctx)
		defer cancel()
		if _, err := e.store.SetRawStatus(wctx, released, model.StatusPending); err != nil {
			e.log.Warn("migration: release unprocessed records failed", zap.Int("count", len(released)), zap.Error(err))
		}
	}
	return st
}

// processRecord scores one record and saves the result. It returns
// "completed", "failed" or "error".
func (e *Engine) processRecord(ctx context.Context, raw *model.RawRecord) (outcome string) {
	res, perr := e.safeProcess(raw)
	if perr != nil {
		e.log.Warn("migration: processing error", zap.String("raw_id", raw.ID), zap.Error(perr))
		res = model.RawResult{
			Status:           model.StatusFailed,
			ValidationErrors: []string{"Processing error: " + perr.Error()},
		}
	}
	wctx, cancel := detached(ctx)
	defer cancel()
	if err := e.store.SaveRawResult(wctx, raw.ID, res); err != nil {
		e.log.Warn("migration: save processing result failed", zap.String("raw_id", raw.ID), zap.Error(err))
		return "error"
	}
	if perr != nil {
		return "error"
	}
	return string(res.Status)
}

// safeProcess runs the processor and turns a panic into an error.
func (e *Engine) safeProcess(raw *model.RawRecord) (res model.RawResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return resultOf(e.proc.Process(raw.Payload, e.cfg.KindFor(raw.SourceID))), nil
}

func resultOf(p *model.ProcessedRecord) model.RawResult {
	status := model.StatusFailed
	if p.IsValid {
		status = model.StatusCompleted
	}
	return model.RawResult{
		Status:           status,
		Score:            p.QualityScore,
		ValidationErrors: p.ValidationErrors,
		ContentHash:      p.ContentHash,
	}
}

// StageB migrates completed, unmigrated records at or above the quality gate,
// best score first. A program id already held by a different raw record makes
// the record a duplicate; the same raw record is updated in place.
func (e *Engine) StageB(ctx context.Context, ids []string) (Stats, error) {
	st, _, err := e.stageB(ctx, ids)
	return st, err
}

func (e *Engine) stageB(ctx context.Context, ids []string) (Stats, []float64, error) {
	defer observe("b", time.Now())
	var (
		st     Stats
		scores []float64
	)
	threshold := e.Threshold()
	for {
		if err := ctx.Err(); err != nil {
			return st, scores, eris.Wrap(err, "migration: stage b cancelled")
		}
		batch, err := e.store.ListRawRecords(ctx, store.RawFilter{
			IDs:        ids,
			Statuses:   []model.ProcessingStatus{model.StatusCompleted},
			MinScore:   &threshold,
			Unmigrated: true,
			Order:      store.OrderQualityDesc,
			Limit:      e.cfg.BatchSize,
		})
		if err != nil {
			return st, scores, eris.Wrap(err, "migration: stage b list candidates")
		}
		if len(batch) == 0 {
			return st, scores, nil
		}
		st.Candidates += len(batch)

		bst, bscores := e.migrateBatch(ctx, batch)
		st = st.Add(bst)
		scores = append(scores, bscores...)

		// Records that hit store errors stay candidates; stop instead of
		// refetching them forever.
		if ctx.Err() == nil && bst.Migrated+bst.Updated+bst.Duplicates+bst.Demoted == 0 {
			e.log.Warn("migration: stage b made no progress", zap.Int("batch", len(batch)))
			return st, scores, nil
		}
	}
}

type candidate struct {
	raw  *model.RawRecord
	proc *model.ProcessedRecord
}

func (e *Engine) migrateBatch(ctx context.Context, batch []model.RawRecord) (Stats, []float64) {
	var (
		mu     sync.Mutex
		st     Stats
		scores []float64
	)
	count := func(outcome string, score float64) {
		metrics.RecordsMigrated.WithLabelValues("b", outcome).Inc()
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case "migrated":
			st.Migrated++
			scores = append(scores, score)
		case "updated":
			st.Updated++
			scores = append(scores, score)
		case "duplicate":
			st.Duplicates++
		case "demoted":
			st.Demoted++
		default:
			st.Errors++
		}
	}

	// Within a batch the best-scored record claims a program id; later ones
	// with the same id are duplicates without a store round trip.
	claimed := make(map[string]string, len(batch))
	var work []candidate
	for i := range batch {
		raw := &batch[i]
		p, err := e.safeProcessRecord(raw)
		if err != nil {
			e.log.Warn("migration: reprocess failed", zap.String("raw_id", raw.ID), zap.Error(err))
			count("error", 0)
			continue
		}
		if owner, ok := claimed[p.ProgramID]; ok && owner != raw.ID {
			wctx, cancel := detached(ctx)
			count(e.markDuplicate(wctx, raw, p.ProgramID), 0)
			cancel()
			continue
		}
		claimed[p.ProgramID] = raw.ID
		work = append(work, candidate{raw: raw, proc: p})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)
	for _, c := range work {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			outcome := e.migrateRecord(ctx, c)
			count(outcome, c.proc.QualityScore)
			return nil
		})
	}
	_ = g.Wait()
	return st, scores
}

func (e *Engine) safeProcessRecord(raw *model.RawRecord) (p *model.ProcessedRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.proc.Process(raw.Payload, e.cfg.KindFor(raw.SourceID)), nil
}

// migrateRecord returns "migrated", "updated", "duplicate", "demoted" or
// "error".
// The record's writes run to completion once started.
func (e *Engine) migrateRecord(ctx context.Context, c candidate) string {
	raw, p := c.raw, c.proc
	log := e.log.With(zap.String("raw_id", raw.ID), zap.String("program_id", p.ProgramID))
	ctx, cancel := detached(ctx)
	defer cancel()

	// The payload is re-scored; a record that no longer passes the gate is
	// settled below threshold rather than migrated.
	if p.QualityScore < e.Threshold() {
		if err := e.store.SaveRawResult(ctx, raw.ID, resultOf(p)); err != nil {
			log.Warn("migration: demote failed", zap.Error(err))
			return "error"
		}
		return "demoted"
	}

	existing, err := e.store.GetStructuredRecord(ctx, p.ProgramID)
	if err != nil {
		log.Warn("migration: lookup structured record failed", zap.Error(err))
		return "error"
	}
	if existing != nil && existing.OriginalRawID != raw.ID {
		return e.markDuplicate(ctx, raw, p.ProgramID)
	}

	owned, err := e.store.UpsertStructuredRecord(ctx, model.NewStructuredRecord(raw, p))
	if err != nil {
		log.Warn("migration: upsert structured record failed", zap.Error(err))
		return "error"
	}
	// Another run claimed the program between the lookup and the write.
	if !owned {
		return e.markDuplicate(ctx, raw, p.ProgramID)
	}
	if err := e.store.MarkRawMigrated(ctx, raw.ID, e.cfg.Now().UTC()); err != nil {
		log.Warn("migration: mark migrated failed", zap.Error(err))
		return "error"
	}
	if existing != nil {
		return "updated"
	}
	return "migrated"
}

func (e *Engine) markDuplicate(ctx context.Context, raw *model.RawRecord, programID string) string {
	if _, err := e.store.SetRawStatus(ctx, []string{raw.ID}, model.StatusDuplicate); err != nil {
		e.log.Warn("migration: mark duplicate failed", zap.String("raw_id", raw.ID), zap.Error(err))
		return "error"
	}
	e.log.Debug("migration: duplicate program", zap.String("raw_id", raw.ID), zap.String("program_id", programID))
	return "duplicate"
}

// StageC buckets the scores migrated in this run. It is read-only and never
// fails.
func (e *Engine) StageC(scores []float64) QualityReport {
	q := qualityReport(scores)
	e.log.Info("migration: quality report",
		zap.Int("high", q.High),
		zap.Int("medium", q.Medium),
		zap.Int("low", q.Low),
		zap.Float64("high_ratio", q.HighRatio()),
	)
	return q
}

// StageD prunes the payload of migrated records older than the retention
// window. Failed and pending records are never touched.
func (e *Engine) StageD(ctx context.Context) (Stats, error) {
	defer observe("d", time.Now())
	cutoff := e.cfg.Now().Add(-e.cfg.RawRetention)
	n, err := e.store.PruneRawPayloads(ctx, cutoff)
	if err != nil {
		return Stats{}, eris.Wrap(err, "migration: stage d prune")
	}
	metrics.RecordsMigrated.WithLabelValues("d", "pruned").Add(float64(n))
	return Stats{Pruned: n}, nil
}

// detached returns a context that outlives cancellation of ctx, bounded by
// writeTimeout.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

func observe(stage string, start time.Time) {
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
