// Package recovery restores lost or stalled raw records from backups and
// pushes them back through migration, recording every attempt as an
// auditable recovery operation.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/intake-vault/internal/backup"
	"github.com/sells-group/intake-vault/internal/metrics"
	"github.com/sells-group/intake-vault/internal/migration"
	"github.com/sells-group/intake-vault/internal/model"
	"github.com/sells-group/intake-vault/internal/store"
)

const (
	DefaultConcurrency      = 5
	DefaultDelayedBatchSize = 50
	DefaultIngestLag        = 7 * 24 * time.Hour

	writeTimeout            = 10 * time.Second
	maxListedInVerification = 20
)

// Backups is the part of the backup orchestrator recovery reads through.
type Backups interface {
	RestoreFromAnyTier(ctx context.Context, backupID string) (*model.BackupRecord, error)
	List(ctx context.Context, tier model.Tier, f backup.Filter) ([]string, error)
}

// Migrator re-runs migration on restored records.
type Migrator interface {
	MigrateRecords(ctx context.Context, ids []string) (migration.Stats, error)
	Threshold() float64
}

// Config controls recovery. Zero values take the defaults.
type Config struct {
	Concurrency      int
	DelayedBatchSize int
	// IngestLag bounds how long after scraping a record is backed up. Date
	// range recovery searches backups created up to this long after the
	// range ends.
	IngestLag time.Duration
	Now       func() time.Time
}

// Engine runs recovery operations.
type Engine struct {
	store    store.Store
	backups  Backups
	migrator Migrator
	scanner  Scanner
	cfg      Config
	log      *zap.Logger
}

// New creates a recovery Engine. scanner may be nil when the automatic cycle
// is not used.
func New(st store.Store, backups Backups, migrator Migrator, scanner Scanner, cfg Config) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.DelayedBatchSize <= 0 {
		cfg.DelayedBatchSize = DefaultDelayedBatchSize
	}
	if cfg.IngestLag <= 0 {
		cfg.IngestLag = DefaultIngestLag
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		store:    st,
		backups:  backups,
		migrator: migrator,
		scanner:  scanner,
		cfg:      cfg,
		log:      zap.L().With(zap.String("component", "recovery")),
	}
}

// target is one raw record to bring back. rawID is empty when only the
// backup is known; keep then decides after the backup is read.
type target struct {
	rawID    string
	backupID string
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeRecovered
	outcomeFailed
)

// plan is what an operation needs to run: the targets and the checks that
// apply to restored envelopes.
type plan struct {
	targets []target
	keep    func(model.Envelope) bool
	// expected lists raw ids that must exist after recovery.
	expected []string
}

// RecoverSession restores the records of one ingestion session.
func (e *Engine) RecoverSession(ctx context.Context, sessionID string) (*model.RecoveryOperation, error) {
	return e.recoverSession(ctx, model.TriggerManual, sessionID)
}

// RecoverDateRange restores the records a source scraped in [start, end).
// An empty sourceID covers every source.
func (e *Engine) RecoverDateRange(ctx context.Context, sourceID string, start, end time.Time) (*model.RecoveryOperation, error) {
	return e.recoverDateRange(ctx, model.TriggerManual, sourceID, start, end)
}

// RecoverDelayedProcessing restores and re-migrates the given stalled
// records. Record-targeted operations use the single_record scope.
func (e *Engine) RecoverDelayedProcessing(ctx context.Context, rawIDs []string) (*model.RecoveryOperation, error) {
	return e.recoverRecords(ctx, model.TriggerManual, rawIDs)
}

// RecoverSource restores every backed-up record of one source.
func (e *Engine) RecoverSource(ctx context.Context, sourceID string) (*model.RecoveryOperation, error) {
	tgt := model.RecoveryTarget{SourceID: sourceID}
	return e.execute(ctx, model.TriggerManual, model.ScopeFullSource, tgt, func(ctx context.Context) (*plan, error) {
		return e.planAll(ctx, sourceID)
	})
}

// RecoverAll restores every backed-up record of every source.
func (e *Engine) RecoverAll(ctx context.Context) (*model.RecoveryOperation, error) {
	return e.execute(ctx, model.TriggerManual, model.ScopeFullSystem, model.RecoveryTarget{}, func(ctx context.Context) (*plan, error) {
		return e.planAll(ctx, "")
	})
}

func (e *Engine) recoverSession(ctx context.Context, trigger model.RecoveryTrigger, sessionID string) (*model.RecoveryOperation, error) {
	tgt := model.RecoveryTarget{SessionID: sessionID}
	return e.execute(ctx, trigger, model.ScopeSession, tgt, func(ctx context.Context) (*plan, error) {
		return e.planSession(ctx, sessionID)
	})
}

func (e *Engine) recoverDateRange(ctx context.Context, trigger model.RecoveryTrigger, sourceID string, start, end time.Time) (*model.RecoveryOperation, error) {
	start, end = start.UTC(), end.UTC()
	tgt := model.RecoveryTarget{SourceID: sourceID, Start: &start, End: &end}
	return e.execute(ctx, trigger, model.ScopeDateRange, tgt, func(ctx context.Context) (*plan, error) {
		return e.planDateRange(ctx, sourceID, start, end)
	})
}

func (e *Engine) recoverRecords(ctx context.Context, trigger model.RecoveryTrigger, rawIDs []string) (*model.RecoveryOperation, error) {
	tgt := model.RecoveryTarget{RecordIDs: rawIDs}
	return e.execute(ctx, trigger, model.ScopeSingleRecord, tgt, func(ctx context.Context) (*plan, error) {
		return e.planRecords(ctx, rawIDs)
	})
}

// execute brackets one operation: pending, running, then a terminal status
// written on a detached context so cancellation still leaves an audit row.
func (e *Engine) execute(ctx context.Context, trigger model.RecoveryTrigger, scope model.RecoveryScope, tgt model.RecoveryTarget, locate func(ctx context.Context) (*plan, error)) (*model.RecoveryOperation, error) {
	op := model.NewRecoveryOperation(trigger, scope, tgt, e.cfg.Now())
	log := e.log.With(zap.String("operation_id", op.OperationID), zap.String("scope", string(scope)))

	if err := e.store.CreateRecoveryOperation(ctx, op); err != nil {
		return nil, eris.Wrap(err, "recovery: create operation")
	}
	op.Status = model.RecoveryRunning
	if err := e.store.UpdateRecoveryOperation(ctx, op); err != nil {
		return nil, eris.Wrap(err, "recovery: start operation")
	}
	log.Info("recovery: operation started", zap.String("trigger", string(trigger)), zap.Any("target", tgt))

	runErr := e.run(ctx, op, locate)
	if runErr != nil && op.Status == model.RecoveryRunning {
		op.Status = model.RecoveryFailed
	}
	if runErr != nil {
		op.VerificationDetails["error"] = runErr.Error()
	}

	now := e.cfg.Now().UTC()
	op.CompletedAt = &now
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := e.store.UpdateRecoveryOperation(fctx, op); err != nil {
		log.Error("recovery: finalize operation failed", zap.Error(err))
		return op, eris.Wrap(err, "recovery: finalize operation")
	}

	metrics.RecoveryOperations.WithLabelValues(string(scope), string(op.Status)).Inc()
	metrics.RecordsRecovered.WithLabelValues(string(scope)).Add(float64(op.RecordsRecovered))

	fields := []zap.Field{
		zap.String("status", string(op.Status)),
		zap.Int("recovered", op.RecordsRecovered),
		zap.Int("failed", op.RecordsFailed),
		zap.Bool("verified", op.VerificationPassed),
	}
	if op.Status == model.RecoveryCompleted {
		log.Info("recovery: operation finished", fields...)
	} else {
		log.Warn("recovery: operation finished", append(fields, zap.Error(runErr))...)
	}
	return op, nil
}

func (e *Engine) run(ctx context.Context, op *model.RecoveryOperation, locate func(ctx context.Context) (*plan, error)) error {
	p, err := locate(ctx)
	if err != nil {
		return eris.Wrap(err, "recovery: locate backups")
	}
	op.VerificationDetails["targets"] = len(p.targets)

	recovered, failed := e.restoreAll(ctx, p)
	op.RecordsRecovered = len(recovered)
	op.RecordsFailed = failed

	if ctx.Err() != nil {
		op.Status = model.RecoveryCancelled
		return eris.Wrap(ctx.Err(), "recovery: cancelled")
	}

	var stats migration.Stats
	if len(recovered) > 0 {
		stats, err = e.migrator.MigrateRecords(ctx, recovered)
		op.VerificationDetails["migration"] = stats.Details()
		if err != nil {
			if ctx.Err() != nil {
				op.Status = model.RecoveryCancelled
			}
			return eris.Wrap(err, "recovery: re-migrate")
		}
	}

	v, err := e.verify(ctx, p, recovered)
	if err != nil {
		return eris.Wrap(err, "recovery: verify")
	}
	for k, val := range v.details() {
		op.VerificationDetails[k] = val
	}
	op.VerificationPassed = v.passed() && stats.Errors == 0

	switch {
	case len(recovered) == 0 && failed > 0:
		op.Status = model.RecoveryFailed
	case !op.VerificationPassed || failed > 0:
		op.Status = model.RecoveryPartial
	default:
		op.Status = model.RecoveryCompleted
	}
	return nil
}

// restoreAll runs every target through restore. It stops starting new
// targets once ctx is cancelled and returns the raw ids put back into the
// pipeline plus the number that could not be restored.
func (e *Engine) restoreAll(ctx context.Context, p *plan) ([]string, int) {
	var (
		mu        sync.Mutex
		recovered []string
		failed    int
		seen      = make(map[string]bool)
	)
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Concurrency)
	for _, t := range p.targets {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			id, out := e.restoreOne(ctx, t, p.keep)
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeRecovered:
				if !seen[id] {
					seen[id] = true
					recovered = append(recovered, id)
				}
			case outcomeFailed:
				failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return recovered, failed
}

func (e *Engine) restoreOne(ctx context.Context, t target, keep func(model.Envelope) bool) (string, outcome) {
	log := e.log.With(zap.String("raw_record_id", t.rawID), zap.String("backup_id", t.backupID))
	threshold := e.migrator.Threshold()

	if t.rawID != "" {
		existing, err := e.store.GetRawRecord(ctx, t.rawID)
		if err != nil {
			log.Warn("recovery: read raw record failed", zap.Error(err))
			return t.rawID, outcomeFailed
		}
		if existing != nil {
			if existing.Settled(threshold) {
				return t.rawID, outcomeSkipped
			}
			// Scored above the gate but never migrated: the payload is intact.
			if existing.ProcessingStatus == model.StatusCompleted {
				return t.rawID, outcomeRecovered
			}
			if t.backupID == "" {
				return e.requeue(ctx, log, existing)
			}
		} else if t.backupID == "" {
			log.Warn("recovery: record missing and no backup located")
			return t.rawID, outcomeFailed
		}
	}

	b, err := e.backups.RestoreFromAnyTier(ctx, t.backupID)
	if err != nil {
		log.Warn("recovery: restore backup failed", zap.Bool("not_found", errors.Is(err, backup.ErrNotFound)), zap.Error(err))
		return t.rawID, outcomeFailed
	}
	env, err := model.ParseEnvelope(b.Data)
	if err != nil {
		log.Warn("recovery: backup is not a raw envelope", zap.Error(err))
		return t.rawID, outcomeFailed
	}
	if t.rawID != "" && env.ID != t.rawID {
		log.Warn("recovery: backup holds another record", zap.String("envelope_id", env.ID))
		return t.rawID, outcomeFailed
	}
	if keep != nil && !keep(env) {
		return env.ID, outcomeSkipped
	}
	if t.rawID == "" {
		existing, err := e.store.GetRawRecord(ctx, env.ID)
		if err != nil {
			log.Warn("recovery: read raw record failed", zap.Error(err))
			return env.ID, outcomeFailed
		}
		if existing != nil && existing.Settled(threshold) {
			return env.ID, outcomeSkipped
		}
		if existing != nil && existing.ProcessingStatus == model.StatusCompleted {
			return env.ID, outcomeRecovered
		}
	}

	raw := env.Raw()
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	written, err := e.store.RestoreRawRecord(wctx, &raw)
	if err != nil {
		log.Warn("recovery: write raw record failed", zap.Error(err))
		return env.ID, outcomeFailed
	}
	if !written {
		// Settled between the check and the write.
		return env.ID, outcomeSkipped
	}
	return env.ID, outcomeRecovered
}

// requeue releases a record claimed by a run that never finished.
func (e *Engine) requeue(ctx context.Context, log *zap.Logger, r *model.RawRecord) (string, outcome) {
	if r.ProcessingStatus == model.StatusProcessing {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		defer cancel()
		if _, err := e.store.SetRawStatus(wctx, []string{r.ID}, model.StatusPending); err != nil {
			log.Warn("recovery: requeue failed", zap.Error(err))
			return r.ID, outcomeFailed
		}
	}
	return r.ID, outcomeRecovered
}

// verification is the post-migration check of one operation.
type verification struct {
	expected  int
	missing   []string
	unsettled []string
}

func (v verification) passed() bool {
	return len(v.missing) == 0 && len(v.unsettled) == 0
}

func (v verification) details() map[string]any {
	return map[string]any{
		"expected":  v.expected,
		"missing":   truncate(v.missing),
		"unsettled": truncate(v.unsettled),
		"passed":    v.passed(),
	}
}

func truncate(ids []string) []string {
	if len(ids) > maxListedInVerification {
		return append(ids[:maxListedInVerification:maxListedInVerification], fmt.Sprintf("... %d more", len(ids)-maxListedInVerification))
	}
	if ids == nil {
		return []string{}
	}
	return ids
}

// verify checks that every expected record exists and that every recovered
// record reached a settled state.
func (e *Engine) verify(ctx context.Context, p *plan, recovered []string) (verification, error) {
	threshold := e.migrator.Threshold()
	v := verification{expected: len(p.expected)}

	check := func(ids []string, fn func(present map[string]*model.RawRecord, id string)) error {
		if len(ids) == 0 {
			return nil
		}
		recs, err := e.store.ListRawRecords(ctx, store.RawFilter{IDs: ids, Limit: len(ids)})
		if err != nil {
			return err
		}
		present := make(map[string]*model.RawRecord, len(recs))
		for i := range recs {
			present[recs[i].ID] = &recs[i]
		}
		for _, id := range ids {
			fn(present, id)
		}
		return nil
	}

	if err := check(p.expected, func(present map[string]*model.RawRecord, id string) {
		if present[id] == nil {
			v.missing = append(v.missing, id)
		}
	}); err != nil {
		return v, err
	}
	if err := check(recovered, func(present map[string]*model.RawRecord, id string) {
		if r := present[id]; r != nil && !r.Settled(threshold) {
			v.unsettled = append(v.unsettled, id)
		}
	}); err != nil {
		return v, err
	}
	return v, nil
}
