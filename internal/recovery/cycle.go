package recovery

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-vault/internal/detector"
	"github.com/sells-group/intake-vault/internal/model"
)

// Scanner runs the loss detector.
type Scanner interface {
	Scan(ctx context.Context) *detector.Report
}

// CycleResult is the outcome of one automatic recovery cycle.
type CycleResult struct {
	Report     *detector.Report           `json:"report" yaml:"report"`
	Operations []*model.RecoveryOperation `json:"operations" yaml:"operations"`
	Errors     []string                   `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// RunAutomaticRecoveryCycle scans for losses and dispatches recovery:
// sessions for medium or high ingestion session failures, date ranges for
// high severity gaps, and batches of high severity delayed records.
// Cancellation is honoured between operations. Repeated cycles are safe;
// settled records are skipped.
func (e *Engine) RunAutomaticRecoveryCycle(ctx context.Context) (*CycleResult, error) {
	if e.scanner == nil {
		return nil, eris.New("recovery: automatic cycle needs a detector")
	}
	res := &CycleResult{Report: e.scanner.Scan(ctx)}

	var jobs []func(ctx context.Context) (*model.RecoveryOperation, error)

	sessions := map[string]bool{}
	for _, f := range res.Report.SessionFailures {
		// Migration sessions carry no data of their own; their stalled
		// records surface as processing delays.
		if f.SessionKind != string(model.SessionIngestion) || !f.Severity.AtLeast(detector.SeverityMedium) || sessions[f.SessionID] {
			continue
		}
		sessions[f.SessionID] = true
		id := f.SessionID
		jobs = append(jobs, func(ctx context.Context) (*model.RecoveryOperation, error) {
			return e.recoverSession(ctx, model.TriggerAutomatic, id)
		})
	}

	days := map[string]bool{}
	for _, f := range res.Report.DataGaps {
		if !f.Severity.AtLeast(detector.SeverityHigh) {
			continue
		}
		start, err := time.Parse("2006-01-02", f.Day)
		if err != nil {
			res.Errors = append(res.Errors, "bad gap day "+f.Day)
			continue
		}
		key := f.SourceID + "|" + f.Day
		if days[key] || days["|"+f.Day] {
			continue
		}
		days[key] = true
		source := f.SourceID
		jobs = append(jobs, func(ctx context.Context) (*model.RecoveryOperation, error) {
			return e.recoverDateRange(ctx, model.TriggerAutomatic, source, start, start.AddDate(0, 0, 1))
		})
	}

	var delayed []string
	for _, f := range res.Report.ProcessingDelays {
		if f.Severity.AtLeast(detector.SeverityHigh) {
			delayed = append(delayed, f.RecordIDs...)
		}
	}
	for i := 0; i < len(delayed); i += e.cfg.DelayedBatchSize {
		batch := delayed[i:min(i+e.cfg.DelayedBatchSize, len(delayed))]
		jobs = append(jobs, func(ctx context.Context) (*model.RecoveryOperation, error) {
			return e.recoverRecords(ctx, model.TriggerAutomatic, batch)
		})
	}

	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			e.log.Warn("recovery: cycle cancelled", zap.Int("remaining", len(jobs)-i))
			return res, eris.Wrap(err, "recovery: cycle cancelled")
		}
		op, err := job(ctx)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Operations = append(res.Operations, op)
	}

	e.log.Info("recovery: cycle complete",
		zap.Int("findings", len(res.Report.All())),
		zap.Int("operations", len(res.Operations)),
		zap.Int("errors", len(res.Errors)),
	)
	return res, nil
}
