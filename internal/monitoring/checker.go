package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/intake-vault/internal/recovery"
)

// CycleRunner runs one automatic recovery cycle.
type CycleRunner interface {
	RunAutomaticRecoveryCycle(ctx context.Context) (*recovery.CycleResult, error)
}

// Checker runs the automatic recovery cycle in the background and alerts on
// what it finds.
type Checker struct {
	runner   CycleRunner
	alerter  *Alerter
	interval time.Duration
}

// NewChecker creates a background checker. A zero interval defaults to one
// hour.
func NewChecker(runner CycleRunner, alerter *Alerter, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Checker{
		runner:   runner,
		alerter:  alerter,
		interval: interval,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting recovery checker", zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("recovery checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check runs one cycle and sends its alerts. It returns the cycle result,
// which is nil when the cycle could not start.
func (c *Checker) Check(ctx context.Context) *recovery.CycleResult {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	res, err := c.runner.RunAutomaticRecoveryCycle(ctx)
	if err != nil {
		log.Error("monitoring: recovery cycle failed", zap.Error(err))
		if res == nil {
			return nil
		}
	}

	alerts := c.alerter.FromCycle(res)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return res
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: recovery check complete",
		zap.Int("operations", len(res.Operations)),
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return res
}
