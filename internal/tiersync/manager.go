// Package tiersync compares backup tiers for drift and re-propagates known
// good copies over missing or corrupted ones. It never deletes data.
package tiersync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/intake-vault/internal/backup"
	"github.com/sells-group/intake-vault/internal/metrics"
	"github.com/sells-group/intake-vault/internal/model"
)

// Backups is the part of the backup orchestrator the manager uses.
type Backups interface {
	EnabledTiers() []model.Tier
	List(ctx context.Context, tier model.Tier, f backup.Filter) ([]string, error)
	LoadFrom(ctx context.Context, tier model.Tier, backupID string) (*model.BackupRecord, error)
	Repropagate(ctx context.Context, b *model.BackupRecord, tiers ...model.Tier) ([]backup.TierResult, error)
}

// Problem classifies one tier copy that disagrees with the others.
type Problem string

const (
	ProblemMissing    Problem = "missing"
	ProblemCorrupted  Problem = "corrupted"
	ProblemMismatch   Problem = "checksum_mismatch"
	ProblemUnreadable Problem = "unreadable"
)

// Action is what the manager did about an issue.
type Action string

const (
	ActionAutoFixed Action = "auto_fixed"
	ActionManual    Action = "manual"
	ActionReported  Action = "reported"
)

// Issue is one drifting copy.
type Issue struct {
	BackupID string     `json:"backup_id" yaml:"backup_id"`
	Tier     model.Tier `json:"tier" yaml:"tier"`
	Problem  Problem    `json:"problem" yaml:"problem"`
	Action   Action     `json:"action" yaml:"action"`
	Detail   string     `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Report summarises one consistency pass. Counts are per backup, not per
// copy.
type Report struct {
	CheckedAt          time.Time     `json:"checked_at" yaml:"checked_at"`
	Window             time.Duration `json:"window" yaml:"window"`
	Checked            int           `json:"checked" yaml:"checked"`
	Inconsistent       int           `json:"inconsistent" yaml:"inconsistent"`
	Corrupted          int           `json:"corrupted" yaml:"corrupted"`
	AutoFixed          int           `json:"auto_fixed" yaml:"auto_fixed"`
	ManualIntervention int           `json:"manual_intervention" yaml:"manual_intervention"`
	Issues             []Issue       `json:"issues,omitempty" yaml:"issues,omitempty"`
	Errors             []string      `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Config controls the manager. Zero values take the defaults.
type Config struct {
	Interval    time.Duration // default 15m
	Window      time.Duration // backups created within; default 24h
	MaxBackups  int           // default 10000
	Concurrency int           // default 5
	AutoFix     bool
	Now         func() time.Time

	// OnReport receives each report produced by Run.
	OnReport func(*Report)
}

// Manager runs consistency passes over the backup tiers.
type Manager struct {
	backups Backups
	cfg     Config
	log     *zap.Logger
}

// New creates a Manager.
func New(b Backups, cfg Config) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 10000
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		backups: b,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "tiersync")),
	}
}

// Run starts the periodic consistency loop. It blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.log.Info("starting tier sync",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("window", m.cfg.Window),
		zap.Bool("auto_fix", m.cfg.AutoFix),
	)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("tier sync stopped")
			return
		case <-ticker.C:
			rep, err := m.VerifyDataConsistency(ctx)
			if err != nil {
				if ctx.Err() == nil {
					m.log.Error("tiersync: consistency pass failed", zap.Error(err))
				}
				continue
			}
			if m.cfg.OnReport != nil {
				m.cfg.OnReport(rep)
			}
		}
	}
}

// VerifyDataConsistency loads every backup created within the window from
// every enabled tier and compares the copies. With AutoFix set, missing and
// corrupted copies are replaced from an intact one when all intact copies
// agree; anything else is left for manual intervention.
func (m *Manager) VerifyDataConsistency(ctx context.Context) (*Report, error) {
	now := m.cfg.Now().UTC()
	from := now.Add(-m.cfg.Window)
	tiers := m.backups.EnabledTiers()
	rep := &Report{CheckedAt: now, Window: m.cfg.Window}

	ids, err := m.collect(ctx, tiers, backup.Filter{From: &from, To: &now, Limit: m.cfg.MaxBackups}, rep)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(m.cfg.Concurrency)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res := m.check(ctx, tiers, id, now)
			mu.Lock()
			defer mu.Unlock()
			rep.add(res)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return rep, eris.Wrap(err, "tiersync: cancelled")
	}

	sort.Slice(rep.Issues, func(i, j int) bool {
		if rep.Issues[i].BackupID != rep.Issues[j].BackupID {
			return rep.Issues[i].BackupID < rep.Issues[j].BackupID
		}
		return rep.Issues[i].Tier < rep.Issues[j].Tier
	})

	for kind, n := range map[string]int{
		"checked":      rep.Checked,
		"inconsistent": rep.Inconsistent,
		"corrupted":    rep.Corrupted,
		"auto_fixed":   rep.AutoFixed,
		"manual":       rep.ManualIntervention,
	} {
		metrics.SyncInconsistencies.WithLabelValues(kind).Set(float64(n))
	}
	m.log.Info("tiersync: consistency pass complete",
		zap.Int("checked", rep.Checked),
		zap.Int("inconsistent", rep.Inconsistent),
		zap.Int("corrupted", rep.Corrupted),
		zap.Int("auto_fixed", rep.AutoFixed),
		zap.Int("manual", rep.ManualIntervention),
	)
	return rep, nil
}

// collect unions the listings of every tier. A tier that cannot be listed is
// reported; if none can, the pass fails.
func (m *Manager) collect(ctx context.Context, tiers []model.Tier, f backup.Filter, rep *Report) ([]string, error) {
	seen := map[string]bool{}
	var ids []string
	listed := 0
	for _, tier := range tiers {
		list, err := m.backups.List(ctx, tier, f)
		if err != nil {
			rep.Errors = append(rep.Errors, string(tier)+": "+err.Error())
			m.log.Warn("tiersync: list tier failed", zap.String("tier", string(tier)), zap.Error(err))
			continue
		}
		listed++
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	if listed == 0 && len(tiers) > 0 {
		return nil, eris.New("tiersync: no tier could be listed")
	}
	sort.Strings(ids)
	if len(ids) > m.cfg.MaxBackups {
		ids = ids[:m.cfg.MaxBackups]
	}
	return ids, nil
}

type checkResult struct {
	issues    []Issue
	corrupted bool
	fixed     bool
	manual    bool
	skipped   bool
}

func (r *Report) add(c checkResult) {
	if c.skipped {
		return
	}
	r.Checked++
	if len(c.issues) == 0 {
		return
	}
	r.Inconsistent++
	if c.corrupted {
		r.Corrupted++
	}
	if c.fixed {
		r.AutoFixed++
	}
	if c.manual {
		r.ManualIntervention++
	}
	r.Issues = append(r.Issues, c.issues...)
}

// check compares the copies of one backup across tiers.
func (m *Manager) check(ctx context.Context, tiers []model.Tier, id string, now time.Time) checkResult {
	var (
		res     checkResult
		good    *model.BackupRecord
		digests = map[string]bool{}
		repair  []model.Tier
		intact  []model.Tier
	)
	for _, tier := range tiers {
		b, err := m.backups.LoadFrom(ctx, tier, id)
		switch {
		case errors.Is(err, backup.ErrCorrupted):
			res.corrupted = true
			res.issues = append(res.issues, Issue{BackupID: id, Tier: tier, Problem: ProblemCorrupted, Detail: err.Error()})
			repair = append(repair, tier)
		case err != nil:
			res.issues = append(res.issues, Issue{BackupID: id, Tier: tier, Problem: ProblemUnreadable, Detail: err.Error()})
		case b == nil:
			res.issues = append(res.issues, Issue{BackupID: id, Tier: tier, Problem: ProblemMissing})
			repair = append(repair, tier)
		default:
			digests[b.Checksum] = true
			intact = append(intact, tier)
			if good == nil {
				good = b
			}
		}
	}

	// An expired backup is cleanup's concern; tiers drop it at different times.
	if good != nil && good.Expired(now) {
		res.skipped = true
		return res
	}

	if len(digests) > 1 {
		for _, tier := range intact {
			res.issues = append(res.issues, Issue{BackupID: id, Tier: tier, Problem: ProblemMismatch,
				Detail: "intact copies disagree"})
		}
	}
	if len(res.issues) == 0 {
		return res
	}

	// Repairs need one agreed checksum to copy from.
	action := ActionReported
	switch {
	case good == nil || len(digests) > 1:
		action = ActionManual
	case m.cfg.AutoFix && len(repair) > 0:
		action = ActionAutoFixed
		results, err := m.backups.Repropagate(ctx, good, repair...)
		if err != nil {
			action = ActionManual
		}
		for _, r := range results {
			if !r.OK() {
				action = ActionManual
			}
		}
	}
	res.fixed = action == ActionAutoFixed
	res.manual = action == ActionManual

	for i := range res.issues {
		// Read errors are usually transient; the next pass sees them again.
		if res.issues[i].Problem == ProblemUnreadable && good != nil && len(digests) == 1 {
			res.issues[i].Action = ActionReported
			continue
		}
		res.issues[i].Action = action
	}
	if action != ActionReported {
		m.log.Warn("tiersync: tier drift",
			zap.String("backup_id", id),
			zap.Int("issues", len(res.issues)),
			zap.String("action", string(action)),
		)
	}
	return res
}
