package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/intake-vault/internal/metrics"
	"github.com/sells-group/intake-vault/internal/model"
	"github.com/sells-group/intake-vault/internal/resilience"
)

// DefaultRetention is how long a backup is kept when Config.Retention is unset.
const DefaultRetention = 90 * 24 * time.Hour

// LocationIndex mirrors per-tier write outcomes into the relational store.
type LocationIndex interface {
	RecordBackupLocation(ctx context.Context, loc model.BackupLocation) error
}

// Config configures an Orchestrator.
type Config struct {
	Retention time.Duration
	Policy    *resilience.Policy // nil runs tier calls unguarded
	Index     LocationIndex      // optional
	Now       func() time.Time
}

// TierResult is the outcome of one tier write.
type TierResult struct {
	Tier     model.Tier    `json:"tier" yaml:"tier"`
	Status   string        `json:"status" yaml:"status"` // model.Location*
	Locator  string        `json:"locator,omitempty" yaml:"locator,omitempty"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration time.Duration `json:"-" yaml:"-"`
}

// OK reports whether the copy was stored.
func (r TierResult) OK() bool { return r.Status == model.LocationStored }

// Orchestrator fans backups out to every tier and restores them from the
// first tier holding an intact copy.
type Orchestrator struct {
	primary Tier
	others  []Tier
	byName  map[model.Tier]Tier
	cfg     Config
	log     *zap.Logger
}

// New builds an orchestrator. primary is written first and must succeed;
// others are written independently and may fail.
func New(primary Tier, others []Tier, cfg Config) *Orchestrator {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	o := &Orchestrator{
		primary: primary,
		byName:  map[model.Tier]Tier{primary.Name(): primary},
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "backup")),
	}
	for _, t := range others {
		if t == nil {
			continue
		}
		o.others = append(o.others, t)
		o.byName[t.Name()] = t
	}
	if sb := cfg.Policy.Breakers(); sb != nil {
		sb.OnStateChange(func(tier string, from, to resilience.CircuitState) {
			metrics.CircuitState.WithLabelValues(tier).Set(float64(to))
			o.log.Warn("backup: tier circuit changed",
				zap.String("tier", tier),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		})
	}
	return o
}

// Tier returns the named tier, or nil if it is not configured.
func (o *Orchestrator) Tier(name model.Tier) Tier {
	return o.byName[name]
}

// Tiers returns the configured tiers, Primary first.
func (o *Orchestrator) Tiers() []Tier {
	return append([]Tier{o.primary}, o.others...)
}

// EnabledTiers returns the names of the tiers that accept calls, in restore
// order.
func (o *Orchestrator) EnabledTiers() []model.Tier {
	var out []model.Tier
	for _, name := range model.RestoreOrder {
		if enabled(o.byName[name]) {
			out = append(out, name)
		}
	}
	return out
}

// call runs fn against tier under the resilience policy and records metrics.
func (o *Orchestrator) call(ctx context.Context, tier model.Tier, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := o.cfg.Policy.Call(ctx, string(tier), op, fn)
	metrics.TierLatency.WithLabelValues(string(tier), op).Observe(time.Since(start).Seconds())

	result := "ok"
	switch {
	case errors.Is(err, ErrCorrupted):
		result = "corrupted"
		metrics.CorruptionsDetected.WithLabelValues(string(tier)).Inc()
	case err != nil:
		result = "error"
	}
	metrics.TierOperations.WithLabelValues(string(tier), op, result).Inc()
	return err
}

func (o *Orchestrator) save(ctx context.Context, t Tier, b *model.BackupRecord) TierResult {
	res := TierResult{Tier: t.Name()}
	if !enabled(t) {
		res.Status = model.LocationSkipped
		return res
	}
	start := time.Now()
	err := o.call(ctx, t.Name(), "save", func(ctx context.Context) error {
		loc, err := t.Save(ctx, b)
		res.Locator = loc
		return err
	})
	res.Duration = time.Since(start)
	if err != nil {
		res.Status = model.LocationFailed
		res.Error = err.Error()
		return res
	}
	res.Status = model.LocationStored
	return res
}

// load reads one tier copy. A corrupted copy is returned alongside its error.
func (o *Orchestrator) load(ctx context.Context, t Tier, backupID string) (*model.BackupRecord, error) {
	var b *model.BackupRecord
	err := o.call(ctx, t.Name(), "load", func(ctx context.Context) error {
		var err error
		b, err = t.Load(ctx, backupID)
		return err
	})
	return b, err
}

// CreateFullBackup builds one backup and writes it to every tier. Only a
// Primary failure fails the call (wrapping ErrPrimaryWrite); other tier
// failures are reported in the results and in metadata.backup_locations.
func (o *Orchestrator) CreateFullBackup(ctx context.Context, sourceID string, data []byte, metadata map[string]any) (*model.BackupRecord, []TierResult, error) {
	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	b := model.NewBackupRecord(sourceID, data, meta, o.cfg.Now(), o.cfg.Retention)

	primary := o.save(ctx, o.primary, b)
	if !primary.OK() {
		o.recordLocations(ctx, b.BackupID, []TierResult{primary})
		o.log.Error("backup: primary write failed",
			zap.String("backup_id", b.BackupID),
			zap.String("source_id", sourceID),
			zap.String("error", primary.Error),
		)
		return nil, []TierResult{primary}, eris.Wrapf(ErrPrimaryWrite, "%s: %s", b.BackupID, primary.Error)
	}

	results := append([]TierResult{primary}, o.fanOut(ctx, b, o.others)...)
	o.recordLocations(ctx, b.BackupID, results)

	b.Metadata[model.MetaBackupLocations] = locationsMeta(results)
	if err := o.call(ctx, o.primary.Name(), "save", func(ctx context.Context) error {
		_, err := o.primary.Save(ctx, b)
		return err
	}); err != nil {
		o.log.Warn("backup: update primary locations failed", zap.String("backup_id", b.BackupID), zap.Error(err))
	}
	return b, results, nil
}

// fanOut writes b to tiers concurrently and returns one result per tier in
// the order given.
func (o *Orchestrator) fanOut(ctx context.Context, b *model.BackupRecord, tiers []Tier) []TierResult {
	results := make([]TierResult, len(tiers))
	var g errgroup.Group
	for i, t := range tiers {
		g.Go(func() error {
			results[i] = o.save(ctx, t, b)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Status == model.LocationFailed {
			o.log.Warn("backup: tier write failed",
				zap.String("tier", string(r.Tier)),
				zap.String("backup_id", b.BackupID),
				zap.String("error", r.Error),
			)
		}
	}
	return results
}

func (o *Orchestrator) recordLocations(ctx context.Context, backupID string, results []TierResult) {
	if o.cfg.Index == nil {
		return
	}
	now := o.cfg.Now().UTC()
	for _, r := range results {
		loc := model.BackupLocation{
			BackupID:  backupID,
			Tier:      r.Tier,
			Locator:   r.Locator,
			Status:    r.Status,
			Error:     r.Error,
			UpdatedAt: now,
		}
		if err := o.cfg.Index.RecordBackupLocation(ctx, loc); err != nil {
			o.log.Warn("backup: record location failed",
				zap.String("backup_id", backupID),
				zap.String("tier", string(r.Tier)),
				zap.Error(err),
			)
		}
	}
}

func locationsMeta(results []TierResult) map[string]any {
	out := make(map[string]any, len(results))
	for _, r := range results {
		entry := map[string]any{"status": r.Status}
		if r.Locator != "" {
			entry["locator"] = r.Locator
		}
		if r.Error != "" {
			entry["error"] = r.Error
		}
		out[string(r.Tier)] = entry
	}
	return out
}

// Repropagate writes a known-good copy to the named tiers, or to every tier
// when none are named.
func (o *Orchestrator) Repropagate(ctx context.Context, b *model.BackupRecord, tiers ...model.Tier) ([]TierResult, error) {
	if !b.Verify() {
		return nil, corrupted(b.Tier, b.BackupID, "refusing to propagate")
	}
	targets := o.Tiers()
	if len(tiers) > 0 {
		targets = targets[:0:0]
		for _, name := range tiers {
			if t := o.byName[name]; t != nil {
				targets = append(targets, t)
			}
		}
	}
	c := b.CopyFor(b.Tier)
	c.Status = model.BackupActive
	results := o.fanOut(ctx, c, targets)
	o.recordLocations(ctx, b.BackupID, results)
	return results, nil
}

// RestoreFromAnyTier returns the first intact copy, trying tiers in
// model.RestoreOrder. A copy found outside Primary is written back to Primary
// and Tertiary before it is returned. ErrNotFound means no tier holds an
// intact copy.
func (o *Orchestrator) RestoreFromAnyTier(ctx context.Context, backupID string) (*model.BackupRecord, error) {
	for _, name := range model.RestoreOrder {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "backup: restore cancelled")
		}
		t := o.byName[name]
		if !enabled(t) {
			continue
		}
		b, err := o.load(ctx, t, backupID)
		if err != nil {
			o.log.Warn("backup: tier load failed",
				zap.String("tier", string(name)),
				zap.String("backup_id", backupID),
				zap.Bool("corrupted", errors.Is(err, ErrCorrupted)),
				zap.Error(err),
			)
			continue
		}
		if b == nil {
			continue
		}
		if !b.Verify() {
			metrics.CorruptionsDetected.WithLabelValues(string(name)).Inc()
			continue
		}

		if name != model.TierPrimary {
			var heal []model.Tier
			for _, target := range []model.Tier{model.TierPrimary, model.TierTertiary} {
				if target != name {
					heal = append(heal, target)
				}
			}
			results, _ := o.Repropagate(ctx, b, heal...)
			for _, r := range results {
				if !r.OK() && r.Status != model.LocationSkipped {
					o.log.Warn("backup: re-propagation failed",
						zap.String("tier", string(r.Tier)),
						zap.String("backup_id", backupID),
						zap.String("error", r.Error),
					)
				}
			}
			o.log.Info("backup: restored from fallback tier",
				zap.String("tier", string(name)),
				zap.String("backup_id", backupID),
			)
		}
		return b, nil
	}
	return nil, eris.Wrapf(ErrNotFound, "backup: restore %s", backupID)
}

// TierCheck is the integrity verdict for one tier.
type TierCheck struct {
	Found       bool   `json:"found" yaml:"found"`
	IntegrityOK bool   `json:"integrity_ok" yaml:"integrity_ok"`
	Skipped     bool   `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Checksum    string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Error       string `json:"error,omitempty" yaml:"error,omitempty"`
}

// IntegrityReport is the diagnostic result of VerifyIntegrity.
type IntegrityReport struct {
	BackupID           string                   `json:"backup_id" yaml:"backup_id"`
	CheckedAt          time.Time                `json:"checked_at" yaml:"checked_at"`
	TiersChecked       map[model.Tier]TierCheck `json:"tiers_checked" yaml:"tiers_checked"`
	CorruptionDetected bool                     `json:"corruption_detected" yaml:"corruption_detected"`
	IntactTiers        []model.Tier             `json:"intact_tiers" yaml:"intact_tiers"`
	Recommendations    []string                 `json:"recommendations" yaml:"recommendations"`
}

// VerifyIntegrity checks every configured tier without short-circuiting and
// without repairing anything.
func (o *Orchestrator) VerifyIntegrity(ctx context.Context, backupID string) (*IntegrityReport, error) {
	tiers := o.Tiers()
	checks := make([]TierCheck, len(tiers))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tiers {
		g.Go(func() error {
			if !enabled(t) {
				checks[i] = TierCheck{Skipped: true}
				return nil
			}
			b, err := o.load(gctx, t, backupID)
			c := TierCheck{Found: b != nil || errors.Is(err, ErrCorrupted)}
			if b != nil {
				c.Checksum = b.Checksum
				c.IntegrityOK = err == nil && b.Verify()
			}
			if err != nil {
				c.Error = err.Error()
			}
			checks[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrapf(err, "backup: verify %s", backupID)
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrapf(err, "backup: verify %s", backupID)
	}

	report := &IntegrityReport{
		BackupID:     backupID,
		CheckedAt:    o.cfg.Now().UTC(),
		TiersChecked: make(map[model.Tier]TierCheck, len(tiers)),
	}
	for i, t := range tiers {
		report.TiersChecked[t.Name()] = checks[i]
	}

	// Intact copies must agree with each other; the earliest restore tier wins.
	var reference string
	for _, name := range model.RestoreOrder {
		c, ok := report.TiersChecked[name]
		if !ok || !c.IntegrityOK {
			continue
		}
		if reference == "" {
			reference = c.Checksum
		} else if c.Checksum != reference {
			c.IntegrityOK = false
			c.Error = "checksum differs from other tiers"
			report.TiersChecked[name] = c
			continue
		}
		report.IntactTiers = append(report.IntactTiers, name)
	}

	for _, c := range report.TiersChecked {
		if c.Found && !c.IntegrityOK {
			report.CorruptionDetected = true
		}
	}
	report.Recommendations = recommend(report)
	return report, nil
}

func recommend(r *IntegrityReport) []string {
	var recs []string
	names := make([]string, 0, len(r.TiersChecked))
	for name := range r.TiersChecked {
		names = append(names, string(name))
	}
	sort.Strings(names)

	if len(r.IntactTiers) == 0 {
		return []string{"no intact copy in any tier; the backup cannot be restored"}
	}
	source := r.IntactTiers[0]
	for _, n := range names {
		name := model.Tier(n)
		c := r.TiersChecked[name]
		switch {
		case c.Skipped, c.IntegrityOK:
		case c.Found:
			recs = append(recs, fmt.Sprintf("replace corrupted %s copy from %s", name, source))
		case c.Error != "":
			recs = append(recs, fmt.Sprintf("investigate %s tier: %s", name, c.Error))
		default:
			recs = append(recs, fmt.Sprintf("re-propagate missing %s copy from %s", name, source))
		}
	}
	if len(recs) == 0 {
		recs = append(recs, "no action required")
	}
	return recs
}

// CleanupExpired runs expiry on every tier. Per-tier failures are joined and
// do not stop the other tiers.
func (o *Orchestrator) CleanupExpired(ctx context.Context) (map[model.Tier]int, error) {
	now := o.cfg.Now().UTC()
	counts := make(map[model.Tier]int)
	var errs []error
	for _, t := range o.Tiers() {
		if !enabled(t) {
			continue
		}
		var n int
		err := o.call(ctx, t.Name(), "cleanup", func(ctx context.Context) error {
			var err error
			n, err = t.CleanupExpired(ctx, now)
			return err
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		counts[t.Name()] = n
	}
	return counts, errors.Join(errs...)
}

// List returns backup ids held by the named tier.
func (o *Orchestrator) List(ctx context.Context, tier model.Tier, f Filter) ([]string, error) {
	t := o.byName[tier]
	if !enabled(t) {
		return nil, nil
	}
	var ids []string
	err := o.call(ctx, tier, "list", func(ctx context.Context) error {
		var err error
		ids, err = t.List(ctx, f)
		return err
	})
	return ids, err
}

// LoadFrom reads the copy held by one tier, verifying it. A corrupted copy is
// returned together with an error wrapping ErrCorrupted.
func (o *Orchestrator) LoadFrom(ctx context.Context, tier model.Tier, backupID string) (*model.BackupRecord, error) {
	t := o.byName[tier]
	if !enabled(t) {
		return nil, nil
	}
	return o.load(ctx, t, backupID)
}
