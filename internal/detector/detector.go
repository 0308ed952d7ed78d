// Package detector scans session and record metadata for signs of data
// loss: failed or stuck sessions, days without data and records that stopped
// moving through the pipeline.
package detector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-vault/internal/metrics"
	"github.com/sells-group/intake-vault/internal/model"
	"github.com/sells-group/intake-vault/internal/store"
)

// Config controls the scans. Zero values take the defaults.
type Config struct {
	MaxSessionDuration time.Duration // default 6h
	MinSessionItems    int           // default 1, ingestion sessions only
	MaxErrorRatio      float64       // default 0.5
	SessionLookback    time.Duration // default 7 days

	ExpectedSources []string // empty: sources seen in the window
	GapDays         int      // default 7
	MinDailyCount   int      // default 1

	DelayThreshold   time.Duration // default 24h
	QualityThreshold float64       // default 6.0
	MaxDelayed       int           // default 1000

	Now func() time.Time
}

func (c *Config) defaults() {
	if c.MaxSessionDuration <= 0 {
		c.MaxSessionDuration = 6 * time.Hour
	}
	if c.MinSessionItems <= 0 {
		c.MinSessionItems = 1
	}
	if c.MaxErrorRatio <= 0 {
		c.MaxErrorRatio = 0.5
	}
	if c.SessionLookback <= 0 {
		c.SessionLookback = 7 * 24 * time.Hour
	}
	if c.GapDays <= 0 {
		c.GapDays = 7
	}
	if c.MinDailyCount <= 0 {
		c.MinDailyCount = 1
	}
	if c.DelayThreshold <= 0 {
		c.DelayThreshold = 24 * time.Hour
	}
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = 6.0
	}
	if c.MaxDelayed <= 0 {
		c.MaxDelayed = 1000
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Detector runs loss scans against the store. It never writes.
type Detector struct {
	store store.Store
	cfg   Config
	log   *zap.Logger
}

// New creates a Detector.
func New(st store.Store, cfg Config) *Detector {
	cfg.defaults()
	return &Detector{
		store: st,
		cfg:   cfg,
		log:   zap.L().With(zap.String("component", "detector")),
	}
}

// Scan runs all three scans. Each runs independently; a failed scan is
// recorded in Report.Errors.
func (d *Detector) Scan(ctx context.Context) *Report {
	r := &Report{ScannedAt: d.cfg.Now().UTC()}
	record := func(name string, err error) {
		if err == nil {
			return
		}
		if r.Errors == nil {
			r.Errors = map[string]string{}
		}
		r.Errors[name] = err.Error()
		d.log.Error("detector: scan failed", zap.String("scan", name), zap.Error(err))
	}

	var err error
	r.SessionFailures, err = d.SessionFailures(ctx)
	record("session_failures", err)
	r.DataGaps, err = d.DataGaps(ctx)
	record("data_gaps", err)
	r.ProcessingDelays, err = d.ProcessingDelays(ctx)
	record("processing_delays", err)

	for _, f := range r.All() {
		metrics.DetectorFindings.WithLabelValues(string(f.Kind), string(f.Severity)).Inc()
	}
	d.log.Info("detector: scan complete",
		zap.Int("session_failures", len(r.SessionFailures)),
		zap.Int("data_gaps", len(r.DataGaps)),
		zap.Int("processing_delays", len(r.ProcessingDelays)),
		zap.Int("high", r.CountAtLeast(SeverityHigh)),
	)
	return r
}

// SessionFailures flags failed sessions, sessions running past the maximum
// duration, ingestion sessions that completed with too few items, and
// sessions whose failed-to-processed ratio is too high.
func (d *Detector) SessionFailures(ctx context.Context) ([]Finding, error) {
	now := d.cfg.Now().UTC()

	running, err := d.store.ListSessions(ctx, store.SessionFilter{
		Statuses: []model.SessionStatus{model.SessionRunning},
		Limit:    1000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "detector: list running sessions")
	}
	since := now.Add(-d.cfg.SessionLookback)
	finished, err := d.store.ListSessions(ctx, store.SessionFilter{
		Statuses:     []model.SessionStatus{model.SessionCompleted, model.SessionFailed},
		StartedAfter: &since,
		Limit:        1000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "detector: list finished sessions")
	}

	var out []Finding
	for i := range running {
		s := &running[i]
		age := now.Sub(s.StartedAt)
		if age <= d.cfg.MaxSessionDuration {
			continue
		}
		sev := SeverityMedium
		if age > 2*d.cfg.MaxSessionDuration {
			sev = SeverityHigh
		}
		out = append(out, d.sessionFinding(s, KindSessionStuck, sev,
			fmt.Sprintf("running for %s, limit %s", age.Round(time.Minute), d.cfg.MaxSessionDuration)))
	}

	for i := range finished {
		s := &finished[i]
		if s.Status == model.SessionFailed {
			out = append(out, d.sessionFinding(s, KindSessionFailed, SeverityHigh, sessionError(s)))
			continue
		}
		if s.Kind == model.SessionIngestion && s.ItemsFound < d.cfg.MinSessionItems {
			sev := SeverityMedium
			if s.ItemsFound == 0 {
				sev = SeverityHigh
			}
			out = append(out, d.sessionFinding(s, KindSessionLowItems, sev,
				fmt.Sprintf("completed with %d items, minimum %d", s.ItemsFound, d.cfg.MinSessionItems)))
		}
		if ratio := s.ErrorRatio(); ratio > d.cfg.MaxErrorRatio {
			sev := SeverityMedium
			if ratio >= 0.8 {
				sev = SeverityHigh
			}
			out = append(out, d.sessionFinding(s, KindSessionErrorRatio, sev,
				fmt.Sprintf("%d of %d items failed (%.0f%%)", s.ItemsFailed, s.ItemsProcessed, ratio*100)))
		}
	}
	return out, nil
}

func (d *Detector) sessionFinding(s *model.ScrapingSession, kind Kind, sev Severity, detail string) Finding {
	return Finding{
		Kind:        kind,
		Severity:    sev,
		SourceID:    s.SourceID,
		SessionID:   s.ID,
		SessionKind: string(s.Kind),
		Count:       s.ItemsFound,
		Detail:      detail,
		DetectedAt:  d.cfg.Now().UTC(),
	}
}

func sessionError(s *model.ScrapingSession) string {
	if msg, ok := s.ErrorDetails["error"].(string); ok && msg != "" {
		return "failed: " + msg
	}
	return "failed"
}

// DataGaps checks each of the last GapDays complete UTC days: a day with no
// records at all, an expected source with no records that day, or a source
// below the daily minimum.
func (d *Detector) DataGaps(ctx context.Context) ([]Finding, error) {
	now := d.cfg.Now().UTC()
	today := now.Truncate(24 * time.Hour)
	first := today.AddDate(0, 0, -d.cfg.GapDays)

	counts, err := d.store.CountRawByDay(ctx, first)
	if err != nil {
		return nil, eris.Wrap(err, "detector: count records by day")
	}

	byDay := make(map[string]map[string]int)
	seen := make(map[string]bool)
	for _, c := range counts {
		if byDay[c.Day] == nil {
			byDay[c.Day] = map[string]int{}
		}
		byDay[c.Day][c.SourceID] += c.Count
		seen[c.SourceID] = true
	}

	sources := d.cfg.ExpectedSources
	if len(sources) == 0 {
		for s := range seen {
			sources = append(sources, s)
		}
		sort.Strings(sources)
	}

	var out []Finding
	for day := first; day.Before(today); day = day.AddDate(0, 0, 1) {
		key := day.Format("2006-01-02")
		perSource := byDay[key]
		if len(perSource) == 0 {
			out = append(out, Finding{
				Kind:       KindMissingDay,
				Severity:   SeverityHigh,
				Day:        key,
				Detail:     "no records from any source",
				DetectedAt: now,
			})
			continue
		}
		for _, src := range sources {
			n := perSource[src]
			switch {
			case n == 0:
				out = append(out, Finding{
					Kind:       KindMissingSource,
					Severity:   SeverityHigh,
					SourceID:   src,
					Day:        key,
					Detail:     "no records from source",
					DetectedAt: now,
				})
			case n < d.cfg.MinDailyCount:
				sev := SeverityLow
				if n*2 < d.cfg.MinDailyCount {
					sev = SeverityMedium
				}
				out = append(out, Finding{
					Kind:       KindLowCount,
					Severity:   sev,
					SourceID:   src,
					Day:        key,
					Count:      n,
					Detail:     fmt.Sprintf("%d records, minimum %d", n, d.cfg.MinDailyCount),
					DetectedAt: now,
				})
			}
		}
	}
	return out, nil
}

// ProcessingDelays flags records still pending (or claimed and abandoned)
// and records completed above the gate but never migrated, once they are
// older than DelayThreshold. Findings are grouped by kind, source and
// severity; severity grows with the multiple of the threshold exceeded.
func (d *Detector) ProcessingDelays(ctx context.Context) ([]Finding, error) {
	now := d.cfg.Now().UTC()
	cutoff := now.Add(-d.cfg.DelayThreshold)

	pending, err := d.store.ListRawRecords(ctx, store.RawFilter{
		Statuses:      []model.ProcessingStatus{model.StatusPending, model.StatusProcessing},
		ScrapedBefore: &cutoff,
		Limit:         d.cfg.MaxDelayed,
	})
	if err != nil {
		return nil, eris.Wrap(err, "detector: list delayed pending")
	}
	threshold := d.cfg.QualityThreshold
	unmigrated, err := d.store.ListRawRecords(ctx, store.RawFilter{
		Statuses:      []model.ProcessingStatus{model.StatusCompleted},
		MinScore:      &threshold,
		Unmigrated:    true,
		ScrapedBefore: &cutoff,
		Limit:         d.cfg.MaxDelayed,
	})
	if err != nil {
		return nil, eris.Wrap(err, "detector: list delayed unmigrated")
	}

	out := d.groupDelays(KindDelayedPending, pending, now)
	return append(out, d.groupDelays(KindDelayedUnmigrated, unmigrated, now)...), nil
}

func (d *Detector) delaySeverity(age time.Duration) Severity {
	switch {
	case age >= 3*d.cfg.DelayThreshold:
		return SeverityHigh
	case age >= 2*d.cfg.DelayThreshold:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func (d *Detector) groupDelays(kind Kind, recs []model.RawRecord, now time.Time) []Finding {
	type key struct {
		source string
		sev    Severity
	}
	groups := make(map[key]*Finding)
	var order []key
	for i := range recs {
		r := &recs[i]
		k := key{source: r.SourceID, sev: d.delaySeverity(now.Sub(r.ScrapedAt))}
		f, ok := groups[k]
		if !ok {
			f = &Finding{
				Kind:       kind,
				Severity:   k.sev,
				SourceID:   k.source,
				DetectedAt: now,
			}
			groups[k] = f
			order = append(order, k)
		}
		f.RecordIDs = append(f.RecordIDs, r.ID)
		f.Count++
	}

	out := make([]Finding, 0, len(order))
	for _, k := range order {
		f := groups[k]
		f.Detail = fmt.Sprintf("%d records older than %s", f.Count, d.cfg.DelayThreshold)
		out = append(out, *f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity.rank() > out[j].Severity.rank()
	})
	return out
}
