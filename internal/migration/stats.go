package migration

import (
	"time"

	"github.com/sells-group/intake-vault/internal/validator"
)

// Stats is the tally of one migration run. Each stage returns its own Stats
// and the run adds them up.
type Stats struct {
	// Stage A
	Fetched   int `json:"fetched" yaml:"fetched"`
	Processed int `json:"processed" yaml:"processed"`
	Completed int `json:"completed" yaml:"completed"`
	Failed    int `json:"failed" yaml:"failed"`
	Errors    int `json:"errors" yaml:"errors"`

	// Stage B
	Candidates int `json:"candidates" yaml:"candidates"`
	Migrated   int `json:"migrated" yaml:"migrated"`
	Updated    int `json:"updated" yaml:"updated"`
	Duplicates int `json:"duplicates" yaml:"duplicates"`
	Demoted    int `json:"demoted" yaml:"demoted"`

	// Stage C
	Quality QualityReport `json:"quality" yaml:"quality"`

	// Stage D
	Pruned int `json:"pruned" yaml:"pruned"`

	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Add returns the field-wise sum of s and o. Quality is summed too.
func (s Stats) Add(o Stats) Stats {
	s.Fetched += o.Fetched
	s.Processed += o.Processed
	s.Completed += o.Completed
	s.Failed += o.Failed
	s.Errors += o.Errors
	s.Candidates += o.Candidates
	s.Migrated += o.Migrated
	s.Updated += o.Updated
	s.Duplicates += o.Duplicates
	s.Demoted += o.Demoted
	s.Quality = s.Quality.add(o.Quality)
	s.Pruned += o.Pruned
	s.Duration += o.Duration
	return s
}

// Details renders the stats for a session's error_details.
func (s Stats) Details() map[string]any {
	return map[string]any{
		"fetched":     s.Fetched,
		"processed":   s.Processed,
		"completed":   s.Completed,
		"failed":      s.Failed,
		"errors":      s.Errors,
		"candidates":  s.Candidates,
		"migrated":    s.Migrated,
		"updated":     s.Updated,
		"duplicates":  s.Duplicates,
		"demoted":     s.Demoted,
		"pruned":      s.Pruned,
		"duration_ms": s.Duration.Milliseconds(),
		"quality": map[string]any{
			"high":   s.Quality.High,
			"medium": s.Quality.Medium,
			"low":    s.Quality.Low,
		},
	}
}

// QualityReport buckets the records migrated in a run by score.
type QualityReport struct {
	High   int `json:"high" yaml:"high"`
	Medium int `json:"medium" yaml:"medium"`
	Low    int `json:"low" yaml:"low"`
}

// Total returns the number of records in the report.
func (q QualityReport) Total() int { return q.High + q.Medium + q.Low }

// HighRatio is the share of high-quality records, 0 when empty.
func (q QualityReport) HighRatio() float64 {
	if q.Total() == 0 {
		return 0
	}
	return float64(q.High) / float64(q.Total())
}

func (q QualityReport) add(o QualityReport) QualityReport {
	q.High += o.High
	q.Medium += o.Medium
	q.Low += o.Low
	return q
}

// qualityReport buckets scores with validator.QualityTier.
func qualityReport(scores []float64) QualityReport {
	var q QualityReport
	for _, s := range scores {
		switch validator.QualityTier(s) {
		case "high":
			q.High++
		case "medium":
			q.Medium++
		default:
			q.Low++
		}
	}
	return q
}
