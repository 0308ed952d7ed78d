package detector

import (
	"time"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Kind classifies a finding.
type Kind string

const (
	KindSessionFailed     Kind = "session_failed"
	KindSessionStuck      Kind = "session_stuck"
	KindSessionLowItems   Kind = "session_low_items"
	KindSessionErrorRatio Kind = "session_error_ratio"

	KindMissingDay    Kind = "missing_day"
	KindMissingSource Kind = "missing_source"
	KindLowCount      Kind = "low_count"

	KindDelayedPending    Kind = "delayed_pending"
	KindDelayedUnmigrated Kind = "delayed_unmigrated"
)

// Finding is one failure signature found by a scan.
type Finding struct {
	Kind        Kind      `json:"kind" yaml:"kind"`
	Severity    Severity  `json:"severity" yaml:"severity"`
	SourceID    string    `json:"source_id,omitempty" yaml:"source_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	SessionKind string    `json:"session_kind,omitempty" yaml:"session_kind,omitempty"`
	Day         string    `json:"day,omitempty" yaml:"day,omitempty"` // YYYY-MM-DD
	RecordIDs   []string  `json:"record_ids,omitempty" yaml:"record_ids,omitempty"`
	Count       int       `json:"count,omitempty" yaml:"count,omitempty"`
	Detail      string    `json:"detail" yaml:"detail"`
	DetectedAt  time.Time `json:"detected_at" yaml:"detected_at"`
}

// Report collects the findings of a full scan. A scan that failed is listed
// in Errors; the others still report.
type Report struct {
	ScannedAt        time.Time         `json:"scanned_at" yaml:"scanned_at"`
	SessionFailures  []Finding         `json:"session_failures" yaml:"session_failures"`
	DataGaps         []Finding         `json:"data_gaps" yaml:"data_gaps"`
	ProcessingDelays []Finding         `json:"processing_delays" yaml:"processing_delays"`
	Errors           map[string]string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// All returns every finding in scan order.
func (r *Report) All() []Finding {
	out := make([]Finding, 0, len(r.SessionFailures)+len(r.DataGaps)+len(r.ProcessingDelays))
	out = append(out, r.SessionFailures...)
	out = append(out, r.DataGaps...)
	return append(out, r.ProcessingDelays...)
}

// CountAtLeast returns the number of findings at or above min.
func (r *Report) CountAtLeast(min Severity) int {
	n := 0
	for _, f := range r.All() {
		if f.Severity.AtLeast(min) {
			n++
		}
	}
	return n
}
