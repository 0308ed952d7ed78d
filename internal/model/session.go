package model

import (
	"time"
)

// SessionKind distinguishes what a session brackets.
type SessionKind string

const (
	SessionIngestion SessionKind = "ingestion"
	SessionMigration SessionKind = "migration"
)

// SessionStatus is the state of a scraping or migration session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// ScrapingSession brackets one ingestion or migration run. It is append-only
// while running and frozen once CompletedAt is set.
type ScrapingSession struct {
	ID             string         `json:"id" yaml:"id"`
	SourceID       string         `json:"source_id" yaml:"source_id"`
	Kind           SessionKind    `json:"kind" yaml:"kind"`
	Status         SessionStatus  `json:"status" yaml:"status"`
	StartedAt      time.Time      `json:"started_at" yaml:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	ItemsFound     int            `json:"items_found" yaml:"items_found"`
	ItemsProcessed int            `json:"items_processed" yaml:"items_processed"`
	ItemsMigrated  int            `json:"items_migrated" yaml:"items_migrated"`
	ItemsFailed    int            `json:"items_failed" yaml:"items_failed"`
	ErrorDetails   map[string]any `json:"error_details,omitempty" yaml:"error_details,omitempty"`
}

// SessionCounts is the final tally written when a session completes.
type SessionCounts struct {
	ItemsFound     int
	ItemsProcessed int
	ItemsMigrated  int
	ItemsFailed    int
}

// Duration returns how long the session ran, or has been running as of now.
func (s *ScrapingSession) Duration(now time.Time) time.Duration {
	if s.CompletedAt != nil {
		return s.CompletedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// ErrorRatio returns failed items over processed items.
func (s *ScrapingSession) ErrorRatio() float64 {
	if s.ItemsProcessed <= 0 {
		return 0
	}
	return float64(s.ItemsFailed) / float64(s.ItemsProcessed)
}
