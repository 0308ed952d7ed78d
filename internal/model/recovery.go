package model

import (
	"time"

	"github.com/google/uuid"
)

// RecoveryTrigger records what started a recovery operation.
type RecoveryTrigger string

const (
	TriggerAutomatic RecoveryTrigger = "automatic"
	TriggerManual    RecoveryTrigger = "manual"
	TriggerScheduled RecoveryTrigger = "scheduled"
	TriggerIntegrity RecoveryTrigger = "integrity"
)

// RecoveryScope is the breadth of data a recovery operation covers.
type RecoveryScope string

const (
	ScopeSingleRecord RecoveryScope = "single_record"
	ScopeSession      RecoveryScope = "session"
	ScopeDateRange    RecoveryScope = "date_range"
	ScopeFullSource   RecoveryScope = "full_source"
	ScopeFullSystem   RecoveryScope = "full_system"
)

// RecoveryStatus is the state of a recovery operation.
type RecoveryStatus string

const (
	RecoveryPending   RecoveryStatus = "pending"
	RecoveryRunning   RecoveryStatus = "running"
	RecoveryCompleted RecoveryStatus = "completed"
	RecoveryFailed    RecoveryStatus = "failed"
	RecoveryPartial   RecoveryStatus = "partial"
	RecoveryCancelled RecoveryStatus = "cancelled"
)

// Terminal reports whether the status ends the operation.
func (s RecoveryStatus) Terminal() bool {
	switch s {
	case RecoveryCompleted, RecoveryFailed, RecoveryPartial, RecoveryCancelled:
		return true
	default:
		return false
	}
}

// RecoveryTarget references the data a recovery operation is aimed at.
type RecoveryTarget struct {
	SessionID string     `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	SourceID  string     `json:"source_id,omitempty" yaml:"source_id,omitempty"`
	Start     *time.Time `json:"start,omitempty" yaml:"start,omitempty"`
	End       *time.Time `json:"end,omitempty" yaml:"end,omitempty"`
	RecordIDs []string   `json:"record_ids,omitempty" yaml:"record_ids,omitempty"`
}

// RecoveryOperation is an auditable attempt to restore and re-migrate data.
// It is immutable once CompletedAt is set.
type RecoveryOperation struct {
	OperationID         string          `json:"operation_id" yaml:"operation_id"`
	Trigger             RecoveryTrigger `json:"trigger" yaml:"trigger"`
	Scope               RecoveryScope   `json:"scope" yaml:"scope"`
	Target              RecoveryTarget  `json:"target" yaml:"target"`
	StartedAt           time.Time       `json:"started_at" yaml:"started_at"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Status              RecoveryStatus  `json:"status" yaml:"status"`
	RecordsRecovered    int             `json:"records_recovered" yaml:"records_recovered"`
	RecordsFailed       int             `json:"records_failed" yaml:"records_failed"`
	VerificationPassed  bool            `json:"verification_passed" yaml:"verification_passed"`
	VerificationDetails map[string]any  `json:"verification_details,omitempty" yaml:"verification_details,omitempty"`
}

// NewRecoveryOperation returns a pending operation with a fresh id.
func NewRecoveryOperation(trigger RecoveryTrigger, scope RecoveryScope, target RecoveryTarget, now time.Time) *RecoveryOperation {
	return &RecoveryOperation{
		OperationID:         uuid.New().String(),
		Trigger:             trigger,
		Scope:               scope,
		Target:              target,
		StartedAt:           now.UTC(),
		Status:              RecoveryPending,
		VerificationDetails: map[string]any{},
	}
}
