package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// ProcessingStatus tracks a raw record through the migration pipeline.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
	StatusDuplicate  ProcessingStatus = "duplicate"
)

// Payload is the opaque key-value bag produced by a source adapter.
type Payload map[string]any

// ContentHashKey is the payload key the validator attaches its content hash under.
const ContentHashKey = "_content_hash"

// String returns the payload value under key as a string. Non-string scalars
// are formatted; missing keys yield "".
func (p Payload) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return stringify(t)
	}
}

// Has reports whether key is present with a non-blank value.
func (p Payload) Has(key string) bool {
	return trimSpace(p.String(key)) != ""
}

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// RawRecord is one scraped payload in the intake store.
type RawRecord struct {
	ID               string           `json:"id" yaml:"id"`
	SourceID         string           `json:"source_id" yaml:"source_id"`
	Payload          Payload          `json:"payload" yaml:"payload"`
	ScrapedAt        time.Time        `json:"scraped_at" yaml:"scraped_at"`
	SessionID        string           `json:"session_id" yaml:"session_id"`
	ProcessingStatus ProcessingStatus `json:"processing_status" yaml:"processing_status"`
	QualityScore     float64          `json:"quality_score" yaml:"quality_score"`
	ValidationErrors []string         `json:"validation_errors,omitempty" yaml:"validation_errors,omitempty"`
	MigratedAt       *time.Time       `json:"migrated_at,omitempty" yaml:"migrated_at,omitempty"`
	PayloadPruned    bool             `json:"payload_pruned,omitempty" yaml:"payload_pruned,omitempty"`
	ContentHash      string           `json:"content_hash,omitempty" yaml:"content_hash,omitempty"`
}

// RawResult is the outcome of scoring one raw record.
type RawResult struct {
	Status           ProcessingStatus
	Score            float64
	ValidationErrors []string
	// ContentHash identifies the scored content; empty when scoring failed.
	ContentHash string
}

// Migrated reports whether the record has been inserted into the structured store.
func (r *RawRecord) Migrated() bool {
	return r.MigratedAt != nil
}

// Settled reports whether the record has reached a state that needs no
// further pipeline work: migrated, marked duplicate, failed, or completed
// but below the quality gate.
func (r *RawRecord) Settled(threshold float64) bool {
	switch r.ProcessingStatus {
	case StatusDuplicate, StatusFailed:
		return true
	case StatusCompleted:
		return r.Migrated() || r.QualityScore < threshold
	default:
		return false
	}
}

// Envelope is the intake shape of a raw record and the body of its backup.
type Envelope struct {
	ID        string    `json:"id,omitempty" yaml:"id,omitempty"`
	SourceID  string    `json:"source_id" yaml:"source_id"`
	SessionID string    `json:"session_id" yaml:"session_id"`
	ScrapedAt time.Time `json:"scraped_at" yaml:"scraped_at"`
	Payload   Payload   `json:"payload" yaml:"payload"`
}

// EnvelopeOf returns the intake envelope of r.
func EnvelopeOf(r *RawRecord) Envelope {
	return Envelope{
		ID:        r.ID,
		SourceID:  r.SourceID,
		SessionID: r.SessionID,
		ScrapedAt: r.ScrapedAt.UTC(),
		Payload:   r.Payload,
	}
}

// Raw returns a pending RawRecord built from the envelope.
func (e Envelope) Raw() RawRecord {
	return RawRecord{
		ID:               e.ID,
		SourceID:         e.SourceID,
		SessionID:        e.SessionID,
		ScrapedAt:        e.ScrapedAt.UTC(),
		Payload:          e.Payload,
		ProcessingStatus: StatusPending,
	}
}

// Marshal encodes the envelope as backup data.
func (e Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, eris.Wrap(err, "model: marshal envelope")
	}
	return b, nil
}

// ParseEnvelope decodes backup data written by Envelope.Marshal.
func ParseEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, eris.Wrap(err, "model: parse envelope")
	}
	if e.ID == "" || e.SourceID == "" {
		return Envelope{}, eris.New("model: envelope missing id or source_id")
	}
	return e, nil
}
