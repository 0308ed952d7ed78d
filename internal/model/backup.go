package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Tier names one storage medium in the backup fan-out.
type Tier string

const (
	TierPrimary    Tier = "primary"
	TierSecondary  Tier = "secondary"
	TierTertiary   Tier = "tertiary"
	TierQuaternary Tier = "quaternary"
)

// RestoreOrder is the order tiers are tried when restoring a backup.
var RestoreOrder = []Tier{TierPrimary, TierTertiary, TierSecondary, TierQuaternary}

// BackupStatus is the lifecycle state of one backup copy.
type BackupStatus string

const (
	BackupActive    BackupStatus = "active"
	BackupCorrupted BackupStatus = "corrupted"
	BackupExpired   BackupStatus = "expired"
	BackupRestoring BackupStatus = "restoring"
	BackupRestored  BackupStatus = "restored"
)

// Metadata keys the orchestrator and intake rely on.
const (
	MetaRawRecordID     = "raw_record_id"
	MetaSessionID       = "session_id"
	MetaScrapedAt       = "scraped_at"
	MetaBackupLocations = "backup_locations"
)

// BackupRecord is one backup event, fanned out read-only to every tier.
type BackupRecord struct {
	BackupID  string         `json:"backup_id" yaml:"backup_id"`
	SourceID  string         `json:"source_id" yaml:"source_id"`
	Tier      Tier           `json:"tier" yaml:"tier"`
	Data      []byte         `json:"data" yaml:"data"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
	ExpiresAt time.Time      `json:"expires_at" yaml:"expires_at"`
	Status    BackupStatus   `json:"status" yaml:"status"`
	Checksum  string         `json:"checksum" yaml:"checksum"`
}

// Checksum returns the hex SHA-256 digest of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewBackupRecord builds an active backup with a fresh id and checksum.
func NewBackupRecord(sourceID string, data []byte, metadata map[string]any, now time.Time, retention time.Duration) *BackupRecord {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &BackupRecord{
		BackupID:  uuid.New().String(),
		SourceID:  sourceID,
		Tier:      TierPrimary,
		Data:      data,
		Metadata:  metadata,
		CreatedAt: now.UTC(),
		ExpiresAt: now.UTC().Add(retention),
		Status:    BackupActive,
		Checksum:  Checksum(data),
	}
}

// Verify recomputes the checksum over Data and compares it to Checksum.
func (b *BackupRecord) Verify() bool {
	return b.Checksum != "" && Checksum(b.Data) == b.Checksum
}

// Expired reports whether the backup is past its expiry at now.
func (b *BackupRecord) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && !now.Before(b.ExpiresAt)
}

// MetaString returns a metadata value as a string, or "" if absent.
func (b *BackupRecord) MetaString(key string) string {
	if b.Metadata == nil {
		return ""
	}
	if s, ok := b.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// CopyFor returns a shallow copy tagged with the given tier. Data and
// Metadata are shared and must be treated as read-only.
func (b *BackupRecord) CopyFor(t Tier) *BackupRecord {
	c := *b
	c.Tier = t
	return &c
}

// BackupLocation mirrors where a backup copy lives (or failed to land).
type BackupLocation struct {
	BackupID  string    `json:"backup_id" yaml:"backup_id"`
	Tier      Tier      `json:"tier" yaml:"tier"`
	Locator   string    `json:"locator,omitempty" yaml:"locator,omitempty"`
	Status    string    `json:"status" yaml:"status"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Location statuses recorded in the backup index.
const (
	LocationStored  = "stored"
	LocationFailed  = "failed"
	LocationSkipped = "skipped"
)
