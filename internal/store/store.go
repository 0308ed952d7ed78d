// Package store persists raw and structured records, sessions, recovery
// operations and the backup index in the relational system of record.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-vault/internal/db"
	"github.com/sells-group/intake-vault/internal/model"
)

// RawOrder selects the ordering of ListRawRecords.
type RawOrder int

const (
	// OrderScrapedAsc returns the oldest records first.
	OrderScrapedAsc RawOrder = iota
	// OrderQualityDesc returns the best-scored records first, oldest first on ties.
	OrderQualityDesc
)

// RawFilter specifies criteria for listing raw records. Zero fields are ignored.
type RawFilter struct {
	IDs           []string
	Statuses      []model.ProcessingStatus
	SessionID     string
	SourceID      string
	ScrapedFrom   *time.Time // inclusive
	ScrapedBefore *time.Time // exclusive
	MinScore      *float64
	Unmigrated    bool
	Order         RawOrder
	Limit         int
}

// StructuredFilter specifies criteria for listing structured records.
type StructuredFilter struct {
	SourceID string
	MinScore *float64
	MaxScore *float64
	Limit    int
	Offset   int
}

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	SourceID      string
	Kind          model.SessionKind
	Statuses      []model.SessionStatus
	StartedAfter  *time.Time
	StartedBefore *time.Time
	Limit         int
}

// RecoveryFilter specifies criteria for listing recovery operations.
type RecoveryFilter struct {
	Status model.RecoveryStatus
	Scope  model.RecoveryScope
	Limit  int
}

// BackupFilter specifies criteria for listing entries of the backup index.
type BackupFilter struct {
	SourceID     string
	SessionID    string
	RawRecordIDs []string
	CreatedFrom  *time.Time // inclusive
	CreatedTo    *time.Time // exclusive
	Statuses     []model.BackupStatus
	Limit        int
}

// DailyCount is the number of raw records a source produced on one UTC day.
type DailyCount struct {
	SourceID string `json:"source_id"`
	Day      string `json:"day"` // YYYY-MM-DD
	Count    int    `json:"count"`
}

// Store defines the persistence interface of the pipeline.
type Store interface {
	// Raw records
	// InsertRawRecords returns the ids actually written; ids already stored
	// are skipped.
	InsertRawRecords(ctx context.Context, recs []model.RawRecord) ([]string, error)
	GetRawRecord(ctx context.Context, id string) (*model.RawRecord, error)
	ListRawRecords(ctx context.Context, filter RawFilter) ([]model.RawRecord, error)
	SetRawStatus(ctx context.Context, ids []string, status model.ProcessingStatus) (int, error)
	SaveRawResult(ctx context.Context, id string, r model.RawResult) error
	MarkRawMigrated(ctx context.Context, id string, at time.Time) error
	RestoreRawRecord(ctx context.Context, rec *model.RawRecord) (bool, error)
	PruneRawPayloads(ctx context.Context, scrapedBefore time.Time) (int, error)
	CountRawByDay(ctx context.Context, since time.Time) ([]DailyCount, error)

	// Structured records
	GetStructuredRecord(ctx context.Context, programID string) (*model.StructuredRecord, error)
	// UpsertStructuredRecord reports false when the program is already owned
	// by a different raw record; the stored row is left unchanged.
	UpsertStructuredRecord(ctx context.Context, rec *model.StructuredRecord) (bool, error)
	ListStructuredRecords(ctx context.Context, filter StructuredFilter) ([]model.StructuredRecord, error)

	// Sessions
	CreateSession(ctx context.Context, s *model.ScrapingSession) (bool, error)
	GetSession(ctx context.Context, id string) (*model.ScrapingSession, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.ScrapingSession, error)
	AddSessionCounts(ctx context.Context, id string, delta model.SessionCounts) error
	CompleteSession(ctx context.Context, id string, status model.SessionStatus, counts model.SessionCounts, details map[string]any) error

	// Recovery operations
	CreateRecoveryOperation(ctx context.Context, op *model.RecoveryOperation) error
	UpdateRecoveryOperation(ctx context.Context, op *model.RecoveryOperation) error
	GetRecoveryOperation(ctx context.Context, id string) (*model.RecoveryOperation, error)
	ListRecoveryOperations(ctx context.Context, filter RecoveryFilter) ([]model.RecoveryOperation, error)

	// Backup index (and the primary copy of each backup)
	SaveBackup(ctx context.Context, b *model.BackupRecord) error
	GetBackup(ctx context.Context, backupID string) (*model.BackupRecord, error)
	ListBackups(ctx context.Context, filter BackupFilter) ([]model.BackupRecord, error)
	SetBackupStatus(ctx context.Context, backupID string, status model.BackupStatus) error
	DeleteExpiredBackups(ctx context.Context, now time.Time) (int, error)
	QuarantineBackup(ctx context.Context, b *model.BackupRecord, reason string) error
	RecordBackupLocation(ctx context.Context, loc model.BackupLocation) error
	ListBackupLocations(ctx context.Context, backupID string) ([]model.BackupLocation, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func limitOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// Open returns the Store for driver ("postgres" or "sqlite"). The schema is
// not migrated; call Migrate.
func Open(ctx context.Context, driver, dsn string, poolCfg *db.PoolConfig) (Store, error) {
	switch driver {
	case "postgres", "postgresql", "pgx":
		s, err := NewPostgres(ctx, dsn, poolCfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite", "sqlite3", "":
		s, err := NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}
