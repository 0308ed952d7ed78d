package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-vault/internal/db"
	"github.com/sells-group/intake-vault/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	raw     *pgxpool.Pool
	closeFn func()
}

// NewPostgres connects a PostgresStore.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, raw: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Migrate is unavailable unless
// the pool is a *pgxpool.Pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	s := &PostgresStore{pool: pool}
	if p, ok := pool.(*pgxpool.Pool); ok {
		s.raw = p
	}
	return s
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if s.raw == nil {
		return eris.New("postgres: migrate requires a pgxpool connection")
	}
	sqlDB := stdlib.OpenDBFromPool(s.raw)
	defer sqlDB.Close() //nolint:errcheck
	return eris.Wrap(applyMigrations(ctx, goose.DialectPostgres, sqlDB, "migrations/postgres"), "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- raw records ---

var rawInsertColumns = []string{
	"id", "source_id", "session_id", "payload", "scraped_at", "processing_status",
	"quality_score", "validation_errors", "payload_pruned", "created_at", "updated_at",
}

func (s *PostgresStore) InsertRawRecords(ctx context.Context, recs []model.RawRecord) ([]string, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(recs))
	for i := range recs {
		r := &recs[i]
		payload, err := marshalJSON(r.Payload, "raw payload")
		if err != nil {
			return nil, err
		}
		errs, err := errorsJSON(r.ValidationErrors)
		if err != nil {
			return nil, err
		}
		status := r.ProcessingStatus
		if status == "" {
			status = model.StatusPending
		}
		rows = append(rows, []any{
			r.ID, r.SourceID, r.SessionID, string(payload), r.ScrapedAt.UTC(), string(status),
			r.QualityScore, string(errs), false, now, now,
		})
	}
	ids, err := db.BulkInsert(ctx, s.pool, db.BulkConfig{
		Table:        "raw_records",
		Columns:      rawInsertColumns,
		ConflictKeys: []string{"id"},
		Returning:    "id",
	}, rows)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert raw records")
	}
	return ids, nil
}

func (s *PostgresStore) GetRawRecord(ctx context.Context, id string) (*model.RawRecord, error) {
	r, err := scanRaw(s.pool.QueryRow(ctx, rawColumns+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get raw record %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListRawRecords(ctx context.Context, filter RawFilter) ([]model.RawRecord, error) {
	q, sql := rawQuery(true, filter)
	rows, err := s.pool.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list raw records")
	}
	defer rows.Close()
	return collect(rows, scanRaw, "raw records")
}

func (s *PostgresStore) SetRawStatus(ctx context.Context, ids []string, status model.ProcessingStatus) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE raw_records SET processing_status = $1, updated_at = $2 WHERE id = ANY($3)`,
		string(status), time.Now().UTC(), ids,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: set raw status")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) SaveRawResult(ctx context.Context, id string, r model.RawResult) error {
	errs, err := errorsJSON(r.ValidationErrors)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE raw_records SET processing_status = $1, quality_score = $2, validation_errors = $3, content_hash = $4, updated_at = $5 WHERE id = $6`,
		string(r.Status), r.Score, string(errs), r.ContentHash, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save raw result %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("raw record not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) MarkRawMigrated(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE raw_records SET migrated_at = $1, updated_at = $2 WHERE id = $3`,
		at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark raw migrated %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("raw record not found: %s", id)
	}
	return nil
}

const pgRestoreRaw = `INSERT INTO raw_records (id, source_id, session_id, payload, scraped_at, processing_status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 'pending', $6, $6)
ON CONFLICT (id) DO UPDATE SET
	payload = EXCLUDED.payload,
	payload_pruned = false,
	processing_status = 'pending',
	quality_score = 0,
	validation_errors = '[]',
	updated_at = EXCLUDED.updated_at
WHERE raw_records.migrated_at IS NULL AND raw_records.processing_status IN ('pending', 'processing')`

func (s *PostgresStore) RestoreRawRecord(ctx context.Context, rec *model.RawRecord) (bool, error) {
	payload, err := marshalJSON(rec.Payload, "raw payload")
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, pgRestoreRaw,
		rec.ID, rec.SourceID, rec.SessionID, string(payload), rec.ScrapedAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: restore raw record %s", rec.ID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) PruneRawPayloads(ctx context.Context, scrapedBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE raw_records SET payload = '{}'::jsonb, payload_pruned = true, updated_at = $1
		 WHERE migrated_at IS NOT NULL AND scraped_at < $2 AND payload_pruned = false`,
		time.Now().UTC(), scrapedBefore.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune raw payloads")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountRawByDay(ctx context.Context, since time.Time) ([]DailyCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_id, to_char(scraped_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, count(*)
		 FROM raw_records WHERE scraped_at >= $1
		 GROUP BY source_id, day ORDER BY day, source_id`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count raw by day")
	}
	defer rows.Close()
	return collect(rows, scanDailyCount, "daily counts")
}

// --- structured records ---

func (s *PostgresStore) GetStructuredRecord(ctx context.Context, programID string) (*model.StructuredRecord, error) {
	r, err := scanStructured(s.pool.QueryRow(ctx, structuredColumns+` WHERE program_id = $1`, programID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get structured record %s", programID)
	}
	return r, nil
}

const pgUpsertStructured = `INSERT INTO structured_records (
	program_id, source_id, source_kind, title, agency, description, url, category, region,
	target_audience, application_start, application_end, support_details, contact_info,
	original_raw_id, data_quality_score, validation_errors, verification_status, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $19)
ON CONFLICT (program_id) DO UPDATE SET
	source_id = EXCLUDED.source_id,
	source_kind = EXCLUDED.source_kind,
	title = EXCLUDED.title,
	agency = EXCLUDED.agency,
	description = EXCLUDED.description,
	url = EXCLUDED.url,
	category = EXCLUDED.category,
	region = EXCLUDED.region,
	target_audience = EXCLUDED.target_audience,
	application_start = EXCLUDED.application_start,
	application_end = EXCLUDED.application_end,
	support_details = EXCLUDED.support_details,
	contact_info = EXCLUDED.contact_info,
	original_raw_id = EXCLUDED.original_raw_id,
	data_quality_score = EXCLUDED.data_quality_score,
	validation_errors = EXCLUDED.validation_errors,
	verification_status = EXCLUDED.verification_status,
	updated_at = EXCLUDED.updated_at
WHERE structured_records.original_raw_id = EXCLUDED.original_raw_id`

func (s *PostgresStore) UpsertStructuredRecord(ctx context.Context, rec *model.StructuredRecord) (bool, error) {
	args, err := structuredArgs(rec, time.Now().UTC())
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, pgUpsertStructured, args...)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: upsert structured record %s", rec.ProgramID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListStructuredRecords(ctx context.Context, filter StructuredFilter) ([]model.StructuredRecord, error) {
	q, sql := structuredQuery(true, filter)
	rows, err := s.pool.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list structured records")
	}
	defer rows.Close()
	return collect(rows, scanStructured, "structured records")
}

// --- sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.ScrapingSession) (bool, error) {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	details, err := nullableJSON(sess.ErrorDetails, "error details")
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO scraping_sessions (id, source_id, kind, status, started_at, items_found, items_processed, items_migrated, items_failed, error_details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT (id) DO NOTHING`,
		sess.ID, sess.SourceID, string(sess.Kind), string(sess.Status), sess.StartedAt.UTC(),
		sess.ItemsFound, sess.ItemsProcessed, sess.ItemsMigrated, sess.ItemsFailed, details,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: create session %s", sess.ID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.ScrapingSession, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, sessionColumns+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}
	return sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.ScrapingSession, error) {
	q, sql := sessionQuery(true, filter)
	rows, err := s.pool.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()
	return collect(rows, scanSession, "sessions")
}

func (s *PostgresStore) AddSessionCounts(ctx context.Context, id string, d model.SessionCounts) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scraping_sessions SET items_found = items_found + $1, items_processed = items_processed + $2,
		 items_migrated = items_migrated + $3, items_failed = items_failed + $4
		 WHERE id = $5 AND completed_at IS NULL`,
		d.ItemsFound, d.ItemsProcessed, d.ItemsMigrated, d.ItemsFailed, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: add session counts %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("running session not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) CompleteSession(ctx context.Context, id string, status model.SessionStatus, c model.SessionCounts, details map[string]any) error {
	detailsJSON, err := nullableJSON(details, "error details")
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE scraping_sessions SET status = $1, completed_at = $2, items_found = $3, items_processed = $4,
		 items_migrated = $5, items_failed = $6, error_details = $7
		 WHERE id = $8 AND completed_at IS NULL`,
		string(status), time.Now().UTC(), c.ItemsFound, c.ItemsProcessed, c.ItemsMigrated, c.ItemsFailed, detailsJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete session %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("running session not found: %s", id)
	}
	return nil
}

// --- recovery operations ---

func (s *PostgresStore) CreateRecoveryOperation(ctx context.Context, op *model.RecoveryOperation) error {
	target, details, err := recoveryJSON(op)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO recovery_operations (operation_id, trigger_type, scope, target, started_at, status,
		 records_recovered, records_failed, verification_passed, verification_details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		op.OperationID, string(op.Trigger), string(op.Scope), target, op.StartedAt.UTC(), string(op.Status),
		op.RecordsRecovered, op.RecordsFailed, op.VerificationPassed, details,
	)
	return eris.Wrapf(err, "postgres: create recovery operation %s", op.OperationID)
}

func (s *PostgresStore) UpdateRecoveryOperation(ctx context.Context, op *model.RecoveryOperation) error {
	target, details, err := recoveryJSON(op)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE recovery_operations SET target = $1, status = $2, completed_at = $3, records_recovered = $4,
		 records_failed = $5, verification_passed = $6, verification_details = $7
		 WHERE operation_id = $8 AND completed_at IS NULL`,
		target, string(op.Status), utcPtr(op.CompletedAt), op.RecordsRecovered, op.RecordsFailed,
		op.VerificationPassed, details, op.OperationID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update recovery operation %s", op.OperationID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("open recovery operation not found: %s", op.OperationID)
	}
	return nil
}

func (s *PostgresStore) GetRecoveryOperation(ctx context.Context, id string) (*model.RecoveryOperation, error) {
	op, err := scanRecovery(s.pool.QueryRow(ctx, recoveryColumns+` WHERE operation_id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get recovery operation %s", id)
	}
	return op, nil
}

func (s *PostgresStore) ListRecoveryOperations(ctx context.Context, filter RecoveryFilter) ([]model.RecoveryOperation, error) {
	q, sql := recoveryQuery(true, filter)
	rows, err := s.pool.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list recovery operations")
	}
	defer rows.Close()
	return collect(rows, scanRecovery, "recovery operations")
}

// --- backups ---

const pgSaveBackup = `INSERT INTO backups (backup_id, source_id, session_id, raw_record_id, data, metadata, created_at, expires_at, status, checksum)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (backup_id) DO UPDATE SET
	data = EXCLUDED.data,
	metadata = EXCLUDED.metadata,
	expires_at = EXCLUDED.expires_at,
	status = EXCLUDED.status,
	checksum = EXCLUDED.checksum,
	session_id = EXCLUDED.session_id,
	raw_record_id = EXCLUDED.raw_record_id`

func (s *PostgresStore) SaveBackup(ctx context.Context, b *model.BackupRecord) error {
	meta, err := marshalJSON(b.Metadata, "backup metadata")
	if err != nil {
		return err
	}
	sessionID, rawID := indexKeys(b)
	_, err = s.pool.Exec(ctx, pgSaveBackup,
		b.BackupID, b.SourceID, sessionID, rawID, b.Data, string(meta),
		b.CreatedAt.UTC(), b.ExpiresAt.UTC(), string(b.Status), b.Checksum,
	)
	return eris.Wrapf(err, "postgres: save backup %s", b.BackupID)
}

func (s *PostgresStore) GetBackup(ctx context.Context, backupID string) (*model.BackupRecord, error) {
	b, err := scanBackup(s.pool.QueryRow(ctx, backupColumns+` WHERE backup_id = $1`, backupID), true)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get backup %s", backupID)
	}
	return b, nil
}

func (s *PostgresStore) ListBackups(ctx context.Context, filter BackupFilter) ([]model.BackupRecord, error) {
	q, sql := backupQuery(true, filter)
	rows, err := s.pool.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list backups")
	}
	defer rows.Close()
	return collect(rows, scanBackupIndex, "backups")
}

func (s *PostgresStore) SetBackupStatus(ctx context.Context, backupID string, status model.BackupStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE backups SET status = $1 WHERE backup_id = $2`, string(status), backupID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set backup status %s", backupID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("backup not found: %s", backupID)
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredBackups(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM backups WHERE expires_at <= $1 AND status <> $2`,
		now.UTC(), string(model.BackupCorrupted),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired backups")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) QuarantineBackup(ctx context.Context, b *model.BackupRecord, reason string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO backup_quarantine (id, backup_id, data, checksum, reason, detected_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), b.BackupID, b.Data, b.Checksum, reason, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: quarantine backup %s", b.BackupID)
}

func (s *PostgresStore) RecordBackupLocation(ctx context.Context, loc model.BackupLocation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO backup_locations (backup_id, tier, locator, status, error, updated_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (backup_id, tier) DO UPDATE SET locator = EXCLUDED.locator, status = EXCLUDED.status,
		 error = EXCLUDED.error, updated_at = EXCLUDED.updated_at`,
		loc.BackupID, string(loc.Tier), loc.Locator, loc.Status, loc.Error, locationTime(loc),
	)
	return eris.Wrapf(err, "postgres: record backup location %s/%s", loc.BackupID, loc.Tier)
}

func (s *PostgresStore) ListBackupLocations(ctx context.Context, backupID string) ([]model.BackupLocation, error) {
	rows, err := s.pool.Query(ctx, locationColumns+` WHERE backup_id = $1 ORDER BY tier`, backupID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list backup locations %s", backupID)
	}
	defer rows.Close()
	return collect(rows, scanLocation, "backup locations")
}
