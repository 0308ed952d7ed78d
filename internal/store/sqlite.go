package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/intake-vault/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// sqlitePragmas are applied to every pooled connection through the DSN.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if strings.Contains(dsn, ":memory:") {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range sqlitePragmas {
		dsn += sep + "_pragma=" + p
		sep = "&"
	}
	return dsn
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return eris.Wrap(applyMigrations(ctx, goose.DialectSQLite3, s.db, "migrations/sqlite"), "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- raw records ---

func (s *SQLiteStore) InsertRawRecords(ctx context.Context, recs []model.RawRecord) ([]string, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin insert raw records")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO raw_records (id, source_id, session_id, payload, scraped_at, processing_status,
		 quality_score, validation_errors, payload_pruned, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?) ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: prepare insert raw records")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	var inserted []string
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
		res, err := stmt.ExecContext(ctx, r.ID, r.SourceID, r.SessionID, string(payload), r.ScrapedAt.UTC(),
			string(status), r.QualityScore, string(errs), now, now)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert raw record %s", r.ID)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, r.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit raw records")
	}
	return inserted, nil
}

func (s *SQLiteStore) GetRawRecord(ctx context.Context, id string) (*model.RawRecord, error) {
	r, err := scanRaw(s.db.QueryRowContext(ctx, rawColumns+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get raw record %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) ListRawRecords(ctx context.Context, filter RawFilter) ([]model.RawRecord, error) {
	q, stmt := rawQuery(false, filter)
	rows, err := s.db.QueryContext(ctx, stmt, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list raw records")
	}
	defer rows.Close()
	return collect(rows, scanRaw, "raw records")
}

func (s *SQLiteStore) SetRawStatus(ctx context.Context, ids []string, status model.ProcessingStatus) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q := newQuery(false)
	set := `UPDATE raw_records SET processing_status = ` + q.arg(string(status)) + `, updated_at = ` + q.arg(time.Now().UTC())
	q.in("id", ids)
	res, err := s.db.ExecContext(ctx, set+q.clause(), q.args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: set raw status")
	}
	return rowsAffected(res)
}

func (s *SQLiteStore) SaveRawResult(ctx context.Context, id string, r model.RawResult) error {
	errs, err := errorsJSON(r.ValidationErrors)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE raw_records SET processing_status = ?, quality_score = ?, validation_errors = ?, content_hash = ?, updated_at = ? WHERE id = ?`,
		string(r.Status), r.Score, string(errs), r.ContentHash, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save raw result %s", id)
	}
	return checkRowsAffected(res, "raw record", id)
}

func (s *SQLiteStore) MarkRawMigrated(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE raw_records SET migrated_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark raw migrated %s", id)
	}
	return checkRowsAffected(res, "raw record", id)
}

const sqliteRestoreRaw = `INSERT INTO raw_records (id, source_id, session_id, payload, scraped_at, processing_status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
ON CONFLICT (id) DO UPDATE SET
	payload = excluded.payload,
	payload_pruned = 0,
	processing_status = 'pending',
	quality_score = 0,
	validation_errors = '[]',
	updated_at = excluded.updated_at
WHERE raw_records.migrated_at IS NULL AND raw_records.processing_status IN ('pending', 'processing')`

func (s *SQLiteStore) RestoreRawRecord(ctx context.Context, rec *model.RawRecord) (bool, error) {
	payload, err := marshalJSON(rec.Payload, "raw payload")
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, sqliteRestoreRaw,
		rec.ID, rec.SourceID, rec.SessionID, string(payload), rec.ScrapedAt.UTC(), now, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: restore raw record %s", rec.ID)
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

func (s *SQLiteStore) PruneRawPayloads(ctx context.Context, scrapedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE raw_records SET payload = '{}', payload_pruned = 1, updated_at = ?
		 WHERE migrated_at IS NOT NULL AND scraped_at < ? AND payload_pruned = 0`,
		time.Now().UTC(), scrapedBefore.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune raw payloads")
	}
	return rowsAffected(res)
}

func (s *SQLiteStore) CountRawByDay(ctx context.Context, since time.Time) ([]DailyCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, substr(scraped_at, 1, 10) AS day, count(*)
		 FROM raw_records WHERE scraped_at >= ?
		 GROUP BY source_id, day ORDER BY day, source_id`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count raw by day")
	}
	defer rows.Close()
	return collect(rows, scanDailyCount, "daily counts")
}

// --- structured records ---

func (s *SQLiteStore) GetStructuredRecord(ctx context.Context, programID string) (*model.StructuredRecord, error) {
	r, err := scanStructured(s.db.QueryRowContext(ctx, structuredColumns+` WHERE program_id = ?`, programID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get structured record %s", programID)
	}
	return r, nil
}

const sqliteUpsertStructured = `INSERT INTO structured_records (
	program_id, source_id, source_kind, title, agency, description, url, category, region,
	target_audience, application_start, application_end, support_details, contact_info,
	original_raw_id, data_quality_score, validation_errors, verification_status, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (program_id) DO UPDATE SET
	source_id = excluded.source_id,
	source_kind = excluded.source_kind,
	title = excluded.title,
	agency = excluded.agency,
	description = excluded.description,
	url = excluded.url,
	category = excluded.category,
	region = excluded.region,
	target_audience = excluded.target_audience,
	application_start = excluded.application_start,
	application_end = excluded.application_end,
	support_details = excluded.support_details,
	contact_info = excluded.contact_info,
	original_raw_id = excluded.original_raw_id,
	data_quality_score = excluded.data_quality_score,
	validation_errors = excluded.validation_errors,
	verification_status = excluded.verification_status,
	updated_at = excluded.updated_at
WHERE structured_records.original_raw_id = excluded.original_raw_id`

func (s *SQLiteStore) UpsertStructuredRecord(ctx context.Context, rec *model.StructuredRecord) (bool, error) {
	now := time.Now().UTC()
	args, err := structuredArgs(rec, now)
	if err != nil {
		return false, err
	}
	// SQLite has no numbered-parameter reuse with "?", so updated_at is bound twice.
	args = append(args, now)
	res, err := s.db.ExecContext(ctx, sqliteUpsertStructured, args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: upsert structured record %s", rec.ProgramID)
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

func (s *SQLiteStore) ListStructuredRecords(ctx context.Context, filter StructuredFilter) ([]model.StructuredRecord, error) {
	q, stmt := structuredQuery(false, filter)
	rows, err := s.db.QueryContext(ctx, stmt, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list structured records")
	}
	defer rows.Close()
	return collect(rows, scanStructured, "structured records")
}

// --- sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.ScrapingSession) (bool, error) {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	details, err := nullableJSON(sess.ErrorDetails, "error details")
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scraping_sessions (id, source_id, kind, status, started_at, items_found, items_processed, items_migrated, items_failed, error_details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		sess.ID, sess.SourceID, string(sess.Kind), string(sess.Status), sess.StartedAt.UTC(),
		sess.ItemsFound, sess.ItemsProcessed, sess.ItemsMigrated, sess.ItemsFailed, details,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: create session %s", sess.ID)
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.ScrapingSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, sessionColumns+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get session %s", id)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.ScrapingSession, error) {
	q, stmt := sessionQuery(false, filter)
	rows, err := s.db.QueryContext(ctx, stmt, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()
	return collect(rows, scanSession, "sessions")
}

func (s *SQLiteStore) AddSessionCounts(ctx context.Context, id string, d model.SessionCounts) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scraping_sessions SET items_found = items_found + ?, items_processed = items_processed + ?,
		 items_migrated = items_migrated + ?, items_failed = items_failed + ?
		 WHERE id = ? AND completed_at IS NULL`,
		d.ItemsFound, d.ItemsProcessed, d.ItemsMigrated, d.ItemsFailed, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: add session counts %s", id)
	}
	return checkRowsAffected(res, "running session", id)
}

func (s *SQLiteStore) CompleteSession(ctx context.Context, id string, status model.SessionStatus, c model.SessionCounts, details map[string]any) error {
	detailsJSON, err := nullableJSON(details, "error details")
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scraping_sessions SET status = ?, completed_at = ?, items_found = ?, items_processed = ?,
		 items_migrated = ?, items_failed = ?, error_details = ?
		 WHERE id = ? AND completed_at IS NULL`,
		string(status), time.Now().UTC(), c.ItemsFound, c.ItemsProcessed, c.ItemsMigrated, c.ItemsFailed, detailsJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete session %s", id)
	}
	return checkRowsAffected(res, "running session", id)
}

// --- recovery operations ---

func (s *SQLiteStore) CreateRecoveryOperation(ctx context.Context, op *model.RecoveryOperation) error {
	target, details, err := recoveryJSON(op)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recovery_operations (operation_id, trigger_type, scope, target, started_at, status,
		 records_recovered, records_failed, verification_passed, verification_details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.OperationID, string(op.Trigger), string(op.Scope), target, op.StartedAt.UTC(), string(op.Status),
		op.RecordsRecovered, op.RecordsFailed, op.VerificationPassed, details,
	)
	return eris.Wrapf(err, "sqlite: create recovery operation %s", op.OperationID)
}

func (s *SQLiteStore) UpdateRecoveryOperation(ctx context.Context, op *model.RecoveryOperation) error {
	target, details, err := recoveryJSON(op)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recovery_operations SET target = ?, status = ?, completed_at = ?, records_recovered = ?,
		 records_failed = ?, verification_passed = ?, verification_details = ?
		 WHERE operation_id = ? AND completed_at IS NULL`,
		target, string(op.Status), utcPtr(op.CompletedAt), op.RecordsRecovered, op.RecordsFailed,
		op.VerificationPassed, details, op.OperationID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update recovery operation %s", op.OperationID)
	}
	return checkRowsAffected(res, "open recovery operation", op.OperationID)
}

func (s *SQLiteStore) GetRecoveryOperation(ctx context.Context, id string) (*model.RecoveryOperation, error) {
	op, err := scanRecovery(s.db.QueryRowContext(ctx, recoveryColumns+` WHERE operation_id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get recovery operation %s", id)
	}
	return op, nil
}

func (s *SQLiteStore) ListRecoveryOperations(ctx context.Context, filter RecoveryFilter) ([]model.RecoveryOperation, error) {
	q, stmt := recoveryQuery(false, filter)
	rows, err := s.db.QueryContext(ctx, stmt, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list recovery operations")
	}
	defer rows.Close()
	return collect(rows, scanRecovery, "recovery operations")
}

// --- backups ---

const sqliteSaveBackup = `INSERT INTO backups (backup_id, source_id, session_id, raw_record_id, data, metadata, created_at, expires_at, status, checksum)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (backup_id) DO UPDATE SET
	data = excluded.data,
	metadata = excluded.metadata,
	expires_at = excluded.expires_at,
	status = excluded.status,
	checksum = excluded.checksum,
	session_id = excluded.session_id,
	raw_record_id = excluded.raw_record_id`

func (s *SQLiteStore) SaveBackup(ctx context.Context, b *model.BackupRecord) error {
	meta, err := marshalJSON(b.Metadata, "backup metadata")
	if err != nil {
		return err
	}
	sessionID, rawID := indexKeys(b)
	data := b.Data
	if data == nil {
		data = []byte{}
	}
	_, err = s.db.ExecContext(ctx, sqliteSaveBackup,
		b.BackupID, b.SourceID, sessionID, rawID, data, string(meta),
		b.CreatedAt.UTC(), b.ExpiresAt.UTC(), string(b.Status), b.Checksum,
	)
	return eris.Wrapf(err, "sqlite: save backup %s", b.BackupID)
}

func (s *SQLiteStore) GetBackup(ctx context.Context, backupID string) (*model.BackupRecord, error) {
	b, err := scanBackup(s.db.QueryRowContext(ctx, backupColumns+` WHERE backup_id = ?`, backupID), true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get backup %s", backupID)
	}
	return b, nil
}

func (s *SQLiteStore) ListBackups(ctx context.Context, filter BackupFilter) ([]model.BackupRecord, error) {
	q, stmt := backupQuery(false, filter)
	rows, err := s.db.QueryContext(ctx, stmt, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list backups")
	}
	defer rows.Close()
	return collect(rows, scanBackupIndex, "backups")
}

func (s *SQLiteStore) SetBackupStatus(ctx context.Context, backupID string, status model.BackupStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE backups SET status = ? WHERE backup_id = ?`, string(status), backupID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set backup status %s", backupID)
	}
	return checkRowsAffected(res, "backup", backupID)
}

func (s *SQLiteStore) DeleteExpiredBackups(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM backups WHERE expires_at <= ? AND status <> ?`,
		now.UTC(), string(model.BackupCorrupted),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired backups")
	}
	return rowsAffected(res)
}

func (s *SQLiteStore) QuarantineBackup(ctx context.Context, b *model.BackupRecord, reason string) error {
	data := b.Data
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backup_quarantine (id, backup_id, data, checksum, reason, detected_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), b.BackupID, data, b.Checksum, reason, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: quarantine backup %s", b.BackupID)
}

func (s *SQLiteStore) RecordBackupLocation(ctx context.Context, loc model.BackupLocation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backup_locations (backup_id, tier, locator, status, error, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (backup_id, tier) DO UPDATE SET locator = excluded.locator, status = excluded.status,
		 error = excluded.error, updated_at = excluded.updated_at`,
		loc.BackupID, string(loc.Tier), loc.Locator, loc.Status, loc.Error, locationTime(loc),
	)
	return eris.Wrapf(err, "sqlite: record backup location %s/%s", loc.BackupID, loc.Tier)
}

func (s *SQLiteStore) ListBackupLocations(ctx context.Context, backupID string) ([]model.BackupLocation, error) {
	rows, err := s.db.QueryContext(ctx, locationColumns+` WHERE backup_id = ? ORDER BY tier`, backupID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list backup locations %s", backupID)
	}
	defer rows.Close()
	return collect(rows, scanLocation, "backup locations")
}

// helpers

func rowsAffected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
