package store

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-vault/internal/model"
)

// scannable is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func scanRaw(row scannable) (*model.RawRecord, error) {
	var (
		r          model.RawRecord
		payload    []byte
		errs       []byte
		status     string
		migratedAt *time.Time
	)
	if err := row.Scan(&r.ID, &r.SourceID, &r.SessionID, &payload, &r.ScrapedAt, &status,
		&r.QualityScore, &errs, &migratedAt, &r.PayloadPruned, &r.ContentHash); err != nil {
		return nil, err
	}
	r.ProcessingStatus = model.ProcessingStatus(status)
	r.ScrapedAt = r.ScrapedAt.UTC()
	r.MigratedAt = utcPtr(migratedAt)
	if err := unmarshalJSON(payload, &r.Payload, "raw payload"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(errs, &r.ValidationErrors, "validation errors"); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanStructured(row scannable) (*model.StructuredRecord, error) {
	var (
		r                model.StructuredRecord
		kind, verify     string
		start, end       *time.Time
		support, contact []byte
		errs             []byte
	)
	if err := row.Scan(&r.ProgramID, &r.SourceID, &kind, &r.Title, &r.Agency, &r.Description, &r.URL,
		&r.Category, &r.Region, &r.TargetAudience, &start, &end, &support,
		&contact, &r.OriginalRawID, &r.DataQualityScore, &errs, &verify,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.SourceKind = model.SourceKind(kind)
	r.VerificationStatus = model.VerificationStatus(verify)
	r.ApplicationStart = utcPtr(start)
	r.ApplicationEnd = utcPtr(end)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if err := unmarshalJSON(support, &r.Support, "support details"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(contact, &r.Contact, "contact info"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(errs, &r.ValidationErrors, "validation errors"); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanSession(row scannable) (*model.ScrapingSession, error) {
	var (
		s            model.ScrapingSession
		kind, status string
		completedAt  *time.Time
		details      []byte
	)
	if err := row.Scan(&s.ID, &s.SourceID, &kind, &status, &s.StartedAt, &completedAt, &s.ItemsFound,
		&s.ItemsProcessed, &s.ItemsMigrated, &s.ItemsFailed, &details); err != nil {
		return nil, err
	}
	s.Kind = model.SessionKind(kind)
	s.Status = model.SessionStatus(status)
	s.StartedAt = s.StartedAt.UTC()
	s.CompletedAt = utcPtr(completedAt)
	if err := unmarshalJSON(details, &s.ErrorDetails, "error details"); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanRecovery(row scannable) (*model.RecoveryOperation, error) {
	var (
		op                     model.RecoveryOperation
		trigger, scope, status string
		target, details        []byte
		completedAt            *time.Time
	)
	if err := row.Scan(&op.OperationID, &trigger, &scope, &target, &op.StartedAt, &completedAt, &status,
		&op.RecordsRecovered, &op.RecordsFailed, &op.VerificationPassed, &details); err != nil {
		return nil, err
	}
	op.Trigger = model.RecoveryTrigger(trigger)
	op.Scope = model.RecoveryScope(scope)
	op.Status = model.RecoveryStatus(status)
	op.StartedAt = op.StartedAt.UTC()
	op.CompletedAt = utcPtr(completedAt)
	if err := unmarshalJSON(target, &op.Target, "recovery target"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(details, &op.VerificationDetails, "verification details"); err != nil {
		return nil, err
	}
	return &op, nil
}

// scanBackup reads a full backup row; withData selects backupColumns over
// backupIndexColumns.
func scanBackup(row scannable, withData bool) (*model.BackupRecord, error) {
	var (
		b      model.BackupRecord
		meta   []byte
		status string
		dest   []any
	)
	dest = append(dest, &b.BackupID, &b.SourceID)
	if withData {
		dest = append(dest, &b.Data)
	}
	dest = append(dest, &meta, &b.CreatedAt, &b.ExpiresAt, &status, &b.Checksum)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	b.Tier = model.TierPrimary
	b.Status = model.BackupStatus(status)
	b.CreatedAt = b.CreatedAt.UTC()
	b.ExpiresAt = b.ExpiresAt.UTC()
	if err := unmarshalJSON(meta, &b.Metadata, "backup metadata"); err != nil {
		return nil, err
	}
	if b.Metadata == nil {
		b.Metadata = map[string]any{}
	}
	return &b, nil
}

func scanBackupIndex(row scannable) (*model.BackupRecord, error) {
	return scanBackup(row, false)
}

func scanDailyCount(row scannable) (*DailyCount, error) {
	var c DailyCount
	if err := row.Scan(&c.SourceID, &c.Day, &c.Count); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanLocation(row scannable) (*model.BackupLocation, error) {
	var (
		l    model.BackupLocation
		tier string
	)
	if err := row.Scan(&l.BackupID, &tier, &l.Locator, &l.Status, &l.Error, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.Tier = model.Tier(tier)
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

// rowIter is the iteration surface shared by pgx.Rows and *sql.Rows.
type rowIter interface {
	scannable
	Next() bool
	Err() error
}

func collect[T any](rows rowIter, scan func(scannable) (*T, error), what string) ([]T, error) {
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "store: scan %s", what)
		}
		out = append(out, *v)
	}
	return out, eris.Wrapf(rows.Err(), "store: iterate %s", what)
}
