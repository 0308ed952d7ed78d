package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-vault/internal/model"
)

// query accumulates WHERE conditions and their arguments for one dialect.
// Postgres gets numbered placeholders and array binds, SQLite gets "?" and
// expanded IN lists.
type query struct {
	postgres bool
	conds    []string
	args     []any
}

func newQuery(postgres bool) *query {
	return &query{postgres: postgres}
}

// arg binds v and returns its placeholder.
func (q *query) arg(v any) string {
	q.args = append(q.args, v)
	if q.postgres {
		return fmt.Sprintf("$%d", len(q.args))
	}
	return "?"
}

// where adds a condition; each %s in cond is replaced by the placeholder of
// the matching value.
func (q *query) where(cond string, vals ...any) {
	ph := make([]any, len(vals))
	for i, v := range vals {
		ph[i] = q.arg(v)
	}
	q.conds = append(q.conds, fmt.Sprintf(cond, ph...))
}

// in adds "col IN (...)" for a non-empty value list.
func (q *query) in(col string, vals []string) {
	if len(vals) == 0 {
		return
	}
	if q.postgres {
		q.conds = append(q.conds, fmt.Sprintf("%s = ANY(%s)", col, q.arg(vals)))
		return
	}
	ph := make([]string, len(vals))
	for i, v := range vals {
		ph[i] = q.arg(v)
	}
	q.conds = append(q.conds, fmt.Sprintf("%s IN (%s)", col, strings.Join(ph, ", ")))
}

func (q *query) clause() string {
	if len(q.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conds, " AND ")
}

// limit appends a LIMIT (and OFFSET when positive) to sql.
func (q *query) limit(sql string, limit, offset int) string {
	sql += " LIMIT " + q.arg(limit)
	if offset > 0 {
		sql += " OFFSET " + q.arg(offset)
	}
	return sql
}

func rawQuery(postgres bool, f RawFilter) (*query, string) {
	q := newQuery(postgres)
	q.in("id", f.IDs)
	q.in("processing_status", statusStrings(f.Statuses))
	if f.SessionID != "" {
		q.where("session_id = %s", f.SessionID)
	}
	if f.SourceID != "" {
		q.where("source_id = %s", f.SourceID)
	}
	if f.ScrapedFrom != nil {
		q.where("scraped_at >= %s", f.ScrapedFrom.UTC())
	}
	if f.ScrapedBefore != nil {
		q.where("scraped_at < %s", f.ScrapedBefore.UTC())
	}
	if f.MinScore != nil {
		q.where("quality_score >= %s", *f.MinScore)
	}
	if f.Unmigrated {
		q.conds = append(q.conds, "migrated_at IS NULL")
	}

	order := " ORDER BY scraped_at ASC, id ASC"
	if f.Order == OrderQualityDesc {
		order = " ORDER BY quality_score DESC, scraped_at ASC, id ASC"
	}
	return q, q.limit(rawColumns+q.clause()+order, limitOr(f.Limit, defaultListLimit), 0)
}

func structuredQuery(postgres bool, f StructuredFilter) (*query, string) {
	q := newQuery(postgres)
	if f.SourceID != "" {
		q.where("source_id = %s", f.SourceID)
	}
	if f.MinScore != nil {
		q.where("data_quality_score >= %s", *f.MinScore)
	}
	if f.MaxScore != nil {
		q.where("data_quality_score <= %s", *f.MaxScore)
	}
	sql := structuredColumns + q.clause() + " ORDER BY data_quality_score DESC, program_id ASC"
	return q, q.limit(sql, limitOr(f.Limit, defaultListLimit), f.Offset)
}

func sessionQuery(postgres bool, f SessionFilter) (*query, string) {
	q := newQuery(postgres)
	if f.SourceID != "" {
		q.where("source_id = %s", f.SourceID)
	}
	if f.Kind != "" {
		q.where("kind = %s", string(f.Kind))
	}
	statuses := make([]string, len(f.Statuses))
	for i, s := range f.Statuses {
		statuses[i] = string(s)
	}
	q.in("status", statuses)
	if f.StartedAfter != nil {
		q.where("started_at >= %s", f.StartedAfter.UTC())
	}
	if f.StartedBefore != nil {
		q.where("started_at < %s", f.StartedBefore.UTC())
	}
	sql := sessionColumns + q.clause() + " ORDER BY started_at DESC, id ASC"
	return q, q.limit(sql, limitOr(f.Limit, defaultListLimit), 0)
}

func recoveryQuery(postgres bool, f RecoveryFilter) (*query, string) {
	q := newQuery(postgres)
	if f.Status != "" {
		q.where("status = %s", string(f.Status))
	}
	if f.Scope != "" {
		q.where("scope = %s", string(f.Scope))
	}
	sql := recoveryColumns + q.clause() + " ORDER BY started_at DESC, operation_id ASC"
	return q, q.limit(sql, limitOr(f.Limit, defaultListLimit), 0)
}

func backupQuery(postgres bool, f BackupFilter) (*query, string) {
	q := newQuery(postgres)
	if f.SourceID != "" {
		q.where("source_id = %s", f.SourceID)
	}
	if f.SessionID != "" {
		q.where("session_id = %s", f.SessionID)
	}
	q.in("raw_record_id", f.RawRecordIDs)
	if f.CreatedFrom != nil {
		q.where("created_at >= %s", f.CreatedFrom.UTC())
	}
	if f.CreatedTo != nil {
		q.where("created_at < %s", f.CreatedTo.UTC())
	}
	statuses := make([]string, len(f.Statuses))
	for i, s := range f.Statuses {
		statuses[i] = string(s)
	}
	q.in("status", statuses)
	sql := backupIndexColumns + q.clause() + " ORDER BY created_at ASC, backup_id ASC"
	return q, q.limit(sql, limitOr(f.Limit, 1000), 0)
}

const (
	rawColumns = `SELECT id, source_id, session_id, payload, scraped_at, processing_status,
		quality_score, validation_errors, migrated_at, payload_pruned, content_hash FROM raw_records`

	structuredColumns = `SELECT program_id, source_id, source_kind, title, agency, description, url,
		category, region, target_audience, application_start, application_end, support_details,
		contact_info, original_raw_id, data_quality_score, validation_errors, verification_status,
		created_at, updated_at FROM structured_records`

	sessionColumns = `SELECT id, source_id, kind, status, started_at, completed_at, items_found,
		items_processed, items_migrated, items_failed, error_details FROM scraping_sessions`

	recoveryColumns = `SELECT operation_id, trigger_type, scope, target, started_at, completed_at, status,
		records_recovered, records_failed, verification_passed, verification_details FROM recovery_operations`

	backupIndexColumns = `SELECT backup_id, source_id, metadata, created_at, expires_at, status, checksum FROM backups`

	backupColumns = `SELECT backup_id, source_id, data, metadata, created_at, expires_at, status, checksum FROM backups`

	locationColumns = `SELECT backup_id, tier, locator, status, error, updated_at FROM backup_locations`
)

func statusStrings(ss []model.ProcessingStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func marshalJSON(v any, what string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrapf(err, "store: marshal %s", what)
	}
	return b, nil
}

func unmarshalJSON(data []byte, v any, what string) error {
	if len(data) == 0 {
		return nil
	}
	return eris.Wrapf(json.Unmarshal(data, v), "store: unmarshal %s", what)
}

// errorsJSON encodes validation errors, never as null.
func errorsJSON(errs []string) ([]byte, error) {
	if errs == nil {
		errs = []string{}
	}
	return marshalJSON(errs, "validation errors")
}

// indexKeys lifts the lookup keys of the backup index out of metadata.
func indexKeys(b *model.BackupRecord) (sessionID, rawID string) {
	return b.MetaString(model.MetaSessionID), b.MetaString(model.MetaRawRecordID)
}

// nullableJSON encodes m, or returns nil so the column is stored as NULL.
func nullableJSON(m map[string]any, what string) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := marshalJSON(m, what)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func recoveryJSON(op *model.RecoveryOperation) (target string, details any, err error) {
	t, err := marshalJSON(op.Target, "recovery target")
	if err != nil {
		return "", nil, err
	}
	details, err = nullableJSON(op.VerificationDetails, "verification details")
	if err != nil {
		return "", nil, err
	}
	return string(t), details, nil
}

// structuredArgs returns the 19 insert arguments of a structured record.
func structuredArgs(rec *model.StructuredRecord, now time.Time) ([]any, error) {
	support, err := marshalJSON(rec.Support, "support details")
	if err != nil {
		return nil, err
	}
	contact, err := marshalJSON(rec.Contact, "contact info")
	if err != nil {
		return nil, err
	}
	errs, err := errorsJSON(rec.ValidationErrors)
	if err != nil {
		return nil, err
	}
	verify := rec.VerificationStatus
	if verify == "" {
		verify = model.VerificationUnverified
	}
	return []any{
		rec.ProgramID, rec.SourceID, string(rec.SourceKind), rec.Title, rec.Agency, rec.Description,
		rec.URL, rec.Category, rec.Region, rec.TargetAudience, utcPtr(rec.ApplicationStart),
		utcPtr(rec.ApplicationEnd), string(support), string(contact), rec.OriginalRawID,
		rec.DataQualityScore, string(errs), string(verify), now,
	}, nil
}

func locationTime(loc model.BackupLocation) time.Time {
	if loc.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return loc.UpdatedAt.UTC()
}
