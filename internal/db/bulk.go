package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// BulkConfig defines the parameters for a bulk insert.
type BulkConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // columns being inserted, in row order
	ConflictKeys []string // columns forming the unique constraint
	// UpdateCols are overwritten on conflict. Empty means conflicting rows
	// are left untouched (ON CONFLICT DO NOTHING).
	UpdateCols []string
	// Returning names the column reported for each written row.
	Returning string
}

// CopyFrom bulk-inserts rows into a table using the COPY protocol.
func CopyFrom(ctx context.Context, pool Pool, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := pool.CopyFrom(ctx, identifier(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}
	return n, nil
}

// BulkInsert stages rows in a temp table with COPY and moves them into the
// target with INSERT ... ON CONFLICT, so re-delivered rows are absorbed
// instead of failing the whole batch. Returns the cfg.Returning value of each
// row written; rows absorbed by the conflict clause are not reported.
func BulkInsert(ctx context.Context, pool Pool, cfg BulkConfig, rows [][]any) ([]string, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	if cfg.Returning == "" {
		return nil, eris.New("db: bulk insert: no returning column specified")
	}
	tx, temp, err := stage(ctx, pool, cfg, rows)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	res, err := tx.Query(ctx, insertSQL(cfg, temp))
	if err != nil {
		return nil, eris.Wrapf(err, "db: bulk insert: INSERT ON CONFLICT for %s", cfg.Table)
	}
	ids, err := pgx.CollectRows(res, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrapf(err, "db: bulk insert: read %s", cfg.Returning)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "db: bulk insert: commit tx")
	}
	return ids, nil
}

// stage validates cfg, opens a transaction and COPYs rows into a temp table
// shaped like the target. The caller owns the returned transaction.
func stage(ctx context.Context, pool Pool, cfg BulkConfig, rows [][]any) (pgx.Tx, string, error) {
	if len(cfg.Columns) == 0 {
		return nil, "", eris.New("db: bulk insert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return nil, "", eris.New("db: bulk insert: no conflict keys specified")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, "", eris.Wrap(err, "db: bulk insert: begin tx")
	}

	temp := tempTableName(cfg.Table)
	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{temp}.Sanitize(), identifier(cfg.Table).Sanitize(),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		tx.Rollback(ctx) //nolint:errcheck
		return nil, "", eris.Wrapf(err, "db: bulk insert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{temp}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		tx.Rollback(ctx) //nolint:errcheck
		return nil, "", eris.Wrapf(err, "db: bulk insert: COPY into temp table for %s", cfg.Table)
	}
	return tx, temp, nil
}

func insertSQL(cfg BulkConfig, temp string) string {
	cols := quoteAndJoin(cfg.Columns)
	action := "DO NOTHING"
	if len(cfg.UpdateCols) > 0 {
		sets := make([]string, len(cfg.UpdateCols))
		for i, c := range cfg.UpdateCols {
			q := pgx.Identifier{c}.Sanitize()
			sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
		}
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	if cfg.Returning != "" {
		action += " RETURNING " + pgx.Identifier{cfg.Returning}.Sanitize()
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		identifier(cfg.Table).Sanitize(), cols, cols,
		pgx.Identifier{temp}.Sanitize(), quoteAndJoin(cfg.ConflictKeys), action,
	)
}

func tempTableName(table string) string {
	return "_tmp_bulk_" + strings.ReplaceAll(table, ".", "_")
}

// identifier splits schema-qualified names like "intake.raw_records".
func identifier(table string) pgx.Identifier {
	parts := strings.SplitN(table, ".", 2)
	return pgx.Identifier(parts)
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
