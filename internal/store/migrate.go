package store

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// applyMigrations runs every pending goose migration under dir.
func applyMigrations(ctx context.Context, dialect goose.Dialect, sqlDB *sql.DB, dir string) error {
	fsys, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return eris.Wrapf(err, "store: open migrations %s", dir)
	}
	provider, err := goose.NewProvider(dialect, sqlDB, fsys)
	if err != nil {
		return eris.Wrap(err, "store: create migration provider")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return eris.Wrap(err, "store: apply migrations")
	}
	for _, r := range results {
		zap.L().Info("store: applied migration",
			zap.String("dialect", string(dialect)),
			zap.Int64("version", r.Source.Version),
			zap.Duration("took", r.Duration),
		)
	}
	return nil
}
