package store

import (
	"context"
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"github.com/ILLUVRSE/promptledger/internal/apperrors"
	"github.com/ILLUVRSE/promptledger/internal/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version VARCHAR(64) PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

// Migrate applies every embedded migration that is not yet recorded in schema_migrations.
// Each file runs in its own transaction.
func Migrate(ctx context.Context, db *sql.DB, log *logger.Logger) error {
	log = logger.OrNop(log)
	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		return apperrors.Wrap(err, "create schema_migrations")
	}

	files, err := migrationFiles()
	if err != nil {
		return err
	}

	for _, filename := range files {
		version := strings.SplitN(filename, "_", 2)[0]

		var applied bool
		if err := db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version).Scan(&applied); err != nil {
			return apperrors.Wrapf(err, "check migration %s", filename)
		}
		if applied {
			log.Debug("skipping applied migration", "migration", filename)
			continue
		}

		body, err := migrations.ReadFile(path.Join("migrations", filename))
		if err != nil {
			return apperrors.Wrapf(err, "read %s", filename)
		}
		log.Info("applying migration", "migration", filename)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return apperrors.Wrapf(err, "begin tx for %s", filename)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			tx.Rollback()
			return apperrors.Wrapf(err, "execute %s", filename)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return apperrors.Wrapf(err, "record %s", filename)
		}
		if err := tx.Commit(); err != nil {
			return apperrors.Wrapf(err, "commit %s", filename)
		}
	}
	log.Info("migrations complete", "total", len(files))
	return nil
}

func migrationFiles() ([]string, error) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return nil, apperrors.Wrap(err, "read migrations")
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}
