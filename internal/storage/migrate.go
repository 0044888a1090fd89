package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"

	"github.com/jackc/pgx/v5"
)

// migrationLockID serializes migrations across hubs sharing one archive.
const migrationLockID = 0x6b616e736869 // "kanshi"

// RunMigrations applies the .sql files in migrationsFS that are not yet
// recorded in kanshi_migrations, in name order. Each file runs in its own
// transaction together with its bookkeeping row. There are no down
// migrations.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS kanshi_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("storage: create kanshi_migrations: %w", err)
	}

	names, err := fs.Glob(migrationsFS, "*.sql")
	if err != nil {
		return fmt.Errorf("storage: list migrations: %w", err)
	}
	slices.Sort(names)

	for _, name := range names {
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		if err := db.applyMigration(ctx, path.Base(name), string(content)); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) applyMigration(ctx context.Context, version, sql string) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrationLockID)); err != nil {
			return fmt.Errorf("storage: lock migrations: %w", err)
		}

		var applied bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM kanshi_migrations WHERE version = $1)`, version,
		).Scan(&applied); err != nil {
			return fmt.Errorf("storage: check migration %s: %w", version, err)
		}
		if applied {
			db.logger.Debug("storage: migration already applied", "file", version)
			return nil
		}

		db.logger.Info("storage: running migration", "file", version)
		if _, err := tx.Exec(ctx, sql); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO kanshi_migrations (version) VALUES ($1)`, version); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", version, err)
		}
		return nil
	})
}
