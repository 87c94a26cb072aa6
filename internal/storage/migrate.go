package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

// schemaTarget is the slice of a backend the migration runner needs.
type schemaTarget interface {
	execScript(ctx context.Context, script string) error
	recordMigration(ctx context.Context, version string) error
	appliedMigrations(ctx context.Context) (map[string]bool, error)
}

const createSchemaMigrations = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`

// runMigrations executes unapplied .sql files from migrationsFS in name
// order. Applied versions are tracked in schema_migrations so each file
// runs at most once. Forward-only.
func runMigrations(ctx context.Context, target schemaTarget, migrationsFS fs.FS, logger *slog.Logger) error {
	if err := target.execScript(ctx, createSchemaMigrations); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied, err := target.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		if applied[name] {
			logger.Debug("migration already applied, skipping", "file", name)
			continue
		}

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}

		logger.Info("running migration", "file", name)
		if err := target.execScript(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
		if err := target.recordMigration(ctx, name); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
	}
	return nil
}

// RunMigrations applies pending migrations to Postgres.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	return runMigrations(ctx, db, migrationsFS, db.logger)
}

func (db *DB) execScript(ctx context.Context, script string) error {
	_, err := db.pool.Exec(ctx, script)
	return err
}

func (db *DB) recordMigration(ctx context.Context, version string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, version)
	return err
}

func (db *DB) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := db.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
