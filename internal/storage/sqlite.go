package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/hai-labs/haigate/internal/model"
)

// SQLiteDB is the file-backed person directory used for local development.
type SQLiteDB struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteDB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// One shared connection avoids writer lock contention inside the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: sqlite %s: %w", pragma, err)
		}
	}
	return &SQLiteDB{db: db, logger: logger}, nil
}

// RunMigrations applies pending migrations to the SQLite file.
func (s *SQLiteDB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	return runMigrations(ctx, s, migrationsFS, s.logger)
}

func (s *SQLiteDB) execScript(ctx context.Context, script string) error {
	_, err := s.db.ExecContext(ctx, script)
	return err
}

func (s *SQLiteDB) recordMigration(ctx context.Context, version string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schema_migrations (version) VALUES (?) ON CONFLICT DO NOTHING`, version)
	return err
}

func (s *SQLiteDB) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

// FindExact returns the person whose name equals name.
func (s *SQLiteDB) FindExact(ctx context.Context, name string) (model.Person, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM ai_person WHERE name = ? ORDER BY prompt_id LIMIT 1`, name)
	return s.one(row, "find exact")
}

// FindContaining returns the person with the shortest name containing name.
// SQLite's LIKE folds ASCII case only.
func (s *SQLiteDB) FindContaining(ctx context.Context, name string) (model.Person, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM ai_person
		 WHERE name LIKE '%' || ? || '%' ESCAPE '\'
		 ORDER BY length(name), name LIMIT 1`, escapeLike(name))
	return s.one(row, "find containing")
}

// Get returns the person with the given id.
func (s *SQLiteDB) Get(ctx context.Context, id string) (model.Person, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM ai_person WHERE prompt_id = ?`, id)
	return s.one(row, "get")
}

func (s *SQLiteDB) one(row *sql.Row, op string) (model.Person, error) {
	p, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Person{}, ErrNotFound
	}
	if err != nil {
		return model.Person{}, fmt.Errorf("storage: %s person: %w", op, err)
	}
	return p, nil
}

// List returns every person ordered by name.
func (s *SQLiteDB) List(ctx context.Context) ([]model.Person, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM ai_person ORDER BY name, prompt_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list persons: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan person: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Upsert inserts p or replaces the stored row with the same id.
func (s *SQLiteDB) Upsert(ctx context.Context, p model.Person) error {
	if p.ID == "" || p.Name == "" {
		return fmt.Errorf("storage: upsert person: id and name are required")
	}
	query := `INSERT INTO ai_person` + fmt.Sprintf(upsertPerson, "?, ?, ?, ?, ?, ?, ?, ?, ?")
	if _, err := s.db.ExecContext(ctx, query, personArgs(p)...); err != nil {
		return fmt.Errorf("storage: upsert person %s: %w", p.ID, err)
	}
	return nil
}

// Ping checks that the database file is usable.
func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteDB) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("storage: close sqlite", "error", err)
	}
}
