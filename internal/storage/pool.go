// Package storage provides the person directory behind haigate's tools and
// persona chats.
//
// Two backends share one schema: Postgres through pgxpool for deployments,
// and an embedded SQLite file (modernc.org/sqlite, no cgo) for local
// development. Open picks one from the DSN.
package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hai-labs/haigate/internal/model"
	"github.com/hai-labs/haigate/migrations"
)

// PersonStore is the person directory. Lookups that find nothing return
// ErrNotFound.
type PersonStore interface {
	FindExact(ctx context.Context, name string) (model.Person, error)
	FindContaining(ctx context.Context, name string) (model.Person, error)
	Get(ctx context.Context, id string) (model.Person, error)
	List(ctx context.Context) ([]model.Person, error)
	Upsert(ctx context.Context, p model.Person) error
	Ping(ctx context.Context) error
	Close()
}

// Open connects to the directory named by dsn and applies pending
// migrations. A "sqlite:<path>" DSN opens a local file; anything else is a
// Postgres connection string.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (PersonStore, error) {
	var (
		store interface {
			PersonStore
			RunMigrations(ctx context.Context, migrationsFS fs.FS) error
		}
		err error
	)
	if path, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		store, err = OpenSQLite(ctx, path, logger)
	} else {
		store, err = New(ctx, dsn, logger)
	}
	if err != nil {
		return nil, err
	}
	if err := store.RunMigrations(ctx, migrations.FS); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// DB is the Postgres-backed person directory.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a DB with a connection pool. The first ping is retried while
// the server is still starting.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	err = WithRetry(ctx, connectRetries, 250*time.Millisecond, isStartupError, func() error {
		return pool.Ping(ctx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}
