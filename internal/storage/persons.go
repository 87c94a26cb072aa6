package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hai-labs/haigate/internal/model"
)

const personColumns = `prompt_id, name, era, summary, ex_question, greeting_message, year, latitude, longitude`

// selectColumns tolerates NULL text columns in directories provisioned
// outside the embedded migration.
const selectColumns = `prompt_id, name, COALESCE(era, ''), COALESCE(summary, ''), COALESCE(ex_question, ''),
	COALESCE(greeting_message, ''), year, latitude, longitude`

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPerson(row rowScanner) (model.Person, error) {
	var p model.Person
	err := row.Scan(&p.ID, &p.Name, &p.Era, &p.Summary, &p.ExampleQuestion, &p.Greeting,
		&p.Year, &p.Latitude, &p.Longitude)
	return p, err
}

// escapeLike escapes LIKE metacharacters so a name matches literally. The
// queries declare backslash as the escape character.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// FindExact returns the person whose name equals name.
func (db *DB) FindExact(ctx context.Context, name string) (model.Person, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM ai_person WHERE name = $1 ORDER BY prompt_id LIMIT 1`, name)
	return db.one(row, "find exact")
}

// FindContaining returns the person with the shortest name containing name,
// case-insensitively.
func (db *DB) FindContaining(ctx context.Context, name string) (model.Person, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM ai_person
		 WHERE name ILIKE '%' || $1 || '%' ESCAPE '\'
		 ORDER BY length(name), name LIMIT 1`, escapeLike(name))
	return db.one(row, "find containing")
}

// Get returns the person with the given id.
func (db *DB) Get(ctx context.Context, id string) (model.Person, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM ai_person WHERE prompt_id = $1`, id)
	return db.one(row, "get")
}

func (db *DB) one(row pgx.Row, op string) (model.Person, error) {
	p, err := scanPerson(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Person{}, ErrNotFound
	}
	if err != nil {
		return model.Person{}, fmt.Errorf("storage: %s person: %w", op, err)
	}
	return p, nil
}

// List returns every person ordered by name.
func (db *DB) List(ctx context.Context) ([]model.Person, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+selectColumns+` FROM ai_person ORDER BY name, prompt_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list persons: %w", err)
	}
	defer rows.Close()

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

const upsertPerson = ` (` + personColumns + `)
	VALUES (%s)
	ON CONFLICT (prompt_id) DO UPDATE SET
		name = excluded.name,
		era = excluded.era,
		summary = excluded.summary,
		ex_question = excluded.ex_question,
		greeting_message = excluded.greeting_message,
		year = excluded.year,
		latitude = excluded.latitude,
		longitude = excluded.longitude`

func personArgs(p model.Person) []any {
	return []any{p.ID, p.Name, p.Era, p.Summary, p.ExampleQuestion, p.Greeting, p.Year, p.Latitude, p.Longitude}
}

// Upsert inserts p or replaces the stored row with the same id.
func (db *DB) Upsert(ctx context.Context, p model.Person) error {
	if p.ID == "" || p.Name == "" {
		return fmt.Errorf("storage: upsert person: id and name are required")
	}
	query := `INSERT INTO ai_person` + fmt.Sprintf(upsertPerson, "$1, $2, $3, $4, $5, $6, $7, $8, $9")
	err := WithRetry(ctx, 3, 10*time.Millisecond, isConflict, func() error {
		_, err := db.pool.Exec(ctx, query, personArgs(p)...)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: upsert person %s: %w", p.ID, err)
	}
	return nil
}
