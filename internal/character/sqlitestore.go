package character

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSchema is the SQL DDL for the characters table on the embedded
// single-file backend.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS characters (
    name              TEXT PRIMARY KEY,
    color             TEXT NOT NULL DEFAULT '',
    icon              TEXT NOT NULL DEFAULT '',
    description       TEXT NOT NULL DEFAULT '',
    text_style        TEXT NOT NULL DEFAULT '{}',
    provider          TEXT NOT NULL DEFAULT '',
    provider_settings TEXT NOT NULL DEFAULT '{}',
    ai_settings       TEXT NOT NULL DEFAULT '{}',
    live_chat_policy  TEXT NOT NULL DEFAULT '{}',
    memory_policy     TEXT NOT NULL DEFAULT '{}',
    last_modified_ns  BIGINT NOT NULL DEFAULT 0
);
`

// SQLiteStore is a [Store] backed by an embedded SQLite database file, used
// when DatabaseConfig.URL names a path rather than a "postgres://" DSN. It
// mirrors PostgresStore's column layout, with the JSONB columns stored as
// plain TEXT.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens (creating if necessary) the SQLite database file at
// path and enables WAL mode for concurrent readers. Callers must call
// Migrate before issuing queries against a fresh database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("character: open sqlite %q: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("character: enable wal: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Migrate executes the SQLiteSchema DDL, creating the characters table if
// it does not already exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, SQLiteSchema); err != nil {
		return fmt.Errorf("character: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, c *Character) error {
	ts, ps, ai, lc, mp, err := marshalFields(c)
	if err != nil {
		return err
	}

	now := time.Now()

	const query = `
		INSERT INTO characters (
			name, color, icon, description,
			text_style, provider, provider_settings, ai_settings,
			live_chat_policy, memory_policy, last_modified_ns
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)`

	_, err = s.db.ExecContext(ctx, query,
		c.Name, c.Color, c.Icon, c.Description,
		ts, c.Provider, ps, ai, lc, mp, now.UnixNano(),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("character: create: %w", err)
	}
	c.LastModified = now
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, name string) (*Character, error) {
	const query = `
		SELECT name, color, icon, description,
		       text_style, provider, provider_settings, ai_settings,
		       live_chat_policy, memory_policy, last_modified_ns
		FROM characters
		WHERE name = ?`

	c := &Character{}
	var ts, ps, ai, lc, mp string
	var lastModifiedNS int64

	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&c.Name, &c.Color, &c.Icon, &c.Description,
		&ts, &c.Provider, &ps, &ai, &lc, &mp, &lastModifiedNS,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("character: get %q: %w", name, err)
	}
	c.LastModified = time.Unix(0, lastModifiedNS)
	if err := unmarshalFields(c, []byte(ts), []byte(ps), []byte(ai), []byte(lc), []byte(mp)); err != nil {
		return nil, err
	}
	return c, nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, c *Character, expectedUpdatedAt int64) error {
	ts, ps, ai, lc, mp, err := marshalFields(c)
	if err != nil {
		return err
	}

	now := time.Now()

	const query = `
		UPDATE characters SET
			color = ?, icon = ?, description = ?,
			text_style = ?, provider = ?, provider_settings = ?,
			ai_settings = ?, live_chat_policy = ?, memory_policy = ?,
			last_modified_ns = ?
		WHERE name = ?
		  AND (? = 0 OR last_modified_ns = ?)`

	res, err := s.db.ExecContext(ctx, query,
		c.Color, c.Icon, c.Description,
		ts, c.Provider, ps, ai, lc, mp, now.UnixNano(),
		c.Name, expectedUpdatedAt, expectedUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("character: update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("character: update: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, c.Name); getErr != nil {
			return ErrNotFound
		}
		return &ErrConflict{Name: c.Name}
	}
	c.LastModified = now
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	const query = `DELETE FROM characters WHERE name = ?`
	if _, err := s.db.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("character: delete %q: %w", name, err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]Character, error) {
	const query = `
		SELECT name, color, icon, description,
		       text_style, provider, provider_settings, ai_settings,
		       live_chat_policy, memory_policy, last_modified_ns
		FROM characters
		ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("character: list: %w", err)
	}
	defer rows.Close()

	var out []Character
	for rows.Next() {
		var c Character
		var ts, ps, ai, lc, mp string
		var lastModifiedNS int64
		if err := rows.Scan(
			&c.Name, &c.Color, &c.Icon, &c.Description,
			&ts, &c.Provider, &ps, &ai, &lc, &mp, &lastModifiedNS,
		); err != nil {
			return nil, fmt.Errorf("character: list scan: %w", err)
		}
		c.LastModified = time.Unix(0, lastModifiedNS)
		if err := unmarshalFields(&c, []byte(ts), []byte(ps), []byte(ai), []byte(lc), []byte(mp)); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("character: list: %w", err)
	}
	return out, nil
}

// Exists implements Store.
func (s *SQLiteStore) Exists(ctx context.Context, name string) bool {
	const query = `SELECT 1 FROM characters WHERE name = ?`
	var dummy int
	err := s.db.QueryRowContext(ctx, query, name).Scan(&dummy)
	return err == nil
}

// isSQLiteUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure, matched by message substring since modernc.org/sqlite doesn't
// expose a typed error with a stable code field for this across versions.
func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
