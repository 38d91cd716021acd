package character

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the characters table.
const Schema = `
CREATE TABLE IF NOT EXISTS characters (
    name              TEXT PRIMARY KEY,
    color             TEXT NOT NULL DEFAULT '',
    icon              TEXT NOT NULL DEFAULT '',
    description       TEXT NOT NULL DEFAULT '',
    text_style        JSONB NOT NULL DEFAULT '{}',
    provider          TEXT NOT NULL DEFAULT '',
    provider_settings JSONB NOT NULL DEFAULT '{}',
    ai_settings       JSONB NOT NULL DEFAULT '{}',
    live_chat_policy  JSONB NOT NULL DEFAULT '{}',
    memory_policy     JSONB NOT NULL DEFAULT '{}',
    last_modified     TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_modified_ns  BIGINT NOT NULL DEFAULT 0
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL, serializing the
// structured sub-fields (text style, settings, policies) as JSONB.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore using the given connection or
// pool. Callers must call Migrate before issuing queries against a fresh
// database.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the Schema DDL, creating the characters table if it does
// not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("character: migrate: %w", err)
	}
	return nil
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, c *Character) error {
	ts, ps, ai, lc, mp, err := marshalFields(c)
	if err != nil {
		return err
	}

	now := time.Now()

	const query = `
		INSERT INTO characters (
			name, color, icon, description,
			text_style, provider, provider_settings, ai_settings,
			live_chat_policy, memory_policy, last_modified, last_modified_ns
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	_, err = s.db.Exec(ctx, query,
		c.Name, c.Color, c.Icon, c.Description,
		ts, c.Provider, ps, ai, lc, mp, now, now.UnixNano(),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("character: create: %w", err)
	}
	c.LastModified = now
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, name string) (*Character, error) {
	const query = `
		SELECT name, color, icon, description,
		       text_style, provider, provider_settings, ai_settings,
		       live_chat_policy, memory_policy, last_modified
		FROM characters
		WHERE name = $1`

	c := &Character{}
	var ts, ps, ai, lc, mp []byte

	err := s.db.QueryRow(ctx, query, name).Scan(
		&c.Name, &c.Color, &c.Icon, &c.Description,
		&ts, &c.Provider, &ps, &ai, &lc, &mp, &c.LastModified,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("character: get %q: %w", name, err)
	}
	if err := unmarshalFields(c, ts, ps, ai, lc, mp); err != nil {
		return nil, err
	}
	return c, nil
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, c *Character, expectedUpdatedAt int64) error {
	ts, ps, ai, lc, mp, err := marshalFields(c)
	if err != nil {
		return err
	}

	now := time.Now()

	const query = `
		UPDATE characters SET
			color = $2, icon = $3, description = $4,
			text_style = $5, provider = $6, provider_settings = $7,
			ai_settings = $8, live_chat_policy = $9, memory_policy = $10,
			last_modified = $11, last_modified_ns = $12
		WHERE name = $1
		  AND ($13 = 0 OR last_modified_ns = $13)
		RETURNING last_modified`

	var returned time.Time
	err = s.db.QueryRow(ctx, query,
		c.Name, c.Color, c.Icon, c.Description,
		ts, c.Provider, ps, ai, lc, mp, now, now.UnixNano(), expectedUpdatedAt,
	).Scan(&returned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := s.Get(ctx, c.Name); getErr != nil {
				return ErrNotFound
			}
			return &ErrConflict{Name: c.Name}
		}
		return fmt.Errorf("character: update: %w", err)
	}
	c.LastModified = now
	return nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	const query = `DELETE FROM characters WHERE name = $1`
	if _, err := s.db.Exec(ctx, query, name); err != nil {
		return fmt.Errorf("character: delete %q: %w", name, err)
	}
	return nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]Character, error) {
	const query = `
		SELECT name, color, icon, description,
		       text_style, provider, provider_settings, ai_settings,
		       live_chat_policy, memory_policy, last_modified
		FROM characters
		ORDER BY name`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("character: list: %w", err)
	}
	defer rows.Close()

	var out []Character
	for rows.Next() {
		var c Character
		var ts, ps, ai, lc, mp []byte
		if err := rows.Scan(
			&c.Name, &c.Color, &c.Icon, &c.Description,
			&ts, &c.Provider, &ps, &ai, &lc, &mp, &c.LastModified,
		); err != nil {
			return nil, fmt.Errorf("character: list scan: %w", err)
		}
		if err := unmarshalFields(&c, ts, ps, ai, lc, mp); err != nil {
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
func (s *PostgresStore) Exists(ctx context.Context, name string) bool {
	const query = `SELECT 1 FROM characters WHERE name = $1`
	var dummy int
	err := s.db.QueryRow(ctx, query, name).Scan(&dummy)
	return err == nil
}

func marshalFields(c *Character) (ts, ps, ai, lc, mp []byte, err error) {
	if ts, err = json.Marshal(c.TextStyle); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("character: marshal text_style: %w", err)
	}
	if ps, err = json.Marshal(emptyMap(c.ProviderSettings)); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("character: marshal provider_settings: %w", err)
	}
	if ai, err = json.Marshal(c.AI); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("character: marshal ai_settings: %w", err)
	}
	if lc, err = json.Marshal(c.LiveChat); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("character: marshal live_chat_policy: %w", err)
	}
	if mp, err = json.Marshal(c.Memory); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("character: marshal memory_policy: %w", err)
	}
	return ts, ps, ai, lc, mp, nil
}

func unmarshalFields(c *Character, ts, ps, ai, lc, mp []byte) error {
	if err := json.Unmarshal(ts, &c.TextStyle); err != nil {
		return fmt.Errorf("character: unmarshal text_style: %w", err)
	}
	if err := json.Unmarshal(ps, &c.ProviderSettings); err != nil {
		return fmt.Errorf("character: unmarshal provider_settings: %w", err)
	}
	if err := json.Unmarshal(ai, &c.AI); err != nil {
		return fmt.Errorf("character: unmarshal ai_settings: %w", err)
	}
	if err := json.Unmarshal(lc, &c.LiveChat); err != nil {
		return fmt.Errorf("character: unmarshal live_chat_policy: %w", err)
	}
	if err := json.Unmarshal(mp, &c.Memory); err != nil {
		return fmt.Errorf("character: unmarshal memory_policy: %w", err)
	}
	return nil
}

func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique
// violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
