package convo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the conversation_messages table.
const Schema = `
CREATE TABLE IF NOT EXISTS conversation_messages (
    id             BIGSERIAL PRIMARY KEY,
    character      TEXT NOT NULL,
    role           TEXT NOT NULL,
    content        TEXT NOT NULL,
    interrupted    BOOLEAN NOT NULL DEFAULT false,
    generated_text TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_conversation_messages_character ON conversation_messages(character, created_at);
`

// PostgresStore is a [PersistentStore] backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ PersistentStore = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore using pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate executes the Schema DDL, creating the conversation_messages table
// and its index if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("convo: migrate: %w", err)
	}
	return nil
}

// Append implements PersistentStore.
func (s *PostgresStore) Append(ctx context.Context, msg Message) error {
	const q = `
		INSERT INTO conversation_messages
		    (character, role, content, interrupted, generated_text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		msg.Character, string(msg.Role), msg.Content, msg.Interrupted, msg.GeneratedText, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("convo: append: %w", err)
	}
	return nil
}

// LoadAll implements PersistentStore.
func (s *PostgresStore) LoadAll(ctx context.Context, character string) ([]Message, error) {
	const q = `
		SELECT role, content, interrupted, generated_text, created_at
		FROM   conversation_messages
		WHERE  character = $1
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, character)
	if err != nil {
		return nil, fmt.Errorf("convo: load all: %w", err)
	}
	defer rows.Close()

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		var role string
		if err := row.Scan(&role, &m.Content, &m.Interrupted, &m.GeneratedText, &m.CreatedAt); err != nil {
			return Message{}, err
		}
		m.Character = character
		m.Role = Role(role)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("convo: load all: scan: %w", err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

// UpdateLatest implements PersistentStore: it overwrites the most recently
// created row for character.
func (s *PostgresStore) UpdateLatest(ctx context.Context, character, content string, interrupted bool, generatedText string) error {
	const q = `
		UPDATE conversation_messages
		SET    content = $2, interrupted = $3, generated_text = $4
		WHERE  id = (
			SELECT id FROM conversation_messages
			WHERE  character = $1
			ORDER  BY created_at DESC
			LIMIT  1
		)`

	tag, err := s.pool.Exec(ctx, q, character, content, interrupted, generatedText)
	if err != nil {
		return fmt.Errorf("convo: update latest: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("convo: update latest: no entries for %q", character)
	}
	return nil
}

// Clear implements PersistentStore.
func (s *PostgresStore) Clear(ctx context.Context, character string) error {
	const q = `DELETE FROM conversation_messages WHERE character = $1`
	if _, err := s.pool.Exec(ctx, q, character); err != nil {
		return fmt.Errorf("convo: clear %q: %w", character, err)
	}
	return nil
}
