package convo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSchema is the SQL DDL for the conversation_messages table on the
// embedded single-file backend.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS conversation_messages (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    character      TEXT NOT NULL,
    role           TEXT NOT NULL,
    content        TEXT NOT NULL,
    interrupted    INTEGER NOT NULL DEFAULT 0,
    generated_text TEXT NOT NULL DEFAULT '',
    created_at_ns  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_messages_character ON conversation_messages(character, created_at_ns);
`

// SQLiteStore is a [PersistentStore] backed by an embedded SQLite database
// file, used when DatabaseConfig.URL names a path rather than a
// "postgres://" DSN.
type SQLiteStore struct {
	db *sql.DB
}

var _ PersistentStore = (*SQLiteStore)(nil)

// OpenSQLiteStore opens (creating if necessary) the SQLite database file at
// path and enables WAL mode for concurrent readers. Callers must call
// Migrate before issuing queries against a fresh database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("convo: open sqlite %q: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("convo: enable wal: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Migrate executes the SQLiteSchema DDL, creating the
// conversation_messages table and its index if they do not already exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, SQLiteSchema); err != nil {
		return fmt.Errorf("convo: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append implements PersistentStore.
func (s *SQLiteStore) Append(ctx context.Context, msg Message) error {
	const q = `
		INSERT INTO conversation_messages
		    (character, role, content, interrupted, generated_text, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		msg.Character, string(msg.Role), msg.Content, msg.Interrupted, msg.GeneratedText, msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("convo: append: %w", err)
	}
	return nil
}

// LoadAll implements PersistentStore.
func (s *SQLiteStore) LoadAll(ctx context.Context, character string) ([]Message, error) {
	const q = `
		SELECT role, content, interrupted, generated_text, created_at_ns
		FROM   conversation_messages
		WHERE  character = ?
		ORDER  BY created_at_ns`

	rows, err := s.db.QueryContext(ctx, q, character)
	if err != nil {
		return nil, fmt.Errorf("convo: load all: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		var role string
		var createdAtNS int64
		if err := rows.Scan(&role, &m.Content, &m.Interrupted, &m.GeneratedText, &createdAtNS); err != nil {
			return nil, fmt.Errorf("convo: load all: scan: %w", err)
		}
		m.Character = character
		m.Role = Role(role)
		m.CreatedAt = time.Unix(0, createdAtNS)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convo: load all: %w", err)
	}
	return msgs, nil
}

// UpdateLatest implements PersistentStore: it overwrites the most recently
// created row for character.
func (s *SQLiteStore) UpdateLatest(ctx context.Context, character, content string, interrupted bool, generatedText string) error {
	const q = `
		UPDATE conversation_messages
		SET    content = ?, interrupted = ?, generated_text = ?
		WHERE  id = (
			SELECT id FROM conversation_messages
			WHERE  character = ?
			ORDER  BY created_at_ns DESC
			LIMIT  1
		)`

	res, err := s.db.ExecContext(ctx, q, content, interrupted, generatedText, character)
	if err != nil {
		return fmt.Errorf("convo: update latest: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("convo: update latest: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("convo: update latest: no entries for %q", character)
	}
	return nil
}

// Clear implements PersistentStore.
func (s *SQLiteStore) Clear(ctx context.Context, character string) error {
	const q = `DELETE FROM conversation_messages WHERE character = ?`
	if _, err := s.db.ExecContext(ctx, q, character); err != nil {
		return fmt.Errorf("convo: clear %q: %w", character, err)
	}
	return nil
}
