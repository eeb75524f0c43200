package sandbox

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists session mappings in a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral store in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close store after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize session store schema: %w", err)
	}
	return store, nil
}

// initSchema creates the sessions table if it does not exist.
func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sandbox_sessions (
			conversation_id TEXT PRIMARY KEY,
			handle_id       TEXT NOT NULL,
			runtime         TEXT NOT NULL,
			created_at      TIMESTAMP NOT NULL
		)`)
	return err
}

// Put inserts or replaces the mapping for a conversation.
func (s *SQLiteStore) Put(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sandbox_sessions (conversation_id, handle_id, runtime, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			handle_id = excluded.handle_id,
			runtime = excluded.runtime,
			created_at = excluded.created_at`,
		rec.ConversationID, rec.HandleID, rec.Runtime, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to persist session mapping: %w", err)
	}
	return nil
}

// Delete removes the mapping for a conversation. Deleting a missing row is
// not an error.
func (s *SQLiteStore) Delete(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sandbox_sessions WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to delete session mapping: %w", err)
	}
	return nil
}

// List returns all persisted session mappings.
func (s *SQLiteStore) List(ctx context.Context) ([]SessionRecord, error) {
	var recs []SessionRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT conversation_id, handle_id, runtime, created_at FROM sandbox_sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list session mappings: %w", err)
	}
	return recs, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
