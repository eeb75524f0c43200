package sandbox

import (
	"context"
	"time"
)

// SessionRecord is the durable form of a session mapping: conversation id to
// backend handle. The registry stays the in-process cache in front of it.
type SessionRecord struct {
	ConversationID string    `db:"conversation_id"`
	HandleID       string    `db:"handle_id"`
	Runtime        string    `db:"runtime"`
	CreatedAt      time.Time `db:"created_at"`
}

// Store persists session mappings across process restarts so stateless
// request handlers can share them. Implementations must tolerate concurrent
// use.
type Store interface {
	Put(ctx context.Context, rec SessionRecord) error
	Delete(ctx context.Context, conversationID string) error
	List(ctx context.Context) ([]SessionRecord, error)
	Close() error
}
