package sandbox

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ProvisionFunc creates and returns a new session for a conversation. The
// registry invokes it at most once per conversation while no live session
// exists, regardless of how many callers arrive concurrently.
type ProvisionFunc func(ctx context.Context) (*Session, error)

// Registry is the single source of truth for which conversations have a live
// session. Mutation happens only through GetOrCreate and Remove. Lookups for
// different conversations never contend beyond the map lock; provisioning is
// collapsed per key through a single-flight group so unrelated conversations
// provision in parallel.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	group    singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Get returns the live session for a conversation, if any.
func (r *Registry) Get(conversationID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[conversationID]
	return s, ok
}

// GetOrCreate returns the existing session for the conversation or provisions
// a new one. Concurrent callers for the same id during provisioning all wait
// on the same attempt and share its outcome. A caller whose context is
// cancelled while waiting returns its own context error. Cancelling a joined
// waiter leaves the in-flight provisioning untouched; cancelling the caller
// whose context the provisioning runs under cancels the attempt itself and
// fails every waiter with the propagated error.
func (r *Registry) GetOrCreate(ctx context.Context, conversationID string, provision ProvisionFunc) (*Session, error) {
	if s, ok := r.Get(conversationID); ok {
		return s, nil
	}

	ch := r.group.DoChan(conversationID, func() (interface{}, error) {
		// A racing caller may have finished provisioning between our map
		// check and entering the group.
		if s, ok := r.Get(conversationID); ok {
			return s, nil
		}

		s, err := provision(ctx)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.sessions[conversationID] = s
		r.mu.Unlock()
		return s, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Remove deletes the mapping for a conversation if present. It is idempotent
// and does not stop the backend environment; teardown is the caller's
// responsibility. A subsequent GetOrCreate for the same id provisions fresh.
func (r *Registry) Remove(conversationID string) {
	r.mu.Lock()
	delete(r.sessions, conversationID)
	r.mu.Unlock()

	// Drop any memoized single-flight result so the next caller does not
	// observe the removed session.
	r.group.Forget(conversationID)
}

// RemoveSession deletes the mapping for a conversation only if it still points
// at sess. A stale removal, racing a replacement that already provisioned,
// leaves the replacement in place. Reports whether the entry was removed.
func (r *Registry) RemoveSession(sess *Session) bool {
	r.mu.Lock()
	current, ok := r.sessions[sess.ConversationID]
	if !ok || current != sess {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, sess.ConversationID)
	r.mu.Unlock()

	r.group.Forget(sess.ConversationID)
	return true
}

// restore inserts a session rebuilt from persisted state. It never
// overwrites a live entry.
func (r *Registry) restore(sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sess.ConversationID]; ok {
		return false
	}
	r.sessions[sess.ConversationID] = sess
	return true
}

// Snapshot returns the conversation ids currently tracked.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Sessions returns the live sessions currently tracked.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
