// Package sandbox implements per-conversation isolated command-execution
// environments: a registry keyed by conversation ID, a lifecycle manager
// with dead-session detection and bounded retry, a command executor, and a
// reaper for teardown.
package sandbox

import (
	"sync"
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateProvisioning means the backend environment has been requested but
	// not confirmed.
	StateProvisioning State = "provisioning"
	// StateActive means the environment is confirmed and accepting commands.
	StateActive State = "active"
	// StateDead means the backend reported an unrecoverable fault; the
	// handle is abandoned.
	StateDead State = "dead"
	// StateStopped is terminal, reached by explicit or reaper teardown.
	StateStopped State = "stopped"
)

// Session binds one conversation to one provisioned environment. State
// transitions go through the lifecycle manager; the registry owns
// insertion and removal.
type Session struct {
	ConversationID string
	Handle         *Handle
	CreatedAt      time.Time

	mu       sync.Mutex
	state    State
	lastUsed time.Time
}

// NewSession returns a session in the Active state for a confirmed handle.
func NewSession(conversationID string, handle *Handle) *Session {
	now := time.Now()
	return &Session{
		ConversationID: conversationID,
		Handle:         handle,
		CreatedAt:      now,
		state:          StateActive,
		lastUsed:       now,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState transitions the session. Dead and Stopped are terminal.
func (s *Session) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDead || s.state == StateStopped {
		return
	}
	s.state = next
}

// Touch records command activity for idle accounting.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
}

// LastUsed returns the time of the most recent command.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// IdleFor returns how long the session has gone without a command.
func (s *Session) IdleFor() time.Duration {
	return time.Since(s.LastUsed())
}
