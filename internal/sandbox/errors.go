package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionGone is the sentinel for a backend environment that no longer
// exists or can no longer take commands. Backends wrap it when their error
// shapes indicate a destroyed or unreachable environment; the executor keys
// its single discard-and-retry cycle off it. It never reaches callers
// directly.
var ErrSessionGone = errors.New("sandbox environment is gone")

// IsSessionGone reports whether err is classified as a dead-session failure.
func IsSessionGone(err error) bool {
	return errors.Is(err, ErrSessionGone)
}

// ProvisionError indicates environment creation failed outright. It is not
// retried; the caller sees it as-is.
type ProvisionError struct {
	ConversationID string
	Err            error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("failed to provision sandbox for conversation %s: %v", e.ConversationID, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ExecutionError indicates a backend run call failed after the retry budget
// was exhausted, or failed with an error that is not dead-session shaped.
// A non-zero guest exit code is not an ExecutionError.
type ExecutionError struct {
	ConversationID string
	Command        string
	Err            error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("command %q failed in conversation %s: %v", e.Command, e.ConversationID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError indicates provisioning or execution exceeded its configured
// bound.
type TimeoutError struct {
	Op    string
	Limit time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded %s limit: %v", e.Op, e.Limit, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }
