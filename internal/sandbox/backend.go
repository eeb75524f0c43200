package sandbox

import (
	"context"
	"time"
)

// Runtime names for the available backends.
const (
	RuntimeDocker  = "docker"
	RuntimeSprites = "sprites"
)

// Handle is an opaque reference to a provisioned environment. It is owned by
// exactly one Session and used for all run/stop calls against the backend.
type Handle struct {
	ID      string // Backend-native identifier (container ID, sprite name)
	Runtime string
}

// CreateConfig holds the sizing and lifetime parameters for a new environment.
type CreateConfig struct {
	ConversationID string
	Image          string
	CPUs           int
	MemoryMB       int
	TTL            time.Duration
}

// CommandSpec describes one command to run inside an environment. The command
// is a program plus argument vector, no shell interpretation.
type CommandSpec struct {
	Command string
	Args    []string
	Sudo    bool
}

// RunOutput is the normalized result of a backend run call. A non-zero
// ExitCode is a valid output, not an error.
type RunOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Backend provisions isolated execution environments and runs commands in
// them. Run errors whose shape indicates a destroyed or unreachable
// environment must wrap ErrSessionGone so the executor can classify them.
type Backend interface {
	// Name returns the runtime identifier (RuntimeDocker or RuntimeSprites).
	Name() string

	// Create provisions a new environment and returns its handle.
	Create(ctx context.Context, cfg CreateConfig) (*Handle, error)

	// Run executes a command in the environment. A failing guest command
	// returns a RunOutput with the non-zero exit code and a nil error.
	Run(ctx context.Context, handle *Handle, spec CommandSpec) (*RunOutput, error)

	// HealthCheck reports whether the environment is still alive and able
	// to take commands. Used to gate re-adoption of persisted handles.
	HealthCheck(ctx context.Context, handle *Handle) error

	// Stop tears the environment down. Callers treat errors as best-effort.
	Stop(ctx context.Context, handle *Handle) error
}
