package sandbox

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/relaybot/relay/internal/common/config"
	"github.com/relaybot/relay/internal/common/logger"
	"github.com/relaybot/relay/internal/common/tracing"
	"github.com/relaybot/relay/internal/events"
	"github.com/relaybot/relay/internal/events/bus"
)

// DefaultConversationID is used when a caller omits the conversation id.
const DefaultConversationID = "default"

// Request is one command invocation from the calling agent.
type Request struct {
	ConversationID string   `json:"conversationId"`
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	Sudo           bool     `json:"sudo"`
	WorkingDir     string   `json:"workingDirectory"`
}

// Result is the normalized outcome of a command. Success is false when the
// guest command exited non-zero; that is a valid result, not an error.
type Result struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exitCode"`
	Command  string `json:"command"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Executor is the public entry point for running commands in per-conversation
// sandboxes. Requests for different conversations run fully in parallel; the
// only serialization is around session creation, inside the registry.
type Executor struct {
	manager *Manager
	cfg     config.SandboxConfig
	bus     bus.EventBus // optional
	logger  *logger.Logger
}

// NewExecutor creates a command executor. eventBus may be nil.
func NewExecutor(manager *Manager, cfg config.SandboxConfig, eventBus bus.EventBus, log *logger.Logger) *Executor {
	return &Executor{
		manager: manager,
		cfg:     cfg,
		bus:     eventBus,
		logger:  log,
	}
}

// Run resolves or creates the conversation's session, executes the command,
// and returns a normalized result. A run failure classified as dead-session
// triggers exactly one transparent discard, re-provision, and replay; any
// failure after that surfaces to the caller. At most two backend create
// calls can occur for one logical command.
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	if req.ConversationID == "" {
		req.ConversationID = DefaultConversationID
	}

	spec, resolved := resolveCommand(req)

	tracer := tracing.Tracer("sandbox-executor")
	ctx, span := tracer.Start(ctx, "sandbox.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("command", resolved),
	)

	log := e.logger.WithConversationID(req.ConversationID)
	log.Debug("executing command", zap.String("command", resolved))

	sess, err := e.manager.EnsureSession(ctx, req.ConversationID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out, runErr := e.runOnce(ctx, sess, spec)
	if runErr != nil && IsSessionGone(runErr) {
		log.Warn("sandbox classified dead, re-provisioning once",
			zap.String("handle_id", sess.Handle.ID),
			zap.Error(runErr))

		e.manager.Discard(ctx, sess)

		sess, err = e.manager.EnsureSession(ctx, req.ConversationID)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out, runErr = e.runOnce(ctx, sess, spec)
	}

	if runErr != nil {
		if IsSessionGone(runErr) {
			// Replay hit another dead environment. The retry budget is
			// spent; drop the session so the next command starts fresh.
			e.manager.Discard(ctx, sess)
		}
		var timeoutErr *TimeoutError
		if errors.As(runErr, &timeoutErr) {
			span.SetStatus(codes.Error, runErr.Error())
			return nil, runErr
		}
		span.SetStatus(codes.Error, runErr.Error())
		return nil, &ExecutionError{
			ConversationID: req.ConversationID,
			Command:        resolved,
			Err:            runErr,
		}
	}

	sess.Touch()

	result := &Result{
		Success:  out.ExitCode == 0,
		ExitCode: out.ExitCode,
		Command:  resolved,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
	}

	span.SetAttributes(attribute.Int("exit_code", out.ExitCode))
	log.Debug("command finished",
		zap.Int("exit_code", out.ExitCode),
		zap.Bool("success", result.Success))

	e.publishExecuted(ctx, req.ConversationID, resolved, result)
	return result, nil
}

// runOnce executes the command against one session under the configured
// command timeout.
func (e *Executor) runOnce(ctx context.Context, sess *Session, spec CommandSpec) (*RunOutput, error) {
	limit := e.cfg.CommandTimeoutDuration()
	runCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	out, err := e.manager.backend.Run(runCtx, sess.Handle, spec)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && runCtx.Err() != nil && ctx.Err() == nil {
			return nil, &TimeoutError{Op: "command execution", Limit: limit, Err: err}
		}
		return nil, err
	}
	return out, nil
}

// publishExecuted emits a command completion event, best-effort.
func (e *Executor) publishExecuted(ctx context.Context, conversationID, command string, res *Result) {
	if e.bus == nil {
		return
	}
	evt := bus.NewEvent(events.TypeCommandExecuted, "sandbox-executor", map[string]interface{}{
		"conversation_id": conversationID,
		"command":         command,
		"exit_code":       res.ExitCode,
		"success":         res.Success,
	})
	if err := e.bus.Publish(context.WithoutCancel(ctx), events.SubjectCommandExecuted, evt); err != nil {
		e.logger.Warn("failed to publish command event", zap.Error(err))
	}
}

// resolveCommand turns a request into the program plus argument vector the
// backend runs, and the human-readable command line for diagnostics.
//
// Backends take a bare argv with no shell semantics, so a working directory
// override goes through a shell indirection that changes directory first and
// then execs the original vector untouched.
func resolveCommand(req Request) (CommandSpec, string) {
	command := req.Command
	args := req.Args

	if req.WorkingDir != "" {
		script := "cd " + shellQuote(req.WorkingDir) + ` && exec "$@"`
		args = append([]string{"-c", script, "sh", command}, args...)
		command = "sh"
	}

	spec := CommandSpec{
		Command: command,
		Args:    args,
		Sudo:    req.Sudo,
	}

	parts := make([]string, 0, len(req.Args)+2)
	if req.Sudo {
		parts = append(parts, "sudo")
	}
	parts = append(parts, req.Command)
	parts = append(parts, req.Args...)
	resolved := strings.Join(parts, " ")
	if req.WorkingDir != "" {
		resolved = "cd " + req.WorkingDir + " && " + resolved
	}
	return spec, resolved
}

// shellQuote single-quotes a string for safe use inside a shell script.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
