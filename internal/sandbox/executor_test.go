package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/relaybot/relay/internal/common/logger"
)

func TestExecutorRun(t *testing.T) {
	t.Run("first call provisions and runs", func(t *testing.T) {
		backend := newFakeBackend()
		backend.setRunFunc(func(handle *Handle, spec CommandSpec) (*RunOutput, error) {
			return &RunOutput{ExitCode: 0, Stdout: "total 0\n"}, nil
		})
		exec, m := newTestExecutor(t, backend)

		res, err := exec.Run(context.Background(), Request{
			ConversationID: "c1",
			Command:        "ls",
			Args:           []string{"-la"},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Success || res.ExitCode != 0 {
			t.Errorf("expected success, got %+v", res)
		}
		if res.Command != "ls -la" {
			t.Errorf("resolved command = %q", res.Command)
		}
		if backend.createCalls.Load() != 1 {
			t.Errorf("expected 1 create, got %d", backend.createCalls.Load())
		}
		if m.Registry().Len() != 1 {
			t.Error("session not registered")
		}
	})

	t.Run("second call reuses the session", func(t *testing.T) {
		backend := newFakeBackend()
		exec, m := newTestExecutor(t, backend)

		if _, err := exec.Run(context.Background(), Request{ConversationID: "c1", Command: "pwd"}); err != nil {
			t.Fatalf("first run: %v", err)
		}
		first, _ := m.Registry().Get("c1")

		if _, err := exec.Run(context.Background(), Request{ConversationID: "c1", Command: "pwd"}); err != nil {
			t.Fatalf("second run: %v", err)
		}
		second, _ := m.Registry().Get("c1")

		if backend.createCalls.Load() != 1 {
			t.Errorf("expected no second create, got %d creates", backend.createCalls.Load())
		}
		if first.Handle.ID != second.Handle.ID {
			t.Error("handle changed between calls")
		}
	})

	t.Run("guest non-zero exit is a normal result", func(t *testing.T) {
		backend := newFakeBackend()
		backend.setRunFunc(func(handle *Handle, spec CommandSpec) (*RunOutput, error) {
			return &RunOutput{ExitCode: 1, Stderr: "grep: no match\n"}, nil
		})
		exec, _ := newTestExecutor(t, backend)

		res, err := exec.Run(context.Background(), Request{ConversationID: "c1", Command: "grep", Args: []string{"zzz", "f"}})
		if err != nil {
			t.Fatalf("guest failure must not be an error, got %v", err)
		}
		if res.Success {
			t.Error("expected success=false for exit code 1")
		}
		if res.ExitCode != 1 || res.Stderr != "grep: no match\n" {
			t.Errorf("unexpected result %+v", res)
		}
	})

	t.Run("empty conversation id uses the default", func(t *testing.T) {
		backend := newFakeBackend()
		exec, m := newTestExecutor(t, backend)

		if _, err := exec.Run(context.Background(), Request{Command: "true"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := m.Registry().Get(DefaultConversationID); !ok {
			t.Errorf("expected session under %q", DefaultConversationID)
		}
	})

	t.Run("provision failure surfaces without retry", func(t *testing.T) {
		backend := newFakeBackend()
		backend.createErr = errors.New("quota exceeded")
		exec, m := newTestExecutor(t, backend)

		_, err := exec.Run(context.Background(), Request{ConversationID: "c1", Command: "true"})
		var provErr *ProvisionError
		if !errors.As(err, &provErr) {
			t.Fatalf("expected ProvisionError, got %v", err)
		}
		if backend.createCalls.Load() != 1 {
			t.Errorf("provision failures must not be retried, got %d creates", backend.createCalls.Load())
		}
		if m.Registry().Len() != 0 {
			t.Error("failed provisioning registered a session")
		}
	})

	t.Run("hung command maps to TimeoutError", func(t *testing.T) {
		backend := newFakeBackend()
		backend.runDelay = 5 * time.Second

		cfg := testSandboxConfig()
		cfg.CommandTimeout = 1
		m := NewManager(NewRegistry(), backend, nil, nil, cfg, logger.Default())
		exec := NewExecutor(m, cfg, nil, logger.Default())

		start := time.Now()
		_, err := exec.Run(context.Background(), Request{ConversationID: "c1", Command: "sleep", Args: []string{"60"}})
		var timeoutErr *TimeoutError
		if !errors.As(err, &timeoutErr) {
			t.Fatalf("expected TimeoutError, got %v", err)
		}
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			t.Errorf("timeout must surface unwrapped, got %v", err)
		}
		if got := backend.createCalls.Load(); got != 1 {
			t.Errorf("timeouts must not re-provision, got %d creates", got)
		}
		if got := backend.runCalls.Load(); got != 1 {
			t.Errorf("timeouts must not replay, got %d runs", got)
		}
		if elapsed := time.Since(start); elapsed > 3*time.Second {
			t.Errorf("command timeout not enforced, took %s", elapsed)
		}
	})
}

func TestExecutorDeadSessionRetry(t *testing.T) {
	t.Run("dead session recovers once transparently", func(t *testing.T) {
		backend := newFakeBackend()
		var firstHandle string
		backend.setRunFunc(func(handle *Handle, spec CommandSpec) (*RunOutput, error) {
			if firstHandle == "" {
				firstHandle = handle.ID
				return nil, fmt.Errorf("container %s: %w", handle.ID, ErrSessionGone)
			}
			return &RunOutput{ExitCode: 0, Stdout: "ok\n"}, nil
		})
		exec, m := newTestExecutor(t, backend)

		res, err := exec.Run(context.Background(), Request{ConversationID: "c1", Command: "ls"})
		if err != nil {
			t.Fatalf("expected transparent recovery, got %v", err)
		}
		if !res.Success {
			t.Errorf("expected success after replay, got %+v", res)
		}
		if got := backend.createCalls.Load(); got != 2 {
			t.Errorf("expected exactly 2 creates, got %d", got)
		}
		if got := backend.runCalls.Load(); got != 2 {
			t.Errorf("expected exactly 2 run attempts, got %d", got)
		}

		sess, ok := m.Registry().Get("c1")
		if !ok {
			t.Fatal("replacement session missing from registry")
		}
		if sess.Handle.ID == firstHandle {
			t.Error("registry still holds the dead handle")
		}

		// The dead environment got a best-effort stop.
		stopped := backend.stoppedHandles()
		if len(stopped) != 1 || stopped[0] != firstHandle {
			t.Errorf("expected dead handle %s stopped, got %v", firstHandle, stopped)
		}
	})

	t.Run("second dead failure exhausts the budget", func(t *testing.T) {
		backend := newFakeBackend()
		backend.setRunFunc(func(handle *Handle, spec CommandSpec) (*RunOutput, error) {
			return nil, fmt.Errorf("exec create: %w", ErrSessionGone)
		})
		exec, m := newTestExecutor(t, backend)

		_, err := exec.Run(context.Background(), Request{ConversationID: "c1", Command: "ls"})
		var execErr *ExecutionError
		if !errors.As(err, &execErr) {
			t.Fatalf("expected ExecutionError, got %v", err)
		}
		if got := backend.createCalls.Load(); got != 2 {
			t.Errorf("expected at most 2 creates, got %d", got)
		}
		if m.Registry().Len() != 0 {
			t.Error("exhausted session must be dropped from the registry")
		}
	})

	t.Run("non-dead run error fails without re-provisioning", func(t *testing.T) {
		backend := newFakeBackend()
		backend.setRunFunc(func(handle *Handle, spec CommandSpec) (*RunOutput, error) {
			return nil, errors.New("transport reset")
		})
		exec, _ := newTestExecutor(t, backend)

		_, err := exec.Run(context.Background(), Request{ConversationID: "c1", Command: "ls"})
		var execErr *ExecutionError
		if !errors.As(err, &execErr) {
			t.Fatalf("expected ExecutionError, got %v", err)
		}
		if got := backend.createCalls.Load(); got != 1 {
			t.Errorf("generic failures must not re-provision, got %d creates", got)
		}
		if got := backend.runCalls.Load(); got != 1 {
			t.Errorf("generic failures must not replay, got %d runs", got)
		}
	})
}

func TestResolveCommand(t *testing.T) {
	t.Run("plain command passes through", func(t *testing.T) {
		spec, resolved := resolveCommand(Request{Command: "ls", Args: []string{"-la"}})
		if spec.Command != "ls" || len(spec.Args) != 1 || spec.Args[0] != "-la" {
			t.Errorf("unexpected spec %+v", spec)
		}
		if resolved != "ls -la" {
			t.Errorf("resolved = %q", resolved)
		}
	})

	t.Run("working directory wraps through sh", func(t *testing.T) {
		spec, resolved := resolveCommand(Request{
			Command:    "make",
			Args:       []string{"test"},
			WorkingDir: "/workspace/repo",
		})
		if spec.Command != "sh" {
			t.Fatalf("expected sh indirection, got %q", spec.Command)
		}
		if spec.Args[0] != "-c" {
			t.Errorf("expected -c script, got %v", spec.Args)
		}
		if !strings.Contains(spec.Args[1], "cd '/workspace/repo'") || !strings.Contains(spec.Args[1], `exec "$@"`) {
			t.Errorf("script missing cd indirection: %q", spec.Args[1])
		}
		// Original argv rides behind the script untouched.
		if spec.Args[2] != "sh" || spec.Args[3] != "make" || spec.Args[4] != "test" {
			t.Errorf("argv not preserved: %v", spec.Args)
		}
		if !strings.HasPrefix(resolved, "cd /workspace/repo && ") {
			t.Errorf("resolved = %q", resolved)
		}
	})

	t.Run("sudo is reflected in spec and resolved line", func(t *testing.T) {
		spec, resolved := resolveCommand(Request{Command: "apt-get", Args: []string{"update"}, Sudo: true})
		if !spec.Sudo {
			t.Error("sudo flag dropped")
		}
		if resolved != "sudo apt-get update" {
			t.Errorf("resolved = %q", resolved)
		}
	})
}

func TestExecutorParallelConversations(t *testing.T) {
	backend := newFakeBackend()
	exec, m := newTestExecutor(t, backend)

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := exec.Run(context.Background(), Request{
				ConversationID: fmt.Sprintf("conv-%d", i),
				Command:        "true",
			})
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("parallel run failed: %v", err)
		}
	}

	if got := backend.createCalls.Load(); got != n {
		t.Errorf("expected %d creates, got %d", n, got)
	}

	seen := make(map[string]bool)
	for _, s := range m.Registry().Sessions() {
		if seen[s.Handle.ID] {
			t.Errorf("handle %s shared across conversations", s.Handle.ID)
		}
		seen[s.Handle.ID] = true
	}
}
