package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// fakeBackend is an in-memory Backend for tests. Behavior is scripted
// through the run and create hooks; counters record every call.
type fakeBackend struct {
	mu sync.Mutex

	createCalls atomic.Int32
	runCalls    atomic.Int32
	stopCalls   atomic.Int32
	healthCalls atomic.Int32

	// createErr fails every create when set.
	createErr error
	// createDelay simulates slow provisioning.
	createDelay time.Duration
	// runFunc overrides the default run behavior when set.
	runFunc func(handle *Handle, spec CommandSpec) (*RunOutput, error)
	// runDelay simulates a hung command; the run blocks until the delay
	// passes or the context expires.
	runDelay time.Duration
	// healthFunc scripts per-handle liveness; nil means always healthy.
	healthFunc func(handle *Handle) error
	// stopErr fails every stop when set.
	stopErr error

	stopped []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Create(ctx context.Context, cfg CreateConfig) (*Handle, error) {
	n := f.createCalls.Add(1)

	if f.createDelay > 0 {
		select {
		case <-time.After(f.createDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	err := f.createErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return &Handle{
		ID:      fmt.Sprintf("env-%s-%d", cfg.ConversationID, n),
		Runtime: "fake",
	}, nil
}

func (f *fakeBackend) Run(ctx context.Context, handle *Handle, spec CommandSpec) (*RunOutput, error) {
	f.runCalls.Add(1)

	if f.runDelay > 0 {
		select {
		case <-time.After(f.runDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	fn := f.runFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(handle, spec)
	}
	return &RunOutput{ExitCode: 0, Stdout: "ok\n"}, nil
}

func (f *fakeBackend) HealthCheck(ctx context.Context, handle *Handle) error {
	f.healthCalls.Add(1)
	f.mu.Lock()
	fn := f.healthFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(handle)
	}
	return nil
}

func (f *fakeBackend) Stop(ctx context.Context, handle *Handle) error {
	f.stopCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, handle.ID)
	return f.stopErr
}

func (f *fakeBackend) setRunFunc(fn func(handle *Handle, spec CommandSpec) (*RunOutput, error)) {
	f.mu.Lock()
	f.runFunc = fn
	f.mu.Unlock()
}

func (f *fakeBackend) stoppedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.stopped))
	copy(out, f.stopped)
	return out
}
