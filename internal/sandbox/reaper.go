package sandbox

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaybot/relay/internal/common/config"
	"github.com/relaybot/relay/internal/common/logger"
)

// Reaper tears sessions down in bulk: all of them at shutdown, and idle ones
// on a timer when an idle threshold is configured.
type Reaper struct {
	manager *Manager
	cfg     config.SandboxConfig
	logger  *logger.Logger
	done    chan struct{}
}

// NewReaper creates a reaper over the manager's registry.
func NewReaper(manager *Manager, cfg config.SandboxConfig, log *logger.Logger) *Reaper {
	return &Reaper{
		manager: manager,
		cfg:     cfg,
		logger:  log,
		done:    make(chan struct{}),
	}
}

// Start launches the idle sweep loop when an idle timeout is configured.
// With idleTimeout zero the reaper is shutdown-only and Start returns
// immediately; the backend TTL is then the sole backstop for abandoned
// sessions.
func (r *Reaper) Start(ctx context.Context) {
	idle := r.cfg.IdleTimeoutDuration()
	if idle <= 0 {
		return
	}

	interval := r.cfg.ReapIntervalDuration()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweepIdle(ctx, idle)
			case <-ctx.Done():
				return
			case <-r.done:
				return
			}
		}
	}()

	r.logger.Info("idle reaper started",
		zap.Duration("idle_timeout", idle),
		zap.Duration("interval", interval))
}

// Close stops the sweep loop. It does not stop sessions; call StopAll for
// that.
func (r *Reaper) Close() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// StopAll stops every tracked session in parallel and empties the registry.
// Individual stop failures are logged and counted, never raised: shutdown
// must drain the registry even when the backend misbehaves.
func (r *Reaper) StopAll(ctx context.Context) {
	sessions := r.manager.Registry().Sessions()
	if len(sessions) == 0 {
		return
	}

	r.logger.Info("stopping all sandbox sessions", zap.Int("count", len(sessions)))

	g, ctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		g.Go(func() error {
			return r.manager.Stop(ctx, sess)
		})
	}

	// Stop already logs per-session failures; the aggregate is informational.
	if err := g.Wait(); err != nil {
		r.logger.Warn("some sandbox sessions failed to stop cleanly", zap.Error(err))
	}
}

// sweepIdle stops sessions that have gone without a command for longer than
// the idle threshold.
func (r *Reaper) sweepIdle(ctx context.Context, idle time.Duration) {
	for _, sess := range r.manager.Registry().Sessions() {
		if sess.IdleFor() < idle {
			continue
		}
		r.logger.Info("reaping idle sandbox",
			zap.String("conversation_id", sess.ConversationID),
			zap.Duration("idle_for", sess.IdleFor()))
		_ = r.manager.Stop(ctx, sess)
	}
}
