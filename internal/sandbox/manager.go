package sandbox

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/relaybot/relay/internal/common/config"
	"github.com/relaybot/relay/internal/common/logger"
	"github.com/relaybot/relay/internal/common/tracing"
	"github.com/relaybot/relay/internal/events"
	"github.com/relaybot/relay/internal/events/bus"
)

// stopTimeout bounds best-effort teardown calls so a wedged backend cannot
// stall discard or shutdown paths.
const stopTimeout = 30 * time.Second

// healthCheckTimeout bounds the per-handle liveness probe during recovery.
const healthCheckTimeout = 10 * time.Second

// Manager drives session lifecycle transitions. It is the only component
// that provisions environments, classifies sessions as dead, and tears them
// down; the registry tracks identity, the manager owns the transitions.
type Manager struct {
	registry *Registry
	backend  Backend
	store    Store        // optional, nil disables persistence
	bus      bus.EventBus // optional, nil disables events
	cfg      config.SandboxConfig
	logger   *logger.Logger
}

// NewManager creates a lifecycle manager. store and eventBus may be nil.
func NewManager(registry *Registry, backend Backend, store Store, eventBus bus.EventBus, cfg config.SandboxConfig, log *logger.Logger) *Manager {
	return &Manager{
		registry: registry,
		backend:  backend,
		store:    store,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log,
	}
}

// Registry returns the registry the manager mutates.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// EnsureSession returns the live session for a conversation, provisioning a
// new one if none exists. Concurrent callers for the same conversation share
// one provisioning attempt.
func (m *Manager) EnsureSession(ctx context.Context, conversationID string) (*Session, error) {
	return m.registry.GetOrCreate(ctx, conversationID, func(ctx context.Context) (*Session, error) {
		return m.provision(ctx, conversationID)
	})
}

// provision creates a backend environment under the configured time bound.
// A create failure never registers a session and is not retried here:
// nothing was created, so there is nothing to classify as dead. Timeouts
// surface as TimeoutError, everything else as ProvisionError.
func (m *Manager) provision(ctx context.Context, conversationID string) (*Session, error) {
	tracer := tracing.Tracer("sandbox-manager")
	ctx, span := tracer.Start(ctx, "sandbox.provision")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("runtime", m.backend.Name()),
	)

	limit := m.cfg.ProvisionTimeoutDuration()
	createCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	m.logger.Info("provisioning sandbox",
		zap.String("conversation_id", conversationID),
		zap.String("runtime", m.backend.Name()))

	start := time.Now()
	handle, err := m.backend.Create(createCtx, CreateConfig{
		ConversationID: conversationID,
		Image:          m.cfg.Image,
		CPUs:           m.cfg.CPUs,
		MemoryMB:       m.cfg.MemoryMB,
		TTL:            m.cfg.TTL(),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && createCtx.Err() != nil && ctx.Err() == nil {
			return nil, &TimeoutError{Op: "sandbox provisioning", Limit: limit, Err: err}
		}
		return nil, &ProvisionError{ConversationID: conversationID, Err: err}
	}

	sess := NewSession(conversationID, handle)

	if m.store != nil {
		if err := m.store.Put(ctx, SessionRecord{
			ConversationID: conversationID,
			HandleID:       handle.ID,
			Runtime:        handle.Runtime,
			CreatedAt:      sess.CreatedAt,
		}); err != nil {
			m.logger.Warn("failed to persist session mapping",
				zap.String("conversation_id", conversationID),
				zap.Error(err))
		}
	}

	m.logger.Info("sandbox provisioned",
		zap.String("conversation_id", conversationID),
		zap.String("handle_id", handle.ID),
		zap.Duration("elapsed", time.Since(start)))

	m.publish(ctx, events.SubjectSessionProvisioned, events.TypeSessionProvisioned, sess)
	return sess, nil
}

// Discard marks a session dead and forgets it. The backend handle is
// abandoned: stop is attempted best-effort with errors swallowed, since the
// environment is assumed already gone.
func (m *Manager) Discard(ctx context.Context, sess *Session) {
	sess.setState(StateDead)
	// Compare-and-delete: a racing discard of the same session may already
	// have triggered a replacement, which must not be evicted here.
	removed := m.registry.RemoveSession(sess)

	// Teardown continues even when the triggering request is cancelled.
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := m.backend.Stop(stopCtx, sess.Handle); err != nil {
		m.logger.Debug("stop of dead sandbox failed",
			zap.String("conversation_id", sess.ConversationID),
			zap.String("handle_id", sess.Handle.ID),
			zap.Error(err))
	}

	// The durable row is keyed by conversation; once a replacement owns the
	// entry, the row describes the replacement and must survive.
	if removed {
		m.forget(stopCtx, sess)
	}

	m.logger.Warn("discarded dead sandbox",
		zap.String("conversation_id", sess.ConversationID),
		zap.String("handle_id", sess.Handle.ID))

	m.publish(ctx, events.SubjectSessionDead, events.TypeSessionDead, sess)
}

// Stop tears down an active session. The session is removed from the
// registry regardless of the backend stop outcome; the error is returned so
// the reaper can collect it, never to block removal.
func (m *Manager) Stop(ctx context.Context, sess *Session) error {
	sess.setState(StateStopped)
	removed := m.registry.RemoveSession(sess)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	err := m.backend.Stop(stopCtx, sess.Handle)

	if removed {
		m.forget(stopCtx, sess)
	}

	if err != nil {
		m.logger.Warn("sandbox stop failed",
			zap.String("conversation_id", sess.ConversationID),
			zap.String("handle_id", sess.Handle.ID),
			zap.Error(err))
	} else {
		m.logger.Info("sandbox stopped",
			zap.String("conversation_id", sess.ConversationID),
			zap.String("handle_id", sess.Handle.ID))
	}

	m.publish(ctx, events.SubjectSessionStopped, events.TypeSessionStopped, sess)
	return err
}

// Recover loads persisted session mappings into the registry after a
// restart. Each handle is health-checked against the backend first: only
// still-alive environments are re-adopted, and rows for reclaimed ones are
// purged so the next command provisions fresh instead of inheriting a dead
// handle.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}

	recs, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, rec := range recs {
		if rec.Runtime != m.backend.Name() {
			continue
		}
		handle := &Handle{ID: rec.HandleID, Runtime: rec.Runtime}

		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := m.backend.HealthCheck(checkCtx, handle)
		cancel()
		if err != nil {
			m.logger.Warn("dropping persisted session, environment unhealthy",
				zap.String("conversation_id", rec.ConversationID),
				zap.String("handle_id", rec.HandleID),
				zap.Error(err))
			if derr := m.store.Delete(ctx, rec.ConversationID); derr != nil {
				m.logger.Warn("failed to delete stale session mapping",
					zap.String("conversation_id", rec.ConversationID),
					zap.Error(derr))
			}
			continue
		}

		sess := NewSession(rec.ConversationID, handle)
		sess.CreatedAt = rec.CreatedAt
		if m.registry.restore(sess) {
			recovered++
		}
	}

	if recovered > 0 {
		m.logger.Info("recovered persisted sandbox sessions", zap.Int("count", recovered))
	}
	return recovered, nil
}

// forget drops the durable mapping for a session.
func (m *Manager) forget(ctx context.Context, sess *Session) {
	if m.store == nil {
		return
	}
	if err := m.store.Delete(ctx, sess.ConversationID); err != nil {
		m.logger.Warn("failed to delete session mapping",
			zap.String("conversation_id", sess.ConversationID),
			zap.Error(err))
	}
}

// publish emits a lifecycle event. Failures are logged, never propagated.
func (m *Manager) publish(ctx context.Context, subject, eventType string, sess *Session) {
	if m.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "sandbox-manager", map[string]interface{}{
		"conversation_id": sess.ConversationID,
		"handle_id":       sess.Handle.ID,
		"runtime":         sess.Handle.Runtime,
		"state":           string(sess.State()),
	})
	if err := m.bus.Publish(context.WithoutCancel(ctx), subject, evt); err != nil {
		m.logger.Warn("failed to publish session event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
