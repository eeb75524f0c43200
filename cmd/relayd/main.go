// relayd is the sandbox session manager daemon. It provisions one isolated
// execution environment per conversation, runs commands in them on behalf of
// the calling agent, and tears them down at shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/relaybot/relay/internal/common/config"
	"github.com/relaybot/relay/internal/common/logger"
	"github.com/relaybot/relay/internal/common/tracing"
	"github.com/relaybot/relay/internal/events/bus"
	"github.com/relaybot/relay/internal/sandbox"
	"github.com/relaybot/relay/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Fatal("failed to load configuration", zap.Error(err))
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		logger.Default().Fatal("failed to initialize logger", zap.Error(err))
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	log.Info("starting relayd",
		zap.String("runtime", cfg.Sandbox.Runtime),
		zap.Int("port", cfg.Server.Port))

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	backend, err := newBackend(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize execution backend", zap.Error(err))
	}

	// Durable session store is optional; without it the in-process registry
	// is the only record of live sessions.
	var store sandbox.Store
	if cfg.Store.Path != "" {
		sqlStore, err := sandbox.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			log.Fatal("failed to open session store", zap.Error(err))
		}
		defer func() { _ = sqlStore.Close() }()
		store = sqlStore
	}

	registry := sandbox.NewRegistry()
	manager := sandbox.NewManager(registry, backend, store, eventBus, cfg.Sandbox, log)
	executor := sandbox.NewExecutor(manager, cfg.Sandbox, eventBus, log)
	reaper := sandbox.NewReaper(manager, cfg.Sandbox, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if store != nil {
		if n, err := manager.Recover(ctx); err != nil {
			log.Warn("failed to recover persisted sessions", zap.Error(err))
		} else if n > 0 {
			log.Info("resumed persisted sessions", zap.Int("count", n))
		}
	}

	reaper.Start(ctx)

	srv := server.New(cfg.Server, executor, manager, log)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			log.Error("server failed", zap.Error(err))
		}
	}

	cancel()
	reaper.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}

	// Drain every live sandbox before exiting; failures are logged, not
	// fatal.
	reaper.StopAll(shutdownCtx)

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}

	log.Info("relayd stopped")
}

// newBackend selects the execution backend from configuration.
func newBackend(cfg *config.Config, log *logger.Logger) (sandbox.Backend, error) {
	switch cfg.Sandbox.Runtime {
	case sandbox.RuntimeSprites:
		return sandbox.NewSpritesBackend(cfg.Sprites, log)
	default:
		return sandbox.NewDockerBackend(cfg.Docker, log)
	}
}
