// Package server exposes the sandbox executor over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaybot/relay/internal/common/config"
	"github.com/relaybot/relay/internal/common/httpmw"
	"github.com/relaybot/relay/internal/common/logger"
	"github.com/relaybot/relay/internal/sandbox"
)

// Server is the HTTP front for the sandbox session manager.
type Server struct {
	httpServer *http.Server
	router     *gin.Engine
	logger     *logger.Logger
}

// New builds the router with middleware and routes, ready to start.
func New(cfg config.ServerConfig, executor *sandbox.Executor, manager *sandbox.Manager, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "relayd"))
	router.Use(httpmw.OtelTracing("relayd"))

	NewHandler(executor, manager, log).RegisterRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeoutDuration(),
			WriteTimeout: cfg.WriteTimeoutDuration(),
		},
		router: router,
		logger: log,
	}
}

// Router returns the underlying gin engine, used by tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening on " + s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
