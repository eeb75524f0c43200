package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaybot/relay/internal/common/logger"
	"github.com/relaybot/relay/internal/sandbox"
)

// Handler exposes the sandbox executor over HTTP for the calling agent.
type Handler struct {
	executor *sandbox.Executor
	manager  *sandbox.Manager
	logger   *logger.Logger
}

// NewHandler creates a sandbox API handler.
func NewHandler(executor *sandbox.Executor, manager *sandbox.Manager, log *logger.Logger) *Handler {
	return &Handler{
		executor: executor,
		manager:  manager,
		logger:   log.WithFields(zap.String("component", "sandbox-handler")),
	}
}

// RegisterRoutes wires the sandbox API onto the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/exec", h.httpExec)
	api.GET("/sessions", h.httpListSessions)
	api.DELETE("/sessions/:conversationId", h.httpStopSession)

	router.GET("/health", h.httpHealth)
}

// --- Request/response types ---

// execRequest mirrors the tool-invocation input contract.
type execRequest struct {
	ConversationID string   `json:"conversationId"`
	Command        string   `json:"command" binding:"required"`
	Args           []string `json:"args"`
	Sudo           bool     `json:"sudo"`
	WorkingDir     string   `json:"workingDirectory"`
}

// sessionInfo describes one live session for operators.
type sessionInfo struct {
	ConversationID string    `json:"conversation_id"`
	HandleID       string    `json:"handle_id"`
	Runtime        string    `json:"runtime"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	IdleSeconds    int64     `json:"idle_seconds"`
}

// --- HTTP handlers ---

func (h *Handler) httpExec(c *gin.Context) {
	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.executor.Run(c.Request.Context(), sandbox.Request{
		ConversationID: req.ConversationID,
		Command:        req.Command,
		Args:           req.Args,
		Sudo:           req.Sudo,
		WorkingDir:     req.WorkingDir,
	})
	if err != nil {
		status := http.StatusInternalServerError
		var timeoutErr *sandbox.TimeoutError
		if errors.As(err, &timeoutErr) {
			status = http.StatusGatewayTimeout
		}
		var provErr *sandbox.ProvisionError
		if errors.As(err, &provErr) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) httpListSessions(c *gin.Context) {
	sessions := h.manager.Registry().Sessions()
	infos := make([]sessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, sessionInfo{
			ConversationID: s.ConversationID,
			HandleID:       s.Handle.ID,
			Runtime:        s.Handle.Runtime,
			State:          string(s.State()),
			CreatedAt:      s.CreatedAt,
			IdleSeconds:    int64(s.IdleFor().Seconds()),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": infos})
}

func (h *Handler) httpStopSession(c *gin.Context) {
	conversationID := c.Param("conversationId")
	sess, ok := h.manager.Registry().Get(conversationID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session for conversation " + conversationID})
		return
	}

	if err := h.manager.Stop(c.Request.Context(), sess); err != nil {
		// The session is gone from the registry either way.
		h.logger.Warn("session stop reported error",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"stopped": conversationID})
}

func (h *Handler) httpHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": h.manager.Registry().Len(),
	})
}
