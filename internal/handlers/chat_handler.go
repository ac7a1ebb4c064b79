package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"inspec-ai-pipeline/internal/models"
	"inspec-ai-pipeline/internal/pkg/logger"
)

// ChatOrchestrator is what the HTTP layer needs from the workflow engine.
type ChatOrchestrator interface {
	HandleMessage(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error)
	GetMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error)
	GetResults(ctx context.Context, sessionID string) (*models.RankingView, error)
	ResetSearch(ctx context.Context, sessionID string) (*models.SessionState, error)
	DeleteSession(ctx context.Context, sessionID string) error
	SubmitFeedback(ctx context.Context, req *models.FeedbackRequest) (string, error)
	HealthCheck(ctx context.Context) error
	GetStats() map[string]interface{}
}

type ChatHandler struct {
	orchestrator ChatOrchestrator
	logger       *logger.Logger
}

func NewChatHandler(orchestrator ChatOrchestrator, logger *logger.Logger) *ChatHandler {
	return &ChatHandler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// SendMessage handles POST /api/v1/chat. A 409 means a previous turn for the
// session is still running and the client should retry after it finishes.
func (handler *ChatHandler) SendMessage(c *gin.Context) {
	startTime := time.Now()

	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request body",
			"details": err.Error(),
		})
		return
	}

	response, err := handler.orchestrator.HandleMessage(c.Request.Context(), &req)
	if err != nil {
		handler.logger.WithError(err).Error("Chat turn failed",
			"session_id", req.SessionID,
			"duration_ms", time.Since(startTime).Milliseconds())
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, response)
}

// GetMessages handles GET /api/v1/sessions/:id/messages.
func (handler *ChatHandler) GetMessages(c *gin.Context) {
	sessionID := c.Param("id")

	messages, err := handler.orchestrator.GetMessages(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"messages":   messages,
		"count":      len(messages),
	})
}

// GetResults handles GET /api/v1/sessions/:id/results and returns the
// filtered, re-ranked view with best-effort image and price joins.
func (handler *ChatHandler) GetResults(c *gin.Context) {
	sessionID := c.Param("id")

	view, err := handler.orchestrator.GetResults(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, view)
}

// ResetSearch handles POST /api/v1/sessions/:id/reset. The message log and
// last analysis survive; requirement state starts over.
func (handler *ChatHandler) ResetSearch(c *gin.Context) {
	sessionID := c.Param("id")

	state, err := handler.orchestrator.ResetSearch(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": state.ID,
		"step":       state.Step,
	})
}

// DeleteSession handles DELETE /api/v1/sessions/:id.
func (handler *ChatHandler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("id")

	if err := handler.orchestrator.DeleteSession(c.Request.Context(), sessionID); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "deleted": true})
}

// SubmitFeedback handles POST /api/v1/feedback.
func (handler *ChatHandler) SubmitFeedback(c *gin.Context) {
	var req models.FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request body",
			"details": err.Error(),
		})
		return
	}

	acknowledgement, err := handler.orchestrator.SubmitFeedback(c.Request.Context(), &req)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":      req.SessionID,
		"acknowledgement": acknowledgement,
	})
}

// Health handles GET /health.
func (handler *ChatHandler) Health(c *gin.Context) {
	if err := handler.orchestrator.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// Stats handles GET /stats.
func (handler *ChatHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, handler.orchestrator.GetStats())
}

func statusForError(err error) int {
	var appErr *models.AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}

	switch appErr.Category {
	case models.CategoryNotFound:
		return http.StatusNotFound
	case models.CategoryConflict:
		return http.StatusConflict
	case models.CategoryValidation:
		return http.StatusBadRequest
	case models.CategoryTimeout:
		return http.StatusGatewayTimeout
	case models.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
