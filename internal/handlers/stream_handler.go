package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"inspec-ai-pipeline/internal/models"
	"inspec-ai-pipeline/internal/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	updatesBlockInterval = 25 * time.Second
	writeTimeout         = 10 * time.Second
	pingInterval         = 30 * time.Second
)

// UpdatesReader reads typed session updates from the per-session stream,
// blocking up to the given duration for new entries.
type UpdatesReader interface {
	ReadUpdates(ctx context.Context, sessionID, lastID string, block time.Duration) ([]models.SessionUpdate, string, error)
}

// StreamHandler relays session updates over a websocket so the client can
// render streamed assistant messages as they are revealed.
type StreamHandler struct {
	updates UpdatesReader
	logger  *logger.Logger
}

func NewStreamHandler(updates UpdatesReader, logger *logger.Logger) *StreamHandler {
	return &StreamHandler{
		updates: updates,
		logger:  logger,
	}
}

// StreamUpdates handles GET /api/v1/sessions/:id/updates. The optional
// last_id query parameter resumes after a previously seen stream entry;
// without it only updates published after connecting are delivered.
func (handler *StreamHandler) StreamUpdates(c *gin.Context) {
	sessionID := c.Param("id")
	lastID := c.Query("last_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		handler.logger.WithError(err).Error("Failed to upgrade connection", "session_id", sessionID)
		return
	}
	defer conn.Close()

	handler.logger.Info("Update stream connected", "session_id", sessionID, "last_id", lastID)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The client never sends application data; reading only detects close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			handler.logger.Info("Update stream closed", "session_id", sessionID)
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				handler.logger.WithError(err).Debug("Ping failed, closing stream", "session_id", sessionID)
				return
			}
		default:
		}

		updates, nextID, err := handler.updates.ReadUpdates(ctx, sessionID, lastID, updatesBlockInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			handler.logger.WithError(err).Warn("Reading session updates failed", "session_id", sessionID)
			time.Sleep(time.Second)
			continue
		}
		lastID = nextID

		for _, update := range updates {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(update); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					handler.logger.WithError(err).Debug("Update write failed", "session_id", sessionID)
				}
				return
			}
		}
	}
}
