package services

import (
	"context"
	"time"

	"inspec-ai-pipeline/internal/config"
	"inspec-ai-pipeline/internal/models"
	"inspec-ai-pipeline/internal/pkg/logger"
)

// flushTimeout bounds the detached final persist of a streamed message.
const flushTimeout = 5 * time.Second

// StreamTarget is the slice of the session store the streamer needs.
type StreamTarget interface {
	AppendMessage(ctx context.Context, sessionID string, message models.ChatMessage) error
	UpdateMessageContent(ctx context.Context, sessionID, messageID, content string) error
	PublishUpdate(ctx context.Context, update *models.SessionUpdate) error
}

// Streamer reveals assistant messages incrementally: the message is appended
// with empty content, successive prefixes are published at a fixed interval,
// and the full content is persisted at the end. Reveal blocks until the
// stream completes; the caller's busy gate is the mutual-exclusion mechanism,
// so streams are never concurrent within a session.
type Streamer struct {
	target StreamTarget
	config config.StreamConfig
	logger *logger.Logger
}

func NewStreamer(target StreamTarget, cfg config.StreamConfig, log *logger.Logger) *Streamer {
	return &Streamer{
		target: target,
		config: cfg,
		logger: log,
	}
}

// Reveal streams one assistant message character by character. On context
// cancellation the remaining content is flushed in one step so the persisted
// log always ends up complete.
func (streamer *Streamer) Reveal(ctx context.Context, sessionID, requestID string, message models.ChatMessage) error {
	fullContent := message.Content

	placeholder := message
	placeholder.Content = ""
	if err := streamer.target.AppendMessage(ctx, sessionID, placeholder); err != nil {
		return err
	}

	streamer.publish(ctx, &models.SessionUpdate{
		SessionID: sessionID,
		RequestID: requestID,
		Type:      models.UpdateTypeStreamStarted,
		MessageID: message.ID,
		Author:    message.Author,
		Timestamp: time.Now(),
	})

	runes := []rune(fullContent)
	step := 1
	if streamer.config.MaxStreamLen > 0 && len(runes) > streamer.config.MaxStreamLen {
		step = len(runes)/streamer.config.MaxStreamLen + 1
	}

	ticker := time.NewTicker(streamer.config.CharDelay)
	defer ticker.Stop()

	interrupted := false
	for offset := step; offset < len(runes) && !interrupted; offset += step {
		select {
		case <-ticker.C:
			streamer.publish(ctx, &models.SessionUpdate{
				SessionID: sessionID,
				RequestID: requestID,
				Type:      models.UpdateTypeMessageUpdated,
				MessageID: message.ID,
				Author:    message.Author,
				Content:   string(runes[:offset]),
				Timestamp: time.Now(),
			})
		case <-ctx.Done():
			interrupted = true
		}
	}

	// The final persist and completion event must survive cancellation of
	// the caller's context, otherwise an interrupted stream leaves the
	// empty placeholder in the log.
	flushCtx, cancelFlush := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancelFlush()

	if err := streamer.target.UpdateMessageContent(flushCtx, sessionID, message.ID, fullContent); err != nil {
		streamer.logger.WithError(err).Warn("Failed to persist streamed message content",
			"session_id", sessionID, "message_id", message.ID)
	}

	streamer.publish(flushCtx, &models.SessionUpdate{
		SessionID: sessionID,
		RequestID: requestID,
		Type:      models.UpdateTypeStreamCompleted,
		MessageID: message.ID,
		Author:    message.Author,
		Content:   fullContent,
		Timestamp: time.Now(),
	})

	return nil
}

// AppendImmediate appends an already-complete message atomically. Used for
// directly-composed structured content such as requirement summaries.
func (streamer *Streamer) AppendImmediate(ctx context.Context, sessionID, requestID string, message models.ChatMessage) error {
	if err := streamer.target.AppendMessage(ctx, sessionID, message); err != nil {
		return err
	}

	streamer.publish(ctx, &models.SessionUpdate{
		SessionID: sessionID,
		RequestID: requestID,
		Type:      models.UpdateTypeMessageAppended,
		MessageID: message.ID,
		Author:    message.Author,
		Content:   message.Content,
		Timestamp: time.Now(),
	})

	return nil
}

func (streamer *Streamer) publish(ctx context.Context, update *models.SessionUpdate) {
	if err := streamer.target.PublishUpdate(ctx, update); err != nil {
		streamer.logger.WithError(err).Warn("Failed to publish stream update",
			"session_id", update.SessionID, "type", string(update.Type))
	}
}
