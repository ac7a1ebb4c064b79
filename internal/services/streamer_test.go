package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"inspec-ai-pipeline/internal/config"
	"inspec-ai-pipeline/internal/models"
	"inspec-ai-pipeline/internal/pkg/logger"
)

// recordingTarget rejects calls made with a dead context, the way the real
// Redis-backed store does.
type recordingTarget struct {
	appended  []models.ChatMessage
	persisted map[string]string
	updates   []models.SessionUpdate
	onAppend  func()
}

func newRecordingTarget() *recordingTarget {
	return &recordingTarget{persisted: map[string]string{}}
}

func (t *recordingTarget) AppendMessage(ctx context.Context, _ string, message models.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.appended = append(t.appended, message)
	if t.onAppend != nil {
		t.onAppend()
	}
	return nil
}

func (t *recordingTarget) UpdateMessageContent(ctx context.Context, _, messageID, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.persisted[messageID] = content
	return nil
}

func (t *recordingTarget) PublishUpdate(ctx context.Context, update *models.SessionUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.updates = append(t.updates, *update)
	return nil
}

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		CharDelay:    time.Microsecond,
		MaxStreamLen: 4096,
	}
}

func TestRevealPublishesGrowingPrefixes(t *testing.T) {
	target := newRecordingTarget()
	streamer := NewStreamer(target, testStreamConfig(), logger.NewNop())

	message := models.NewChatMessage(models.AuthorAssistant, "hello there")
	if err := streamer.Reveal(context.Background(), "session-1", "req-1", message); err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}

	if len(target.appended) != 1 || target.appended[0].Content != "" {
		t.Fatal("Streamed message must be appended as an empty placeholder first")
	}

	if target.persisted[message.ID] != "hello there" {
		t.Errorf("Full content not persisted, got %q", target.persisted[message.ID])
	}

	if target.updates[0].Type != models.UpdateTypeStreamStarted {
		t.Errorf("First update should be stream_started, got %s", target.updates[0].Type)
	}

	last := target.updates[len(target.updates)-1]
	if last.Type != models.UpdateTypeStreamCompleted || last.Content != "hello there" {
		t.Errorf("Last update should complete with full content, got %+v", last)
	}

	previousLen := 0
	for _, update := range target.updates {
		if update.Type != models.UpdateTypeMessageUpdated {
			continue
		}
		if !strings.HasPrefix("hello there", update.Content) {
			t.Errorf("Update %q is not a prefix of the target", update.Content)
		}
		if len(update.Content) <= previousLen {
			t.Errorf("Prefixes must grow monotonically: %q after length %d", update.Content, previousLen)
		}
		previousLen = len(update.Content)
	}
}

func TestRevealFlushesOnCancelledContext(t *testing.T) {
	target := newRecordingTarget()
	cfg := testStreamConfig()
	cfg.CharDelay = time.Hour // the ticker never fires
	streamer := NewStreamer(target, cfg, logger.NewNop())

	// The caller's context dies right after the placeholder is appended,
	// like a client disconnecting mid-stream. The store rejects every call
	// on the dead context, so the flush must not use it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	target.onAppend = cancel

	message := models.NewChatMessage(models.AuthorAssistant, "a long message that would stream slowly")
	if err := streamer.Reveal(ctx, "session-1", "req-1", message); err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}

	if target.persisted[message.ID] != message.Content {
		t.Errorf("Cancelled stream must still persist the full content, got %q", target.persisted[message.ID])
	}
	if len(target.updates) == 0 {
		t.Fatal("Cancelled stream published no completion update")
	}
	last := target.updates[len(target.updates)-1]
	if last.Type != models.UpdateTypeStreamCompleted || last.Content != message.Content {
		t.Errorf("Cancelled stream must still complete, got %+v", last)
	}
}

func TestRevealChunksLongMessages(t *testing.T) {
	target := newRecordingTarget()
	cfg := testStreamConfig()
	cfg.MaxStreamLen = 10
	streamer := NewStreamer(target, cfg, logger.NewNop())

	content := strings.Repeat("x", 100)
	message := models.NewChatMessage(models.AuthorAssistant, content)
	if err := streamer.Reveal(context.Background(), "session-1", "req-1", message); err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}

	updateCount := 0
	for _, update := range target.updates {
		if update.Type == models.UpdateTypeMessageUpdated {
			updateCount++
		}
	}
	if updateCount > cfg.MaxStreamLen {
		t.Errorf("Long message published %d prefix updates, cap is %d", updateCount, cfg.MaxStreamLen)
	}
	if target.persisted[message.ID] != content {
		t.Error("Chunked stream lost content")
	}
}

func TestAppendImmediate(t *testing.T) {
	target := newRecordingTarget()
	streamer := NewStreamer(target, testStreamConfig(), logger.NewNop())

	message := models.NewChatMessage(models.AuthorAssistant, "| field | value |")
	if err := streamer.AppendImmediate(context.Background(), "session-1", "req-1", message); err != nil {
		t.Fatalf("AppendImmediate failed: %v", err)
	}

	if len(target.appended) != 1 || target.appended[0].Content != message.Content {
		t.Error("Structured message must be appended complete")
	}
	if len(target.updates) != 1 || target.updates[0].Type != models.UpdateTypeMessageAppended {
		t.Errorf("Expected one message_appended update, got %+v", target.updates)
	}
}
