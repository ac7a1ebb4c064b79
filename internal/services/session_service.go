package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"inspec-ai-pipeline/internal/config"
	"inspec-ai-pipeline/internal/models"
	"inspec-ai-pipeline/internal/pkg/logger"
)

// SessionService owns all session-scoped state: the workflow state blob, the
// append-only message log, the per-session busy gate and the update stream
// consumed by the WebSocket relay. Everything carries the session TTL so
// nothing outlives the active session.
type SessionService struct {
	client  *redis.Client
	config  config.RedisConfig
	gateTTL time.Duration
	logger  *logger.Logger
}

// defaultGateTTL bounds the busy gate when no explicit TTL is configured. It
// must stay far below the session TTL so a crashed dispatch frees the
// session quickly.
const defaultGateTTL = 90 * time.Second

// normalizeGateTTL clamps the configured busy-gate TTL to a sane bound. The
// gate must always expire on its own, so zero and negative values fall back
// to the default instead of inheriting the session TTL.
func normalizeGateTTL(configured time.Duration) time.Duration {
	if configured <= 0 {
		return defaultGateTTL
	}
	return configured
}

func NewSessionService(cfg config.RedisConfig, gateTTL time.Duration, log *logger.Logger) (*SessionService, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	opt.PoolSize = cfg.PoolSize
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout

	service := &SessionService{
		client:  redis.NewClient(opt),
		config:  cfg,
		gateTTL: normalizeGateTTL(gateTTL),
		logger:  log,
	}

	if err := service.testConnection(); err != nil {
		return nil, fmt.Errorf("connection to Redis failed: %w", err)
	}

	log.Info("Session service initialized",
		"url", cfg.URL,
		"pool_size", cfg.PoolSize,
		"session_ttl", cfg.SessionTTL.String(),
		"gate_ttl", service.gateTTL.String())

	return service, nil
}

func (service *SessionService) testConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return service.client.Ping(ctx).Err()
}

func stateKey(sessionID string) string {
	return fmt.Sprintf("session:%s:state", sessionID)
}

func messagesKey(sessionID string) string {
	return fmt.Sprintf("session:%s:messages", sessionID)
}

func gateKey(sessionID string) string {
	return fmt.Sprintf("session:%s:busy", sessionID)
}

func updatesKey(sessionID string) string {
	return fmt.Sprintf("session:%s:updates", sessionID)
}

func (service *SessionService) GetSession(ctx context.Context, sessionID string) (*models.SessionState, error) {
	startTime := time.Now()

	raw, err := service.client.Get(ctx, stateKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrSessionNotFound.WithMetadata("session_id", sessionID)
		}
		service.logger.LogService("redis", "get_session", time.Since(startTime), map[string]interface{}{
			"session_id": sessionID,
		}, err)
		return nil, models.NewExternalError("REDIS_GET_FAILED", "failed to load session state").WithCause(err)
	}

	var state models.SessionState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, models.NewInternalError("DESERIALIZATION_FAILED", "failed to decode session state").WithCause(err)
	}

	service.logger.LogService("redis", "get_session", time.Since(startTime), map[string]interface{}{
		"session_id": sessionID,
		"step":       string(state.Step),
	}, nil)

	return &state, nil
}

func (service *SessionService) SaveSession(ctx context.Context, state *models.SessionState) error {
	startTime := time.Now()

	state.Touch()

	raw, err := json.Marshal(state)
	if err != nil {
		return models.NewInternalError("SERIALIZATION_FAILED", "failed to encode session state").WithCause(err)
	}

	if err := service.client.Set(ctx, stateKey(state.ID), raw, service.config.SessionTTL).Err(); err != nil {
		service.logger.LogService("redis", "save_session", time.Since(startTime), map[string]interface{}{
			"session_id": state.ID,
		}, err)
		return models.NewExternalError("REDIS_STORE_FAILED", "failed to store session state").WithCause(err)
	}

	service.logger.LogService("redis", "save_session", time.Since(startTime), map[string]interface{}{
		"session_id": state.ID,
		"step":       string(state.Step),
	}, nil)

	return nil
}

func (service *SessionService) DeleteSession(ctx context.Context, sessionID string) error {
	err := service.client.Del(ctx,
		stateKey(sessionID),
		messagesKey(sessionID),
		gateKey(sessionID),
		updatesKey(sessionID),
	).Err()
	if err != nil {
		return models.NewExternalError("REDIS_DELETE_FAILED", "failed to delete session").WithCause(err)
	}
	return nil
}

func (service *SessionService) AppendMessage(ctx context.Context, sessionID string, message models.ChatMessage) error {
	startTime := time.Now()

	raw, err := json.Marshal(message)
	if err != nil {
		return models.NewInternalError("SERIALIZATION_FAILED", "failed to encode chat message").WithCause(err)
	}

	pipe := service.client.Pipeline()
	pipe.RPush(ctx, messagesKey(sessionID), raw)
	pipe.Expire(ctx, messagesKey(sessionID), service.config.SessionTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		service.logger.LogService("redis", "append_message", time.Since(startTime), map[string]interface{}{
			"session_id": sessionID,
			"message_id": message.ID,
		}, err)
		return models.NewExternalError("REDIS_STORE_FAILED", "failed to append message").WithCause(err)
	}

	return nil
}

func (service *SessionService) GetMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	raw, err := service.client.LRange(ctx, messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, models.NewExternalError("REDIS_GET_FAILED", "failed to load message log").WithCause(err)
	}

	messages := make([]models.ChatMessage, 0, len(raw))
	for _, item := range raw {
		var message models.ChatMessage
		if err := json.Unmarshal([]byte(item), &message); err != nil {
			service.logger.WithError(err).Warn("Skipping undecodable chat message", "session_id", sessionID)
			continue
		}
		messages = append(messages, message)
	}

	return messages, nil
}

// UpdateMessageContent rewrites the stored content of one message. Only the
// in-progress streamed assistant message is ever updated this way.
func (service *SessionService) UpdateMessageContent(ctx context.Context, sessionID, messageID, content string) error {
	raw, err := service.client.LRange(ctx, messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return models.NewExternalError("REDIS_GET_FAILED", "failed to load message log").WithCause(err)
	}

	for index, item := range raw {
		var message models.ChatMessage
		if err := json.Unmarshal([]byte(item), &message); err != nil {
			continue
		}
		if message.ID != messageID {
			continue
		}

		message.Content = content
		updated, err := json.Marshal(message)
		if err != nil {
			return models.NewInternalError("SERIALIZATION_FAILED", "failed to encode chat message").WithCause(err)
		}

		if err := service.client.LSet(ctx, messagesKey(sessionID), int64(index), updated).Err(); err != nil {
			return models.NewExternalError("REDIS_STORE_FAILED", "failed to update message").WithCause(err)
		}
		return nil
	}

	return models.NewInternalError("MESSAGE_NOT_FOUND", "message not found in session log").WithMetadata("message_id", messageID)
}

// AcquireGate takes the per-session busy gate. It returns false when another
// dispatch or stream currently holds it. The gate carries its own short TTL,
// not the session TTL, so a crashed dispatch frees the session once the
// gate expires.
func (service *SessionService) AcquireGate(ctx context.Context, sessionID string) (bool, error) {
	acquired, err := service.client.SetNX(ctx, gateKey(sessionID), time.Now().Format(time.RFC3339), service.gateTTL).Result()
	if err != nil {
		return false, models.NewExternalError("REDIS_GATE_FAILED", "failed to acquire session gate").WithCause(err)
	}
	return acquired, nil
}

func (service *SessionService) ReleaseGate(ctx context.Context, sessionID string) {
	if err := service.client.Del(ctx, gateKey(sessionID)).Err(); err != nil {
		service.logger.WithError(err).Warn("Failed to release session gate", "session_id", sessionID)
	}
}

// PublishUpdate appends one event to the session's capped update stream.
func (service *SessionService) PublishUpdate(ctx context.Context, update *models.SessionUpdate) error {
	values := map[string]interface{}{
		"type":      string(update.Type),
		"timestamp": update.Timestamp.Format(time.RFC3339Nano),
	}
	if update.RequestID != "" {
		values["request_id"] = update.RequestID
	}
	if update.MessageID != "" {
		values["message_id"] = update.MessageID
	}
	if update.Author != "" {
		values["author"] = string(update.Author)
	}
	if update.Content != "" {
		values["content"] = update.Content
	}
	if update.Step != "" {
		values["step"] = string(update.Step)
	}

	pipe := service.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: updatesKey(update.SessionID),
		Values: values,
		MaxLen: service.config.StreamMaxLen,
		Approx: true,
	})
	pipe.Expire(ctx, updatesKey(update.SessionID), service.config.SessionTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		service.logger.LogService("redis", "publish_update", 0, map[string]interface{}{
			"session_id": update.SessionID,
			"type":       string(update.Type),
		}, err)
		return models.NewExternalError("REDIS_PUBLISH_FAILED", "failed to publish session update").WithCause(err)
	}

	return nil
}

// startCursor converts a caller cursor into a concrete XRead position. "$"
// re-evaluates at every XRead call, so reusing it across reads drops any
// entry published between two reads; pinning it to the newest entry ID once
// closes that gap.
func startCursor(lastID, newestID string) string {
	if lastID != "" && lastID != "$" {
		return lastID
	}
	if newestID == "" {
		return "0"
	}
	return newestID
}

// newestUpdateID returns the ID of the most recent stream entry, or "" when
// the stream is empty.
func (service *SessionService) newestUpdateID(ctx context.Context, sessionID string) (string, error) {
	entries, err := service.client.XRevRangeN(ctx, updatesKey(sessionID), "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[0].ID, nil
}

// ReadUpdates blocks up to the given duration waiting for events after
// lastID. An empty or "$" cursor delivers only events published after this
// call; the returned cursor is always concrete so the caller can chain reads
// without losing entries in between.
func (service *SessionService) ReadUpdates(ctx context.Context, sessionID, lastID string, block time.Duration) ([]models.SessionUpdate, string, error) {
	if lastID == "" || lastID == "$" {
		newestID, err := service.newestUpdateID(ctx, sessionID)
		if err != nil {
			return nil, lastID, models.NewExternalError("REDIS_READ_FAILED", "failed to resolve update cursor").WithCause(err)
		}
		lastID = startCursor(lastID, newestID)
	}

	streams, err := service.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{updatesKey(sessionID), lastID},
		Block:   block,
		Count:   64,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, lastID, nil
		}
		return nil, lastID, models.NewExternalError("REDIS_READ_FAILED", "failed to read session updates").WithCause(err)
	}

	var updates []models.SessionUpdate
	nextID := lastID
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			updates = append(updates, decodeUpdate(sessionID, entry.Values))
			nextID = entry.ID
		}
	}

	return updates, nextID, nil
}

func decodeUpdate(sessionID string, values map[string]interface{}) models.SessionUpdate {
	update := models.SessionUpdate{SessionID: sessionID}

	if v, ok := values["type"].(string); ok {
		update.Type = models.UpdateType(v)
	}
	if v, ok := values["request_id"].(string); ok {
		update.RequestID = v
	}
	if v, ok := values["message_id"].(string); ok {
		update.MessageID = v
	}
	if v, ok := values["author"].(string); ok {
		update.Author = models.AuthorKind(v)
	}
	if v, ok := values["content"].(string); ok {
		update.Content = v
	}
	if v, ok := values["step"].(string); ok {
		update.Step = models.WorkflowStep(v)
	}
	if v, ok := values["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
			update.Timestamp = parsed
		}
	}

	return update
}

func (service *SessionService) HealthCheck(ctx context.Context) error {
	if err := service.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection unhealthy: %w", err)
	}
	return nil
}

func (service *SessionService) Close() error {
	service.logger.Info("Closing session service")
	return service.client.Close()
}
