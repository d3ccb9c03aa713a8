package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSink publishes notifications to a per-user Redis channel so connected
// frontends can pick them up in real time.
type RedisSink struct {
	logger *zap.Logger
	client *redis.Client
}

// NewRedisSink creates a sink publishing to rdb
func NewRedisSink(logger *zap.Logger, client *redis.Client) *RedisSink {
	return &RedisSink{logger: logger, client: client}
}

type redisPayload struct {
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (s *RedisSink) Notify(ctx context.Context, userID uuid.UUID, msg Message) error {
	payload, err := json.Marshal(redisPayload{
		Title:     msg.Title,
		Message:   msg.Message,
		Type:      msg.Type,
		Data:      msg.Data,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	channel := "notifications:" + userID.String()
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		s.logger.Warn("failed to publish notification",
			zap.String("channel", channel), zap.Error(err))
		return err
	}
	return nil
}
