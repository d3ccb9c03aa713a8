// Package notification delivers user-facing messages. Delivery is fire and
// forget: sink failures are logged and never block trade progress.
package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kobopeer/kobopeer/pkg/models"
)

// Message is a user-facing notification payload
type Message struct {
	Title   string
	Message string
	Type    string // trade, wallet, dispute, system
	Data    map[string]interface{}
}

// Sink delivers notifications to an account
type Sink interface {
	Notify(ctx context.Context, userID uuid.UUID, msg Message) error
}

// StoreSink persists notifications to the notifications table
type StoreSink struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewStoreSink creates a database-backed sink
func NewStoreSink(logger *zap.Logger, db *gorm.DB) *StoreSink {
	return &StoreSink{logger: logger, db: db}
}

func (s *StoreSink) Notify(ctx context.Context, userID uuid.UUID, msg Message) error {
	n := &models.Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     msg.Title,
		Message:   msg.Message,
		Type:      msg.Type,
		Data:      models.JSONMap(msg.Data),
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		s.logger.Warn("failed to store notification",
			zap.String("user_id", userID.String()), zap.Error(err))
		return err
	}
	return nil
}

// MultiSink fans a notification out to several sinks; the first error is
// returned after every sink has been attempted.
type MultiSink []Sink

func (m MultiSink) Notify(ctx context.Context, userID uuid.UUID, msg Message) error {
	var first error
	for _, sink := range m {
		if err := sink.Notify(ctx, userID, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NopSink discards notifications; used in tests
type NopSink struct{}

func (NopSink) Notify(ctx context.Context, userID uuid.UUID, msg Message) error { return nil }
