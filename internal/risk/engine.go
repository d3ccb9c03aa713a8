package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kobopeer/kobopeer/pkg/metrics"
	"github.com/kobopeer/kobopeer/pkg/models"
)

// Score thresholds for composite risk levels
const (
	ThresholdMedium = 50
	ThresholdHigh   = 80
)

// largeAmountThreshold flags single transactions above 1M fiat units
var largeAmountThreshold = decimal.NewFromInt(1_000_000)

// Engine is a database-backed risk gate. It scores velocity and history
// signals from the risk log and appends every decision back to it.
type Engine struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewEngine creates a risk engine backed by db
func NewEngine(logger *zap.Logger, db *gorm.DB) *Engine {
	return &Engine{logger: logger, db: db}
}

var _ Gate = (*Engine)(nil)

// CheckRisk computes a composite risk score for the intended action
func (e *Engine) CheckRisk(ctx context.Context, userID uuid.UUID, action string, amount decimal.Decimal) (*Assessment, error) {
	score := 0
	var factors []string

	var user models.User
	if err := e.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err == nil {
		if !user.IsActive {
			score += 100
			factors = append(factors, "account suspended")
		}
	} else if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	hourly, err := e.countActions(ctx, userID, action, time.Hour)
	if err != nil {
		return nil, err
	}
	if hourly > 20 {
		score += 40
		factors = append(factors, "high velocity - too many actions per hour")
	} else if hourly > 10 {
		score += 20
		factors = append(factors, "medium velocity - elevated activity")
	}

	daily, err := e.countActions(ctx, userID, action, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	if daily > 100 {
		score += 30
		factors = append(factors, "very high daily activity")
	}

	if amount.GreaterThan(largeAmountThreshold) {
		score += 15
		factors = append(factors, "large transaction amount")
	}

	level := LevelLow
	blocked := false
	if score >= ThresholdHigh {
		level = LevelHigh
		blocked = true
	} else if score >= ThresholdMedium {
		level = LevelMedium
	}

	entry := &models.RiskLog{
		ID:        uuid.New(),
		UserID:    userID,
		Action:    action,
		Score:     score,
		Factors:   models.StringArray(factors),
		Blocked:   blocked,
		CreatedAt: time.Now(),
	}
	if err := e.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("failed to write risk log: %w", err)
	}

	if blocked {
		metrics.RiskChecksBlocked.WithLabelValues(action).Inc()
		e.logger.Warn("risk gate blocked action",
			zap.String("user_id", userID.String()),
			zap.String("action", action),
			zap.Int("score", score),
			zap.Strings("factors", factors))
	}

	return &Assessment{Score: score, Level: level, Factors: factors, Blocked: blocked}, nil
}

// BlockUser suspends an account and records the block in the risk log
func (e *Engine) BlockUser(ctx context.Context, userID uuid.UUID, reason string) error {
	if err := e.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).Update("is_active", false).Error; err != nil {
		return fmt.Errorf("failed to suspend user: %w", err)
	}
	entry := &models.RiskLog{
		ID:        uuid.New(),
		UserID:    userID,
		Action:    "user_blocked",
		Score:     100,
		Factors:   models.StringArray{reason},
		Blocked:   true,
		CreatedAt: time.Now(),
	}
	return e.db.WithContext(ctx).Create(entry).Error
}

func (e *Engine) countActions(ctx context.Context, userID uuid.UUID, action string, window time.Duration) (int64, error) {
	var count int64
	err := e.db.WithContext(ctx).Model(&models.RiskLog{}).
		Where("user_id = ? AND action = ? AND created_at > ?", userID, action, time.Now().Add(-window)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count risk log entries: %w", err)
	}
	return count, nil
}
