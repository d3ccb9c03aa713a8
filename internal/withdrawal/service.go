// Package withdrawal queues payout requests and settles them asynchronously.
// Requesting a withdrawal locks the funds immediately; the background worker
// picks requests up after a grace window and either settles the locked debit
// or unlocks on failure.
package withdrawal

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	cerrors "github.com/kobopeer/kobopeer/common/errors"
	"github.com/kobopeer/kobopeer/internal/ledger"
	"github.com/kobopeer/kobopeer/internal/risk"
	"github.com/kobopeer/kobopeer/pkg/models"
)

// Service accepts withdrawal requests
type Service interface {
	Request(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, toAddress string) (*models.WithdrawalRequest, error)
	Get(ctx context.Context, requestID uuid.UUID) (*models.WithdrawalRequest, error)
	List(ctx context.Context, userID uuid.UUID) ([]models.WithdrawalRequest, error)
}

type service struct {
	logger   *zap.Logger
	db       *gorm.DB
	ledger   ledger.Service
	riskGate risk.Gate
}

func NewService(logger *zap.Logger, db *gorm.DB, ledgerSvc ledger.Service, riskGate risk.Gate) Service {
	return &service{logger: logger, db: db, ledger: ledgerSvc, riskGate: riskGate}
}

// Request locks amount from the user's available balance and queues the
// payout. The lock happens before the row is created, so a queued request is
// always fully funded.
func (s *service) Request(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, toAddress string) (*models.WithdrawalRequest, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, cerrors.New(cerrors.KindInvalidAmount, "withdrawal amount must be positive, got %s", amount)
	}
	if toAddress == "" {
		return nil, cerrors.New(cerrors.KindInvalidAmount, "destination address is required")
	}

	if s.riskGate != nil {
		assessment, err := s.riskGate.CheckRisk(ctx, userID, risk.ActionWithdraw, amount)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.KindGateUnavailable, err, "risk gate unavailable")
		}
		if assessment.Blocked {
			return nil, cerrors.New(cerrors.KindComplianceBlocked,
				"withdrawal denied by risk gate (score %d)", assessment.Score)
		}
	}

	if err := s.ledger.Lock(ctx, userID, currency, amount); err != nil {
		return nil, err
	}

	now := time.Now()
	req := &models.WithdrawalRequest{
		ID:        uuid.New(),
		UserID:    userID,
		Currency:  currency,
		Amount:    amount,
		ToAddress: toAddress,
		Status:    models.WithdrawalStatusPending,
		Reference: newReference(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		// the request never existed; give the funds back
		if uerr := s.ledger.Unlock(ctx, userID, currency, amount); uerr != nil {
			s.logger.Error("failed to unlock after request create failure",
				zap.String("user_id", userID.String()), zap.Error(uerr))
		}
		return nil, fmt.Errorf("failed to create withdrawal request: %w", err)
	}

	s.logger.Info("withdrawal requested",
		zap.String("request_id", req.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("currency", currency),
		zap.String("amount", amount.String()))
	return req, nil
}

func (s *service) Get(ctx context.Context, requestID uuid.UUID) (*models.WithdrawalRequest, error) {
	var req models.WithdrawalRequest
	err := s.db.WithContext(ctx).Where("id = ?", requestID).First(&req).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, cerrors.New(cerrors.KindNotFound, "withdrawal %s not found", requestID)
		}
		return nil, fmt.Errorf("failed to find withdrawal: %w", err)
	}
	return &req, nil
}

func (s *service) List(ctx context.Context, userID uuid.UUID) ([]models.WithdrawalRequest, error) {
	var reqs []models.WithdrawalRequest
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&reqs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	return reqs, nil
}

func newReference() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "WTH_" + hex.EncodeToString(b)
}
