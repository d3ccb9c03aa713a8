// Package escrow implements the escrow controller: it opens, holds, releases,
// freezes and refunds the escrow tied to one trade, mutating balances only
// through the wallet ledger.
package escrow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	cerrors "github.com/kobopeer/kobopeer/common/errors"
	"github.com/kobopeer/kobopeer/internal/ledger"
	"github.com/kobopeer/kobopeer/pkg/metrics"
	"github.com/kobopeer/kobopeer/pkg/models"
)

// Role identifies which trade party is confirming
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Outcome directs a forced release after dispute resolution
type Outcome string

const (
	OutcomeToBuyer  Outcome = "to_buyer"
	OutcomeToSeller Outcome = "to_seller"
)

// ReleaseState reports whether a confirmation released the escrow
type ReleaseState string

const (
	ReleasePending   ReleaseState = "pending_release"
	ReleaseCompleted ReleaseState = "completed"
)

// Controller manages escrow lifecycle for trades
type Controller interface {
	Open(ctx context.Context, tradeID, sellerID, buyerID uuid.UUID, currency string, amount decimal.Decimal) (*models.Escrow, error)
	Get(ctx context.Context, tradeID uuid.UUID) (*models.Escrow, error)
	Confirm(ctx context.Context, tradeID, userID uuid.UUID, role Role) (ReleaseState, error)
	Freeze(ctx context.Context, tradeID uuid.UUID) error
	Unfreeze(ctx context.Context, tradeID uuid.UUID) error
	ForceRelease(ctx context.Context, tradeID uuid.UUID, outcome Outcome) error
	Refund(ctx context.Context, tradeID uuid.UUID) error
}

type controller struct {
	logger *zap.Logger
	db     *gorm.DB
	ledger ledger.Service
	trades *ledger.KeyMutex // per-trade critical sections
}

// NewController creates an escrow controller on top of the wallet ledger
func NewController(logger *zap.Logger, db *gorm.DB, ledgerSvc ledger.Service) Controller {
	return &controller{logger: logger, db: db, ledger: ledgerSvc, trades: ledger.NewKeyMutex()}
}

// Open locks the seller's funds and creates the escrow in held status.
// InsufficientFunds propagates from the ledger when the seller lacks
// available balance.
func (c *controller) Open(ctx context.Context, tradeID, sellerID, buyerID uuid.UUID, currency string, amount decimal.Decimal) (*models.Escrow, error) {
	key := tradeID.String()
	c.trades.Lock(key)
	defer c.trades.Unlock(key)

	if err := c.ledger.Lock(ctx, sellerID, currency, amount); err != nil {
		return nil, err
	}

	now := time.Now()
	esc := &models.Escrow{
		ID:        uuid.New(),
		TradeID:   tradeID,
		SellerID:  sellerID,
		BuyerID:   buyerID,
		Currency:  currency,
		Amount:    amount,
		Address:   generateEscrowAddress(tradeID),
		Status:    models.EscrowStatusHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.db.WithContext(ctx).Create(esc).Error; err != nil {
		// roll the lock back so the seller's funds are not stranded
		if uerr := c.ledger.Unlock(ctx, sellerID, currency, amount); uerr != nil {
			c.logger.Error("failed to unwind escrow lock",
				zap.String("trade_id", tradeID.String()), zap.Error(uerr))
		}
		return nil, fmt.Errorf("failed to create escrow: %w", err)
	}

	c.logger.Info("escrow opened",
		zap.String("trade_id", tradeID.String()),
		zap.String("address", esc.Address),
		zap.String("amount", amount.String()),
		zap.String("currency", currency))
	return esc, nil
}

// Get returns the escrow attached to tradeID
func (c *controller) Get(ctx context.Context, tradeID uuid.UUID) (*models.Escrow, error) {
	var esc models.Escrow
	err := c.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&esc).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, cerrors.New(cerrors.KindNotFound, "escrow not found for trade %s", tradeID)
		}
		return nil, fmt.Errorf("failed to find escrow: %w", err)
	}
	return &esc, nil
}

// Confirm idempotently records a party's confirmation. When both parties have
// confirmed, the escrow is released in the same critical section: locked funds
// leave the seller's balance and are credited to the buyer. The returned state
// tells the caller whether release happened without re-deriving it.
func (c *controller) Confirm(ctx context.Context, tradeID, userID uuid.UUID, role Role) (ReleaseState, error) {
	key := tradeID.String()
	c.trades.Lock(key)
	defer c.trades.Unlock(key)

	esc, err := c.Get(ctx, tradeID)
	if err != nil {
		return "", err
	}

	switch esc.Status {
	case models.EscrowStatusFrozen:
		return "", cerrors.New(cerrors.KindEscrowFrozen, "escrow for trade %s is frozen", tradeID)
	case models.EscrowStatusReleased:
		// already released; repeated confirmations move nothing
		return ReleaseCompleted, nil
	case models.EscrowStatusHeld:
	default:
		return "", cerrors.New(cerrors.KindInvalidState, "escrow for trade %s is %s", tradeID, esc.Status)
	}

	switch role {
	case RoleBuyer:
		if esc.BuyerID != userID {
			return "", cerrors.New(cerrors.KindInvalidState, "user %s is not the buyer of trade %s", userID, tradeID)
		}
		esc.BuyerConfirmed = true
	case RoleSeller:
		if esc.SellerID != userID {
			return "", cerrors.New(cerrors.KindInvalidState, "user %s is not the seller of trade %s", userID, tradeID)
		}
		esc.SellerConfirmed = true
	default:
		return "", cerrors.New(cerrors.KindInvalidState, "unknown confirmation role %q", role)
	}

	if !(esc.BuyerConfirmed && esc.SellerConfirmed) {
		esc.UpdatedAt = time.Now()
		if err := c.db.WithContext(ctx).Save(esc).Error; err != nil {
			return "", fmt.Errorf("failed to save escrow confirmation: %w", err)
		}
		return ReleasePending, nil
	}

	if err := c.release(ctx, esc); err != nil {
		return "", err
	}
	metrics.EscrowReleases.WithLabelValues("confirm").Inc()
	return ReleaseCompleted, nil
}

// Freeze blocks further confirmations while a dispute is handled. Only a held
// escrow can be frozen.
func (c *controller) Freeze(ctx context.Context, tradeID uuid.UUID) error {
	key := tradeID.String()
	c.trades.Lock(key)
	defer c.trades.Unlock(key)

	res := c.db.WithContext(ctx).Model(&models.Escrow{}).
		Where("trade_id = ? AND status = ?", tradeID, models.EscrowStatusHeld).
		Updates(map[string]interface{}{"status": models.EscrowStatusFrozen, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("failed to freeze escrow: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		esc, err := c.Get(ctx, tradeID)
		if err != nil {
			return err
		}
		return cerrors.New(cerrors.KindInvalidState, "cannot freeze escrow in status %s", esc.Status)
	}
	c.logger.Warn("escrow frozen", zap.String("trade_id", tradeID.String()))
	return nil
}

// Unfreeze returns a frozen escrow to held, used when a dispute fails to
// attach after the freeze. Only a frozen escrow can be unfrozen.
func (c *controller) Unfreeze(ctx context.Context, tradeID uuid.UUID) error {
	key := tradeID.String()
	c.trades.Lock(key)
	defer c.trades.Unlock(key)

	res := c.db.WithContext(ctx).Model(&models.Escrow{}).
		Where("trade_id = ? AND status = ?", tradeID, models.EscrowStatusFrozen).
		Updates(map[string]interface{}{"status": models.EscrowStatusHeld, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("failed to unfreeze escrow: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		esc, err := c.Get(ctx, tradeID)
		if err != nil {
			return err
		}
		return cerrors.New(cerrors.KindInvalidState, "cannot unfreeze escrow in status %s", esc.Status)
	}
	c.logger.Info("escrow unfrozen", zap.String("trade_id", tradeID.String()))
	return nil
}

// ForceRelease resolves a frozen escrow administratively, bypassing the dual
// confirmation requirement. Legal only from frozen status.
func (c *controller) ForceRelease(ctx context.Context, tradeID uuid.UUID, outcome Outcome) error {
	key := tradeID.String()
	c.trades.Lock(key)
	defer c.trades.Unlock(key)

	esc, err := c.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	if esc.Status != models.EscrowStatusFrozen {
		return cerrors.New(cerrors.KindInvalidState, "force release requires frozen escrow, got %s", esc.Status)
	}

	switch outcome {
	case OutcomeToBuyer:
		if err := c.release(ctx, esc); err != nil {
			return err
		}
	case OutcomeToSeller:
		if err := c.returnToSeller(ctx, esc); err != nil {
			return err
		}
	default:
		return cerrors.New(cerrors.KindInvalidState, "unknown force release outcome %q", outcome)
	}
	metrics.EscrowReleases.WithLabelValues("force").Inc()
	c.logger.Info("escrow force released",
		zap.String("trade_id", tradeID.String()), zap.String("outcome", string(outcome)))
	return nil
}

// Refund returns a held escrow to the seller when the trade is cancelled
// before payment is marked.
func (c *controller) Refund(ctx context.Context, tradeID uuid.UUID) error {
	key := tradeID.String()
	c.trades.Lock(key)
	defer c.trades.Unlock(key)

	esc, err := c.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	if esc.Status != models.EscrowStatusHeld {
		return cerrors.New(cerrors.KindInvalidState, "refund requires held escrow, got %s", esc.Status)
	}
	return c.returnToSeller(ctx, esc)
}

// release moves the escrowed amount out of the seller's locked balance and
// credits the buyer. The fund movement and the escrow status flip commit in
// one transaction: a failure anywhere leaves the escrow held and both wallets
// untouched, so a later retry starts from a clean state.
func (c *controller) release(ctx context.Context, esc *models.Escrow) error {
	now := time.Now()
	if err := c.ledger.Transfer(ctx, esc.SellerID, esc.BuyerID, esc.Currency, esc.Amount, c.finalize(esc, now)); err != nil {
		return err
	}
	esc.Status = models.EscrowStatusReleased
	esc.ReleasedAt = &now
	esc.UpdatedAt = now
	return nil
}

// returnToSeller unlocks the escrowed amount back to the seller, with the
// escrow status flip in the same transaction.
func (c *controller) returnToSeller(ctx context.Context, esc *models.Escrow) error {
	now := time.Now()
	if err := c.ledger.UnlockWith(ctx, esc.SellerID, esc.Currency, esc.Amount, c.finalize(esc, now)); err != nil {
		return err
	}
	esc.Status = models.EscrowStatusReleased
	esc.ReleasedAt = &now
	esc.UpdatedAt = now
	return nil
}

// finalize marks the escrow released inside the transaction that moves the
// funds. The guarded update refuses a second release of the same escrow.
func (c *controller) finalize(esc *models.Escrow, now time.Time) func(tx *gorm.DB) error {
	return func(tx *gorm.DB) error {
		res := tx.Model(&models.Escrow{}).
			Where("id = ? AND status <> ?", esc.ID, models.EscrowStatusReleased).
			Updates(map[string]interface{}{
				"status":           models.EscrowStatusReleased,
				"buyer_confirmed":  esc.BuyerConfirmed,
				"seller_confirmed": esc.SellerConfirmed,
				"released_at":      now,
				"updated_at":       now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to mark escrow released: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return cerrors.New(cerrors.KindInvalidState, "escrow for trade %s already released", esc.TradeID)
		}
		return nil
	}
}

// generateEscrowAddress derives a collision-resistant escrow reference from
// the trade id and fresh randomness. No private key material is involved.
func generateEscrowAddress(tradeID uuid.UUID) string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is not recoverable here
		panic(fmt.Sprintf("escrow address entropy: %v", err))
	}
	sum := sha256.Sum256(append(tradeID[:], buf...))
	return "escrow_" + hex.EncodeToString(sum[:])[:16]
}
