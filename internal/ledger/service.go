// Package ledger implements the per-account, per-currency wallet balance
// store. Invariant at every commit point: balance == available + locked, with
// available >= 0 and locked >= 0. All other components mutate wallets only
// through the operations defined here.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	cerrors "github.com/kobopeer/kobopeer/common/errors"
	"github.com/kobopeer/kobopeer/pkg/models"
)

// Service defines the wallet ledger operations
type Service interface {
	GetWallet(ctx context.Context, userID uuid.UUID, currency string) (*models.Wallet, error)
	GetWallets(ctx context.Context, userID uuid.UUID) ([]*models.Wallet, error)
	Credit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error
	Lock(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error
	Unlock(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error
	// UnlockWith is Unlock plus a callback committed in the same transaction;
	// a callback failure rolls the unlock back.
	UnlockWith(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, fn func(tx *gorm.DB) error) error
	SettleLockedDebit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error
	// Transfer consumes amount from the source wallet's locked balance and
	// credits the destination wallet, atomically. fn, when non-nil, runs in
	// the same transaction; its failure rolls the whole transfer back.
	Transfer(ctx context.Context, fromID, toID uuid.UUID, currency string, amount decimal.Decimal, fn func(tx *gorm.DB) error) error
}

type service struct {
	logger *zap.Logger
	db     *gorm.DB
	keys   *KeyMutex
}

// NewService creates a wallet ledger backed by db
func NewService(logger *zap.Logger, db *gorm.DB) Service {
	return &service{logger: logger, db: db, keys: NewKeyMutex()}
}

func walletKey(userID uuid.UUID, currency string) string {
	return userID.String() + ":" + currency
}

// GetWallet returns the wallet for (userID, currency)
func (s *service) GetWallet(ctx context.Context, userID uuid.UUID, currency string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.WithContext(ctx).Where("user_id = ? AND currency = ?", userID, currency).First(&wallet).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, cerrors.New(cerrors.KindNotFound, "wallet not found for %s %s", userID, currency)
		}
		return nil, fmt.Errorf("failed to find wallet: %w", err)
	}
	return &wallet, nil
}

// GetWallets returns all wallets owned by userID
func (s *service) GetWallets(ctx context.Context, userID uuid.UUID) ([]*models.Wallet, error) {
	var wallets []*models.Wallet
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("currency").Find(&wallets).Error; err != nil {
		return nil, fmt.Errorf("failed to find wallets: %w", err)
	}
	return wallets, nil
}

// Credit adds amount to both balance and available
func (s *service) Credit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return cerrors.New(cerrors.KindInvalidAmount, "credit amount must be positive, got %s", amount)
	}
	return s.mutate(ctx, userID, currency, func(w *models.Wallet) error {
		w.Balance = w.Balance.Add(amount)
		w.Available = w.Available.Add(amount)
		return nil
	}, nil)
}

// Lock moves amount from available to locked
func (s *service) Lock(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return cerrors.New(cerrors.KindInvalidAmount, "lock amount must be positive, got %s", amount)
	}
	return s.mutate(ctx, userID, currency, func(w *models.Wallet) error {
		if w.Available.LessThan(amount) {
			return cerrors.New(cerrors.KindInsufficientFunds,
				"available %s %s is less than %s", w.Available, currency, amount)
		}
		w.Available = w.Available.Sub(amount)
		w.Locked = w.Locked.Add(amount)
		return nil
	}, nil)
}

// Unlock moves amount from locked back to available. Callers must never
// unlock more than they locked; locked < amount indicates a bug upstream.
func (s *service) Unlock(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error {
	return s.UnlockWith(ctx, userID, currency, amount, nil)
}

// UnlockWith moves amount from locked back to available and commits fn in the
// same transaction.
func (s *service) UnlockWith(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, fn func(tx *gorm.DB) error) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return cerrors.New(cerrors.KindInvalidAmount, "unlock amount must be positive, got %s", amount)
	}
	return s.mutate(ctx, userID, currency, func(w *models.Wallet) error {
		if w.Locked.LessThan(amount) {
			return s.violation(w, "unlock", amount)
		}
		w.Locked = w.Locked.Sub(amount)
		w.Available = w.Available.Add(amount)
		return nil
	}, fn)
}

// SettleLockedDebit consumes locked funds for a completed transfer out:
// locked and balance both decrease by amount, available is untouched.
func (s *service) SettleLockedDebit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return cerrors.New(cerrors.KindInvalidAmount, "settle amount must be positive, got %s", amount)
	}
	return s.mutate(ctx, userID, currency, func(w *models.Wallet) error {
		if w.Locked.LessThan(amount) {
			return s.violation(w, "settle_locked_debit", amount)
		}
		w.Locked = w.Locked.Sub(amount)
		w.Balance = w.Balance.Sub(amount)
		return nil
	}, nil)
}

// Transfer moves amount from the source wallet's locked balance into the
// destination wallet's available balance in a single transaction, so a
// failure anywhere leaves both wallets untouched.
func (s *service) Transfer(ctx context.Context, fromID, toID uuid.UUID, currency string, amount decimal.Decimal, fn func(tx *gorm.DB) error) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return cerrors.New(cerrors.KindInvalidAmount, "transfer amount must be positive, got %s", amount)
	}
	if fromID == toID {
		return cerrors.New(cerrors.KindInvalidState, "cannot transfer wallet %s %s to itself", fromID, currency)
	}

	fromKey := walletKey(fromID, currency)
	toKey := walletKey(toID, currency)
	// acquire in key order so concurrent transfers cannot deadlock
	first, second := fromKey, toKey
	if toKey < fromKey {
		first, second = toKey, fromKey
	}
	s.keys.Lock(first)
	defer s.keys.Unlock(first)
	if second != first {
		s.keys.Lock(second)
		defer s.keys.Unlock(second)
	}

	var haltID uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		from, err := s.loadOrCreate(tx, fromID, currency)
		if err != nil {
			return err
		}
		to, err := s.loadOrCreate(tx, toID, currency)
		if err != nil {
			return err
		}
		if from.Halted {
			return cerrors.New(cerrors.KindInvariantViolation,
				"wallet %s %s is halted pending audit", fromID, currency)
		}
		if to.Halted {
			return cerrors.New(cerrors.KindInvariantViolation,
				"wallet %s %s is halted pending audit", toID, currency)
		}
		if from.Locked.LessThan(amount) {
			haltID = from.ID
			return s.violation(from, "transfer", amount)
		}

		now := time.Now()
		from.Locked = from.Locked.Sub(amount)
		from.Balance = from.Balance.Sub(amount)
		from.UpdatedAt = now
		to.Balance = to.Balance.Add(amount)
		to.Available = to.Available.Add(amount)
		to.UpdatedAt = now
		if err := tx.Save(from).Error; err != nil {
			return fmt.Errorf("failed to save wallet: %w", err)
		}
		if err := tx.Save(to).Error; err != nil {
			return fmt.Errorf("failed to save wallet: %w", err)
		}
		if fn != nil {
			return fn(tx)
		}
		return nil
	})
	if haltID != uuid.Nil {
		s.persistHalt(ctx, haltID)
	}
	return err
}

// mutate runs fn against the wallet row inside a transaction, serialized per
// (user, currency). post, when non-nil, commits in the same transaction. The
// wallet is created lazily on first use.
func (s *service) mutate(ctx context.Context, userID uuid.UUID, currency string, fn func(*models.Wallet) error, post func(tx *gorm.DB) error) error {
	key := walletKey(userID, currency)
	s.keys.Lock(key)
	defer s.keys.Unlock(key)

	var haltID uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.loadOrCreate(tx, userID, currency)
		if err != nil {
			return err
		}
		if wallet.Halted {
			return cerrors.New(cerrors.KindInvariantViolation,
				"wallet %s %s is halted pending audit", userID, currency)
		}
		if err := fn(wallet); err != nil {
			if cerrors.IsKind(err, cerrors.KindInvariantViolation) {
				haltID = wallet.ID
			}
			return err
		}
		wallet.UpdatedAt = time.Now()
		if err := tx.Save(wallet).Error; err != nil {
			return fmt.Errorf("failed to save wallet: %w", err)
		}
		if post != nil {
			return post(tx)
		}
		return nil
	})
	if haltID != uuid.Nil {
		s.persistHalt(ctx, haltID)
	}
	return err
}

// persistHalt commits the halt flag on its own connection: the transaction
// that detected the violation returns an error and rolls back, so the halt
// must not ride on it.
func (s *service) persistHalt(ctx context.Context, walletID uuid.UUID) {
	err := s.db.WithContext(ctx).Model(&models.Wallet{}).
		Where("id = ?", walletID).Update("halted", true).Error
	if err != nil {
		s.logger.Error("failed to halt wallet",
			zap.String("alert", "fatal"),
			zap.String("wallet_id", walletID.String()),
			zap.Error(err))
	}
}

func (s *service) loadOrCreate(tx *gorm.DB, userID uuid.UUID, currency string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := tx.Where("user_id = ? AND currency = ?", userID, currency).First(&wallet).Error
	if err == nil {
		return &wallet, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to find wallet: %w", err)
	}
	now := time.Now()
	wallet = models.Wallet{
		ID:        uuid.New(),
		UserID:    userID,
		Currency:  currency,
		Balance:   decimal.Zero,
		Available: decimal.Zero,
		Locked:    decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.Create(&wallet).Error; err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return &wallet, nil
}

// violation logs a fatal alert and returns an InvariantViolation. The caller
// persists the halt flag after the rejected transaction rolls back.
func (s *service) violation(w *models.Wallet, op string, amount decimal.Decimal) error {
	s.logger.Error("wallet invariant violation, halting wallet",
		zap.String("alert", "fatal"),
		zap.String("op", op),
		zap.String("user_id", w.UserID.String()),
		zap.String("currency", w.Currency),
		zap.String("locked", w.Locked.String()),
		zap.String("amount", amount.String()),
	)
	return cerrors.New(cerrors.KindInvariantViolation,
		"%s of %s exceeds locked balance %s for wallet %s %s", op, amount, w.Locked, w.UserID, w.Currency)
}
