package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	cerrors "github.com/kobopeer/kobopeer/common/errors"
	"github.com/kobopeer/kobopeer/pkg/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Wallet{}))
	return db
}

func newTestService(t *testing.T) Service {
	t.Helper()
	return NewService(zap.NewNop(), newTestDB(t))
}

func assertInvariant(t *testing.T, w *models.Wallet) {
	t.Helper()
	assert.True(t, w.Balance.Equal(w.Available.Add(w.Locked)),
		"balance %s != available %s + locked %s", w.Balance, w.Available, w.Locked)
	assert.False(t, w.Available.IsNegative())
	assert.False(t, w.Locked.IsNegative())
}

func TestCreditCreatesWallet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, svc.Credit(ctx, userID, "BTC", decimal.NewFromFloat(1.5)))

	w, err := svc.GetWallet(ctx, userID, "BTC")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.NewFromFloat(1.5)))
	assert.True(t, w.Available.Equal(decimal.NewFromFloat(1.5)))
	assert.True(t, w.Locked.IsZero())
	assertInvariant(t, w)
}

func TestCreditRejectsNonPositive(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	err := svc.Credit(ctx, userID, "BTC", decimal.Zero)
	assert.True(t, cerrors.IsKind(err, cerrors.KindInvalidAmount))

	err = svc.Credit(ctx, userID, "BTC", decimal.NewFromInt(-1))
	assert.True(t, cerrors.IsKind(err, cerrors.KindInvalidAmount))

	// rejected credits must not create a wallet row
	_, err = svc.GetWallet(ctx, userID, "BTC")
	assert.True(t, cerrors.IsKind(err, cerrors.KindNotFound))
}

func TestLockInsufficientFunds(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, svc.Credit(ctx, userID, "BTC", decimal.NewFromInt(1)))

	err := svc.Lock(ctx, userID, "BTC", decimal.NewFromInt(2))
	assert.True(t, cerrors.IsKind(err, cerrors.KindInsufficientFunds))

	w, err := svc.GetWallet(ctx, userID, "BTC")
	require.NoError(t, err)
	assert.True(t, w.Available.Equal(decimal.NewFromInt(1)))
	assertInvariant(t, w)
}

func TestLockUnlockRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	amount := decimal.NewFromFloat(0.75)

	require.NoError(t, svc.Credit(ctx, userID, "ETH", decimal.NewFromInt(2)))
	require.NoError(t, svc.Lock(ctx, userID, "ETH", amount))

	w, err := svc.GetWallet(ctx, userID, "ETH")
	require.NoError(t, err)
	assert.True(t, w.Locked.Equal(amount))
	assert.True(t, w.Available.Equal(decimal.NewFromFloat(1.25)))
	assertInvariant(t, w)

	require.NoError(t, svc.Unlock(ctx, userID, "ETH", amount))

	w, err = svc.GetWallet(ctx, userID, "ETH")
	require.NoError(t, err)
	assert.True(t, w.Locked.IsZero())
	assert.True(t, w.Available.Equal(decimal.NewFromInt(2)))
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(2)))
	assertInvariant(t, w)
}

func TestSettleLockedDebit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, svc.Credit(ctx, userID, "BTC", decimal.NewFromInt(10)))
	require.NoError(t, svc.Lock(ctx, userID, "BTC", decimal.NewFromInt(4)))
	require.NoError(t, svc.SettleLockedDebit(ctx, userID, "BTC", decimal.NewFromInt(4)))

	w, err := svc.GetWallet(ctx, userID, "BTC")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(6)))
	assert.True(t, w.Available.Equal(decimal.NewFromInt(6)))
	assert.True(t, w.Locked.IsZero())
	assertInvariant(t, w)
}

func TestUnlockBeyondLockedHaltsWallet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, svc.Credit(ctx, userID, "BTC", decimal.NewFromInt(10)))
	require.NoError(t, svc.Lock(ctx, userID, "BTC", decimal.NewFromInt(5)))

	err := svc.Unlock(ctx, userID, "BTC", decimal.NewFromInt(6))
	require.True(t, cerrors.IsKind(err, cerrors.KindInvariantViolation))

	// balances untouched, wallet halted
	w, err := svc.GetWallet(ctx, userID, "BTC")
	require.NoError(t, err)
	assert.True(t, w.Halted)
	assert.True(t, w.Locked.Equal(decimal.NewFromInt(5)))
	assertInvariant(t, w)

	// a halted wallet refuses every further mutation
	err = svc.Credit(ctx, userID, "BTC", decimal.NewFromInt(1))
	assert.True(t, cerrors.IsKind(err, cerrors.KindInvariantViolation))
}

func TestTransferMovesLockedFundsToRecipient(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	fromID, toID := uuid.New(), uuid.New()

	require.NoError(t, svc.Credit(ctx, fromID, "BTC", decimal.NewFromInt(10)))
	require.NoError(t, svc.Lock(ctx, fromID, "BTC", decimal.NewFromInt(4)))
	require.NoError(t, svc.Transfer(ctx, fromID, toID, "BTC", decimal.NewFromInt(4), nil))

	from, err := svc.GetWallet(ctx, fromID, "BTC")
	require.NoError(t, err)
	assert.True(t, from.Balance.Equal(decimal.NewFromInt(6)))
	assert.True(t, from.Locked.IsZero())
	assertInvariant(t, from)

	to, err := svc.GetWallet(ctx, toID, "BTC")
	require.NoError(t, err)
	assert.True(t, to.Available.Equal(decimal.NewFromInt(4)))
	assertInvariant(t, to)
}

func TestTransferCallbackFailureRollsBackBothWallets(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	fromID, toID := uuid.New(), uuid.New()

	require.NoError(t, svc.Credit(ctx, fromID, "BTC", decimal.NewFromInt(10)))
	require.NoError(t, svc.Lock(ctx, fromID, "BTC", decimal.NewFromInt(4)))

	boom := cerrors.New(cerrors.KindInternal, "callback refused")
	err := svc.Transfer(ctx, fromID, toID, "BTC", decimal.NewFromInt(4), func(tx *gorm.DB) error {
		return boom
	})
	require.Error(t, err)

	from, err := svc.GetWallet(ctx, fromID, "BTC")
	require.NoError(t, err)
	assert.True(t, from.Balance.Equal(decimal.NewFromInt(10)))
	assert.True(t, from.Locked.Equal(decimal.NewFromInt(4)))
	assert.False(t, from.Halted)
	assertInvariant(t, from)
}

func TestTransferToHaltedWalletRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	fromID, toID := uuid.New(), uuid.New()

	require.NoError(t, svc.Credit(ctx, fromID, "BTC", decimal.NewFromInt(10)))
	require.NoError(t, svc.Lock(ctx, fromID, "BTC", decimal.NewFromInt(4)))

	// halt the recipient wallet
	require.NoError(t, svc.Credit(ctx, toID, "BTC", decimal.NewFromInt(1)))
	err := svc.Unlock(ctx, toID, "BTC", decimal.NewFromInt(1))
	require.True(t, cerrors.IsKind(err, cerrors.KindInvariantViolation))

	err = svc.Transfer(ctx, fromID, toID, "BTC", decimal.NewFromInt(4), nil)
	require.True(t, cerrors.IsKind(err, cerrors.KindInvariantViolation))

	// sender untouched and not halted; only the recipient is quarantined
	from, err := svc.GetWallet(ctx, fromID, "BTC")
	require.NoError(t, err)
	assert.False(t, from.Halted)
	assert.True(t, from.Locked.Equal(decimal.NewFromInt(4)))
	assert.True(t, from.Balance.Equal(decimal.NewFromInt(10)))
	assertInvariant(t, from)
}

func TestUnlockWithCallbackFailureKeepsFundsLocked(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, svc.Credit(ctx, userID, "ETH", decimal.NewFromInt(5)))
	require.NoError(t, svc.Lock(ctx, userID, "ETH", decimal.NewFromInt(3)))

	err := svc.UnlockWith(ctx, userID, "ETH", decimal.NewFromInt(3), func(tx *gorm.DB) error {
		return cerrors.New(cerrors.KindInternal, "callback refused")
	})
	require.Error(t, err)

	w, err := svc.GetWallet(ctx, userID, "ETH")
	require.NoError(t, err)
	assert.True(t, w.Locked.Equal(decimal.NewFromInt(3)))
	assertInvariant(t, w)
}

func TestConcurrentCreditsPreserveInvariant(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	const workers = 20
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if err := svc.Credit(ctx, userID, "BTC", decimal.NewFromInt(1)); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	w, err := svc.GetWallet(ctx, userID, "BTC")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(workers)))
	assertInvariant(t, w)
}

func TestConcurrentLocksNeverOversell(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, svc.Credit(ctx, userID, "BTC", decimal.NewFromInt(10)))

	// 20 goroutines each try to lock 1; only 10 can win
	const workers = 20
	var wg sync.WaitGroup
	wg.Add(workers)
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if err := svc.Lock(ctx, userID, "BTC", decimal.NewFromInt(1)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	w, err := svc.GetWallet(ctx, userID, "BTC")
	require.NoError(t, err)
	assert.True(t, w.Available.IsZero())
	assert.True(t, w.Locked.Equal(decimal.NewFromInt(10)))
	assertInvariant(t, w)
}
