package escrow

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
	"github.com/kobopeer/kobopeer/internal/ledger"
	"github.com/kobopeer/kobopeer/pkg/models"
)

type fixture struct {
	ctl      Controller
	ledger   ledger.Service
	tradeID  uuid.UUID
	sellerID uuid.UUID
	buyerID  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Wallet{}, &models.Escrow{}))

	ledgerSvc := ledger.NewService(zap.NewNop(), db)
	return &fixture{
		ctl:      NewController(zap.NewNop(), db, ledgerSvc),
		ledger:   ledgerSvc,
		tradeID:  uuid.New(),
		sellerID: uuid.New(),
		buyerID:  uuid.New(),
	}
}

func (f *fixture) fundSeller(t *testing.T, amount int64) {
	t.Helper()
	require.NoError(t, f.ledger.Credit(context.Background(), f.sellerID, "BTC", decimal.NewFromInt(amount)))
}

func (f *fixture) open(t *testing.T, amount int64) *models.Escrow {
	t.Helper()
	esc, err := f.ctl.Open(context.Background(), f.tradeID, f.sellerID, f.buyerID, "BTC", decimal.NewFromInt(amount))
	require.NoError(t, err)
	return esc
}

func TestOpenLocksSellerFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundSeller(t, 10)

	esc := f.open(t, 4)
	assert.Equal(t, models.EscrowStatusHeld, esc.Status)
	assert.Contains(t, esc.Address, "escrow_")

	w, err := f.ledger.GetWallet(ctx, f.sellerID, "BTC")
	require.NoError(t, err)
	assert.True(t, w.Available.Equal(decimal.NewFromInt(6)))
	assert.True(t, w.Locked.Equal(decimal.NewFromInt(4)))
}

func TestOpenInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.fundSeller(t, 1)

	_, err := f.ctl.Open(context.Background(), f.tradeID, f.sellerID, f.buyerID, "BTC", decimal.NewFromInt(2))
	assert.True(t, cerrors.IsKind(err, cerrors.KindInsufficientFunds))

	_, err = f.ctl.Get(context.Background(), f.tradeID)
	assert.True(t, cerrors.IsKind(err, cerrors.KindNotFound))
}

func TestDualConfirmationReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundSeller(t, 10)
	f.open(t, 4)

	// one confirmation is not enough
	state, err := f.ctl.Confirm(ctx, f.tradeID, f.buyerID, RoleBuyer)
	require.NoError(t, err)
	assert.Equal(t, ReleasePending, state)

	w, err := f.ledger.GetWallet(ctx, f.sellerID, "BTC")
	require.NoError(t, err)
	assert.True(t, w.Locked.Equal(decimal.NewFromInt(4)))

	// the second confirmation releases
	state, err = f.ctl.Confirm(ctx, f.tradeID, f.sellerID, RoleSeller)
	require.NoError(t, err)
	assert.Equal(t, ReleaseCompleted, state)

	seller, err := f.ledger.GetWallet(ctx, f.sellerID, "BTC")
	require.NoError(t, err)
	assert.True(t, seller.Balance.Equal(decimal.NewFromInt(6)))
	assert.True(t, seller.Locked.IsZero())

	buyer, err := f.ledger.GetWallet(ctx, f.buyerID, "BTC")
	require.NoError(t, err)
	assert.True(t, buyer.Available.Equal(decimal.NewFromInt(4)))

	esc, err := f.ctl.Get(ctx, f.tradeID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusReleased, esc.Status)
	assert.NotNil(t, esc.ReleasedAt)
}

func TestConfirmIdempotentAfterRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundSeller(t, 10)
	f.open(t, 4)

	_, err := f.ctl.Confirm(ctx, f.tradeID, f.buyerID, RoleBuyer)
	require.NoError(t, err)
	_, err = f.ctl.Confirm(ctx, f.tradeID, f.sellerID, RoleSeller)
	require.NoError(t, err)

	// repeated confirmations move nothing
	state, err := f.ctl.Confirm(ctx, f.tradeID, f.sellerID, RoleSeller)
	require.NoError(t, err)
	assert.Equal(t, ReleaseCompleted, state)

	buyer, err := f.ledger.GetWallet(ctx, f.buyerID, "BTC")
	require.NoError(t, err)
	assert.True(t, buyer.Available.Equal(decimal.NewFromInt(4)))
}

func TestConfirmRejectsWrongParty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundSeller(t, 10)
	f.open(t, 4)

	_, err := f.ctl.Confirm(ctx, f.tradeID, f.sellerID, RoleBuyer)
	assert.True(t, cerrors.IsKind(err, cerrors.KindInvalidState))

	_, err = f.ctl.Confirm(ctx, f.tradeID, uuid.New(), RoleSeller)
	assert.True(t, cerrors.IsKind(err, cerrors.KindInvalidState))
}

func TestFrozenEscrowBlocksConfirmations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundSeller(t, 10)
	f.open(t, 4)

	require.NoError(t, f.ctl.Freeze(ctx, f.tradeID))

	_, err := f.ctl.Confirm(ctx, f.tradeID, f.buyerID, RoleBuyer)
	assert.True(t, cerrors.IsKind(err, cerrors.KindEscrowFrozen))
	_, err = f.ctl.Confirm(ctx, f.tradeID, f.sellerID, RoleSeller)
	assert.True(t, cerrors.IsKind(err, cerrors.KindEscrowFrozen))

	// freezing twice is an error
	err = f.ctl.Freeze(ctx, f.tradeID)
	assert.True(t, cerrors.IsKind(err, cerrors.KindInvalidState))
}

func TestForceReleaseRequiresFrozen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundSeller(t, 10)
	f.open(t, 4)

	err := f.ctl.ForceRelease(ctx, f.tradeID, OutcomeToBuyer)
	assert.True(t, cerrors.IsKind(err, cerrors.KindInvalidState))
}

func TestForceReleaseToBuyer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundSeller(t, 10)
	f.open(t, 4)
	require.NoError(t, f.ctl.Freeze(ctx, f.tradeID))

	require.NoError(t, f.ctl.ForceRelease(ctx, f.tradeID, OutcomeToBuyer))

	buyer, err := f.ledger.GetWallet(ctx, f.buyerID, "BTC")
	require.NoError(t, err)
	assert.True(t, buyer.Available.Equal(decimal.NewFromInt(4)))

	seller, err := f.ledger.GetWallet(ctx, f.sellerID, "BTC")
	require.NoError(t, err)
	assert.True(t, seller.Balance.Equal(decimal.NewFromInt(6)))
}

func TestForceReleaseToSeller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundSeller(t, 10)
	f.open(t, 4)
	require.NoError(t, f.ctl.Freeze(ctx, f.tradeID))

	require.NoError(t, f.ctl.ForceRelease(ctx, f.tradeID, OutcomeToSeller))

	seller, err := f.ledger.GetWallet(ctx, f.sellerID, "BTC")
	require.NoError(t, err)
	assert.True(t, seller.Available.Equal(decimal.NewFromInt(10)))
	assert.True(t, seller.Locked.IsZero())
}

func TestRefundReturnsHeldFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundSeller(t, 10)
	f.open(t, 4)

	require.NoError(t, f.ctl.Refund(ctx, f.tradeID))

	seller, err := f.ledger.GetWallet(ctx, f.sellerID, "BTC")
	require.NoError(t, err)
	assert.True(t, seller.Available.Equal(decimal.NewFromInt(10)))

	esc, err := f.ctl.Get(ctx, f.tradeID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusReleased, esc.Status)

	// refunding again is invalid
	err = f.ctl.Refund(ctx, f.tradeID)
	assert.True(t, cerrors.IsKind(err, cerrors.KindInvalidState))
}

func TestUnfreezeRestoresHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundSeller(t, 10)
	f.open(t, 4)

	require.NoError(t, f.ctl.Freeze(ctx, f.tradeID))
	require.NoError(t, f.ctl.Unfreeze(ctx, f.tradeID))

	// confirmations work again after the freeze is rolled back
	state, err := f.ctl.Confirm(ctx, f.tradeID, f.buyerID, RoleBuyer)
	require.NoError(t, err)
	assert.Equal(t, ReleasePending, state)

	// unfreezing a held escrow is invalid
	err = f.ctl.Unfreeze(ctx, f.tradeID)
	assert.True(t, cerrors.IsKind(err, cerrors.KindInvalidState))
}

func TestFailedReleaseLeavesEscrowHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundSeller(t, 10)
	f.open(t, 4)

	// quarantine the buyer's wallet so the release cannot credit it
	require.NoError(t, f.ledger.Credit(ctx, f.buyerID, "BTC", decimal.NewFromInt(1)))
	err := f.ledger.Unlock(ctx, f.buyerID, "BTC", decimal.NewFromInt(1))
	require.True(t, cerrors.IsKind(err, cerrors.KindInvariantViolation))

	_, err = f.ctl.Confirm(ctx, f.tradeID, f.buyerID, RoleBuyer)
	require.NoError(t, err)
	_, err = f.ctl.Confirm(ctx, f.tradeID, f.sellerID, RoleSeller)
	require.True(t, cerrors.IsKind(err, cerrors.KindInvariantViolation))

	// nothing moved: escrow still held, seller funds still locked and intact
	esc, err := f.ctl.Get(ctx, f.tradeID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusHeld, esc.Status)

	seller, err := f.ledger.GetWallet(ctx, f.sellerID, "BTC")
	require.NoError(t, err)
	assert.False(t, seller.Halted)
	assert.True(t, seller.Balance.Equal(decimal.NewFromInt(10)))
	assert.True(t, seller.Locked.Equal(decimal.NewFromInt(4)))

	// retrying is safe: the same failure, never a double debit
	_, err = f.ctl.Confirm(ctx, f.tradeID, f.sellerID, RoleSeller)
	require.True(t, cerrors.IsKind(err, cerrors.KindInvariantViolation))

	seller, err = f.ledger.GetWallet(ctx, f.sellerID, "BTC")
	require.NoError(t, err)
	assert.False(t, seller.Halted)
	assert.True(t, seller.Balance.Equal(decimal.NewFromInt(10)))
	assert.True(t, seller.Locked.Equal(decimal.NewFromInt(4)))
}

func TestConcurrentConfirmationsReleaseOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundSeller(t, 10)
	f.open(t, 4)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.ctl.Confirm(ctx, f.tradeID, f.buyerID, RoleBuyer)
		}()
		go func() {
			defer wg.Done()
			_, _ = f.ctl.Confirm(ctx, f.tradeID, f.sellerID, RoleSeller)
		}()
	}
	wg.Wait()

	// funds moved exactly once regardless of how many confirmations raced
	buyer, err := f.ledger.GetWallet(ctx, f.buyerID, "BTC")
	require.NoError(t, err)
	assert.True(t, buyer.Available.Equal(decimal.NewFromInt(4)))

	seller, err := f.ledger.GetWallet(ctx, f.sellerID, "BTC")
	require.NoError(t, err)
	assert.True(t, seller.Balance.Equal(decimal.NewFromInt(6)))
	assert.True(t, seller.Locked.IsZero())
}
