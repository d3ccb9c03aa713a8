// Package trade owns the trade lifecycle state machine. Status transitions
// are conditional updates against the prior status, so concurrent callers
// racing on the same trade lose cleanly instead of corrupting state.
package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	cerrors "github.com/kobopeer/kobopeer/common/errors"
	"github.com/kobopeer/kobopeer/internal/escrow"
	"github.com/kobopeer/kobopeer/internal/ledger"
	"github.com/kobopeer/kobopeer/internal/notification"
	"github.com/kobopeer/kobopeer/internal/payment"
	"github.com/kobopeer/kobopeer/internal/risk"
	"github.com/kobopeer/kobopeer/pkg/metrics"
	"github.com/kobopeer/kobopeer/pkg/models"
)

// Service drives trades through their lifecycle
type Service interface {
	Initiate(ctx context.Context, takerID, orderID uuid.UUID, fiatAmount decimal.Decimal) (*models.Trade, error)
	Get(ctx context.Context, tradeID uuid.UUID) (*models.Trade, error)
	MarkPaid(ctx context.Context, tradeID, buyerID uuid.UUID, paymentRef string) error
	ConfirmPayment(ctx context.Context, tradeID, sellerID uuid.UUID) error
	Cancel(ctx context.Context, tradeID, userID uuid.UUID) error
	ResolveDispute(ctx context.Context, tradeID uuid.UUID, outcome escrow.Outcome) error
}

type service struct {
	logger      *zap.Logger
	db          *gorm.DB
	ledger      ledger.Service
	escrow      escrow.Controller
	riskGate    risk.Gate
	compliance  risk.ComplianceGate
	notifier    notification.Sink
	gateway     payment.Gateway // optional
	gateTimeout time.Duration
}

// NewService wires the trade lifecycle with its collaborators. gateway may be
// nil when no fiat gateway is configured.
func NewService(
	logger *zap.Logger,
	db *gorm.DB,
	ledgerSvc ledger.Service,
	escrowCtl escrow.Controller,
	riskGate risk.Gate,
	compliance risk.ComplianceGate,
	notifier notification.Sink,
	gateway payment.Gateway,
	gateTimeout time.Duration,
) Service {
	if gateTimeout <= 0 {
		gateTimeout = 3 * time.Second
	}
	return &service{
		logger:      logger,
		db:          db,
		ledger:      ledgerSvc,
		escrow:      escrowCtl,
		riskGate:    riskGate,
		compliance:  compliance,
		notifier:    notifier,
		gateway:     gateway,
		gateTimeout: gateTimeout,
	}
}

// Get returns the trade by id
func (s *service) Get(ctx context.Context, tradeID uuid.UUID) (*models.Trade, error) {
	var t models.Trade
	err := s.db.WithContext(ctx).Where("id = ?", tradeID).First(&t).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, cerrors.New(cerrors.KindNotFound, "trade %s not found", tradeID)
		}
		return nil, fmt.Errorf("failed to find trade: %w", err)
	}
	return &t, nil
}

// Initiate matches a taker against an active order and creates the trade.
// Sell-side orders escrow the seller's crypto immediately; buy-side orders
// move straight to active (the seller's crypto is the only asset this
// platform ever escrows).
func (s *service) Initiate(ctx context.Context, takerID, orderID uuid.UUID, fiatAmount decimal.Decimal) (*models.Trade, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Where("id = ? AND status = ?", orderID, models.OrderStatusActive).First(&order).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, cerrors.New(cerrors.KindNotFound, "order %s not found or not active", orderID)
		}
		return nil, fmt.Errorf("failed to find order: %w", err)
	}
	if order.UserID == takerID {
		return nil, cerrors.New(cerrors.KindInvalidState, "cannot take own order")
	}

	if fiatAmount.LessThan(order.MinLimit) || fiatAmount.GreaterThan(order.MaxLimit) {
		return nil, cerrors.New(cerrors.KindLimitViolation,
			"amount %s outside order limits %s-%s", fiatAmount, order.MinLimit, order.MaxLimit)
	}

	cryptoAmount := fiatAmount.DivRound(order.Rate, 8)

	if err := s.checkGates(ctx, takerID, fiatAmount); err != nil {
		return nil, err
	}

	buyerID, sellerID := order.UserID, takerID
	if order.Side == models.OrderSideSell {
		buyerID, sellerID = takerID, order.UserID
	}

	now := time.Now()
	t := &models.Trade{
		ID:            uuid.New(),
		OrderID:       order.ID,
		BuyerID:       buyerID,
		SellerID:      sellerID,
		Currency:      order.Currency,
		Amount:        cryptoAmount,
		Rate:          order.Rate,
		FiatAmount:    fiatAmount,
		PaymentMethod: order.PaymentMethod,
		Status:        models.TradeStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}

	if order.Side == models.OrderSideSell {
		if err := s.setStatus(ctx, t.ID, models.TradeStatusPending, models.TradeStatusEscrowPending, nil); err != nil {
			return nil, err
		}
		esc, err := s.escrow.Open(ctx, t.ID, sellerID, buyerID, order.Currency, cryptoAmount)
		if err != nil {
			// seller cannot fund the escrow; the trade never becomes active
			_ = s.setStatus(ctx, t.ID, models.TradeStatusEscrowPending, models.TradeStatusCancelled, nil)
			return nil, err
		}
		t.EscrowAddress = esc.Address
		if err := s.setStatus(ctx, t.ID, models.TradeStatusEscrowPending, models.TradeStatusActive,
			map[string]interface{}{"escrow_address": esc.Address}); err != nil {
			return nil, err
		}
	} else {
		if err := s.setStatus(ctx, t.ID, models.TradeStatusPending, models.TradeStatusActive, nil); err != nil {
			return nil, err
		}
	}
	t.Status = models.TradeStatusActive

	metrics.TradesInitiated.WithLabelValues(order.Side).Inc()
	s.logger.Info("trade initiated",
		zap.String("trade_id", t.ID.String()),
		zap.String("order_id", order.ID.String()),
		zap.String("side", order.Side),
		zap.String("fiat_amount", fiatAmount.String()))

	s.notify(ctx, buyerID, "Trade Started",
		fmt.Sprintf("Trade for %s %s opened. Send payment via %s.", cryptoAmount, order.Currency, order.PaymentMethod),
		"trade", map[string]interface{}{"trade_id": t.ID.String()})
	s.notify(ctx, sellerID, "Trade Started",
		fmt.Sprintf("Your %s %s is reserved for trade %s.", cryptoAmount, order.Currency, t.ID),
		"trade", map[string]interface{}{"trade_id": t.ID.String()})
	return t, nil
}

// MarkPaid is the buyer's declaration that fiat has been sent. It also records
// the buyer's escrow confirmation, so the seller's later confirmation is the
// one that releases the funds.
func (s *service) MarkPaid(ctx context.Context, tradeID, buyerID uuid.UUID, paymentRef string) error {
	t, err := s.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	if t.BuyerID != buyerID {
		return cerrors.New(cerrors.KindInvalidState, "user %s is not the buyer of trade %s", buyerID, tradeID)
	}

	if paymentRef != "" && s.gateway != nil {
		v, err := s.gateway.Verify(ctx, paymentRef)
		if err != nil {
			return cerrors.Wrap(cerrors.KindGateUnavailable, err, "payment verification unavailable")
		}
		if !v.Success() {
			return cerrors.New(cerrors.KindInvalidState, "payment reference %s not settled", paymentRef)
		}
	}

	now := time.Now()
	extra := map[string]interface{}{"payment_marked_at": &now}
	if paymentRef != "" {
		extra["payment_ref"] = paymentRef
	}
	if err := s.setStatus(ctx, tradeID, models.TradeStatusActive, models.TradeStatusPaymentPending, extra); err != nil {
		return err
	}

	if _, err := s.escrow.Confirm(ctx, tradeID, buyerID, escrow.RoleBuyer); err != nil {
		// buy-side trades carry no escrow
		if !cerrors.IsKind(err, cerrors.KindNotFound) {
			return err
		}
	}

	s.systemMessage(ctx, tradeID, buyerID, "Payment has been marked as sent by buyer")
	s.notify(ctx, t.SellerID, "Payment Sent",
		fmt.Sprintf("The buyer marked trade %s as paid. Confirm receipt to release escrow.", tradeID),
		"trade", map[string]interface{}{"trade_id": tradeID.String()})
	return nil
}

// ConfirmPayment is the seller's acknowledgement that fiat arrived. If the
// escrow releases (both parties confirmed), the trade completes and both
// accounts' trade counters update.
func (s *service) ConfirmPayment(ctx context.Context, tradeID, sellerID uuid.UUID) error {
	t, err := s.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	if t.SellerID != sellerID {
		return cerrors.New(cerrors.KindInvalidState, "user %s is not the seller of trade %s", sellerID, tradeID)
	}
	if t.Status != models.TradeStatusPaymentPending {
		return cerrors.New(cerrors.KindInvalidState,
			"confirm payment requires status %s, got %s", models.TradeStatusPaymentPending, t.Status)
	}

	state, err := s.escrow.Confirm(ctx, tradeID, sellerID, escrow.RoleSeller)
	if err != nil {
		if cerrors.IsKind(err, cerrors.KindNotFound) {
			// no escrow on buy-side trades; seller confirmation completes directly
			state = escrow.ReleaseCompleted
		} else {
			return err
		}
	}
	if state != escrow.ReleaseCompleted {
		// waiting on the buyer's confirmation
		s.notify(ctx, t.BuyerID, "Seller Confirmed",
			fmt.Sprintf("The seller confirmed payment for trade %s. Confirm to release escrow.", tradeID),
			"trade", map[string]interface{}{"trade_id": tradeID.String()})
		return nil
	}

	if err := s.completeTrade(ctx, t, models.TradeStatusPaymentPending); err != nil {
		return err
	}
	s.systemMessage(ctx, tradeID, sellerID, "Payment confirmed. Trade completed successfully!")
	return nil
}

// Cancel aborts a trade before payment is marked and returns any escrowed
// funds to the seller.
func (s *service) Cancel(ctx context.Context, tradeID, userID uuid.UUID) error {
	t, err := s.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	if t.BuyerID != userID && t.SellerID != userID {
		return cerrors.New(cerrors.KindInvalidState, "user %s is not a party to trade %s", userID, tradeID)
	}

	res := s.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND status IN ?", tradeID,
			[]string{models.TradeStatusPending, models.TradeStatusEscrowPending, models.TradeStatusActive}).
		Updates(map[string]interface{}{"status": models.TradeStatusCancelled, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("failed to cancel trade: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return cerrors.New(cerrors.KindInvalidState, "trade %s cannot be cancelled from status %s", tradeID, t.Status)
	}

	if err := s.escrow.Refund(ctx, tradeID); err != nil && !cerrors.IsKind(err, cerrors.KindNotFound) {
		return err
	}

	metrics.TradesCompleted.WithLabelValues(models.TradeStatusCancelled).Inc()
	s.logger.Info("trade cancelled",
		zap.String("trade_id", tradeID.String()), zap.String("by", userID.String()))
	other := t.BuyerID
	if userID == t.BuyerID {
		other = t.SellerID
	}
	s.notify(ctx, other, "Trade Cancelled",
		fmt.Sprintf("Trade %s was cancelled. Any escrowed funds have been returned.", tradeID),
		"trade", map[string]interface{}{"trade_id": tradeID.String()})
	return nil
}

// ResolveDispute finalizes a disputed trade after the escrow has been force
// released: to the buyer as completed sale proceeds, or back to the seller as
// a cancellation.
func (s *service) ResolveDispute(ctx context.Context, tradeID uuid.UUID, outcome escrow.Outcome) error {
	t, err := s.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	switch outcome {
	case escrow.OutcomeToBuyer:
		return s.completeTrade(ctx, t, models.TradeStatusDisputed)
	case escrow.OutcomeToSeller:
		if err := s.setStatus(ctx, tradeID, models.TradeStatusDisputed, models.TradeStatusCancelled, nil); err != nil {
			return err
		}
		metrics.TradesCompleted.WithLabelValues(models.TradeStatusCancelled).Inc()
		return nil
	default:
		return cerrors.New(cerrors.KindInvalidState, "unknown dispute outcome %q", outcome)
	}
}

// completeTrade moves the trade from fromStatus to completed and updates both
// parties' counters and ratings.
func (s *service) completeTrade(ctx context.Context, t *models.Trade, fromStatus string) error {
	now := time.Now()
	if err := s.setStatus(ctx, t.ID, fromStatus, models.TradeStatusCompleted,
		map[string]interface{}{"completed_at": &now}); err != nil {
		return err
	}

	if err := s.updateUserStats(ctx, t.BuyerID, t.FiatAmount); err != nil {
		s.logger.Error("failed to update buyer stats", zap.String("trade_id", t.ID.String()), zap.Error(err))
	}
	if err := s.updateUserStats(ctx, t.SellerID, t.FiatAmount); err != nil {
		s.logger.Error("failed to update seller stats", zap.String("trade_id", t.ID.String()), zap.Error(err))
	}

	metrics.TradesCompleted.WithLabelValues(models.TradeStatusCompleted).Inc()
	s.logger.Info("trade completed",
		zap.String("trade_id", t.ID.String()),
		zap.String("fiat_amount", t.FiatAmount.String()))

	s.notify(ctx, t.BuyerID, "Trade Completed",
		fmt.Sprintf("Trade %s completed. %s %s credited to your wallet.", t.ID, t.Amount, t.Currency),
		"trade", map[string]interface{}{"trade_id": t.ID.String()})
	s.notify(ctx, t.SellerID, "Trade Completed",
		fmt.Sprintf("Trade %s completed. Escrow released to the buyer.", t.ID),
		"trade", map[string]interface{}{"trade_id": t.ID.String()})
	return nil
}

// updateUserStats applies the rating rule: both counters increment and the
// rating is successful/total * 5, rounded to two decimals.
func (s *service) updateUserStats(ctx context.Context, userID uuid.UUID, volume decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Where("id = ?", userID).First(&user).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil // account rows are provisioned elsewhere
			}
			return err
		}
		user.TotalTrades++
		user.SuccessfulTrades++
		user.TotalVolume = user.TotalVolume.Add(volume)
		user.Rating = decimal.NewFromInt(user.SuccessfulTrades).
			Div(decimal.NewFromInt(user.TotalTrades)).
			Mul(decimal.NewFromInt(5)).
			Round(2)
		user.UpdatedAt = time.Now()
		return tx.Save(&user).Error
	})
}

// checkGates consults the risk and compliance gates under a bounded timeout.
// Timeout or gate error denies the action: uncertainty fails closed.
func (s *service) checkGates(ctx context.Context, userID uuid.UUID, fiatAmount decimal.Decimal) error {
	gctx, cancel := context.WithTimeout(ctx, s.gateTimeout)
	defer cancel()

	assessment, err := s.riskGate.CheckRisk(gctx, userID, risk.ActionInitiateTrade, fiatAmount)
	if err != nil {
		return cerrors.Wrap(cerrors.KindGateUnavailable, err, "risk gate unavailable")
	}
	if assessment.Blocked {
		return cerrors.New(cerrors.KindComplianceBlocked,
			"risk gate denied trade (score %d)", assessment.Score)
	}

	decision, err := s.compliance.CheckCompliance(gctx, userID, fiatAmount)
	if err != nil {
		return cerrors.Wrap(cerrors.KindGateUnavailable, err, "compliance gate unavailable")
	}
	if !decision.Compliant {
		return cerrors.New(cerrors.KindComplianceBlocked, "%s", decision.Message)
	}
	return nil
}

// setStatus performs a guarded status transition; it fails with InvalidState
// when the trade is no longer in fromStatus.
func (s *service) setStatus(ctx context.Context, tradeID uuid.UUID, fromStatus, toStatus string, extra map[string]interface{}) error {
	updates := map[string]interface{}{"status": toStatus, "updated_at": time.Now()}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND status = ?", tradeID, fromStatus).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update trade status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return cerrors.New(cerrors.KindInvalidState,
			"trade %s is not in status %s", tradeID, fromStatus)
	}
	return nil
}

func (s *service) systemMessage(ctx context.Context, tradeID, senderID uuid.UUID, content string) {
	msg := &models.TradeMessage{
		ID:        uuid.New(),
		TradeID:   tradeID,
		SenderID:  senderID,
		Content:   content,
		IsSystem:  true,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		s.logger.Warn("failed to record system message",
			zap.String("trade_id", tradeID.String()), zap.Error(err))
	}
}

func (s *service) notify(ctx context.Context, userID uuid.UUID, title, message, typ string, data map[string]interface{}) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Notify(ctx, userID, notification.Message{
		Title: title, Message: message, Type: typ, Data: data,
	})
	if err != nil {
		s.logger.Warn("notification delivery failed",
			zap.String("user_id", userID.String()), zap.Error(err))
	}
}
