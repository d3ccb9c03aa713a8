// Package dispute routes contested trades to manual resolution. Opening a
// dispute freezes the escrow so neither confirmation path can move funds
// until an operator rules on the outcome.
package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	cerrors "github.com/kobopeer/kobopeer/common/errors"
	"github.com/kobopeer/kobopeer/internal/escrow"
	"github.com/kobopeer/kobopeer/internal/notification"
	"github.com/kobopeer/kobopeer/pkg/metrics"
	"github.com/kobopeer/kobopeer/pkg/models"
)

// TradeResolver finalizes the trade record after a dispute ruling moves the
// escrowed funds. Implemented by the trade lifecycle service.
type TradeResolver interface {
	ResolveDispute(ctx context.Context, tradeID uuid.UUID, outcome escrow.Outcome) error
}

// Handler manages the dispute lifecycle
type Handler interface {
	Open(ctx context.Context, tradeID, complainantID uuid.UUID, reason, description string) (*models.Dispute, error)
	Get(ctx context.Context, disputeID uuid.UUID) (*models.Dispute, error)
	ListOpen(ctx context.Context) ([]models.Dispute, error)
	Resolve(ctx context.Context, disputeID uuid.UUID, resolution string, outcome escrow.Outcome) error
}

type handler struct {
	logger   *zap.Logger
	db       *gorm.DB
	escrow   escrow.Controller
	resolver TradeResolver
	notifier notification.Sink
}

func NewHandler(logger *zap.Logger, db *gorm.DB, escrowCtl escrow.Controller, resolver TradeResolver, notifier notification.Sink) Handler {
	return &handler{logger: logger, db: db, escrow: escrowCtl, resolver: resolver, notifier: notifier}
}

// Open files a dispute on an in-flight trade. The escrow freezes before the
// trade moves to disputed, so a racing confirmation either lands before the
// freeze (and the dispute is rejected) or is blocked by it; the guarded status
// update means two racing disputes on the same trade produce exactly one.
func (h *handler) Open(ctx context.Context, tradeID, complainantID uuid.UUID, reason, description string) (*models.Dispute, error) {
	var t models.Trade
	err := h.db.WithContext(ctx).Where("id = ?", tradeID).First(&t).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, cerrors.New(cerrors.KindNotFound, "trade %s not found", tradeID)
		}
		return nil, fmt.Errorf("failed to find trade: %w", err)
	}
	if t.BuyerID != complainantID && t.SellerID != complainantID {
		return nil, cerrors.New(cerrors.KindInvalidState, "user %s is not a party to trade %s", complainantID, tradeID)
	}
	if t.Status != models.TradeStatusActive && t.Status != models.TradeStatusPaymentPending {
		return nil, cerrors.New(cerrors.KindInvalidState,
			"trade %s cannot be disputed from status %s", tradeID, t.Status)
	}

	// freeze first: once the escrow is frozen no confirmation can release it
	// underneath the dispute. A released escrow rejects the dispute outright.
	frozen := false
	if err := h.escrow.Freeze(ctx, tradeID); err != nil {
		if !cerrors.IsKind(err, cerrors.KindNotFound) {
			return nil, err
		}
		// no escrow on buy-side trades; nothing to freeze
	} else {
		frozen = true
	}

	res := h.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND status IN ?", tradeID,
			[]string{models.TradeStatusActive, models.TradeStatusPaymentPending}).
		Updates(map[string]interface{}{
			"status":         models.TradeStatusDisputed,
			"dispute_reason": reason,
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		h.unfreeze(ctx, tradeID, frozen)
		return nil, fmt.Errorf("failed to mark trade disputed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		h.unfreeze(ctx, tradeID, frozen)
		return nil, cerrors.New(cerrors.KindInvalidState,
			"trade %s cannot be disputed from status %s", tradeID, t.Status)
	}

	respondentID := t.SellerID
	if complainantID == t.SellerID {
		respondentID = t.BuyerID
	}
	d := &models.Dispute{
		ID:            uuid.New(),
		TradeID:       tradeID,
		ComplainantID: complainantID,
		RespondentID:  respondentID,
		Reason:        reason,
		Description:   description,
		Status:        models.DisputeStatusOpen,
		CreatedAt:     time.Now(),
	}
	if err := h.db.WithContext(ctx).Create(d).Error; err != nil {
		h.unfreeze(ctx, tradeID, frozen)
		h.revertTrade(ctx, &t)
		return nil, fmt.Errorf("failed to create dispute: %w", err)
	}

	metrics.DisputesOpened.Inc()
	h.logger.Warn("dispute opened",
		zap.String("dispute_id", d.ID.String()),
		zap.String("trade_id", tradeID.String()),
		zap.String("complainant_id", complainantID.String()),
		zap.String("reason", reason))

	h.notify(ctx, respondentID, "Dispute Opened",
		fmt.Sprintf("A dispute was opened on trade %s: %s", tradeID, reason),
		map[string]interface{}{"dispute_id": d.ID.String(), "trade_id": tradeID.String()})
	return d, nil
}

func (h *handler) Get(ctx context.Context, disputeID uuid.UUID) (*models.Dispute, error) {
	var d models.Dispute
	err := h.db.WithContext(ctx).Where("id = ?", disputeID).First(&d).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, cerrors.New(cerrors.KindNotFound, "dispute %s not found", disputeID)
		}
		return nil, fmt.Errorf("failed to find dispute: %w", err)
	}
	return &d, nil
}

// ListOpen returns unresolved disputes oldest first for the operator queue
func (h *handler) ListOpen(ctx context.Context) ([]models.Dispute, error) {
	var disputes []models.Dispute
	err := h.db.WithContext(ctx).
		Where("status = ?", models.DisputeStatusOpen).
		Order("created_at ASC").
		Find(&disputes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list disputes: %w", err)
	}
	return disputes, nil
}

// Resolve applies an operator ruling: the frozen escrow force-releases toward
// the winning side, then the trade record is finalized to match.
func (h *handler) Resolve(ctx context.Context, disputeID uuid.UUID, resolution string, outcome escrow.Outcome) error {
	d, err := h.Get(ctx, disputeID)
	if err != nil {
		return err
	}
	if d.Status != models.DisputeStatusOpen {
		return cerrors.New(cerrors.KindInvalidState, "dispute %s is already resolved", disputeID)
	}

	var t models.Trade
	if err := h.db.WithContext(ctx).Where("id = ?", d.TradeID).First(&t).Error; err != nil {
		return fmt.Errorf("failed to find disputed trade: %w", err)
	}
	if t.Status != models.TradeStatusDisputed {
		return cerrors.New(cerrors.KindInvalidState,
			"trade %s is not disputed (status %s)", d.TradeID, t.Status)
	}

	if err := h.escrow.ForceRelease(ctx, d.TradeID, outcome); err != nil {
		// no escrow on buy-side trades; an already released escrow means the
		// funds reached their terminal disposition before the freeze, so the
		// ruling only finalizes the trade record
		if !cerrors.IsKind(err, cerrors.KindNotFound) && !cerrors.IsKind(err, cerrors.KindInvalidState) {
			return err
		}
	}
	if err := h.resolver.ResolveDispute(ctx, d.TradeID, outcome); err != nil {
		return err
	}

	now := time.Now()
	res := h.db.WithContext(ctx).Model(&models.Dispute{}).
		Where("id = ? AND status = ?", disputeID, models.DisputeStatusOpen).
		Updates(map[string]interface{}{
			"status":      models.DisputeStatusResolved,
			"resolution":  resolution,
			"resolved_at": &now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to resolve dispute: %w", res.Error)
	}

	h.logger.Info("dispute resolved",
		zap.String("dispute_id", disputeID.String()),
		zap.String("trade_id", d.TradeID.String()),
		zap.String("outcome", string(outcome)))

	msg := fmt.Sprintf("Dispute on trade %s resolved: %s", d.TradeID, resolution)
	h.notify(ctx, d.ComplainantID, "Dispute Resolved", msg,
		map[string]interface{}{"dispute_id": disputeID.String()})
	h.notify(ctx, d.RespondentID, "Dispute Resolved", msg,
		map[string]interface{}{"dispute_id": disputeID.String()})
	return nil
}

// unfreeze rolls the freeze back when the dispute fails to attach
func (h *handler) unfreeze(ctx context.Context, tradeID uuid.UUID, frozen bool) {
	if !frozen {
		return
	}
	if err := h.escrow.Unfreeze(ctx, tradeID); err != nil {
		h.logger.Error("failed to unfreeze escrow after dispute rollback",
			zap.String("trade_id", tradeID.String()), zap.Error(err))
	}
}

// revertTrade puts the trade back to its pre-dispute status when the dispute
// row could not be created
func (h *handler) revertTrade(ctx context.Context, t *models.Trade) {
	err := h.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND status = ?", t.ID, models.TradeStatusDisputed).
		Updates(map[string]interface{}{
			"status":         t.Status,
			"dispute_reason": "",
			"updated_at":     time.Now(),
		}).Error
	if err != nil {
		h.logger.Error("failed to revert trade after dispute rollback",
			zap.String("trade_id", t.ID.String()), zap.Error(err))
	}
}

func (h *handler) notify(ctx context.Context, userID uuid.UUID, title, message string, data map[string]interface{}) {
	if h.notifier == nil {
		return
	}
	err := h.notifier.Notify(ctx, userID, notification.Message{
		Title: title, Message: message, Type: "dispute", Data: data,
	})
	if err != nil {
		h.logger.Warn("notification delivery failed",
			zap.String("user_id", userID.String()), zap.Error(err))
	}
}
