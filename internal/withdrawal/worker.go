package withdrawal

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kobopeer/kobopeer/internal/ledger"
	"github.com/kobopeer/kobopeer/internal/notification"
	"github.com/kobopeer/kobopeer/pkg/metrics"
	"github.com/kobopeer/kobopeer/pkg/models"
)

// WorkerConfig bounds a settlement pass
type WorkerConfig struct {
	Interval    time.Duration // polling interval
	GraceWindow time.Duration // requests younger than this are skipped
	BatchSize   int           // max requests per pass
}

// Worker drains pending withdrawals on a timer. Each pass picks up requests
// older than the grace window, oldest first, bounded by batch size. Passes
// never overlap.
type Worker struct {
	logger   *zap.Logger
	db       *gorm.DB
	ledger   ledger.Service
	backend  SettlementBackend
	notifier notification.Sink
	cfg      WorkerConfig
	running  atomic.Bool
}

func NewWorker(logger *zap.Logger, db *gorm.DB, ledgerSvc ledger.Service, backend SettlementBackend, notifier notification.Sink, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Worker{
		logger:   logger,
		db:       db,
		ledger:   ledgerSvc,
		backend:  backend,
		notifier: notifier,
		cfg:      cfg,
	}
}

// Run blocks until ctx is cancelled
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("withdrawal worker started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Duration("grace_window", w.cfg.GraceWindow),
		zap.Int("batch_size", w.cfg.BatchSize))
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("withdrawal worker stopped")
			return
		case <-ticker.C:
			if err := w.ProcessBatch(ctx); err != nil {
				w.logger.Error("withdrawal pass failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch runs one settlement pass. Returns immediately if a pass is
// already in flight.
func (w *Worker) ProcessBatch(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return nil
	}
	defer w.running.Store(false)

	cutoff := time.Now().Add(-w.cfg.GraceWindow)
	var batch []models.WithdrawalRequest
	err := w.db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", models.WithdrawalStatusPending, cutoff).
		Order("created_at ASC").
		Limit(w.cfg.BatchSize).
		Find(&batch).Error
	if err != nil {
		return fmt.Errorf("failed to load pending withdrawals: %w", err)
	}

	for i := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.settle(ctx, &batch[i])
	}
	return nil
}

func (w *Worker) settle(ctx context.Context, req *models.WithdrawalRequest) {
	start := time.Now()
	txid, err := w.backend.Broadcast(ctx, req)
	if err != nil {
		w.fail(ctx, req, err)
		return
	}

	if err := w.ledger.SettleLockedDebit(ctx, req.UserID, req.Currency, req.Amount); err != nil {
		// funds stay locked; the request fails without unlocking so the
		// discrepancy is visible for audit
		w.logger.Error("settlement debit failed after broadcast",
			zap.String("request_id", req.ID.String()),
			zap.String("tx_id", txid),
			zap.String("alert", "fatal"),
			zap.Error(err))
		w.markStatus(ctx, req.ID, models.WithdrawalStatusFailed, map[string]interface{}{
			"tx_id":          txid,
			"failure_reason": "ledger settlement failed",
		})
		metrics.WithdrawalsProcessed.WithLabelValues(models.WithdrawalStatusFailed).Inc()
		return
	}

	w.markStatus(ctx, req.ID, models.WithdrawalStatusCompleted, map[string]interface{}{"tx_id": txid})
	metrics.WithdrawalsProcessed.WithLabelValues(models.WithdrawalStatusCompleted).Inc()
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())

	w.logger.Info("withdrawal settled",
		zap.String("request_id", req.ID.String()),
		zap.String("tx_id", txid),
		zap.String("amount", req.Amount.String()))
	w.notify(ctx, req.UserID, "Withdrawal Completed",
		fmt.Sprintf("Your withdrawal of %s %s has been sent. Transaction: %s", req.Amount, req.Currency, txid))
}

func (w *Worker) fail(ctx context.Context, req *models.WithdrawalRequest, cause error) {
	if err := w.ledger.Unlock(ctx, req.UserID, req.Currency, req.Amount); err != nil {
		w.logger.Error("failed to unlock after broadcast failure",
			zap.String("request_id", req.ID.String()),
			zap.String("alert", "fatal"),
			zap.Error(err))
	}
	w.markStatus(ctx, req.ID, models.WithdrawalStatusFailed, map[string]interface{}{
		"failure_reason": cause.Error(),
	})
	metrics.WithdrawalsProcessed.WithLabelValues(models.WithdrawalStatusFailed).Inc()

	w.logger.Warn("withdrawal failed",
		zap.String("request_id", req.ID.String()),
		zap.Error(cause))
	w.notify(ctx, req.UserID, "Withdrawal Failed",
		fmt.Sprintf("Your withdrawal of %s %s failed and the funds were returned. Reason: %s",
			req.Amount, req.Currency, cause.Error()))
}

func (w *Worker) markStatus(ctx context.Context, requestID uuid.UUID, status string, extra map[string]interface{}) {
	updates := map[string]interface{}{"status": status, "updated_at": time.Now()}
	for k, v := range extra {
		updates[k] = v
	}
	err := w.db.WithContext(ctx).Model(&models.WithdrawalRequest{}).
		Where("id = ? AND status = ?", requestID, models.WithdrawalStatusPending).
		Updates(updates).Error
	if err != nil {
		w.logger.Error("failed to update withdrawal status",
			zap.String("request_id", requestID.String()), zap.Error(err))
	}
}

func (w *Worker) notify(ctx context.Context, userID uuid.UUID, title, message string) {
	if w.notifier == nil {
		return
	}
	err := w.notifier.Notify(ctx, userID, notification.Message{
		Title: title, Message: message, Type: "withdrawal",
	})
	if err != nil {
		w.logger.Warn("notification delivery failed",
			zap.String("user_id", userID.String()), zap.Error(err))
	}
}
