package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Withdrawal statuses
const (
	WithdrawalStatusPending   = "pending"
	WithdrawalStatusCompleted = "completed"
	WithdrawalStatusFailed    = "failed"
)

// WithdrawalRequest is a pending payout drained by the settlement worker.
// A failed request is never retried automatically; the user must resubmit.
type WithdrawalRequest struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID        uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:decimal(30,8)"`
	ToAddress     string          `json:"to_address"`
	Status        string          `json:"status" gorm:"index;default:pending"`
	Reference     string          `json:"reference" gorm:"uniqueIndex"`
	TxID          string          `json:"tx_id,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at" gorm:"index"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
