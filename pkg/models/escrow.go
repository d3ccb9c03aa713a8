package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Escrow statuses
const (
	EscrowStatusPending  = "pending"
	EscrowStatusHeld     = "held"
	EscrowStatusReleased = "released"
	EscrowStatusFrozen   = "frozen"
)

// Escrow locks a seller's crypto against a trade until both parties confirm
// or a dispute is resolved. Released and frozen are terminal dispositions;
// the ledger records which way the funds actually moved.
type Escrow struct {
	ID              uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	TradeID         uuid.UUID       `json:"trade_id" gorm:"type:uuid;uniqueIndex"`
	SellerID        uuid.UUID       `json:"seller_id" gorm:"type:uuid;index"`
	BuyerID         uuid.UUID       `json:"buyer_id" gorm:"type:uuid;index"`
	Currency        string          `json:"currency"`
	Amount          decimal.Decimal `json:"amount" gorm:"type:decimal(30,8)"`
	Address         string          `json:"address" gorm:"uniqueIndex"`
	Status          string          `json:"status" gorm:"default:pending"`
	BuyerConfirmed  bool            `json:"buyer_confirmed" gorm:"default:false"`
	SellerConfirmed bool            `json:"seller_confirmed" gorm:"default:false"`
	ReleasedAt      *time.Time      `json:"released_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Dispute statuses
const (
	DisputeStatusOpen     = "open"
	DisputeStatusResolved = "resolved"
)

// Dispute routes a contested trade to manual resolution
type Dispute struct {
	ID            uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	TradeID       uuid.UUID  `json:"trade_id" gorm:"type:uuid;index"`
	ComplainantID uuid.UUID  `json:"complainant_id" gorm:"type:uuid"`
	RespondentID  uuid.UUID  `json:"respondent_id" gorm:"type:uuid"`
	Reason        string     `json:"reason"`
	Description   string     `json:"description"`
	Status        string     `json:"status" gorm:"default:open"` // open, resolved
	Resolution    string     `json:"resolution,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
