package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User represents a platform user and their aggregate trading record
type User struct {
	ID               uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	Email            string          `json:"email" gorm:"uniqueIndex"`
	FirstName        string          `json:"first_name"`
	LastName         string          `json:"last_name"`
	KYCLevel         int             `json:"kyc_level" gorm:"default:0"` // 0 none .. 3 full
	IsVerified       bool            `json:"is_verified" gorm:"default:false"`
	// no default tag: gorm skips defaulted fields holding their zero value on
	// insert, which would make a suspended account unsaveable at creation
	IsActive         bool            `json:"is_active"`
	Rating           decimal.Decimal `json:"rating" gorm:"type:decimal(3,2)"`
	TotalTrades      int64           `json:"total_trades" gorm:"default:0"`
	SuccessfulTrades int64           `json:"successful_trades" gorm:"default:0"`
	TotalVolume      decimal.Decimal `json:"total_volume" gorm:"type:decimal(24,2)"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Wallet holds a user's balance in a single currency.
// Invariant: Balance == Available + Locked; all three non-negative.
type Wallet struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID       `json:"user_id" gorm:"type:uuid;index;uniqueIndex:idx_wallet_user_currency"`
	Currency  string          `json:"currency" gorm:"uniqueIndex:idx_wallet_user_currency"`
	Balance   decimal.Decimal `json:"balance" gorm:"type:decimal(30,8)"`
	Available decimal.Decimal `json:"available" gorm:"type:decimal(30,8)"`
	Locked    decimal.Decimal `json:"locked" gorm:"type:decimal(30,8)"`
	// Halted is set when an invariant violation is detected; a halted wallet
	// refuses all further mutations pending manual audit.
	Halted    bool      `json:"halted" gorm:"default:false"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Order sides
const (
	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)

// Order statuses
const (
	OrderStatusActive    = "active"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
)

// Order is a maker's standing offer to buy or sell crypto for fiat
type Order struct {
	UserID           uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	ID               uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	Side             string          `json:"side"` // buy, sell
	Currency         string          `json:"currency"`
	Amount           decimal.Decimal `json:"amount" gorm:"type:decimal(30,8)"`
	Rate             decimal.Decimal `json:"rate" gorm:"type:decimal(18,2)"`
	MinLimit         decimal.Decimal `json:"min_limit" gorm:"type:decimal(18,2)"`
	MaxLimit         decimal.Decimal `json:"max_limit" gorm:"type:decimal(18,2)"`
	PaymentMethod    string          `json:"payment_method"`
	PaymentTimeLimit int             `json:"payment_time_limit" gorm:"default:15"` // minutes
	Instructions     string          `json:"instructions"`
	Status           string          `json:"status" gorm:"default:active"` // active, filled, cancelled
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Trade statuses
const (
	TradeStatusPending        = "pending"
	TradeStatusEscrowPending  = "escrow_pending"
	TradeStatusActive         = "active"
	TradeStatusPaymentPending = "payment_pending"
	TradeStatusCompleted      = "completed"
	TradeStatusDisputed       = "disputed"
	TradeStatusCancelled      = "cancelled"
)

// Trade is a matched order-taker pair moving through the escrow lifecycle.
// Only the trade lifecycle service mutates Status.
type Trade struct {
	ID              uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	OrderID         uuid.UUID       `json:"order_id" gorm:"type:uuid;index"`
	BuyerID         uuid.UUID       `json:"buyer_id" gorm:"type:uuid;index"`
	SellerID        uuid.UUID       `json:"seller_id" gorm:"type:uuid;index"`
	Currency        string          `json:"currency"`
	Amount          decimal.Decimal `json:"amount" gorm:"type:decimal(30,8)"` // crypto amount
	Rate            decimal.Decimal `json:"rate" gorm:"type:decimal(18,2)"`
	FiatAmount      decimal.Decimal `json:"fiat_amount" gorm:"type:decimal(18,2)"`
	PaymentMethod   string          `json:"payment_method"`
	PaymentRef      string          `json:"payment_ref,omitempty"`
	Status          string          `json:"status" gorm:"index;default:pending"`
	EscrowAddress   string          `json:"escrow_address,omitempty"`
	DisputeReason   string          `json:"dispute_reason,omitempty"`
	PaymentMarkedAt *time.Time      `json:"payment_marked_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TradeMessage is a chat or system message attached to a trade
type TradeMessage struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	TradeID   uuid.UUID `json:"trade_id" gorm:"type:uuid;index"`
	SenderID  uuid.UUID `json:"sender_id" gorm:"type:uuid"`
	Content   string    `json:"content"`
	IsSystem  bool      `json:"is_system" gorm:"default:false"`
	CreatedAt time.Time `json:"created_at"`
}
