// Package risk provides the risk scoring and AML compliance gates consumed by
// the trade lifecycle. The trade lifecycle treats a blocked assessment as a
// hard deny, and a gate timeout as a deny (fail closed).
package risk

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Risk levels
const (
	LevelLow    = "low"
	LevelMedium = "medium"
	LevelHigh   = "high"
)

// Actions scored by the gate
const (
	ActionInitiateTrade = "initiate_trade"
	ActionWithdraw      = "withdraw"
)

// Assessment is the result of a risk check
type Assessment struct {
	Score   int      `json:"score"`
	Level   string   `json:"level"`
	Factors []string `json:"factors"`
	Blocked bool     `json:"blocked"`
}

// Gate scores an intended action for an account
type Gate interface {
	CheckRisk(ctx context.Context, userID uuid.UUID, action string, amount decimal.Decimal) (*Assessment, error)
}

// Decision is the result of an AML compliance check
type Decision struct {
	Compliant         bool   `json:"compliant"`
	RiskLevel         string `json:"risk_level"`
	RequiresReporting bool   `json:"requires_reporting"`
	Message           string `json:"message"`
}

// ComplianceGate checks an intended transaction amount against AML thresholds
// and the account's verification tier
type ComplianceGate interface {
	CheckCompliance(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*Decision, error)
}
