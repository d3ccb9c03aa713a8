// Package errors defines the typed business errors shared by the escrow and
// settlement engine. Ledger and escrow errors propagate unchanged to the trade
// lifecycle, which surfaces them to callers without retry.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a business-rule failure
type Kind string

const (
	KindInvalidAmount      Kind = "invalid_amount"
	KindInsufficientFunds  Kind = "insufficient_funds"
	KindLimitViolation     Kind = "limit_violation"
	KindComplianceBlocked  Kind = "compliance_blocked"
	KindGateUnavailable    Kind = "gate_unavailable"
	KindInvalidState       Kind = "invalid_state"
	KindEscrowFrozen       Kind = "escrow_frozen"
	KindInvariantViolation Kind = "invariant_violation"
	KindNotFound           Kind = "not_found"
	KindInternal           Kind = "internal"
)

// Error is a business error with a machine-readable kind
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors of the same kind match under errors.Is
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New creates a business error of the given kind
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal for untyped errors
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
