package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ProblemDetails is an RFC 7807 style error body
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

var kindStatus = map[Kind]int{
	KindInvalidAmount:      http.StatusBadRequest,
	KindInsufficientFunds:  http.StatusUnprocessableEntity,
	KindLimitViolation:     http.StatusBadRequest,
	KindComplianceBlocked:  http.StatusForbidden,
	KindGateUnavailable:    http.StatusServiceUnavailable,
	KindInvalidState:       http.StatusConflict,
	KindEscrowFrozen:       http.StatusConflict,
	KindInvariantViolation: http.StatusInternalServerError,
	KindNotFound:           http.StatusNotFound,
	KindInternal:           http.StatusInternalServerError,
}

var kindTitle = map[Kind]string{
	KindInvalidAmount:      "Invalid Amount",
	KindInsufficientFunds:  "Insufficient Funds",
	KindLimitViolation:     "Limit Violation",
	KindComplianceBlocked:  "Compliance Blocked",
	KindGateUnavailable:    "Gate Unavailable",
	KindInvalidState:       "Invalid State",
	KindEscrowFrozen:       "Escrow Frozen",
	KindInvariantViolation: "Invariant Violation",
	KindNotFound:           "Not Found",
	KindInternal:           "Internal Server Error",
}

// HandleError writes err as an RFC 7807 response based on its kind
func HandleError(c *gin.Context, err error) {
	kind := KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	detail := err.Error()
	if kind == KindInternal || kind == KindInvariantViolation {
		// do not leak internals to clients
		detail = ""
	}
	c.Header("Content-Type", "application/problem+json")
	c.JSON(status, &ProblemDetails{
		Type:     "https://kobopeer.com/errors/" + string(kind),
		Title:    kindTitle[kind],
		Status:   status,
		Detail:   detail,
		Instance: c.Request.URL.Path,
	})
}
