// Package payment is the fiat payment gateway boundary. The engine only uses
// it to verify an off-platform payment reference when a buyer marks a trade
// paid; the gateway result is treated as an opaque success or failure.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Verification is the gateway's view of a payment reference
type Verification struct {
	Reference string
	Status    string // success, failed, abandoned
	Amount    decimal.Decimal
	Currency  string
}

// Success reports whether the gateway settled the payment
func (v *Verification) Success() bool { return v.Status == "success" }

// Gateway initiates and verifies fiat payments
type Gateway interface {
	Initialize(ctx context.Context, email string, amount decimal.Decimal, reference string) (string, error)
	Verify(ctx context.Context, reference string) (*Verification, error)
}

// RESTGateway talks to a Paystack-style REST API
type RESTGateway struct {
	logger    *zap.Logger
	client    *http.Client
	baseURL   string
	secretKey string
}

// NewRESTGateway creates a gateway client for baseURL
func NewRESTGateway(logger *zap.Logger, baseURL, secretKey string) *RESTGateway {
	return &RESTGateway{
		logger:    logger,
		client:    &http.Client{Timeout: 15 * time.Second},
		baseURL:   baseURL,
		secretKey: secretKey,
	}
}

var _ Gateway = (*RESTGateway)(nil)

type initializeRequest struct {
	Amount    int64  `json:"amount"` // minor units (kobo)
	Email     string `json:"email"`
	Reference string `json:"reference"`
}

type initializeResponse struct {
	Status bool   `json:"status"`
	Msg    string `json:"message"`
	Data   struct {
		AuthorizationURL string `json:"authorization_url"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

// Initialize starts a hosted payment and returns the authorization URL
func (g *RESTGateway) Initialize(ctx context.Context, email string, amount decimal.Decimal, reference string) (string, error) {
	// gateway expects the amount in minor units
	body, err := json.Marshal(initializeRequest{
		Amount:    amount.Mul(decimal.NewFromInt(100)).IntPart(),
		Email:     email,
		Reference: reference,
	})
	if err != nil {
		return "", err
	}
	var resp initializeResponse
	if err := g.do(ctx, http.MethodPost, "/transaction/initialize", bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	if !resp.Status {
		return "", fmt.Errorf("payment initialization rejected: %s", resp.Msg)
	}
	return resp.Data.AuthorizationURL, nil
}

type verifyResponse struct {
	Status bool   `json:"status"`
	Msg    string `json:"message"`
	Data   struct {
		Status    string `json:"status"`
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"` // minor units
		Currency  string `json:"currency"`
	} `json:"data"`
}

// Verify fetches the settlement status of reference
func (g *RESTGateway) Verify(ctx context.Context, reference string) (*Verification, error) {
	var resp verifyResponse
	if err := g.do(ctx, http.MethodGet, "/transaction/verify/"+reference, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, fmt.Errorf("payment verification rejected: %s", resp.Msg)
	}
	return &Verification{
		Reference: resp.Data.Reference,
		Status:    resp.Data.Status,
		Amount:    decimal.NewFromInt(resp.Data.Amount).Div(decimal.NewFromInt(100)),
		Currency:  resp.Data.Currency,
	}, nil
}

func (g *RESTGateway) do(ctx context.Context, method, path string, body *bytes.Reader, out interface{}) error {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, g.baseURL+path, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("payment gateway request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("payment gateway returned %d", res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(out)
}
