package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitializeSendsMinorUnits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/initialize", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))

		var req initializeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(50000), req.Amount) // 500.00 in minor units
		assert.Equal(t, "buyer@test.local", req.Email)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": true,
			"data": map[string]interface{}{
				"authorization_url": "https://checkout.test/abc",
				"reference":         req.Reference,
			},
		})
	}))
	defer srv.Close()

	g := NewRESTGateway(zap.NewNop(), srv.URL, "sk_test")
	url, err := g.Initialize(context.Background(), "buyer@test.local", decimal.NewFromInt(500), "ref_1")
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.test/abc", url)
}

func TestVerifyParsesSettlement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/verify/ref_1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": true,
			"data": map[string]interface{}{
				"status":    "success",
				"reference": "ref_1",
				"amount":    50000,
				"currency":  "NGN",
			},
		})
	}))
	defer srv.Close()

	g := NewRESTGateway(zap.NewNop(), srv.URL, "sk_test")
	v, err := g.Verify(context.Background(), "ref_1")
	require.NoError(t, err)
	assert.True(t, v.Success())
	assert.True(t, v.Amount.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, "NGN", v.Currency)
}

func TestVerifyRejectedReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  false,
			"message": "transaction not found",
		})
	}))
	defer srv.Close()

	g := NewRESTGateway(zap.NewNop(), srv.URL, "sk_test")
	_, err := g.Verify(context.Background(), "missing")
	assert.Error(t, err)
}
