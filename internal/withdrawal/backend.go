package withdrawal

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math/big"

	"github.com/kobopeer/kobopeer/pkg/models"
)

// SettlementBackend broadcasts a payout to the external network and returns
// the transaction id. A returned error marks the request failed; it is not
// retried.
type SettlementBackend interface {
	Broadcast(ctx context.Context, req *models.WithdrawalRequest) (txid string, err error)
}

// SimulatedBackend settles payouts in-process with a configurable success
// rate. Used until a real chain integration lands, and in tests with rate 1
// or 0 for deterministic outcomes.
type SimulatedBackend struct {
	successRate float64 // 0..1
}

func NewSimulatedBackend(successRate float64) *SimulatedBackend {
	if successRate < 0 {
		successRate = 0
	}
	if successRate > 1 {
		successRate = 1
	}
	return &SimulatedBackend{successRate: successRate}
}

func (b *SimulatedBackend) Broadcast(ctx context.Context, req *models.WithdrawalRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	if float64(n.Int64()) >= b.successRate*10000 {
		return "", errors.New("network broadcast failed")
	}
	h := make([]byte, 32)
	if _, err := rand.Read(h); err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(h), nil
}
