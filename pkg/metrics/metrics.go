package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TradesInitiated counts initiated trades by order side (buy/sell)
var TradesInitiated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kobopeer_trades_initiated_total",
		Help: "Total number of trades initiated",
	},
	[]string{"side"},
)

// TradesCompleted counts trades reaching a terminal status
var TradesCompleted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kobopeer_trades_terminal_total",
		Help: "Total number of trades reaching a terminal status",
	},
	[]string{"status"},
)

// EscrowReleases counts escrow releases by path (confirm/force)
var EscrowReleases = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kobopeer_escrow_releases_total",
		Help: "Total number of escrow releases",
	},
	[]string{"path"},
)

// DisputesOpened counts opened disputes
var DisputesOpened = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "kobopeer_disputes_opened_total",
		Help: "Total number of disputes opened",
	},
)

// WithdrawalsProcessed counts settled withdrawal requests by outcome
var WithdrawalsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kobopeer_withdrawals_processed_total",
		Help: "Total number of withdrawal requests processed by the settlement worker",
	},
	[]string{"status"},
)

// SettlementLatency records latency distribution for settlement broadcasts
var SettlementLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "kobopeer_settlement_latency_seconds",
		Help:    "Latency in seconds to broadcast a withdrawal settlement",
		Buckets: prometheus.DefBuckets,
	},
)

// RiskChecksBlocked counts hard denies issued by the risk gate
var RiskChecksBlocked = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kobopeer_risk_checks_blocked_total",
		Help: "Total number of actions blocked by the risk gate",
	},
	[]string{"action"},
)

func init() {
	prometheus.MustRegister(TradesInitiated, TradesCompleted, EscrowReleases)
	prometheus.MustRegister(DisputesOpened, WithdrawalsProcessed, SettlementLatency)
	prometheus.MustRegister(RiskChecksBlocked)
}
