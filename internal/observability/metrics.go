package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	// --- Sessions & pellets ---
	SessionsConnected prometheus.Gauge
	SessionsTotal     prometheus.Counter
	PelletsLive       prometheus.Gauge
	PelletsSpawned    prometheus.Counter
	PelletsPicked     prometheus.Counter
	PelletsCredited   prometheus.Counter
	SpawnTruncated    prometheus.Counter

	// --- Deposits ---
	DepositIntents      *prometheus.CounterVec
	DepositsConfirmed   prometheus.Counter
	DepositsRejected    *prometheus.CounterVec
	DepositDuplicates   prometheus.Counter
	DepositCreditTotal  prometheus.Counter
	DepositVerification prometheus.Histogram

	// --- Withdrawals ---
	WithdrawalsSettled  prometheus.Counter
	WithdrawalsRejected *prometheus.CounterVec
	WithdrawalFeeTotal  prometheus.Counter
	WithdrawalTokens    prometheus.Counter
	SettlementDuration  prometheus.Histogram

	// --- Chain RPC ---
	ChainRequests   *prometheus.CounterVec
	ChainErrors     *prometheus.CounterVec
	ChainRPCLatency *prometheus.HistogramVec

	// --- Persistence ---
	AuditEntriesWritten prometheus.Counter
	AuditWriteErrors    prometheus.Counter
	SignaturesStored    prometheus.Gauge

	// --- Transport ---
	MessagesSent    *prometheus.CounterVec
	MessagesDropped prometheus.Counter
	BroadcastFanout prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	rpcBuckets := []float64{
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
	}

	return &Metrics{
		// Sessions & pellets
		SessionsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_sessions_connected",
			Help: "Currently connected sessions",
		}),

		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_sessions_total",
			Help: "Total sessions ever connected",
		}),

		PelletsLive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_pellets_live",
			Help: "Pellets currently in the world",
		}),

		PelletsSpawned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_pellets_spawned_total",
			Help: "Pellets inserted via spawn batches",
		}),

		PelletsPicked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_pellets_picked_total",
			Help: "Pellets removed by pickup",
		}),

		PelletsCredited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_pellets_credited_total",
			Help: "Game currency credited via pickups",
		}),

		SpawnTruncated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_spawn_truncated_total",
			Help: "Spawn batches truncated to the per-request cap",
		}),

		// Deposits
		DepositIntents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_deposit_intents_total",
			Help: "Deposit intents built",
		}, []string{"status"}),

		DepositsConfirmed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_deposits_confirmed_total",
			Help: "Deposits verified and credited",
		}),

		DepositsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_deposits_rejected_total",
			Help: "Deposit confirmations rejected",
		}, []string{"reason"}),

		DepositDuplicates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_deposit_duplicates_total",
			Help: "Replayed deposit signatures caught by the consumed set",
		}),

		DepositCreditTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_deposit_credit_total",
			Help: "Game currency credited via deposits",
		}),

		DepositVerification: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_deposit_verification_seconds",
			Help:    "Ledger fetch + verification duration",
			Buckets: rpcBuckets,
		}),

		// Withdrawals
		WithdrawalsSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_withdrawals_settled_total",
			Help: "Withdrawals accepted by the ledger",
		}),

		WithdrawalsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_withdrawals_rejected_total",
			Help: "Withdrawals rejected before or during settlement",
		}, []string{"reason"}),

		WithdrawalFeeTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_withdrawal_fee_total",
			Help: "Fees retained from withdrawals (game units)",
		}),

		WithdrawalTokens: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_withdrawal_tokens_total",
			Help: "Tokens paid out (UI units)",
		}),

		SettlementDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_settlement_duration_seconds",
			Help:    "Withdrawal submission to acceptance",
			Buckets: rpcBuckets,
		}),

		// Chain RPC
		ChainRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_chain_requests_total",
			Help: "JSON-RPC requests to the ledger",
		}, []string{"method"}),

		ChainErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_chain_errors_total",
			Help: "JSON-RPC failures",
		}, []string{"method"}),

		ChainRPCLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_chain_rpc_latency_seconds",
			Help:    "JSON-RPC round-trip latency",
			Buckets: rpcBuckets,
		}, []string{"method"}),

		// Persistence
		AuditEntriesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_audit_entries_written_total",
			Help: "Withdrawal log entries appended",
		}),

		AuditWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_audit_write_errors_total",
			Help: "Failed audit log writes",
		}),

		SignaturesStored: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_signatures_stored",
			Help: "Consumed deposit signatures held durable",
		}),

		// Transport
		MessagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_messages_sent_total",
			Help: "Realtime messages sent",
		}, []string{"type"}),

		MessagesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_messages_dropped_total",
			Help: "Messages dropped on slow consumers",
		}),

		BroadcastFanout: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_broadcast_fanout",
			Help:    "Sessions reached per broadcast",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
	}
}
