package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	JobsDequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rfqm_job_dequeued_total",
		Help: "Number of queue messages pulled by a worker",
	}, []string{"address"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rfqm_jobs_processed_total",
		Help: "The total number of jobs that reached a terminal status",
	}, []string{"chain_id", "status"})

	JobProcessingTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rfqm_job_processing_seconds",
		Help:    "Time taken to drive a job from claim to a terminal status",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // Start at 1s with 10 buckets doubling in size
	}, []string{"chain_id"})

	MakerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rfqm_maker_requests_total",
		Help: "RFQ requests sent to makers by outcome",
	}, []string{"maker", "outcome"})

	MakerRequestTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rfqm_maker_request_seconds",
		Help:    "Latency of RFQ requests to makers",
		Buckets: []float64{0.025, 0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 1, 2},
	}, []string{"maker"})

	MakerDisabled = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rfqm_maker_disabled",
		Help: "1 while a maker is backed off after consecutive failures",
	}, []string{"maker"})

	BalanceCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rfqm_balance_cache_lookups_total",
		Help: "Balance cache lookups by result (hit or miss)",
	}, []string{"result"})

	BalanceRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rfqm_balance_refreshes_total",
		Help: "Batched on-chain balance reads issued by the balance cache",
	})

	GasPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rfqm_gas_price_gwei",
		Help: "Current suggested gas price in gwei",
	}, []string{"chain_id"})

	GasBumps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rfqm_gas_bumps_total",
		Help: "Same-nonce resubmissions with a higher gas price",
	}, []string{"chain_id"})

	SettlementErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rfqm_settlement_errors_total",
		Help: "Errors returned by the chain while settling jobs, by type",
	}, []string{"chain_id", "error_type"})

	LastLook = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rfqm_last_look_total",
		Help: "Last look confirmations by maker and result",
	}, []string{"maker", "result"})

	QuotesServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rfqm_quotes_served_total",
		Help: "Prices and quotes returned by liquidity source",
	}, []string{"kind", "source"})

	Redeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rfqm_redeliveries_total",
		Help: "Messages returned to the queue after a handler error",
	}, []string{"queue"})

	DeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rfqm_dead_lettered_total",
		Help: "Messages moved to the dead-letter queue after exhausting deliveries",
	}, []string{"queue"})

	// LiquidityMonitor is 0 on probe failure, 1 when no liquidity was found, 2 when liquidity is available
	LiquidityMonitor = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "liquidity_monitor_gauge",
		Help: "Liquidity probe result per pair and source",
	}, []string{"pair", "source", "chain_id"})
)
