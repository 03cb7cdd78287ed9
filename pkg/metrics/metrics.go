package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TradesExecuted counts option trades by side (long/short) and outcome.
var TradesExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "riskengine_trades_executed_total",
		Help: "Total number of option trades processed by the engine",
	},
	[]string{"side", "result"},
)

// PricingRequestDuration records latency distribution for pricing requests.
var PricingRequestDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "riskengine_pricing_request_duration_seconds",
		Help:    "Latency in seconds to price an option contract",
		Buckets: prometheus.DefBuckets,
	},
)

// Margin sweep metrics
var (
	SweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskengine_sweep_runs_total",
			Help: "Total number of margin/expiration sweep executions",
		},
		[]string{"kind"},
	)

	MarginActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskengine_margin_actions_total",
			Help: "Margin interventions issued by the monitor",
		},
		[]string{"action"},
	)

	ForcedLiquidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "riskengine_forced_liquidations_total",
			Help: "Positions force-closed by the liquidation sweep",
		},
	)

	ContractsSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskengine_contracts_settled_total",
			Help: "Contracts settled at expiration by outcome",
		},
		[]string{"outcome"},
	)
)

// Market-data sidecar metrics
var (
	MarketDataRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskengine_marketdata_requests_total",
			Help: "Requests to the market-data sidecar by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	MarketDataRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riskengine_marketdata_request_duration_seconds",
			Help:    "Latency in seconds of market-data sidecar requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
)

func init() {
	prometheus.MustRegister(TradesExecuted, PricingRequestDuration)
	prometheus.MustRegister(SweepRuns, MarginActions, ForcedLiquidations, ContractsSettled)
	prometheus.MustRegister(MarketDataRequests, MarketDataRequestDuration)
}
