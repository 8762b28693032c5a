package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmengine_orders_total",
		Help: "Orders submitted to exchange gateways",
	}, []string{"exchange", "action", "result"})

	RunnerCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmengine_runner_cycles_total",
		Help: "Quote cycles executed by strategy runners",
	}, []string{"kind", "result"})

	RunnerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmengine_runner_failures_total",
		Help: "Runner failures by error kind",
	}, []string{"kind", "reason"})

	RiskRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmengine_risk_rejects_total",
		Help: "Quotes dropped by the pre-trade risk check",
	}, []string{"reason"})

	ActiveRunners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mmengine_active_runners",
		Help: "Number of strategy runners currently alive",
	})

	LifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmengine_lifecycle_transitions_total",
		Help: "Strategy lifecycle state transitions",
	}, []string{"from", "to"})

	CycleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mmengine_cycle_seconds",
		Help:    "Duration of a single quote cycle",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	MarketSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mmengine_market_subscriptions",
		Help: "Distinct (exchange, pair) market subscriptions held by the cache",
	})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mmengine_http_latency_seconds",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)
