package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Usage service metrics for production monitoring
var (
	// Refresh metrics
	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_usage_refresh_total",
			Help: "Total number of dashboard refreshes by outcome",
		},
		[]string{"source", "status"}, // source: live/synthetic/cache/stale, status: success/failure
	)

	RefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_usage_refresh_duration_seconds",
			Help:    "Dashboard refresh duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"source"},
	)

	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_usage_fallbacks_total",
			Help: "Operations served by the synthetic backend after a live failure",
		},
		[]string{"operation"},
	)

	// Live gateway metrics
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_usage_gateway_requests_total",
			Help: "Total number of live gateway calls",
		},
		[]string{"method", "status"},
	)

	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_usage_gateway_request_duration_seconds",
			Help:    "Live gateway call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_usage_retry_attempts_total",
			Help: "Retry attempts against the live gateway",
		},
		[]string{"operation"},
	)

	LiveConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_usage_live_connected",
			Help: "1 when the live gateway is connected, 0 otherwise",
		},
	)

	// Mutation metrics
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_usage_mutations_total",
			Help: "Preference mutations by operation and outcome",
		},
		[]string{"operation", "source", "status"},
	)

	// Event fan-out metrics
	EventsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_usage_events_emitted_total",
			Help: "Events delivered to listeners per channel",
		},
		[]string{"channel"},
	)

	ListenerPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_usage_listener_panics_total",
			Help: "Listener callbacks that panicked",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_usage_cache_hits_total",
			Help: "Refreshes served from the snapshot cache",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_usage_cache_misses_total",
			Help: "Refreshes that had to fetch",
		},
	)

	// Token and cost metrics
	TokensRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_usage_tokens_total",
			Help: "Tokens recorded by the budget tracker",
		},
		[]string{"model", "type"}, // type: input/output
	)

	CostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_usage_cost_usd_total",
			Help: "Cost recorded by the budget tracker in USD",
		},
		[]string{"model"},
	)

	BudgetUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kubilitics_usage_budget_utilization_ratio",
			Help: "Used / budget per token category",
		},
		[]string{"category"},
	)

	BudgetWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_usage_budget_warnings_total",
			Help: "Times a category crossed the warn threshold",
		},
		[]string{"category"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_usage_websocket_connections",
			Help: "Active event stream clients",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_usage_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
)
