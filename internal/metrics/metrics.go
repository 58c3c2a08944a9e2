package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Driver
	DriverEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taikoscope",
		Subsystem: "driver",
		Name:      "events_total",
		Help:      "Total driver events converted from chain subscriptions",
	}, []string{"kind"})

	DriverStoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taikoscope",
		Subsystem: "driver",
		Name:      "store_errors_total",
		Help:      "Total storage write failures while handling driver events",
	}, []string{"kind", "class"})

	DriverDecodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taikoscope",
		Subsystem: "driver",
		Name:      "decode_errors_total",
		Help:      "Total contract logs that could not be decoded",
	})

	DriverResubscribesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taikoscope",
		Subsystem: "driver",
		Name:      "resubscribes_total",
		Help:      "Total subscription (re)establishment attempts that failed",
	}, []string{"stream"})

	DriverLastBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taikoscope",
		Subsystem: "driver",
		Name:      "last_block_number",
		Help:      "Number of the last header observed per chain layer",
	}, []string{"layer"})

	// Reorgs
	ReorgDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taikoscope",
		Subsystem: "reorg",
		Name:      "detected_total",
		Help:      "Total L2 reorgs detected",
	}, []string{"type"})

	ReorgDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taikoscope",
		Subsystem: "reorg",
		Name:      "depth_blocks",
		Help:      "Depth of detected L2 reorgs",
		Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 64},
	})

	ReorgOrphanedBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taikoscope",
		Subsystem: "reorg",
		Name:      "orphaned_blocks_total",
		Help:      "Total L2 block hashes marked orphaned",
	})

	// Monitors
	MonitorChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taikoscope",
		Subsystem: "monitor",
		Name:      "checks_total",
		Help:      "Total health evaluations per monitor and result",
	}, []string{"monitor", "result"})

	MonitorCheckLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taikoscope",
		Subsystem: "monitor",
		Name:      "check_duration_seconds",
		Help:      "Duration of one monitor health evaluation",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"monitor"})

	MonitorActiveIncidents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taikoscope",
		Subsystem: "monitor",
		Name:      "active_incidents",
		Help:      "Open incidents tracked per monitor",
	}, []string{"monitor"})

	IncidentTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taikoscope",
		Subsystem: "incident",
		Name:      "transitions_total",
		Help:      "Incident lifecycle transitions per monitor",
	}, []string{"monitor", "transition", "mode"})

	IncidentAPIErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taikoscope",
		Subsystem: "incident",
		Name:      "api_errors_total",
		Help:      "Incident API calls that failed after retries",
	}, []string{"monitor", "operation"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taikoscope",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Breaker state per guarded dependency (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// Retry
	RetryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taikoscope",
		Subsystem: "retry",
		Name:      "attempts_total",
		Help:      "Total retries scheduled after a retryable failure",
	}, []string{"policy"})

	RetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taikoscope",
		Subsystem: "retry",
		Name:      "exhausted_total",
		Help:      "Total operations that used their whole attempt budget",
	}, []string{"policy"})

	// RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taikoscope",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total chain RPC calls by method and outcome kind",
	}, []string{"layer", "method", "kind"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taikoscope",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total RPC calls delayed by the client-side throttle",
	}, []string{"layer"})

	// API
	APIRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taikoscope",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Total inbound requests rejected by the rate limiter",
	})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taikoscope",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent per channel",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taikoscope",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts suppressed by cooldown",
	}, []string{"channel", "type"})

	// DB pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taikoscope",
		Subsystem: "db_pool",
		Name:      "open_connections",
		Help:      "Open database connections",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taikoscope",
		Subsystem: "db_pool",
		Name:      "in_use_connections",
		Help:      "Database connections currently in use",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taikoscope",
		Subsystem: "db_pool",
		Name:      "idle_connections",
		Help:      "Idle database connections",
	})

	DBPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taikoscope",
		Subsystem: "db_pool",
		Name:      "wait_count",
		Help:      "Total connections waited for",
	})

	DBPoolWaitDurationSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taikoscope",
		Subsystem: "db_pool",
		Name:      "wait_duration_seconds",
		Help:      "Total time blocked waiting for a connection",
	})
)
