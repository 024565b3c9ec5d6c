package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counts how many documents have been scanned for candidates.
var DocumentsProcessed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tablegate_documents_processed_total",
	Help: "Total number of documents scanned for table candidates",
})

// Counts candidates by outcome (applied, already_applied, skipped, failed, conflict).
var CandidateOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tablegate_candidate_outcomes_total",
	Help: "Table candidates handled, by outcome",
}, []string{"outcome"})

// Cache metrics
var (
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablegate_cache_hits_total",
		Help: "Total number of cache lookups answered from the task cache",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablegate_cache_misses_total",
		Help: "Total number of cache lookups that found no record",
	})

	StorageWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablegate_storage_write_failures_total",
		Help: "Total number of cache records that could not be persisted",
	})

	RecordsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablegate_records_swept_total",
		Help: "Total number of expired records removed by sweeps",
	})

	RecordsInvalidated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablegate_records_invalidated_total",
		Help: "Total number of records removed by scope invalidation",
	})
)

// Gate metrics
var (
	GateInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tablegate_gate_inflight",
		Help: "Remote calls currently executing",
	})

	GateShared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablegate_gate_shared_total",
		Help: "Invocations that joined an in-flight call instead of issuing one",
	})
)

// Prediction service metrics
var (
	RemoteRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablegate_remote_requests_total",
		Help: "Total number of requests sent to the prediction service",
	})

	RemoteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablegate_remote_errors_total",
		Help: "Total number of failed requests to the prediction service",
	})

	RemoteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tablegate_remote_latency_seconds",
		Help:    "Time taken by the prediction service",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // From 100ms to ~100s
	})

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tablegate_circuit_breaker_state",
			Help: "Current state of circuit breakers (0=closed, 1=half-open, 2=open)",
		},
		[]string{"service"},
	)
)

// Queue metrics
var (
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tablegate_queue_depth",
		Help: "Notifications waiting to be consumed",
	})

	NotificationsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablegate_notifications_coalesced_total",
		Help: "Notifications dropped because the same document was already queued",
	})
)
