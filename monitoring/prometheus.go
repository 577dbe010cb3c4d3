// Package monitoring carries the teacher's promauto/promhttp metrics
// pattern (monitoring/prometheus.go in the teacher) rebased onto this
// domain's components: bar aggregation, the fan-out hub, position
// transitions, order cleanup, distributed locking, and the broker
// circuit breaker.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bar aggregation metrics
	ticksIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fno_ticks_ingested_total",
			Help: "Total ticks accepted by the aggregator, by instrument underlying",
		},
		[]string{"underlying"},
	)

	ticksRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fno_ticks_rejected_total",
			Help: "Total ticks rejected by the aggregator, by reason",
		},
		[]string{"reason"},
	)

	barsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fno_bars_closed_total",
			Help: "Total bars closed, by timeframe",
		},
		[]string{"timeframe"},
	)

	barPersistFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fno_bar_persist_failures_total",
			Help: "Total bars that exhausted their persistence retry budget",
		},
		[]string{"timeframe"},
	)

	barPersistQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fno_bar_persist_queue_depth",
			Help: "Current depth of the aggregator's persistence queue",
		},
	)

	barPersistOverflowDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fno_bar_persist_overflow_depth",
			Help: "Current depth of the aggregator's persistence overflow buffer (queue was saturated)",
		},
	)

	// Fan-out hub metrics
	hubSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fno_hub_subscribers",
			Help: "Current number of connected WebSocket subscribers",
		},
	)

	hubDisconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fno_hub_disconnects_total",
			Help: "Total subscriber disconnects, by reason",
		},
		[]string{"reason"},
	)

	// Position tracker metrics
	positionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fno_position_events_total",
			Help: "Total position transition events, by kind",
		},
		[]string{"kind"},
	)

	// Cleanup worker metrics
	cleanupActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fno_cleanup_actions_total",
			Help: "Total cleanup actions performed, by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	cleanupLockContentionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fno_cleanup_lock_contention_total",
			Help: "Total cleanup lock acquisitions, by outcome (acquired/unavailable)",
		},
		[]string{"outcome"},
	)

	// Circuit breaker metrics
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fno_breaker_state",
			Help: "Circuit breaker state by name (0=closed, 1=half_open, 2=open)",
		},
		[]string{"name"},
	)

	// Persistence adapter metrics
	persistenceQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fno_persistence_query_duration_milliseconds",
			Help:    "Persistence adapter query duration in milliseconds",
			Buckets: []float64{0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"operation"},
	)

	persistenceErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fno_persistence_errors_total",
			Help: "Total persistence adapter errors, by operation and error kind",
		},
		[]string{"operation", "kind"},
	)

	// Runtime/process metrics
	memoryUsageBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fno_memory_usage_bytes",
			Help: "Current memory usage in bytes",
		},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fno_goroutines_count",
			Help: "Current number of goroutines",
		},
	)
)

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTickIngested records one accepted tick.
func RecordTickIngested(underlying string) {
	ticksIngestedTotal.WithLabelValues(underlying).Inc()
}

// RecordTickRejected records one rejected tick.
func RecordTickRejected(reason string) {
	ticksRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordBarClosed records one bar closing for the given timeframe.
func RecordBarClosed(timeframe string) {
	barsClosedTotal.WithLabelValues(timeframe).Inc()
}

// RecordBarPersistFailure records one bar that was dead-lettered.
func RecordBarPersistFailure(timeframe string) {
	barPersistFailuresTotal.WithLabelValues(timeframe).Inc()
}

// SetBarPersistQueueDepth reports the aggregator's current queue depth.
func SetBarPersistQueueDepth(depth int) {
	barPersistQueueDepth.Set(float64(depth))
}

// SetBarPersistOverflowDepth reports how many closed bars have spilled
// past the persistence queue's capacity. Non-zero for long stretches
// means the database writer can't keep up with ingestion.
func SetBarPersistOverflowDepth(depth int) {
	barPersistOverflowDepth.Set(float64(depth))
}

// SetHubSubscribers reports the fan-out hub's current subscriber count.
func SetHubSubscribers(count int) {
	hubSubscribers.Set(float64(count))
}

// RecordHubDisconnect records one subscriber disconnect.
func RecordHubDisconnect(reason string) {
	hubDisconnectsTotal.WithLabelValues(reason).Inc()
}

// RecordPositionEvent records one position transition event.
func RecordPositionEvent(kind string) {
	positionEventsTotal.WithLabelValues(kind).Inc()
}

// RecordCleanupAction records one cleanup action outcome.
func RecordCleanupAction(action, outcome string) {
	cleanupActionsTotal.WithLabelValues(action, outcome).Inc()
}

// RecordCleanupLock records one cleanup lock acquisition attempt.
func RecordCleanupLock(outcome string) {
	cleanupLockContentionTotal.WithLabelValues(outcome).Inc()
}

// SetBreakerState reports a named breaker's current state (0/1/2).
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordPersistenceQuery records one persistence adapter call.
func RecordPersistenceQuery(operation string, durationMs float64) {
	persistenceQueryDuration.WithLabelValues(operation).Observe(durationMs)
}

// RecordPersistenceError records one persistence adapter failure.
func RecordPersistenceError(operation, kind string) {
	persistenceErrorsTotal.WithLabelValues(operation, kind).Inc()
}

// SetMemoryUsage sets memory usage.
func SetMemoryUsage(bytes uint64) {
	memoryUsageBytes.Set(float64(bytes))
}

// SetGoroutineCount sets goroutine count.
func SetGoroutineCount(count int) {
	goroutineCount.Set(float64(count))
}

// WithTiming runs fn and records its duration against operation, also
// recording an error of the given kind if fn fails.
func WithTiming(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	RecordPersistenceQuery(operation, float64(time.Since(start).Milliseconds()))
	if err != nil {
		RecordPersistenceError(operation, "query_error")
	}
	return err
}
