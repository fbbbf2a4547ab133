package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "parkfleet_"

	resultSuccess = "success"
	resultError   = "error"

	queueEventEnqueued     = "enqueued"
	queueEventDeduplicated = "deduplicated"
	queueEventCoalesced    = "coalesced"
	queueEventDelivered    = "delivered"
	queueEventRetried      = "retried"
	queueEventDeadLettered = "dead_lettered"

	verifyResultVerified = "verified"
	verifyResultMismatch = "mismatch"
	verifyResultOrphan   = "orphan"
	verifyResultExpired  = "expired"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	queueEvents     *prometheus.CounterVec
	deliveryLatency prometheus.Histogram

	rateLimitDenials *prometheus.CounterVec

	verificationResults *prometheus.CounterVec

	reconcileRunTotal   *prometheus.CounterVec
	reconcileRunLatency *prometheus.HistogramVec
	reconcileActions    *prometheus.CounterVec

	occupancyTransitions *prometheus.CounterVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total uplink ingest requests by result",
			},
			[]string{"result"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_errors_total",
				Help: "Total uplink ingest errors by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Uplink ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		queueEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "queue_events_total",
				Help: "Total downlink queue lifecycle events by type",
			},
			[]string{"event"},
		)
		deliveryLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "delivery_latency_seconds",
				Help:    "Time from enqueue to successful handoff in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		)

		rateLimitDenials = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ratelimit_denials_total",
				Help: "Total rate limit denials by scope",
			},
			[]string{"scope"},
		)

		verificationResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "verification_results_total",
				Help: "Total ack verification outcomes by result",
			},
			[]string{"result"},
		)

		reconcileRunTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconcile_runs_total",
				Help: "Total reconciliation sweeps by result",
			},
			[]string{"result"},
		)
		reconcileRunLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "reconcile_run_latency_seconds",
				Help:    "Reconciliation sweep latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		reconcileActions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconcile_actions_total",
				Help: "Total reconciliation decisions by action",
			},
			[]string{"action"},
		)

		occupancyTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "occupancy_transitions_total",
				Help: "Total occupancy state transitions entered by state",
			},
			[]string{"state"},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestErrors,
			ingestLatency,
			queueEvents,
			deliveryLatency,
			rateLimitDenials,
			verificationResults,
			reconcileRunTotal,
			reconcileRunLatency,
			reconcileActions,
			occupancyTransitions,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest records ingest request duration and result.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncIngestError increments ingest error counter.
func IncIngestError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(reason).Inc()
	}
}

// IncQueueEvent increments a queue lifecycle counter.
func IncQueueEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	if queueEvents != nil {
		queueEvents.WithLabelValues(event).Inc()
	}
}

// ObserveDeliveryLatency records enqueue-to-handoff latency.
func ObserveDeliveryLatency(elapsed time.Duration) {
	if elapsed < 0 {
		elapsed = 0
	}
	if deliveryLatency != nil {
		deliveryLatency.Observe(elapsed.Seconds())
	}
}

// IncRateLimitDenial increments the denial counter for a scope.
func IncRateLimitDenial(scope string) {
	if scope == "" {
		scope = "unknown"
	}
	if rateLimitDenials != nil {
		rateLimitDenials.WithLabelValues(scope).Inc()
	}
}

// IncVerificationResult increments ack verification outcome counters.
func IncVerificationResult(result string) {
	if result == "" {
		result = "unknown"
	}
	if verificationResults != nil {
		verificationResults.WithLabelValues(result).Inc()
	}
}

// AddVerificationExpired increments expired expectation counter by count.
func AddVerificationExpired(count int) {
	if count <= 0 {
		return
	}
	if verificationResults != nil {
		verificationResults.WithLabelValues(verifyResultExpired).Add(float64(count))
	}
}

// ObserveReconcileRun records sweep latency and result.
func ObserveReconcileRun(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if reconcileRunTotal != nil {
		reconcileRunTotal.WithLabelValues(result).Inc()
	}
	if reconcileRunLatency != nil {
		reconcileRunLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncReconcileAction increments the decision counter for a sweep action.
func IncReconcileAction(action string) {
	if action == "" {
		action = "unknown"
	}
	if reconcileActions != nil {
		reconcileActions.WithLabelValues(action).Inc()
	}
}

// IncOccupancyTransition increments the transition counter for the entered state.
func IncOccupancyTransition(state string) {
	if state == "" {
		state = "unknown"
	}
	if occupancyTransitions != nil {
		occupancyTransitions.WithLabelValues(state).Inc()
	}
}

// Exported constants for callers.
const (
	IngestResultSuccess = resultSuccess
	IngestResultError   = resultError

	ResultSuccess = resultSuccess
	ResultError   = resultError

	QueueEventEnqueued     = queueEventEnqueued
	QueueEventDeduplicated = queueEventDeduplicated
	QueueEventCoalesced    = queueEventCoalesced
	QueueEventDelivered    = queueEventDelivered
	QueueEventRetried      = queueEventRetried
	QueueEventDeadLettered = queueEventDeadLettered

	VerifyResultVerified = verifyResultVerified
	VerifyResultMismatch = verifyResultMismatch
	VerifyResultOrphan   = verifyResultOrphan
	VerifyResultExpired  = verifyResultExpired
)
