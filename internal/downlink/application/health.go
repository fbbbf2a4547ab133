package application

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	downlink "parkfleet-cloud/internal/downlink/domain"
	"parkfleet-cloud/internal/observability/metrics"
)

// Queue health statuses.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

const (
	pendingWarnThreshold    = 100
	pendingCritThreshold    = 500
	deadLetterWarnThreshold = 10
	deadLetterCritThreshold = 50
	successWarnRate         = 0.90
	successCritRate         = 0.80
	outcomeWindowSize       = 100
)

// Counters are cumulative queue lifecycle totals since process start.
type Counters struct {
	Enqueued     int64 `json:"enqueued"`
	Delivered    int64 `json:"delivered"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
	Deduplicated int64 `json:"deduplicated"`
	Coalesced    int64 `json:"coalesced"`
}

type counterSet struct {
	enqueued     atomic.Int64
	delivered    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	deduplicated atomic.Int64
	coalesced    atomic.Int64
}

// count bumps both the in-process counter and the prometheus one.
func (q *Queue) count(event string) {
	metrics.IncQueueEvent(event)
	switch event {
	case metrics.QueueEventEnqueued:
		q.counters.enqueued.Add(1)
	case metrics.QueueEventDelivered:
		q.counters.delivered.Add(1)
	case metrics.QueueEventRetried:
		q.counters.retried.Add(1)
	case metrics.QueueEventDeadLettered:
		q.counters.deadLettered.Add(1)
	case metrics.QueueEventDeduplicated:
		q.counters.deduplicated.Add(1)
	case metrics.QueueEventCoalesced:
		q.counters.coalesced.Add(1)
	}
}

func (q *Queue) counterTotals() Counters {
	return Counters{
		Enqueued:     q.counters.enqueued.Load(),
		Delivered:    q.counters.delivered.Load(),
		Retried:      q.counters.retried.Load(),
		DeadLettered: q.counters.deadLettered.Load(),
		Deduplicated: q.counters.deduplicated.Load(),
		Coalesced:    q.counters.coalesced.Load(),
	}
}

// outcomeWindow keeps the most recent transport outcomes for the
// rolling success rate.
type outcomeWindow struct {
	mu     sync.Mutex
	buf    [outcomeWindowSize]bool
	next   int
	filled int
}

func (w *outcomeWindow) record(success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf[w.next] = success
	w.next = (w.next + 1) % len(w.buf)
	if w.filled < len(w.buf) {
		w.filled++
	}
}

// rate returns the success fraction over the window; ok is false while
// no outcome has been observed yet.
func (w *outcomeWindow) rate() (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled == 0 {
		return 1, false
	}
	succeeded := 0
	for i := 0; i < w.filled; i++ {
		if w.buf[i] {
			succeeded++
		}
	}
	return float64(succeeded) / float64(w.filled), true
}

// Health is a point-in-time queue health snapshot.
type Health struct {
	Status      string               `json:"status"`
	Pending     int                  `json:"pending"`
	InFlight    int                  `json:"in_flight"`
	DeadLetters int                  `json:"dead_letters"`
	Suspect     int                  `json:"suspect_destinations"`
	SuccessRate float64              `json:"success_rate"`
	Counters    Counters             `json:"counters"`
	CheckedAt   time.Time            `json:"checked_at"`
	Depths      downlink.QueueDepths `json:"-"`
}

// Snapshot reads queue depths and grades overall health. The grade
// also reflects the rolling transport success rate once outcomes have
// been observed: below 90% degrades, below 80% is critical.
func (q *Queue) Snapshot(ctx context.Context) (Health, error) {
	depths, err := q.store.Depths(ctx)
	if err != nil {
		return Health{}, err
	}
	rate, graded := q.outcomes.rate()
	health := Health{
		Status:      HealthOK,
		Pending:     depths.Pending,
		InFlight:    depths.InFlight,
		DeadLetters: depths.DeadLetters,
		Suspect:     depths.Suspect,
		SuccessRate: rate,
		Counters:    q.counterTotals(),
		CheckedAt:   q.now(),
		Depths:      depths,
	}
	switch {
	case depths.Pending >= pendingCritThreshold || depths.DeadLetters >= deadLetterCritThreshold ||
		(graded && rate < successCritRate):
		health.Status = HealthCritical
	case depths.Pending >= pendingWarnThreshold || depths.DeadLetters >= deadLetterWarnThreshold ||
		(graded && rate < successWarnRate):
		health.Status = HealthDegraded
	}
	return health, nil
}
