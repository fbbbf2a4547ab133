package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"parkfleet-cloud/internal/observability/metrics"
)

// Bucket scopes.
const (
	ScopeGateway = "gw"
	ScopeTenant  = "tenant"
)

// Bucket is a token bucket snapshot.
type Bucket struct {
	Key        string
	Tokens     float64
	Capacity   int
	RefilledAt time.Time
}

// Store persists bucket state. Consume runs read-modify-write atomically
// per key.
type Store interface {
	Consume(ctx context.Context, key string, capacity int, now time.Time, apply func(Bucket) (Bucket, bool)) (bool, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter enforces per-key token buckets with continuous refill.
type Limiter struct {
	store    Store
	capacity int
	clock    Clock
}

// Option configures the limiter.
type Option func(*Limiter)

// WithClock overrides the limiter clock.
func WithClock(clock Clock) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewLimiter constructs a limiter with capacity tokens per minute.
func NewLimiter(store Store, capacityPerMinute int, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: nil store")
	}
	if capacityPerMinute <= 0 {
		return nil, fmt.Errorf("ratelimit: invalid capacity %d", capacityPerMinute)
	}
	l := &Limiter{store: store, capacity: capacityPerMinute, clock: systemClock{}}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// CheckAndConsume takes one token for the scoped key if available. On
// denial the decision carries the wait until the next token accrues.
func (l *Limiter) CheckAndConsume(ctx context.Context, scope, key string) (Decision, error) {
	if key == "" {
		return Decision{}, errors.New("ratelimit: empty key")
	}
	scoped := scope + ":" + key
	now := l.clock.Now()

	var decision Decision
	allowed, err := l.store.Consume(ctx, scoped, l.capacity, now, func(b Bucket) (Bucket, bool) {
		refilled := refill(b, l.capacity, now)
		if refilled.Tokens >= 1 {
			refilled.Tokens--
			decision = Decision{Allowed: true}
			return refilled, true
		}
		decision = Decision{
			Allowed:    false,
			RetryAfter: waitForToken(refilled.Tokens, l.capacity),
		}
		return refilled, false
	})
	if err != nil {
		return Decision{}, err
	}
	if !allowed {
		metrics.IncRateLimitDenial(scope)
	}
	return decision, nil
}

// refill accrues tokens at capacity per minute since the last refill,
// clamped to capacity. A zero-valued bucket starts full.
func refill(b Bucket, capacity int, now time.Time) Bucket {
	if b.RefilledAt.IsZero() {
		return Bucket{Key: b.Key, Tokens: float64(capacity), Capacity: capacity, RefilledAt: now}
	}
	elapsed := now.Sub(b.RefilledAt)
	if elapsed < 0 {
		elapsed = 0
	}
	tokens := b.Tokens + elapsed.Seconds()*float64(capacity)/60.0
	if tokens > float64(capacity) {
		tokens = float64(capacity)
	}
	return Bucket{Key: b.Key, Tokens: tokens, Capacity: capacity, RefilledAt: now}
}

func waitForToken(tokens float64, capacity int) time.Duration {
	deficit := 1 - tokens
	if deficit <= 0 {
		return 0
	}
	seconds := deficit * 60.0 / float64(capacity)
	return time.Duration(seconds * float64(time.Second))
}
