package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"parkfleet-cloud/internal/ratelimit"
	"parkfleet-cloud/internal/ratelimit/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newLimiter(t *testing.T, capacity int, clock *fakeClock) *ratelimit.Limiter {
	t.Helper()
	limiter, err := ratelimit.NewLimiter(memory.NewStore(), capacity, ratelimit.WithClock(clock))
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return limiter
}

func TestBurstUpToCapacityThenDeny(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	limiter := newLimiter(t, 30, clock)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		decision, err := limiter.CheckAndConsume(ctx, ratelimit.ScopeGateway, "gw-1")
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !decision.Allowed {
			t.Fatalf("expected token %d allowed", i)
		}
	}

	decision, err := limiter.CheckAndConsume(ctx, ratelimit.ScopeGateway, "gw-1")
	if err != nil {
		t.Fatalf("check over capacity: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected denial after capacity exhausted")
	}
	if decision.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", decision.RetryAfter)
	}
	// 30 per minute refills one token every 2 seconds.
	if decision.RetryAfter > 2*time.Second {
		t.Fatalf("expected retry-after within 2s, got %v", decision.RetryAfter)
	}
}

func TestContinuousRefill(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	limiter := newLimiter(t, 30, clock)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		if _, err := limiter.CheckAndConsume(ctx, ratelimit.ScopeGateway, "gw-1"); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}

	clock.advance(4 * time.Second)
	for i := 0; i < 2; i++ {
		decision, err := limiter.CheckAndConsume(ctx, ratelimit.ScopeGateway, "gw-1")
		if err != nil {
			t.Fatalf("refilled check %d: %v", i, err)
		}
		if !decision.Allowed {
			t.Fatalf("expected refilled token %d allowed", i)
		}
	}
	decision, _ := limiter.CheckAndConsume(ctx, ratelimit.ScopeGateway, "gw-1")
	if decision.Allowed {
		t.Fatal("expected third token denied after 4s refill")
	}
}

func TestRefillClampsAtCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	limiter := newLimiter(t, 30, clock)
	ctx := context.Background()

	if _, err := limiter.CheckAndConsume(ctx, ratelimit.ScopeGateway, "gw-1"); err != nil {
		t.Fatalf("seed bucket: %v", err)
	}

	clock.advance(time.Hour)
	allowed := 0
	for i := 0; i < 40; i++ {
		decision, err := limiter.CheckAndConsume(ctx, ratelimit.ScopeGateway, "gw-1")
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if decision.Allowed {
			allowed++
		}
	}
	if allowed != 30 {
		t.Fatalf("expected exactly 30 tokens after idle hour, got %d", allowed)
	}
}

func TestScopedKeysAreIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	limiter := newLimiter(t, 1, clock)
	ctx := context.Background()

	first, _ := limiter.CheckAndConsume(ctx, ratelimit.ScopeGateway, "gw-1")
	if !first.Allowed {
		t.Fatal("expected gw-1 allowed")
	}
	denied, _ := limiter.CheckAndConsume(ctx, ratelimit.ScopeGateway, "gw-1")
	if denied.Allowed {
		t.Fatal("expected gw-1 denied")
	}
	other, _ := limiter.CheckAndConsume(ctx, ratelimit.ScopeGateway, "gw-2")
	if !other.Allowed {
		t.Fatal("expected gw-2 unaffected by gw-1 bucket")
	}
	tenant, _ := limiter.CheckAndConsume(ctx, ratelimit.ScopeTenant, "gw-1")
	if !tenant.Allowed {
		t.Fatal("expected tenant scope independent of gateway scope")
	}
}
