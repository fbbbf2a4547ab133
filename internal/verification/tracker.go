package verification

import (
	"context"
	"errors"
	"log"
	"time"

	"parkfleet-cloud/internal/devices"
	downlinkevents "parkfleet-cloud/internal/downlink/application/events"
	downlink "parkfleet-cloud/internal/downlink/domain"
	"parkfleet-cloud/internal/eventing"
	"parkfleet-cloud/internal/observability/metrics"
)

const defaultExpectationTTL = 5 * time.Minute

// Expectation is an outstanding ack the platform is waiting for after a
// delivered downlink. One expectation per destination: coalescing ensures
// only the newest downlink matters.
type Expectation struct {
	Destination       string
	CommandID         string
	TenantID          string
	SpaceID           string
	ExpectedSignature string
	ContentHash       string
	PriorCounter      int64
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// Store persists expectations keyed by destination.
type Store interface {
	Put(ctx context.Context, exp Expectation) error
	GetByDestination(ctx context.Context, destination string) (*Expectation, error)
	Delete(ctx context.Context, destination string) error
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// Confirmer records verification outcomes against destination state.
type Confirmer interface {
	MarkConfirmed(ctx context.Context, destination, contentHash string, counter int64) error
	RecordMismatch(ctx context.Context, destination string) (int, error)
	DestinationState(ctx context.Context, destination string) (*downlink.DestinationState, error)
}

// EventSink publishes verification events.
type EventSink interface {
	Publish(ctx context.Context, event any) error
}

// Tracker matches device acks against outstanding expectations.
type Tracker struct {
	store     Store
	confirmer Confirmer
	events    EventSink
	logger    *log.Logger
	ttl       time.Duration
	now       func() time.Time
}

// TrackerOption configures the tracker.
type TrackerOption func(*Tracker)

// WithExpectationTTL overrides the expectation lifetime.
func WithExpectationTTL(ttl time.Duration) TrackerOption {
	return func(t *Tracker) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithTrackerClock overrides the tracker clock.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker constructs a verification tracker.
func NewTracker(store Store, confirmer Confirmer, events EventSink, logger *log.Logger, opts ...TrackerOption) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("verification: nil store")
	}
	if confirmer == nil {
		return nil, errors.New("verification: nil confirmer")
	}
	if events == nil {
		return nil, errors.New("verification: nil event sink")
	}
	if logger == nil {
		logger = log.Default()
	}
	t := &Tracker{
		store:     store,
		confirmer: confirmer,
		events:    events,
		logger:    logger,
		ttl:       defaultExpectationTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Register records an expectation for a just-delivered command. The prior
// ack counter is captured so replayed acks from before the delivery are
// rejected.
func (t *Tracker) Register(ctx context.Context, cmd *downlink.Command) error {
	if cmd == nil {
		return errors.New("verification: nil command")
	}
	var priorCounter int64
	state, err := t.confirmer.DestinationState(ctx, cmd.Destination)
	if err != nil {
		return err
	}
	if state != nil {
		priorCounter = state.LastAckCounter
	}
	now := t.now()
	return t.store.Put(ctx, Expectation{
		Destination:       cmd.Destination,
		CommandID:         cmd.CommandID,
		TenantID:          cmd.TenantID,
		SpaceID:           cmd.SpaceID,
		ExpectedSignature: devices.PayloadSignature(cmd.Payload),
		ContentHash:       cmd.ContentHash,
		PriorCounter:      priorCounter,
		CreatedAt:         now,
		ExpiresAt:         now.Add(t.ttl),
	})
}

// HandleAck matches an ack frame against the destination's outstanding
// expectation.
func (t *Tracker) HandleAck(ctx context.Context, destination string, ack devices.Ack) error {
	exp, err := t.store.GetByDestination(ctx, destination)
	if err != nil {
		return err
	}
	if exp == nil {
		metrics.IncVerificationResult(metrics.VerifyResultOrphan)
		t.logger.Printf("verification: orphan ack from %s (counter %d)", destination, ack.Counter)
		return nil
	}
	now := t.now()
	if now.After(exp.ExpiresAt) {
		metrics.IncVerificationResult(metrics.VerifyResultExpired)
		return t.store.Delete(ctx, destination)
	}
	if ack.Counter <= exp.PriorCounter {
		// Replayed or reordered ack from before the delivery.
		metrics.IncVerificationResult(metrics.VerifyResultOrphan)
		t.logger.Printf("verification: stale ack counter %d <= %d from %s", ack.Counter, exp.PriorCounter, destination)
		return nil
	}

	if ack.Signature == exp.ExpectedSignature {
		if err := t.confirmer.MarkConfirmed(ctx, destination, exp.ContentHash, ack.Counter); err != nil {
			return err
		}
		if err := t.store.Delete(ctx, destination); err != nil {
			return err
		}
		metrics.IncVerificationResult(metrics.VerifyResultVerified)

		event := downlinkevents.CommandVerified{
			EventID:     eventing.NewEventID(),
			CommandID:   exp.CommandID,
			TenantID:    exp.TenantID,
			Destination: destination,
			ContentHash: exp.ContentHash,
			AckCounter:  ack.Counter,
			OccurredAt:  now,
		}
		ctx = eventing.WithEventID(ctx, event.EventID)
		ctx = eventing.WithTenantID(ctx, exp.TenantID)
		if err := t.events.Publish(ctx, event); err != nil {
			t.logger.Printf("verification: publish verified for %s: %v", exp.CommandID, err)
		}
		return nil
	}

	streak, err := t.confirmer.RecordMismatch(ctx, destination)
	if err != nil {
		return err
	}
	if err := t.store.Delete(ctx, destination); err != nil {
		return err
	}
	metrics.IncVerificationResult(metrics.VerifyResultMismatch)
	t.logger.Printf("verification: signature mismatch from %s for %s (streak %d)", destination, exp.CommandID, streak)
	return nil
}

// RunGC sweeps expired expectations until the context ends.
func (t *Tracker) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := t.store.DeleteExpired(ctx, t.now())
			if err != nil {
				t.logger.Printf("verification: gc sweep: %v", err)
				continue
			}
			metrics.AddVerificationExpired(count)
		}
	}
}
