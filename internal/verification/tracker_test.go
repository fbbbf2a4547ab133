package verification_test

import (
	"context"
	"testing"
	"time"

	"parkfleet-cloud/internal/devices"
	downlinkevents "parkfleet-cloud/internal/downlink/application/events"
	downlink "parkfleet-cloud/internal/downlink/domain"
	"parkfleet-cloud/internal/verification"
	"parkfleet-cloud/internal/verification/memory"
)

type confirmerStub struct {
	states    map[string]*downlink.DestinationState
	confirmed []string
	streak    int
}

func (c *confirmerStub) MarkConfirmed(ctx context.Context, destination, contentHash string, counter int64) error {
	c.confirmed = append(c.confirmed, destination)
	if state, ok := c.states[destination]; ok {
		state.LastConfirmedHash = contentHash
		state.LastAckCounter = counter
		state.MismatchStreak = 0
		state.Suspect = false
	}
	return nil
}

func (c *confirmerStub) RecordMismatch(ctx context.Context, destination string) (int, error) {
	c.streak++
	return c.streak, nil
}

func (c *confirmerStub) DestinationState(ctx context.Context, destination string) (*downlink.DestinationState, error) {
	return c.states[destination], nil
}

type sinkStub struct {
	events []any
}

func (s *sinkStub) Publish(ctx context.Context, event any) error {
	s.events = append(s.events, event)
	return nil
}

func testCommand() *downlink.Command {
	payload, channel, _ := devices.DisplayV1Codec{}.ExpectedPayload("OCCUPIED")
	return &downlink.Command{
		CommandID:   "dl-1",
		TenantID:    "tenant-a",
		SpaceID:     "space-1",
		Destination: "dev-display-1",
		DeviceType:  "display-v1",
		Channel:     channel,
		Payload:     payload,
		ContentHash: downlink.ContentHash("dev-display-1", channel, payload),
		Trigger:     downlink.TriggerSensor,
		Status:      downlink.StatusInFlight,
	}
}

func newTracker(t *testing.T, store *memory.Store, confirmer *confirmerStub, sink *sinkStub, now func() time.Time) *verification.Tracker {
	t.Helper()
	opts := []verification.TrackerOption{}
	if now != nil {
		opts = append(opts, verification.WithTrackerClock(now))
	}
	tracker, err := verification.NewTracker(store, confirmer, sink, nil, opts...)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	return tracker
}

func TestMatchingAckConfirms(t *testing.T) {
	store := memory.NewStore()
	confirmer := &confirmerStub{states: map[string]*downlink.DestinationState{
		"dev-display-1": {Destination: "dev-display-1", LastAckCounter: 10},
	}}
	sink := &sinkStub{}
	tracker := newTracker(t, store, confirmer, sink, nil)
	ctx := context.Background()

	cmd := testCommand()
	if err := tracker.Register(ctx, cmd); err != nil {
		t.Fatalf("register: %v", err)
	}

	ack := devices.Ack{Counter: 11, Signature: devices.PayloadSignature(cmd.Payload)}
	if err := tracker.HandleAck(ctx, cmd.Destination, ack); err != nil {
		t.Fatalf("handle ack: %v", err)
	}

	if len(confirmer.confirmed) != 1 {
		t.Fatalf("expected 1 confirmation, got %d", len(confirmer.confirmed))
	}
	if exp, _ := store.GetByDestination(ctx, cmd.Destination); exp != nil {
		t.Fatal("expected expectation consumed")
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sink.events))
	}
	verified, ok := sink.events[0].(downlinkevents.CommandVerified)
	if !ok {
		t.Fatalf("expected CommandVerified, got %T", sink.events[0])
	}
	if verified.AckCounter != 11 {
		t.Fatalf("expected counter 11, got %d", verified.AckCounter)
	}
}

func TestMismatchedSignatureRecordsMismatch(t *testing.T) {
	store := memory.NewStore()
	confirmer := &confirmerStub{states: map[string]*downlink.DestinationState{}}
	tracker := newTracker(t, store, confirmer, &sinkStub{}, nil)
	ctx := context.Background()

	cmd := testCommand()
	if err := tracker.Register(ctx, cmd); err != nil {
		t.Fatalf("register: %v", err)
	}

	ack := devices.Ack{Counter: 5, Signature: "00000000"}
	if err := tracker.HandleAck(ctx, cmd.Destination, ack); err != nil {
		t.Fatalf("handle ack: %v", err)
	}
	if confirmer.streak != 1 {
		t.Fatalf("expected mismatch recorded, streak %d", confirmer.streak)
	}
	if len(confirmer.confirmed) != 0 {
		t.Fatal("mismatch must not confirm")
	}
	if exp, _ := store.GetByDestination(ctx, cmd.Destination); exp != nil {
		t.Fatal("expected expectation consumed on mismatch")
	}
}

func TestStaleCounterIgnored(t *testing.T) {
	store := memory.NewStore()
	confirmer := &confirmerStub{states: map[string]*downlink.DestinationState{
		"dev-display-1": {Destination: "dev-display-1", LastAckCounter: 20},
	}}
	tracker := newTracker(t, store, confirmer, &sinkStub{}, nil)
	ctx := context.Background()

	cmd := testCommand()
	if err := tracker.Register(ctx, cmd); err != nil {
		t.Fatalf("register: %v", err)
	}

	// A replayed ack carries a counter from before the delivery.
	ack := devices.Ack{Counter: 20, Signature: devices.PayloadSignature(cmd.Payload)}
	if err := tracker.HandleAck(ctx, cmd.Destination, ack); err != nil {
		t.Fatalf("handle ack: %v", err)
	}
	if len(confirmer.confirmed) != 0 {
		t.Fatal("replayed ack must not confirm")
	}
	if exp, _ := store.GetByDestination(ctx, cmd.Destination); exp == nil {
		t.Fatal("expectation must survive a replayed ack")
	}
}

func TestExpiredExpectationDropped(t *testing.T) {
	store := memory.NewStore()
	confirmer := &confirmerStub{states: map[string]*downlink.DestinationState{}}
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	current := base
	tracker := newTracker(t, store, confirmer, &sinkStub{}, func() time.Time { return current })
	ctx := context.Background()

	cmd := testCommand()
	if err := tracker.Register(ctx, cmd); err != nil {
		t.Fatalf("register: %v", err)
	}

	current = base.Add(6 * time.Minute)
	ack := devices.Ack{Counter: 1, Signature: devices.PayloadSignature(cmd.Payload)}
	if err := tracker.HandleAck(ctx, cmd.Destination, ack); err != nil {
		t.Fatalf("handle ack: %v", err)
	}
	if len(confirmer.confirmed) != 0 {
		t.Fatal("expired expectation must not confirm")
	}
	if exp, _ := store.GetByDestination(ctx, cmd.Destination); exp != nil {
		t.Fatal("expected expired expectation removed")
	}
}

func TestOrphanAckIgnored(t *testing.T) {
	store := memory.NewStore()
	confirmer := &confirmerStub{states: map[string]*downlink.DestinationState{}}
	tracker := newTracker(t, store, confirmer, &sinkStub{}, nil)

	ack := devices.Ack{Counter: 1, Signature: "deadbeef"}
	if err := tracker.HandleAck(context.Background(), "dev-unknown", ack); err != nil {
		t.Fatalf("handle ack: %v", err)
	}
	if confirmer.streak != 0 || len(confirmer.confirmed) != 0 {
		t.Fatal("orphan ack must not touch destination state")
	}
}
