package application_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"parkfleet-cloud/internal/devices"
	"parkfleet-cloud/internal/downlink/application"
	downlinkevents "parkfleet-cloud/internal/downlink/application/events"
	downlink "parkfleet-cloud/internal/downlink/domain"
	"parkfleet-cloud/internal/downlink/infrastructure/memory"
)

type sinkStub struct {
	mu     sync.Mutex
	events []any
}

func (s *sinkStub) Publish(ctx context.Context, event any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *sinkStub) all() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.events...)
}

func newQueue(t *testing.T, store *memory.Store, sink *sinkStub, opts ...application.QueueOption) *application.Queue {
	t.Helper()
	queue, err := application.NewQueue(store, sink, nil, opts...)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return queue
}

func displayRequest(state string) application.EnqueueRequest {
	payload, channel, _ := devices.DisplayV1Codec{}.ExpectedPayload(state)
	return application.EnqueueRequest{
		TenantID:     "tenant-a",
		SpaceID:      "space-1",
		Destination:  "dev-display-1",
		DeviceType:   "display-v1",
		GatewayID:    "gw-1",
		Channel:      channel,
		Payload:      payload,
		DesiredState: state,
		Trigger:      downlink.TriggerSensor,
	}
}

func TestEnqueueCoalescesPending(t *testing.T) {
	store := memory.NewStore()
	queue := newQueue(t, store, &sinkStub{})
	ctx := context.Background()

	first, err := queue.Enqueue(ctx, displayRequest("OCCUPIED"))
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	second, err := queue.Enqueue(ctx, displayRequest("FREE"))
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	if got, _ := store.GetCommand(ctx, first.CommandID); got != nil {
		t.Fatalf("expected first command replaced, still present: %+v", got)
	}
	claimed, err := queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if claimed == nil || claimed.CommandID != second.CommandID {
		t.Fatalf("expected %s dequeued, got %+v", second.CommandID, claimed)
	}
	if claimed.DesiredState != "FREE" {
		t.Fatalf("expected newest desired state FREE, got %s", claimed.DesiredState)
	}
}

func TestEnqueueDeduplicatesLastSentContent(t *testing.T) {
	store := memory.NewStore()
	sink := &sinkStub{}
	queue := newQueue(t, store, sink)
	ctx := context.Background()

	first, err := queue.Enqueue(ctx, displayRequest("OCCUPIED"))
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	claimed, err := queue.Dequeue(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("dequeue: %v %v", claimed, err)
	}
	if err := queue.MarkSuccess(ctx, claimed); err != nil {
		t.Fatalf("mark success: %v", err)
	}

	again, err := queue.Enqueue(ctx, displayRequest("OCCUPIED"))
	if err != nil {
		t.Fatalf("enqueue again: %v", err)
	}
	if again != nil {
		t.Fatalf("expected repeat of last sent content dropped, got %s after %s", again.CommandID, first.CommandID)
	}
	if next, _ := queue.Dequeue(ctx); next != nil {
		t.Fatalf("expected empty queue after duplicate drop, got %s", next.CommandID)
	}
}

func TestEnqueueDropsIdenticalPendingCommand(t *testing.T) {
	store := memory.NewStore()
	queue := newQueue(t, store, &sinkStub{})
	ctx := context.Background()

	first, err := queue.Enqueue(ctx, displayRequest("OCCUPIED"))
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	second, err := queue.Enqueue(ctx, displayRequest("OCCUPIED"))
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	if second != nil {
		t.Fatalf("expected identical pending content dropped, got %s", second.CommandID)
	}

	claimed, err := queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if claimed == nil || claimed.CommandID != first.CommandID {
		t.Fatalf("expected original %s still pending, got %+v", first.CommandID, claimed)
	}
	if next, _ := queue.Dequeue(ctx); next != nil {
		t.Fatalf("expected queue depth 1, got extra %s", next.CommandID)
	}
}

func TestEnqueueIgnoresSentHashForSuspectDestination(t *testing.T) {
	store := memory.NewStore()
	queue := newQueue(t, store, &sinkStub{})
	ctx := context.Background()

	req := displayRequest("OCCUPIED")
	hash := downlink.ContentHash(req.Destination, req.Channel, req.Payload)
	store.SeedState(downlink.DestinationState{
		Destination:    req.Destination,
		TenantID:       req.TenantID,
		LastSentHash:   hash,
		MismatchStreak: 3,
		Suspect:        true,
	})

	cmd, err := queue.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if cmd == nil {
		t.Fatal("expected command queued for suspect destination")
	}
}

func TestMarkFailureBacksOffThenDeadLetters(t *testing.T) {
	store := memory.NewStore()
	sink := &sinkStub{}
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	current := base
	queue := newQueue(t, store, sink,
		application.WithMaxAttempts(3),
		application.WithBackoff(2*time.Second, 60*time.Second),
		application.WithQueueClock(func() time.Time { return current }),
	)
	ctx := context.Background()

	cmd, err := queue.Enqueue(ctx, displayRequest("OCCUPIED"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, _ := queue.Dequeue(ctx)
	if claimed == nil {
		t.Fatal("expected command due")
	}
	if err := queue.MarkFailure(ctx, claimed, errors.New("gateway unreachable")); err != nil {
		t.Fatalf("mark failure: %v", err)
	}
	stored, _ := store.GetCommand(ctx, cmd.CommandID)
	if stored.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", stored.Attempt)
	}
	if want := base.Add(2 * time.Second); !stored.NextAttemptAt.Equal(want) {
		t.Fatalf("expected next attempt %v, got %v", want, stored.NextAttemptAt)
	}

	// Not yet due.
	if claimed, _ := queue.Dequeue(ctx); claimed != nil {
		t.Fatalf("expected nothing due, got %+v", claimed)
	}

	current = base.Add(3 * time.Second)
	claimed, _ = queue.Dequeue(ctx)
	if claimed == nil {
		t.Fatal("expected retry due")
	}
	if err := queue.MarkFailure(ctx, claimed, errors.New("gateway unreachable")); err != nil {
		t.Fatalf("mark failure: %v", err)
	}
	stored, _ = store.GetCommand(ctx, cmd.CommandID)
	if stored.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", stored.Attempt)
	}

	current = current.Add(10 * time.Second)
	claimed, _ = queue.Dequeue(ctx)
	if claimed == nil {
		t.Fatal("expected second retry due")
	}
	if err := queue.MarkFailure(ctx, claimed, errors.New("gateway unreachable")); err != nil {
		t.Fatalf("mark failure: %v", err)
	}

	if stored, _ := store.GetCommand(ctx, cmd.CommandID); stored != nil {
		t.Fatalf("expected command dead-lettered, still queued: %+v", stored)
	}
	letters, _ := store.ListDeadLetters(ctx, "tenant-a", 10)
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	if letters[0].Attempt != 3 {
		t.Fatalf("expected 3 attempts recorded, got %d", letters[0].Attempt)
	}

	var deadLettered bool
	for _, event := range sink.all() {
		if _, ok := event.(downlinkevents.CommandDeadLettered); ok {
			deadLettered = true
		}
	}
	if !deadLettered {
		t.Fatal("expected CommandDeadLettered event")
	}
}

func TestSnapshotGradesOnRollingSuccessRate(t *testing.T) {
	store := memory.NewStore()
	queue := newQueue(t, store, &sinkStub{})
	ctx := context.Background()

	deliverTo := func(destination string, fail bool) {
		t.Helper()
		req := displayRequest("OCCUPIED")
		req.Destination = destination
		if _, err := queue.Enqueue(ctx, req); err != nil {
			t.Fatalf("enqueue %s: %v", destination, err)
		}
		claimed, err := queue.Dequeue(ctx)
		if err != nil || claimed == nil {
			t.Fatalf("dequeue %s: %v %v", destination, claimed, err)
		}
		if fail {
			err = queue.MarkFailure(ctx, claimed, errors.New("gateway busy"))
		} else {
			err = queue.MarkSuccess(ctx, claimed)
		}
		if err != nil {
			t.Fatalf("finish %s: %v", destination, err)
		}
	}

	health, err := queue.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if health.Status != application.HealthOK || health.SuccessRate != 1 {
		t.Fatalf("fresh queue must be ok at rate 1, got %s at %.2f", health.Status, health.SuccessRate)
	}

	deliverTo("dev-display-1", true)
	health, _ = queue.Snapshot(ctx)
	if health.Status != application.HealthCritical {
		t.Fatalf("all-failing transport must grade critical, got %s at %.2f", health.Status, health.SuccessRate)
	}

	for i := 0; i < 9; i++ {
		deliverTo(fmt.Sprintf("dev-display-ok-%d", i), false)
	}
	health, _ = queue.Snapshot(ctx)
	if health.Status != application.HealthOK {
		t.Fatalf("rate 0.90 must grade ok, got %s at %.2f", health.Status, health.SuccessRate)
	}

	deliverTo("dev-display-2", true)
	health, _ = queue.Snapshot(ctx)
	if health.Status != application.HealthDegraded {
		t.Fatalf("rate below 0.90 must grade degraded, got %s at %.2f", health.Status, health.SuccessRate)
	}

	counters := health.Counters
	if counters.Enqueued != 11 || counters.Delivered != 9 || counters.Retried != 2 {
		t.Fatalf("unexpected counters %+v", counters)
	}
}

func TestRequeueWithDelayKeepsAttempt(t *testing.T) {
	store := memory.NewStore()
	queue := newQueue(t, store, &sinkStub{})
	ctx := context.Background()

	cmd, err := queue.Enqueue(ctx, displayRequest("OCCUPIED"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, _ := queue.Dequeue(ctx)
	if claimed == nil {
		t.Fatal("expected command due")
	}
	if err := queue.RequeueWithDelay(ctx, claimed, 30*time.Second); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	stored, _ := store.GetCommand(ctx, cmd.CommandID)
	if stored.Attempt != 0 {
		t.Fatalf("rate-limit deferral must not charge an attempt, got %d", stored.Attempt)
	}
	if stored.Status != downlink.StatusPending {
		t.Fatalf("expected pending, got %s", stored.Status)
	}
}

func TestMarkSuccessPublishesAndRecordsLastSent(t *testing.T) {
	store := memory.NewStore()
	sink := &sinkStub{}
	queue := newQueue(t, store, sink)
	ctx := context.Background()

	cmd, err := queue.Enqueue(ctx, displayRequest("OCCUPIED"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, _ := queue.Dequeue(ctx)
	if err := queue.MarkSuccess(ctx, claimed); err != nil {
		t.Fatalf("mark success: %v", err)
	}

	state, _ := store.GetDestinationState(ctx, cmd.Destination)
	if state == nil || state.LastSentHash != cmd.ContentHash {
		t.Fatalf("expected last sent hash %s, got %+v", cmd.ContentHash, state)
	}

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	delivered, ok := events[0].(downlinkevents.CommandDelivered)
	if !ok {
		t.Fatalf("expected CommandDelivered, got %T", events[0])
	}
	if delivered.CommandID != cmd.CommandID {
		t.Fatalf("expected command %s, got %s", cmd.CommandID, delivered.CommandID)
	}
}

func TestMismatchStreakFlagsSuspectAndConfirmClears(t *testing.T) {
	store := memory.NewStore()
	queue := newQueue(t, store, &sinkStub{})
	ctx := context.Background()

	req := displayRequest("OCCUPIED")
	store.SeedState(downlink.DestinationState{Destination: req.Destination, TenantID: req.TenantID})

	for i := 1; i <= 3; i++ {
		streak, err := queue.RecordMismatch(ctx, req.Destination)
		if err != nil {
			t.Fatalf("record mismatch %d: %v", i, err)
		}
		if streak != i {
			t.Fatalf("expected streak %d, got %d", i, streak)
		}
	}
	state, _ := store.GetDestinationState(ctx, req.Destination)
	if !state.Suspect {
		t.Fatal("expected destination flagged suspect at streak 3")
	}

	if err := queue.MarkConfirmed(ctx, req.Destination, "somehash", 42); err != nil {
		t.Fatalf("mark confirmed: %v", err)
	}
	state, _ = store.GetDestinationState(ctx, req.Destination)
	if state.Suspect || state.MismatchStreak != 0 {
		t.Fatalf("expected streak cleared, got %+v", state)
	}
	if state.LastAckCounter != 42 {
		t.Fatalf("expected ack counter 42, got %d", state.LastAckCounter)
	}
}

func TestRequeueDeadLetterRestoresCommand(t *testing.T) {
	store := memory.NewStore()
	queue := newQueue(t, store, &sinkStub{}, application.WithMaxAttempts(1))
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, displayRequest("OCCUPIED")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, _ := queue.Dequeue(ctx)
	if err := queue.MarkFailure(ctx, claimed, errors.New("boom")); err != nil {
		t.Fatalf("mark failure: %v", err)
	}
	letters, _ := queue.ListDeadLetters(ctx, "tenant-a", 10)
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}

	restored, err := queue.RequeueDeadLetter(ctx, letters[0].ID)
	if err != nil {
		t.Fatalf("requeue dead letter: %v", err)
	}
	if restored.Attempt != 0 {
		t.Fatalf("expected reset attempt counter, got %d", restored.Attempt)
	}
	if letters, _ = queue.ListDeadLetters(ctx, "tenant-a", 10); len(letters) != 0 {
		t.Fatalf("expected dead letter removed, got %d", len(letters))
	}
}
