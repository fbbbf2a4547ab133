package application_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	deliveryapp "parkfleet-cloud/internal/delivery/application"
	"parkfleet-cloud/internal/devices"
	queueapp "parkfleet-cloud/internal/downlink/application"
	downlink "parkfleet-cloud/internal/downlink/domain"
	queuemem "parkfleet-cloud/internal/downlink/infrastructure/memory"
	"parkfleet-cloud/internal/nsadapter"
	"parkfleet-cloud/internal/ratelimit"
	ratelimitmem "parkfleet-cloud/internal/ratelimit/memory"
)

type transmitterStub struct {
	mu         sync.Mutex
	sent       []string
	failAll    bool
	offline    bool
	noGateways bool
	probed     int
}

func (t *transmitterStub) Transmit(ctx context.Context, destination string, payload []byte, channel int, confirmed bool) (nsadapter.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failAll {
		return nsadapter.Handle{}, errors.New("gateway busy")
	}
	t.sent = append(t.sent, destination)
	return nsadapter.Handle{ID: "ns-1"}, nil
}

func (t *transmitterStub) QueryHealth(ctx context.Context, gatewayGroup string) (nsadapter.GatewayHealth, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.probed++
	switch {
	case t.noGateways:
		return nsadapter.GatewayHealth{}, nil
	case t.offline:
		return nsadapter.GatewayHealth{OnlineCount: 0, TotalCount: 2}, nil
	}
	return nsadapter.GatewayHealth{OnlineCount: 2, TotalCount: 2}, nil
}

func (t *transmitterStub) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *transmitterStub) probeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.probed
}

func (t *transmitterStub) sentAt(i int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent[i]
}

type registrarStub struct {
	mu         sync.Mutex
	registered []string
}

func (r *registrarStub) Register(ctx context.Context, cmd *downlink.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, cmd.CommandID)
	return nil
}

func (r *registrarStub) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registered)
}

type sinkStub struct{}

func (sinkStub) Publish(ctx context.Context, event any) error { return nil }

func newTestLimiter(t *testing.T, capacity int) *ratelimit.Limiter {
	t.Helper()
	limiter, err := ratelimit.NewLimiter(ratelimitmem.NewStore(), capacity)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return limiter
}

func newTestQueue(t *testing.T, store *queuemem.Store) *queueapp.Queue {
	t.Helper()
	queue, err := queueapp.NewQueue(store, sinkStub{}, nil, queueapp.WithMaxAttempts(2))
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return queue
}

func newTestWorker(t *testing.T, queue *queueapp.Queue, transmitter *transmitterStub, registrar *registrarStub, gwCap, tenantCap int) *deliveryapp.Worker {
	t.Helper()
	worker, err := deliveryapp.NewWorker(
		queue,
		transmitter,
		newTestLimiter(t, gwCap),
		newTestLimiter(t, tenantCap),
		registrar,
		nil,
		deliveryapp.WithPollInterval(5*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return worker
}

func enqueueDisplay(t *testing.T, queue *queueapp.Queue, destination string) *downlink.Command {
	t.Helper()
	payload, channel, _ := devices.DisplayV1Codec{}.ExpectedPayload("OCCUPIED")
	cmd, err := queue.Enqueue(context.Background(), queueapp.EnqueueRequest{
		TenantID:     "tenant-a",
		SpaceID:      "space-1",
		Destination:  destination,
		DeviceType:   "display-v1",
		GatewayID:    "gw-1",
		Channel:      channel,
		Payload:      payload,
		DesiredState: "OCCUPIED",
		Trigger:      downlink.TriggerSensor,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return cmd
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWorkerDeliversAndRegistersExpectation(t *testing.T) {
	store := queuemem.NewStore()
	queue := newTestQueue(t, store)
	transmitter := &transmitterStub{}
	registrar := &registrarStub{}
	worker := newTestWorker(t, queue, transmitter, registrar, 30, 100)

	cmd := enqueueDisplay(t, queue, "dev-display-1")

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)

	waitFor(t, time.Second, func() bool { return registrar.count() == 1 })
	cancel()
	<-worker.Done()

	if registrar.registered[0] != cmd.CommandID {
		t.Fatalf("expected %s registered, got %s", cmd.CommandID, registrar.registered[0])
	}
	state, _ := store.GetDestinationState(context.Background(), cmd.Destination)
	if state == nil || state.LastSentHash != cmd.ContentHash {
		t.Fatalf("expected last sent hash recorded, got %+v", state)
	}
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	store := queuemem.NewStore()
	transmitter := &transmitterStub{failAll: true}
	registrar := &registrarStub{}

	// Tight backoff so retries fall inside the test window.
	queueFast, err := queueapp.NewQueue(store, sinkStub{}, nil,
		queueapp.WithMaxAttempts(2),
		queueapp.WithBackoff(time.Millisecond, 2*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	worker, err := deliveryapp.NewWorker(
		queueFast,
		transmitter,
		newTestLimiter(t, 30),
		newTestLimiter(t, 100),
		registrar,
		nil,
		deliveryapp.WithPollInterval(5*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	enqueueDisplay(t, queueFast, "dev-display-1")

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)

	waitFor(t, 2*time.Second, func() bool {
		depths, _ := store.Depths(context.Background())
		return depths.DeadLetters == 1
	})
	cancel()
	<-worker.Done()

	if registrar.count() != 0 {
		t.Fatal("failed delivery must not register an expectation")
	}
}

func TestWorkerDefersWhenGatewayOffline(t *testing.T) {
	store := queuemem.NewStore()
	queue := newTestQueue(t, store)
	transmitter := &transmitterStub{offline: true}
	registrar := &registrarStub{}
	worker := newTestWorker(t, queue, transmitter, registrar, 30, 100)

	cmd := enqueueDisplay(t, queue, "dev-display-1")

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)

	waitFor(t, time.Second, func() bool { return transmitter.probeCount() >= 1 })
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-worker.Done()

	if transmitter.sentCount() != 0 {
		t.Fatal("offline gateway must block transmission")
	}
	stored, _ := store.GetCommand(context.Background(), cmd.CommandID)
	if stored == nil || stored.Status != downlink.StatusPending {
		t.Fatalf("expected command deferred as pending, got %+v", stored)
	}
	if stored.Attempt != 0 {
		t.Fatalf("health deferral must not charge an attempt, got %d", stored.Attempt)
	}
}

func TestWorkerTreatsNoRegisteredGatewaysAsOffline(t *testing.T) {
	store := queuemem.NewStore()
	queue := newTestQueue(t, store)
	transmitter := &transmitterStub{noGateways: true}
	registrar := &registrarStub{}
	worker := newTestWorker(t, queue, transmitter, registrar, 30, 100)

	cmd := enqueueDisplay(t, queue, "dev-display-1")

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)

	waitFor(t, time.Second, func() bool { return transmitter.probeCount() >= 1 })
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-worker.Done()

	if transmitter.sentCount() != 0 {
		t.Fatal("empty gateway group must block transmission")
	}
	stored, _ := store.GetCommand(context.Background(), cmd.CommandID)
	if stored == nil || stored.Status != downlink.StatusPending {
		t.Fatalf("expected command deferred as pending, got %+v", stored)
	}
}

func TestWorkerRateLimitDeniedRequeuesWithoutAttempt(t *testing.T) {
	store := queuemem.NewStore()
	queue := newTestQueue(t, store)
	transmitter := &transmitterStub{}
	registrar := &registrarStub{}
	// Gateway bucket with a single token: the second command defers.
	worker := newTestWorker(t, queue, transmitter, registrar, 1, 100)

	first := enqueueDisplay(t, queue, "dev-display-1")
	second := enqueueDisplay(t, queue, "dev-display-2")

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)

	waitFor(t, time.Second, func() bool { return transmitter.sentCount() == 1 })
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-worker.Done()

	if transmitter.sentAt(0) != first.Destination {
		t.Fatalf("expected %s sent first, got %s", first.Destination, transmitter.sentAt(0))
	}
	stored, _ := store.GetCommand(context.Background(), second.CommandID)
	if stored == nil || stored.Status != downlink.StatusPending {
		t.Fatalf("expected second command deferred, got %+v", stored)
	}
	if stored.Attempt != 0 {
		t.Fatalf("rate-limit deferral must not charge an attempt, got %d", stored.Attempt)
	}
}
