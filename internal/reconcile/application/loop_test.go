package application_test

import (
	"context"
	"testing"
	"time"

	"parkfleet-cloud/internal/devices"
	queueapp "parkfleet-cloud/internal/downlink/application"
	downlink "parkfleet-cloud/internal/downlink/domain"
	queuemem "parkfleet-cloud/internal/downlink/infrastructure/memory"
	fleetapp "parkfleet-cloud/internal/fleet/application"
	fleet "parkfleet-cloud/internal/fleet/domain"
	fleetmem "parkfleet-cloud/internal/fleet/infrastructure/memory"
	occupancyapp "parkfleet-cloud/internal/occupancy/application"
	occupancy "parkfleet-cloud/internal/occupancy/domain"
	occupancymem "parkfleet-cloud/internal/occupancy/infrastructure/memory"
	reconcileapp "parkfleet-cloud/internal/reconcile/application"
	reconcile "parkfleet-cloud/internal/reconcile/domain"
	reconcilemem "parkfleet-cloud/internal/reconcile/infrastructure/memory"
)

type sinkStub struct{}

func (sinkStub) Publish(ctx context.Context, event any) error { return nil }

type flusherStub struct {
	flushed []string
}

func (f *flusherStub) FlushQueue(ctx context.Context, destination string) error {
	f.flushed = append(f.flushed, destination)
	return nil
}

type fixture struct {
	loop       *reconcileapp.Loop
	queue      *queueapp.Queue
	queueStore *queuemem.Store
	reports    *reconcilemem.ReportRepository
	occupancy  *occupancymem.Repository
	flusher    *flusherStub
	now        time.Time
}

func newFixture(t *testing.T, occupied bool) *fixture {
	t.Helper()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	spaces := fleetmem.NewSpaceRepository()
	reservations := fleetmem.NewReservationRepository()
	directory, err := fleetapp.NewDirectory(spaces, reservations)
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	if err := spaces.Save(context.Background(), &fleet.Space{
		ID:                 "space-1",
		TenantID:           "tenant-a",
		Name:               "P1-01",
		GatewayID:          "gw-1",
		SensorDestination:  "dev-sensor-1",
		DisplayDestination: "dev-display-1",
		SensorDeviceType:   "sensor-v1",
		DisplayDeviceType:  "display-v1",
		Active:             true,
	}); err != nil {
		t.Fatalf("save space: %v", err)
	}

	queueStore := queuemem.NewStore()
	queue, err := queueapp.NewQueue(queueStore, sinkStub{}, nil,
		queueapp.WithQueueClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	records := occupancymem.NewRepository()
	if err := records.Upsert(context.Background(), &occupancy.Record{
		SpaceID:        "space-1",
		TenantID:       "tenant-a",
		State:          occupancy.StateOccupied,
		SensorOccupied: occupied,
		SensorKnown:    true,
		ObservedAt:     now,
		UpdatedAt:      now,
	}); err != nil {
		t.Fatalf("seed occupancy: %v", err)
	}

	registry := devices.NewRegistry()
	service, err := occupancyapp.NewService(records, directory, queue, registry, nil, nil,
		occupancyapp.WithServiceClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new occupancy service: %v", err)
	}

	reports := reconcilemem.NewReportRepository()
	cfg := reconcileapp.Config{
		Interval:  2 * time.Minute,
		Freshness: time.Hour,
		Tenants:   []string{"tenant-a"},
	}
	flusher := &flusherStub{}
	loop, err := reconcileapp.NewLoop(cfg, directory, service, queue, registry, reports, nil,
		reconcileapp.WithLoopClock(func() time.Time { return now }),
		reconcileapp.WithQueueFlusher(flusher))
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	return &fixture{
		loop:       loop,
		queue:      queue,
		queueStore: queueStore,
		reports:    reports,
		occupancy:  records,
		flusher:    flusher,
		now:        now,
	}
}

func expectedDisplayHash(t *testing.T, state string) string {
	t.Helper()
	payload, channel, err := devices.DisplayV1Codec{}.ExpectedPayload(state)
	if err != nil {
		t.Fatalf("expected payload: %v", err)
	}
	return downlink.ContentHash("dev-display-1", channel, payload)
}

func pendingCommand(t *testing.T, store *queuemem.Store, now time.Time) *downlink.Command {
	t.Helper()
	cmd, err := store.DequeueReady(context.Background(), now.Add(time.Second))
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	return cmd
}

func TestNeverConfirmedGetsLivenessPoll(t *testing.T) {
	f := newFixture(t, true)

	report, err := f.loop.RunOnce(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Polls != 1 || report.Corrective != 0 || report.InSync != 0 {
		t.Fatalf("expected one poll, got %+v", report)
	}

	cmd := pendingCommand(t, f.queueStore, f.now)
	if cmd == nil {
		t.Fatal("expected liveness poll queued")
	}
	if cmd.Trigger != downlink.TriggerPoll {
		t.Fatalf("expected poll trigger, got %s", cmd.Trigger)
	}
	if cmd.Channel != devices.ChannelLiveness {
		t.Fatalf("expected liveness channel, got %d", cmd.Channel)
	}
}

func TestFreshMatchingStateIsInSync(t *testing.T) {
	f := newFixture(t, true)

	f.queueStore.SeedState(downlink.DestinationState{
		Destination:       "dev-display-1",
		TenantID:          "tenant-a",
		LastConfirmedHash: expectedDisplayHash(t, occupancy.StateOccupied),
		LastConfirmedAt:   f.now.Add(-5 * time.Minute),
	})

	report, err := f.loop.RunOnce(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.InSync != 1 || report.Corrective != 0 || report.Polls != 0 {
		t.Fatalf("expected in sync, got %+v", report)
	}
	if cmd := pendingCommand(t, f.queueStore, f.now); cmd != nil {
		t.Fatalf("in-sync space must not queue, got %+v", cmd)
	}
	if len(f.flusher.flushed) != 0 {
		t.Fatalf("in-sync space must not flush, got %v", f.flusher.flushed)
	}
}

func TestDivergedStateGetsCorrectiveResend(t *testing.T) {
	f := newFixture(t, true)

	// Device confirmed FREE, but the space is occupied.
	f.queueStore.SeedState(downlink.DestinationState{
		Destination:       "dev-display-1",
		TenantID:          "tenant-a",
		LastConfirmedHash: expectedDisplayHash(t, occupancy.StateFree),
		LastConfirmedAt:   f.now.Add(-5 * time.Minute),
	})

	report, err := f.loop.RunOnce(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Corrective != 1 {
		t.Fatalf("expected corrective, got %+v", report)
	}

	cmd := pendingCommand(t, f.queueStore, f.now)
	if cmd == nil {
		t.Fatal("expected corrective command queued")
	}
	if cmd.Trigger != downlink.TriggerReconciliation {
		t.Fatalf("expected reconciliation trigger, got %s", cmd.Trigger)
	}
	if cmd.DesiredState != occupancy.StateOccupied {
		t.Fatalf("expected OCCUPIED resend, got %s", cmd.DesiredState)
	}
	if len(f.flusher.flushed) != 1 || f.flusher.flushed[0] != "dev-display-1" {
		t.Fatalf("expected device queue flush before resend, got %v", f.flusher.flushed)
	}
}

func TestSuspectDestinationGetsCorrectiveResend(t *testing.T) {
	f := newFixture(t, true)

	// Confirmed hash matches, but the destination is suspect: the sweep
	// must not trust it.
	f.queueStore.SeedState(downlink.DestinationState{
		Destination:       "dev-display-1",
		TenantID:          "tenant-a",
		LastConfirmedHash: expectedDisplayHash(t, occupancy.StateOccupied),
		LastConfirmedAt:   f.now.Add(-5 * time.Minute),
		MismatchStreak:    3,
		Suspect:           true,
	})

	report, err := f.loop.RunOnce(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Corrective != 1 {
		t.Fatalf("expected corrective for suspect, got %+v", report)
	}
}

func TestStaleMatchingStateGetsLivenessPoll(t *testing.T) {
	f := newFixture(t, true)

	f.queueStore.SeedState(downlink.DestinationState{
		Destination:       "dev-display-1",
		TenantID:          "tenant-a",
		LastConfirmedHash: expectedDisplayHash(t, occupancy.StateOccupied),
		LastConfirmedAt:   f.now.Add(-2 * time.Hour),
	})

	report, err := f.loop.RunOnce(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Polls != 1 || report.Corrective != 0 {
		t.Fatalf("expected poll for stale state, got %+v", report)
	}

	cmd := pendingCommand(t, f.queueStore, f.now)
	if cmd == nil || cmd.Trigger != downlink.TriggerPoll {
		t.Fatalf("expected liveness poll, got %+v", cmd)
	}
}

func TestReportPersisted(t *testing.T) {
	f := newFixture(t, true)

	report, err := f.loop.RunOnce(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	saved, err := f.reports.Latest(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if saved == nil || saved.ID != report.ID {
		t.Fatalf("expected report persisted, got %+v", saved)
	}
	if saved.SpacesChecked != 1 {
		t.Fatalf("expected 1 space checked, got %d", saved.SpacesChecked)
	}
	if len(saved.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(saved.Findings))
	}
	if saved.Findings[0].Action != reconcile.ActionPoll {
		t.Fatalf("expected poll finding, got %s", saved.Findings[0].Action)
	}
}
