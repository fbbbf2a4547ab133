package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"parkfleet-cloud/internal/audit"
	"parkfleet-cloud/internal/auth"
	"parkfleet-cloud/internal/devices"
	queueapp "parkfleet-cloud/internal/downlink/application"
	downlink "parkfleet-cloud/internal/downlink/domain"
	fleet "parkfleet-cloud/internal/fleet/domain"
	"parkfleet-cloud/internal/observability/metrics"
	occupancy "parkfleet-cloud/internal/occupancy/domain"
)

// Repository persists occupancy records.
type Repository interface {
	Get(ctx context.Context, spaceID string) (*occupancy.Record, error)
	Upsert(ctx context.Context, record *occupancy.Record) error
}

// SpaceDirectory resolves spaces and reservations.
type SpaceDirectory interface {
	Space(ctx context.Context, id string) (*fleet.Space, error)
	SpaceForDestination(ctx context.Context, destination string) (*fleet.Space, error)
	ReservationActive(ctx context.Context, spaceID string, at time.Time) (bool, error)
	SetManualOverride(ctx context.Context, spaceID, override string) error
}

// Downlinker queues display updates.
type Downlinker interface {
	Enqueue(ctx context.Context, req queueapp.EnqueueRequest) (*downlink.Command, error)
}

// OverrideRequest applies or clears a manual override on a space.
type OverrideRequest struct {
	SpaceID   string
	Override  string
	Actor     string
	Role      string
	IP        string
	UserAgent string
}

// Service maintains occupancy state and keeps displays in sync with it.
type Service struct {
	repo      Repository
	directory SpaceDirectory
	queue     Downlinker
	codecs    *devices.Registry
	auditor   audit.Logger
	logger    *log.Logger
	now       func() time.Time
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithServiceClock overrides the service clock.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs an occupancy service. The auditor may be nil when
// override auditing is disabled.
func NewService(repo Repository, directory SpaceDirectory, queue Downlinker, codecs *devices.Registry, auditor audit.Logger, logger *log.Logger, opts ...ServiceOption) (*Service, error) {
	if repo == nil {
		return nil, errors.New("occupancy: nil repository")
	}
	if directory == nil {
		return nil, errors.New("occupancy: nil directory")
	}
	if queue == nil {
		return nil, errors.New("occupancy: nil downlink queue")
	}
	if codecs == nil {
		return nil, errors.New("occupancy: nil codec registry")
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Service{
		repo:      repo,
		directory: directory,
		queue:     queue,
		codecs:    codecs,
		auditor:   auditor,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// HandleSensorReading updates occupancy from a decoded sensor frame and
// queues a display update when the state changed.
func (s *Service) HandleSensorReading(ctx context.Context, destination string, reading devices.SensorReading, observedAt time.Time) error {
	space, err := s.directory.SpaceForDestination(ctx, destination)
	if err != nil {
		return err
	}
	if space == nil {
		s.logger.Printf("occupancy: reading from unmapped destination %s", destination)
		return nil
	}
	if !space.Active {
		return nil
	}

	now := s.now()
	if observedAt.IsZero() {
		observedAt = now
	}
	reserved, err := s.directory.ReservationActive(ctx, space.ID, now)
	if err != nil {
		return err
	}

	decision := occupancy.Decide(occupancy.Inputs{
		SensorOccupied:    reading.Occupied,
		SensorKnown:       true,
		ReservationActive: reserved,
		ManualOverride:    space.ManualOverride,
	})

	previous, err := s.repo.Get(ctx, space.ID)
	if err != nil {
		return err
	}

	record := &occupancy.Record{
		SpaceID:        space.ID,
		TenantID:       space.TenantID,
		State:          decision.State,
		Reason:         decision.Reason,
		SensorOccupied: reading.Occupied,
		SensorKnown:    true,
		BatteryMV:      reading.BatteryMV,
		Confidence:     reading.Confidence,
		ObservedAt:     observedAt.UTC(),
		UpdatedAt:      now,
	}
	if err := s.repo.Upsert(ctx, record); err != nil {
		return err
	}

	if previous == nil || previous.State != decision.State {
		metrics.IncOccupancyTransition(decision.State)
		return s.pushDisplay(ctx, space, decision.State, downlink.TriggerSensor)
	}
	return nil
}

// RefreshReservation recomputes the state after a reservation change and
// queues a display update when it moved.
func (s *Service) RefreshReservation(ctx context.Context, spaceID string) error {
	space, err := s.directory.Space(ctx, spaceID)
	if err != nil {
		return err
	}
	if space == nil {
		return fmt.Errorf("occupancy: unknown space %s", spaceID)
	}
	return s.recompute(ctx, space, downlink.TriggerReservation)
}

// ApplyOverride stores a manual override for a space, audit-logs the actor
// and pushes the resulting display state.
func (s *Service) ApplyOverride(ctx context.Context, req OverrideRequest) error {
	space, err := s.directory.Space(ctx, req.SpaceID)
	if err != nil {
		return err
	}
	if space == nil {
		return auth.ErrNotFound
	}
	tenantID := auth.TenantIDFromContext(ctx)
	if tenantID != "" && space.TenantID != tenantID {
		return auth.ErrTenantMismatch
	}

	if err := s.directory.SetManualOverride(ctx, req.SpaceID, req.Override); err != nil {
		return err
	}
	space.ManualOverride = req.Override

	if s.auditor != nil {
		metadata, _ := json.Marshal(map[string]string{"override": req.Override})
		entry := audit.Entry{
			TenantID:     space.TenantID,
			Actor:        req.Actor,
			Role:         req.Role,
			Action:       "space.override",
			ResourceType: "space",
			ResourceID:   space.ID,
			SpaceID:      space.ID,
			Metadata:     metadata,
			IP:           req.IP,
			UserAgent:    req.UserAgent,
			CreatedAt:    s.now(),
		}
		if err := s.auditor.Log(ctx, entry); err != nil {
			s.logger.Printf("occupancy: audit override for %s: %v", space.ID, err)
		}
	}

	return s.recompute(ctx, space, downlink.TriggerManual)
}

// DesiredState computes the display state a space's indicator should show
// right now.
func (s *Service) DesiredState(ctx context.Context, space *fleet.Space) (string, error) {
	if space == nil {
		return "", errors.New("occupancy: nil space")
	}
	now := s.now()
	reserved, err := s.directory.ReservationActive(ctx, space.ID, now)
	if err != nil {
		return "", err
	}
	record, err := s.repo.Get(ctx, space.ID)
	if err != nil {
		return "", err
	}
	inputs := occupancy.Inputs{
		ReservationActive: reserved,
		ManualOverride:    space.ManualOverride,
	}
	if record != nil && record.SensorKnown {
		inputs.SensorKnown = true
		inputs.SensorOccupied = record.SensorOccupied
	}
	return occupancy.Decide(inputs).State, nil
}

// Record loads the stored occupancy of a space.
func (s *Service) Record(ctx context.Context, spaceID string) (*occupancy.Record, error) {
	return s.repo.Get(ctx, spaceID)
}

func (s *Service) recompute(ctx context.Context, space *fleet.Space, trigger string) error {
	state, err := s.DesiredState(ctx, space)
	if err != nil {
		return err
	}
	record, err := s.repo.Get(ctx, space.ID)
	if err != nil {
		return err
	}
	now := s.now()
	updated := &occupancy.Record{
		SpaceID:   space.ID,
		TenantID:  space.TenantID,
		State:     state,
		UpdatedAt: now,
	}
	if record != nil {
		updated.SensorOccupied = record.SensorOccupied
		updated.SensorKnown = record.SensorKnown
		updated.BatteryMV = record.BatteryMV
		updated.Confidence = record.Confidence
		updated.ObservedAt = record.ObservedAt
		updated.Reason = record.Reason
	}
	switch trigger {
	case downlink.TriggerManual:
		updated.Reason = occupancy.ReasonOverride
	case downlink.TriggerReservation:
		updated.Reason = occupancy.ReasonReservation
	}
	if record == nil || record.State != state {
		metrics.IncOccupancyTransition(state)
	}
	if err := s.repo.Upsert(ctx, updated); err != nil {
		return err
	}
	return s.pushDisplay(ctx, space, state, trigger)
}

func (s *Service) pushDisplay(ctx context.Context, space *fleet.Space, state, trigger string) error {
	if space.DisplayDestination == "" {
		return nil
	}
	codec, err := s.codecs.Lookup(space.DisplayDeviceType)
	if err != nil {
		return err
	}
	payload, channel, err := codec.ExpectedPayload(state)
	if err != nil {
		return err
	}
	_, err = s.queue.Enqueue(ctx, queueapp.EnqueueRequest{
		TenantID:     space.TenantID,
		SpaceID:      space.ID,
		Destination:  space.DisplayDestination,
		DeviceType:   space.DisplayDeviceType,
		GatewayID:    space.GatewayID,
		Channel:      channel,
		Payload:      payload,
		DesiredState: state,
		Trigger:      trigger,
	})
	return err
}
