package fleet

import (
	"context"
	"errors"
	"time"
)

// Space represents a managed parking space and the devices attached to it.
type Space struct {
	ID                 string
	TenantID           string
	Name               string
	ZoneID             string
	GatewayID          string
	SensorDestination  string
	DisplayDestination string
	SensorDeviceType   string
	DisplayDeviceType  string
	Active             bool
	ManualOverride     string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Validate checks space invariants.
func (s Space) Validate() error {
	if s.ID == "" {
		return errors.New("space: empty id")
	}
	if s.TenantID == "" {
		return errors.New("space: empty tenant id")
	}
	if s.Name == "" {
		return errors.New("space: empty name")
	}
	if s.DisplayDestination == "" {
		return errors.New("space: empty display destination")
	}
	return nil
}

// Reservation represents a time-bounded hold on a space.
type Reservation struct {
	ID       string
	SpaceID  string
	TenantID string
	StartsAt time.Time
	EndsAt   time.Time
	Canceled bool
}

// ActiveAt reports whether the reservation covers the given instant.
func (r Reservation) ActiveAt(at time.Time) bool {
	if r.Canceled {
		return false
	}
	return !at.Before(r.StartsAt) && at.Before(r.EndsAt)
}

// SpaceRepository manages space persistence.
type SpaceRepository interface {
	Get(ctx context.Context, id string) (*Space, error)
	ByDestination(ctx context.Context, destination string) (*Space, error)
	ListActive(ctx context.Context, tenantID string) ([]Space, error)
	Save(ctx context.Context, space *Space) error
	SetManualOverride(ctx context.Context, id, override string) error
}

// ReservationRepository manages reservation persistence.
type ReservationRepository interface {
	ActiveForSpace(ctx context.Context, spaceID string, at time.Time) (*Reservation, error)
	Save(ctx context.Context, reservation *Reservation) error
}
