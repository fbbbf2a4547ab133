package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	fleet "parkfleet-cloud/internal/fleet/domain"
)

// Directory resolves spaces and reservation state for the rest of the
// platform.
type Directory struct {
	spaces       fleet.SpaceRepository
	reservations fleet.ReservationRepository
}

// NewDirectory constructs a directory service.
func NewDirectory(spaces fleet.SpaceRepository, reservations fleet.ReservationRepository) (*Directory, error) {
	if spaces == nil {
		return nil, errors.New("fleet directory: nil space repository")
	}
	if reservations == nil {
		return nil, errors.New("fleet directory: nil reservation repository")
	}
	return &Directory{spaces: spaces, reservations: reservations}, nil
}

// Space loads a space by id.
func (d *Directory) Space(ctx context.Context, id string) (*fleet.Space, error) {
	return d.spaces.Get(ctx, id)
}

// SpaceForDestination resolves which space a device destination belongs to.
func (d *Directory) SpaceForDestination(ctx context.Context, destination string) (*fleet.Space, error) {
	return d.spaces.ByDestination(ctx, destination)
}

// ActiveSpaces lists the active spaces of a tenant.
func (d *Directory) ActiveSpaces(ctx context.Context, tenantID string) ([]fleet.Space, error) {
	return d.spaces.ListActive(ctx, tenantID)
}

// ReservationActive reports whether a reservation covers the space now.
func (d *Directory) ReservationActive(ctx context.Context, spaceID string, at time.Time) (bool, error) {
	res, err := d.reservations.ActiveForSpace(ctx, spaceID, at)
	if err != nil {
		return false, err
	}
	return res != nil, nil
}

// SetManualOverride stores or clears the manual override for a space.
func (d *Directory) SetManualOverride(ctx context.Context, spaceID, override string) error {
	switch override {
	case "", "FREE", "OCCUPIED", "MAINTENANCE":
	default:
		return fmt.Errorf("fleet directory: invalid override %q", override)
	}
	return d.spaces.SetManualOverride(ctx, spaceID, override)
}
