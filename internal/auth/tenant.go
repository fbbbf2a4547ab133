package auth

import (
	"context"
	"database/sql"

	fleetrepo "parkfleet-cloud/internal/fleet/infrastructure/postgres"
)

// SpaceTenantChecker validates space tenant ownership.
type SpaceTenantChecker interface {
	EnsureSpaceTenant(ctx context.Context, tenantID, spaceID string) error
}

// SpaceChecker checks space ownership using the fleet directory.
type SpaceChecker struct {
	repo *fleetrepo.SpaceRepository
}

// NewSpaceChecker constructs a SpaceChecker.
func NewSpaceChecker(db *sql.DB) *SpaceChecker {
	if db == nil {
		return nil
	}
	return &SpaceChecker{repo: fleetrepo.NewSpaceRepository(db)}
}

// EnsureSpaceTenant verifies the space belongs to the tenant.
func (c *SpaceChecker) EnsureSpaceTenant(ctx context.Context, tenantID, spaceID string) error {
	if c == nil || c.repo == nil {
		return nil
	}
	if tenantID == "" || spaceID == "" {
		return nil
	}
	space, err := c.repo.Get(ctx, spaceID)
	if err != nil {
		return err
	}
	if space == nil {
		return ErrNotFound
	}
	if space.TenantID != tenantID {
		return ErrTenantMismatch
	}
	return nil
}
