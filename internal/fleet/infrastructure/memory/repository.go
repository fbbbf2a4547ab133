package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	fleet "parkfleet-cloud/internal/fleet/domain"
)

// SpaceRepository is an in-memory space store used in tests.
type SpaceRepository struct {
	mu     sync.RWMutex
	spaces map[string]fleet.Space
}

// NewSpaceRepository constructs an empty store.
func NewSpaceRepository() *SpaceRepository {
	return &SpaceRepository{spaces: make(map[string]fleet.Space)}
}

func (r *SpaceRepository) Get(ctx context.Context, id string) (*fleet.Space, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	space, ok := r.spaces[id]
	if !ok {
		return nil, nil
	}
	return &space, nil
}

func (r *SpaceRepository) ByDestination(ctx context.Context, destination string) (*fleet.Space, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, space := range r.spaces {
		if space.SensorDestination == destination || space.DisplayDestination == destination {
			copied := space
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *SpaceRepository) ListActive(ctx context.Context, tenantID string) ([]fleet.Space, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var spaces []fleet.Space
	for _, space := range r.spaces {
		if space.TenantID == tenantID && space.Active {
			spaces = append(spaces, space)
		}
	}
	sort.Slice(spaces, func(i, j int) bool { return spaces[i].ID < spaces[j].ID })
	return spaces, nil
}

func (r *SpaceRepository) Save(ctx context.Context, space *fleet.Space) error {
	if err := space.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spaces[space.ID] = *space
	return nil
}

func (r *SpaceRepository) SetManualOverride(ctx context.Context, id, override string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	space, ok := r.spaces[id]
	if !ok {
		return nil
	}
	space.ManualOverride = override
	r.spaces[id] = space
	return nil
}

// ReservationRepository is an in-memory reservation store used in tests.
type ReservationRepository struct {
	mu           sync.RWMutex
	reservations map[string]fleet.Reservation
}

// NewReservationRepository constructs an empty store.
func NewReservationRepository() *ReservationRepository {
	return &ReservationRepository{reservations: make(map[string]fleet.Reservation)}
}

func (r *ReservationRepository) ActiveForSpace(ctx context.Context, spaceID string, at time.Time) (*fleet.Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, res := range r.reservations {
		if res.SpaceID == spaceID && res.ActiveAt(at) {
			copied := res
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *ReservationRepository) Save(ctx context.Context, reservation *fleet.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reservations[reservation.ID] = *reservation
	return nil
}
