package memory

import (
	"context"
	"sync"

	occupancy "parkfleet-cloud/internal/occupancy/domain"
)

// Repository is an in-memory occupancy store used in tests.
type Repository struct {
	mu      sync.RWMutex
	records map[string]occupancy.Record
}

// NewRepository constructs an empty store.
func NewRepository() *Repository {
	return &Repository{records: make(map[string]occupancy.Record)}
}

func (r *Repository) Get(ctx context.Context, spaceID string) (*occupancy.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[spaceID]
	if !ok {
		return nil, nil
	}
	copied := record
	return &copied, nil
}

func (r *Repository) Upsert(ctx context.Context, record *occupancy.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.SpaceID] = *record
	return nil
}
