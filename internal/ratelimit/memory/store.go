package memory

import (
	"context"
	"sync"
	"time"

	"parkfleet-cloud/internal/ratelimit"
)

// Store is an in-memory bucket store.
type Store struct {
	mu      sync.Mutex
	buckets map[string]ratelimit.Bucket
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{buckets: make(map[string]ratelimit.Bucket)}
}

// Consume applies the bucket mutation under the store lock.
func (s *Store) Consume(ctx context.Context, key string, capacity int, now time.Time, apply func(ratelimit.Bucket) (ratelimit.Bucket, bool)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[key]
	if !ok {
		bucket = ratelimit.Bucket{Key: key, Capacity: capacity}
	}
	updated, allowed := apply(bucket)
	s.buckets[key] = updated
	return allowed, nil
}
