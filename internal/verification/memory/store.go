package memory

import (
	"context"
	"sync"
	"time"

	"parkfleet-cloud/internal/verification"
)

// Store is an in-memory expectation store used in tests.
type Store struct {
	mu           sync.Mutex
	expectations map[string]verification.Expectation
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{expectations: make(map[string]verification.Expectation)}
}

func (s *Store) Put(ctx context.Context, exp verification.Expectation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectations[exp.Destination] = exp
	return nil
}

func (s *Store) GetByDestination(ctx context.Context, destination string) (*verification.Expectation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.expectations[destination]
	if !ok {
		return nil, nil
	}
	copied := exp
	return &copied, nil
}

func (s *Store) Delete(ctx context.Context, destination string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expectations, destination)
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for destination, exp := range s.expectations {
		if exp.ExpiresAt.Before(before) {
			delete(s.expectations, destination)
			count++
		}
	}
	return count, nil
}
