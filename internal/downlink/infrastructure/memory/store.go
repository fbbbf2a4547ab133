package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	downlink "parkfleet-cloud/internal/downlink/domain"
)

// Store is an in-memory downlink queue store used in tests.
type Store struct {
	mu          sync.Mutex
	commands    map[string]downlink.Command
	states      map[string]downlink.DestinationState
	deadLetters map[string]downlink.DeadLetter
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		commands:    make(map[string]downlink.Command),
		states:      make(map[string]downlink.DestinationState),
		deadLetters: make(map[string]downlink.DeadLetter),
	}
}

// SeedState installs a destination state directly.
func (s *Store) SeedState(state downlink.DestinationState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Destination] = state
}

func (s *Store) GetDestinationState(ctx context.Context, destination string) (*downlink.DestinationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[destination]
	if !ok {
		return nil, nil
	}
	copied := state
	return &copied, nil
}

func (s *Store) EnqueueReplacing(ctx context.Context, cmd *downlink.Command) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var replacedID string
	for id, existing := range s.commands {
		if existing.Destination == cmd.Destination && existing.Status == downlink.StatusPending {
			if existing.ContentHash == cmd.ContentHash {
				return "", true, nil
			}
			replacedID = id
			delete(s.commands, id)
			break
		}
	}
	s.commands[cmd.CommandID] = *cmd
	if _, ok := s.states[cmd.Destination]; !ok {
		s.states[cmd.Destination] = downlink.DestinationState{
			Destination: cmd.Destination,
			TenantID:    cmd.TenantID,
			UpdatedAt:   cmd.CreatedAt,
		}
	}
	return replacedID, false, nil
}

func (s *Store) DequeueReady(ctx context.Context, now time.Time) (*downlink.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []downlink.Command
	for _, cmd := range s.commands {
		if cmd.Status == downlink.StatusPending && !cmd.NextAttemptAt.After(now) {
			due = append(due, cmd)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	claimed := due[0]
	claimed.Status = downlink.StatusInFlight
	claimed.UpdatedAt = now
	s.commands[claimed.CommandID] = claimed
	return &claimed, nil
}

func (s *Store) MarkDelivered(ctx context.Context, cmd *downlink.Command, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.commands[cmd.CommandID]
	if ok {
		stored.Status = downlink.StatusDelivered
		stored.UpdatedAt = at
		s.commands[cmd.CommandID] = stored
	}
	state := s.states[cmd.Destination]
	state.Destination = cmd.Destination
	state.TenantID = cmd.TenantID
	state.LastSentHash = cmd.ContentHash
	state.UpdatedAt = at
	s.states[cmd.Destination] = state
	return nil
}

func (s *Store) Requeue(ctx context.Context, commandID string, nextAttempt time.Time, lastError string, incrementAttempt bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[commandID]
	if !ok {
		return nil
	}
	cmd.Status = downlink.StatusPending
	cmd.NextAttemptAt = nextAttempt
	if incrementAttempt {
		cmd.Attempt++
	}
	if lastError != "" {
		cmd.LastError = lastError
	}
	s.commands[commandID] = cmd
	return nil
}

func (s *Store) DeadLetter(ctx context.Context, cmd *downlink.Command, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.commands, cmd.CommandID)
	letter := downlink.DeadLetter{
		ID:           "dlq-" + cmd.CommandID,
		CommandID:    cmd.CommandID,
		TenantID:     cmd.TenantID,
		SpaceID:      cmd.SpaceID,
		Destination:  cmd.Destination,
		DeviceType:   cmd.DeviceType,
		Channel:      cmd.Channel,
		Payload:      cmd.Payload,
		ContentHash:  cmd.ContentHash,
		DesiredState: cmd.DesiredState,
		Trigger:      cmd.Trigger,
		Attempt:      cmd.Attempt,
		Reason:       reason,
		CreatedAt:    at,
	}
	s.deadLetters[letter.ID] = letter
	return nil
}

func (s *Store) MarkConfirmed(ctx context.Context, destination, contentHash string, counter int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.states[destination]
	state.Destination = destination
	state.LastConfirmedHash = contentHash
	state.LastConfirmedAt = at
	state.LastAckCounter = counter
	state.MismatchStreak = 0
	state.Suspect = false
	state.UpdatedAt = at
	s.states[destination] = state
	return nil
}

func (s *Store) RecordMismatch(ctx context.Context, destination string, threshold int, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[destination]
	if !ok {
		return 0, nil
	}
	state.MismatchStreak++
	if state.MismatchStreak >= threshold {
		state.Suspect = true
	}
	state.UpdatedAt = at
	s.states[destination] = state
	return state.MismatchStreak, nil
}

func (s *Store) GetCommand(ctx context.Context, commandID string) (*downlink.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[commandID]
	if !ok {
		return nil, nil
	}
	copied := cmd
	return &copied, nil
}

func (s *Store) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]downlink.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var letters []downlink.DeadLetter
	for _, letter := range s.deadLetters {
		if tenantID == "" || letter.TenantID == tenantID {
			letters = append(letters, letter)
		}
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i].CreatedAt.After(letters[j].CreatedAt) })
	if len(letters) > limit {
		letters = letters[:limit]
	}
	return letters, nil
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (*downlink.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	letter, ok := s.deadLetters[id]
	if !ok {
		return nil, nil
	}
	copied := letter
	return &copied, nil
}

func (s *Store) DeleteDeadLetter(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deadLetters, id)
	return nil
}

func (s *Store) Depths(ctx context.Context) (downlink.QueueDepths, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var depths downlink.QueueDepths
	for _, cmd := range s.commands {
		switch cmd.Status {
		case downlink.StatusPending:
			depths.Pending++
		case downlink.StatusInFlight:
			depths.InFlight++
		}
	}
	depths.DeadLetters = len(s.deadLetters)
	for _, state := range s.states {
		if state.Suspect {
			depths.Suspect++
		}
	}
	return depths, nil
}
