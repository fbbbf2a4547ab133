package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"parkfleet-cloud/internal/auth"
	downlinkevents "parkfleet-cloud/internal/downlink/application/events"
	downlink "parkfleet-cloud/internal/downlink/domain"
	"parkfleet-cloud/internal/eventing"
	"parkfleet-cloud/internal/observability/metrics"
)

const (
	defaultMaxAttempts      = 5
	defaultBackoffBase      = 2 * time.Second
	defaultBackoffMax       = 60 * time.Second
	defaultSuspectThreshold = 3
)

// Store is the persistence contract for the downlink queue.
type Store interface {
	GetDestinationState(ctx context.Context, destination string) (*downlink.DestinationState, error)
	// EnqueueReplacing inserts cmd and drops any pending command for the
	// same destination in one transaction, returning the replaced
	// command id. A pending command with the same content hash is kept
	// instead: nothing is inserted and duplicate is true.
	EnqueueReplacing(ctx context.Context, cmd *downlink.Command) (replacedID string, duplicate bool, err error)
	// DequeueReady claims the oldest due pending command, moving it to
	// in_flight. It returns (nil, nil) when nothing is due.
	DequeueReady(ctx context.Context, now time.Time) (*downlink.Command, error)
	MarkDelivered(ctx context.Context, cmd *downlink.Command, at time.Time) error
	// Requeue moves an in-flight command back to pending with the given
	// next attempt time. incrementAttempt distinguishes transport
	// failures from rate-limit deferrals.
	Requeue(ctx context.Context, commandID string, nextAttempt time.Time, lastError string, incrementAttempt bool) error
	DeadLetter(ctx context.Context, cmd *downlink.Command, reason string, at time.Time) error
	MarkConfirmed(ctx context.Context, destination, contentHash string, counter int64, at time.Time) error
	// RecordMismatch increments the destination's mismatch streak and
	// flags it suspect once the streak reaches threshold. It returns the
	// new streak.
	RecordMismatch(ctx context.Context, destination string, threshold int, at time.Time) (int, error)
	GetCommand(ctx context.Context, commandID string) (*downlink.Command, error)
	ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]downlink.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (*downlink.DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id string) error
	Depths(ctx context.Context) (downlink.QueueDepths, error)
}

// EventSink publishes queue lifecycle events.
type EventSink interface {
	Publish(ctx context.Context, event any) error
}

// EnqueueRequest describes a downlink to queue.
type EnqueueRequest struct {
	TenantID     string
	SpaceID      string
	Destination  string
	DeviceType   string
	GatewayID    string
	Channel      int
	Payload      []byte
	DesiredState string
	Trigger      string
}

// Queue coalesces, deduplicates and tracks downlink commands.
type Queue struct {
	store            Store
	events           EventSink
	logger           *log.Logger
	maxAttempts      int
	backoffBase      time.Duration
	backoffMax       time.Duration
	suspectThreshold int
	now              func() time.Time
	counters         counterSet
	outcomes         outcomeWindow
}

// QueueOption configures the queue.
type QueueOption func(*Queue)

// WithMaxAttempts overrides the dead-letter attempt limit.
func WithMaxAttempts(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithBackoff overrides retry backoff bounds.
func WithBackoff(base, max time.Duration) QueueOption {
	return func(q *Queue) {
		if base > 0 {
			q.backoffBase = base
		}
		if max > 0 {
			q.backoffMax = max
		}
	}
}

// WithSuspectThreshold overrides the mismatch streak that flags a
// destination suspect.
func WithSuspectThreshold(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.suspectThreshold = n
		}
	}
}

// WithQueueClock overrides the queue clock.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewQueue constructs the downlink queue service.
func NewQueue(store Store, events EventSink, logger *log.Logger, opts ...QueueOption) (*Queue, error) {
	if store == nil {
		return nil, errors.New("downlink queue: nil store")
	}
	if events == nil {
		return nil, errors.New("downlink queue: nil event sink")
	}
	if logger == nil {
		logger = log.Default()
	}
	q := &Queue{
		store:            store,
		events:           events,
		logger:           logger,
		maxAttempts:      defaultMaxAttempts,
		backoffBase:      defaultBackoffBase,
		backoffMax:       defaultBackoffMax,
		suspectThreshold: defaultSuspectThreshold,
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue queues a downlink for delivery. A command whose content
// matches what was last sent to the destination, or what is already
// pending for it, is dropped as a duplicate and Enqueue returns
// (nil, nil). A pending command with different content is replaced:
// only the newest desired state is worth delivering.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*downlink.Command, error) {
	if req.Destination == "" {
		return nil, errors.New("downlink queue: destination required")
	}
	if len(req.Payload) == 0 {
		return nil, errors.New("downlink queue: payload required")
	}
	tenantID := auth.TenantIDFromContext(ctx)
	if tenantID == "" {
		tenantID = req.TenantID
	}
	if tenantID != "" && req.TenantID != "" && req.TenantID != tenantID {
		return nil, auth.ErrTenantMismatch
	}

	now := q.now()
	hash := downlink.ContentHash(req.Destination, req.Channel, req.Payload)

	state, err := q.store.GetDestinationState(ctx, req.Destination)
	if err != nil {
		return nil, err
	}
	// Suspect destinations get the command regardless: their last sent
	// state is not trusted until a fresh ack verifies.
	if state != nil && !state.Suspect && state.LastSentHash == hash && req.Trigger != downlink.TriggerPoll {
		q.count(metrics.QueueEventDeduplicated)
		return nil, nil
	}

	cmd := &downlink.Command{
		CommandID:     "dl-" + buildShortID(tenantID+req.Destination+hash+now.Format(time.RFC3339Nano)),
		TenantID:      tenantID,
		SpaceID:       req.SpaceID,
		Destination:   req.Destination,
		DeviceType:    req.DeviceType,
		GatewayID:     req.GatewayID,
		Channel:       req.Channel,
		Payload:       req.Payload,
		ContentHash:   hash,
		DesiredState:  req.DesiredState,
		Trigger:       req.Trigger,
		Status:        downlink.StatusPending,
		Attempt:       0,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	replacedID, duplicate, err := q.store.EnqueueReplacing(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if duplicate {
		q.count(metrics.QueueEventDeduplicated)
		return nil, nil
	}
	q.count(metrics.QueueEventEnqueued)
	if replacedID != "" {
		q.count(metrics.QueueEventCoalesced)
		q.logger.Printf("downlink queue: %s superseded %s for %s", cmd.CommandID, replacedID, cmd.Destination)
	}
	return cmd, nil
}

// Dequeue claims the next due command, or returns (nil, nil).
func (q *Queue) Dequeue(ctx context.Context) (*downlink.Command, error) {
	return q.store.DequeueReady(ctx, q.now())
}

// MarkSuccess records a successful handoff to the network server and
// publishes CommandDelivered.
func (q *Queue) MarkSuccess(ctx context.Context, cmd *downlink.Command) error {
	if cmd == nil {
		return errors.New("downlink queue: nil command")
	}
	now := q.now()
	if err := q.store.MarkDelivered(ctx, cmd, now); err != nil {
		return err
	}
	q.count(metrics.QueueEventDelivered)
	q.outcomes.record(true)
	metrics.ObserveDeliveryLatency(now.Sub(cmd.CreatedAt))

	event := downlinkevents.CommandDelivered{
		EventID:     eventing.NewEventID(),
		CommandID:   cmd.CommandID,
		TenantID:    cmd.TenantID,
		SpaceID:     cmd.SpaceID,
		Destination: cmd.Destination,
		ContentHash: cmd.ContentHash,
		Attempt:     cmd.Attempt,
		OccurredAt:  now,
	}
	ctx = eventing.WithEventID(ctx, event.EventID)
	ctx = eventing.WithTenantID(ctx, cmd.TenantID)
	if err := q.events.Publish(ctx, event); err != nil {
		q.logger.Printf("downlink queue: publish delivered for %s: %v", cmd.CommandID, err)
	}
	return nil
}

// MarkFailure records a failed transport attempt. The command retries
// with exponential backoff until the attempt limit, then dead-letters.
func (q *Queue) MarkFailure(ctx context.Context, cmd *downlink.Command, cause error) error {
	if cmd == nil {
		return errors.New("downlink queue: nil command")
	}
	q.outcomes.record(false)
	attempt := cmd.Attempt + 1
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	now := q.now()

	if attempt >= q.maxAttempts {
		reason := fmt.Sprintf("exhausted %d attempts: %s", attempt, lastError)
		failed := *cmd
		failed.Attempt = attempt
		if err := q.store.DeadLetter(ctx, &failed, reason, now); err != nil {
			return err
		}
		q.count(metrics.QueueEventDeadLettered)
		q.logger.Printf("downlink queue: dead-lettered %s for %s after %d attempts", cmd.CommandID, cmd.Destination, attempt)

		event := downlinkevents.CommandDeadLettered{
			EventID:     eventing.NewEventID(),
			CommandID:   cmd.CommandID,
			TenantID:    cmd.TenantID,
			SpaceID:     cmd.SpaceID,
			Destination: cmd.Destination,
			ContentHash: cmd.ContentHash,
			Attempt:     attempt,
			Reason:      reason,
			OccurredAt:  now,
		}
		ctx = eventing.WithEventID(ctx, event.EventID)
		ctx = eventing.WithTenantID(ctx, cmd.TenantID)
		if err := q.events.Publish(ctx, event); err != nil {
			q.logger.Printf("downlink queue: publish dead-lettered for %s: %v", cmd.CommandID, err)
		}
		return nil
	}

	next := now.Add(q.backoff(attempt))
	if err := q.store.Requeue(ctx, cmd.CommandID, next, lastError, true); err != nil {
		return err
	}
	q.count(metrics.QueueEventRetried)
	return nil
}

// RequeueWithDelay defers an in-flight command without charging an
// attempt. Used when a rate limiter denies the send.
func (q *Queue) RequeueWithDelay(ctx context.Context, cmd *downlink.Command, delay time.Duration) error {
	if cmd == nil {
		return errors.New("downlink queue: nil command")
	}
	if delay < 0 {
		delay = 0
	}
	return q.store.Requeue(ctx, cmd.CommandID, q.now().Add(delay), "", false)
}

// MarkConfirmed records a verified device ack for a destination, clearing
// any mismatch streak and suspect flag.
func (q *Queue) MarkConfirmed(ctx context.Context, destination, contentHash string, counter int64) error {
	return q.store.MarkConfirmed(ctx, destination, contentHash, counter, q.now())
}

// RecordMismatch bumps the destination's mismatch streak; at the
// configured threshold the destination is flagged suspect.
func (q *Queue) RecordMismatch(ctx context.Context, destination string) (int, error) {
	return q.store.RecordMismatch(ctx, destination, q.suspectThreshold, q.now())
}

// DestinationState exposes the tracked state for a destination.
func (q *Queue) DestinationState(ctx context.Context, destination string) (*downlink.DestinationState, error) {
	return q.store.GetDestinationState(ctx, destination)
}

// Command loads a queued command by id.
func (q *Queue) Command(ctx context.Context, commandID string) (*downlink.Command, error) {
	return q.store.GetCommand(ctx, commandID)
}

// ListDeadLetters returns dead letters for a tenant, newest first.
func (q *Queue) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]downlink.DeadLetter, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	return q.store.ListDeadLetters(ctx, tenantID, limit)
}

// RequeueDeadLetter puts a dead letter back on the queue with a fresh
// attempt counter and removes it from the dead letter table.
func (q *Queue) RequeueDeadLetter(ctx context.Context, id string) (*downlink.Command, error) {
	letter, err := q.store.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if letter == nil {
		return nil, auth.ErrNotFound
	}
	tenantID := auth.TenantIDFromContext(ctx)
	if tenantID != "" && letter.TenantID != tenantID {
		return nil, auth.ErrTenantMismatch
	}

	now := q.now()
	cmd := &downlink.Command{
		CommandID:     "dl-" + buildShortID(letter.TenantID+letter.Destination+letter.ContentHash+now.Format(time.RFC3339Nano)),
		TenantID:      letter.TenantID,
		SpaceID:       letter.SpaceID,
		Destination:   letter.Destination,
		DeviceType:    letter.DeviceType,
		Channel:       letter.Channel,
		Payload:       letter.Payload,
		ContentHash:   letter.ContentHash,
		DesiredState:  letter.DesiredState,
		Trigger:       downlink.TriggerManual,
		Status:        downlink.StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, duplicate, err := q.store.EnqueueReplacing(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if err := q.store.DeleteDeadLetter(ctx, id); err != nil {
		return nil, err
	}
	if !duplicate {
		q.count(metrics.QueueEventEnqueued)
	}
	return cmd, nil
}

func (q *Queue) backoff(attempt int) time.Duration {
	delay := q.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.backoffMax {
			return q.backoffMax
		}
	}
	if delay > q.backoffMax {
		return q.backoffMax
	}
	return delay
}
