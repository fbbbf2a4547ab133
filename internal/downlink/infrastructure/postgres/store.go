package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	downlink "parkfleet-cloud/internal/downlink/domain"
)

const (
	defaultCommandsTable    = "downlink_commands"
	defaultStatesTable      = "destination_states"
	defaultDeadLettersTable = "downlink_dead_letters"
)

// Store is the Postgres implementation of the downlink queue store.
type Store struct {
	db               *sql.DB
	commandsTable    string
	statesTable      string
	deadLettersTable string
}

// StoreOption configures the store.
type StoreOption func(*Store)

// WithCommandsTable overrides the commands table name.
func WithCommandsTable(table string) StoreOption {
	return func(s *Store) {
		if table != "" {
			s.commandsTable = table
		}
	}
}

// WithStatesTable overrides the destination states table name.
func WithStatesTable(table string) StoreOption {
	return func(s *Store) {
		if table != "" {
			s.statesTable = table
		}
	}
}

// WithDeadLettersTable overrides the dead letters table name.
func WithDeadLettersTable(table string) StoreOption {
	return func(s *Store) {
		if table != "" {
			s.deadLettersTable = table
		}
	}
}

// NewStore constructs the queue store.
func NewStore(db *sql.DB, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, errors.New("downlink store: nil db")
	}
	s := &Store{
		db:               db,
		commandsTable:    defaultCommandsTable,
		statesTable:      defaultStatesTable,
		deadLettersTable: defaultDeadLettersTable,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

const commandColumns = `command_id, tenant_id, space_id, destination, device_type, gateway_id,
channel, payload, content_hash, desired_state, trigger_source, status, attempt,
next_attempt_at, created_at, updated_at, last_error`

// GetDestinationState loads the tracked state for a destination.
func (s *Store) GetDestinationState(ctx context.Context, destination string) (*downlink.DestinationState, error) {
	if destination == "" {
		return nil, errors.New("downlink store: empty destination")
	}
	query := fmt.Sprintf(`
SELECT destination, tenant_id, last_sent_hash, last_confirmed_hash, last_confirmed_at,
	last_ack_counter, mismatch_streak, suspect, updated_at
FROM %s
WHERE destination = $1
LIMIT 1`, s.statesTable)

	var (
		state       downlink.DestinationState
		sentHash    sql.NullString
		confirmed   sql.NullString
		confirmedAt sql.NullTime
	)
	if err := s.db.QueryRowContext(ctx, query, destination).Scan(
		&state.Destination,
		&state.TenantID,
		&sentHash,
		&confirmed,
		&confirmedAt,
		&state.LastAckCounter,
		&state.MismatchStreak,
		&state.Suspect,
		&state.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if sentHash.Valid {
		state.LastSentHash = sentHash.String
	}
	if confirmed.Valid {
		state.LastConfirmedHash = confirmed.String
	}
	if confirmedAt.Valid {
		state.LastConfirmedAt = confirmedAt.Time.UTC()
	}
	state.UpdatedAt = state.UpdatedAt.UTC()
	return &state, nil
}

// EnqueueReplacing inserts a command and removes any pending command for
// the same destination in one transaction. A pending command carrying
// the same content hash is kept instead: nothing is inserted and
// duplicate is true.
func (s *Store) EnqueueReplacing(ctx context.Context, cmd *downlink.Command) (replacedID string, duplicate bool, err error) {
	if cmd == nil {
		return "", false, errors.New("downlink store: nil command")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	var (
		pendingID   string
		pendingHash string
	)
	pendingQuery := fmt.Sprintf(`
SELECT command_id, content_hash
FROM %s
WHERE destination = $1 AND status = $2
LIMIT 1
FOR UPDATE`, s.commandsTable)
	err = tx.QueryRowContext(ctx, pendingQuery, cmd.Destination, downlink.StatusPending).
		Scan(&pendingID, &pendingHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", false, err
	}
	if pendingID != "" {
		if pendingHash == cmd.ContentHash {
			return "", true, tx.Commit()
		}
		deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE command_id = $1`, s.commandsTable)
		if _, err := tx.ExecContext(ctx, deleteQuery, pendingID); err != nil {
			return "", false, err
		}
		replacedID = pendingID
	}

	insertQuery := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		s.commandsTable, commandColumns)
	if _, err := tx.ExecContext(ctx, insertQuery,
		cmd.CommandID,
		cmd.TenantID,
		cmd.SpaceID,
		cmd.Destination,
		cmd.DeviceType,
		cmd.GatewayID,
		cmd.Channel,
		cmd.Payload,
		cmd.ContentHash,
		cmd.DesiredState,
		cmd.Trigger,
		cmd.Status,
		cmd.Attempt,
		cmd.NextAttemptAt,
		cmd.CreatedAt,
		cmd.UpdatedAt,
		cmd.LastError,
	); err != nil {
		return "", false, err
	}

	ensureState := fmt.Sprintf(`
INSERT INTO %s (destination, tenant_id, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (destination) DO NOTHING`, s.statesTable)
	if _, err := tx.ExecContext(ctx, ensureState, cmd.Destination, cmd.TenantID); err != nil {
		return "", false, err
	}

	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return replacedID, false, nil
}

// DequeueReady claims the oldest due pending command. Concurrent workers
// skip rows claimed by others.
func (s *Store) DequeueReady(ctx context.Context, now time.Time) (*downlink.Command, error) {
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, updated_at = $2
WHERE command_id = (
	SELECT command_id FROM %s
	WHERE status = $3 AND next_attempt_at <= $2
	ORDER BY next_attempt_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING %s`, s.commandsTable, s.commandsTable, commandColumns)

	row := s.db.QueryRowContext(ctx, query, downlink.StatusInFlight, now.UTC(), downlink.StatusPending)
	cmd, err := scanCommand(row)
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// MarkDelivered finalizes a command and records its hash as last sent for
// the destination.
func (s *Store) MarkDelivered(ctx context.Context, cmd *downlink.Command, at time.Time) error {
	if cmd == nil {
		return errors.New("downlink store: nil command")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	updateCmd := fmt.Sprintf(`
UPDATE %s
SET status = $1, updated_at = $2
WHERE command_id = $3`, s.commandsTable)
	if _, err := tx.ExecContext(ctx, updateCmd, downlink.StatusDelivered, at.UTC(), cmd.CommandID); err != nil {
		return err
	}

	updateState := fmt.Sprintf(`
INSERT INTO %s (destination, tenant_id, last_sent_hash, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (destination)
DO UPDATE SET last_sent_hash = EXCLUDED.last_sent_hash, updated_at = EXCLUDED.updated_at`, s.statesTable)
	if _, err := tx.ExecContext(ctx, updateState, cmd.Destination, cmd.TenantID, cmd.ContentHash, at.UTC()); err != nil {
		return err
	}

	return tx.Commit()
}

// Requeue moves an in-flight command back to pending.
func (s *Store) Requeue(ctx context.Context, commandID string, nextAttempt time.Time, lastError string, incrementAttempt bool) error {
	if commandID == "" {
		return errors.New("downlink store: empty command id")
	}
	attemptExpr := "attempt"
	if incrementAttempt {
		attemptExpr = "attempt + 1"
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1,
	attempt = %s,
	next_attempt_at = $2,
	last_error = CASE WHEN $3 <> '' THEN $3 ELSE last_error END,
	updated_at = NOW()
WHERE command_id = $4`, s.commandsTable, attemptExpr)
	_, err := s.db.ExecContext(ctx, query, downlink.StatusPending, nextAttempt.UTC(), lastError, commandID)
	return err
}

// DeadLetter moves a command to the dead letter table.
func (s *Store) DeadLetter(ctx context.Context, cmd *downlink.Command, reason string, at time.Time) error {
	if cmd == nil {
		return errors.New("downlink store: nil command")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE command_id = $1`, s.commandsTable)
	if _, err := tx.ExecContext(ctx, deleteQuery, cmd.CommandID); err != nil {
		return err
	}

	insertQuery := fmt.Sprintf(`
INSERT INTO %s (
	id, command_id, tenant_id, space_id, destination, device_type, channel,
	payload, content_hash, desired_state, trigger_source, attempt, reason, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`, s.deadLettersTable)
	if _, err := tx.ExecContext(ctx, insertQuery,
		"dlq-"+cmd.CommandID,
		cmd.CommandID,
		cmd.TenantID,
		cmd.SpaceID,
		cmd.Destination,
		cmd.DeviceType,
		cmd.Channel,
		cmd.Payload,
		cmd.ContentHash,
		cmd.DesiredState,
		cmd.Trigger,
		cmd.Attempt,
		reason,
		at.UTC(),
	); err != nil {
		return err
	}

	return tx.Commit()
}

// MarkConfirmed records a verified ack, clearing mismatch tracking.
func (s *Store) MarkConfirmed(ctx context.Context, destination, contentHash string, counter int64, at time.Time) error {
	if destination == "" {
		return errors.New("downlink store: empty destination")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET last_confirmed_hash = $2,
	last_confirmed_at = $3,
	last_ack_counter = $4,
	mismatch_streak = 0,
	suspect = FALSE,
	updated_at = $3
WHERE destination = $1`, s.statesTable)
	_, err := s.db.ExecContext(ctx, query, destination, contentHash, at.UTC(), counter)
	return err
}

// RecordMismatch increments the mismatch streak and flags the destination
// suspect at the threshold.
func (s *Store) RecordMismatch(ctx context.Context, destination string, threshold int, at time.Time) (int, error) {
	if destination == "" {
		return 0, errors.New("downlink store: empty destination")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET mismatch_streak = mismatch_streak + 1,
	suspect = (mismatch_streak + 1 >= $2),
	updated_at = $3
WHERE destination = $1
RETURNING mismatch_streak`, s.statesTable)

	var streak int
	err := s.db.QueryRowContext(ctx, query, destination, threshold, at.UTC()).Scan(&streak)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return streak, nil
}

// GetCommand loads a queued command by id.
func (s *Store) GetCommand(ctx context.Context, commandID string) (*downlink.Command, error) {
	if commandID == "" {
		return nil, errors.New("downlink store: empty command id")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE command_id = $1
LIMIT 1`, commandColumns, s.commandsTable)
	return scanCommand(s.db.QueryRowContext(ctx, query, commandID))
}

// ListDeadLetters returns dead letters for a tenant, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]downlink.DeadLetter, error) {
	query := fmt.Sprintf(`
SELECT id, command_id, tenant_id, space_id, destination, device_type, channel,
	payload, content_hash, desired_state, trigger_source, attempt, reason, created_at
FROM %s
WHERE ($1 = '' OR tenant_id = $1)
ORDER BY created_at DESC
LIMIT $2`, s.deadLettersTable)

	rows, err := s.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []downlink.DeadLetter
	for rows.Next() {
		letter, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, letter)
	}
	return letters, rows.Err()
}

// GetDeadLetter loads a dead letter by id.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*downlink.DeadLetter, error) {
	if id == "" {
		return nil, errors.New("downlink store: empty id")
	}
	query := fmt.Sprintf(`
SELECT id, command_id, tenant_id, space_id, destination, device_type, channel,
	payload, content_hash, desired_state, trigger_source, attempt, reason, created_at
FROM %s
WHERE id = $1
LIMIT 1`, s.deadLettersTable)
	letter, err := scanDeadLetter(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &letter, nil
}

// DeleteDeadLetter removes a dead letter.
func (s *Store) DeleteDeadLetter(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.deadLettersTable)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// Depths counts queued work by status.
func (s *Store) Depths(ctx context.Context) (downlink.QueueDepths, error) {
	var depths downlink.QueueDepths
	query := fmt.Sprintf(`
SELECT
	COUNT(*) FILTER (WHERE status = $1),
	COUNT(*) FILTER (WHERE status = $2)
FROM %s`, s.commandsTable)
	if err := s.db.QueryRowContext(ctx, query, downlink.StatusPending, downlink.StatusInFlight).Scan(&depths.Pending, &depths.InFlight); err != nil {
		return depths, err
	}

	dlqQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.deadLettersTable)
	if err := s.db.QueryRowContext(ctx, dlqQuery).Scan(&depths.DeadLetters); err != nil {
		return depths, err
	}

	suspectQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE suspect`, s.statesTable)
	if err := s.db.QueryRowContext(ctx, suspectQuery).Scan(&depths.Suspect); err != nil {
		return depths, err
	}
	return depths, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*downlink.Command, error) {
	var (
		cmd       downlink.Command
		lastError sql.NullString
	)
	if err := row.Scan(
		&cmd.CommandID,
		&cmd.TenantID,
		&cmd.SpaceID,
		&cmd.Destination,
		&cmd.DeviceType,
		&cmd.GatewayID,
		&cmd.Channel,
		&cmd.Payload,
		&cmd.ContentHash,
		&cmd.DesiredState,
		&cmd.Trigger,
		&cmd.Status,
		&cmd.Attempt,
		&cmd.NextAttemptAt,
		&cmd.CreatedAt,
		&cmd.UpdatedAt,
		&lastError,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lastError.Valid {
		cmd.LastError = lastError.String
	}
	cmd.NextAttemptAt = cmd.NextAttemptAt.UTC()
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	cmd.UpdatedAt = cmd.UpdatedAt.UTC()
	return &cmd, nil
}

func scanDeadLetter(row rowScanner) (downlink.DeadLetter, error) {
	var letter downlink.DeadLetter
	if err := row.Scan(
		&letter.ID,
		&letter.CommandID,
		&letter.TenantID,
		&letter.SpaceID,
		&letter.Destination,
		&letter.DeviceType,
		&letter.Channel,
		&letter.Payload,
		&letter.ContentHash,
		&letter.DesiredState,
		&letter.Trigger,
		&letter.Attempt,
		&letter.Reason,
		&letter.CreatedAt,
	); err != nil {
		return downlink.DeadLetter{}, err
	}
	letter.CreatedAt = letter.CreatedAt.UTC()
	return letter, nil
}
