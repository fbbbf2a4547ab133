package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"parkfleet-cloud/internal/verification"
)

const defaultExpectationsTable = "ack_expectations"

// Store persists ack expectations in Postgres.
type Store struct {
	db    *sql.DB
	table string
}

// StoreOption configures the store.
type StoreOption func(*Store)

// WithExpectationsTable overrides the expectations table name.
func WithExpectationsTable(table string) StoreOption {
	return func(s *Store) {
		if table != "" {
			s.table = table
		}
	}
}

// NewStore constructs the expectation store.
func NewStore(db *sql.DB, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, errors.New("verification store: nil db")
	}
	s := &Store{db: db, table: defaultExpectationsTable}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Put upserts the expectation for a destination. A newer delivery always
// replaces the previous expectation.
func (s *Store) Put(ctx context.Context, exp verification.Expectation) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	destination, command_id, tenant_id, space_id, expected_signature,
	content_hash, prior_counter, created_at, expires_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (destination)
DO UPDATE SET
	command_id = EXCLUDED.command_id,
	tenant_id = EXCLUDED.tenant_id,
	space_id = EXCLUDED.space_id,
	expected_signature = EXCLUDED.expected_signature,
	content_hash = EXCLUDED.content_hash,
	prior_counter = EXCLUDED.prior_counter,
	created_at = EXCLUDED.created_at,
	expires_at = EXCLUDED.expires_at`, s.table)

	_, err := s.db.ExecContext(ctx, query,
		exp.Destination,
		exp.CommandID,
		exp.TenantID,
		exp.SpaceID,
		exp.ExpectedSignature,
		exp.ContentHash,
		exp.PriorCounter,
		exp.CreatedAt.UTC(),
		exp.ExpiresAt.UTC(),
	)
	return err
}

// GetByDestination loads the outstanding expectation, if any.
func (s *Store) GetByDestination(ctx context.Context, destination string) (*verification.Expectation, error) {
	query := fmt.Sprintf(`
SELECT destination, command_id, tenant_id, space_id, expected_signature,
	content_hash, prior_counter, created_at, expires_at
FROM %s
WHERE destination = $1
LIMIT 1`, s.table)

	var exp verification.Expectation
	if err := s.db.QueryRowContext(ctx, query, destination).Scan(
		&exp.Destination,
		&exp.CommandID,
		&exp.TenantID,
		&exp.SpaceID,
		&exp.ExpectedSignature,
		&exp.ContentHash,
		&exp.PriorCounter,
		&exp.CreatedAt,
		&exp.ExpiresAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	exp.CreatedAt = exp.CreatedAt.UTC()
	exp.ExpiresAt = exp.ExpiresAt.UTC()
	return &exp, nil
}

// Delete removes the expectation for a destination.
func (s *Store) Delete(ctx context.Context, destination string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE destination = $1`, s.table)
	_, err := s.db.ExecContext(ctx, query, destination)
	return err
}

// DeleteExpired removes expectations past their deadline.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at < $1`, s.table)
	result, err := s.db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, err
	}
	count, _ := result.RowsAffected()
	return int(count), nil
}
