package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"parkfleet-cloud/internal/ratelimit"
)

const defaultBucketsTable = "rate_limit_buckets"

// Store persists token buckets in Postgres. Each Consume runs in a
// transaction with the bucket row locked, so concurrent senders never
// overspend a bucket.
type Store struct {
	db    *sql.DB
	table string
}

// StoreOption configures the store.
type StoreOption func(*Store)

// WithBucketsTable overrides the buckets table name.
func WithBucketsTable(table string) StoreOption {
	return func(s *Store) {
		if table != "" {
			s.table = table
		}
	}
}

// NewStore constructs the bucket store.
func NewStore(db *sql.DB, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, errors.New("ratelimit store: nil db")
	}
	s := &Store{db: db, table: defaultBucketsTable}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Consume loads the bucket under a row lock, applies the mutation and
// writes it back.
func (s *Store) Consume(ctx context.Context, key string, capacity int, now time.Time, apply func(ratelimit.Bucket) (ratelimit.Bucket, bool)) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ensure := fmt.Sprintf(`
INSERT INTO %s (bucket_key, tokens, capacity, refilled_at)
VALUES ($1, $2, $3, NULL)
ON CONFLICT (bucket_key) DO NOTHING`, s.table)
	if _, err := tx.ExecContext(ctx, ensure, key, float64(capacity), capacity); err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
SELECT tokens, capacity, refilled_at
FROM %s
WHERE bucket_key = $1
FOR UPDATE`, s.table)

	var (
		bucket     ratelimit.Bucket
		refilledAt sql.NullTime
	)
	bucket.Key = key
	if err := tx.QueryRowContext(ctx, query, key).Scan(&bucket.Tokens, &bucket.Capacity, &refilledAt); err != nil {
		return false, err
	}
	if refilledAt.Valid {
		bucket.RefilledAt = refilledAt.Time.UTC()
	}

	updated, allowed := apply(bucket)

	update := fmt.Sprintf(`
UPDATE %s
SET tokens = $2, capacity = $3, refilled_at = $4
WHERE bucket_key = $1`, s.table)
	if _, err := tx.ExecContext(ctx, update, key, updated.Tokens, updated.Capacity, updated.RefilledAt.UTC()); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return allowed, nil
}
