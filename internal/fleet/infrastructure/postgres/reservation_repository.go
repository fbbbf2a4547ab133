package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	fleet "parkfleet-cloud/internal/fleet/domain"
)

const defaultReservationsTable = "reservations"

// ReservationRepository is a Postgres implementation for reservations.
type ReservationRepository struct {
	db    DBTX
	table string
}

// NewReservationRepository constructs a repository.
func NewReservationRepository(db DBTX, opts ...ReservationOption) *ReservationRepository {
	repo := &ReservationRepository{db: db, table: defaultReservationsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// ReservationOption configures the repository.
type ReservationOption func(*ReservationRepository)

// WithReservationsTable overrides the default table name.
func WithReservationsTable(table string) ReservationOption {
	return func(repo *ReservationRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// ActiveForSpace returns the reservation covering the given instant, if any.
func (r *ReservationRepository) ActiveForSpace(ctx context.Context, spaceID string, at time.Time) (*fleet.Reservation, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reservation repo: nil db")
	}
	if spaceID == "" {
		return nil, errors.New("reservation repo: empty space id")
	}
	query := fmt.Sprintf(`
SELECT id, space_id, tenant_id, starts_at, ends_at, canceled
FROM %s
WHERE space_id = $1
  AND NOT canceled
  AND starts_at <= $2
  AND ends_at > $2
ORDER BY starts_at
LIMIT 1`, r.table)

	var res fleet.Reservation
	if err := r.db.QueryRowContext(ctx, query, spaceID, at.UTC()).Scan(
		&res.ID,
		&res.SpaceID,
		&res.TenantID,
		&res.StartsAt,
		&res.EndsAt,
		&res.Canceled,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	res.StartsAt = res.StartsAt.UTC()
	res.EndsAt = res.EndsAt.UTC()
	return &res, nil
}

// Save upserts a reservation.
func (r *ReservationRepository) Save(ctx context.Context, reservation *fleet.Reservation) error {
	if r == nil || r.db == nil {
		return errors.New("reservation repo: nil db")
	}
	if reservation == nil {
		return errors.New("reservation repo: nil reservation")
	}
	if reservation.ID == "" || reservation.SpaceID == "" {
		return errors.New("reservation repo: empty id or space id")
	}
	if !reservation.EndsAt.After(reservation.StartsAt) {
		return errors.New("reservation repo: ends_at must follow starts_at")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, space_id, tenant_id, starts_at, ends_at, canceled)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id)
DO UPDATE SET
	starts_at = EXCLUDED.starts_at,
	ends_at = EXCLUDED.ends_at,
	canceled = EXCLUDED.canceled`, r.table)

	_, err := r.db.ExecContext(
		ctx,
		query,
		reservation.ID,
		reservation.SpaceID,
		reservation.TenantID,
		reservation.StartsAt.UTC(),
		reservation.EndsAt.UTC(),
		reservation.Canceled,
	)
	return err
}
