package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	occupancy "parkfleet-cloud/internal/occupancy/domain"
)

const defaultOccupancyTable = "space_occupancy"

// Repository persists occupancy records in Postgres.
type Repository struct {
	db    *sql.DB
	table string
}

// RepositoryOption configures the repository.
type RepositoryOption func(*Repository)

// WithOccupancyTable overrides the table name.
func WithOccupancyTable(table string) RepositoryOption {
	return func(r *Repository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewRepository constructs the repository.
func NewRepository(db *sql.DB, opts ...RepositoryOption) (*Repository, error) {
	if db == nil {
		return nil, errors.New("occupancy repo: nil db")
	}
	r := &Repository{db: db, table: defaultOccupancyTable}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Get loads the occupancy record for a space.
func (r *Repository) Get(ctx context.Context, spaceID string) (*occupancy.Record, error) {
	if spaceID == "" {
		return nil, errors.New("occupancy repo: empty space id")
	}
	query := fmt.Sprintf(`
SELECT space_id, tenant_id, state, reason, sensor_occupied, sensor_known,
	battery_mv, confidence, observed_at, updated_at
FROM %s
WHERE space_id = $1
LIMIT 1`, r.table)

	var (
		record     occupancy.Record
		observedAt sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, query, spaceID).Scan(
		&record.SpaceID,
		&record.TenantID,
		&record.State,
		&record.Reason,
		&record.SensorOccupied,
		&record.SensorKnown,
		&record.BatteryMV,
		&record.Confidence,
		&observedAt,
		&record.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if observedAt.Valid {
		record.ObservedAt = observedAt.Time.UTC()
	}
	record.UpdatedAt = record.UpdatedAt.UTC()
	return &record, nil
}

// Upsert writes an occupancy record.
func (r *Repository) Upsert(ctx context.Context, record *occupancy.Record) error {
	if record == nil {
		return errors.New("occupancy repo: nil record")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	space_id, tenant_id, state, reason, sensor_occupied, sensor_known,
	battery_mv, confidence, observed_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (space_id)
DO UPDATE SET
	tenant_id = EXCLUDED.tenant_id,
	state = EXCLUDED.state,
	reason = EXCLUDED.reason,
	sensor_occupied = EXCLUDED.sensor_occupied,
	sensor_known = EXCLUDED.sensor_known,
	battery_mv = EXCLUDED.battery_mv,
	confidence = EXCLUDED.confidence,
	observed_at = EXCLUDED.observed_at,
	updated_at = EXCLUDED.updated_at`, r.table)

	_, err := r.db.ExecContext(ctx, query,
		record.SpaceID,
		record.TenantID,
		record.State,
		record.Reason,
		record.SensorOccupied,
		record.SensorKnown,
		record.BatteryMV,
		record.Confidence,
		record.ObservedAt.UTC(),
		record.UpdatedAt.UTC(),
	)
	return err
}
