package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	fleet "parkfleet-cloud/internal/fleet/domain"
)

const defaultSpacesTable = "spaces"

// DBTX is the subset of database/sql used by fleet repositories, satisfied
// by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SpaceRepository is a Postgres implementation for spaces.
type SpaceRepository struct {
	db    DBTX
	table string
}

// NewSpaceRepository constructs a repository.
func NewSpaceRepository(db DBTX, opts ...SpaceOption) *SpaceRepository {
	repo := &SpaceRepository{db: db, table: defaultSpacesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// SpaceOption configures the repository.
type SpaceOption func(*SpaceRepository)

// WithSpacesTable overrides the default table name.
func WithSpacesTable(table string) SpaceOption {
	return func(repo *SpaceRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

const spaceColumns = `id, tenant_id, name, zone_id, gateway_id,
sensor_destination, display_destination, sensor_device_type, display_device_type,
active, manual_override, created_at, updated_at`

// Get loads a space by id.
func (r *SpaceRepository) Get(ctx context.Context, id string) (*fleet.Space, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("space repo: nil db")
	}
	if id == "" {
		return nil, errors.New("space repo: empty id")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1
LIMIT 1`, spaceColumns, r.table)
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// ByDestination resolves the space a sensor or display destination belongs to.
func (r *SpaceRepository) ByDestination(ctx context.Context, destination string) (*fleet.Space, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("space repo: nil db")
	}
	if destination == "" {
		return nil, errors.New("space repo: empty destination")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE sensor_destination = $1 OR display_destination = $1
LIMIT 1`, spaceColumns, r.table)
	return r.scanOne(r.db.QueryRowContext(ctx, query, destination))
}

// ListActive returns active spaces for a tenant ordered by id.
func (r *SpaceRepository) ListActive(ctx context.Context, tenantID string) ([]fleet.Space, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("space repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE tenant_id = $1 AND active
ORDER BY id`, spaceColumns, r.table)

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spaces []fleet.Space
	for rows.Next() {
		space, err := scanSpace(rows)
		if err != nil {
			return nil, err
		}
		spaces = append(spaces, space)
	}
	return spaces, rows.Err()
}

// Save upserts a space.
func (r *SpaceRepository) Save(ctx context.Context, space *fleet.Space) error {
	if r == nil || r.db == nil {
		return errors.New("space repo: nil db")
	}
	if space == nil {
		return errors.New("space repo: nil space")
	}
	if err := space.Validate(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	tenant_id,
	name,
	zone_id,
	gateway_id,
	sensor_destination,
	display_destination,
	sensor_device_type,
	display_device_type,
	active,
	manual_override
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
)
ON CONFLICT (id)
DO UPDATE SET
	tenant_id = EXCLUDED.tenant_id,
	name = EXCLUDED.name,
	zone_id = EXCLUDED.zone_id,
	gateway_id = EXCLUDED.gateway_id,
	sensor_destination = EXCLUDED.sensor_destination,
	display_destination = EXCLUDED.display_destination,
	sensor_device_type = EXCLUDED.sensor_device_type,
	display_device_type = EXCLUDED.display_device_type,
	active = EXCLUDED.active,
	manual_override = EXCLUDED.manual_override,
	updated_at = NOW()`, r.table)

	_, err := r.db.ExecContext(
		ctx,
		query,
		space.ID,
		space.TenantID,
		space.Name,
		space.ZoneID,
		space.GatewayID,
		space.SensorDestination,
		space.DisplayDestination,
		space.SensorDeviceType,
		space.DisplayDeviceType,
		space.Active,
		space.ManualOverride,
	)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if space.CreatedAt.IsZero() {
		space.CreatedAt = now
	}
	space.UpdatedAt = now
	return nil
}

// SetManualOverride updates the manual override state. Empty clears it.
func (r *SpaceRepository) SetManualOverride(ctx context.Context, id, override string) error {
	if r == nil || r.db == nil {
		return errors.New("space repo: nil db")
	}
	if id == "" {
		return errors.New("space repo: empty id")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET manual_override = $2, updated_at = NOW()
WHERE id = $1`, r.table)
	res, err := r.db.ExecContext(ctx, query, id, override)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("space repo: space %s not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SpaceRepository) scanOne(row *sql.Row) (*fleet.Space, error) {
	space, err := scanSpace(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &space, nil
}

func scanSpace(row rowScanner) (fleet.Space, error) {
	var (
		space    fleet.Space
		override sql.NullString
	)
	if err := row.Scan(
		&space.ID,
		&space.TenantID,
		&space.Name,
		&space.ZoneID,
		&space.GatewayID,
		&space.SensorDestination,
		&space.DisplayDestination,
		&space.SensorDeviceType,
		&space.DisplayDeviceType,
		&space.Active,
		&override,
		&space.CreatedAt,
		&space.UpdatedAt,
	); err != nil {
		return fleet.Space{}, err
	}
	if override.Valid {
		space.ManualOverride = override.String
	}
	space.CreatedAt = space.CreatedAt.UTC()
	space.UpdatedAt = space.UpdatedAt.UTC()
	return space, nil
}
