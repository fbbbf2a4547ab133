package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	reconcile "parkfleet-cloud/internal/reconcile/domain"
)

const defaultReportsTable = "reconcile_reports"

// ReportRepository persists sweep reports in Postgres.
type ReportRepository struct {
	db    *sql.DB
	table string
}

// ReportOption configures the repository.
type ReportOption func(*ReportRepository)

// WithReportsTable overrides the reports table name.
func WithReportsTable(table string) ReportOption {
	return func(r *ReportRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewReportRepository constructs the repository.
func NewReportRepository(db *sql.DB, opts ...ReportOption) (*ReportRepository, error) {
	if db == nil {
		return nil, errors.New("reconcile repo: nil db")
	}
	r := &ReportRepository{db: db, table: defaultReportsTable}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Save inserts a sweep report.
func (r *ReportRepository) Save(ctx context.Context, report *reconcile.Report) error {
	if report == nil {
		return errors.New("reconcile repo: nil report")
	}
	findings, err := json.Marshal(report.Findings)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, tenant_id, started_at, finished_at, spaces_checked,
	in_sync, corrective, polls, errors, findings
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING`, r.table)

	_, err = r.db.ExecContext(ctx, query,
		report.ID,
		report.TenantID,
		report.StartedAt.UTC(),
		report.FinishedAt.UTC(),
		report.SpacesChecked,
		report.InSync,
		report.Corrective,
		report.Polls,
		report.Errors,
		findings,
	)
	return err
}

// Latest returns the most recent report for a tenant.
func (r *ReportRepository) Latest(ctx context.Context, tenantID string) (*reconcile.Report, error) {
	query := fmt.Sprintf(`
SELECT id, tenant_id, started_at, finished_at, spaces_checked,
	in_sync, corrective, polls, errors, findings
FROM %s
WHERE tenant_id = $1
ORDER BY started_at DESC
LIMIT 1`, r.table)
	return r.scanOne(r.db.QueryRowContext(ctx, query, tenantID))
}

// Get loads a report by id.
func (r *ReportRepository) Get(ctx context.Context, id string) (*reconcile.Report, error) {
	query := fmt.Sprintf(`
SELECT id, tenant_id, started_at, finished_at, spaces_checked,
	in_sync, corrective, polls, errors, findings
FROM %s
WHERE id = $1
LIMIT 1`, r.table)
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *ReportRepository) scanOne(row *sql.Row) (*reconcile.Report, error) {
	var (
		report   reconcile.Report
		findings []byte
	)
	if err := row.Scan(
		&report.ID,
		&report.TenantID,
		&report.StartedAt,
		&report.FinishedAt,
		&report.SpacesChecked,
		&report.InSync,
		&report.Corrective,
		&report.Polls,
		&report.Errors,
		&findings,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(findings) > 0 {
		if err := json.Unmarshal(findings, &report.Findings); err != nil {
			return nil, err
		}
	}
	report.StartedAt = report.StartedAt.UTC()
	report.FinishedAt = report.FinishedAt.UTC()
	return &report, nil
}
