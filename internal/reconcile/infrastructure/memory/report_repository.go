package memory

import (
	"context"
	"sync"

	reconcile "parkfleet-cloud/internal/reconcile/domain"
)

// ReportRepository is an in-memory report store used in tests.
type ReportRepository struct {
	mu      sync.Mutex
	reports []reconcile.Report
}

// NewReportRepository constructs an empty store.
func NewReportRepository() *ReportRepository {
	return &ReportRepository{}
}

func (r *ReportRepository) Save(ctx context.Context, report *reconcile.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, *report)
	return nil
}

func (r *ReportRepository) Latest(ctx context.Context, tenantID string) (*reconcile.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.reports) - 1; i >= 0; i-- {
		if r.reports[i].TenantID == tenantID {
			copied := r.reports[i]
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *ReportRepository) Get(ctx context.Context, id string) (*reconcile.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.reports {
		if r.reports[i].ID == id {
			copied := r.reports[i]
			return &copied, nil
		}
	}
	return nil, nil
}
