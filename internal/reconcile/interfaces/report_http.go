package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"parkfleet-cloud/internal/audit"
	"parkfleet-cloud/internal/auth"
	reconcileapp "parkfleet-cloud/internal/reconcile/application"
	reconcile "parkfleet-cloud/internal/reconcile/domain"
)

// Runner triggers an out-of-schedule sweep.
type Runner interface {
	RunOnce(ctx context.Context, tenantID string) (*reconcile.Report, error)
}

// ReportHandler serves sweep reports under /api/v1/reconcile.
type ReportHandler struct {
	runner      Runner
	reports     reconcileapp.ReportRepository
	auditLogger audit.Logger
}

// NewReportHandler constructs a handler.
func NewReportHandler(runner Runner, reports reconcileapp.ReportRepository, auditLogger audit.Logger) (*ReportHandler, error) {
	if runner == nil {
		return nil, errors.New("report handler: nil runner")
	}
	if reports == nil {
		return nil, errors.New("report handler: nil report repository")
	}
	return &ReportHandler{runner: runner, reports: reports, auditLogger: auditLogger}, nil
}

// ServeHTTP handles reconcile routes.
func (h *ReportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/api/v1/reconcile/run" && r.Method == http.MethodPost {
		h.handleRun(w, r)
		return
	}
	if path == "/api/v1/reconcile/reports/latest" && r.Method == http.MethodGet {
		h.handleLatest(w, r)
		return
	}
	if strings.HasPrefix(path, "/api/v1/reconcile/reports/") && r.Method == http.MethodGet {
		rest := strings.TrimPrefix(path, "/api/v1/reconcile/reports/")
		h.handleByID(w, r, rest)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (h *ReportHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	tenantID, err := resolveTenant(r, req.TenantID)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if tenantID == "" {
		http.Error(w, "tenant_id required", http.StatusBadRequest)
		return
	}
	report, err := h.runner.RunOnce(r.Context(), tenantID)
	if err != nil {
		http.Error(w, "sweep error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
	h.logAudit(r, tenantID, report.ID, "reconcile.run", map[string]any{
		"spaces_checked": report.SpacesChecked,
		"corrective":     report.Corrective,
		"polls":          report.Polls,
	})
}

func (h *ReportHandler) handleLatest(w http.ResponseWriter, r *http.Request) {
	tenantID, err := resolveTenant(r, r.URL.Query().Get("tenant_id"))
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if tenantID == "" {
		http.Error(w, "tenant_id required", http.StatusBadRequest)
		return
	}
	report, err := h.reports.Latest(r.Context(), tenantID)
	if err != nil {
		http.Error(w, "report lookup error", http.StatusInternalServerError)
		return
	}
	if report == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func (h *ReportHandler) handleByID(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	report, err := h.loadScoped(r, id)
	if err != nil {
		respondReportError(w, err)
		return
	}
	if len(parts) == 1 {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
		return
	}
	if len(parts) == 2 && parts[1] == "export.pdf" {
		data, err := BuildReportPDF(report)
		if err != nil {
			http.Error(w, "export pdf error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		h.logAudit(r, report.TenantID, report.ID, "reconcile.export", map[string]any{"format": "pdf"})
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

var errReportNotFound = errors.New("report not found")

func (h *ReportHandler) loadScoped(r *http.Request, id string) (*reconcile.Report, error) {
	report, err := h.reports.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, errReportNotFound
	}
	tenantID := auth.TenantIDFromContext(r.Context())
	if tenantID != "" && report.TenantID != tenantID {
		return nil, auth.ErrTenantMismatch
	}
	return report, nil
}

// resolveTenant reconciles the requested tenant with the caller's tenant
// claim. A caller without a tenant claim may address any tenant.
func resolveTenant(r *http.Request, requested string) (string, error) {
	claimed := auth.TenantIDFromContext(r.Context())
	if claimed == "" {
		return requested, nil
	}
	if requested != "" && requested != claimed {
		return "", auth.ErrTenantMismatch
	}
	return claimed, nil
}

func respondReportError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errReportNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, auth.ErrTenantMismatch):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		http.Error(w, "report lookup error", http.StatusInternalServerError)
	}
}

func (h *ReportHandler) logAudit(r *http.Request, tenantID, reportID, action string, meta map[string]any) {
	if h.auditLogger == nil {
		return
	}
	payload, _ := json.Marshal(meta)
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		TenantID:     tenantID,
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "reconcile_report",
		ResourceID:   reportID,
		Metadata:     payload,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
}
