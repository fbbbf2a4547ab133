package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"parkfleet-cloud/internal/audit"
	"parkfleet-cloud/internal/auth"
	fleet "parkfleet-cloud/internal/fleet/domain"
	occupancyapp "parkfleet-cloud/internal/occupancy/application"
	occupancy "parkfleet-cloud/internal/occupancy/domain"
)

// SpaceLister lists spaces for the tenant-scoped index route.
type SpaceLister interface {
	Space(ctx context.Context, id string) (*fleet.Space, error)
	ActiveSpaces(ctx context.Context, tenantID string) ([]fleet.Space, error)
}

// SpaceHandler serves space state and override APIs.
type SpaceHandler struct {
	service *occupancyapp.Service
	spaces  SpaceLister
}

// NewSpaceHandler constructs a handler.
func NewSpaceHandler(service *occupancyapp.Service, spaces SpaceLister) (*SpaceHandler, error) {
	if service == nil {
		return nil, errors.New("space handler: nil service")
	}
	if spaces == nil {
		return nil, errors.New("space handler: nil space lister")
	}
	return &SpaceHandler{service: service, spaces: spaces}, nil
}

// ServeHTTP handles routes under /api/v1/spaces.
func (h *SpaceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/api/v1/spaces" && r.Method == http.MethodGet {
		h.handleList(w, r)
		return
	}
	if strings.HasPrefix(path, "/api/v1/spaces/") {
		rest := strings.TrimPrefix(path, "/api/v1/spaces/")
		parts := strings.Split(rest, "/")
		id := parts[0]
		if id == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if len(parts) == 1 && r.Method == http.MethodGet {
			h.handleGet(w, r, id)
			return
		}
		if len(parts) == 2 && parts[1] == "override" && r.Method == http.MethodPost {
			h.handleOverride(w, r, id)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func (h *SpaceHandler) handleList(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.TenantIDFromContext(r.Context())
	if tenantID == "" {
		tenantID = r.URL.Query().Get("tenant_id")
	}
	if tenantID == "" {
		http.Error(w, "tenant_id required", http.StatusBadRequest)
		return
	}
	spaces, err := h.spaces.ActiveSpaces(r.Context(), tenantID)
	if err != nil {
		http.Error(w, "space list error", http.StatusInternalServerError)
		return
	}
	resp := make([]map[string]any, 0, len(spaces))
	for i := range spaces {
		resp = append(resp, spaceResponse(&spaces[i], nil))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *SpaceHandler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	space, err := h.spaces.Space(r.Context(), id)
	if err != nil {
		http.Error(w, "space lookup error", http.StatusInternalServerError)
		return
	}
	if space == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	tenantID := auth.TenantIDFromContext(r.Context())
	if tenantID != "" && space.TenantID != tenantID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	record, err := h.service.Record(r.Context(), id)
	if err != nil {
		http.Error(w, "occupancy lookup error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(spaceResponse(space, record))
}

func (h *SpaceHandler) handleOverride(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Override string `json:"override"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	err := h.service.ApplyOverride(r.Context(), occupancyapp.OverrideRequest{
		SpaceID:   id,
		Override:  req.Override,
		Actor:     auth.SubjectFromContext(r.Context()),
		Role:      string(auth.RoleFromContext(r.Context())),
		IP:        audit.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		respondOverrideError(w, err)
		return
	}
	record, err := h.service.Record(r.Context(), id)
	if err != nil {
		http.Error(w, "occupancy lookup error", http.StatusInternalServerError)
		return
	}
	resp := map[string]any{
		"space_id": id,
		"override": req.Override,
	}
	if record != nil {
		resp["state"] = record.State
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func respondOverrideError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, auth.ErrTenantMismatch):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		http.Error(w, "override error", http.StatusUnprocessableEntity)
	}
}

func spaceResponse(space *fleet.Space, record *occupancy.Record) map[string]any {
	resp := map[string]any{
		"id":                  space.ID,
		"tenant_id":           space.TenantID,
		"name":                space.Name,
		"zone_id":             space.ZoneID,
		"gateway_id":          space.GatewayID,
		"sensor_destination":  space.SensorDestination,
		"display_destination": space.DisplayDestination,
		"active":              space.Active,
		"manual_override":     space.ManualOverride,
	}
	if record != nil {
		resp["state"] = record.State
		resp["reason"] = record.Reason
		resp["sensor_occupied"] = record.SensorOccupied
		resp["battery_mv"] = record.BatteryMV
		resp["confidence"] = record.Confidence
		if !record.ObservedAt.IsZero() {
			resp["observed_at"] = record.ObservedAt.Format(time.RFC3339)
		}
	}
	return resp
}
