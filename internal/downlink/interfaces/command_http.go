package interfaces

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"parkfleet-cloud/internal/audit"
	"parkfleet-cloud/internal/auth"
	"parkfleet-cloud/internal/devices"
	queueapp "parkfleet-cloud/internal/downlink/application"
	downlink "parkfleet-cloud/internal/downlink/domain"
	fleet "parkfleet-cloud/internal/fleet/domain"
	"parkfleet-cloud/internal/nsadapter"
)

// SpaceResolver resolves spaces for space-addressed commands.
type SpaceResolver interface {
	Space(ctx context.Context, id string) (*fleet.Space, error)
}

// CapacityChecker reports network-server gateway health so the enqueue
// endpoint can reject commands that have no path to a device.
type CapacityChecker interface {
	QueryHealth(ctx context.Context, gatewayGroup string) (nsadapter.GatewayHealth, error)
}

// CommandHandler serves downlink queue APIs.
type CommandHandler struct {
	queue        *queueapp.Queue
	spaces       SpaceResolver
	codecs       *devices.Registry
	capacity     CapacityChecker
	spaceChecker auth.SpaceTenantChecker
	auditLogger  audit.Logger
}

// NewCommandHandler constructs a handler. capacity may be nil, which
// disables the enqueue preflight.
func NewCommandHandler(queue *queueapp.Queue, spaces SpaceResolver, codecs *devices.Registry, capacity CapacityChecker, spaceChecker auth.SpaceTenantChecker, auditLogger audit.Logger) (*CommandHandler, error) {
	if queue == nil {
		return nil, errors.New("command handler: nil queue")
	}
	if spaces == nil {
		return nil, errors.New("command handler: nil space resolver")
	}
	if codecs == nil {
		return nil, errors.New("command handler: nil codec registry")
	}
	return &CommandHandler{
		queue:        queue,
		spaces:       spaces,
		codecs:       codecs,
		capacity:     capacity,
		spaceChecker: spaceChecker,
		auditLogger:  auditLogger,
	}, nil
}

// ServeHTTP routes downlink queue requests.
func (h *CommandHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/api/v1/downlink/commands" && r.Method == http.MethodPost:
		h.handleEnqueue(w, r)
	case strings.HasPrefix(path, "/api/v1/downlink/commands/") && r.Method == http.MethodGet:
		h.handleGet(w, r, strings.TrimPrefix(path, "/api/v1/downlink/commands/"))
	case path == "/api/v1/queue/status" && r.Method == http.MethodGet:
		h.handleStatus(w, r)
	case path == "/api/v1/deadletters" && r.Method == http.MethodGet:
		h.handleDeadLetters(w, r)
	case path == "/api/v1/deadletters/export.xlsx" && r.Method == http.MethodGet:
		h.handleExport(w, r, "xlsx")
	case path == "/api/v1/deadletters/export.csv" && r.Method == http.MethodGet:
		h.handleExport(w, r, "csv")
	case strings.HasPrefix(path, "/api/v1/deadletters/") && r.Method == http.MethodPost:
		h.handleRequeue(w, r, strings.TrimPrefix(path, "/api/v1/deadletters/"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type enqueueRequest struct {
	SpaceID      string `json:"space_id"`
	DesiredState string `json:"desired_state"`
	Destination  string `json:"destination"`
	DeviceType   string `json:"device_type"`
	GatewayID    string `json:"gateway_id"`
	Channel      int    `json:"channel"`
	Payload      string `json:"payload"`
}

// handleEnqueue accepts either a space-addressed command, where the
// display codec encodes the desired state, or a raw destination-addressed
// frame with a base64 payload.
func (h *CommandHandler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	var enqueue queueapp.EnqueueRequest
	switch {
	case req.SpaceID != "" && req.DesiredState != "":
		if h.spaceChecker != nil {
			tenantID := auth.TenantIDFromContext(r.Context())
			if err := h.spaceChecker.EnsureSpaceTenant(r.Context(), tenantID, req.SpaceID); err != nil {
				respondQueueError(w, err)
				return
			}
		}
		space, err := h.spaces.Space(r.Context(), req.SpaceID)
		if err != nil {
			http.Error(w, "space lookup error", http.StatusInternalServerError)
			return
		}
		if space == nil {
			http.Error(w, "unknown space", http.StatusNotFound)
			return
		}
		if space.DisplayDestination == "" {
			http.Error(w, "space has no display", http.StatusUnprocessableEntity)
			return
		}
		codec, err := h.codecs.Lookup(space.DisplayDeviceType)
		if err != nil {
			http.Error(w, "unknown device type", http.StatusUnprocessableEntity)
			return
		}
		payload, channel, err := codec.ExpectedPayload(req.DesiredState)
		if err != nil {
			http.Error(w, "invalid desired state", http.StatusUnprocessableEntity)
			return
		}
		enqueue = queueapp.EnqueueRequest{
			TenantID:     space.TenantID,
			SpaceID:      space.ID,
			Destination:  space.DisplayDestination,
			DeviceType:   space.DisplayDeviceType,
			GatewayID:    space.GatewayID,
			Channel:      channel,
			Payload:      payload,
			DesiredState: req.DesiredState,
			Trigger:      downlink.TriggerManual,
		}
	case req.Destination != "":
		payload, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil || len(payload) == 0 {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		enqueue = queueapp.EnqueueRequest{
			Destination: req.Destination,
			DeviceType:  req.DeviceType,
			GatewayID:   req.GatewayID,
			Channel:     req.Channel,
			Payload:     payload,
			Trigger:     downlink.TriggerManual,
		}
	default:
		http.Error(w, "space_id+desired_state or destination+payload required", http.StatusBadRequest)
		return
	}

	if !h.gatewayReachable(r.Context(), enqueue.GatewayID) {
		http.Error(w, "no online gateways for destination", http.StatusServiceUnavailable)
		return
	}

	cmd, err := h.queue.Enqueue(r.Context(), enqueue)
	if err != nil {
		respondQueueError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if cmd == nil {
		// Content already sent or pending: nothing new to deliver.
		_ = json.NewEncoder(w).Encode(map[string]any{"deduplicated": true})
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(commandResponse(cmd))
	h.logAudit(r, cmd, "downlink.enqueue", map[string]any{
		"trigger":       cmd.Trigger,
		"desired_state": cmd.DesiredState,
	})
}

// gatewayReachable preflights network-server capacity. A failed probe
// does not block the enqueue; the delivery worker re-checks per drain.
func (h *CommandHandler) gatewayReachable(ctx context.Context, gatewayID string) bool {
	if h.capacity == nil {
		return true
	}
	health, err := h.capacity.QueryHealth(ctx, gatewayID)
	if err != nil {
		return true
	}
	return health.OnlineCount > 0
}

func (h *CommandHandler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	cmd, err := h.queue.Command(r.Context(), id)
	if err != nil {
		http.Error(w, "command lookup error", http.StatusInternalServerError)
		return
	}
	if cmd == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	tenantID := auth.TenantIDFromContext(r.Context())
	if tenantID != "" && cmd.TenantID != tenantID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(commandResponse(cmd))
}

func (h *CommandHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	health, err := h.queue.Snapshot(r.Context())
	if err != nil {
		http.Error(w, "queue status error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

func (h *CommandHandler) listDeadLetters(r *http.Request) ([]downlink.DeadLetter, error) {
	tenantID := auth.TenantIDFromContext(r.Context())
	if tenantID == "" {
		tenantID = r.URL.Query().Get("tenant_id")
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return nil, errors.New("invalid limit")
		}
		limit = parsed
	}
	return h.queue.ListDeadLetters(r.Context(), tenantID, limit)
}

func (h *CommandHandler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := h.listDeadLetters(r)
	if err != nil {
		http.Error(w, "dead letter list error", http.StatusInternalServerError)
		return
	}
	resp := make([]map[string]any, 0, len(letters))
	for i := range letters {
		resp = append(resp, deadLetterResponse(&letters[i]))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *CommandHandler) handleExport(w http.ResponseWriter, r *http.Request, format string) {
	letters, err := h.listDeadLetters(r)
	if err != nil {
		http.Error(w, "dead letter list error", http.StatusInternalServerError)
		return
	}
	var data []byte
	contentType := ""
	switch format {
	case "xlsx":
		data, err = BuildDeadLetterXLSX(letters)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "csv":
		data, err = BuildDeadLetterCSV(letters)
		contentType = "text/csv"
	}
	if err != nil {
		http.Error(w, "export error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *CommandHandler) handleRequeue(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	cmd, err := h.queue.RequeueDeadLetter(r.Context(), id)
	if err != nil {
		respondQueueError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(commandResponse(cmd))
	h.logAudit(r, cmd, "deadletter.requeue", map[string]any{"dead_letter_id": id})
}

func commandResponse(cmd *downlink.Command) map[string]any {
	return map[string]any{
		"command_id":      cmd.CommandID,
		"tenant_id":       cmd.TenantID,
		"space_id":        cmd.SpaceID,
		"destination":     cmd.Destination,
		"device_type":     cmd.DeviceType,
		"gateway_id":      cmd.GatewayID,
		"channel":         cmd.Channel,
		"content_hash":    cmd.ContentHash,
		"desired_state":   cmd.DesiredState,
		"trigger":         cmd.Trigger,
		"status":          cmd.Status,
		"attempt":         cmd.Attempt,
		"next_attempt_at": cmd.NextAttemptAt.Format(time.RFC3339),
		"last_error":      cmd.LastError,
	}
}

func deadLetterResponse(letter *downlink.DeadLetter) map[string]any {
	return map[string]any{
		"id":            letter.ID,
		"command_id":    letter.CommandID,
		"tenant_id":     letter.TenantID,
		"space_id":      letter.SpaceID,
		"destination":   letter.Destination,
		"device_type":   letter.DeviceType,
		"channel":       letter.Channel,
		"payload":       base64.StdEncoding.EncodeToString(letter.Payload),
		"desired_state": letter.DesiredState,
		"trigger":       letter.Trigger,
		"attempts":      letter.Attempt,
		"reason":        letter.Reason,
		"created_at":    letter.CreatedAt.Format(time.RFC3339),
	}
}

func respondQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrTenantMismatch):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, auth.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		http.Error(w, "queue error", http.StatusInternalServerError)
	}
}

func (h *CommandHandler) logAudit(r *http.Request, cmd *downlink.Command, action string, meta map[string]any) {
	if h.auditLogger == nil || cmd == nil {
		return
	}
	payload, _ := json.Marshal(meta)
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		TenantID:      cmd.TenantID,
		Actor:         auth.SubjectFromContext(r.Context()),
		Role:          string(auth.RoleFromContext(r.Context())),
		Action:        action,
		ResourceType:  "downlink_command",
		ResourceID:    cmd.CommandID,
		SpaceID:       cmd.SpaceID,
		Metadata:      payload,
		PayloadDigest: audit.DigestJSON(cmd.Payload),
		IP:            audit.ClientIP(r),
		UserAgent:     r.UserAgent(),
	})
}
