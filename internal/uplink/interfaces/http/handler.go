package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"parkfleet-cloud/internal/observability/metrics"
	uplinkapp "parkfleet-cloud/internal/uplink/application"
)

// Handler receives uplink webhooks from the network server.
type Handler struct {
	ingest *uplinkapp.Ingest
}

// NewHandler constructs the webhook handler.
func NewHandler(ingest *uplinkapp.Ingest) (*Handler, error) {
	if ingest == nil {
		return nil, errors.New("uplink handler: nil ingest")
	}
	return &Handler{ingest: ingest}, nil
}

type uplinkRequest struct {
	DevEUI     string `json:"devEui"`
	FPort      int    `json:"fPort"`
	Data       string `json:"data"`
	ReceivedAt string `json:"receivedAt"`
}

// ServeHTTP handles POST /ingest/lorawan/uplink.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		metrics.IncIngestError("read_body")
		metrics.ObserveIngest(metrics.IngestResultError, time.Since(start))
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req uplinkRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.IncIngestError("invalid_json")
		metrics.ObserveIngest(metrics.IngestResultError, time.Since(start))
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.DevEUI == "" {
		metrics.IncIngestError("missing_dev_eui")
		metrics.ObserveIngest(metrics.IngestResultError, time.Since(start))
		http.Error(w, "devEui required", http.StatusBadRequest)
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		metrics.IncIngestError("invalid_payload")
		metrics.ObserveIngest(metrics.IngestResultError, time.Since(start))
		http.Error(w, "data must be base64", http.StatusBadRequest)
		return
	}

	frame := uplinkapp.Frame{
		Destination: req.DevEUI,
		Channel:     req.FPort,
		Payload:     payload,
	}
	if req.ReceivedAt != "" {
		if receivedAt, err := time.Parse(time.RFC3339, req.ReceivedAt); err == nil {
			frame.ReceivedAt = receivedAt.UTC()
		}
	}

	if err := h.ingest.HandleUplink(r.Context(), frame); err != nil {
		metrics.IncIngestError("handler")
		metrics.ObserveIngest(metrics.IngestResultError, time.Since(start))
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	metrics.ObserveIngest(metrics.IngestResultSuccess, time.Since(start))
	w.WriteHeader(http.StatusAccepted)
}
