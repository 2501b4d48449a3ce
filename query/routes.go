package query

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/notnview/telemetry"
	"github.com/rs/zerolog/log"
)

// Status is the readiness view reported on /readyz
type Status struct {
	State          string `json:"state"`
	Ready          bool   `json:"ready"`
	Degraded       bool   `json:"degraded"`
	PublisherError string `json:"publisher_error,omitempty"`
	EngineError    string `json:"engine_error,omitempty"`
	Keys           int    `json:"keys"`
	Digest         string `json:"digest"`
}

// StatusFunc reports the node status
type StatusFunc func() Status

// Handlers serves the lookup and health endpoints
type Handlers struct {
	service *Service
	status  StatusFunc
}

// NewHandlers creates handlers for service; status may be nil
func NewHandlers(service *Service, status StatusFunc) *Handlers {
	return &Handlers{service: service, status: status}
}

// Routes builds the chi router for the query surface
func Routes(handlers *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Get("/notifications/{key}", handlers.handleLookup)
	r.Get("/healthz", handlers.handleHealthz)
	r.Get("/readyz", handlers.handleReadyz)

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Handle("/metrics", metrics)
	}

	return r
}

func (h *Handlers) handleLookup(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		writeErrorResponse(w, http.StatusBadRequest, "key is required")
		return
	}

	n, err := h.service.Lookup(key)
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, n)
	case errors.Is(err, ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrShuttingDown), errors.Is(err, ErrNotReady):
		w.Header().Set("Retry-After", "1")
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Error().Err(err).Str("key", key).Msg("Lookup failed")
		writeErrorResponse(w, http.StatusInternalServerError, "lookup failed")
	}
}

func (h *Handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	status := h.status()
	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, code, status)
}

// FormatDigest renders a table digest for Status
func FormatDigest(d uint64) string {
	return strconv.FormatUint(d, 16)
}

func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"data": data,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
