package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Corrah/CorrahFlow/internal/relay/segmentpipe"
)

// HealthHandler serves the process-level health and debug-stats endpoints.
// Grounded on the teacher's HealthHandler (gopsutil-backed) but narrowed:
// this proxy has no database, so liveness is a plain 200 and the richer
// system metrics live under /debug/relay/stats instead.
type HealthHandler struct {
	monitor     *segmentpipe.ProcessMonitor
	apiPassword string
}

// NewHealthHandler builds a HealthHandler. monitor may be nil when no
// ffmpeg remuxer is configured: Stats then reports zero active remuxes.
func NewHealthHandler(monitor *segmentpipe.ProcessMonitor, apiPassword string) *HealthHandler {
	return &HealthHandler{monitor: monitor, apiPassword: apiPassword}
}

// RegisterChiRoutes mounts the raw routes on r: /healthz is always
// unauthenticated (it must work for liveness probes even when
// API_PASSWORD is set); /debug/relay/stats is auth-gated like the
// data-plane endpoints.
func (h *HealthHandler) RegisterChiRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealthz)
	r.Get("/debug/relay/stats", h.handleStats)
}

func (h *HealthHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *HealthHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if err := checkAPIPassword(r, h.apiPassword); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var stats segmentpipe.ProcessStats
	if h.monitor != nil {
		stats = h.monitor.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(stats)
}
