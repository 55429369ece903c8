package http

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/render"

	"amposlicense/pkg/contracts"
)

// HealthStatus is the health endpoint body
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
	LiveFeed  int               `json:"live_feed_clients"`
	GoVersion string            `json:"go_version,omitempty"`
}

// HealthHandler serves liveness, readiness and version
type HealthHandler struct {
	db      Pinger
	clients ClientCounter
	started time.Time
}

// NewHealthHandler creates a health handler. clients may be nil.
func NewHealthHandler(db Pinger, clients ClientCounter) *HealthHandler {
	return &HealthHandler{db: db, clients: clients, started: time.Now()}
}

// Live handles GET /healthz
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, &HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   contracts.Version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		LiveFeed:  h.clientCount(),
		GoVersion: runtime.Version(),
	})
}

// Ready handles GET /readyz; 503 when the database does not answer
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := &HealthStatus{Status: "ready", Timestamp: time.Now().UTC(), Version: contracts.Version,
		Checks: map[string]string{"database": "ok"}, LiveFeed: h.clientCount()}
	if err := h.db.Ping(ctx); err != nil {
		status.Status = "unavailable"
		status.Checks["database"] = err.Error()
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, status)
}

// Version handles GET /api/v1/version
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, contracts.Info())
}

func (h *HealthHandler) clientCount() int {
	if h.clients == nil {
		return 0
	}
	return h.clients.ClientCount()
}
