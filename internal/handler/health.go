package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger checks one dependency.
type Pinger func(ctx context.Context) error

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	database Pinger
	redis    Pinger
	queue    Pinger
	timeout  time.Duration
}

// NewHealthHandler creates a new health handler. redis and queue may be nil
// when the process does not use them.
func NewHealthHandler(database, redis, queue Pinger) *HealthHandler {
	return &HealthHandler{
		database: database,
		redis:    redis,
		queue:    queue,
		timeout:  2 * time.Second,
	}
}

// Health handles GET /health: liveness plus a database round trip.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	db := h.check(r.Context(), h.database)
	if db != "ok" {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{
		"status":   status,
		"database": db,
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"database": h.check(r.Context(), h.database),
		"redis":    h.check(r.Context(), h.redis),
		"nats":     h.check(r.Context(), h.queue),
	}

	code := http.StatusOK
	status := "ready"
	for _, v := range checks {
		if v != "ok" && v != "disabled" {
			code = http.StatusServiceUnavailable
			status = "not ready"
		}
	}

	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}

func (h *HealthHandler) check(ctx context.Context, ping Pinger) string {
	if ping == nil {
		return "disabled"
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := ping(ctx); err != nil {
		return "error"
	}
	return "ok"
}
