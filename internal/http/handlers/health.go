package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthHandler answers liveness probes. A degraded Redis turns the report
// yellow without failing the probe; the process can still serve webhooks
// that do not touch the queue.
type HealthHandler struct {
	rdb *redis.Client
}

// NewHealthHandler creates a HealthHandler. rdb may be nil.
func NewHealthHandler(rdb *redis.Client) *HealthHandler {
	return &HealthHandler{rdb: rdb}
}

// HandleHealth is the HTTP handler for GET /healthz.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := map[string]string{"status": "ok"}
	if h.rdb != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.rdb.Ping(ctx).Err(); err != nil {
			report["redis"] = "down"
		} else {
			report["redis"] = "up"
		}
	}
	writeJSON(w, http.StatusOK, report)
}
