package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Dis3z/reserve-api/internal/queue"
	"github.com/Dis3z/reserve-api/pkg/cache"
	"github.com/Dis3z/reserve-api/pkg/db"
)

// HealthHandler reports the liveness of the process and its backing stores.
type HealthHandler struct {
	pool   *pgxpool.Pool
	client *redis.Client
	queue  *queue.Queue
	log    zerolog.Logger
}

// NewHealthHandler creates the health endpoint.
func NewHealthHandler(pool *pgxpool.Pool, client *redis.Client, q *queue.Queue, log zerolog.Logger) *HealthHandler {
	return &HealthHandler{pool: pool, client: client, queue: q, log: log}
}

// Health handles GET /health
//
// Returns 200 when Postgres and Redis both answer, 503 otherwise, with
// per-dependency detail and queue depths either way.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"postgres": "ok", "redis": "ok"}

	if err := db.HealthCheck(ctx, h.pool); err != nil {
		checks["postgres"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := cache.HealthCheck(ctx, h.client); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"status": "ok",
		"checks": checks,
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if stats, err := h.queue.Stats(ctx); err == nil {
		body["queue"] = stats
	}

	writeJSON(w, status, body)
}
