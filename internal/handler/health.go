package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/segyhp/tutoring-contracts/pkg/response"
)

// Checker probes one dependency.
type Checker func(ctx context.Context) error

type HealthHandler struct {
	checks  map[string]Checker
	timeout time.Duration
}

func NewHealthHandler(timeout time.Duration) *HealthHandler {
	return &HealthHandler{
		checks:  make(map[string]Checker),
		timeout: timeout,
	}
}

// WithDatabase adds a readiness check for the Postgres pool.
func (h *HealthHandler) WithDatabase(db *sqlx.DB) *HealthHandler {
	h.checks["database"] = db.PingContext
	return h
}

// WithRedis adds a readiness check for Redis.
func (h *HealthHandler) WithRedis(client *redis.Client) *HealthHandler {
	h.checks["redis"] = func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
	return h
}

// WithCheck adds a named readiness check.
func (h *HealthHandler) WithCheck(name string, check Checker) *HealthHandler {
	h.checks[name] = check
	return h
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// Health performs a basic health check
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}

	response.Success(w, status)
}

// Ready runs every registered dependency check
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(h.checks)),
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		err := h.checks[name](ctx)
		cancel()

		if err != nil {
			status.Status = "error"
			status.Checks[name] = "failed: " + err.Error()
		} else {
			status.Checks[name] = "ok"
		}
	}

	if status.Status == "error" {
		response.JSON(w, http.StatusServiceUnavailable, status)
		return
	}

	response.Success(w, status)
}
