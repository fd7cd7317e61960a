package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	LastRun      *time.Time                  `json:"last_run,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthChecker reports the reachability of the ledger database and Redis.
// Both are optional. A failing database makes the service unhealthy, a
// failing Redis only degraded.
type HealthChecker struct {
	db      *sql.DB
	redis   redis.Cmdable
	version string
	lastRun func() (time.Time, bool)
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(db *sql.DB, redisClient redis.Cmdable, version string) *HealthChecker {
	return &HealthChecker{
		db:      db,
		redis:   redisClient,
		version: version,
	}
}

// SetLastRun installs a source for the finish time of the latest run.
func (h *HealthChecker) SetLastRun(fn func() (time.Time, bool)) {
	h.lastRun = fn
}

// Liveness returns 200 while the process is serving.
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness checks all dependencies and returns 503 when unhealthy.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// Check performs a health check of every configured dependency.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus),
	}

	if h.lastRun != nil {
		if at, ok := h.lastRun(); ok {
			status.LastRun = &at
		}
	}

	if h.db != nil {
		dep := probe(func() error { return h.db.PingContext(ctx) })
		status.Dependencies["database"] = dep
		if dep.Status == StatusUnhealthy {
			status.Status = StatusUnhealthy
		}
	}

	if h.redis != nil {
		dep := probe(func() error { return h.redis.Ping(ctx).Err() })
		status.Dependencies["redis"] = dep
		if dep.Status == StatusUnhealthy && status.Status != StatusUnhealthy {
			status.Status = StatusDegraded
		}
	}

	return status
}

func probe(ping func() error) DependencyStatus {
	start := time.Now()
	err := ping()
	dep := DependencyStatus{
		Status:    StatusHealthy,
		LatencyMS: time.Since(start).Milliseconds(),
		Timestamp: time.Now(),
	}
	if err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
	}
	return dep
}

// RegisterRoutes mounts the health endpoints and /metrics on router.
func RegisterRoutes(router *mux.Router, checker *HealthChecker, gatherer prometheus.Gatherer) {
	router.HandleFunc("/health", checker.Readiness).Methods(http.MethodGet)
	router.HandleFunc("/health/live", checker.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", checker.Readiness).Methods(http.MethodGet)
	if gatherer != nil {
		router.Handle("/metrics", MetricsHandler(gatherer)).Methods(http.MethodGet)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
