// Package handlers implements the HTTP handlers behind the router:
// the job lifecycle API, the streaming endpoints, health and version,
// and the token-gated admin surface.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/3leaps/gofetch/internal/errors"
)

// checkTimeout bounds each registered health check.
const checkTimeout = 2 * time.Second

// Per-check and overall status values.
const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
	statusTimeout   = "timeout"
)

// HealthChecker reports whether one dependency is usable.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a plain function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

// CheckHealth implements HealthChecker.
func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// HealthManager runs registered dependency checks and aggregates their
// results for the health endpoints.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// HealthResponse is the body served by the health endpoints.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// NewHealthManager creates a manager reporting the given build version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: make(map[string]HealthChecker),
	}
}

// RegisterChecker adds a named dependency check. Registering an existing
// name replaces the previous checker.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	checkers := make(map[string]HealthChecker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(checkers))
	for name, c := range checkers {
		results[name] = runCheck(ctx, c)
	}
	return results
}

func runCheck(ctx context.Context, c HealthChecker) string {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	err := c.CheckHealth(ctx)
	switch {
	case err == nil:
		return statusHealthy
	case errors.Is(err, context.DeadlineExceeded):
		return statusTimeout
	default:
		return statusUnhealthy
	}
}

// determineOverallStatus folds per-check results into one status. Any
// unhealthy check makes the service unhealthy; timeouts alone only
// degrade it.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	overall := statusHealthy
	for _, status := range checks {
		switch status {
		case statusUnhealthy:
			return statusUnhealthy
		case statusTimeout, statusDegraded:
			overall = statusDegraded
		}
	}
	return overall
}

// HealthHandler reports full dependency health. Unhealthy dependencies
// turn the response into a 503 with per-check results in the details.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	overall := m.determineOverallStatus(checks)

	if overall == statusUnhealthy {
		apperrors.WriteError(w, r, http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable,
			"one or more health checks failed", map[string]any{
				"status": overall,
				"checks": checks,
			})
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  overall,
		Version: m.version,
		Checks:  checks,
	})
}

// LivenessHandler reports process liveness. It never consults checkers;
// a live process that cannot reach its dependencies is still live.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  statusHealthy,
		Version: m.version,
	})
}

// ReadinessHandler reports whether the service should receive traffic.
// Degraded still serves; only unhealthy flips readiness off.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	overall := m.determineOverallStatus(checks)

	if overall == statusUnhealthy {
		apperrors.WriteError(w, r, http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable,
			"service not ready", map[string]any{
				"status": overall,
				"checks": checks,
			})
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  overall,
		Version: m.version,
		Checks:  checks,
	})
}

// StartupHandler reports whether startup completed. Same gate as
// readiness; kept separate so probes can use different thresholds.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	m.ReadinessHandler(w, r)
}

// globalHealthManager backs the package-level handlers registered on the
// router. Set through InitHealthManager during startup.
var globalHealthManager *HealthManager

// InitHealthManager installs the process-wide health manager and returns
// it so callers can register checkers.
func InitHealthManager(version string) *HealthManager {
	globalHealthManager = NewHealthManager(version)
	return globalHealthManager
}

// GetHealthManager returns the process-wide manager, or nil before
// InitHealthManager runs.
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func healthUninitialized(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteError(w, r, http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable,
		"health manager not initialized", nil)
}

// HealthHandler serves /health through the global manager.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	m := GetHealthManager()
	if m == nil {
		healthUninitialized(w, r)
		return
	}
	m.HealthHandler(w, r)
}

// LivenessHandler serves /health/live through the global manager.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	m := GetHealthManager()
	if m == nil {
		healthUninitialized(w, r)
		return
	}
	m.LivenessHandler(w, r)
}

// ReadinessHandler serves /health/ready through the global manager.
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m := GetHealthManager()
	if m == nil {
		healthUninitialized(w, r)
		return
	}
	m.ReadinessHandler(w, r)
}

// StartupHandler serves /health/startup through the global manager.
func StartupHandler(w http.ResponseWriter, r *http.Request) {
	m := GetHealthManager()
	if m == nil {
		healthUninitialized(w, r)
		return
	}
	m.StartupHandler(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
