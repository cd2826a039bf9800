package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/datagate-io/datagate/internal/adapter/outbound/memory"
	"github.com/datagate-io/datagate/internal/service"
)

// HealthResponse is the JSON body of /health.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker verifies component health. All checks are local and
// cheap; the hub is deliberately not probed here so a slow upstream
// cannot fail liveness.
type HealthChecker struct {
	tokens       *memory.TokenStore
	limiter      *memory.RateLimiter
	auditService *service.AuditService
	version      string
}

// NewHealthChecker creates a HealthChecker. Pass nil for components that
// are not wired.
func NewHealthChecker(tokens *memory.TokenStore, limiter *memory.RateLimiter, auditService *service.AuditService, version string) *HealthChecker {
	return &HealthChecker{
		tokens:       tokens,
		limiter:      limiter,
		auditService: auditService,
		version:      version,
	}
}

// Check runs all component checks.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.tokens != nil {
		checks["token_store"] = fmt.Sprintf("ok: %d revocations", h.tokens.Len())
	} else {
		checks["token_store"] = "not configured"
	}

	if h.limiter != nil {
		checks["rate_limiter"] = fmt.Sprintf("ok: %d keys", h.limiter.Len())
	} else {
		checks["rate_limiter"] = "not configured"
	}

	if h.auditService != nil {
		depth := h.auditService.ChannelDepth()
		capacity := h.auditService.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}
		if percentFull > 90 {
			// The sink is under backpressure and events are about to drop.
			checks["audit"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["audit"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}
		if drops := h.auditService.DroppedTotal(); drops > 0 {
			checks["audit_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["audit"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// Handler returns the /health endpoint handler.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
}

// healthHandler is the fallback when no checker is configured.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
}
