// pkg/metrics/health.go
package metrics

import (
	"context"
	"time"
)

// HealthStatus represents component health
type HealthStatus struct {
	Healthy   bool           `json:"healthy"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Probe reports the state of one component.
type Probe interface {
	Name() string
	Check(ctx context.Context) (map[string]any, error)
}

// HealthChecker provides health monitoring
type HealthChecker struct {
	probes []Probe
}

// NewHealthChecker creates a health checker over the given probes
func NewHealthChecker(probes ...Probe) *HealthChecker {
	return &HealthChecker{probes: probes}
}

// CheckHealth runs every probe. A failing probe marks the status unhealthy
// and records its error under the probe name.
func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Healthy:   true,
		Timestamp: time.Now(),
		Details:   make(map[string]any, len(h.probes)),
	}

	for _, p := range h.probes {
		details, err := p.Check(ctx)
		if err != nil {
			status.Healthy = false
			status.Details[p.Name()] = map[string]any{
				"status": "unhealthy",
				"error":  err.Error(),
			}
			continue
		}
		if details == nil {
			details = make(map[string]any)
		}
		details["status"] = "healthy"
		status.Details[p.Name()] = details
	}

	return status
}
