package hubserver

import (
	"context"
	"fmt"

	"github.com/mcphub/hub/internal/observability"
)

// RegistryHealthChecker reports unhealthy if the hub has zero connected
// agents, mirroring the teacher's GRPC-connectivity health checker but
// over this system's own agent directory instead of a gRPC channel.
type RegistryHealthChecker struct {
	hub *Hub
}

// NewRegistryHealthChecker builds a checker for h's agent registry.
func NewRegistryHealthChecker(h *Hub) *RegistryHealthChecker {
	return &RegistryHealthChecker{hub: h}
}

// Check implements observability.HealthChecker.
func (c *RegistryHealthChecker) Check(ctx context.Context) observability.HealthCheck {
	agents := c.hub.Registry.Snapshot()
	connected := 0
	for _, a := range agents {
		if a.Status != "disconnected" {
			connected++
		}
	}
	status := observability.HealthStatusHealthy
	msg := fmt.Sprintf("%d agent(s) connected", connected)
	if connected == 0 {
		status = observability.HealthStatusUnhealthy
		msg = "no agents connected"
	}
	return observability.HealthCheck{
		Name:    "agent_registry",
		Status:  status,
		Message: msg,
	}
}
