package monitoring

import (
	"context"
	"fmt"
	"time"

	"voicelink/internal/core/ports"
)

// AddBusCheck checks the message bus through its own Ping, which is a Redis
// PING for the Redis driver.
func (h *HealthChecker) AddBusCheck(bus ports.MessageBus, interval, timeout time.Duration) {
	h.AddCheck("bus", func(ctx context.Context) (bool, error) {
		if err := bus.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddSessionCheck fails once more than limit users are signed in.
func (h *HealthChecker) AddSessionCheck(sessions ports.SessionDirectory, limit int, interval, timeout time.Duration) {
	h.AddCheck("sessions", func(ctx context.Context) (bool, error) {
		if n := sessions.Count(); limit > 0 && n > limit {
			return false, fmt.Errorf("%d sessions exceed limit %d", n, limit)
		}
		return true, nil
	}, interval, timeout)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == StatusHealthy
}
