package monitoring

import (
	"context"
	"fmt"
	"time"

	"livecast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// SessionProbe is the part of the broadcast session the readiness check
// looks at.
type SessionProbe interface {
	IsReady() bool
}

// AddRedisCheck adds a Redis health check. Redis only carries the event
// feed, so an outage is advisory.
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, interval, timeout time.Duration) {
	h.AddAdvisoryCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddSessionCheck fails once the session has been closed.
func (h *HealthChecker) AddSessionCheck(session SessionProbe, interval, timeout time.Duration) {
	h.AddCheck("session", func(ctx context.Context) (bool, error) {
		if !session.IsReady() {
			return false, fmt.Errorf("broadcast session is not ready")
		}
		return true, nil
	}, interval, timeout)
}

// AddConnectivityCheck reports whether the network is reachable. A
// broadcaster without network is still alive and can recover, so the
// check is advisory.
func (h *HealthChecker) AddConnectivityCheck(monitor ports.ConnectivityMonitor, interval, timeout time.Duration) {
	h.AddAdvisoryCheck("connectivity", func(ctx context.Context) (bool, error) {
		if !monitor.Online(ctx) {
			return false, fmt.Errorf("network unreachable")
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
