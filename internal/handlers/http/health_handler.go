package http

import (
	"context"
	"net/http"
	"time"

	"livecast/internal/infrastructure/monitoring"
	"livecast/pkg/utils"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readinessTimeout = 2 * time.Second

type HealthHandler struct {
	checker  *monitoring.HealthChecker
	gatherer prometheus.Gatherer
	clock    clock.Clock
	started  time.Time
}

// NewHealthHandler serves liveness, readiness and, when gatherer is not
// nil, Prometheus metrics.
func NewHealthHandler(checker *monitoring.HealthChecker, gatherer prometheus.Gatherer, clk clock.Clock) *HealthHandler {
	if clk == nil {
		clk = clock.New()
	}
	return &HealthHandler{
		checker:  checker,
		gatherer: gatherer,
		clock:    clk,
		started:  clk.Now(),
	}
}

func (h *HealthHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

// Health reports liveness along with the last background check results.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    monitoring.StatusHealthy,
		"timestamp": h.clock.Now(),
		"uptime":    utils.FormatDuration(h.clock.Since(h.started)),
		"checks":    h.checker.Last(),
	})
}

// Ready runs every check now. Only critical checks can fail readiness.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	status := h.checker.GetReadinessStatus(ctx)
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
