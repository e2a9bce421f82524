package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"livecast/pkg/config"
	"livecast/pkg/errors"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimitedRouter(cfg *config.Config, clk clock.Clock) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg, clk))
	router.GET("/api/v1/session", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func getSession(router http.Handler, remote, forwarded string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.RemoteAddr = remote
	if forwarded != "" {
		req.Header.Set("X-Forwarded-For", forwarded)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestHTTPRateLimitMiddleware_DisabledAllowsAll(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := newLimitedRouter(cfg, clock.NewMock())

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, getSession(router, "10.0.0.1:5000", "").Code)
	}
}

func TestHTTPRateLimitMiddleware_LimitsPerClient(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0.5
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	clk := clock.NewMock()
	router := newLimitedRouter(cfg, clk)

	assert.Equal(t, http.StatusOK, getSession(router, "10.0.0.1:5000", "").Code)

	w := getSession(router, "10.0.0.1:5001", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(errors.ErrCodeRateLimit), body["error"])

	// Another client has its own bucket.
	assert.Equal(t, http.StatusOK, getSession(router, "10.0.0.2:5000", "").Code)

	clk.Add(2 * time.Second)
	assert.Equal(t, http.StatusOK, getSession(router, "10.0.0.1:5002", "").Code)
}

func TestHTTPRateLimitMiddleware_UsesFirstForwardedHop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1

	router := newLimitedRouter(cfg, clock.NewMock())

	assert.Equal(t, http.StatusOK, getSession(router, "192.0.2.10:443", "203.0.113.7, 192.0.2.10").Code)
	assert.Equal(t, http.StatusTooManyRequests, getSession(router, "192.0.2.11:443", "203.0.113.7").Code)
	assert.Equal(t, http.StatusOK, getSession(router, "192.0.2.10:443", "203.0.113.8, 192.0.2.10").Code)
}

func TestRateLimiterStore_EvictsIdleClients(t *testing.T) {
	clk := clock.NewMock()
	store := newRateLimiterStore(1, 1, clk)

	store.allow("a")
	store.allow("b")
	require.Equal(t, 2, store.size())

	clk.Add(limiterIdleTTL)
	store.allow("c")
	assert.Equal(t, 1, store.size())
}
