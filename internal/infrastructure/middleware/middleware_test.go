package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/services"
	"livecast/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func newAuth() services.AuthService {
	return services.NewAuthService("secret", "key", time.Hour, clock.New())
}

func token(t *testing.T, auth services.AuthService, role services.Role) string {
	t.Helper()
	tok, _, err := auth.IssueToken("key", "tester", role)
	require.NoError(t, err)
	return tok
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := newAuth()

	r := gin.New()
	api := r.Group("/api", AuthMiddleware(auth, services.RoleViewer))
	api.GET("/read", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(SubjectKey))
	})
	api.POST("/write", RequireRole(auth, services.RoleOperator), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"missing header", http.MethodGet, "/api/read", "", http.StatusUnauthorized},
		{"malformed header", http.MethodGet, "/api/read", "Token abc", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/read", "Bearer abc", http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "/api/read", "Bearer " + token(t, auth, services.RoleViewer), http.StatusOK},
		{"viewer cannot write", http.MethodPost, "/api/write", "Bearer " + token(t, auth, services.RoleViewer), http.StatusForbidden},
		{"operator writes", http.MethodPost, "/api/write", "Bearer " + token(t, auth, services.RoleOperator), http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := serve(r, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/read?access_token="+token(t, auth, services.RoleViewer), nil)
	w := serve(r, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tester", w.Body.String())
}

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ErrorHandlerMiddleware(logger.NewContextLogger(zaptest.NewLogger(t))))
	r.GET("/domain", func(c *gin.Context) {
		_ = c.Error(domain.ErrDeviceNotFound.WithSource("camera:usb:9"))
	})
	r.GET("/plain", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
	})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/domain", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	var body struct {
		Error   string                 `json:"error"`
		Details map[string]interface{} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body.Error)
	assert.Equal(t, float64(domain.ErrCodeDeviceNotFound), body.Details["code"])
	assert.Equal(t, "camera:usb:9", body.Details["source"])

	w = serve(r, httptest.NewRequest(http.MethodGet, "/plain", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RecoveryMiddleware(zaptest.NewLogger(t).Sugar()))
	r.GET("/panic", func(c *gin.Context) { panic("unexpected") })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

type requestLog struct {
	routes   []string
	statuses []int
}

func (l *requestLog) RecordHTTPRequest(method, route string, status int, _ time.Duration) {
	l.routes = append(l.routes, method+" "+route)
	l.statuses = append(l.statuses, status)
}

type sessionID string

func (s sessionID) SessionID() string { return string(s) }

func TestRequestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)
	rec := &requestLog{}

	r := gin.New()
	r.Use(RequestMiddleware(logger.NewContextLogger(zap.New(core)), rec, sessionID("sess-9")))
	r.GET("/session/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/session/abc", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	w := serve(r, req)
	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))

	w = serve(r, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	assert.Equal(t, []string{"GET /session/:id", "GET unmatched"}, rec.routes)
	assert.Equal(t, []int{http.StatusOK, http.StatusNotFound}, rec.statuses)

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "sess-9", fields["session_id"])
	assert.Equal(t, "/session/:id", fields["path"])
}
