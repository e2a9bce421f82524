package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/services"
	"livecast/internal/infrastructure/devices/catalog"
	"livecast/internal/infrastructure/middleware"
	"livecast/internal/infrastructure/monitoring"
	"livecast/internal/infrastructure/transport/loopback"
	"livecast/pkg/config"
	"livecast/pkg/distributed"
	"livecast/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testEndpoint    = "https://ingest.example.com/whip"
	testOperatorKey = "operator-key"
)

type probeLog struct {
	mu      sync.Mutex
	updates []domain.ProbeResult
}

func (p *probeLog) ProbeUpdate(r domain.ProbeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, r)
}

func (p *probeLog) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.updates)
}

type fixture struct {
	t        *testing.T
	router   *gin.Engine
	session  *services.BroadcastSession
	auth     services.AuthService
	probes   *probeLog
	operator string
	viewer   string
}

func newFixture(t *testing.T, ingest IngestDefaults) *fixture {
	t.Helper()
	return newLockedFixture(t, ingest, nil)
}

func newLockedFixture(t *testing.T, ingest IngestDefaults, locks StreamLocker) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zaptest.NewLogger(t).Sugar()

	var descriptors []domain.DeviceDescriptor
	for _, entry := range config.DefaultConfig().Devices.Catalog {
		descriptors = append(descriptors, entry.Descriptor())
	}
	devices := catalog.New(descriptors, log)
	t.Cleanup(func() { _ = devices.Close() })

	session, err := services.NewBroadcastSession(services.SessionOptions{
		Provider:   devices,
		Transports: loopback.NewFactory(loopback.Config{Link: loopback.Link{Bandwidth: 4_000_000, RTT: 40 * time.Millisecond}, Logger: log}),
		Logger:     log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close(context.Background()) })

	auth := services.NewAuthService("test-secret", testOperatorKey, time.Hour, clock.New())
	probes := &probeLog{}

	checker := monitoring.NewHealthChecker(nil)
	checker.AddSessionCheck(session, 0, time.Second)
	reg := prometheus.NewRegistry()
	monitoring.NewPrometheusCollector(reg)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger.NewContextLogger(zaptest.NewLogger(t))))
	NewHealthHandler(checker, reg, nil).SetupRoutes(router)
	NewAuthHandler(auth).SetupRoutes(router)
	sessions := NewSessionHandler(session, ingest, probes, log)
	if locks != nil {
		sessions.WithStreamLock(locks)
	}
	SetupControlRoutes(router, auth,
		sessions,
		NewDeviceHandler(session),
		NewMixerHandler(session),
	)

	f := &fixture{t: t, router: router, session: session, auth: auth, probes: probes}
	f.operator = f.issue(services.RoleOperator)
	f.viewer = f.issue(services.RoleViewer)
	return f
}

func (f *fixture) issue(role services.Role) string {
	tok, _, err := f.auth.IssueToken(testOperatorKey, "tester", role)
	require.NoError(f.t, err)
	return tok
}

func (f *fixture) do(method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestAuthHandler_IssueToken(t *testing.T) {
	f := newFixture(t, IngestDefaults{})

	w := f.do(http.MethodPost, "/api/v1/auth/token", TokenRequest{OperatorKey: "wrong"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/api/v1/auth/token", TokenRequest{OperatorKey: testOperatorKey, Role: "root"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/v1/auth/token", TokenRequest{OperatorKey: testOperatorKey, Subject: "studio-a", Role: "viewer"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp TokenResponse
	decode(t, w, &resp)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, "viewer", resp.Role)

	claims, err := f.auth.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "studio-a", claims.Subject)
}

func TestControlRoutes_RequireRoles(t *testing.T) {
	f := newFixture(t, IngestDefaults{Endpoint: testEndpoint, StreamKey: "key"})

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/v1/session", nil, "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/session", nil, f.viewer).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/v1/session/start", nil, f.viewer).Code)
	assert.Equal(t, domain.SessionStateDisconnected, f.session.State())
}

func TestSessionHandler_StartMetadataStop(t *testing.T) {
	f := newFixture(t, IngestDefaults{Endpoint: testEndpoint, StreamKey: "live_key"})

	w := f.do(http.MethodPost, "/api/v1/session/start", nil, f.operator)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var view SessionView
	decode(t, w, &view)
	assert.NotEmpty(t, view.SessionID)

	require.Eventually(t, func() bool {
		return f.session.State() == domain.SessionStateConnected
	}, 2*time.Second, 10*time.Millisecond)

	w = f.do(http.MethodGet, "/api/v1/session", nil, f.viewer)
	decode(t, w, &view)
	assert.Equal(t, "connected", view.State)
	assert.True(t, view.Ready)

	w = f.do(http.MethodPost, "/api/v1/session/start", nil, f.operator)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/api/v1/session/metadata", MetadataRequest{Text: "chapter 1"}, f.operator)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(http.MethodPost, "/api/v1/session/metadata", MetadataRequest{Text: string(bytes.Repeat([]byte("x"), 2048))}, f.operator)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/session/stats", nil, f.viewer).Code)

	w = f.do(http.MethodPost, "/api/v1/session/stop", nil, f.operator)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &view)
	assert.Equal(t, "disconnected", view.State)
}

// memoryRedis answers the lock commands from a map.
type memoryRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memoryRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (m *memoryRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[keys[0]] != args[0].(string) {
		return redis.NewCmdResult(int64(0), nil)
	}
	if len(args) == 1 {
		delete(m.data, keys[0])
	}
	return redis.NewCmdResult(int64(1), nil)
}

func TestSessionHandler_StreamLock(t *testing.T) {
	rdb := &memoryRedis{data: make(map[string]string)}
	ingest := IngestDefaults{Endpoint: testEndpoint, StreamKey: "live_key"}
	first := newLockedFixture(t, ingest, distributed.NewLockManager(rdb, "lock:", time.Minute, clock.NewMock(), nil))
	second := newLockedFixture(t, ingest, distributed.NewLockManager(rdb, "lock:", time.Minute, clock.NewMock(), nil))

	require.Equal(t, http.StatusAccepted, first.do(http.MethodPost, "/api/v1/session/start", nil, first.operator).Code)
	require.Eventually(t, func() bool {
		return first.session.State() == domain.SessionStateConnected
	}, 2*time.Second, 10*time.Millisecond)

	w := second.do(http.MethodPost, "/api/v1/session/start", nil, second.operator)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, domain.SessionStateDisconnected, second.session.State())

	// A different stream key is a different lock.
	w = second.do(http.MethodPost, "/api/v1/session/start", StartRequest{StreamKey: "other_key"}, second.operator)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Eventually(t, func() bool {
		return second.session.State() == domain.SessionStateConnected
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, http.StatusOK, second.do(http.MethodPost, "/api/v1/session/stop", nil, second.operator).Code)

	require.Equal(t, http.StatusOK, first.do(http.MethodPost, "/api/v1/session/stop", nil, first.operator).Code)
	assert.Empty(t, rdb.data)

	w = second.do(http.MethodPost, "/api/v1/session/start", nil, second.operator)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func TestSessionHandler_StartValidation(t *testing.T) {
	f := newFixture(t, IngestDefaults{})

	w := f.do(http.MethodPost, "/api/v1/session/start", nil, f.operator)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/v1/session/start", StartRequest{Endpoint: "http://plain.example.com", StreamKey: "k"}, f.operator)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/v1/session/metadata", MetadataRequest{Text: "early"}, f.operator)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPut, "/api/v1/session/log-level", LogLevelRequest{Level: "debug"}, f.operator)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(http.MethodPut, "/api/v1/session/log-level", LogLevelRequest{Level: "verbose"}, f.operator)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeviceHandler_AttachZoomDetach(t *testing.T) {
	f := newFixture(t, IngestDefaults{})

	w := f.do(http.MethodGet, "/api/v1/devices", nil, f.viewer)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Devices []DeviceView `json:"devices"`
	}
	decode(t, w, &list)
	require.Len(t, list.Devices, 3)
	assert.Equal(t, "camera", list.Devices[0].Type)

	w = f.do(http.MethodPost, "/api/v1/devices/attach", AttachRequest{DeviceSelector: DeviceSelector{Preset: "front_camera"}}, f.operator)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var dev DeviceView
	decode(t, w, &dev)
	assert.Equal(t, "camera:front:0", dev.URN)
	assert.Equal(t, "default", dev.Slot)
	require.NotNil(t, dev.Zoom)
	assert.Equal(t, 1.0, *dev.Zoom)

	w = f.do(http.MethodPost, "/api/v1/devices/attach", AttachRequest{DeviceSelector: DeviceSelector{URN: "camera:front:0"}}, f.operator)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/api/v1/devices/attach", AttachRequest{DeviceSelector: DeviceSelector{URN: "camera:side:9"}}, f.operator)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, "/api/v1/devices/zoom", ZoomRequest{URN: "camera:front:0", Factor: 2.5}, f.operator)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &dev)
	assert.Equal(t, 2.5, *dev.Zoom)

	w = f.do(http.MethodPost, "/api/v1/devices/exchange", ExchangeRequest{Old: "camera:front:0", DeviceSelector: DeviceSelector{Preset: "back_camera"}}, f.operator)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &dev)
	assert.Equal(t, "camera:back:0", dev.URN)
	assert.Equal(t, "default", dev.Slot)

	w = f.do(http.MethodGet, "/api/v1/devices/attached", nil, f.viewer)
	decode(t, w, &list)
	require.Len(t, list.Devices, 1)
	assert.Equal(t, "camera:back:0", list.Devices[0].URN)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/api/v1/devices/detach", DetachRequest{URN: "camera:back:0"}, f.operator).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/v1/devices/detach", DetachRequest{URN: "camera:back:0"}, f.operator).Code)
	assert.Empty(t, f.session.ListAttachedDevices())
}

func TestMixerHandler_Slots(t *testing.T) {
	f := newFixture(t, IngestDefaults{})

	gain := 0.5
	w := f.do(http.MethodPost, "/api/v1/mixer/slots", config.SlotSection{Name: "overlay", Gain: &gain, Width: 320, Height: 180, ZIndex: 2}, f.operator)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var state domain.SlotState
	decode(t, w, &state)
	assert.Equal(t, "overlay", state.Name)
	assert.Equal(t, 0.5, state.Gain)

	w = f.do(http.MethodPost, "/api/v1/mixer/slots", config.SlotSection{Name: "overlay"}, f.operator)
	assert.Equal(t, http.StatusConflict, w.Code)

	tooLoud := 9.0
	w = f.do(http.MethodPost, "/api/v1/mixer/slots", config.SlotSection{Name: "loud", Gain: &tooLoud}, f.operator)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(http.MethodGet, "/api/v1/mixer/slots", nil, f.viewer)
	var layout struct {
		Slots []domain.SlotState `json:"slots"`
	}
	decode(t, w, &layout)
	assert.Len(t, layout.Slots, 2)

	req := TransitionRequest{SlotSection: config.SlotSection{Width: 640, Height: 360, X: 100}}
	w = f.do(http.MethodPost, "/api/v1/mixer/slots/overlay/transition", req, f.operator)
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = f.do(http.MethodPost, "/api/v1/mixer/slots/missing/transition", req, f.operator)
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/v1/mixer/slots/overlay", nil, f.operator).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/api/v1/mixer/slots/overlay", nil, f.operator).Code)
}

func TestMixerHandler_BindAndPreview(t *testing.T) {
	f := newFixture(t, IngestDefaults{})

	w := f.do(http.MethodPost, "/api/v1/devices/attach", AttachRequest{DeviceSelector: DeviceSelector{Preset: "microphone"}}, f.operator)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(http.MethodPost, "/api/v1/mixer/slots", config.SlotSection{Name: "voice", PreferredAudio: "microphone"}, f.operator)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(http.MethodPost, "/api/v1/mixer/bind", BindRequest{URN: "microphone:builtin:0", Slot: "voice"}, f.operator)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"slot":"voice"`)

	w = f.do(http.MethodPost, "/api/v1/mixer/bind", BindRequest{URN: "microphone:builtin:0", Slot: "missing"}, f.operator)
	assert.Equal(t, http.StatusConflict, w.Code)
	devices, _ := f.session.Mixer().DevicesOf("voice")
	assert.Equal(t, []string{"microphone:builtin:0"}, devices)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/api/v1/mixer/unbind", DetachRequest{URN: "microphone:builtin:0"}, f.operator).Code)
	require.Eventually(t, func() bool {
		return len(f.session.ListAttachedDevices()) == 0
	}, time.Second, 5*time.Millisecond, "unbound device is released")
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/v1/mixer/unbind", DetachRequest{URN: "microphone:builtin:0"}, f.operator).Code)

	w = f.do(http.MethodPost, "/api/v1/devices/attach", AttachRequest{DeviceSelector: DeviceSelector{Preset: "microphone"}, Slot: "voice"}, f.operator)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(http.MethodGet, "/api/v1/preview?aspect=fit&width=640&height=360", nil, f.viewer)
	require.Equal(t, http.StatusOK, w.Code)
	var frame services.PreviewFrame
	decode(t, w, &frame)
	assert.Equal(t, domain.Size{Width: 640, Height: 360}, frame.Viewport)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/preview?width=0", nil, f.viewer).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/preview?aspect=stretch", nil, f.viewer).Code)
}

func TestSessionHandler_Probe(t *testing.T) {
	f := newFixture(t, IngestDefaults{Endpoint: testEndpoint, StreamKey: "live_key"})

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/probe", nil, f.viewer).Code)

	w := f.do(http.MethodPost, "/api/v1/probe", ProbeRequest{DurationMs: 1000}, f.operator)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(http.MethodPost, "/api/v1/probe", ProbeRequest{DurationMs: 30000}, f.operator)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/v1/probe", nil, f.operator).Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/v1/session/start", nil, f.operator).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/probe", nil, f.viewer).Code)

	require.Eventually(t, func() bool { return f.probes.count() > 0 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/v1/probe", nil, f.operator).Code)
	probe, ok := f.session.ActiveProbe()
	require.True(t, ok)
	require.Eventually(t, func() bool { return !probe.Active() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/api/v1/probe", nil, f.operator).Code)
}

func TestHealthHandler(t *testing.T) {
	f := newFixture(t, IngestDefaults{})

	w := f.do(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/ready", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var status monitoring.HealthStatus
	decode(t, w, &status)
	assert.Equal(t, monitoring.StatusHealthy, status.Checks["session"])

	w = f.do(http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "livecast_connections_total")

	require.NoError(t, f.session.Close(context.Background()))
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/ready", nil, "").Code)
}
