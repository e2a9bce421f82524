package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"livecast/internal/core/domain"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector() *PrometheusCollector {
	return NewPrometheusCollector(prometheus.NewRegistry())
}

func TestCollector_StateIsOneHot(t *testing.T) {
	p := newTestCollector()

	p.RecordState(domain.SessionStateConnecting)
	p.RecordState(domain.SessionStateConnected)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.sessionState.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.sessionState.WithLabelValues("connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.connections))
}

func TestCollector_ErrorsByCode(t *testing.T) {
	p := newTestCollector()
	l := p.Listener()

	l.OnError(domain.ErrHandshakeFailed.WithSource("transport"))
	l.OnError(domain.ErrNetworkConnectivityLost.AsFatal())
	l.OnError(errors.New("plain"))

	assert.Equal(t, 1.0, testutil.ToFloat64(p.errors.WithLabelValues("10416", "session", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.errors.WithLabelValues("10405", "session", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.errors.WithLabelValues("0", "unknown", "false")))
}

func TestCollector_Statistics(t *testing.T) {
	p := newTestCollector()

	p.Listener().OnStatistics(domain.TransmissionStatistics{
		MeasuredBitrate:    1_800_000,
		RecommendedBitrate: 2_000_000,
		RTT:                80 * time.Millisecond,
		BroadcastQuality:   domain.QualityHigh,
		NetworkHealth:      domain.HealthExcellent,
	})

	assert.Equal(t, 1_800_000.0, testutil.ToFloat64(p.measuredBitrate))
	assert.Equal(t, 2_000_000.0, testutil.ToFloat64(p.recommendedBitrate))
	assert.Equal(t, float64(domain.QualityHigh), testutil.ToFloat64(p.broadcastQuality))
	assert.Equal(t, float64(domain.HealthExcellent), testutil.ToFloat64(p.networkHealth))

	p.RecordState(domain.SessionStateDisconnected)
	assert.Equal(t, 0.0, testutil.ToFloat64(p.measuredBitrate))
}

func TestCollector_DeviceEventsAndAudioLevels(t *testing.T) {
	p := newTestCollector()
	l := p.Listener()
	mic := domain.DeviceDescriptor{URN: "microphone:usb:1", Type: domain.DeviceTypeMicrophone}

	l.OnDeviceAdded(mic)
	l.OnAudioStats(mic.URN, domain.AudioStats{Peak: -3, RMS: -12})
	assert.Equal(t, -3.0, testutil.ToFloat64(p.audioPeak.WithLabelValues(mic.URN)))
	assert.Equal(t, 1, testutil.CollectAndCount(p.audioRMS))

	l.OnDeviceRemoved(mic)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.deviceEvents.WithLabelValues("microphone", "added")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.deviceEvents.WithLabelValues("microphone", "removed")))
	assert.Equal(t, 0, testutil.CollectAndCount(p.audioRMS))
}

func TestHealthChecker_CriticalAndAdvisory(t *testing.T) {
	h := NewHealthChecker(clock.NewMock())
	ready := true
	h.AddSessionCheck(sessionFunc(func() bool { return ready }), time.Second, time.Second)
	h.AddAdvisoryCheck("connectivity", func(context.Context) (bool, error) {
		return false, errors.New("network unreachable")
	}, time.Second, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["session"])
	assert.Equal(t, "network unreachable", status.Checks["connectivity"])
	assert.True(t, h.IsReady(context.Background()))

	ready = false
	status = h.GetReadinessStatus(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Contains(t, status.Checks["session"], "not ready")
}

func TestHealthChecker_CheckTimeout(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("slow", func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}, 0, 10*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}

func TestHealthChecker_BackgroundChecks(t *testing.T) {
	clk := clock.NewMock()
	h := NewHealthChecker(clk)
	h.AddCheck("ok", func(context.Context) (bool, error) { return true, nil }, time.Second, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartBackgroundChecks(ctx)

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return h.Last()["ok"] == StatusHealthy
	}, time.Second, 10*time.Millisecond)
}

type sessionFunc func() bool

func (f sessionFunc) IsReady() bool { return f() }
