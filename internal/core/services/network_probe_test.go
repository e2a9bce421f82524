package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"livecast/internal/core/domain"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type probeUpdates struct {
	mu      sync.Mutex
	results []domain.ProbeResult
	ch      chan domain.ProbeResult
}

func newProbeUpdates() *probeUpdates {
	return &probeUpdates{ch: make(chan domain.ProbeResult, 64)}
}

func (u *probeUpdates) record(r domain.ProbeResult) {
	u.mu.Lock()
	u.results = append(u.results, r)
	u.mu.Unlock()
	u.ch <- r
}

func (u *probeUpdates) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.results)
}

func (u *probeUpdates) waitFor(t *testing.T, match func(domain.ProbeResult) bool) domain.ProbeResult {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r := <-u.ch:
			if match(r) {
				return r
			}
		case <-timeout:
			t.Fatal("expected probe update never arrived")
			return domain.ProbeResult{}
		}
	}
}

func feedStableLink(tr *fakeTransport, n int) {
	for i := 0; i < n; i++ {
		tr.telemetry <- domain.TelemetrySample{MeasuredBitrate: 2_000_000, RTT: 40 * time.Millisecond}
	}
}

func TestNetworkProbe_RejectsShortDuration(t *testing.T) {
	p := NewNetworkQualityProbe(&fakeTransportFactory{}, clock.NewMock(), newTestDispatcher(t), NewQualityService(), testLogger(t))

	h, err := p.Start(context.Background(), ProbeOptions{Endpoint: "https://ingest.example/whip", Duration: 2 * time.Second}, nil)
	assert.Nil(t, h)
	assert.Equal(t, domain.ErrCodeInvalidProbeDuration, domain.CodeOf(err))
}

func TestNetworkProbe_CompletesWithRecommendations(t *testing.T) {
	clk := clock.NewMock()
	tr := newFakeTransport()
	factory := &fakeTransportFactory{queue: []*fakeTransport{tr}}
	p := NewNetworkQualityProbe(factory, clk, newTestDispatcher(t), NewQualityService(), testLogger(t))

	updates := newProbeUpdates()
	h, err := p.Start(context.Background(), ProbeOptions{Endpoint: "https://ingest.example/whip"}, updates.record)
	require.NoError(t, err)

	updates.waitFor(t, func(r domain.ProbeResult) bool { return r.Status == domain.ProbeTesting })
	feedStableLink(tr, 12)

	clk.Add(DefaultProbeDuration)
	final := updates.waitFor(t, func(r domain.ProbeResult) bool { return r.Status.Terminal() })

	assert.Equal(t, domain.ProbeSuccess, final.Status)
	assert.Equal(t, 1.0, final.Progress)
	require.NotEmpty(t, final.Recommendations)
	assert.Equal(t, domain.ImageSize{Width: 1280, Height: 720}, final.Recommendations[0].Size())
	for _, rec := range final.Recommendations {
		assert.LessOrEqual(t, rec.MinBitrate(), rec.InitialBitrate())
		assert.LessOrEqual(t, rec.InitialBitrate(), rec.MaxBitrate())
	}

	<-h.Done()
	assert.True(t, tr.isClosed())
	assert.Positive(t, tr.frameCount())
}

func TestNetworkProbe_HandshakeFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.connectErr = errors.New("401 unauthorized")
	p := NewNetworkQualityProbe(&fakeTransportFactory{queue: []*fakeTransport{tr}}, clock.NewMock(), newTestDispatcher(t), NewQualityService(), testLogger(t))

	updates := newProbeUpdates()
	h, err := p.Start(context.Background(), ProbeOptions{Endpoint: "https://ingest.example/whip"}, updates.record)
	require.NoError(t, err)

	final := updates.waitFor(t, func(r domain.ProbeResult) bool { return r.Status.Terminal() })
	assert.Equal(t, domain.ProbeError, final.Status)
	assert.ErrorIs(t, final.Err, domain.ErrHandshakeFailed)
	<-h.Done()
}

func TestNetworkProbe_CancelKeepsRecommendations(t *testing.T) {
	clk := clock.NewMock()
	tr := newFakeTransport()
	d := newTestDispatcher(t)
	p := NewNetworkQualityProbe(&fakeTransportFactory{queue: []*fakeTransport{tr}}, clk, d, NewQualityService(), testLogger(t))

	updates := newProbeUpdates()
	h, err := p.Start(context.Background(), ProbeOptions{Endpoint: "https://ingest.example/whip"}, updates.record)
	require.NoError(t, err)

	updates.waitFor(t, func(r domain.ProbeResult) bool { return r.Status == domain.ProbeTesting })
	feedStableLink(tr, 4)
	clk.Add(probeUpdateInterval)
	updates.waitFor(t, func(r domain.ProbeResult) bool { return r.Progress > 0 })

	h.Cancel()
	d.Flush()
	seen := updates.count()

	clk.Add(DefaultProbeDuration)
	<-h.Done()
	d.Flush()

	assert.Equal(t, seen, updates.count())
	res := h.Result()
	assert.Equal(t, domain.ProbeTesting, res.Status)
	assert.NotEmpty(t, res.Recommendations)
	assert.False(t, h.Active())
}

func TestRecommend(t *testing.T) {
	recs := Recommend(4_000_000, false)
	require.Len(t, recs, 4)
	assert.Equal(t, domain.ImageSize{Width: 1920, Height: 1080}, recs[0].Size())
	assert.Equal(t, 4_000_000, recs[0].MaxBitrate())

	recs = Recommend(50_000, true)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.ImageSize{Width: 360, Height: 640}, recs[0].Size())
	assert.Equal(t, 200_000, recs[0].MaxBitrate())
}
