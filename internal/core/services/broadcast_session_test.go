package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	testEndpoint  = "https://ingest.example.com/whip/live"
	testStreamKey = "sk_test_123"
)

type sessionRecorder struct {
	mu      sync.Mutex
	states  []domain.SessionState
	retries []domain.RetryState
	errs    []error
	stats   []domain.TransmissionStatistics
	added   []string
	removed []string
}

func (r *sessionRecorder) listener() *Listener {
	return &Listener{
		OnStateChange: func(s domain.SessionState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnRetryStateChange: func(s domain.RetryState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.retries = append(r.retries, s)
		},
		OnStatistics: func(s domain.TransmissionStatistics) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.stats = append(r.stats, s)
		},
		OnDeviceAdded: func(d domain.DeviceDescriptor) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.added = append(r.added, d.URN)
		},
		OnDeviceRemoved: func(d domain.DeviceDescriptor) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.removed = append(r.removed, d.URN)
		},
	}
}

func (r *sessionRecorder) stateLog() []domain.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.SessionState(nil), r.states...)
}

func (r *sessionRecorder) retryLog() []domain.RetryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.RetryState(nil), r.retries...)
}

func (r *sessionRecorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *sessionRecorder) hasError(code domain.ErrorCode, fatal bool) bool {
	for _, err := range r.errors() {
		if domain.CodeOf(err) == code && domain.IsFatal(err) == fatal {
			return true
		}
	}
	return false
}

type fakeEncoder struct {
	mu        sync.Mutex
	bitrates  []int
	keyframes int
}

func (e *fakeEncoder) SetTargetBitrate(bps int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bitrates = append(e.bitrates, bps)
}

func (e *fakeEncoder) RequestKeyframe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keyframes++
}

func (e *fakeEncoder) lastBitrate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.bitrates) == 0 {
		return 0
	}
	return e.bitrates[len(e.bitrates)-1]
}

type sessionFixture struct {
	session  *BroadcastSession
	clock    *clock.Mock
	provider *MockDeviceProvider
	factory  *fakeTransportFactory
	encoder  *fakeEncoder
	events   *sessionRecorder
}

func newSessionFixture(t *testing.T, configure func(*SessionOptions)) *sessionFixture {
	f := &sessionFixture{
		clock:    clock.NewMock(),
		provider: newMockProvider(camera("camera:front:0"), microphone("microphone:builtin:0")),
		factory:  &fakeTransportFactory{},
		encoder:  &fakeEncoder{},
		events:   &sessionRecorder{},
	}
	opts := SessionOptions{
		Provider:   f.provider,
		Transports: f.factory,
		Encoder:    f.encoder,
		Clock:      f.clock,
		Logger:     testLogger(t),
		Listener:   f.events.listener(),
	}
	if configure != nil {
		configure(&opts)
	}
	s, err := NewBroadcastSession(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	f.session = s
	return f
}

func withReconnect(maxAttempts int) func(*SessionOptions) {
	return func(o *SessionOptions) {
		cfg := domain.NewBroadcastConfiguration()
		cfg.AutoReconnect.Enabled = true
		cfg.AutoReconnect.MaxAttempts = maxAttempts
		o.Config = cfg
	}
}

func (f *sessionFixture) waitState(t *testing.T, want domain.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool { return f.session.State() == want }, 2*time.Second, 5*time.Millisecond,
		"session never reached %s", want)
}

func (f *sessionFixture) waitRetry(t *testing.T, want domain.RetryState) {
	t.Helper()
	require.Eventually(t, func() bool { return f.session.RetryState() == want }, 2*time.Second, 5*time.Millisecond,
		"retry never reached %s", want)
}

func (f *sessionFixture) goLive(t *testing.T) *fakeTransport {
	t.Helper()
	require.NoError(t, f.session.Start(testEndpoint, testStreamKey))
	f.waitState(t, domain.SessionStateConnected)
	return f.factory.last()
}

func TestBroadcastSession_StartAndStop(t *testing.T) {
	f := newSessionFixture(t, nil)
	assert.True(t, f.session.IsReady())
	assert.Equal(t, domain.SessionStateDisconnected, f.session.State())

	tr := f.goLive(t)
	id := f.session.SessionID()
	assert.NotEmpty(t, id)
	require.Eventually(t, func() bool { return f.encoder.lastBitrate() == 2_100_000 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.session.Stop())
	f.session.dispatcher.Flush()

	assert.Equal(t, domain.SessionStateDisconnected, f.session.State())
	assert.True(t, tr.isClosed())
	assert.Equal(t, []domain.SessionState{
		domain.SessionStateDisconnected,
		domain.SessionStateConnecting,
		domain.SessionStateConnected,
		domain.SessionStateDisconnected,
	}, f.events.stateLog())

	f.goLive(t)
	assert.NotEqual(t, id, f.session.SessionID(), "session id is regenerated per start")
}

func TestBroadcastSession_StopWhenIdleIsNoop(t *testing.T) {
	f := newSessionFixture(t, nil)
	assert.NoError(t, f.session.Stop())
	assert.NoError(t, f.session.Stop())
	assert.Equal(t, domain.SessionStateDisconnected, f.session.State())
}

func TestBroadcastSession_StartValidation(t *testing.T) {
	f := newSessionFixture(t, nil)

	err := f.session.Start("rtmp://insecure.example.com/app", testStreamKey)
	assert.ErrorIs(t, err, domain.ErrHandshakeFailed)
	err = f.session.Start(testEndpoint, "")
	assert.ErrorIs(t, err, domain.ErrHandshakeFailed)
	assert.Equal(t, domain.SessionStateDisconnected, f.session.State())

	f.goLive(t)
	err = f.session.Start(testEndpoint, testStreamKey)
	assert.ErrorIs(t, err, domain.ErrInvalidState, "already live")
}

func TestBroadcastSession_RejectsStartAfterClose(t *testing.T) {
	f := newSessionFixture(t, nil)
	require.NoError(t, f.session.Close(context.Background()))

	assert.False(t, f.session.IsReady())
	assert.ErrorIs(t, f.session.Start(testEndpoint, testStreamKey), domain.ErrSessionIsNotReady)
}

func TestBroadcastSession_HandshakeFailureIsFatalWithoutRetry(t *testing.T) {
	failing := newFakeTransport()
	failing.connectErr = errors.New("403 forbidden")
	f := newSessionFixture(t, nil)
	f.factory.queue = []*fakeTransport{failing}

	require.NoError(t, f.session.Start(testEndpoint, testStreamKey))
	require.Eventually(t, func() bool {
		return f.events.hasError(domain.ErrCodeHandshakeFailed, true)
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, domain.SessionStateDisconnected, f.session.State())
	assert.True(t, failing.isClosed())
	assert.Equal(t, domain.RetryStateNotRetrying, f.session.RetryState())
}

// refusedKey is the ingest server turning the stream key away.
type refusedKey struct{}

func (refusedKey) Error() string       { return "ingest refused the stream key" }
func (refusedKey) Unrecoverable() bool { return true }

func TestBroadcastSession_RefusedKeyEntersErrorUntilStop(t *testing.T) {
	refused := newFakeTransport()
	refused.connectErr = refusedKey{}
	f := newSessionFixture(t, withReconnect(3))
	f.factory.queue = []*fakeTransport{refused}

	require.NoError(t, f.session.Start(testEndpoint, testStreamKey))
	f.waitState(t, domain.SessionStateError)
	assert.True(t, f.events.hasError(domain.ErrCodeHandshakeFailed, true))
	assert.Equal(t, domain.RetryStateNotRetrying, f.session.RetryState())

	f.clock.Add(time.Minute)
	assert.Equal(t, 1, f.factory.count(), "refused key is not retried")
	assert.ErrorIs(t, f.session.Start(testEndpoint, testStreamKey), domain.ErrInvalidState)

	require.NoError(t, f.session.Stop())
	f.session.dispatcher.Flush()
	assert.Equal(t, []domain.SessionState{
		domain.SessionStateDisconnected,
		domain.SessionStateConnecting,
		domain.SessionStateError,
		domain.SessionStateDisconnected,
	}, f.events.stateLog())

	f.goLive(t)
}

func TestBroadcastSession_RefusedKeyOnReconnectEntersError(t *testing.T) {
	f := newSessionFixture(t, withReconnect(3))
	tr := f.goLive(t)

	refused := newFakeTransport()
	refused.connectErr = refusedKey{}
	f.factory.mu.Lock()
	f.factory.queue = append(f.factory.queue, refused)
	f.factory.mu.Unlock()

	tr.lost <- errors.New("connection reset")
	f.waitRetry(t, domain.RetryStateWaitingForBackoffTimer)
	f.clock.Add(time.Second)

	f.waitState(t, domain.SessionStateError)
	assert.Equal(t, domain.RetryStateNotRetrying, f.session.RetryState())
	f.clock.Add(time.Minute)
	assert.Equal(t, 2, f.factory.count())

	require.NoError(t, f.session.Stop())
	assert.Equal(t, domain.SessionStateDisconnected, f.session.State())
}

func TestBroadcastSession_StopDoesNotWaitForConnectivityCheck(t *testing.T) {
	conn := &blockingConnectivity{entered: make(chan struct{}, 1), release: make(chan struct{})}
	defer close(conn.release)
	f := newSessionFixture(t, func(o *SessionOptions) {
		withReconnect(3)(o)
		o.Connectivity = conn
	})
	tr := f.goLive(t)

	tr.lost <- errors.New("connection reset")
	select {
	case <-conn.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("connectivity was never checked")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- f.session.Stop() }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop waited on the connectivity check")
	}
	assert.Equal(t, domain.SessionStateDisconnected, f.session.State())
	assert.NotEmpty(t, f.session.SessionID())
}

func TestBroadcastSession_StopWaitsForRunningRetryCallback(t *testing.T) {
	f := newSessionFixture(t, withReconnect(3))
	tr := f.goLive(t)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var stopped, late atomic.Bool
	f.session.Subscribe(Listener{OnRetryStateChange: func(s domain.RetryState) {
		if stopped.Load() {
			late.Store(true)
		}
		if s == domain.RetryStateWaitingForBackoffTimer {
			entered <- struct{}{}
			<-release
			_ = f.session.SessionID()
		}
	}})

	tr.lost <- errors.New("connection reset")
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("retry state never delivered")
	}

	done := make(chan error, 1)
	go func() {
		err := f.session.Stop()
		stopped.Store(true)
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("Stop returned while a retry callback was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop never returned")
	}

	f.clock.Add(time.Minute)
	f.session.dispatcher.Flush()
	assert.False(t, late.Load(), "retry callback delivered after Stop")
}

func TestBroadcastSession_StopFromRetryCallback(t *testing.T) {
	f := newSessionFixture(t, withReconnect(3))
	tr := f.goLive(t)

	done := make(chan error, 1)
	f.session.Subscribe(Listener{OnRetryStateChange: func(s domain.RetryState) {
		if s == domain.RetryStateWaitingForBackoffTimer {
			done <- f.session.Stop()
		}
	}})

	tr.lost <- errors.New("connection reset")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop from a listener deadlocked")
	}
	assert.Equal(t, domain.RetryStateNotRetrying, f.session.RetryState())
}

func TestBroadcastSession_TransportLossWithoutRetryIsFatal(t *testing.T) {
	f := newSessionFixture(t, nil)
	tr := f.goLive(t)

	tr.lost <- errors.New("connection reset")
	require.Eventually(t, func() bool {
		return f.events.hasError(domain.ErrCodeNetworkConnectivityLost, true)
	}, 2*time.Second, 5*time.Millisecond)

	f.waitState(t, domain.SessionStateDisconnected)
	assert.True(t, tr.isClosed())
	assert.Equal(t, 1, f.factory.count())
}

func TestBroadcastSession_ReconnectsAfterLoss(t *testing.T) {
	f := newSessionFixture(t, withReconnect(3))
	tr := f.goLive(t)

	tr.lost <- errors.New("connection reset")
	f.waitRetry(t, domain.RetryStateWaitingForBackoffTimer)
	assert.Equal(t, domain.SessionStateDisconnected, f.session.State())

	f.clock.Add(time.Second)
	f.waitRetry(t, domain.RetryStateSuccess)
	f.waitState(t, domain.SessionStateConnected)
	f.session.dispatcher.Flush()

	assert.Equal(t, 2, f.factory.count())
	assert.True(t, f.events.hasError(domain.ErrCodeNetworkConnectivityLost, false))
	assert.False(t, f.events.hasError(domain.ErrCodeNetworkConnectivityLost, true))
	assert.Equal(t, []domain.RetryState{
		domain.RetryStateWaitingForBackoffTimer,
		domain.RetryStateRetrying,
		domain.RetryStateSuccess,
	}, f.events.retryLog())
}

func TestBroadcastSession_GivesUpAfterMaxAttempts(t *testing.T) {
	failing := newFakeTransport()
	failing.connectErr = errors.New("503 unavailable")
	f := newSessionFixture(t, withReconnect(1))
	f.factory.queue = []*fakeTransport{newFakeTransport(), failing}
	tr := f.goLive(t)

	tr.lost <- errors.New("connection reset")
	f.waitRetry(t, domain.RetryStateWaitingForBackoffTimer)
	f.clock.Add(time.Second)

	f.waitRetry(t, domain.RetryStateFailure)
	require.Eventually(t, func() bool {
		return f.events.hasError(domain.ErrCodeNetworkConnectivityLost, true)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.SessionStateDisconnected, f.session.State())
}

func TestBroadcastSession_StopDuringRetryIsSilent(t *testing.T) {
	f := newSessionFixture(t, withReconnect(5))
	tr := f.goLive(t)

	tr.lost <- errors.New("connection reset")
	f.waitRetry(t, domain.RetryStateWaitingForBackoffTimer)

	require.NoError(t, f.session.Stop())
	assert.Equal(t, domain.RetryStateNotRetrying, f.session.RetryState())
	f.session.dispatcher.Flush()
	seen := len(f.events.retryLog())

	f.clock.Add(time.Minute)
	f.session.dispatcher.Flush()

	assert.Equal(t, seen, len(f.events.retryLog()))
	assert.Equal(t, domain.RetryStateNotRetrying, f.session.RetryState())
	assert.Equal(t, domain.SessionStateDisconnected, f.session.State())
	assert.Equal(t, 1, f.factory.count(), "no reconnect after stop")
}

func TestBroadcastSession_TelemetryDrivesEncoder(t *testing.T) {
	f := newSessionFixture(t, nil)
	tr := f.goLive(t)

	tr.telemetry <- domain.TelemetrySample{MeasuredBitrate: 2_000_000, RTT: 40 * time.Millisecond, PacketLoss: 0.2}
	require.Eventually(t, func() bool {
		f.events.mu.Lock()
		defer f.events.mu.Unlock()
		return len(f.events.stats) == 1
	}, 2*time.Second, 5*time.Millisecond)

	stats := f.session.Statistics()
	assert.Less(t, stats.RecommendedBitrate, 2_100_000)
	assert.Equal(t, stats.RecommendedBitrate, f.encoder.lastBitrate())
}

func TestBroadcastSession_TimedMetadata(t *testing.T) {
	f := newSessionFixture(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, f.session.SendTimedMetadata(ctx, "early"), domain.ErrInvalidState)

	tr := f.goLive(t)
	for i := 0; i < metadataPerSecond; i++ {
		require.NoError(t, f.session.SendTimedMetadata(ctx, "cue"))
	}
	assert.ErrorIs(t, f.session.SendTimedMetadata(ctx, "cue"), domain.ErrMetadataRateExceeded)

	f.clock.Add(time.Second)
	assert.NoError(t, f.session.SendTimedMetadata(ctx, "cue"))

	big := strings.Repeat("x", 1025)
	assert.ErrorIs(t, f.session.SendTimedMetadata(ctx, big), domain.ErrMetadataTooLarge)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Len(t, tr.metadata, metadataPerSecond+1)
}

func TestBroadcastSession_ProbeExcludesBroadcast(t *testing.T) {
	f := newSessionFixture(t, nil)

	h, err := f.session.StartProbe(ProbeOptions{Endpoint: testEndpoint, StreamKey: testStreamKey}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, f.session.Start(testEndpoint, testStreamKey), domain.ErrInvalidState)
	_, err = f.session.StartProbe(ProbeOptions{Endpoint: testEndpoint}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	h.Cancel()
	<-h.Done()

	f.goLive(t)
	_, err = f.session.StartProbe(ProbeOptions{Endpoint: testEndpoint}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestBroadcastSession_ConfigurationIsCopied(t *testing.T) {
	cfg := domain.NewBroadcastConfiguration()
	f := newSessionFixture(t, func(o *SessionOptions) { o.Config = cfg })

	require.NoError(t, cfg.Video.SetBitrates(100_000, 200_000, 300_000))
	cfg.Mixer.Slots = nil

	got := f.session.Configuration()
	assert.Equal(t, 6_000_000, got.Video.MaxBitrate())
	assert.Len(t, got.Mixer.Slots, 1)
}

func TestBroadcastSession_RejectsInvalidConfiguration(t *testing.T) {
	cfg := domain.NewBroadcastConfiguration()
	cfg.Video.Codec = "vp9"
	_, err := NewBroadcastSession(SessionOptions{
		Config:     cfg,
		Provider:   newMockProvider(),
		Transports: &fakeTransportFactory{},
		Logger:     testLogger(t),
	})
	assert.ErrorIs(t, err, domain.ErrEncoderNotFound)
}

func TestBroadcastSession_AttachesInitialDescriptors(t *testing.T) {
	handle := &fakeHandle{}
	f := newSessionFixture(t, func(o *SessionOptions) {
		o.Provider.(*MockDeviceProvider).On("Open", mock.Anything, "camera:front:0").Return(handle, nil)
		o.Descriptors = []domain.DeviceDescriptor{camera("camera:front:0"), microphone("microphone:usb:9")}
	})

	require.NoError(t, f.session.registry.AwaitPending(context.Background()))
	f.session.dispatcher.Flush()

	attached := f.session.ListAttachedDevices()
	require.Len(t, attached, 1)
	assert.Equal(t, "camera:front:0", attached[0].Descriptor().URN)
	assert.True(t, f.events.hasError(domain.ErrCodeDeviceNotFound, false))

	require.NoError(t, f.session.Close(context.Background()))
	assert.Equal(t, 1, handle.closeCount())
}

func TestBroadcastSession_HotplugRemovalDetaches(t *testing.T) {
	handle := &fakeHandle{}
	f := newSessionFixture(t, nil)
	f.provider.On("Open", mock.Anything, "camera:front:0").Return(handle, nil)

	done := make(chan error, 1)
	f.session.Attach(camera("camera:front:0"), "", func(_ ports.Device, err error) { done <- err })
	require.NoError(t, <-done)

	f.provider.remove("camera:front:0")
	require.Eventually(t, func() bool {
		f.events.mu.Lock()
		defer f.events.mu.Unlock()
		return len(f.events.removed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, f.session.ListAttachedDevices())
	assert.Equal(t, 1, handle.closeCount())
	_, bound := f.session.Mixer().bindingOfURN("camera:front:0")
	assert.False(t, bound)
}

func TestBroadcastSession_ListAvailableDevicesOrdersCamerasFirst(t *testing.T) {
	f := newSessionFixture(t, func(o *SessionOptions) {
		o.Provider = newMockProvider(microphone("microphone:builtin:0"), camera("camera:front:0"))
	})
	devices, err := f.session.ListAvailableDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, domain.DeviceTypeCamera, devices[0].Type)
}

func TestBroadcastSession_SetLogLevel(t *testing.T) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	f := newSessionFixture(t, func(o *SessionOptions) { o.Level = &level })
	assert.Equal(t, zapcore.ErrorLevel, level.Level(), "configured level applies at construction")

	f.session.SetLogLevel(domain.LogLevelDebug)
	assert.Equal(t, zapcore.DebugLevel, level.Level())
}

func TestBroadcastSession_HealthHysteresisOption(t *testing.T) {
	f := newSessionFixture(t, nil)
	assert.Equal(t, 0.15, f.session.probe.quality.hysteresisFactor)

	h := 0.4
	f = newSessionFixture(t, func(o *SessionOptions) { o.HealthHysteresis = &h })
	assert.Equal(t, 0.4, f.session.probe.quality.hysteresisFactor)
	assert.Same(t, f.session.probe.quality, f.session.abr.quality, "grading is shared with bitrate adaptation")
}

func TestBroadcastSession_Unsubscribe(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.session.dispatcher.Flush()
	var mu sync.Mutex
	count := 0
	unsubscribe := f.session.Subscribe(Listener{OnStateChange: func(domain.SessionState) {
		mu.Lock()
		count++
		mu.Unlock()
	}})

	f.goLive(t)
	f.session.dispatcher.Flush()
	unsubscribe()
	require.NoError(t, f.session.Stop())
	f.session.dispatcher.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count, "connecting and connected only")
}
