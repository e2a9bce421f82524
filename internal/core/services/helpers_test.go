package services

import (
	"context"
	"sync"
	"testing"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	d := NewDispatcher(testLogger(t))
	t.Cleanup(d.Close)
	return d
}

func camera(urn string) domain.DeviceDescriptor {
	return domain.DeviceDescriptor{
		DeviceID:     urn,
		URN:          urn,
		FriendlyName: urn,
		Type:         domain.DeviceTypeCamera,
		Streams:      []domain.StreamKind{domain.StreamKindImage},
		Position:     domain.PositionFront,
	}
}

func microphone(urn string) domain.DeviceDescriptor {
	return domain.DeviceDescriptor{
		DeviceID:     urn,
		URN:          urn,
		FriendlyName: urn,
		Type:         domain.DeviceTypeMicrophone,
		Streams:      []domain.StreamKind{domain.StreamKindPCM},
		SampleRate:   48000,
		Channels:     1,
		AudioFormat:  domain.AudioFormatInt16,
	}
}

type stubDevice struct {
	desc domain.DeviceDescriptor
}

func (d stubDevice) Descriptor() domain.DeviceDescriptor { return d.desc }
func (d stubDevice) Tag() string                         { return "stub-" + d.desc.URN }

// MockDeviceProvider records Open calls. ListAvailable is served from the
// devices field so tests only need expectations for Open.
type MockDeviceProvider struct {
	mock.Mock

	mu      sync.Mutex
	devices []domain.DeviceDescriptor
	events  chan ports.DeviceEvent
}

func newMockProvider(devices ...domain.DeviceDescriptor) *MockDeviceProvider {
	return &MockDeviceProvider{devices: devices, events: make(chan ports.DeviceEvent, 8)}
}

func (p *MockDeviceProvider) ListAvailable(ctx context.Context) ([]domain.DeviceDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.DeviceDescriptor(nil), p.devices...), nil
}

func (p *MockDeviceProvider) Open(ctx context.Context, desc domain.DeviceDescriptor) (ports.CaptureHandle, error) {
	args := p.Called(ctx, desc.URN)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.CaptureHandle), args.Error(1)
}

func (p *MockDeviceProvider) Watch() <-chan ports.DeviceEvent {
	return p.events
}

func (p *MockDeviceProvider) remove(urn string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, d := range p.devices {
		if d.URN == urn {
			p.devices = append(p.devices[:i], p.devices[i+1:]...)
			p.events <- ports.DeviceEvent{Added: false, Descriptor: d}
			return
		}
	}
}

type fakeHandle struct {
	mu     sync.Mutex
	closed int
	zoom   float64
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

func (h *fakeHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) ZoomRange() (float64, float64) { return 1, 4 }

func (h *fakeHandle) SetZoom(factor float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.zoom = factor
	return nil
}

func newTestMixer(t *testing.T, clk clock.Clock, d *Dispatcher, slots ...domain.SlotConfiguration) *Mixer {
	if len(slots) == 0 {
		slots = []domain.SlotConfiguration{domain.NewSlotConfiguration()}
	}
	m, err := NewMixer(MixerOptions{
		Canvas:              domain.ImageSize{Width: 720, Height: 1280},
		CanvasAspect:        domain.AspectModeFit,
		TransparencyEnabled: true,
		Slots:               slots,
	}, clk, d, testLogger(t))
	require.NoError(t, err)
	return m
}

func namedSlot(t *testing.T, name string) domain.SlotConfiguration {
	s, err := domain.NamedSlot(name)
	require.NoError(t, err)
	return s
}

type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	frames     int
	metadata   []string
	closed     bool

	telemetry chan domain.TelemetrySample
	lost      chan error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		telemetry: make(chan domain.TelemetrySample),
		lost:      make(chan error, 1),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr
}

func (f *fakeTransport) WriteFrame(domain.EncodedFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
	return nil
}

func (f *fakeTransport) SendMetadata(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata = append(f.metadata, text)
	return nil
}

func (f *fakeTransport) Telemetry() <-chan domain.TelemetrySample { return f.telemetry }
func (f *fakeTransport) Lost() <-chan error                       { return f.lost }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

// fakeTransportFactory hands out prepared transports in order and then
// fresh ones.
type fakeTransportFactory struct {
	mu      sync.Mutex
	queue   []*fakeTransport
	created []*fakeTransport
	params  []ports.TransportParams
}

func (f *fakeTransportFactory) NewTransport(ctx context.Context, params ports.TransportParams) (ports.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var t *fakeTransport
	if len(f.queue) > 0 {
		t, f.queue = f.queue[0], f.queue[1:]
	} else {
		t = newFakeTransport()
	}
	f.created = append(f.created, t)
	f.params = append(f.params, params)
	return t, nil
}

func (f *fakeTransportFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

func (f *fakeTransportFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}
