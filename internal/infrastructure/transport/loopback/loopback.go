// Package loopback is an in-process ingest sink that simulates a network
// link. It backs the nettest dry-run mode and integration tests.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

var (
	ErrClosed       = errors.New("loopback: transport closed")
	ErrNotConnected = errors.New("loopback: not connected")
)

// Link describes the simulated path to the ingest server.
type Link struct {
	// Bandwidth in bits per second. Zero means unlimited.
	Bandwidth  int
	RTT        time.Duration
	PacketLoss float64
	Jitter     time.Duration
}

type Config struct {
	Link              Link
	TelemetryInterval time.Duration
	// ConnectError, when set, fails every Connect.
	ConnectError error
	Clock        clock.Clock
	Logger       *zap.SugaredLogger
}

// Factory creates loopback transports sharing one link model.
type Factory struct {
	cfg Config

	mu      sync.Mutex
	link    Link
	created []*Transport
}

func NewFactory(cfg Config) *Factory {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = 500 * time.Millisecond
	}
	return &Factory{cfg: cfg, link: cfg.Link}
}

func (f *Factory) NewTransport(ctx context.Context, params ports.TransportParams) (ports.Transport, error) {
	if params.Endpoint == "" {
		return nil, fmt.Errorf("loopback: endpoint required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t := newTransport(f, params)
	f.created = append(f.created, t)
	return t, nil
}

// SetLink changes conditions for every live and future transport.
func (f *Factory) SetLink(l Link) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.link = l
}

func (f *Factory) currentLink() Link {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.link
}

// Last returns the most recently created transport.
func (f *Factory) Last() *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// Transport implements ports.Transport over the simulated link.
type Transport struct {
	factory *Factory
	params  ports.TransportParams
	clock   clock.Clock
	logger  *zap.SugaredLogger

	telemetry chan domain.TelemetrySample
	lost      chan error
	done      chan struct{}

	mu         sync.Mutex
	connected  bool
	closed     bool
	pending    int // bytes written since the last report
	frames     int
	metadata   []string
	onKeyframe func()
	lossOnce   sync.Once
}

func newTransport(f *Factory, params ports.TransportParams) *Transport {
	return &Transport{
		factory:   f,
		params:    params,
		clock:     f.cfg.Clock,
		logger:    f.cfg.Logger.With("endpoint", params.Endpoint),
		telemetry: make(chan domain.TelemetrySample, 1),
		lost:      make(chan error, 1),
		done:      make(chan struct{}),
	}
}

func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.factory.cfg.ConnectError; err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.connected {
		return nil
	}
	t.connected = true
	ticker := t.clock.Ticker(t.factory.cfg.TelemetryInterval)
	go t.report(ticker)
	t.logger.Debugw("loopback connected", "initial_bitrate", t.params.Video.InitialBitrate())
	return nil
}

func (t *Transport) WriteFrame(frame domain.EncodedFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if !t.connected {
		return ErrNotConnected
	}
	t.pending += len(frame.Data)
	t.frames++
	return nil
}

func (t *Transport) SendMetadata(ctx context.Context, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.closed {
		return ErrNotConnected
	}
	t.metadata = append(t.metadata, text)
	return nil
}

func (t *Transport) Telemetry() <-chan domain.TelemetrySample { return t.telemetry }
func (t *Transport) Lost() <-chan error                      { return t.lost }

// OnKeyframeRequest implements ports.KeyframeRequester.
func (t *Transport) OnKeyframeRequest(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onKeyframe = fn
}

// RequestKeyframe simulates a picture loss indication from the server.
func (t *Transport) RequestKeyframe() {
	t.mu.Lock()
	fn := t.onKeyframe
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Drop simulates the connection going away.
func (t *Transport) Drop(cause error) {
	t.lossOnce.Do(func() {
		t.lost <- cause
	})
}

// Metadata returns the timed metadata received so far.
func (t *Transport) Metadata() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.metadata...)
}

func (t *Transport) Frames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

func (t *Transport) Params() ports.TransportParams {
	return t.params
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return nil
}

func (t *Transport) report(ticker *clock.Ticker) {
	defer ticker.Stop()
	interval := t.factory.cfg.TelemetryInterval
	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			t.mu.Lock()
			sent := t.pending
			t.pending = 0
			t.mu.Unlock()

			sample := Sample(t.factory.currentLink(), sent, interval)
			sample.Timestamp = now

			// Drop the stale sample rather than block the link.
			select {
			case <-t.telemetry:
			default:
			}
			select {
			case t.telemetry <- sample:
			case <-t.done:
				return
			}
		}
	}
}

// Sample models one telemetry report for bytes offered over interval.
// Traffic beyond the link bandwidth is lost and adds queueing delay.
func Sample(l Link, bytes int, interval time.Duration) domain.TelemetrySample {
	offered := int(float64(bytes*8) / interval.Seconds())
	s := domain.TelemetrySample{
		MeasuredBitrate: offered,
		RTT:             l.RTT,
		PacketLoss:      l.PacketLoss,
		Jitter:          l.Jitter,
	}
	if l.Bandwidth > 0 && offered > l.Bandwidth {
		overflow := float64(offered-l.Bandwidth) / float64(offered)
		s.MeasuredBitrate = l.Bandwidth
		s.PacketLoss += overflow
		s.RTT += time.Duration(overflow * float64(interval))
		s.Congested = true
	}
	if s.PacketLoss > 1 {
		s.PacketLoss = 1
	}
	s.MeasuredBitrate = int(float64(s.MeasuredBitrate) * (1 - s.PacketLoss))
	return s
}
