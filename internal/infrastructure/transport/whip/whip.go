// Package whip publishes to an ingest server over WebRTC using WHIP
// (HTTP offer/answer) signaling.
package whip

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/optimize"
	"livecast/pkg/tracing"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	mtu              = 1200
	metadataLabel    = "metadata"
	teardownTimeout  = 3 * time.Second
	defaultTelemetry = 500 * time.Millisecond
	defaultConnect   = 10 * time.Second
)

var (
	ErrClosed          = errors.New("whip: transport closed")
	ErrNotConnected    = errors.New("whip: not connected")
	ErrMetadataChannel = errors.New("whip: metadata channel not open")
)

type Config struct {
	ICEServers        []string
	TelemetryInterval time.Duration
	ConnectTimeout    time.Duration
	HTTPClient        *http.Client
	Clock             clock.Clock
	Logger            *zap.SugaredLogger
}

// Factory creates WHIP transports. It implements ports.TransportFactory.
type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) *Factory {
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = defaultTelemetry
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnect
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.ConnectTimeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Factory{cfg: cfg}
}

func (f *Factory) newAPI(useIPv6 bool) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, domain.ErrEncoderNotFound.WithSource("whip").WithCause(err)
	}

	// NACK responder, RTCP reports and TWCC header extensions.
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("whip: register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	networks := []webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeTCP4}
	if useIPv6 {
		networks = append(networks, webrtc.NetworkTypeUDP6, webrtc.NetworkTypeTCP6)
	}
	se.SetNetworkTypes(networks)

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se)), nil
}

func (f *Factory) NewTransport(ctx context.Context, params ports.TransportParams) (ports.Transport, error) {
	api, err := f.newAPI(params.UseIPv6)
	if err != nil {
		return nil, err
	}

	var ice []webrtc.ICEServer
	if len(f.cfg.ICEServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: f.cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, fmt.Errorf("whip: create peer connection: %w", err)
	}

	t := &Transport{
		cfg:       f.cfg,
		params:    params,
		pc:        pc,
		signal:    &signaler{client: f.cfg.HTTPClient, endpoint: params.Endpoint, streamKey: params.StreamKey},
		logger:    f.cfg.Logger.With("endpoint", params.Endpoint),
		telemetry: make(chan domain.TelemetrySample, 1),
		lost:      make(chan error, 1),
		connected: make(chan struct{}),
		failed:    make(chan error, 1),
		done:      make(chan struct{}),
	}
	if err := t.setupMedia(); err != nil {
		_ = pc.Close()
		return nil, err
	}
	pc.OnConnectionStateChange(t.handleConnectionState)
	return t, nil
}

type mediaTrack struct {
	track      *webrtc.TrackLocalStaticRTP
	packetizer rtp.Packetizer
	clockRate  uint32
	buf        []byte
}

// Transport is one WHIP publishing session.
type Transport struct {
	cfg    Config
	params ports.TransportParams
	pc     *webrtc.PeerConnection
	signal *signaler
	logger *zap.SugaredLogger

	video    *mediaTrack
	audio    *mediaTrack
	metadata *webrtc.DataChannel
	stats    statsCollector

	telemetry chan domain.TelemetrySample
	lost      chan error
	connected chan struct{}
	failed    chan error
	done      chan struct{}

	mu            sync.Mutex
	resource      string
	live          bool
	closed        bool
	awaitKeyframe bool
	onKeyframe    func()

	connectOnce sync.Once
	lostOnce    sync.Once
	closeOnce   sync.Once
}

func (t *Transport) setupMedia() error {
	video, err := t.addTrack(webrtc.MimeTypeH264, "video", videoClockRate, &codecs.H264Payloader{})
	if err != nil {
		return err
	}
	audio, err := t.addTrack(webrtc.MimeTypeOpus, "audio", audioClockRate, &codecs.OpusPayloader{})
	if err != nil {
		return err
	}
	t.video, t.audio = video, audio

	ordered := true
	dc, err := t.pc.CreateDataChannel(metadataLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("whip: create metadata channel: %w", err)
	}
	t.metadata = dc
	return nil
}

func (t *Transport) addTrack(mime, id string, clockRate uint32, payloader rtp.Payloader) (*mediaTrack, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime, ClockRate: clockRate}, id, "livecast")
	if err != nil {
		return nil, fmt.Errorf("whip: create %s track: %w", id, err)
	}
	tr, err := t.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly})
	if err != nil {
		return nil, fmt.Errorf("whip: add %s track: %w", id, err)
	}
	go t.readRTCP(tr.Sender())

	// The track rewrites SSRC and payload type per binding on write.
	return &mediaTrack{
		track:      track,
		packetizer: rtp.NewPacketizer(mtu, 0, 0, payloader, rtp.NewRandomSequencer(), clockRate),
		clockRate:  clockRate,
	}, nil
}

// Connect runs the WHIP offer/answer exchange and waits for the peer
// connection to come up.
func (t *Transport) Connect(ctx context.Context) (err error) {
	ctx, span := tracing.TraceTransport(ctx, "whip.connect", t.params.Endpoint)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("whip: create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("whip: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	answer, resource, err := t.signal.publish(ctx, t.pc.LocalDescription().SDP)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.resource = resource
	t.mu.Unlock()

	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("whip: set remote description: %w", err)
	}

	select {
	case <-t.connected:
	case err := <-t.failed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	t.live = true
	t.awaitKeyframe = true
	t.mu.Unlock()
	// A drop between the connected event and going live lands on failed.
	select {
	case err := <-t.failed:
		t.signalLost(err)
	default:
	}

	ticker := t.cfg.Clock.Ticker(t.cfg.TelemetryInterval)
	go t.report(ticker)
	t.logger.Infow("whip session established", "resource", resource)
	return nil
}

func (t *Transport) handleConnectionState(state webrtc.PeerConnectionState) {
	t.logger.Debugw("peer connection state changed", "state", state)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		t.connectOnce.Do(func() { close(t.connected) })
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		t.mu.Lock()
		live, closed := t.live, t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		err := fmt.Errorf("whip: peer connection %s", state)
		if !live {
			select {
			case t.failed <- err:
			default:
			}
			return
		}
		t.signalLost(err)
	}
}

func (t *Transport) signalLost(err error) {
	t.lostOnce.Do(func() {
		t.logger.Warnw("whip session lost", "error", err)
		t.lost <- err
	})
}

// WriteFrame packetizes one access unit. Under congestion non-key video
// frames are dropped until the next keyframe.
func (t *Transport) WriteFrame(frame domain.EncodedFrame) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if !t.live {
		t.mu.Unlock()
		return ErrNotConnected
	}
	mt := t.audio
	if frame.Kind == domain.MediaKindVideo {
		mt = t.video
		key := frame.Keyframe || isH264Keyframe(frame.Data)
		if key {
			t.awaitKeyframe = false
		} else if t.awaitKeyframe || t.stats.congested() {
			t.awaitKeyframe = true
			t.mu.Unlock()
			return nil
		}
	}
	t.mu.Unlock()

	samples := uint32(frame.Duration.Seconds() * float64(mt.clockRate))
	// The packetizer and scratch buffer are per track; frames of one kind
	// arrive from a single encoder goroutine.
	for _, pkt := range mt.packetizer.Packetize(frame.Data, samples) {
		mt.buf = optimize.GrowSlice(mt.buf, pkt.MarshalSize())
		n, err := pkt.MarshalTo(mt.buf)
		if err != nil {
			return fmt.Errorf("whip: marshal rtp: %w", err)
		}
		if _, err := mt.track.Write(mt.buf[:n]); err != nil {
			return fmt.Errorf("whip: write rtp: %w", err)
		}
		t.stats.addSent(n)
	}
	return nil
}

func (t *Transport) SendMetadata(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.metadata.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrMetadataChannel
	}
	return t.metadata.SendText(text)
}

func (t *Transport) Telemetry() <-chan domain.TelemetrySample { return t.telemetry }
func (t *Transport) Lost() <-chan error                      { return t.lost }

// OnKeyframeRequest implements ports.KeyframeRequester.
func (t *Transport) OnKeyframeRequest(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onKeyframe = fn
}

func (t *Transport) readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		if t.stats.observe(pkts, t.cfg.Clock.Now()) {
			t.mu.Lock()
			fn := t.onKeyframe
			t.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	}
}

func (t *Transport) report(ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			s := t.stats.sample(now, t.cfg.TelemetryInterval)
			select {
			case <-t.telemetry:
			default:
			}
			select {
			case t.telemetry <- s:
			case <-t.done:
				return
			}
		}
	}
}

// Close tears down the peer connection and deletes the WHIP resource.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		resource := t.resource
		t.mu.Unlock()
		close(t.done)

		err = t.pc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if derr := t.signal.release(ctx, resource); derr != nil {
			t.logger.Warnw("whip teardown failed", "resource", resource, "error", derr)
		}
	})
	return err
}

// isH264Keyframe reports whether an Annex-B access unit contains an IDR
// slice.
func isH264Keyframe(data []byte) bool {
	for i := 0; i+3 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		start := -1
		switch {
		case data[i+2] == 1:
			start = i + 3
		case data[i+2] == 0 && data[i+3] == 1:
			start = i + 4
		}
		if start < 0 || start >= len(data) {
			continue
		}
		if data[start]&0x1f == 5 {
			return true
		}
	}
	return false
}
