package services

import (
	"context"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/optimize"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	MinProbeDuration     = 3 * time.Second
	DefaultProbeDuration = 8 * time.Second

	probeUpdateInterval = 500 * time.Millisecond
	probeFrameRate      = 30
	probeStartBitrate   = 500_000
	probeFrameBytes     = 64 * 1024
)

type ProbeOptions struct {
	Endpoint  string
	StreamKey string
	// Duration defaults to DefaultProbeDuration when zero.
	Duration time.Duration
	// Portrait orients recommended sizes height-first.
	Portrait bool
	UseIPv6  bool
}

type probeTier struct {
	size       domain.ImageSize
	minBitrate int
	maxBitrate int
}

// Ordered best first.
var probeTiers = []probeTier{
	{size: domain.ImageSize{Width: 1920, Height: 1080}, minBitrate: 3_000_000, maxBitrate: 8_500_000},
	{size: domain.ImageSize{Width: 1280, Height: 720}, minBitrate: 1_500_000, maxBitrate: 6_000_000},
	{size: domain.ImageSize{Width: 852, Height: 480}, minBitrate: 600_000, maxBitrate: 3_000_000},
	{size: domain.ImageSize{Width: 640, Height: 360}, minBitrate: 200_000, maxBitrate: 1_500_000},
}

// NetworkQualityProbe runs a synthetic transmission against an ingest
// endpoint and recommends video configurations the link can sustain.
type NetworkQualityProbe struct {
	transports ports.TransportFactory
	clock      clock.Clock
	dispatcher *Dispatcher
	quality    *QualityService
	frames     *optimize.BytePool
	logger     *zap.SugaredLogger
}

func NewNetworkQualityProbe(
	transports ports.TransportFactory,
	clk clock.Clock,
	dispatcher *Dispatcher,
	quality *QualityService,
	logger *zap.SugaredLogger,
) *NetworkQualityProbe {
	return &NetworkQualityProbe{
		transports: transports,
		clock:      clk,
		dispatcher: dispatcher,
		quality:    quality,
		frames:     optimize.NewBytePool(probeFrameBytes),
		logger:     logger,
	}
}

// ProbeHandle controls one running probe.
type ProbeHandle struct {
	gate       gate
	gen        uint64
	dispatcher *Dispatcher
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result domain.ProbeResult
}

// Cancel stops the probe. No update is delivered after Cancel returns;
// recommendations gathered so far stay available through Result.
func (h *ProbeHandle) Cancel() {
	h.gate.Cancel()
	h.cancel()
	h.gate.wait(h.dispatcher)
}

func (h *ProbeHandle) Result() domain.ProbeResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.result
	r.Recommendations = append([]domain.VideoConfiguration(nil), h.result.Recommendations...)
	return r
}

// Done is closed once the probe goroutine has exited.
func (h *ProbeHandle) Done() <-chan struct{} {
	return h.done
}

func (h *ProbeHandle) Active() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Start validates opts and launches the probe. onUpdate is called on the
// dispatcher at every status change and progress tick.
func (p *NetworkQualityProbe) Start(ctx context.Context, opts ProbeOptions, onUpdate func(domain.ProbeResult)) (*ProbeHandle, error) {
	if opts.Duration == 0 {
		opts.Duration = DefaultProbeDuration
	}
	if opts.Duration < MinProbeDuration {
		return nil, domain.Errorf(domain.ErrCodeInvalidProbeDuration, "probe duration %s below minimum %s", opts.Duration, MinProbeDuration)
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &ProbeHandle{cancel: cancel, done: make(chan struct{}), dispatcher: p.dispatcher}
	h.gen = h.gate.current()

	go func() {
		defer close(h.done)
		defer cancel()
		p.run(ctx, h, opts, onUpdate)
	}()
	return h, nil
}

func (p *NetworkQualityProbe) run(ctx context.Context, h *ProbeHandle, opts ProbeOptions, onUpdate func(domain.ProbeResult)) {
	publish := func(r domain.ProbeResult) {
		if h.gate.current() != h.gen {
			return
		}
		h.mu.Lock()
		h.result = r
		h.mu.Unlock()
		if onUpdate != nil {
			h.gate.deliver(p.dispatcher, h.gen, func() { onUpdate(r) })
		}
	}
	fail := func(err error) {
		prev := h.Result()
		p.logger.Warnw("network probe failed", "endpoint", opts.Endpoint, "error", err)
		publish(domain.ProbeResult{Status: domain.ProbeError, Progress: prev.Progress, Recommendations: prev.Recommendations, Err: err})
	}

	publish(domain.ProbeResult{Status: domain.ProbeConnecting})

	video := domain.NewVideoConfiguration()
	_ = video.SetBitrates(domain.MinVideoBitrate, probeStartBitrate, domain.MaxVideoBitrate)
	video.AutoBitrateProfile = domain.ProfileFastIncrease
	video.UseAutoBitrate = true

	transport, err := p.transports.NewTransport(ctx, ports.TransportParams{
		Endpoint:  opts.Endpoint,
		StreamKey: opts.StreamKey,
		Video:     video,
		Audio:     domain.NewAudioConfiguration(),
		UseIPv6:   opts.UseIPv6,
	})
	if err != nil {
		fail(err)
		return
	}
	defer transport.Close()

	if err := transport.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		fail(domain.ErrHandshakeFailed.WithSource(opts.Endpoint).WithCause(err))
		return
	}

	abr := NewAdaptiveBitrateController(video, p.quality, p.logger)
	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	stats := make(chan domain.TransmissionStatistics)
	go abr.Run(statsCtx, transport.Telemetry(), func(st domain.TransmissionStatistics) {
		select {
		case stats <- st:
		case <-statsCtx.Done():
		}
	})

	ticker := p.clock.Ticker(probeUpdateInterval)
	defer ticker.Stop()

	start := p.clock.Now()
	best := 0
	publish(domain.ProbeResult{Status: domain.ProbeTesting})
	p.logger.Infow("network probe started", "endpoint", opts.Endpoint, "duration", opts.Duration)

	for {
		select {
		case <-ctx.Done():
			p.logger.Infow("network probe cancelled", "best_bitrate", best)
			return

		case err := <-transport.Lost():
			fail(domain.ErrNetworkConnectivityLost.WithSource(opts.Endpoint).WithCause(err))
			return

		case st := <-stats:
			if st.NetworkHealth >= domain.HealthMedium {
				sustained := st.MeasuredBitrate
				if st.RecommendedBitrate < sustained {
					sustained = st.RecommendedBitrate
				}
				if sustained > best {
					best = sustained
				}
			}

		case <-ticker.C:
			p.sendFrames(transport, abr.Recommended())
			progress := float64(p.clock.Since(start)) / float64(opts.Duration)
			if progress >= 1 {
				p.logger.Infow("network probe finished", "best_bitrate", best)
				publish(domain.ProbeResult{Status: domain.ProbeSuccess, Progress: 1, Recommendations: Recommend(best, opts.Portrait)})
				return
			}
			publish(domain.ProbeResult{Status: domain.ProbeTesting, Progress: progress, Recommendations: Recommend(best, opts.Portrait)})
		}
	}
}

// sendFrames writes one update interval worth of synthetic video at bps.
func (p *NetworkQualityProbe) sendFrames(t ports.Transport, bps int) {
	frames := probeFrameRate * int(probeUpdateInterval) / int(time.Second)
	size := bps / 8 * int(probeUpdateInterval) / int(time.Second) / frames
	if size > probeFrameBytes {
		size = probeFrameBytes
	}
	for i := 0; i < frames; i++ {
		buf := p.frames.Get()
		err := t.WriteFrame(domain.EncodedFrame{
			Kind:     domain.MediaKindVideo,
			Data:     buf[:size],
			Duration: time.Second / probeFrameRate,
			Keyframe: i == 0,
		})
		p.frames.Put(buf)
		if err != nil {
			p.logger.Debugw("probe frame dropped", "error", err)
			return
		}
	}
}

// Recommend lists the tiers a link sustaining bps can carry, best first.
// The smallest tier is always included so callers have something to start
// from.
func Recommend(bps int, portrait bool) []domain.VideoConfiguration {
	var out []domain.VideoConfiguration
	for i, tier := range probeTiers {
		last := i == len(probeTiers)-1
		if bps < tier.minBitrate && !(last && len(out) == 0) {
			continue
		}
		out = append(out, tierConfiguration(tier, bps, portrait))
	}
	return out
}

func tierConfiguration(tier probeTier, bps int, portrait bool) domain.VideoConfiguration {
	max := clampBitrate(bps, tier.minBitrate, tier.maxBitrate)
	initial := clampBitrate(bps*3/4, tier.minBitrate, max)
	min := clampBitrate(tier.minBitrate/2, domain.MinVideoBitrate, initial)

	size := tier.size
	if portrait {
		size.Width, size.Height = size.Height, size.Width
	}

	v := domain.NewVideoConfiguration()
	_ = v.SetSize(size)
	_ = v.SetBitrates(min, initial, max)
	return v
}
