package services

import (
	"context"
	"math"
	"sync"
	"time"

	"livecast/internal/core/domain"

	"go.uber.org/zap"
)

// bitrateProfile shapes the controller's response. Both profiles drop by the
// same factor on congestion and climb to the same ceiling when stable; they
// differ only in how fast they climb.
type bitrateProfile struct {
	DecreaseFactor   float64
	IncreaseFraction float64
	MinIncrease      int
}

var bitrateProfiles = map[domain.AutoBitrateProfile]bitrateProfile{
	domain.ProfileConservative: {DecreaseFactor: 0.80, IncreaseFraction: 0.03, MinIncrease: 25_000},
	domain.ProfileFastIncrease: {DecreaseFactor: 0.80, IncreaseFraction: 0.10, MinIncrease: 100_000},
}

const (
	// Loss and RTT inflation under these floors are noise, whatever their
	// trend. Inflation is RTT over its observed minimum.
	lossFloor      = 0.005
	inflationFloor = 1.5

	// Changes smaller than these count as flat.
	lossEpsilon      = 0.002
	inflationEpsilon = 0.05

	healthSmoothing = 0.5
)

type linkTrend int

const (
	trendFlat linkTrend = iota
	trendRising
	trendFalling
)

func (t linkTrend) String() string {
	switch t {
	case trendRising:
		return "rising"
	case trendFalling:
		return "falling"
	default:
		return "flat"
	}
}

// trendOf compares a signal with its previous value. Rising only counts
// above the noise floor.
func trendOf(v, prev, floor, epsilon float64) linkTrend {
	switch {
	case v > prev+epsilon && v > floor:
		return trendRising
	case v < prev-epsilon:
		return trendFalling
	default:
		return trendFlat
	}
}

// AdaptiveBitrateController turns telemetry samples into a bitrate target
// and a quality/health classification.
type AdaptiveBitrateController struct {
	quality *QualityService
	logger  *zap.SugaredLogger

	enabled bool
	profile bitrateProfile
	min     int
	max     int
	initial int

	mu          sync.Mutex
	current     int
	baselineRTT time.Duration
	prevLoss    float64
	prevInflate float64
	lossAvg     float64
	inflateAvg  float64
	samples     int
	health      domain.NetworkHealth
}

func NewAdaptiveBitrateController(video domain.VideoConfiguration, quality *QualityService, logger *zap.SugaredLogger) *AdaptiveBitrateController {
	profile, ok := bitrateProfiles[video.AutoBitrateProfile]
	if !ok {
		profile = bitrateProfiles[domain.ProfileConservative]
	}
	return &AdaptiveBitrateController{
		quality: quality,
		logger:  logger,
		enabled: video.UseAutoBitrate,
		profile: profile,
		min:     video.MinBitrate(),
		max:     video.MaxBitrate(),
		initial: video.InitialBitrate(),
		current: video.InitialBitrate(),
		health:  domain.HealthExcellent,

		prevInflate: 1,
	}
}

// Reset returns to the initial bitrate, e.g. after a reconnect.
func (a *AdaptiveBitrateController) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = a.initial
	a.baselineRTT = 0
	a.prevLoss = 0
	a.prevInflate = 1
	a.lossAvg = 0
	a.inflateAvg = 0
	a.samples = 0
	a.health = domain.HealthExcellent
}

func (a *AdaptiveBitrateController) Recommended() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Process folds one sample into the controller state. The bitrate follows
// the trend of loss and RTT inflation: it drops while either climbs and
// rises while they recede. A flat link keeps dropping while it stays
// impaired and climbs once it is clean. Absolute levels only feed health.
func (a *AdaptiveBitrateController) Process(s domain.TelemetrySample) domain.TransmissionStatistics {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s.RTT > 0 && (a.baselineRTT == 0 || s.RTT < a.baselineRTT) {
		a.baselineRTT = s.RTT
	}
	inflation := 1.0
	if a.baselineRTT > 0 && s.RTT > 0 {
		inflation = float64(s.RTT) / float64(a.baselineRTT)
	}

	if a.samples == 0 {
		a.lossAvg, a.inflateAvg = s.PacketLoss, inflation
	} else {
		a.lossAvg += healthSmoothing * (s.PacketLoss - a.lossAvg)
		a.inflateAvg += healthSmoothing * (inflation - a.inflateAvg)
	}
	a.samples++

	trend := a.trendLocked(s, inflation)
	a.prevLoss, a.prevInflate = s.PacketLoss, inflation

	if a.enabled {
		prev := a.current
		if trend == trendRising {
			a.current = int(float64(a.current) * a.profile.DecreaseFactor)
		} else {
			step := int(math.Round(float64(a.current) * a.profile.IncreaseFraction))
			if step < a.profile.MinIncrease {
				step = a.profile.MinIncrease
			}
			a.current += step
		}
		a.current = clampBitrate(a.current, a.min, a.max)
		if a.current != prev {
			a.logger.Debugw("bitrate adjusted",
				"from", prev,
				"to", a.current,
				"trend", trend.String(),
				"packet_loss", s.PacketLoss,
				"rtt", s.RTT,
			)
		}
	}

	a.health = a.quality.ClassifyHealthWithHysteresis(a.health, linkSignal{
		PacketLoss:   a.lossAvg,
		RTTInflation: a.inflateAvg,
		Jitter:       s.Jitter,
	})

	ts := s.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return domain.TransmissionStatistics{
		Timestamp:          ts,
		MeasuredBitrate:    s.MeasuredBitrate,
		RecommendedBitrate: a.current,
		RTT:                s.RTT,
		BroadcastQuality:   a.quality.QualityBand(a.current, a.min, a.max),
		NetworkHealth:      a.health,
	}
}

// trendLocked folds both signals into one verdict. Rising on either side
// wins; a flat link that is still impaired counts as rising.
func (a *AdaptiveBitrateController) trendLocked(s domain.TelemetrySample, inflation float64) linkTrend {
	if s.Congested {
		return trendRising
	}
	loss := trendOf(s.PacketLoss, a.prevLoss, lossFloor, lossEpsilon)
	rtt := trendOf(inflation, a.prevInflate, inflationFloor, inflationEpsilon)
	switch {
	case loss == trendRising || rtt == trendRising:
		return trendRising
	case loss == trendFalling || rtt == trendFalling:
		return trendFalling
	case s.PacketLoss > lossFloor || inflation > inflationFloor:
		return trendRising
	default:
		return trendFlat
	}
}

// Run processes samples until ctx ends or the channel closes.
func (a *AdaptiveBitrateController) Run(ctx context.Context, samples <-chan domain.TelemetrySample, emit func(domain.TransmissionStatistics)) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				return
			}
			emit(a.Process(s))
		}
	}
}

func clampBitrate(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
