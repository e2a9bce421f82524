package services

import (
	"time"

	"livecast/internal/core/domain"
)

// healthThreshold is the worst signal a health band tolerates.
type healthThreshold struct {
	PacketLoss   float64
	RTTInflation float64
	Jitter       time.Duration
}

// QualityService classifies link health and bitrate position. It holds no
// per-session state.
type QualityService struct {
	thresholds       map[domain.NetworkHealth]healthThreshold
	hysteresisFactor float64
}

func NewQualityService() *QualityService {
	return &QualityService{
		thresholds: map[domain.NetworkHealth]healthThreshold{
			domain.HealthExcellent: {
				PacketLoss:   0.005,
				RTTInflation: 1.2,
				Jitter:       20 * time.Millisecond,
			},
			domain.HealthHigh: {
				PacketLoss:   0.02,
				RTTInflation: 1.5,
				Jitter:       40 * time.Millisecond,
			},
			domain.HealthMedium: {
				PacketLoss:   0.05,
				RTTInflation: 2.0,
				Jitter:       80 * time.Millisecond,
			},
			domain.HealthLow: {
				PacketLoss:   0.10,
				RTTInflation: 3.0,
				Jitter:       150 * time.Millisecond,
			},
		},
		hysteresisFactor: 0.15,
	}
}

// SetHysteresisFactor sets the hysteresis factor (0.0-1.0)
func (qs *QualityService) SetHysteresisFactor(factor float64) {
	if factor < 0 {
		factor = 0
	}
	if factor > 1.0 {
		factor = 1.0
	}
	qs.hysteresisFactor = factor
}

type linkSignal struct {
	PacketLoss   float64
	RTTInflation float64
	Jitter       time.Duration
}

// ClassifyHealth returns the best band whose thresholds the signal meets.
func (qs *QualityService) ClassifyHealth(sig linkSignal) domain.NetworkHealth {
	for h := domain.HealthExcellent; h > domain.HealthBad; h-- {
		if qs.meets(sig, qs.thresholds[h], 1) {
			return h
		}
	}
	return domain.HealthBad
}

// ClassifyHealthWithHysteresis keeps current unless the signal clearly
// leaves it: moving up needs the stricter side of the next band, moving down
// needs the signal to fail the relaxed side of the current one.
func (qs *QualityService) ClassifyHealthWithHysteresis(current domain.NetworkHealth, sig linkSignal) domain.NetworkHealth {
	optimal := qs.ClassifyHealth(sig)
	switch {
	case optimal == current:
		return current
	case optimal < current:
		if current == domain.HealthBad || !qs.meets(sig, qs.thresholds[current], 1+qs.hysteresisFactor) {
			return optimal
		}
	default:
		if qs.meets(sig, qs.thresholds[optimal], 1-qs.hysteresisFactor) {
			return optimal
		}
		// one band at a time while the signal sits on a boundary
		if current < domain.HealthExcellent && qs.meets(sig, qs.thresholds[current+1], 1-qs.hysteresisFactor) {
			return current + 1
		}
	}
	return current
}

func (qs *QualityService) meets(sig linkSignal, th healthThreshold, scale float64) bool {
	inflationLimit := 1 + (th.RTTInflation-1)*scale
	return sig.PacketLoss <= th.PacketLoss*scale &&
		sig.RTTInflation <= inflationLimit &&
		(sig.Jitter == 0 || float64(sig.Jitter) <= float64(th.Jitter)*scale)
}

// QualityBand places bitrate within [min,max] in fifths.
func (qs *QualityService) QualityBand(bitrate, min, max int) domain.BroadcastQuality {
	if max <= min {
		return domain.QualityNearMaximum
	}
	pos := float64(bitrate-min) / float64(max-min)
	switch {
	case pos < 0.2:
		return domain.QualityNearMinimum
	case pos < 0.4:
		return domain.QualityLow
	case pos < 0.6:
		return domain.QualityMedium
	case pos < 0.8:
		return domain.QualityHigh
	default:
		return domain.QualityNearMaximum
	}
}
