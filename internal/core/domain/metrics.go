package domain

import "time"

// TelemetrySample is one periodic report from the transport sink.
type TelemetrySample struct {
	Timestamp       time.Time
	MeasuredBitrate int
	RTT             time.Duration
	PacketLoss      float64 // fraction in [0,1]
	Jitter          time.Duration
	Congested       bool
}

type BroadcastQuality int

const (
	QualityNearMinimum BroadcastQuality = iota
	QualityLow
	QualityMedium
	QualityHigh
	QualityNearMaximum
)

func (q BroadcastQuality) String() string {
	switch q {
	case QualityNearMinimum:
		return "near_minimum"
	case QualityLow:
		return "low"
	case QualityMedium:
		return "medium"
	case QualityHigh:
		return "high"
	case QualityNearMaximum:
		return "near_maximum"
	default:
		return "unknown"
	}
}

type NetworkHealth int

const (
	HealthBad NetworkHealth = iota
	HealthLow
	HealthMedium
	HealthHigh
	HealthExcellent
)

func (h NetworkHealth) String() string {
	switch h {
	case HealthBad:
		return "bad"
	case HealthLow:
		return "low"
	case HealthMedium:
		return "medium"
	case HealthHigh:
		return "high"
	case HealthExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}

type TransmissionStatistics struct {
	Timestamp          time.Time        `json:"timestamp"`
	MeasuredBitrate    int              `json:"measured_bitrate"`
	RecommendedBitrate int              `json:"recommended_bitrate"`
	RTT                time.Duration    `json:"rtt"`
	BroadcastQuality   BroadcastQuality `json:"broadcast_quality"`
	NetworkHealth      NetworkHealth    `json:"network_health"`
}

// AudioStats are levels in dBFS for one submission.
type AudioStats struct {
	Peak float64 `json:"peak"`
	RMS  float64 `json:"rms"`
}

type ProbeStatus int

const (
	ProbeConnecting ProbeStatus = iota
	ProbeTesting
	ProbeSuccess
	ProbeError
)

func (s ProbeStatus) String() string {
	switch s {
	case ProbeConnecting:
		return "connecting"
	case ProbeTesting:
		return "testing"
	case ProbeSuccess:
		return "success"
	default:
		return "error"
	}
}

// Terminal reports whether no further updates follow this status.
func (s ProbeStatus) Terminal() bool {
	return s == ProbeSuccess || s == ProbeError
}

type ProbeResult struct {
	Status          ProbeStatus
	Progress        float64
	Recommendations []VideoConfiguration
	Err             error
}
