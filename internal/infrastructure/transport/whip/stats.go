package whip

import (
	"sync"
	"time"

	"livecast/internal/core/domain"

	"github.com/pion/rtcp"
)

const (
	videoClockRate = 90000
	audioClockRate = 48000

	// congestionLoss and congestionNacks mark a report interval as
	// congested.
	congestionLoss  = 0.10
	congestionNacks = 50
)

// ntpEpochOffset is the number of seconds between 1900 and 1970.
const ntpEpochOffset = 2208988800

// ntpCompact returns the middle 32 bits of the NTP timestamp for t, the
// unit RTCP uses for LSR and DLSR (1/65536 s).
func ntpCompact(t time.Time) uint32 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return uint32((secs<<32 | frac) >> 16)
}

// roundTrip derives RTT from a reception report received at now. It
// returns false when the report carries no sender report reference.
func roundTrip(r rtcp.ReceptionReport, now time.Time) (time.Duration, bool) {
	if r.LastSenderReport == 0 {
		return 0, false
	}
	units := ntpCompact(now) - r.LastSenderReport - r.Delay
	// Wrapped values mean clock skew or a stale report.
	if int32(units) < 0 {
		return 0, false
	}
	return time.Duration(units) * time.Second / 65536, true
}

// statsCollector folds RTCP feedback and sent bytes into telemetry samples.
type statsCollector struct {
	mu        sync.Mutex
	sentBytes int
	loss      float64
	jitter    time.Duration
	rtt       time.Duration
	nacks     int
}

func (c *statsCollector) addSent(n int) {
	c.mu.Lock()
	c.sentBytes += n
	c.mu.Unlock()
}

// observe records the RTCP packets relevant to telemetry and reports
// whether any of them asks for a keyframe.
func (c *statsCollector) observe(pkts []rtcp.Packet, now time.Time) (keyframe bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.ReceiverReport:
			for _, r := range p.Reports {
				c.loss = float64(r.FractionLost) / 256
				c.jitter = time.Duration(r.Jitter) * time.Second / videoClockRate
				if rtt, ok := roundTrip(r, now); ok {
					c.rtt = rtt
				}
			}
		case *rtcp.TransportLayerNack:
			for _, n := range p.Nacks {
				c.nacks += len(n.PacketList())
			}
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			keyframe = true
		}
	}
	return keyframe
}

// sample closes the current interval.
func (c *statsCollector) sample(now time.Time, interval time.Duration) domain.TelemetrySample {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := domain.TelemetrySample{
		Timestamp:       now,
		MeasuredBitrate: int(float64(c.sentBytes*8) / interval.Seconds() * (1 - c.loss)),
		RTT:             c.rtt,
		PacketLoss:      c.loss,
		Jitter:          c.jitter,
		Congested:       c.loss >= congestionLoss || c.nacks >= congestionNacks,
	}
	c.sentBytes = 0
	c.nacks = 0
	return s
}

func (c *statsCollector) congested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loss >= congestionLoss || c.nacks >= congestionNacks
}
