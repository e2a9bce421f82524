package events

import (
	"encoding/json"
	"errors"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/services"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventStateChanged  EventType = "session.state"
	EventError         EventType = "session.error"
	EventRetryState    EventType = "session.retry"
	EventStatistics    EventType = "session.statistics"
	EventDeviceAdded   EventType = "device.added"
	EventDeviceRemoved EventType = "device.removed"
	EventAudioStats    EventType = "audio.stats"
	EventProbeUpdate   EventType = "probe.update"
)

// Event is one session notification as delivered to dashboards and the
// event bus.
type Event struct {
	Type       EventType       `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	InstanceID string          `json:"instance_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Sink consumes events. Publish must not block the caller for long; it is
// invoked from the session's callback dispatcher.
type Sink interface {
	Publish(ev Event)
}

// Fanout publishes every event to each sink in order.
type Fanout []Sink

func (f Fanout) Publish(ev Event) {
	for _, s := range f {
		s.Publish(ev)
	}
}

type StatePayload struct {
	State string `json:"state"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Origin  string `json:"origin"`
	Fatal   bool   `json:"fatal"`
	Source  string `json:"source,omitempty"`
	Message string `json:"message"`
}

type StatisticsPayload struct {
	MeasuredBitrate    int     `json:"measured_bitrate"`
	RecommendedBitrate int     `json:"recommended_bitrate"`
	RTTMillis          float64 `json:"rtt_ms"`
	BroadcastQuality   string  `json:"broadcast_quality"`
	NetworkHealth      string  `json:"network_health"`
}

type AudioStatsPayload struct {
	Source string  `json:"source"`
	Peak   float64 `json:"peak"`
	RMS    float64 `json:"rms"`
}

type VideoPayload struct {
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	InitialBitrate   int     `json:"initial_bitrate"`
	MinBitrate       int     `json:"min_bitrate"`
	MaxBitrate       int     `json:"max_bitrate"`
	Framerate        int     `json:"framerate"`
	KeyframeInterval float64 `json:"keyframe_interval_seconds"`
	Codec            string  `json:"codec"`
}

type ProbePayload struct {
	Status          string         `json:"status"`
	Progress        float64        `json:"progress"`
	Recommendations []VideoPayload `json:"recommendations"`
	Error           *ErrorPayload  `json:"error,omitempty"`
}

func NewErrorPayload(err error) ErrorPayload {
	p := ErrorPayload{Message: err.Error(), Origin: "unknown"}
	var de *domain.Error
	if errors.As(err, &de) {
		p.Code = int(de.Code)
		p.Origin = de.Code.Origin()
		p.Fatal = de.Fatal
		p.Source = de.Source
	}
	return p
}

func NewStatisticsPayload(st domain.TransmissionStatistics) StatisticsPayload {
	return StatisticsPayload{
		MeasuredBitrate:    st.MeasuredBitrate,
		RecommendedBitrate: st.RecommendedBitrate,
		RTTMillis:          float64(st.RTT) / float64(time.Millisecond),
		BroadcastQuality:   st.BroadcastQuality.String(),
		NetworkHealth:      st.NetworkHealth.String(),
	}
}

func NewVideoPayload(v domain.VideoConfiguration) VideoPayload {
	return VideoPayload{
		Width:            v.Size().Width,
		Height:           v.Size().Height,
		InitialBitrate:   v.InitialBitrate(),
		MinBitrate:       v.MinBitrate(),
		MaxBitrate:       v.MaxBitrate(),
		Framerate:        v.TargetFramerate(),
		KeyframeInterval: v.KeyframeInterval().Seconds(),
		Codec:            v.Codec,
	}
}

func NewProbePayload(r domain.ProbeResult) ProbePayload {
	p := ProbePayload{
		Status:          r.Status.String(),
		Progress:        r.Progress,
		Recommendations: make([]VideoPayload, 0, len(r.Recommendations)),
	}
	for _, v := range r.Recommendations {
		p.Recommendations = append(p.Recommendations, NewVideoPayload(v))
	}
	if r.Err != nil {
		e := NewErrorPayload(r.Err)
		p.Error = &e
	}
	return p
}

// SessionIdentity is the part of the session the listener reads to stamp
// events.
type SessionIdentity interface {
	SessionID() string
}

// Recorder turns session callbacks into events for a sink.
type Recorder struct {
	session SessionIdentity
	sink    Sink
	clock   clock.Clock
	logger  *zap.SugaredLogger
}

func NewRecorder(session SessionIdentity, sink Sink, clk clock.Clock, logger *zap.SugaredLogger) *Recorder {
	if clk == nil {
		clk = clock.New()
	}
	return &Recorder{session: session, sink: sink, clock: clk, logger: logger}
}

// Record marshals payload and hands the event to the sink.
func (r *Recorder) Record(typ EventType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warnw("Failed to marshal event payload", "type", typ, "error", err)
		return
	}
	r.sink.Publish(Event{
		Type:      typ,
		SessionID: r.session.SessionID(),
		Timestamp: r.clock.Now().UTC(),
		Payload:   data,
	})
}

// Listener returns session callbacks that record every notification.
func (r *Recorder) Listener() services.Listener {
	return services.Listener{
		OnStateChange: func(st domain.SessionState) {
			r.Record(EventStateChanged, StatePayload{State: st.String()})
		},
		OnError: func(err error) {
			r.Record(EventError, NewErrorPayload(err))
		},
		OnRetryStateChange: func(st domain.RetryState) {
			r.Record(EventRetryState, StatePayload{State: st.String()})
		},
		OnStatistics: func(st domain.TransmissionStatistics) {
			r.Record(EventStatistics, NewStatisticsPayload(st))
		},
		OnDeviceAdded: func(d domain.DeviceDescriptor) {
			r.Record(EventDeviceAdded, d)
		},
		OnDeviceRemoved: func(d domain.DeviceDescriptor) {
			r.Record(EventDeviceRemoved, d)
		},
		OnAudioStats: func(source string, stats domain.AudioStats) {
			r.Record(EventAudioStats, AudioStatsPayload{Source: source, Peak: stats.Peak, RMS: stats.RMS})
		},
	}
}

// ProbeUpdate records a probe progress report.
func (r *Recorder) ProbeUpdate(result domain.ProbeResult) {
	r.Record(EventProbeUpdate, NewProbePayload(result))
}
