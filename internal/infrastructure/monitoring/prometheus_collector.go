package monitoring

import (
	"strconv"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/services"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sessionStates = []domain.SessionState{
	domain.SessionStateInvalid,
	domain.SessionStateDisconnected,
	domain.SessionStateConnecting,
	domain.SessionStateConnected,
	domain.SessionStateError,
}

var retryStates = []domain.RetryState{
	domain.RetryStateNotRetrying,
	domain.RetryStateWaitingForInternet,
	domain.RetryStateWaitingForBackoffTimer,
	domain.RetryStateRetrying,
	domain.RetryStateSuccess,
	domain.RetryStateFailure,
}

type PrometheusCollector struct {
	// State
	sessionState *prometheus.GaugeVec
	retryState   *prometheus.GaugeVec
	connections  prometheus.Counter
	errors       *prometheus.CounterVec

	// Transmission
	measuredBitrate    prometheus.Gauge
	recommendedBitrate prometheus.Gauge
	roundTrip          prometheus.Histogram
	broadcastQuality   prometheus.Gauge
	networkHealth      prometheus.Gauge

	// Devices and sources
	deviceEvents *prometheus.CounterVec
	audioPeak    *prometheus.GaugeVec
	audioRMS     *prometheus.GaugeVec

	// Control surface
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	wsClients       prometheus.Gauge
}

// NewPrometheusCollector registers the livecast metrics with reg, or with
// the default registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecast_session_state",
			Help: "1 for the current broadcast session state, 0 otherwise",
		}, []string{"state"}),

		retryState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecast_retry_state",
			Help: "1 for the current reconnection state, 0 otherwise",
		}, []string{"state"}),

		connections: factory.NewCounter(prometheus.CounterOpts{
			Name: "livecast_connections_total",
			Help: "Number of times the session reached the connected state",
		}),

		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_errors_total",
			Help: "Errors reported by the session by code and fatality",
		}, []string{"code", "origin", "fatal"}),

		measuredBitrate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_measured_bitrate_bps",
			Help: "Bitrate measured by the transport",
		}),

		recommendedBitrate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_recommended_bitrate_bps",
			Help: "Encoder target chosen by bitrate adaptation",
		}),

		roundTrip: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "livecast_rtt_seconds",
			Help:    "Round trip time to the ingest server",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),

		broadcastQuality: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_broadcast_quality",
			Help: "Broadcast quality level (0 near minimum to 4 near maximum)",
		}),

		networkHealth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_network_health",
			Help: "Network health level (0 bad to 4 excellent)",
		}),

		deviceEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_device_events_total",
			Help: "Capture sources plugged in or removed",
		}, []string{"type", "event"}),

		audioPeak: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecast_audio_peak_dbfs",
			Help: "Peak level of the last custom audio submission",
		}, []string{"source"}),

		audioRMS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecast_audio_rms_dbfs",
			Help: "RMS level of the last custom audio submission",
		}, []string{"source"}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_http_requests_total",
			Help: "Control API requests",
		}, []string{"method", "route", "status"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livecast_http_request_duration_seconds",
			Help:    "Control API request latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"method", "route"}),

		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_events_published_total",
			Help: "Session events delivered to an event sink",
		}, []string{"sink"}),

		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_events_dropped_total",
			Help: "Session events an event sink failed to deliver",
		}, []string{"sink"}),

		wsClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_websocket_clients",
			Help: "Connected event stream clients",
		}),
	}
}

// Listener returns session callbacks that feed the collector.
func (p *PrometheusCollector) Listener() services.Listener {
	return services.Listener{
		OnStateChange:      p.RecordState,
		OnError:            p.RecordError,
		OnRetryStateChange: p.RecordRetryState,
		OnStatistics:       p.RecordStatistics,
		OnDeviceAdded:      func(d domain.DeviceDescriptor) { p.RecordDeviceEvent(true, d) },
		OnAudioStats:       p.RecordAudioStats,
		OnDeviceRemoved: func(d domain.DeviceDescriptor) {
			p.RecordDeviceEvent(false, d)
			p.ForgetSource(d.URN)
		},
	}
}

func (p *PrometheusCollector) RecordState(st domain.SessionState) {
	for _, s := range sessionStates {
		v := 0.0
		if s == st {
			v = 1
		}
		p.sessionState.WithLabelValues(s.String()).Set(v)
	}
	if st == domain.SessionStateConnected {
		p.connections.Inc()
	} else {
		p.measuredBitrate.Set(0)
	}
}

func (p *PrometheusCollector) RecordRetryState(st domain.RetryState) {
	for _, s := range retryStates {
		v := 0.0
		if s == st {
			v = 1
		}
		p.retryState.WithLabelValues(s.String()).Set(v)
	}
}

func (p *PrometheusCollector) RecordError(err error) {
	code := domain.CodeOf(err)
	p.errors.WithLabelValues(strconv.Itoa(int(code)), code.Origin(), strconv.FormatBool(domain.IsFatal(err))).Inc()
}

func (p *PrometheusCollector) RecordStatistics(st domain.TransmissionStatistics) {
	p.measuredBitrate.Set(float64(st.MeasuredBitrate))
	p.recommendedBitrate.Set(float64(st.RecommendedBitrate))
	if st.RTT > 0 {
		p.roundTrip.Observe(st.RTT.Seconds())
	}
	p.broadcastQuality.Set(float64(st.BroadcastQuality))
	p.networkHealth.Set(float64(st.NetworkHealth))
}

func (p *PrometheusCollector) RecordDeviceEvent(added bool, d domain.DeviceDescriptor) {
	event := "removed"
	if added {
		event = "added"
	}
	p.deviceEvents.WithLabelValues(d.Type.String(), event).Inc()
}

func (p *PrometheusCollector) RecordAudioStats(source string, stats domain.AudioStats) {
	p.audioPeak.WithLabelValues(source).Set(stats.Peak)
	p.audioRMS.WithLabelValues(source).Set(stats.RMS)
}

// ForgetSource drops the level series of a detached source.
func (p *PrometheusCollector) ForgetSource(source string) {
	p.audioPeak.DeleteLabelValues(source)
	p.audioRMS.DeleteLabelValues(source)
}

func (p *PrometheusCollector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordEventPublished(sink string, n int) {
	p.eventsPublished.WithLabelValues(sink).Add(float64(n))
}

func (p *PrometheusCollector) RecordEventsDropped(sink string, n int) {
	p.eventsDropped.WithLabelValues(sink).Add(float64(n))
}

func (p *PrometheusCollector) RecordClientConnected() {
	p.wsClients.Inc()
}

func (p *PrometheusCollector) RecordClientDisconnected() {
	p.wsClients.Dec()
}
