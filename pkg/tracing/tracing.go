package tracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the exporter pipeline. The zero value is a disabled
// provider whose Shutdown is a no-op.
type Provider struct {
	tp *tracesdk.TracerProvider
}

// Config describes the exporter and the broadcaster instance it reports for.
type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64

	// Version is the build version. Empty reports "dev".
	Version string
	// InstanceID tells broadcasters apart. Empty falls back to the hostname.
	InstanceID string
	// Transport, Preset and Codec describe the broadcast this process runs.
	Transport string
	Preset    string
	Codec     string
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "livecast",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Broadcast resource attributes.
var (
	TransportKindKey = attribute.Key("livecast.transport")
	PresetKey        = attribute.Key("livecast.preset")
	CodecKey         = attribute.Key("livecast.video.codec")
)

// Init installs a Jaeger-backed provider and the W3C propagators globally.
// A disabled config leaves the global no-op tracer in place.
func Init(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("jaeger exporter: %w", err)
	}
	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{tp: tp}, nil
}

func newResource(cfg Config) (*resource.Resource, error) {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	instance := cfg.InstanceID
	if instance == "" {
		if host, err := os.Hostname(); err == nil {
			instance = host
		}
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(version),
		semconv.DeploymentEnvironmentKey.String(cfg.Environment),
	}
	if instance != "" {
		attrs = append(attrs, semconv.ServiceInstanceIDKey.String(instance))
	}
	for _, kv := range []attribute.KeyValue{
		TransportKindKey.String(cfg.Transport),
		PresetKey.String(cfg.Preset),
		CodecKey.String(cfg.Codec),
	} {
		if kv.Value.AsString() != "" {
			attrs = append(attrs, kv)
		}
	}
	return resource.New(context.Background(), resource.WithAttributes(attrs...))
}

// Shutdown flushes buffered spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

const tracerName = "livecast"

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// SpanFromContext gets span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanAttributes adds attributes to the current span
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span in ctx failed. A nil error is ignored.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Common span attributes
var (
	SessionIDKey  = attribute.Key("session.id")
	EndpointKey   = attribute.Key("ingest.endpoint")
	DeviceURNKey  = attribute.Key("device.urn")
	SlotKey       = attribute.Key("mixer.slot")
	ClientIDKey   = attribute.Key("client.id")
	UserIDKey     = attribute.Key("user.id")
	BitrateKey    = attribute.Key("bitrate")
	LatencyKey    = attribute.Key("latency")
	PacketLossKey = attribute.Key("packet_loss")
	AttemptKey    = attribute.Key("retry.attempt")
	ErrorKey      = attribute.Key("error")
	DurationKey   = attribute.Key("duration")
)

// TraceHTTPRequest traces an HTTP request
func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("http.%s", method),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(path),
		),
	)
}

// TraceWebSocketMessage traces a WebSocket message
func TraceWebSocketMessage(ctx context.Context, messageType string, clientID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("websocket.%s", messageType),
		trace.WithAttributes(
			attribute.String("websocket.message_type", messageType),
			ClientIDKey.String(clientID),
		),
	)
}

// TraceSession traces a broadcast session operation such as start or reconnect
func TraceSession(ctx context.Context, operation string, sessionID, endpoint string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("session.%s", operation),
		trace.WithAttributes(
			attribute.String("session.operation", operation),
			SessionIDKey.String(sessionID),
			EndpointKey.String(endpoint),
		),
	)
}

// TraceTransport traces an ingest transport operation
func TraceTransport(ctx context.Context, operation string, endpoint string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("transport.%s", operation),
		trace.WithAttributes(
			attribute.String("transport.operation", operation),
			EndpointKey.String(endpoint),
		),
	)
}

// TraceDevice traces a device attach, detach or exchange
func TraceDevice(ctx context.Context, operation string, urn string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("device.%s", operation),
		trace.WithAttributes(
			attribute.String("device.operation", operation),
			DeviceURNKey.String(urn),
		),
	)
}

// TraceProbe traces a network quality probe
func TraceProbe(ctx context.Context, endpoint string) (context.Context, trace.Span) {
	return StartSpan(ctx, "probe.run", trace.WithAttributes(EndpointKey.String(endpoint)))
}
