package ports

import (
	"context"

	"livecast/internal/core/domain"
)

type TransportParams struct {
	Endpoint  string
	StreamKey string
	Video     domain.VideoConfiguration
	Audio     domain.AudioConfiguration
	UseIPv6   bool
}

// Transport is the ingest sink. Telemetry is delivered at roughly 2 Hz
// while connected. Lost yields at most one value, after which the
// transport is unusable.
type Transport interface {
	Connect(ctx context.Context) error
	WriteFrame(frame domain.EncodedFrame) error
	SendMetadata(ctx context.Context, text string) error
	Telemetry() <-chan domain.TelemetrySample
	Lost() <-chan error
	Close() error
}

// Rejection is implemented by transport errors that carry the ingest
// server's verdict. Unrecoverable reports a verdict that a retry would only
// repeat, such as refused credentials.
type Rejection interface {
	error
	Unrecoverable() bool
}

type TransportFactory interface {
	NewTransport(ctx context.Context, params TransportParams) (Transport, error)
}

type ConnectivityMonitor interface {
	Online(ctx context.Context) bool
	// WaitOnline blocks until connectivity returns or ctx ends.
	WaitOnline(ctx context.Context) error
}

// EncoderControl is the feedback path into the external encoder.
type EncoderControl interface {
	SetTargetBitrate(bps int)
	RequestKeyframe()
}

// KeyframeRequester is implemented by transports that learn about
// receiver-side picture loss.
type KeyframeRequester interface {
	OnKeyframeRequest(fn func())
}
