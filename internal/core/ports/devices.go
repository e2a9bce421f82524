package ports

import (
	"context"

	"livecast/internal/core/domain"
)

// CaptureHandle is the provider-side resource behind an attached device.
type CaptureHandle interface {
	Close() error
}

// ZoomController is implemented by camera handles that support zoom.
type ZoomController interface {
	ZoomRange() (min, max float64)
	SetZoom(factor float64) error
}

type DeviceEvent struct {
	Added      bool
	Descriptor domain.DeviceDescriptor
}

type DeviceProvider interface {
	ListAvailable(ctx context.Context) ([]domain.DeviceDescriptor, error)
	Open(ctx context.Context, desc domain.DeviceDescriptor) (CaptureHandle, error)
	// Watch may return nil when hotplug is not supported.
	Watch() <-chan DeviceEvent
}

type Device interface {
	Descriptor() domain.DeviceDescriptor
	Tag() string
}

type AudioDevice interface {
	Device
	Gain() float64
	SetGain(gain float64) error
}

type CameraDevice interface {
	Device
	ZoomFactor() float64
	SetZoomFactor(factor float64) error
}

type ImageSource interface {
	Device
	SubmitImage(frame domain.ImageFrame) error
}

type AudioSource interface {
	Device
	SubmitPCM(buf domain.PCMBuffer) error
}

// MediaPipeline receives samples accepted from custom sources, keyed by the
// slot the source is bound to.
type MediaPipeline interface {
	PushImage(slot string, frame domain.ImageFrame)
	PushAudio(slot string, buf domain.PCMBuffer)
}
