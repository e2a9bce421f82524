package services

import (
	"sync"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/google/uuid"
)

const (
	minDeviceGain = 0.0
	maxDeviceGain = 2.0
)

type baseDevice struct {
	desc domain.DeviceDescriptor
	tag  string
}

func newBaseDevice(desc domain.DeviceDescriptor) baseDevice {
	return baseDevice{desc: desc.Clone(), tag: uuid.NewString()}
}

func (d *baseDevice) Descriptor() domain.DeviceDescriptor { return d.desc.Clone() }
func (d *baseDevice) Tag() string                         { return d.tag }

type captureDevice struct {
	baseDevice
	handle ports.CaptureHandle
}

type cameraDevice struct {
	captureDevice

	mu   sync.Mutex
	zoom float64
}

func (c *cameraDevice) ZoomFactor() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.zoom
}

func (c *cameraDevice) SetZoomFactor(factor float64) error {
	zc, ok := c.handle.(ports.ZoomController)
	if !ok {
		if factor != 1 {
			return domain.ErrInvalidZoomFactor.WithSource(c.desc.URN)
		}
		return nil
	}
	lo, hi := zc.ZoomRange()
	if factor < lo || factor > hi {
		return domain.Errorf(domain.ErrCodeInvalidZoomFactor, "zoom %.2f outside [%.2f,%.2f]", factor, lo, hi).WithSource(c.desc.URN)
	}
	if err := zc.SetZoom(factor); err != nil {
		return domain.ErrInvalidZoomFactor.WithSource(c.desc.URN).WithCause(err)
	}
	c.mu.Lock()
	c.zoom = factor
	c.mu.Unlock()
	return nil
}

type microphoneDevice struct {
	captureDevice

	mu   sync.Mutex
	gain float64
}

func (m *microphoneDevice) Gain() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gain
}

func (m *microphoneDevice) SetGain(gain float64) error {
	if gain < minDeviceGain || gain > maxDeviceGain {
		return domain.Errorf(domain.ErrCodeInvalidMixerSlotGain, "device gain %.2f outside [%.0f,%.0f]", gain, minDeviceGain, maxDeviceGain).WithSource(m.desc.URN)
	}
	m.mu.Lock()
	m.gain = gain
	m.mu.Unlock()
	return nil
}

// newCaptureDevice wraps an opened handle in the capability set matching
// the descriptor's type.
func newCaptureDevice(desc domain.DeviceDescriptor, handle ports.CaptureHandle) ports.Device {
	base := captureDevice{baseDevice: newBaseDevice(desc), handle: handle}
	switch desc.Type {
	case domain.DeviceTypeCamera:
		return &cameraDevice{captureDevice: base, zoom: 1}
	case domain.DeviceTypeMicrophone:
		return &microphoneDevice{captureDevice: base, gain: 1}
	default:
		return &base
	}
}

func handleOf(d ports.Device) ports.CaptureHandle {
	switch v := d.(type) {
	case *cameraDevice:
		return v.handle
	case *microphoneDevice:
		return v.handle
	case *captureDevice:
		return v.handle
	default:
		return nil
	}
}
