package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"go.uber.org/zap"
)

const (
	defaultMinZoom = 1.0
	defaultMaxZoom = 8.0
	watchBuffer    = 16
)

// Catalog is an in-memory capture source provider. Devices come from
// configuration and can be plugged in or removed at runtime, which is
// reported on the Watch channel.
type Catalog struct {
	mu      sync.RWMutex
	devices map[string]domain.DeviceDescriptor
	open    map[string]int
	events  chan ports.DeviceEvent
	closed  bool
	logger  *zap.SugaredLogger
}

// New returns a catalog seeded with devices. Duplicate URNs keep the last
// entry.
func New(devices []domain.DeviceDescriptor, logger *zap.SugaredLogger) *Catalog {
	c := &Catalog{
		devices: make(map[string]domain.DeviceDescriptor, len(devices)),
		open:    make(map[string]int),
		events:  make(chan ports.DeviceEvent, watchBuffer),
		logger:  logger,
	}
	for _, d := range devices {
		c.devices[d.URN] = d.Clone()
	}
	return c
}

var _ ports.DeviceProvider = (*Catalog)(nil)

func (c *Catalog) ListAvailable(ctx context.Context) ([]domain.DeviceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.DeviceDescriptor, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// Open hands out a capture handle for desc. Cameras support zoom.
func (c *Catalog) Open(ctx context.Context, desc domain.DeviceDescriptor) (ports.CaptureHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.devices[desc.URN]
	if !ok {
		return nil, domain.ErrDeviceNotFound.WithSource(desc.URN)
	}
	c.open[d.URN]++

	h := &handle{catalog: c, urn: d.URN}
	c.logger.Debugw("Capture handle opened", "device", d.URN, "open_handles", c.open[d.URN])

	if d.Type == domain.DeviceTypeCamera {
		return &cameraHandle{handle: h, min: defaultMinZoom, max: defaultMaxZoom, zoom: defaultMinZoom}, nil
	}
	return h, nil
}

func (c *Catalog) Watch() <-chan ports.DeviceEvent {
	return c.events
}

// Add plugs a device in. Adding a URN that is already present replaces its
// descriptor without emitting an event.
func (c *Catalog) Add(desc domain.DeviceDescriptor) error {
	if desc.URN == "" {
		return fmt.Errorf("device urn must not be empty")
	}

	c.mu.Lock()
	_, existed := c.devices[desc.URN]
	c.devices[desc.URN] = desc.Clone()
	c.mu.Unlock()

	if existed {
		return nil
	}
	c.logger.Infow("Device added", "device", desc.URN, "type", desc.Type.String())
	c.emit(ports.DeviceEvent{Added: true, Descriptor: desc.Clone()})
	return nil
}

// Remove unplugs a device. Open handles stay valid but are orphaned.
func (c *Catalog) Remove(urn string) error {
	c.mu.Lock()
	d, ok := c.devices[urn]
	if ok {
		delete(c.devices, urn)
	}
	c.mu.Unlock()

	if !ok {
		return domain.ErrDeviceNotFound.WithSource(urn)
	}
	c.logger.Infow("Device removed", "device", urn, "type", d.Type.String())
	c.emit(ports.DeviceEvent{Added: false, Descriptor: d})
	return nil
}

// OpenHandles returns the number of handles currently open for urn.
func (c *Catalog) OpenHandles(urn string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open[urn]
}

// Close stops event delivery. The Watch channel is closed.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.events)
	return nil
}

func (c *Catalog) emit(ev ports.DeviceEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warnw("Device event dropped, watcher is not draining", "device", ev.Descriptor.URN, "added", ev.Added)
	}
}

func (c *Catalog) release(urn string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open[urn] <= 1 {
		delete(c.open, urn)
		return
	}
	c.open[urn]--
}

type handle struct {
	catalog *Catalog
	urn     string
	once    sync.Once
}

func (h *handle) Close() error {
	h.once.Do(func() {
		h.catalog.release(h.urn)
		h.catalog.logger.Debugw("Capture handle closed", "device", h.urn)
	})
	return nil
}

type cameraHandle struct {
	*handle

	mu   sync.Mutex
	min  float64
	max  float64
	zoom float64
}

func (h *cameraHandle) ZoomRange() (min, max float64) {
	return h.min, h.max
}

func (h *cameraHandle) SetZoom(factor float64) error {
	if factor < h.min || factor > h.max {
		return fmt.Errorf("zoom %.2f outside [%.2f,%.2f]", factor, h.min, h.max)
	}
	h.mu.Lock()
	h.zoom = factor
	h.mu.Unlock()
	return nil
}

func (h *cameraHandle) Zoom() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.zoom
}
