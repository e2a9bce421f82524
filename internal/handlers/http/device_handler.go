package http

import (
	"context"
	"net/http"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/core/services"
	"livecast/pkg/errors"
	"livecast/pkg/tracing"
	"livecast/pkg/validation"

	"github.com/gin-gonic/gin"
)

type DeviceHandler struct {
	session *services.BroadcastSession
}

func NewDeviceHandler(session *services.BroadcastSession) *DeviceHandler {
	return &DeviceHandler{session: session}
}

func (h *DeviceHandler) RegisterRoutes(read, write gin.IRoutes) {
	read.GET("/devices", h.ListAvailable)
	read.GET("/devices/attached", h.ListAttached)
	write.POST("/devices/attach", h.Attach)
	write.POST("/devices/detach", h.Detach)
	write.POST("/devices/exchange", h.Exchange)
	write.POST("/devices/zoom", h.SetZoom)
	write.POST("/devices/gain", h.SetGain)
}

type DeviceView struct {
	URN      string   `json:"urn"`
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Position string   `json:"position"`
	Default  bool     `json:"default"`
	Attached bool     `json:"attached"`
	Tag      string   `json:"tag,omitempty"`
	Slot     string   `json:"slot,omitempty"`
	Zoom     *float64 `json:"zoom,omitempty"`
	Gain     *float64 `json:"gain,omitempty"`
}

func descriptorView(d domain.DeviceDescriptor) DeviceView {
	return DeviceView{
		URN:      d.URN,
		Name:     d.FriendlyName,
		Type:     d.Type.String(),
		Position: d.Position.String(),
		Default:  d.IsDefault,
	}
}

func (h *DeviceHandler) deviceView(dev ports.Device) DeviceView {
	v := descriptorView(dev.Descriptor())
	v.Attached = true
	v.Tag = dev.Tag()
	if slot, ok := h.session.Mixer().BindingOf(dev); ok {
		v.Slot = slot
	}
	switch d := dev.(type) {
	case ports.CameraDevice:
		zoom := d.ZoomFactor()
		v.Zoom = &zoom
	case ports.AudioDevice:
		gain := d.Gain()
		v.Gain = &gain
	}
	return v
}

func (h *DeviceHandler) ListAvailable(c *gin.Context) {
	devices, err := h.session.ListAvailableDevices(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		if dev, ok := h.session.Device(d.URN); ok {
			views = append(views, h.deviceView(dev))
			continue
		}
		views = append(views, descriptorView(d))
	}
	c.JSON(http.StatusOK, gin.H{"devices": views})
}

func (h *DeviceHandler) ListAttached(c *gin.Context) {
	attached := h.session.ListAttachedDevices()
	views := make([]DeviceView, 0, len(attached))
	for _, dev := range attached {
		views = append(views, h.deviceView(dev))
	}
	c.JSON(http.StatusOK, gin.H{"devices": views})
}

// DeviceSelector names a device either by URN or by preset
// (front_camera, back_camera, microphone).
type DeviceSelector struct {
	URN    string `json:"urn" binding:"max=200"`
	Preset string `json:"preset" binding:"omitempty,oneof=front_camera back_camera microphone"`
}

func (h *DeviceHandler) find(ctx context.Context, sel DeviceSelector) (domain.DeviceDescriptor, error) {
	if sel.URN == "" && sel.Preset == "" {
		return domain.DeviceDescriptor{}, errors.NewInvalidInputError("urn or preset is required")
	}
	available, err := h.session.ListAvailableDevices(ctx)
	if err != nil {
		return domain.DeviceDescriptor{}, err
	}

	if sel.URN == "" {
		preset, _ := domain.ParseDevicePreset(sel.Preset)
		if desc, ok := preset.Select(available); ok {
			return desc, nil
		}
		return domain.DeviceDescriptor{}, domain.ErrDeviceNotFound.WithSource(sel.Preset)
	}

	if err := validation.ValidateURN(sel.URN); err != nil {
		return domain.DeviceDescriptor{}, errors.NewInvalidInputError(err.Error())
	}
	for _, d := range available {
		if d.URN == sel.URN {
			return d, nil
		}
	}
	return domain.DeviceDescriptor{}, domain.ErrDeviceNotFound.WithSource(sel.URN)
}

type AttachRequest struct {
	DeviceSelector
	Slot string `json:"slot" binding:"max=50"`
}

// Attach opens a device and binds it to a slot. The response waits for
// the session to finish the attach.
func (h *DeviceHandler) Attach(c *gin.Context) {
	var req AttachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	desc, err := h.find(c.Request.Context(), req.DeviceSelector)
	if err != nil {
		_ = c.Error(err)
		return
	}

	ctx, span := tracing.TraceDevice(c.Request.Context(), "attach", desc.URN)
	defer span.End()
	dev, err := awaitDevice(ctx, func(cb services.DeviceCallback) {
		h.session.Attach(desc, req.Slot, cb)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, h.deviceView(dev))
}

type DetachRequest struct {
	URN string `json:"urn" binding:"required,max=200"`
}

func (h *DeviceHandler) Detach(c *gin.Context) {
	var req DetachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("urn is required"))
		return
	}
	dev, ok := h.session.Device(req.URN)
	if !ok {
		_ = c.Error(domain.ErrDeviceNotFound.WithSource(req.URN))
		return
	}

	ctx, span := tracing.TraceDevice(c.Request.Context(), "detach", req.URN)
	defer span.End()
	err := awaitDone(ctx, func(cb func()) {
		h.session.Detach(dev, cb)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

type ExchangeRequest struct {
	Old string `json:"old_urn" binding:"required,max=200"`
	DeviceSelector
}

// Exchange swaps an attached device for another of the same category,
// keeping its slot.
func (h *DeviceHandler) Exchange(c *gin.Context) {
	var req ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	old, ok := h.session.Device(req.Old)
	if !ok {
		_ = c.Error(domain.ErrExchangeOldDeviceNotAttached.WithSource(req.Old))
		return
	}
	next, err := h.find(c.Request.Context(), req.DeviceSelector)
	if err != nil {
		_ = c.Error(err)
		return
	}

	ctx, span := tracing.TraceDevice(c.Request.Context(), "exchange", next.URN)
	defer span.End()
	dev, err := awaitDevice(ctx, func(cb services.DeviceCallback) {
		h.session.Exchange(old, next, cb)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.deviceView(dev))
}

type ZoomRequest struct {
	URN    string  `json:"urn" binding:"required,max=200"`
	Factor float64 `json:"factor" binding:"required"`
}

func (h *DeviceHandler) SetZoom(c *gin.Context) {
	var req ZoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("urn and factor are required"))
		return
	}
	dev, ok := h.session.Device(req.URN)
	if !ok {
		_ = c.Error(domain.ErrDeviceNotFound.WithSource(req.URN))
		return
	}
	cam, ok := dev.(ports.CameraDevice)
	if !ok {
		_ = c.Error(domain.ErrUnsupportedDeviceType.WithSource(req.URN))
		return
	}
	if err := cam.SetZoomFactor(req.Factor); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.deviceView(dev))
}

type GainRequest struct {
	URN  string   `json:"urn" binding:"required,max=200"`
	Gain *float64 `json:"gain" binding:"required"`
}

func (h *DeviceHandler) SetGain(c *gin.Context) {
	var req GainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("urn and gain are required"))
		return
	}
	dev, ok := h.session.Device(req.URN)
	if !ok {
		_ = c.Error(domain.ErrDeviceNotFound.WithSource(req.URN))
		return
	}
	mic, ok := dev.(ports.AudioDevice)
	if !ok {
		_ = c.Error(domain.ErrUnsupportedDeviceType.WithSource(req.URN))
		return
	}
	if err := mic.SetGain(*req.Gain); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.deviceView(dev))
}
