package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/services"
	"livecast/pkg/config"
	"livecast/pkg/errors"
	"livecast/pkg/validation"

	"github.com/gin-gonic/gin"
)

const maxPreviewDimension = 7680

type MixerHandler struct {
	session *services.BroadcastSession
}

func NewMixerHandler(session *services.BroadcastSession) *MixerHandler {
	return &MixerHandler{session: session}
}

func (h *MixerHandler) RegisterRoutes(read, write gin.IRoutes) {
	read.GET("/mixer/slots", h.ListSlots)
	write.POST("/mixer/slots", h.AddSlot)
	write.DELETE("/mixer/slots/:name", h.RemoveSlot)
	write.POST("/mixer/slots/:name/transition", h.Transition)
	write.POST("/mixer/bind", h.Bind)
	write.POST("/mixer/unbind", h.Unbind)
	read.GET("/preview", h.Preview)
}

func (h *MixerHandler) canvas() domain.ImageSize {
	size, _ := h.session.Mixer().Canvas()
	return domain.ImageSize{Width: int(size.Width), Height: int(size.Height)}
}

// ListSlots returns the layout as it renders now, in z order.
func (h *MixerHandler) ListSlots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"slots": h.session.Mixer().Layout()})
}

func (h *MixerHandler) AddSlot(c *gin.Context) {
	var req config.SlotSection
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateSlotName(req.Name); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	slot, err := req.SlotConfiguration(h.canvas())
	if err != nil {
		_ = c.Error(err)
		return
	}
	mixer := h.session.Mixer()
	if err := mixer.AddSlot(slot); err != nil {
		_ = c.Error(err)
		return
	}
	state, _ := mixer.State(slot.Name())
	c.JSON(http.StatusCreated, state)
}

func (h *MixerHandler) RemoveSlot(c *gin.Context) {
	if !h.session.Mixer().RemoveSlot(c.Param("name")) {
		_ = c.Error(errors.NewNotFoundError("slot"))
		return
	}
	c.Status(http.StatusNoContent)
}

// TransitionRequest carries the full target configuration of the slot.
// The slot name comes from the path.
type TransitionRequest struct {
	config.SlotSection
	DurationMs int `json:"duration_ms" binding:"min=0,max=600000"`
}

func (h *MixerHandler) Transition(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	name := c.Param("name")
	req.Name = name

	target, err := req.SlotConfiguration(h.canvas())
	if err != nil {
		_ = c.Error(err)
		return
	}
	mixer := h.session.Mixer()
	if !mixer.Transition(name, target, time.Duration(req.DurationMs)*time.Millisecond, nil) {
		_ = c.Error(errors.NewNotFoundError("slot"))
		return
	}
	state, _ := mixer.State(name)
	c.JSON(http.StatusAccepted, state)
}

type BindRequest struct {
	URN  string `json:"urn" binding:"required,max=200"`
	Slot string `json:"slot" binding:"max=50"`
}

// Bind moves an attached device to a slot, or to the first compatible
// slot when none is named.
func (h *MixerHandler) Bind(c *gin.Context) {
	var req BindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("urn is required"))
		return
	}
	dev, ok := h.session.Device(req.URN)
	if !ok {
		_ = c.Error(domain.ErrDeviceNotFound.WithSource(req.URN))
		return
	}
	slot, err := h.session.Mixer().Move(dev, req.Slot)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"urn": req.URN, "slot": slot})
}

// Unbind frees the device's slot. The device is detached and released
// right after, like a detach.
func (h *MixerHandler) Unbind(c *gin.Context) {
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
	if !h.session.Mixer().Unbind(dev) {
		_ = c.Error(errors.NewNotFoundError("binding"))
		return
	}
	c.Status(http.StatusNoContent)
}

// Preview renders the layout into a viewport. Query parameters: aspect
// (fit, fill, none; default fit), width and height (default canvas).
func (h *MixerHandler) Preview(c *gin.Context) {
	aspect := domain.AspectModeFit
	if a := c.Query("aspect"); a != "" {
		if a != "fit" && a != "fill" && a != "none" {
			_ = c.Error(errors.NewInvalidInputError("aspect must be fit, fill or none"))
			return
		}
		aspect = domain.ParseAspectMode(a)
	}

	canvas := h.canvas()
	width, err := dimension(c.Query("width"), canvas.Width)
	if err != nil {
		_ = c.Error(errors.NewInvalidInputError("width " + err.Error()))
		return
	}
	height, err := dimension(c.Query("height"), canvas.Height)
	if err != nil {
		_ = c.Error(errors.NewInvalidInputError("height " + err.Error()))
		return
	}

	preview, err := h.session.Preview(aspect)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, preview.Render(domain.Size{Width: float64(width), Height: float64(height)}))
}

func dimension(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if v <= 0 || v > maxPreviewDimension {
		return 0, fmt.Errorf("must be between 1 and %d", maxPreviewDimension)
	}
	return v, nil
}
