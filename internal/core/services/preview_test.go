package services

import (
	"testing"

	"livecast/internal/core/domain"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreview_Render(t *testing.T) {
	mixer := newTestMixer(t, clock.NewMock(), newTestDispatcher(t))
	viewport := domain.Size{Width: 360, Height: 360}

	tests := []struct {
		name   string
		aspect domain.AspectMode
		canvas PreviewRect
	}{
		{
			name:   "fit letterboxes",
			aspect: domain.AspectModeFit,
			canvas: PreviewRect{Origin: domain.Point{X: 78.75, Y: 0}, Size: domain.Size{Width: 202.5, Height: 360}},
		},
		{
			name:   "fill crops",
			aspect: domain.AspectModeFill,
			canvas: PreviewRect{Origin: domain.Point{X: 0, Y: -140}, Size: domain.Size{Width: 360, Height: 640}},
		},
		{
			name:   "none stretches",
			aspect: domain.AspectModeNone,
			canvas: PreviewRect{Size: viewport},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := newPreview(mixer, tt.aspect).Render(viewport)
			assert.InDelta(t, tt.canvas.Origin.X, frame.Canvas.Origin.X, 1e-9)
			assert.InDelta(t, tt.canvas.Origin.Y, frame.Canvas.Origin.Y, 1e-9)
			assert.InDelta(t, tt.canvas.Size.Width, frame.Canvas.Size.Width, 1e-9)
			assert.InDelta(t, tt.canvas.Size.Height, frame.Canvas.Size.Height, 1e-9)

			require.Len(t, frame.Layers, 1)
			assert.Equal(t, frame.Canvas, frame.Layers[0].Rect, "default slot covers the canvas")
		})
	}
}

func TestPreview_LayersFollowZOrder(t *testing.T) {
	top := namedSlot(t, "top")
	top.ZIndex = 2
	top.SetSize(domain.Size{Width: 360, Height: 640})
	top.Position = domain.Point{X: 360, Y: 0}
	bottom := namedSlot(t, "bottom")

	mixer := newTestMixer(t, clock.NewMock(), newTestDispatcher(t), top, bottom)
	frame := newPreview(mixer, domain.AspectModeNone).Render(domain.Size{Width: 720, Height: 1280})

	require.Len(t, frame.Layers, 2)
	assert.Equal(t, "bottom", frame.Layers[0].Slot.Name)
	assert.Equal(t, "top", frame.Layers[1].Slot.Name)
	assert.Equal(t, domain.Point{X: 360, Y: 0}, frame.Layers[1].Rect.Origin)
	assert.Equal(t, domain.Size{Width: 360, Height: 640}, frame.Layers[1].Rect.Size)
}

func TestPreview_EmptyViewport(t *testing.T) {
	mixer := newTestMixer(t, clock.NewMock(), newTestDispatcher(t))
	frame := newPreview(mixer, domain.AspectModeFit).Render(domain.Size{})
	assert.Empty(t, frame.Layers)
}
