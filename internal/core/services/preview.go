package services

import (
	"math"

	"livecast/internal/core/domain"
)

type PreviewRect struct {
	Origin domain.Point `json:"origin"`
	Size   domain.Size  `json:"size"`
}

type PreviewLayer struct {
	Slot domain.SlotState `json:"slot"`
	Rect PreviewRect      `json:"rect"`
}

// PreviewFrame is the composited layout mapped into a viewport, back to
// front.
type PreviewFrame struct {
	Viewport domain.Size    `json:"viewport"`
	Canvas   PreviewRect    `json:"canvas"`
	Layers   []PreviewLayer `json:"layers"`
}

// Preview is a read-only view of the mixer output.
type Preview struct {
	mixer  *Mixer
	aspect domain.AspectMode
}

func newPreview(m *Mixer, aspect domain.AspectMode) *Preview {
	return &Preview{mixer: m, aspect: aspect}
}

func (p *Preview) Aspect() domain.AspectMode {
	return p.aspect
}

// Render maps the canvas into viewport. Fit letterboxes, Fill crops
// (layers may extend past the viewport) and None stretches.
func (p *Preview) Render(viewport domain.Size) PreviewFrame {
	canvas, _ := p.mixer.Canvas()
	frame := PreviewFrame{Viewport: viewport}
	if canvas.Width <= 0 || canvas.Height <= 0 || viewport.Width <= 0 || viewport.Height <= 0 {
		return frame
	}

	sx := viewport.Width / canvas.Width
	sy := viewport.Height / canvas.Height
	switch p.aspect {
	case domain.AspectModeFit:
		sx = math.Min(sx, sy)
		sy = sx
	case domain.AspectModeFill:
		sx = math.Max(sx, sy)
		sy = sx
	}

	w, h := canvas.Width*sx, canvas.Height*sy
	origin := domain.Point{X: (viewport.Width - w) / 2, Y: (viewport.Height - h) / 2}
	frame.Canvas = PreviewRect{Origin: origin, Size: domain.Size{Width: w, Height: h}}

	for _, st := range p.mixer.Layout() {
		frame.Layers = append(frame.Layers, PreviewLayer{
			Slot: st,
			Rect: PreviewRect{
				Origin: domain.Point{X: origin.X + st.Position.X*sx, Y: origin.Y + st.Position.Y*sy},
				Size:   domain.Size{Width: st.Size.Width * sx, Height: st.Size.Height * sy},
			},
		})
	}
	return frame
}
