package domain

import "unicode/utf8"

type AspectMode int

const (
	AspectModeNone AspectMode = iota
	AspectModeFit
	AspectModeFill
)

func (m AspectMode) String() string {
	switch m {
	case AspectModeFit:
		return "fit"
	case AspectModeFill:
		return "fill"
	default:
		return "none"
	}
}

func ParseAspectMode(s string) AspectMode {
	switch s {
	case "fit":
		return AspectModeFit
	case "fill":
		return AspectModeFill
	default:
		return AspectModeNone
	}
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Color is RGBA with components in [0,1].
type Color struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
	A float64 `json:"a"`
}

const (
	MinSlotNameLength = 1
	MaxSlotNameLength = 50
	MinSlotGain       = 0.0
	MaxSlotGain       = 2.0
)

// SlotConfiguration describes one compositing region. Range-checked fields
// are only reachable through setters, which leave the value untouched on
// error.
type SlotConfiguration struct {
	name         string
	aspect       AspectMode
	gain         float64
	transparency float64
	size         Size

	FillColor           Color
	Position            Point
	ZIndex              int
	PreferredVideoInput DeviceType
	PreferredAudioInput DeviceType

	// MatchCanvasAspectMode and MatchCanvasSize make the slot follow the
	// canvas. They reset to false when aspect or size is set explicitly.
	MatchCanvasAspectMode bool
	MatchCanvasSize       bool
}

func NewSlotConfiguration() SlotConfiguration {
	return SlotConfiguration{
		name:                  "default",
		aspect:                AspectModeFit,
		gain:                  1,
		size:                  Size{Width: 720, Height: 1280},
		PreferredVideoInput:   DeviceTypeCamera,
		PreferredAudioInput:   DeviceTypeMicrophone,
		MatchCanvasAspectMode: true,
		MatchCanvasSize:       true,
	}
}

func (s SlotConfiguration) Name() string          { return s.name }
func (s SlotConfiguration) Aspect() AspectMode    { return s.aspect }
func (s SlotConfiguration) Gain() float64         { return s.gain }
func (s SlotConfiguration) Transparency() float64 { return s.transparency }
func (s SlotConfiguration) Size() Size            { return s.size }

func (s *SlotConfiguration) SetName(name string) error {
	if err := validateSlotName(name); err != nil {
		return err
	}
	s.name = name
	return nil
}

func (s *SlotConfiguration) SetGain(gain float64) error {
	if gain < MinSlotGain || gain > MaxSlotGain {
		return Errorf(ErrCodeInvalidMixerSlotGain, "gain %.2f outside [%.0f,%.0f]", gain, MinSlotGain, MaxSlotGain)
	}
	s.gain = gain
	return nil
}

// SetTransparency accepts [0,1]; the value only renders when the video
// configuration enables transparency.
func (s *SlotConfiguration) SetTransparency(t float64) error {
	if t < 0 || t > 1 {
		return Errorf(ErrCodeInvalidMixerSlotTransparency, "transparency %.2f outside [0,1]", t)
	}
	s.transparency = t
	return nil
}

func (s *SlotConfiguration) SetAspect(mode AspectMode) {
	s.aspect = mode
	s.MatchCanvasAspectMode = false
}

func (s *SlotConfiguration) SetSize(size Size) {
	s.size = size
	s.MatchCanvasSize = false
}

// Validate re-checks every constrained field. It matters for zero values
// that never went through the setters.
func (s SlotConfiguration) Validate() error {
	if err := validateSlotName(s.name); err != nil {
		return err
	}
	if s.gain < MinSlotGain || s.gain > MaxSlotGain {
		return Errorf(ErrCodeInvalidMixerSlotGain, "gain %.2f outside [%.0f,%.0f]", s.gain, MinSlotGain, MaxSlotGain)
	}
	if s.transparency < 0 || s.transparency > 1 {
		return Errorf(ErrCodeInvalidMixerSlotTransparency, "transparency %.2f outside [0,1]", s.transparency)
	}
	return nil
}

func validateSlotName(name string) error {
	n := utf8.RuneCountInString(name)
	if n < MinSlotNameLength || n > MaxSlotNameLength {
		return Errorf(ErrCodeInvalidMixerSlotName, "slot name must be %d-%d characters, got %d", MinSlotNameLength, MaxSlotNameLength, n)
	}
	return nil
}

// NamedSlot is a convenience for building slots in presets and tests.
func NamedSlot(name string) (SlotConfiguration, error) {
	s := NewSlotConfiguration()
	if err := s.SetName(name); err != nil {
		return SlotConfiguration{}, err
	}
	return s, nil
}

// SlotState is a slot as it renders at one instant: canvas matching,
// transparency gating and any in-flight transition already applied.
type SlotState struct {
	Name         string     `json:"name"`
	Position     Point      `json:"position"`
	Size         Size       `json:"size"`
	ZIndex       int        `json:"z_index"`
	Aspect       AspectMode `json:"aspect"`
	FillColor    Color      `json:"fill_color"`
	Gain         float64    `json:"gain"`
	Transparency float64    `json:"transparency"`
	ImageDevice  string     `json:"image_device,omitempty"`
	AudioDevice  string     `json:"audio_device,omitempty"`
	Animating    bool       `json:"animating"`
}
