package domain

// Preset names accepted by PresetConfiguration.
const (
	PresetStandardPortrait  = "standard_portrait"
	PresetStandardLandscape = "standard_landscape"
	PresetBasicPortrait     = "basic_portrait"
	PresetBasicLandscape    = "basic_landscape"
)

// PresetConfiguration returns a fresh configuration for a named preset.
func PresetConfiguration(name string) (*BroadcastConfiguration, bool) {
	switch name {
	case PresetStandardPortrait:
		return standardPreset(ImageSize{Width: 720, Height: 1280}), true
	case PresetStandardLandscape:
		return standardPreset(ImageSize{Width: 1280, Height: 720}), true
	case PresetBasicPortrait:
		return basicPreset(ImageSize{Width: 480, Height: 852}), true
	case PresetBasicLandscape:
		return basicPreset(ImageSize{Width: 852, Height: 480}), true
	default:
		return nil, false
	}
}

func standardPreset(size ImageSize) *BroadcastConfiguration {
	cfg := NewBroadcastConfiguration()
	_ = cfg.Video.SetSize(size)
	_ = cfg.Video.SetBitrates(300_000, 2_100_000, 6_000_000)
	fitSlotsToCanvas(cfg)
	return cfg
}

func basicPreset(size ImageSize) *BroadcastConfiguration {
	cfg := NewBroadcastConfiguration()
	_ = cfg.Video.SetSize(size)
	_ = cfg.Video.SetBitrates(200_000, 800_000, 1_500_000)
	_ = cfg.Audio.SetBitrate(64_000)
	cfg.Audio.Quality = AudioQualityLow
	fitSlotsToCanvas(cfg)
	return cfg
}

func fitSlotsToCanvas(cfg *BroadcastConfiguration) {
	size := cfg.Video.Size()
	for i := range cfg.Mixer.Slots {
		cfg.Mixer.Slots[i].size = Size{Width: float64(size.Width), Height: float64(size.Height)}
	}
}

// DevicePreset picks a descriptor from a list of available devices.
type DevicePreset int

const (
	DevicePresetFrontCamera DevicePreset = iota
	DevicePresetBackCamera
	DevicePresetMicrophone
)

// Select returns the best match for the preset, preferring default devices.
func (p DevicePreset) Select(available []DeviceDescriptor) (DeviceDescriptor, bool) {
	var (
		best  DeviceDescriptor
		found bool
	)
	for _, d := range available {
		if !p.matches(d) {
			continue
		}
		if !found || (d.IsDefault && !best.IsDefault) {
			best, found = d, true
		}
	}
	return best, found
}

func (p DevicePreset) matches(d DeviceDescriptor) bool {
	switch p {
	case DevicePresetFrontCamera:
		return d.Type == DeviceTypeCamera && d.Position == PositionFront
	case DevicePresetBackCamera:
		return d.Type == DeviceTypeCamera && d.Position == PositionBack
	case DevicePresetMicrophone:
		return d.Type == DeviceTypeMicrophone
	default:
		return false
	}
}

// ParseDevicePreset accepts front_camera, back_camera and microphone.
func ParseDevicePreset(s string) (DevicePreset, bool) {
	switch s {
	case "front_camera":
		return DevicePresetFrontCamera, true
	case "back_camera":
		return DevicePresetBackCamera, true
	case "microphone":
		return DevicePresetMicrophone, true
	default:
		return 0, false
	}
}
