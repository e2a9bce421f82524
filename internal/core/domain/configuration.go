package domain

import "time"

type AudioQuality int

const (
	AudioQualityMinimum AudioQuality = iota
	AudioQualityLow
	AudioQualityMedium
	AudioQualityHigh
	AudioQualityMaximum
)

func (q AudioQuality) String() string {
	switch q {
	case AudioQualityMinimum:
		return "minimum"
	case AudioQualityLow:
		return "low"
	case AudioQualityMedium:
		return "medium"
	case AudioQualityHigh:
		return "high"
	case AudioQualityMaximum:
		return "maximum"
	default:
		return "unknown"
	}
}

func ParseAudioQuality(s string) AudioQuality {
	switch s {
	case "minimum":
		return AudioQualityMinimum
	case "low":
		return AudioQualityLow
	case "high":
		return AudioQualityHigh
	case "maximum":
		return AudioQualityMaximum
	default:
		return AudioQualityMedium
	}
}

type AutoBitrateProfile int

const (
	ProfileConservative AutoBitrateProfile = iota
	ProfileFastIncrease
)

func (p AutoBitrateProfile) String() string {
	if p == ProfileFastIncrease {
		return "fast_increase"
	}
	return "conservative"
}

func ParseAutoBitrateProfile(s string) AutoBitrateProfile {
	if s == "fast_increase" {
		return ProfileFastIncrease
	}
	return ProfileConservative
}

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelWarn:
		return "warn"
	default:
		return "error"
	}
}

func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	default:
		return LogLevelError
	}
}

const (
	MinAudioBitrate = 64_000
	MaxAudioBitrate = 160_000

	MinVideoBitrate = 100_000
	MaxVideoBitrate = 8_500_000

	MinVideoDimension = 160
	MaxVideoDimension = 1920
	MaxVideoPixels    = 2_073_600

	MinFramerate = 10
	MaxFramerate = 60

	MinKeyframeInterval = 1 * time.Second
	MaxKeyframeInterval = 5 * time.Second
)

// SupportedCodecs lists the codecs the encoder collaborator can produce.
var SupportedCodecs = []string{"h264"}

type AudioConfiguration struct {
	bitrate  int
	channels int

	Quality AudioQuality
}

func NewAudioConfiguration() AudioConfiguration {
	return AudioConfiguration{bitrate: 96_000, channels: 2, Quality: AudioQualityMedium}
}

func (a AudioConfiguration) Bitrate() int  { return a.bitrate }
func (a AudioConfiguration) Channels() int { return a.channels }

func (a *AudioConfiguration) SetBitrate(bps int) error {
	if bps < MinAudioBitrate || bps > MaxAudioBitrate {
		return Errorf(ErrCodeInvalidAudioBitrate, "audio bitrate %d outside [%d,%d]", bps, MinAudioBitrate, MaxAudioBitrate)
	}
	a.bitrate = bps
	return nil
}

func (a *AudioConfiguration) SetChannels(n int) error {
	if n != 1 && n != 2 {
		return Errorf(ErrCodeInvalidAudioChannels, "audio channels must be 1 or 2, got %d", n)
	}
	a.channels = n
	return nil
}

type VideoConfiguration struct {
	initialBitrate   int
	minBitrate       int
	maxBitrate       int
	size             ImageSize
	targetFramerate  int
	keyframeInterval time.Duration

	Codec              string
	EnableTransparency bool
	UseBFrames         bool
	UseAutoBitrate     bool
	AutoBitrateProfile AutoBitrateProfile
}

func NewVideoConfiguration() VideoConfiguration {
	return VideoConfiguration{
		initialBitrate:     2_100_000,
		minBitrate:         300_000,
		maxBitrate:         6_000_000,
		size:               ImageSize{Width: 720, Height: 1280},
		targetFramerate:    30,
		keyframeInterval:   2 * time.Second,
		Codec:              "h264",
		UseBFrames:         true,
		UseAutoBitrate:     true,
		AutoBitrateProfile: ProfileConservative,
	}
}

func (v VideoConfiguration) InitialBitrate() int             { return v.initialBitrate }
func (v VideoConfiguration) MinBitrate() int                 { return v.minBitrate }
func (v VideoConfiguration) MaxBitrate() int                 { return v.maxBitrate }
func (v VideoConfiguration) Size() ImageSize                 { return v.size }
func (v VideoConfiguration) TargetFramerate() int            { return v.targetFramerate }
func (v VideoConfiguration) KeyframeInterval() time.Duration { return v.keyframeInterval }

func (v *VideoConfiguration) SetInitialBitrate(bps int) error {
	if !bitrateInRange(bps) {
		return Errorf(ErrCodeInvalidVideoInitialBitrate, "initial bitrate %d outside [%d,%d]", bps, MinVideoBitrate, MaxVideoBitrate)
	}
	v.initialBitrate = bps
	return nil
}

func (v *VideoConfiguration) SetMinBitrate(bps int) error {
	if !bitrateInRange(bps) {
		return Errorf(ErrCodeInvalidVideoMinBitrate, "min bitrate %d outside [%d,%d]", bps, MinVideoBitrate, MaxVideoBitrate)
	}
	v.minBitrate = bps
	return nil
}

func (v *VideoConfiguration) SetMaxBitrate(bps int) error {
	if !bitrateInRange(bps) {
		return Errorf(ErrCodeInvalidVideoMaxBitrate, "max bitrate %d outside [%d,%d]", bps, MinVideoBitrate, MaxVideoBitrate)
	}
	v.maxBitrate = bps
	return nil
}

// SetBitrates replaces the whole triple at once. Nothing changes unless
// every value is in range and min <= initial <= max.
func (v *VideoConfiguration) SetBitrates(min, initial, max int) error {
	if !bitrateInRange(min) {
		return Errorf(ErrCodeInvalidVideoMinBitrate, "min bitrate %d outside [%d,%d]", min, MinVideoBitrate, MaxVideoBitrate)
	}
	if !bitrateInRange(initial) {
		return Errorf(ErrCodeInvalidVideoInitialBitrate, "initial bitrate %d outside [%d,%d]", initial, MinVideoBitrate, MaxVideoBitrate)
	}
	if !bitrateInRange(max) {
		return Errorf(ErrCodeInvalidVideoMaxBitrate, "max bitrate %d outside [%d,%d]", max, MinVideoBitrate, MaxVideoBitrate)
	}
	if min > initial || initial > max {
		return Errorf(ErrCodeInvalidBitrateOrdering, "bitrates must satisfy min <= initial <= max, got %d/%d/%d", min, initial, max)
	}
	v.minBitrate, v.initialBitrate, v.maxBitrate = min, initial, max
	return nil
}

func (v *VideoConfiguration) SetSize(size ImageSize) error {
	if size.Width < MinVideoDimension || size.Width > MaxVideoDimension ||
		size.Height < MinVideoDimension || size.Height > MaxVideoDimension {
		return Errorf(ErrCodeInvalidVideoSize, "video size %dx%d: each side must be in [%d,%d]", size.Width, size.Height, MinVideoDimension, MaxVideoDimension)
	}
	if size.Width*size.Height > MaxVideoPixels {
		return Errorf(ErrCodeInvalidVideoSize, "video size %dx%d exceeds %d pixels", size.Width, size.Height, MaxVideoPixels)
	}
	v.size = size
	return nil
}

func (v *VideoConfiguration) SetTargetFramerate(fps int) error {
	if fps < MinFramerate || fps > MaxFramerate {
		return Errorf(ErrCodeInvalidTargetFramerate, "framerate %d outside [%d,%d]", fps, MinFramerate, MaxFramerate)
	}
	v.targetFramerate = fps
	return nil
}

func (v *VideoConfiguration) SetKeyframeInterval(d time.Duration) error {
	if d < MinKeyframeInterval || d > MaxKeyframeInterval {
		return Errorf(ErrCodeInvalidKeyframeInterval, "keyframe interval %s outside [%s,%s]", d, MinKeyframeInterval, MaxKeyframeInterval)
	}
	v.keyframeInterval = d
	return nil
}

// Validate checks the cross-field constraints the individual setters cannot.
func (v VideoConfiguration) Validate() error {
	if v.minBitrate > v.initialBitrate || v.initialBitrate > v.maxBitrate {
		return Errorf(ErrCodeInvalidBitrateOrdering, "bitrates must satisfy min <= initial <= max, got %d/%d/%d", v.minBitrate, v.initialBitrate, v.maxBitrate)
	}
	for _, c := range SupportedCodecs {
		if c == v.Codec {
			return nil
		}
	}
	return ErrEncoderNotFound.WithSource(v.Codec)
}

func bitrateInRange(bps int) bool {
	return bps >= MinVideoBitrate && bps <= MaxVideoBitrate
}

type NetworkConfiguration struct {
	UseIPv6 bool
}

type MixerConfiguration struct {
	Slots            []SlotConfiguration
	CanvasAspectMode AspectMode
}

// AutoReconnectConfiguration is the retry policy for transport failures.
type AutoReconnectConfiguration struct {
	Enabled      bool
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func NewAutoReconnectConfiguration() AutoReconnectConfiguration {
	return AutoReconnectConfiguration{
		Enabled:      false,
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

// BroadcastConfiguration is copied by the session at construction; later
// changes to the caller's value have no effect on a running session.
type BroadcastConfiguration struct {
	Audio         AudioConfiguration
	Video         VideoConfiguration
	Network       NetworkConfiguration
	Mixer         MixerConfiguration
	AutoReconnect AutoReconnectConfiguration
	LogLevel      LogLevel
}

func NewBroadcastConfiguration() *BroadcastConfiguration {
	return &BroadcastConfiguration{
		Audio: NewAudioConfiguration(),
		Video: NewVideoConfiguration(),
		Mixer: MixerConfiguration{
			Slots:            []SlotConfiguration{NewSlotConfiguration()},
			CanvasAspectMode: AspectModeFit,
		},
		AutoReconnect: NewAutoReconnectConfiguration(),
		LogLevel:      LogLevelError,
	}
}

func (c *BroadcastConfiguration) Clone() *BroadcastConfiguration {
	out := *c
	out.Mixer.Slots = append([]SlotConfiguration(nil), c.Mixer.Slots...)
	return &out
}

func (c *BroadcastConfiguration) Validate() error {
	if err := c.Video.Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Mixer.Slots))
	for _, s := range c.Mixer.Slots {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.Name()]; dup {
			return ErrDuplicateMixerNames.WithSource(s.Name())
		}
		seen[s.Name()] = struct{}{}
	}
	return nil
}

// AudioSessionStrategy is process-wide platform audio policy. It is read
// when a session is constructed; changing it later only affects sessions
// constructed afterwards.
type AudioSessionStrategy int

const (
	AudioStrategyPlayAndRecord AudioSessionStrategy = iota
	AudioStrategyPlayAndRecordDefaultToSpeaker
	AudioStrategyRecordOnly
	AudioStrategyNoAction
)

func (s AudioSessionStrategy) String() string {
	switch s {
	case AudioStrategyPlayAndRecord:
		return "play_and_record"
	case AudioStrategyPlayAndRecordDefaultToSpeaker:
		return "play_and_record_default_to_speaker"
	case AudioStrategyRecordOnly:
		return "record_only"
	default:
		return "no_action"
	}
}

func ParseAudioSessionStrategy(s string) AudioSessionStrategy {
	switch s {
	case "play_and_record":
		return AudioStrategyPlayAndRecord
	case "play_and_record_default_to_speaker":
		return AudioStrategyPlayAndRecordDefaultToSpeaker
	case "record_only":
		return AudioStrategyRecordOnly
	default:
		return AudioStrategyNoAction
	}
}

// AllowsMicrophone reports whether microphones may be attached.
func (s AudioSessionStrategy) AllowsMicrophone() bool {
	return s != AudioStrategyNoAction
}
