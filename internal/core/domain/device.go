package domain

type DeviceType int

const (
	DeviceTypeUnknown    DeviceType = 0
	DeviceTypeCamera     DeviceType = 1
	DeviceTypeMicrophone DeviceType = 2
	DeviceTypeUserImage  DeviceType = 5
	DeviceTypeUserAudio  DeviceType = 6
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeCamera:
		return "camera"
	case DeviceTypeMicrophone:
		return "microphone"
	case DeviceTypeUserImage:
		return "user_image"
	case DeviceTypeUserAudio:
		return "user_audio"
	default:
		return "unknown"
	}
}

// ParseDeviceType is the inverse of String.
func ParseDeviceType(s string) DeviceType {
	switch s {
	case "camera":
		return DeviceTypeCamera
	case "microphone":
		return DeviceTypeMicrophone
	case "user_image":
		return DeviceTypeUserImage
	case "user_audio":
		return DeviceTypeUserAudio
	default:
		return DeviceTypeUnknown
	}
}

// Category groups device types that are interchangeable through exchange.
func (t DeviceType) Category() StreamKind {
	switch t {
	case DeviceTypeCamera, DeviceTypeUserImage:
		return StreamKindImage
	case DeviceTypeMicrophone, DeviceTypeUserAudio:
		return StreamKindPCM
	default:
		return StreamKindNone
	}
}

type StreamKind int

const (
	StreamKindNone StreamKind = iota
	StreamKindPCM
	StreamKindImage
)

func (k StreamKind) String() string {
	switch k {
	case StreamKindPCM:
		return "pcm"
	case StreamKindImage:
		return "image"
	default:
		return "none"
	}
}

type DevicePosition int

const (
	PositionUnknown DevicePosition = iota
	PositionFront
	PositionBack
	PositionUSB
	PositionBluetooth
	PositionAux
)

func (p DevicePosition) String() string {
	switch p {
	case PositionFront:
		return "front"
	case PositionBack:
		return "back"
	case PositionUSB:
		return "usb"
	case PositionBluetooth:
		return "bluetooth"
	case PositionAux:
		return "aux"
	default:
		return "unknown"
	}
}

func ParseDevicePosition(s string) DevicePosition {
	switch s {
	case "front":
		return PositionFront
	case "back":
		return PositionBack
	case "usb":
		return PositionUSB
	case "bluetooth":
		return PositionBluetooth
	case "aux":
		return PositionAux
	default:
		return PositionUnknown
	}
}

type AudioFormat int

const (
	AudioFormatUnknown AudioFormat = iota
	AudioFormatInt16
	AudioFormatInt16Planar
	AudioFormatInt32
	AudioFormatInt32Planar
	AudioFormatFloat32
	AudioFormatFloat32Planar
	AudioFormatFloat64
	AudioFormatFloat64Planar
)

// BytesPerSample returns the width of one sample of one channel.
func (f AudioFormat) BytesPerSample() int {
	switch f {
	case AudioFormatInt16, AudioFormatInt16Planar:
		return 2
	case AudioFormatInt32, AudioFormatInt32Planar, AudioFormatFloat32, AudioFormatFloat32Planar:
		return 4
	case AudioFormatFloat64, AudioFormatFloat64Planar:
		return 8
	default:
		return 0
	}
}

func (f AudioFormat) Planar() bool {
	switch f {
	case AudioFormatInt16Planar, AudioFormatInt32Planar, AudioFormatFloat32Planar, AudioFormatFloat64Planar:
		return true
	default:
		return false
	}
}

type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DeviceDescriptor is an immutable snapshot of a capture source. Two
// descriptors describe the same device iff their URNs match; system ids may
// be reused by the platform.
type DeviceDescriptor struct {
	DeviceID     string         `json:"device_id"`
	URN          string         `json:"urn"`
	FriendlyName string         `json:"friendly_name"`
	Type         DeviceType     `json:"type"`
	Streams      []StreamKind   `json:"streams"`
	Position     DevicePosition `json:"position"`
	IsDefault    bool           `json:"is_default"`

	ImageSize ImageSize `json:"image_size,omitempty"`
	Rotation  int       `json:"rotation,omitempty"`

	SampleRate  int         `json:"sample_rate,omitempty"`
	Channels    int         `json:"channels,omitempty"`
	AudioFormat AudioFormat `json:"audio_format,omitempty"`
}

func (d DeviceDescriptor) Equal(other DeviceDescriptor) bool {
	return d.URN == other.URN
}

func (d DeviceDescriptor) HasStream(kind StreamKind) bool {
	for _, k := range d.Streams {
		if k == kind {
			return true
		}
	}
	return false
}

// Clone copies the descriptor including its stream list.
func (d DeviceDescriptor) Clone() DeviceDescriptor {
	c := d
	c.Streams = append([]StreamKind(nil), d.Streams...)
	return c
}

func (d DeviceDescriptor) String() string {
	return d.Type.String() + ":" + d.URN
}

// Less orders descriptors for listing: cameras before microphones, then by
// position, defaults first, then by friendly name.
func (d DeviceDescriptor) Less(other DeviceDescriptor) bool {
	if d.Type != other.Type {
		return d.Type < other.Type
	}
	if d.Position != other.Position {
		return d.Position < other.Position
	}
	if d.IsDefault != other.IsDefault {
		return d.IsDefault
	}
	return d.FriendlyName < other.FriendlyName
}
