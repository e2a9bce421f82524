package domain

import "time"

type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatBGRA
	PixelFormatNV12
	PixelFormatI420
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatBGRA:
		return "bgra"
	case PixelFormatNV12:
		return "nv12"
	case PixelFormatI420:
		return "i420"
	default:
		return "unknown"
	}
}

const (
	// MaxImageBytes fits one 4K BGRA frame.
	MaxImageBytes = 32400 * 1024
	// MaxPCMBytes bounds a single PCM submission.
	MaxPCMBytes = 5_767_168
)

type ImageFrame struct {
	Width     int
	Height    int
	Format    PixelFormat
	Data      []byte
	Timestamp time.Duration
}

// PCMBuffer holds one submission. Interleaved formats use Planes[0];
// planar formats carry one plane per channel.
type PCMBuffer struct {
	Format     AudioFormat
	SampleRate int
	Channels   int
	Planes     [][]byte
	Timestamp  time.Duration
}

func (b PCMBuffer) Len() int {
	n := 0
	for _, p := range b.Planes {
		n += len(p)
	}
	return n
}

type MediaKind int

const (
	MediaKindVideo MediaKind = iota
	MediaKindAudio
)

// EncodedFrame is one access unit handed to the transport.
type EncodedFrame struct {
	Kind     MediaKind
	Data     []byte
	Duration time.Duration
	Keyframe bool
}
