package services

import (
	"encoding/binary"
	"math"
	"sync"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
)

// sourceSink is what custom sources feed: the pipeline for accepted samples
// plus the session's error and level reporting.
type sourceSink struct {
	mixer    *Mixer
	pipeline ports.MediaPipeline
	report   func(error)
	levels   func(urn string, stats domain.AudioStats)
}

// reportOnce surfaces err the first time a source hits it; later
// occurrences are only returned to the caller.
type reportOnce struct {
	mu   sync.Mutex
	seen map[domain.ErrorCode]bool
}

func (r *reportOnce) first(code domain.ErrorCode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[domain.ErrorCode]bool)
	}
	if r.seen[code] {
		return false
	}
	r.seen[code] = true
	return true
}

type customImageSource struct {
	baseDevice
	sink   *sourceSink
	errors reportOnce
}

func newCustomImageSource(name string, sink *sourceSink) *customImageSource {
	desc := domain.DeviceDescriptor{
		FriendlyName: name,
		Type:         domain.DeviceTypeUserImage,
		Streams:      []domain.StreamKind{domain.StreamKindImage},
		Position:     domain.PositionAux,
	}
	s := &customImageSource{baseDevice: newBaseDevice(desc), sink: sink}
	s.desc.URN = "user-image:" + s.tag
	s.desc.DeviceID = s.tag
	return s
}

func (s *customImageSource) SubmitImage(frame domain.ImageFrame) error {
	var err *domain.Error
	switch {
	case frame.Format != domain.PixelFormatBGRA && frame.Format != domain.PixelFormatNV12 && frame.Format != domain.PixelFormatI420:
		err = domain.Errorf(domain.ErrCodeInvalidVideoFormat, "unsupported pixel format %s", frame.Format)
	case len(frame.Data) > domain.MaxImageBytes:
		err = domain.Errorf(domain.ErrCodeImageTooLarge, "image of %d bytes exceeds %d", len(frame.Data), domain.MaxImageBytes)
	}
	if err != nil {
		err = err.WithSource(s.desc.URN)
		if s.errors.first(err.Code) && s.sink.report != nil {
			s.sink.report(err)
		}
		return err
	}

	slot, ok := s.sink.mixer.bindingOfURN(s.desc.URN)
	if !ok {
		return nil
	}
	if s.sink.pipeline != nil {
		s.sink.pipeline.PushImage(slot, frame)
	}
	return nil
}

type customAudioSource struct {
	baseDevice
	sink   *sourceSink
	errors reportOnce
}

func newCustomAudioSource(name string, sink *sourceSink) *customAudioSource {
	desc := domain.DeviceDescriptor{
		FriendlyName: name,
		Type:         domain.DeviceTypeUserAudio,
		Streams:      []domain.StreamKind{domain.StreamKindPCM},
		Position:     domain.PositionAux,
		SampleRate:   48000,
		Channels:     2,
		AudioFormat:  domain.AudioFormatFloat32,
	}
	s := &customAudioSource{baseDevice: newBaseDevice(desc), sink: sink}
	s.desc.URN = "user-audio:" + s.tag
	s.desc.DeviceID = s.tag
	return s
}

// SubmitPCM accepts interleaved int16 or float32 with one or two channels
// as is. Other decodable layouts are down-mixed to mono float32 and
// reported once. Oversized or undecodable buffers are dropped.
func (s *customAudioSource) SubmitPCM(buf domain.PCMBuffer) error {
	if n := buf.Len(); n > domain.MaxPCMBytes {
		return s.fail(domain.Errorf(domain.ErrCodePCMDataTooLong, "pcm submission of %d bytes exceeds %d", n, domain.MaxPCMBytes))
	}

	var degraded error
	if !pcmSupported(buf) {
		mono, ok := downmix(buf)
		if !ok {
			return s.fail(domain.Errorf(domain.ErrCodePCMUnsupportedSample, "cannot decode %d-channel pcm", buf.Channels))
		}
		degraded = s.fail(domain.ErrPCMUnsupportedSample)
		buf = mono
	}

	if s.sink.levels != nil {
		if stats, ok := measureLevels(buf); ok {
			s.sink.levels(s.desc.URN, stats)
		}
	}
	if slot, ok := s.sink.mixer.bindingOfURN(s.desc.URN); ok && s.sink.pipeline != nil {
		s.sink.pipeline.PushAudio(slot, buf)
	}
	return degraded
}

func (s *customAudioSource) fail(err *domain.Error) error {
	err = err.WithSource(s.desc.URN)
	if s.errors.first(err.Code) && s.sink.report != nil {
		s.sink.report(err)
	}
	return err
}

func pcmSupported(buf domain.PCMBuffer) bool {
	if buf.Format.Planar() || len(buf.Planes) != 1 {
		return false
	}
	if buf.Channels < 1 || buf.Channels > 2 {
		return false
	}
	return buf.Format == domain.AudioFormatInt16 || buf.Format == domain.AudioFormatFloat32
}

// downmix averages every channel into one float32 plane.
func downmix(buf domain.PCMBuffer) (domain.PCMBuffer, bool) {
	width := buf.Format.BytesPerSample()
	if width == 0 || buf.Channels < 1 || len(buf.Planes) == 0 {
		return buf, false
	}

	var channels [][]float64
	if buf.Format.Planar() {
		if len(buf.Planes) != buf.Channels {
			return buf, false
		}
		for _, p := range buf.Planes {
			channels = append(channels, decodeSamples(buf.Format, p))
		}
	} else {
		all := decodeSamples(buf.Format, buf.Planes[0])
		frames := len(all) / buf.Channels
		channels = make([][]float64, buf.Channels)
		for c := range channels {
			channels[c] = make([]float64, frames)
			for i := 0; i < frames; i++ {
				channels[c][i] = all[i*buf.Channels+c]
			}
		}
	}

	frames := len(channels[0])
	for _, c := range channels[1:] {
		if len(c) < frames {
			frames = len(c)
		}
	}
	out := make([]byte, frames*4)
	for i := 0; i < frames; i++ {
		var sum float64
		for _, c := range channels {
			sum += c[i]
		}
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(sum/float64(len(channels)))))
	}
	return domain.PCMBuffer{
		Format:     domain.AudioFormatFloat32,
		SampleRate: buf.SampleRate,
		Channels:   1,
		Planes:     [][]byte{out},
		Timestamp:  buf.Timestamp,
	}, true
}

// decodeSamples converts little-endian PCM to [-1,1].
func decodeSamples(format domain.AudioFormat, data []byte) []float64 {
	width := format.BytesPerSample()
	if width == 0 {
		return nil
	}
	out := make([]float64, len(data)/width)
	for i := range out {
		b := data[i*width:]
		switch format {
		case domain.AudioFormatInt16, domain.AudioFormatInt16Planar:
			out[i] = float64(int16(binary.LittleEndian.Uint16(b))) / 32768
		case domain.AudioFormatInt32, domain.AudioFormatInt32Planar:
			out[i] = float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648
		case domain.AudioFormatFloat32, domain.AudioFormatFloat32Planar:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case domain.AudioFormatFloat64, domain.AudioFormatFloat64Planar:
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		}
	}
	return out
}

const silenceDBFS = -160.0

// measureLevels returns peak and RMS in dBFS over every plane.
func measureLevels(buf domain.PCMBuffer) (domain.AudioStats, bool) {
	var peak, sumSq float64
	n := 0
	for _, p := range buf.Planes {
		for _, v := range decodeSamples(buf.Format, p) {
			a := math.Abs(v)
			if a > peak {
				peak = a
			}
			sumSq += v * v
			n++
		}
	}
	if n == 0 {
		return domain.AudioStats{}, false
	}
	return domain.AudioStats{
		Peak: toDBFS(peak),
		RMS:  toDBFS(math.Sqrt(sumSq / float64(n))),
	}, true
}

func toDBFS(v float64) float64 {
	if v <= 0 {
		return silenceDBFS
	}
	db := 20 * math.Log10(v)
	if db < silenceDBFS {
		return silenceDBFS
	}
	return db
}
