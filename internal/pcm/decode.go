package pcm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/zaf/g711"
)

var ErrUndecodable = errors.New("raw audio cannot be decoded")

// Decode converts raw device bytes into interleaved samples on the int16
// scale, keeping the source rate and channel layout.
func Decode(raw []byte, f Format) (*goaudio.FloatBuffer, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrUndecodable)
	}
	if f.Encoding != EncodingWAV && (f.SampleRate <= 0 || f.Channels <= 0) {
		return nil, fmt.Errorf("%w: invalid format %s", ErrUndecodable, f)
	}
	switch f.Encoding {
	case EncodingPCMS16LE:
		return decodeS16(raw, f.SampleRate, f.Channels)
	case EncodingPCMF32LE:
		return decodeF32(raw, f.SampleRate, f.Channels)
	case EncodingMuLaw:
		return decodeS16(g711.DecodeUlaw(raw), f.SampleRate, f.Channels)
	case EncodingALaw:
		return decodeS16(g711.DecodeAlaw(raw), f.SampleRate, f.Channels)
	case EncodingWAV:
		return decodeWAV(raw)
	}
	return nil, fmt.Errorf("%w: unknown encoding %q", ErrUndecodable, f.Encoding)
}

func decodeS16(raw []byte, rate, channels int) (*goaudio.FloatBuffer, error) {
	frame := 2 * channels
	if len(raw)%frame != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %d-byte frames", ErrUndecodable, len(raw), frame)
	}
	data := make([]float64, len(raw)/2)
	for i := range data {
		data[i] = float64(int16(binary.LittleEndian.Uint16(raw[i*2:])))
	}
	return newBuffer(data, rate, channels), nil
}

func decodeF32(raw []byte, rate, channels int) (*goaudio.FloatBuffer, error) {
	frame := 4 * channels
	if len(raw)%frame != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %d-byte frames", ErrUndecodable, len(raw), frame)
	}
	data := make([]float64, len(raw)/4)
	for i := range data {
		v := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: non-finite float sample at %d", ErrUndecodable, i)
		}
		data[i] = float64(v) * 32768
	}
	return newBuffer(data, rate, channels), nil
}

func decodeWAV(raw []byte) (*goaudio.FloatBuffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(raw))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid wav stream", ErrUndecodable)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: wav stream has no format", ErrUndecodable)
	}
	depth := int(dec.BitDepth)
	data := make([]float64, len(buf.Data))
	for i, v := range buf.Data {
		switch {
		case depth == 8:
			data[i] = float64(v-128) * 256
		case depth > 16:
			data[i] = float64(v) / float64(int(1)<<(depth-16))
		default:
			data[i] = float64(v)
		}
	}
	return newBuffer(data, buf.Format.SampleRate, buf.Format.NumChannels), nil
}

func newBuffer(data []float64, rate, channels int) *goaudio.FloatBuffer {
	return &goaudio.FloatBuffer{
		Format: &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:   data,
	}
}

// Mono averages interleaved channels into one.
func Mono(buf *goaudio.FloatBuffer) *goaudio.FloatBuffer {
	ch := buf.Format.NumChannels
	if ch <= 1 {
		return buf
	}
	frames := len(buf.Data) / ch
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < ch; c++ {
			sum += buf.Data[i*ch+c]
		}
		out[i] = sum / float64(ch)
	}
	return newBuffer(out, buf.Format.SampleRate, 1)
}

// Resample converts a mono buffer to the target rate by linear interpolation.
func Resample(buf *goaudio.FloatBuffer, target int) *goaudio.FloatBuffer {
	src := buf.Format.SampleRate
	if src == target || len(buf.Data) == 0 {
		return newBuffer(buf.Data, target, buf.Format.NumChannels)
	}
	n := int(int64(len(buf.Data)) * int64(target) / int64(src))
	out := make([]float64, n)
	step := float64(src) / float64(target)
	last := len(buf.Data) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = buf.Data[last]
			continue
		}
		frac := pos - float64(idx)
		out[i] = buf.Data[idx]*(1-frac) + buf.Data[idx+1]*frac
	}
	return newBuffer(out, target, buf.Format.NumChannels)
}

// Normalize decodes raw bytes and converts them to canonical mono 16 kHz
// samples on the int16 scale. Clipping happens at encode time.
func Normalize(raw []byte, f Format) ([]float64, error) {
	buf, err := Decode(raw, f)
	if err != nil {
		return nil, err
	}
	return Resample(Mono(buf), CanonicalSampleRate).Data, nil
}
