package pcm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Header is the fixed 44-byte RIFF/WAVE header of the canonical container.
type Header struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // 36 + data size
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for linear PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * 2
	BlockAlign    uint16 // NumChannels * 2
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// Info summarizes a parsed container.
type Info struct {
	SampleRate int
	Channels   int
	DataSize   int
	NumSamples int
	DurationMS int64
}

var (
	ErrShortContainer = errors.New("container shorter than header")
	ErrBadContainer   = errors.New("malformed container header")
)

func newHeader(dataSize int) Header {
	return Header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + dataSize),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   CanonicalChannels,
		SampleRate:    CanonicalSampleRate,
		ByteRate:      CanonicalSampleRate * CanonicalChannels * BytesPerSample,
		BlockAlign:    CanonicalChannels * BytesPerSample,
		BitsPerSample: BitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(dataSize),
	}
}

// Clip16 saturates v to the signed 16-bit range. Overflow never wraps.
func Clip16(v int) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Encode writes samples into the canonical container, clipping each one.
func Encode(samples []int) []byte {
	dataSize := len(samples) * BytesPerSample
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+dataSize))
	// writes to a bytes.Buffer cannot fail
	_ = binary.Write(buf, binary.LittleEndian, newHeader(dataSize))
	var b [2]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint16(b[:], uint16(Clip16(s)))
		buf.Write(b[:])
	}
	return buf.Bytes()
}

// EncodeFloat encodes samples expressed on the int16 scale, rounding to the
// nearest integer before clipping.
func EncodeFloat(samples []float64) []byte {
	ints := make([]int, len(samples))
	for i, s := range samples {
		switch {
		case math.IsNaN(s):
			ints[i] = 0
		case s > math.MaxInt32:
			ints[i] = math.MaxInt32
		case s < math.MinInt32:
			ints[i] = math.MinInt32
		default:
			ints[i] = int(math.Round(s))
		}
	}
	return Encode(ints)
}

// WrapPCM prefixes already-canonical little-endian PCM bytes with a header.
// A trailing odd byte is dropped so the declared size stays frame aligned.
func WrapPCM(data []byte) []byte {
	n := len(data) - len(data)%BytesPerSample
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+n))
	_ = binary.Write(buf, binary.LittleEndian, newHeader(n))
	buf.Write(data[:n])
	return buf.Bytes()
}

// WrapRaw is the best-effort fallback used when raw bytes cannot be decoded.
// The bytes are kept verbatim (zero-padded to a whole sample) behind a
// canonical header.
func WrapRaw(data []byte) []byte {
	if len(data)%BytesPerSample != 0 {
		padded := make([]byte, len(data)+1)
		copy(padded, data)
		data = padded
	}
	return WrapPCM(data)
}

// Inspect parses and validates a canonical container header.
func Inspect(data []byte) (Info, error) {
	if len(data) < HeaderSize {
		return Info{}, fmt.Errorf("%w: need %d bytes, got %d", ErrShortContainer, HeaderSize, len(data))
	}
	var h Header
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.LittleEndian, &h); err != nil {
		return Info{}, fmt.Errorf("read header: %w", err)
	}
	switch {
	case string(h.ChunkID[:]) != "RIFF":
		return Info{}, fmt.Errorf("%w: missing RIFF tag", ErrBadContainer)
	case string(h.Format[:]) != "WAVE":
		return Info{}, fmt.Errorf("%w: missing WAVE tag", ErrBadContainer)
	case string(h.Subchunk1ID[:]) != "fmt ":
		return Info{}, fmt.Errorf("%w: missing fmt chunk", ErrBadContainer)
	case string(h.Subchunk2ID[:]) != "data":
		return Info{}, fmt.Errorf("%w: missing data chunk", ErrBadContainer)
	case h.AudioFormat != 1:
		return Info{}, fmt.Errorf("%w: format code %d is not linear PCM", ErrBadContainer, h.AudioFormat)
	case h.BitsPerSample != BitsPerSample:
		return Info{}, fmt.Errorf("%w: %d bits per sample", ErrBadContainer, h.BitsPerSample)
	case h.NumChannels == 0 || h.SampleRate == 0:
		return Info{}, fmt.Errorf("%w: zero channels or sample rate", ErrBadContainer)
	}
	if h.ByteRate != h.SampleRate*uint32(h.NumChannels)*BytesPerSample || h.BlockAlign != h.NumChannels*BytesPerSample {
		return Info{}, fmt.Errorf("%w: inconsistent byte rate or block align", ErrBadContainer)
	}
	trailing := len(data) - HeaderSize
	if int(h.Subchunk2Size) != trailing || int(h.ChunkSize) != 36+trailing {
		return Info{}, fmt.Errorf("%w: declared %d data bytes, found %d", ErrBadContainer, h.Subchunk2Size, trailing)
	}
	numSamples := trailing / int(h.BlockAlign)
	return Info{
		SampleRate: int(h.SampleRate),
		Channels:   int(h.NumChannels),
		DataSize:   trailing,
		NumSamples: numSamples,
		DurationMS: int64(numSamples) * 1000 / int64(h.SampleRate),
	}, nil
}

// DecodeContainer returns the samples of a canonical container.
func DecodeContainer(data []byte) ([]int16, Info, error) {
	info, err := Inspect(data)
	if err != nil {
		return nil, Info{}, err
	}
	samples := make([]int16, info.DataSize/BytesPerSample)
	payload := data[HeaderSize:]
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
	}
	return samples, info, nil
}
