// Package pcm implements the canonical recording container (44-byte WAV
// header + mono 16-bit 16 kHz little-endian PCM) and the decoders that
// normalize raw device chunks into it.
package pcm

import "fmt"

const (
	CanonicalSampleRate = 16000
	CanonicalChannels   = 1
	BitsPerSample       = 16
	BytesPerSample      = BitsPerSample / 8
	HeaderSize          = 44

	// FormatTag identifies the canonical container in stored metadata.
	FormatTag = "wav/pcm_s16le"
)

// Encoding names the byte layout of raw chunks produced by a device.
type Encoding string

const (
	EncodingPCMS16LE Encoding = "pcm_s16le"
	EncodingPCMF32LE Encoding = "pcm_f32le"
	EncodingMuLaw    Encoding = "mulaw"
	EncodingALaw     Encoding = "alaw"
	EncodingWAV      Encoding = "wav"
)

func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(s); e {
	case EncodingPCMS16LE, EncodingPCMF32LE, EncodingMuLaw, EncodingALaw, EncodingWAV:
		return e, nil
	}
	return "", fmt.Errorf("unsupported encoding %q", s)
}

// Format describes raw chunk bytes. SampleRate and Channels are ignored for
// EncodingWAV since the container carries its own header.
type Format struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
}

// Canonical is the format every recording is normalized to.
var Canonical = Format{Encoding: EncodingPCMS16LE, SampleRate: CanonicalSampleRate, Channels: CanonicalChannels}

// IsCanonical reports whether raw bytes in f can be wrapped without decoding.
func (f Format) IsCanonical() bool {
	return f == Canonical
}

// Linear reports whether samples can be scaled in place.
func (f Format) Linear() bool {
	return f.Encoding == EncodingPCMS16LE || f.Encoding == EncodingPCMF32LE
}

// FrameSize is the byte size of one interleaved frame, or 0 when unknown.
func (f Format) FrameSize() int {
	switch f.Encoding {
	case EncodingPCMS16LE:
		return 2 * f.Channels
	case EncodingPCMF32LE:
		return 4 * f.Channels
	case EncodingMuLaw, EncodingALaw:
		return f.Channels
	}
	return 0
}

func (f Format) String() string {
	if f.Encoding == EncodingWAV {
		return string(f.Encoding)
	}
	return fmt.Sprintf("%s@%dHz/%dch", f.Encoding, f.SampleRate, f.Channels)
}
