package pcm

import (
	"encoding/binary"
	"math"
)

// ApplyGain scales linear samples in raw and returns a new slice. Non-linear
// encodings and unity gain are returned unchanged. Integer samples clip.
func ApplyGain(raw []byte, f Format, gain float64) []byte {
	if gain == 1 || !f.Linear() {
		return raw
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	switch f.Encoding {
	case EncodingPCMS16LE:
		for i := 0; i+1 < len(out); i += 2 {
			v := float64(int16(binary.LittleEndian.Uint16(out[i:])))
			binary.LittleEndian.PutUint16(out[i:], uint16(Clip16(int(math.Round(v*gain)))))
		}
	case EncodingPCMF32LE:
		for i := 0; i+3 < len(out); i += 4 {
			v := math.Float32frombits(binary.LittleEndian.Uint32(out[i:]))
			binary.LittleEndian.PutUint32(out[i:], math.Float32bits(float32(float64(v)*gain)))
		}
	}
	return out
}

// PeakS16 returns the peak absolute amplitude of s16le bytes in [0, 1].
func PeakS16(raw []byte) float64 {
	var peak int
	for i := 0; i+1 < len(raw); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(raw[i:])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return float64(peak) / 32768
}
