package capture

import (
	"bytes"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-capture/internal/pcm"
)

// Recording is the immutable result of one finalized capture session.
type Recording struct {
	payload      []byte
	DurationMS   int64
	SampleRate   int
	Channels     int
	Degraded     bool
	SourceFormat string
}

// NewRecording validates payload as a canonical container and wraps it.
func NewRecording(payload []byte, duration time.Duration, degraded bool, source string) (Recording, error) {
	info, err := pcm.Inspect(payload)
	if err != nil {
		return Recording{}, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}
	return Recording{
		payload:      bytes.Clone(payload),
		DurationMS:   duration.Milliseconds(),
		SampleRate:   info.SampleRate,
		Channels:     info.Channels,
		Degraded:     degraded,
		SourceFormat: source,
	}, nil
}

// Payload returns a copy of the container bytes.
func (r Recording) Payload() []byte { return bytes.Clone(r.payload) }

func (r Recording) Size() int { return len(r.payload) }

// Format is the container tag stored alongside the payload.
func (r Recording) Format() string { return pcm.FormatTag }

// EncodeFunc turns the concatenated raw chunks of a session into a recording.
type EncodeFunc func(raw []byte, format pcm.Format, elapsed time.Duration) (Recording, error)

// Encode normalizes raw bytes into the canonical container. Canonical input is
// wrapped as-is; anything else is decoded, mixed to mono, resampled and
// re-encoded with clipping. When decoding fails the raw bytes are wrapped
// behind a canonical header and the recording is marked degraded.
func Encode(raw []byte, format pcm.Format, elapsed time.Duration) (Recording, error) {
	if format.IsCanonical() {
		return NewRecording(pcm.WrapPCM(raw), elapsed, false, format.String())
	}
	samples, err := pcm.Normalize(raw, format)
	if err != nil {
		return NewRecording(pcm.WrapRaw(raw), elapsed, true, format.String())
	}
	return NewRecording(pcm.EncodeFloat(samples), elapsed, false, format.String())
}
