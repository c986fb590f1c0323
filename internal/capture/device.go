// Package capture owns one recording attempt: the exclusive device stream,
// the source→gain→tap processing graph, the ordered raw chunk sequence and
// the finalize step that produces an immutable encoded recording.
package capture

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-capture/internal/pcm"
)

var (
	// ErrDeviceUnavailable covers permission denial and missing devices.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	// ErrEncodingFailed is returned when finalize cannot produce a valid container.
	ErrEncodingFailed = errors.New("encoding failed")
	ErrNotArmed       = errors.New("capture session not armed")
	ErrReleased       = errors.New("capture session already released")
)

// Constraints are requested from the device at open time. Devices apply what
// they support and report the actual format on the stream.
type Constraints struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
}

// DefaultConstraints requests mono 16 kHz with echo and noise suppression.
func DefaultConstraints() Constraints {
	return Constraints{
		SampleRate:       pcm.CanonicalSampleRate,
		Channels:         pcm.CanonicalChannels,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

// Device hands out exclusive input streams.
type Device interface {
	Name() string
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is an open device handle. Drain returns the bytes captured since the
// previous call without blocking; Close stops every underlying track.
type Stream interface {
	Format() pcm.Format
	Drain() ([]byte, error)
	Close() error
}
