//go:build !portaudio

package device

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-capture/internal/capture"
)

// PortAudio is unavailable unless built with -tags portaudio.
type PortAudio struct{}

func NewPortAudio(*slog.Logger) (*PortAudio, error) {
	return nil, fmt.Errorf("%w: built without portaudio support (rebuild with -tags portaudio)", capture.ErrDeviceUnavailable)
}

func (p *PortAudio) Name() string { return "portaudio" }

func (p *PortAudio) Open(context.Context, capture.Constraints) (capture.Stream, error) {
	return nil, fmt.Errorf("%w: built without portaudio support", capture.ErrDeviceUnavailable)
}
