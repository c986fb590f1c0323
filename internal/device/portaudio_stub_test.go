//go:build !portaudio

package device

import (
	"errors"
	"testing"

	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
)

func TestPortAudioUnavailableWithoutTag(t *testing.T) {
	cfg := config.Default().Capture
	cfg.Device = "portaudio"
	if _, err := New(cfg, nil, newTestLogger()); !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}
