// Package device provides the capture.Device implementations selectable from
// configuration.
package device

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/pcm"
)

// New builds the device named by cfg.Device. busClient may be nil unless the
// nats device is selected.
func New(cfg config.CaptureConfig, busClient *bus.Client, log *slog.Logger) (capture.Device, error) {
	format, err := InputFormat(cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.Device {
	case "synthetic":
		dev := NewSynthetic(format, cfg.ToneHz)
		dev.Denied = cfg.Denied
		return dev, nil
	case "exec":
		return NewExec(cfg.Command, format)
	case "nats":
		if busClient == nil {
			return nil, fmt.Errorf("nats capture device requires the bus")
		}
		return NewNATS(busClient, cfg.Subject, log), nil
	case "portaudio":
		return NewPortAudio(log)
	default:
		return nil, fmt.Errorf("unknown capture device %q", cfg.Device)
	}
}

// InputFormat is the raw format the configured device delivers.
func InputFormat(cfg config.CaptureConfig) (pcm.Format, error) {
	enc, err := pcm.ParseEncoding(cfg.InputFormat)
	if err != nil {
		return pcm.Format{}, err
	}
	return pcm.Format{Encoding: enc, SampleRate: cfg.InputSampleRate, Channels: cfg.InputChannels}, nil
}

// Constraints maps capture configuration onto the device request.
func Constraints(cfg config.CaptureConfig) capture.Constraints {
	c := capture.DefaultConstraints()
	c.EchoCancellation = cfg.EchoCancellation
	c.NoiseSuppression = cfg.NoiseSuppression
	if cfg.Device == "portaudio" {
		c.SampleRate = cfg.InputSampleRate
		c.Channels = cfg.InputChannels
	}
	return c
}

// SessionOptions builds capture session options from configuration.
func SessionOptions(cfg config.CaptureConfig) capture.Options {
	return capture.Options{
		Constraints:  Constraints(cfg),
		Gain:         cfg.Gain,
		PollInterval: time.Duration(cfg.PollIntervalMS) * time.Millisecond,
	}
}
