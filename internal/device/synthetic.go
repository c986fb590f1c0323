package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/pcm"
)

// Synthetic produces a sine tone in real time. It stands in for a microphone
// in tests and demos, and can simulate a denied permission prompt or a slow one.
type Synthetic struct {
	Format    pcm.Format
	ToneHz    float64
	Amplitude float64
	Denied    bool
	ArmDelay  time.Duration
	Clock     func() time.Time
}

func NewSynthetic(format pcm.Format, toneHz float64) *Synthetic {
	return &Synthetic{Format: format, ToneHz: toneHz, Amplitude: 0.3, Clock: time.Now}
}

func (s *Synthetic) Name() string { return "synthetic" }

func (s *Synthetic) Open(ctx context.Context, _ capture.Constraints) (capture.Stream, error) {
	if s.Format.Encoding != pcm.EncodingPCMS16LE && s.Format.Encoding != pcm.EncodingPCMF32LE {
		return nil, fmt.Errorf("%w: synthetic device cannot produce %s", capture.ErrDeviceUnavailable, s.Format.Encoding)
	}
	if s.ArmDelay > 0 {
		select {
		case <-time.After(s.ArmDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.Denied {
		return nil, fmt.Errorf("%w: permission denied", capture.ErrDeviceUnavailable)
	}
	clock := s.Clock
	if clock == nil {
		clock = time.Now
	}
	return &syntheticStream{dev: s, clock: clock, last: clock()}, nil
}

type syntheticStream struct {
	dev    *Synthetic
	clock  func() time.Time
	mu     sync.Mutex
	last   time.Time
	frame  int64
	closed bool
}

func (s *syntheticStream) Format() pcm.Format { return s.dev.Format }

// Drain renders however many frames of tone have elapsed since the last call.
func (s *syntheticStream) Drain() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("synthetic stream closed")
	}
	now := s.clock()
	frames := int(now.Sub(s.last).Seconds() * float64(s.dev.Format.SampleRate))
	if frames <= 0 {
		return nil, nil
	}
	s.last = s.last.Add(time.Duration(frames) * time.Second / time.Duration(s.dev.Format.SampleRate))

	ch := s.dev.Format.Channels
	width := 2
	if s.dev.Format.Encoding == pcm.EncodingPCMF32LE {
		width = 4
	}
	out := make([]byte, frames*ch*width)
	for i := 0; i < frames; i++ {
		t := float64(s.frame) / float64(s.dev.Format.SampleRate)
		v := s.dev.Amplitude * math.Sin(2*math.Pi*s.dev.ToneHz*t)
		for c := 0; c < ch; c++ {
			off := (i*ch + c) * width
			if width == 2 {
				binary.LittleEndian.PutUint16(out[off:], uint16(pcm.Clip16(int(v*32767))))
			} else {
				binary.LittleEndian.PutUint32(out[off:], math.Float32bits(float32(v)))
			}
		}
		s.frame++
	}
	return out, nil
}

func (s *syntheticStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
