//go:build portaudio

package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/pcm"
)

const framesPerBuffer = 1024

// PortAudio captures from the host's default input device.
type PortAudio struct {
	log *slog.Logger
}

func NewPortAudio(log *slog.Logger) (*PortAudio, error) {
	return &PortAudio{log: log.With(slog.String("component", "portaudio-device"))}, nil
}

func (p *PortAudio) Name() string { return "portaudio" }

func (p *PortAudio) Open(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize portaudio: %v", capture.ErrDeviceUnavailable, err)
	}
	s := &portAudioStream{
		log:    p.log,
		frames: make([]int16, framesPerBuffer*c.Channels),
		format: pcm.Format{Encoding: pcm.EncodingPCMS16LE, SampleRate: c.SampleRate, Channels: c.Channels},
		done:   make(chan struct{}),
	}
	stream, err := portaudio.OpenDefaultStream(c.Channels, 0, float64(c.SampleRate), framesPerBuffer, s.frames)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: open default input: %v", capture.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: start input: %v", capture.ErrDeviceUnavailable, err)
	}
	s.stream = stream
	if err := ctx.Err(); err != nil {
		_ = s.Close()
		return nil, err
	}
	go s.read()
	return s, nil
}

type portAudioStream struct {
	log    *slog.Logger
	stream *portaudio.Stream
	frames []int16
	format pcm.Format
	done   chan struct{}

	mu      sync.Mutex
	buf     []byte
	stopped bool
	once    sync.Once
}

func (s *portAudioStream) read() {
	defer close(s.done)
	for {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		if err := s.stream.Read(); err != nil {
			if err != portaudio.InputOverflowed {
				s.mu.Lock()
				stopped := s.stopped
				s.mu.Unlock()
				if !stopped {
					s.log.Warn("portaudio read failed", slogError(err))
				}
				return
			}
		}
		chunk := make([]byte, len(s.frames)*2)
		for i, v := range s.frames {
			binary.LittleEndian.PutUint16(chunk[i*2:], uint16(v))
		}
		s.mu.Lock()
		s.buf = append(s.buf, chunk...)
		s.mu.Unlock()
	}
}

func (s *portAudioStream) Format() pcm.Format { return s.format }

func (s *portAudioStream) Drain() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buf
	s.buf = nil
	return out, nil
}

func (s *portAudioStream) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.buf = nil
		s.mu.Unlock()
		if stopErr := s.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		<-s.done
		if closeErr := s.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		_ = portaudio.Terminate()
	})
	return err
}
