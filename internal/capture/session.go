package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-capture/internal/pcm"
)

// Options tune a capture session.
type Options struct {
	Constraints  Constraints
	Gain         float64
	PollInterval time.Duration
	Encode       EncodeFunc
	Clock        func() time.Time
}

// Session holds the device stream and graph for a single recording attempt.
// It is created and destroyed by the lifecycle; nothing else touches it.
type Session struct {
	device Device
	opts   Options
	log    *slog.Logger

	mu       sync.Mutex
	stream   Stream
	graph    *Graph
	gain     *gainNode
	format   pcm.Format
	chunks   [][]byte
	armedAt  time.Time
	started  bool
	released bool
	stopPoll chan struct{}
	pollDone chan struct{}
	peak     atomic.Uint64
}

func NewSession(device Device, opts Options, log *slog.Logger) *Session {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Encode == nil {
		opts.Encode = Encode
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Constraints == (Constraints{}) {
		opts.Constraints = DefaultConstraints()
	}
	// zero value means unity; configuration rejects an explicit 0
	if opts.Gain == 0 {
		opts.Gain = 1
	}
	return &Session{
		device: device,
		opts:   opts,
		log:    log.With(slog.String("component", "capture-session"), slog.String("device", device.Name())),
	}
}

// Initialize acquires the device and builds the processing graph. If the
// session is released while the device is opening, the fresh stream is closed
// before returning.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrReleased
	}
	if s.stream != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	stream, err := s.device.Open(ctx, s.opts.Constraints)
	if err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || ctx.Err() != nil {
		s.released = true
		if err := stream.Close(); err != nil {
			s.log.Warn("close stream after abandoned open failed", slogError(err))
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrDeviceUnavailable, ctx.Err())
		}
		return ErrReleased
	}
	s.stream = stream
	s.format = stream.Format()
	s.gain = newGainNode(s.format, s.opts.Gain)
	s.graph = NewGraph(
		newSourceNode(stream),
		s.gain,
		newTapNode(s.appendChunk),
	)
	s.log.Debug("device acquired", slog.String("format", s.format.String()))
	return nil
}

// appendChunk is the tap sink. It runs under s.mu via pull.
func (s *Session) appendChunk(chunk []byte) {
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	if s.format.Encoding == pcm.EncodingPCMS16LE {
		s.peak.Store(math.Float64bits(pcm.PeakS16(chunk)))
	}
}

// Peak is the peak amplitude in [0, 1] of the most recent chunk after gain.
// It stays zero for encodings other than pcm_s16le.
func (s *Session) Peak() float64 {
	return math.Float64frombits(s.peak.Load())
}

// Start begins polling the device. It is a no-op when already started.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}
	if s.graph == nil {
		return ErrNotArmed
	}
	if s.started {
		return nil
	}
	s.started = true
	s.armedAt = s.opts.Clock()
	s.stopPoll = make(chan struct{})
	s.pollDone = make(chan struct{})
	go s.poll(s.stopPoll, s.pollDone)
	return nil
}

func (s *Session) poll(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.pull()
		}
	}
}

func (s *Session) pull() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graph == nil {
		return
	}
	if _, err := s.graph.Pull(); err != nil {
		s.log.Warn("device read failed", slogError(err))
	}
}

func (s *Session) stopPolling() {
	s.mu.Lock()
	stop, done := s.stopPoll, s.pollDone
	s.stopPoll, s.pollDone = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// ChunkCount reports how many raw chunks have been accumulated.
func (s *Session) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// Finalize stops accumulation and encodes the captured audio. Resources are
// released whether or not encoding succeeds.
func (s *Session) Finalize(ctx context.Context) (Recording, error) {
	defer s.Cleanup()
	s.stopPolling()

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return Recording{}, ErrReleased
	}
	if s.graph == nil || !s.started {
		s.mu.Unlock()
		return Recording{}, ErrNotArmed
	}
	if _, err := s.graph.Pull(); err != nil {
		s.log.Warn("final device read failed", slogError(err))
	}
	if tail := s.gain.Flush(); len(tail) > 0 {
		s.log.Warn("device stream ended mid-frame", slog.Int("bytes", len(tail)))
		s.chunks = append(s.chunks, tail)
	}
	size := 0
	for _, c := range s.chunks {
		size += len(c)
	}
	raw := make([]byte, 0, size)
	for _, c := range s.chunks {
		raw = append(raw, c...)
	}
	format := s.format
	elapsed := s.opts.Clock().Sub(s.armedAt)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Recording{}, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}
	rec, err := s.opts.Encode(raw, format, elapsed)
	if err != nil {
		if errors.Is(err, ErrEncodingFailed) {
			return Recording{}, err
		}
		return Recording{}, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}
	if rec.Degraded {
		s.log.Warn("raw audio could not be decoded; stored with best-effort header",
			slog.String("format", format.String()), slog.Int("bytes", len(raw)))
	}
	return rec, nil
}

// Cleanup stops polling, disconnects the graph, closes the device stream and
// drops all buffered chunks. It never fails and is safe to call repeatedly.
func (s *Session) Cleanup() {
	s.stopPolling()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	if s.graph != nil {
		s.graph.Disconnect()
		s.graph = nil
	}
	s.gain = nil
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.log.Warn("close device stream failed", slogError(err))
		}
		s.stream = nil
	}
	s.chunks = nil
	s.started = false
}

// Released reports whether Cleanup has run.
func (s *Session) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
