package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/pcm"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/nats-io/nats.go"
)

// NATS captures PCM frames streamed by an edge device over the bus. The
// stream format is taken from the first frame received, which is also the
// signal that the device is ready.
type NATS struct {
	bus     *bus.Client
	subject string
	log     *slog.Logger
}

func NewNATS(client *bus.Client, subject string, log *slog.Logger) *NATS {
	if !strings.HasSuffix(subject, ">") && !strings.HasSuffix(subject, "*") {
		subject += ".>"
	}
	return &NATS{bus: client, subject: subject, log: log.With(slog.String("component", "nats-device"))}
}

func (n *NATS) Name() string { return "nats:" + n.subject }

func (n *NATS) Open(ctx context.Context, _ capture.Constraints) (capture.Stream, error) {
	if n.bus == nil || !n.bus.Healthy() {
		return nil, fmt.Errorf("%w: bus not connected", capture.ErrDeviceUnavailable)
	}
	s := &natsStream{log: n.log, first: make(chan struct{})}
	sub, err := n.bus.Conn().Subscribe(n.subject, s.handleFrame)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", capture.ErrDeviceUnavailable, n.subject, err)
	}
	s.sub = sub

	select {
	case <-s.first:
		return s, nil
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}
}

type natsStream struct {
	log   *slog.Logger
	sub   *nats.Subscription
	first chan struct{}

	mu      sync.Mutex
	format  pcm.Format
	session string
	buf     []byte
	lastSeq int
	gaps    int
	dropped int
	ended   bool
	closed  bool
}

func (s *natsStream) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SampleRate <= 0 || frame.Channels <= 0 {
		s.log.Warn("audio frame without format", slog.String("session_id", frame.SessionID))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.session == "" {
		s.session = frame.SessionID
		s.format = pcm.Format{Encoding: pcm.EncodingPCMS16LE, SampleRate: frame.SampleRate, Channels: frame.Channels}
		s.lastSeq = frame.Sequence
		s.ended = frame.Final
		s.buf = append(s.buf, frame.PCM...)
		close(s.first)
		return
	}
	// one edge session per recording; frames from other sessions or with a
	// different format cannot be mixed into the same buffer
	if s.ended || frame.SessionID != s.session || frame.SampleRate != s.format.SampleRate || frame.Channels != s.format.Channels {
		s.dropped++
		return
	}
	if frame.Sequence <= s.lastSeq {
		s.dropped++
		return
	}
	if frame.Sequence > s.lastSeq+1 {
		s.gaps += frame.Sequence - s.lastSeq - 1
	}
	s.lastSeq = frame.Sequence
	s.ended = frame.Final
	s.buf = append(s.buf, frame.PCM...)
}

func (s *natsStream) Format() pcm.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

func (s *natsStream) Drain() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buf
	s.buf = nil
	return out, nil
}

func (s *natsStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dropped, gaps := s.dropped, s.gaps
	s.buf = nil
	s.mu.Unlock()

	if dropped > 0 {
		s.log.Warn("dropped audio frames outside the active edge session", slog.Int("count", dropped))
	}
	if gaps > 0 {
		s.log.Warn("audio frames missing from edge stream", slog.Int("count", gaps))
	}
	return s.sub.Unsubscribe()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
