package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/pcm"
	"github.com/mattn/go-shellwords"
)

// Exec captures audio from an external command that writes raw audio to
// stdout, such as `arecord -q -t raw -f S16_LE -r 16000 -c 1`. The device is
// ready once the command produces its first bytes.
type Exec struct {
	cmd    []string
	format pcm.Format
}

func NewExec(command string, format pcm.Format) (*Exec, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &Exec{cmd: args, format: format}, nil
}

func (e *Exec) Name() string { return "exec:" + e.cmd[0] }

func (e *Exec) Open(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	// the process outlives Open, so it is not bound to ctx
	command := exec.Command(e.cmd[0], e.cmd[1:]...)
	command.Env = append(command.Environ(),
		"LOQA_CAPTURE_SAMPLE_RATE="+strconv.Itoa(e.format.SampleRate),
		"LOQA_CAPTURE_CHANNELS="+strconv.Itoa(e.format.Channels),
		"LOQA_CAPTURE_ECHO_CANCELLATION="+strconv.FormatBool(c.EchoCancellation),
		"LOQA_CAPTURE_NOISE_SUPPRESSION="+strconv.FormatBool(c.NoiseSuppression),
	)
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	}
	s := &execStream{
		cmd:    command,
		format: e.format,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	command.Stderr = &s.stderr
	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", capture.ErrDeviceUnavailable, e.cmd[0], err)
	}
	go s.read(stdout)

	select {
	case <-s.ready:
		return s, nil
	case <-s.done:
		_ = s.Close()
		return nil, fmt.Errorf("%w: %s exited before producing audio: %s", capture.ErrDeviceUnavailable, e.cmd[0], s.stderrText())
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}
}

type execStream struct {
	cmd    *exec.Cmd
	format pcm.Format

	mu        sync.Mutex
	buf       bytes.Buffer
	stderr    lockedBuffer
	readErr   error
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

func (s *execStream) read(r io.Reader) {
	defer close(s.done)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf.Write(chunk[:n])
			s.mu.Unlock()
			s.readyOnce.Do(func() { close(s.ready) })
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.mu.Lock()
				s.readErr = err
				s.mu.Unlock()
			}
			return
		}
	}
}

func (s *execStream) Format() pcm.Format { return s.format }

func (s *execStream) Drain() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]byte(nil), s.buf.Bytes()...)
	s.buf.Reset()
	if len(out) == 0 && s.readErr != nil {
		return nil, s.readErr
	}
	return out, nil
}

func (s *execStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-s.done
		if waitErr := s.cmd.Wait(); waitErr != nil {
			var exitErr *exec.ExitError
			if !errors.As(waitErr, &exitErr) {
				err = waitErr
			}
		}
	})
	return err
}

func (s *execStream) stderrText() string {
	return string(bytes.TrimSpace(s.stderr.Bytes()))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
