// Package capturetest provides an instrumented in-memory capture device for
// tests of code that drives capture sessions.
package capturetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/pcm"
)

// Device counts acquisitions and releases and can be told to deny access,
// block in Open until released, or feed a fixed chunk on every drain.
type Device struct {
	mu        sync.Mutex
	format    pcm.Format
	chunk     []byte
	deny      bool
	gate      chan struct{}
	opened    int
	closed    int
	drains    int
	openCalls int
}

func NewDevice(format pcm.Format, chunk []byte) *Device {
	return &Device{format: format, chunk: chunk}
}

func (d *Device) Name() string { return "fake" }

// Deny makes subsequent opens fail like a rejected permission prompt.
func (d *Device) Deny(deny bool) {
	d.mu.Lock()
	d.deny = deny
	d.mu.Unlock()
}

// Hold makes subsequent opens block until Release is called or the context
// ends.
func (d *Device) Hold() {
	d.mu.Lock()
	d.gate = make(chan struct{})
	d.mu.Unlock()
}

func (d *Device) Release() {
	d.mu.Lock()
	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
	d.mu.Unlock()
}

func (d *Device) Open(ctx context.Context, _ capture.Constraints) (capture.Stream, error) {
	d.mu.Lock()
	d.openCalls++
	gate := d.gate
	deny := d.deny
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if deny {
		return nil, fmt.Errorf("%w: permission denied", capture.ErrDeviceUnavailable)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened++
	return &stream{dev: d}, nil
}

// Outstanding is the number of opened streams not yet closed.
func (d *Device) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened - d.closed
}

func (d *Device) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

func (d *Device) OpenCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openCalls
}

func (d *Device) Drains() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drains
}

type stream struct {
	dev    *Device
	once   sync.Once
	closed bool
}

func (s *stream) Format() pcm.Format { return s.dev.format }

func (s *stream) Drain() ([]byte, error) {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.closed {
		return nil, errors.New("stream closed")
	}
	s.dev.drains++
	return append([]byte(nil), s.dev.chunk...), nil
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.dev.mu.Lock()
		s.closed = true
		s.dev.closed++
		s.dev.mu.Unlock()
	})
	return nil
}
