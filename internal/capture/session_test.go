package capture_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/capture/capturetest"
	"github.com/loqalabs/loqa-capture/internal/pcm"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func s16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionFinalizeCanonical(t *testing.T) {
	dev := capturetest.NewDevice(pcm.Canonical, s16(1, 2, 3, 4))
	sess := capture.NewSession(dev, capture.Options{PollInterval: 5 * time.Millisecond}, newLogger())

	if err := sess.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := sess.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	// second start is a no-op
	if err := sess.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	waitFor(t, func() bool { return sess.ChunkCount() >= 3 })

	rec, err := sess.Finalize(context.Background())
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if dev.Outstanding() != 0 {
		t.Fatalf("expected stream closed after finalize, %d outstanding", dev.Outstanding())
	}
	samples, info, err := pcm.DecodeContainer(rec.Payload())
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if info.SampleRate != 16000 || info.Channels != 1 || rec.Degraded {
		t.Fatalf("unexpected recording %+v info %+v", rec, info)
	}
	if len(samples)%4 != 0 {
		t.Fatalf("expected whole chunks, got %d samples", len(samples))
	}
	for i := 0; i < len(samples); i += 4 {
		if samples[i] != 1 || samples[i+1] != 2 || samples[i+2] != 3 || samples[i+3] != 4 {
			t.Fatalf("chunk order broken at %d: %v", i, samples[i:i+4])
		}
	}
}

func TestSessionFinalizeResamples(t *testing.T) {
	format := pcm.Format{Encoding: pcm.EncodingPCMS16LE, SampleRate: 48000, Channels: 2}
	chunk := make([]byte, 0, 480*4)
	for i := 0; i < 480; i++ {
		chunk = append(chunk, s16(1000, 3000)...)
	}
	dev := capturetest.NewDevice(format, chunk)
	sess := capture.NewSession(dev, capture.Options{PollInterval: time.Millisecond}, newLogger())
	if err := sess.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := sess.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec, err := sess.Finalize(context.Background())
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	samples, _, err := pcm.DecodeContainer(rec.Payload())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(samples) == 0 || len(samples)%160 != 0 {
		t.Fatalf("expected multiples of 160 samples per 10ms chunk, got %d", len(samples))
	}
	for i, s := range samples {
		if s != 2000 {
			t.Fatalf("sample %d = %d, want mixed value 2000", i, s)
		}
	}
}

func TestSessionFinalizeDegradedFallback(t *testing.T) {
	// three bytes of s16 stereo never form a whole frame
	format := pcm.Format{Encoding: pcm.EncodingPCMS16LE, SampleRate: 44100, Channels: 2}
	dev := capturetest.NewDevice(format, []byte{1, 2, 3})
	// only the final drain in Finalize runs
	sess := capture.NewSession(dev, capture.Options{PollInterval: time.Hour}, newLogger())
	if err := sess.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := sess.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec, err := sess.Finalize(context.Background())
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !rec.Degraded {
		t.Fatal("expected degraded recording")
	}
	if _, err := pcm.Inspect(rec.Payload()); err != nil {
		t.Fatalf("fallback container invalid: %v", err)
	}
}

func TestSessionEncodeFailureStillReleases(t *testing.T) {
	dev := capturetest.NewDevice(pcm.Canonical, s16(1))
	failing := func([]byte, pcm.Format, time.Duration) (capture.Recording, error) {
		return capture.Recording{}, errors.New("boom")
	}
	sess := capture.NewSession(dev, capture.Options{PollInterval: time.Millisecond, Encode: failing}, newLogger())
	if err := sess.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := sess.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := sess.Finalize(context.Background())
	if !errors.Is(err, capture.ErrEncodingFailed) {
		t.Fatalf("expected ErrEncodingFailed, got %v", err)
	}
	if dev.Outstanding() != 0 || !sess.Released() {
		t.Fatal("expected resources released after failed finalize")
	}
}

func TestSessionInitializeDenied(t *testing.T) {
	dev := capturetest.NewDevice(pcm.Canonical, nil)
	dev.Deny(true)
	sess := capture.NewSession(dev, capture.Options{}, newLogger())
	err := sess.Initialize(context.Background())
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if dev.Outstanding() != 0 {
		t.Fatal("denied open must not leave a handle")
	}
}

func TestSessionCleanupIdempotent(t *testing.T) {
	dev := capturetest.NewDevice(pcm.Canonical, s16(5))
	sess := capture.NewSession(dev, capture.Options{PollInterval: time.Millisecond}, newLogger())
	if err := sess.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := sess.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess.Cleanup()
	opened, outstanding := dev.Opened(), dev.Outstanding()
	sess.Cleanup()
	if dev.Opened() != opened || dev.Outstanding() != outstanding || outstanding != 0 {
		t.Fatalf("second cleanup changed state: opened=%d outstanding=%d", dev.Opened(), dev.Outstanding())
	}
	if sess.ChunkCount() != 0 {
		t.Fatal("expected chunks discarded by cleanup")
	}
	if _, err := sess.Finalize(context.Background()); !errors.Is(err, capture.ErrReleased) {
		t.Fatalf("expected ErrReleased after cleanup, got %v", err)
	}
}

func TestSessionCleanupDuringOpenClosesLateStream(t *testing.T) {
	dev := capturetest.NewDevice(pcm.Canonical, nil)
	dev.Hold()
	sess := capture.NewSession(dev, capture.Options{}, newLogger())

	errs := make(chan error, 1)
	go func() { errs <- sess.Initialize(context.Background()) }()
	waitFor(t, func() bool { return dev.OpenCalls() == 1 })

	sess.Cleanup()
	dev.Release()

	if err := <-errs; err == nil {
		t.Fatal("expected initialize to fail after cleanup")
	}
	if dev.Outstanding() != 0 {
		t.Fatalf("late stream left open: %d outstanding", dev.Outstanding())
	}
}

// trickleDevice hands out a fixed byte stream a few bytes per drain, without
// regard for sample boundaries.
type trickleDevice struct {
	mu   sync.Mutex
	data []byte
	step int
}

func (d *trickleDevice) Name() string { return "trickle" }

func (d *trickleDevice) Open(context.Context, capture.Constraints) (capture.Stream, error) {
	return d, nil
}

func (d *trickleDevice) Format() pcm.Format { return pcm.Canonical }

func (d *trickleDevice) Drain() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := min(d.step, len(d.data))
	out := d.data[:n]
	d.data = d.data[n:]
	return out, nil
}

func (d *trickleDevice) Close() error { return nil }

func (d *trickleDevice) remaining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.data)
}

func TestSessionGainAcrossSplitSamples(t *testing.T) {
	samples := make([]int16, 200)
	for i := range samples {
		samples[i] = 100
	}
	dev := &trickleDevice{data: s16(samples...), step: 3}
	sess := capture.NewSession(dev, capture.Options{Gain: 2, PollInterval: time.Millisecond}, newLogger())
	if err := sess.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := sess.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return dev.remaining() == 0 && sess.ChunkCount() > 0 })

	if got, want := sess.Peak(), 200.0/32768; got != want {
		t.Fatalf("expected peak %v, got %v", want, got)
	}

	rec, err := sess.Finalize(context.Background())
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	decoded, _, err := pcm.DecodeContainer(rec.Payload())
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(decoded))
	}
	for i, v := range decoded {
		if v != 200 {
			t.Fatalf("sample %d = %d, want 200", i, v)
		}
	}
}

func TestSessionFinalizeKeepsTrailingPartialFrame(t *testing.T) {
	dev := &trickleDevice{data: append(s16(7, 7), 0x01), step: 3}
	var raw []byte
	opts := capture.Options{
		Gain:         2,
		PollInterval: time.Millisecond,
		Encode: func(b []byte, f pcm.Format, elapsed time.Duration) (capture.Recording, error) {
			raw = append([]byte(nil), b...)
			return capture.Recording{}, nil
		},
	}
	sess := capture.NewSession(dev, opts, newLogger())
	if err := sess.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := sess.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return dev.remaining() == 0 })

	if _, err := sess.Finalize(context.Background()); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	want := append(s16(14, 14), 0x01)
	if string(raw) != string(want) {
		t.Fatalf("expected %v, got %v", want, raw)
	}
}
