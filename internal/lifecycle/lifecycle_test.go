package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/capture/capturetest"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/pcm"
	"github.com/loqalabs/loqa-capture/internal/store"
	"github.com/stretchr/testify/require"
)

var filenamePattern = regexp.MustCompile(`^recording_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.wav$`)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// chunk is 10ms of canonical silence.
func chunk() []byte {
	return make([]byte, 320)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), config.StoreConfig{RetentionMode: "ephemeral"}, newLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type harness struct {
	dev   *capturetest.Device
	clock *fakeClock
	lc    *Lifecycle
}

func newHarness(t *testing.T, saver Saver, mutate func(*Options)) *harness {
	t.Helper()
	if saver == nil {
		saver = openStore(t)
	}
	clock := newFakeClock()
	dev := capturetest.NewDevice(pcm.Canonical, chunk())
	opts := Options{
		Session:         capture.Options{PollInterval: 2 * time.Millisecond},
		ReadyTimeout:    time.Second,
		TeardownTimeout: time.Second,
		Clock:           clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &harness{dev: dev, clock: clock, lc: New(dev, saver, opts, newLogger())}
}

func waitForState(t *testing.T, lc *Lifecycle, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return lc.State().State == want }, 2*time.Second, 2*time.Millisecond)
}

func TestStartStopStoresRecording(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, h.lc.Start(ctx, "button"))
	snap := h.lc.State()
	require.Equal(t, StateRecording, snap.State)
	require.True(t, snap.IsRecording)
	require.True(t, snap.StartedVia("button"))
	require.False(t, snap.StartedVia("hotkey"))

	h.clock.Advance(2000 * time.Millisecond)
	require.Equal(t, int64(2000), h.lc.State().ElapsedMS)

	saved, err := h.lc.Stop(ctx, store.Metadata{Name: "t", Category: "speech-test"})
	require.NoError(t, err)
	require.Equal(t, int64(2000), saved.DurationMS)
	require.Equal(t, 16000, saved.SampleRate)
	require.Equal(t, 1, saved.Channels)
	require.Equal(t, pcm.FormatTag, saved.Format)
	require.Equal(t, "t", saved.Name)
	require.Equal(t, "speech-test", saved.Category)
	require.Regexp(t, filenamePattern, saved.Filename)
	require.False(t, saved.Degraded)

	_, err = pcm.Inspect(saved.Payload)
	require.NoError(t, err)

	require.Equal(t, StateIdle, h.lc.State().State)
	require.Zero(t, h.dev.Outstanding())
	require.Equal(t, 1, h.dev.Opened())
}

func TestStartTwiceRejected(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, h.lc.Start(ctx, "button"))
	attempt := h.lc.State().AttemptID

	err := h.lc.Start(ctx, "button")
	require.ErrorIs(t, err, ErrAlreadyRecording)

	snap := h.lc.State()
	require.Equal(t, StateRecording, snap.State)
	require.Equal(t, attempt, snap.AttemptID)
	require.Equal(t, 1, h.dev.OpenCalls())

	_, err = h.lc.Stop(ctx, store.Metadata{Name: "first"})
	require.NoError(t, err)
}

func TestDeniedDeviceReturnsToIdle(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.dev.Deny(true)

	err := h.lc.Start(ctx, "button")
	require.ErrorIs(t, err, capture.ErrDeviceUnavailable)
	require.Equal(t, StateIdle, h.lc.State().State)
	require.Zero(t, h.dev.Outstanding())

	h.dev.Deny(false)
	require.NoError(t, h.lc.Start(ctx, "button"))
	require.Equal(t, StateRecording, h.lc.State().State)
	h.lc.ForceStop("test")
}

func TestStartReportsStillArming(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) { o.ReadyTimeout = 20 * time.Millisecond })
	h.dev.Hold()

	err := h.lc.Start(context.Background(), "button")
	require.ErrorIs(t, err, ErrStillArming)
	require.Equal(t, StateArming, h.lc.State().State)

	h.dev.Release()
	waitForState(t, h.lc, StateRecording)

	_, err = h.lc.Stop(context.Background(), store.Metadata{})
	require.NoError(t, err)
	require.Zero(t, h.dev.Outstanding())
}

func TestForceStopDuringArming(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) { o.ReadyTimeout = 10 * time.Millisecond })
	h.dev.Hold()

	require.ErrorIs(t, h.lc.Start(context.Background(), "button"), ErrStillArming)
	h.lc.ForceStop("visibility-hidden")

	require.Equal(t, StateIdle, h.lc.State().State)
	require.Zero(t, h.dev.Outstanding())
	require.Zero(t, h.dev.Opened())

	h.dev.Release()
	require.NoError(t, h.lc.Start(context.Background(), "button"))
	h.lc.ForceStop("test")
	require.Zero(t, h.dev.Outstanding())
}

func TestForceStopImmediatelyAfterStart(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.lc.Start(context.Background(), "button"))
	h.lc.ForceStop("page-unload")

	require.Equal(t, StateIdle, h.lc.State().State)
	require.Zero(t, h.dev.Outstanding())

	_, err := h.lc.Stop(context.Background(), store.Metadata{})
	require.ErrorIs(t, err, ErrNotRecording)
}

func TestForceStopWhileIdleIsNoop(t *testing.T) {
	h := newHarness(t, nil, nil)
	sub := h.lc.Subscribe(8)
	defer sub.Close()

	h.lc.ForceStop("navigate")
	h.lc.ForceStop("navigate")

	require.Equal(t, StateIdle, h.lc.State().State)
	select {
	case evt := <-sub.C:
		t.Fatalf("unexpected event %+v", evt)
	default:
	}
}

func TestForceStopDuringEncodeDiscardsResult(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	saver := &recordingSaver{}
	h := newHarness(t, saver, func(o *Options) {
		o.Session.Encode = func(raw []byte, f pcm.Format, elapsed time.Duration) (capture.Recording, error) {
			close(entered)
			<-unblock
			return capture.Encode(raw, f, elapsed)
		}
	})
	require.NoError(t, h.lc.Start(context.Background(), "button"))

	errs := make(chan error, 1)
	go func() {
		_, err := h.lc.Stop(context.Background(), store.Metadata{Name: "late"})
		errs <- err
	}()
	<-entered
	h.lc.ForceStop("page-unload")
	require.Equal(t, StateIdle, h.lc.State().State)
	require.Zero(t, h.dev.Outstanding())
	close(unblock)

	require.ErrorIs(t, <-errs, ErrForceStopped)
	require.Zero(t, saver.saves())
	require.Equal(t, StateIdle, h.lc.State().State)
}

func TestForceStopDuringSaveDeletesRecording(t *testing.T) {
	saver := &recordingSaver{entered: make(chan struct{}), unblock: make(chan struct{})}
	h := newHarness(t, saver, nil)
	require.NoError(t, h.lc.Start(context.Background(), "button"))

	errs := make(chan error, 1)
	go func() {
		_, err := h.lc.Stop(context.Background(), store.Metadata{})
		errs <- err
	}()
	<-saver.entered
	h.lc.ForceStop("shutdown")
	close(saver.unblock)

	require.ErrorIs(t, <-errs, ErrForceStopped)
	require.Equal(t, []int64{1}, saver.deletedIDs())
	require.Zero(t, h.dev.Outstanding())
}

func TestEncodeFailureReleasesAndReturnsToIdle(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) {
		o.Session.Encode = func([]byte, pcm.Format, time.Duration) (capture.Recording, error) {
			return capture.Recording{}, errors.New("codec exploded")
		}
	})
	require.NoError(t, h.lc.Start(context.Background(), "button"))

	_, err := h.lc.Stop(context.Background(), store.Metadata{})
	require.ErrorIs(t, err, capture.ErrEncodingFailed)
	require.Equal(t, StateIdle, h.lc.State().State)
	require.Zero(t, h.dev.Outstanding())

	require.NoError(t, h.lc.Start(context.Background(), "button"))
	h.lc.ForceStop("test")
}

func TestStorageFailureSurfaces(t *testing.T) {
	saver := &recordingSaver{fail: true}
	h := newHarness(t, saver, nil)
	require.NoError(t, h.lc.Start(context.Background(), "button"))

	_, err := h.lc.Stop(context.Background(), store.Metadata{})
	require.ErrorIs(t, err, store.ErrStorageFailed)
	require.Equal(t, StateIdle, h.lc.State().State)
	require.Zero(t, h.dev.Outstanding())
}

func TestEventsFollowTransitions(t *testing.T) {
	h := newHarness(t, nil, nil)
	sub := h.lc.Subscribe(32)
	defer sub.Close()

	require.NoError(t, h.lc.Start(context.Background(), "button"))
	_, err := h.lc.Stop(context.Background(), store.Metadata{Name: "evt"})
	require.NoError(t, err)

	var kinds []EventKind
	var states []State
	for len(kinds) < 6 {
		select {
		case evt := <-sub.C:
			kinds = append(kinds, evt.Kind)
			states = append(states, evt.State)
			require.NotEmpty(t, evt.AttemptID)
			if evt.Kind == EventRecordingStop {
				require.NotNil(t, evt.Recording)
				require.Equal(t, "evt", evt.Recording.Name)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", kinds)
		}
	}
	require.Equal(t, []EventKind{
		EventStateChange, EventStateChange, EventRecordingStart,
		EventStateChange, EventRecordingStop, EventStateChange,
	}, kinds)
	require.Equal(t, []State{StateArming, StateRecording, StateRecording, StateFinalizing, StateFinalizing, StateIdle}, states)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := newHarness(t, nil, nil)
	sub := h.lc.Subscribe(1)

	require.NoError(t, h.lc.Start(context.Background(), "button"))
	_, err := h.lc.Stop(context.Background(), store.Metadata{})
	require.NoError(t, err)
	require.Positive(t, sub.Dropped())

	sub.Close()
	sub.Close()
	_, open := <-sub.C
	for open {
		_, open = <-sub.C
	}
	require.NoError(t, h.lc.Start(context.Background(), "button"))
	h.lc.ForceStop("test")
}

// Random sequences of operations never leave a device handle open once the
// lifecycle is back in Idle, and never open the device twice per attempt.
func TestRandomOperationSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	cycles := 0
	for i := 0; i < 200; i++ {
		switch rng.Intn(3) {
		case 0:
			before := h.dev.Opened()
			if err := h.lc.Start(ctx, "fuzz"); err == nil {
				cycles++
				require.Equal(t, before+1, h.dev.Opened())
			} else {
				require.ErrorIs(t, err, ErrAlreadyRecording)
				require.Equal(t, before, h.dev.Opened())
			}
		case 1:
			if _, err := h.lc.Stop(ctx, store.Metadata{}); err != nil {
				require.ErrorIs(t, err, ErrNotRecording)
			}
		case 2:
			h.lc.ForceStop("fuzz")
		}
		if h.lc.State().State == StateIdle {
			require.Zero(t, h.dev.Outstanding(), "handle outstanding at step %d", i)
		} else {
			require.Equal(t, 1, h.dev.Outstanding())
		}
	}
	require.Equal(t, cycles, h.dev.Opened())
}

type recordingSaver struct {
	mu      sync.Mutex
	fail    bool
	entered chan struct{}
	unblock chan struct{}
	saved   int
	deleted []int64
}

func (s *recordingSaver) Save(ctx context.Context, rec capture.Recording, meta store.Metadata) (store.Recording, error) {
	if s.entered != nil {
		close(s.entered)
		<-s.unblock
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return store.Recording{}, errors.Join(store.ErrStorageFailed, errors.New("disk full"))
	}
	s.saved++
	return store.Recording{ID: int64(s.saved), Name: meta.Name, DurationMS: rec.DurationMS}, nil
}

func (s *recordingSaver) Delete(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return true, nil
}

func (s *recordingSaver) saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved
}

func (s *recordingSaver) deletedIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.deleted...)
}

func TestSnapshotReportsPeakLevel(t *testing.T) {
	loud := make([]byte, 320)
	for i := 0; i < len(loud); i += 2 {
		loud[i], loud[i+1] = 0x00, 0x40 // 16384
	}
	dev := capturetest.NewDevice(pcm.Canonical, loud)
	lc := New(dev, openStore(t), Options{Session: capture.Options{PollInterval: 2 * time.Millisecond}}, newLogger())

	require.Zero(t, lc.State().PeakLevel)
	require.NoError(t, lc.Start(context.Background(), "button"))
	require.Eventually(t, func() bool { return lc.State().PeakLevel == 0.5 }, 2*time.Second, 2*time.Millisecond)

	lc.ForceStop("test")
	require.Zero(t, lc.State().PeakLevel)
}
