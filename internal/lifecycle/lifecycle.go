// Package lifecycle sequences a recording attempt: device acquisition, arming,
// capture, finalize, persistence and release. It is the only owner of a
// capture.Session.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type State string

const (
	StateIdle          State = "idle"
	StateArming        State = "arming"
	StateRecording     State = "recording"
	StateFinalizing    State = "finalizing"
	StateForceStopping State = "force_stopping"
)

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("not recording")
	ErrStillArming      = errors.New("device still initializing")
	ErrForceStopped     = errors.New("recording force-stopped")
)

// Saver persists finalized recordings.
type Saver interface {
	Save(ctx context.Context, rec capture.Recording, meta store.Metadata) (store.Recording, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

type Options struct {
	Session capture.Options
	// ReadyTimeout bounds how long Start waits for the device before
	// reporting ErrStillArming. Arming continues in the background.
	ReadyTimeout    time.Duration
	FinalizeTimeout time.Duration
	// TeardownTimeout bounds how long ForceStop waits for an in-flight
	// device open to observe cancellation.
	TeardownTimeout time.Duration
	Clock           func() time.Time
	// MeterProvider and TracerProvider default to the otel globals.
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Snapshot is a point-in-time view of the lifecycle.
type Snapshot struct {
	State       State   `json:"state"`
	IsRecording bool    `json:"is_recording"`
	StartedBy   string  `json:"started_by,omitempty"`
	ElapsedMS   int64   `json:"elapsed_ms"`
	AttemptID   string  `json:"attempt_id,omitempty"`
	PeakLevel   float64 `json:"peak_level"`
}

// StartedVia reports whether the active attempt was started by trigger.
func (s Snapshot) StartedVia(trigger string) bool {
	return s.State != StateIdle && s.StartedBy == trigger
}

// Lifecycle is a single-writer state machine. All transitions happen under
// mu; device and store I/O never does.
type Lifecycle struct {
	device  capture.Device
	store   Saver
	opts    Options
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *metrics

	mu        sync.Mutex
	state     State
	gen       uint64
	session   *capture.Session
	attempt   string
	startedBy string
	startedAt time.Time
	armCancel context.CancelFunc
	armDone   chan struct{}
	forceDone chan struct{}
	subs      map[*Subscription]struct{}
}

func New(device capture.Device, saver Saver, opts Options, log *slog.Logger) *Lifecycle {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 5 * time.Second
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 30 * time.Second
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Session.Clock == nil {
		opts.Session.Clock = opts.Clock
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = otel.GetMeterProvider()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	l := &Lifecycle{
		device: device,
		store:  saver,
		opts:   opts,
		log:    log.With(slog.String("component", "lifecycle")),
		tracer: opts.TracerProvider.Tracer(instrumentationName),
		state:  StateIdle,
		subs:   make(map[*Subscription]struct{}),
	}
	l.metrics = newMetrics(l)
	return l
}

// Start moves Idle to Arming and waits up to ReadyTimeout for the device.
// A device failure returns the lifecycle to Idle and yields an error wrapping
// capture.ErrDeviceUnavailable. If the device is still opening when the wait
// ends, ErrStillArming is returned and the attempt stays in Arming.
func (l *Lifecycle) Start(ctx context.Context, trigger string) error {
	ctx, span := l.tracer.Start(ctx, "lifecycle.start", trace.WithAttributes(attribute.String("capture.trigger", trigger)))
	defer span.End()

	l.mu.Lock()
	if l.state != StateIdle {
		state := l.state
		l.mu.Unlock()
		span.SetStatus(codes.Error, ErrAlreadyRecording.Error())
		return fmt.Errorf("%w (state %s)", ErrAlreadyRecording, state)
	}
	l.gen++
	gen := l.gen
	l.attempt = uuid.NewString()
	l.startedBy = trigger
	l.startedAt = time.Time{}
	session := capture.NewSession(l.device, l.opts.Session, l.log.With(slog.String("attempt_id", l.attempt)))
	l.session = session
	armCtx, cancel := context.WithCancel(context.Background())
	l.armCancel = cancel
	done := make(chan struct{})
	l.armDone = done
	ready := make(chan error, 1)
	l.transitionLocked(StateArming)
	attempt := l.attempt
	l.mu.Unlock()

	span.SetAttributes(attribute.String("capture.attempt_id", attempt))
	l.metrics.started(trigger)
	l.log.Info("recording requested", slog.String("trigger", trigger), slog.String("attempt_id", attempt))

	go l.arm(armCtx, gen, session, ready, done)

	timer := time.NewTimer(l.opts.ReadyTimeout)
	defer timer.Stop()
	select {
	case err := <-ready:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	case <-timer.C:
		span.AddEvent("still arming")
		return ErrStillArming
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lifecycle) arm(ctx context.Context, gen uint64, session *capture.Session, ready chan<- error, done chan struct{}) {
	defer close(done)

	err := session.Initialize(ctx)
	if err == nil {
		err = session.Start()
	}

	l.mu.Lock()
	if l.gen != gen || l.state != StateArming {
		l.mu.Unlock()
		session.Cleanup()
		ready <- ErrForceStopped
		return
	}
	l.armCancel = nil
	if err != nil {
		l.session = nil
		l.mu.Unlock()

		session.Cleanup()
		if !errors.Is(err, capture.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
		}
		l.log.Warn("device unavailable", slogError(err))
		l.metrics.failed("arm")

		l.mu.Lock()
		if l.gen == gen {
			l.emitLocked(Event{Kind: EventRecordingError, State: l.state, Trigger: l.startedBy, Err: err})
			l.resetLocked()
		}
		l.mu.Unlock()
		ready <- err
		return
	}
	l.startedAt = l.opts.Clock()
	l.transitionLocked(StateRecording)
	l.emitLocked(Event{Kind: EventRecordingStart, State: StateRecording, Trigger: l.startedBy})
	l.mu.Unlock()

	l.log.Info("recording started", slog.String("device", l.device.Name()))
	ready <- nil
}

// Stop finalizes the active recording and stores it with meta. The device is
// released and the lifecycle is back in Idle when Stop returns, whether or
// not encoding and storage succeed.
func (l *Lifecycle) Stop(ctx context.Context, meta store.Metadata) (store.Recording, error) {
	ctx, span := l.tracer.Start(ctx, "lifecycle.stop")
	defer span.End()

	l.mu.Lock()
	if l.state != StateRecording {
		state := l.state
		l.mu.Unlock()
		span.SetStatus(codes.Error, ErrNotRecording.Error())
		return store.Recording{}, fmt.Errorf("%w (state %s)", ErrNotRecording, state)
	}
	gen := l.gen
	session := l.session
	attempt := l.attempt
	l.transitionLocked(StateFinalizing)
	l.mu.Unlock()

	span.SetAttributes(attribute.String("capture.attempt_id", attempt))

	fctx, cancel := context.WithTimeout(ctx, l.opts.FinalizeTimeout)
	defer cancel()
	rec, err := session.Finalize(fctx)

	if !l.current(gen) {
		span.SetStatus(codes.Error, ErrForceStopped.Error())
		return store.Recording{}, ErrForceStopped
	}
	if err != nil {
		return store.Recording{}, l.fail(gen, span, "finalize", err)
	}

	saved, err := l.store.Save(ctx, rec, meta)
	if err != nil {
		return store.Recording{}, l.fail(gen, span, "store", err)
	}
	if !l.current(gen) {
		// force-stopped while the write was committing
		if _, delErr := l.store.Delete(context.Background(), saved.ID); delErr != nil {
			l.log.Warn("discard force-stopped recording failed", slog.Int64("id", saved.ID), slogError(delErr))
		}
		span.SetStatus(codes.Error, ErrForceStopped.Error())
		return store.Recording{}, ErrForceStopped
	}

	l.metrics.stored(time.Duration(saved.DurationMS)*time.Millisecond, saved.Degraded)
	l.mu.Lock()
	if l.gen == gen {
		l.emitLocked(Event{
			Kind:      EventRecordingStop,
			State:     StateFinalizing,
			Trigger:   l.startedBy,
			Elapsed:   time.Duration(saved.DurationMS) * time.Millisecond,
			Recording: &saved,
		})
		l.resetLocked()
	}
	l.mu.Unlock()

	span.SetAttributes(attribute.Int64("capture.recording_id", saved.ID), attribute.Bool("capture.degraded", saved.Degraded))
	l.log.Info("recording stored",
		slog.String("attempt_id", attempt),
		slog.Int64("id", saved.ID),
		slog.String("filename", saved.Filename),
		slog.Int64("duration_ms", saved.DurationMS),
		slog.Bool("degraded", saved.Degraded))
	return saved, nil
}

func (l *Lifecycle) fail(gen uint64, span trace.Span, stage string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	l.metrics.failed(stage)
	l.log.Warn("recording failed", slog.String("stage", stage), slogError(err))

	l.mu.Lock()
	if l.gen == gen {
		l.emitLocked(Event{Kind: EventRecordingError, State: l.state, Trigger: l.startedBy, Err: err})
		l.resetLocked()
	}
	l.mu.Unlock()
	return err
}

func (l *Lifecycle) current(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen == gen
}

// ForceStop tears down any active attempt, discarding captured audio. The
// device is released before it returns. Calling it while Idle does nothing.
func (l *Lifecycle) ForceStop(reason string) {
	_, span := l.tracer.Start(context.Background(), "lifecycle.force_stop", trace.WithAttributes(attribute.String("capture.reason", reason)))
	defer span.End()

	l.mu.Lock()
	switch l.state {
	case StateIdle:
		l.mu.Unlock()
		return
	case StateForceStopping:
		done := l.forceDone
		l.mu.Unlock()
		<-done
		return
	}
	previous := l.state
	l.gen++
	session := l.session
	cancel := l.armCancel
	armDone := l.armDone
	attempt := l.attempt
	var elapsed time.Duration
	if !l.startedAt.IsZero() {
		elapsed = l.opts.Clock().Sub(l.startedAt)
	}
	l.session = nil
	l.armCancel = nil
	forceDone := make(chan struct{})
	l.forceDone = forceDone
	l.transitionLocked(StateForceStopping)
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if session != nil {
		session.Cleanup()
	}
	if previous == StateArming && armDone != nil {
		select {
		case <-armDone:
		case <-time.After(l.opts.TeardownTimeout):
			l.log.Warn("device open did not observe cancellation; stream will close when it returns",
				slog.String("attempt_id", attempt))
		}
	}

	l.mu.Lock()
	l.emitLocked(Event{Kind: EventRecordingStop, State: StateForceStopping, Previous: previous, Trigger: l.startedBy, Elapsed: elapsed, Reason: reason})
	l.resetLocked()
	l.forceDone = nil
	l.mu.Unlock()
	close(forceDone)

	l.log.Info("recording force-stopped", slog.String("reason", reason), slog.String("from", string(previous)), slog.String("attempt_id", attempt))
}

// resetLocked returns to Idle and forgets the attempt.
func (l *Lifecycle) resetLocked() {
	if l.armCancel != nil {
		l.armCancel()
		l.armCancel = nil
	}
	l.session = nil
	l.transitionLocked(StateIdle)
	l.startedBy = ""
	l.startedAt = time.Time{}
	l.attempt = ""
	l.armDone = nil
}

// State returns the current snapshot. It never blocks on I/O.
func (l *Lifecycle) State() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := Snapshot{
		State:       l.state,
		IsRecording: l.state == StateRecording,
		StartedBy:   l.startedBy,
		AttemptID:   l.attempt,
	}
	if !l.startedAt.IsZero() && (l.state == StateRecording || l.state == StateFinalizing) {
		snap.ElapsedMS = l.opts.Clock().Sub(l.startedAt).Milliseconds()
	}
	if l.state == StateRecording && l.session != nil {
		snap.PeakLevel = l.session.Peak()
	}
	return snap
}
