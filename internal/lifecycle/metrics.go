package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-capture/lifecycle"

// MetricDuration is the histogram of stored recording lengths in ms.
const MetricDuration = "loqa.capture.duration"

type metrics struct {
	starts   metric.Int64Counter
	stops    metric.Int64Counter
	errors   metric.Int64Counter
	degraded metric.Int64Counter
	drops    metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics(l *Lifecycle) *metrics {
	meter := l.opts.MeterProvider.Meter(instrumentationName)
	m := &metrics{}
	var err error
	if m.starts, err = meter.Int64Counter("loqa.capture.starts", metric.WithDescription("Recording attempts started")); err != nil {
		l.log.Warn("register metric failed", slogError(err))
	}
	if m.stops, err = meter.Int64Counter("loqa.capture.stops", metric.WithDescription("Recordings finalized and stored")); err != nil {
		l.log.Warn("register metric failed", slogError(err))
	}
	if m.errors, err = meter.Int64Counter("loqa.capture.errors", metric.WithDescription("Recording attempts that failed")); err != nil {
		l.log.Warn("register metric failed", slogError(err))
	}
	if m.degraded, err = meter.Int64Counter("loqa.capture.degraded", metric.WithDescription("Recordings stored with a best-effort header")); err != nil {
		l.log.Warn("register metric failed", slogError(err))
	}
	if m.drops, err = meter.Int64Counter("loqa.capture.events_dropped", metric.WithDescription("Lifecycle events dropped for slow subscribers")); err != nil {
		l.log.Warn("register metric failed", slogError(err))
	}
	if m.duration, err = meter.Float64Histogram(MetricDuration, metric.WithUnit("ms"), metric.WithDescription("Duration of stored recordings")); err != nil {
		l.log.Warn("register metric failed", slogError(err))
	}

	gauge, err := meter.Int64ObservableGauge("loqa.capture.recording", metric.WithDescription("1 while a recording is active"))
	if err != nil {
		l.log.Warn("register metric failed", slogError(err))
		return m
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		snap := l.State()
		var v int64
		if snap.IsRecording {
			v = 1
		}
		obs.ObserveInt64(gauge, v, metric.WithAttributes(attribute.String("state", string(snap.State))))
		return nil
	}, gauge)
	if err != nil {
		l.log.Warn("register metric callback failed", slogError(err))
	}
	return m
}

func (m *metrics) started(trigger string) {
	if m.starts != nil {
		m.starts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("trigger", trigger)))
	}
}

func (m *metrics) stored(elapsed time.Duration, degraded bool) {
	if m.stops != nil {
		m.stops.Add(context.Background(), 1)
	}
	if m.duration != nil {
		m.duration.Record(context.Background(), float64(elapsed.Milliseconds()))
	}
	if degraded && m.degraded != nil {
		m.degraded.Add(context.Background(), 1)
	}
}

func (m *metrics) failed(stage string) {
	if m.errors != nil {
		m.errors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
}

func (m *metrics) dropped(kind EventKind) {
	if m.drops != nil {
		m.drops.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
