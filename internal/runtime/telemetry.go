package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/lifecycle"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"go.opentelemetry.io/otel/trace"
)

// recordingBucketsMS spans a short prompt to a long reading exercise.
var recordingBucketsMS = []float64{500, 1000, 2000, 5000, 10000, 30000, 60000, 120000, 300000}

// Providers carries the instrumentation handed to the lifecycle. The zero
// value falls back to the process-wide otel providers.
type Providers struct {
	Meter  metric.MeterProvider
	Tracer trace.TracerProvider
}

type telemetry struct {
	meters   *sdkmetric.MeterProvider
	tracers  *sdktrace.TracerProvider
	registry *promclient.Registry
	exporter string
}

func captureResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("capture.device", cfg.Capture.Device),
			attribute.String("capture.input_format", cfg.Capture.InputFormat),
			attribute.Int("capture.input_sample_rate", cfg.Capture.InputSampleRate),
			attribute.Int("capture.input_channels", cfg.Capture.InputChannels),
			attribute.String("store.retention_mode", cfg.Store.RetentionMode),
		),
	)
}

// setupTelemetry builds the tracer and meter providers for one runtime and
// installs them as the otel globals. Metrics are served from a private
// registry so repeated setups in one process never collide.
func setupTelemetry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	res, err := captureResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	t := &telemetry{registry: promclient.NewRegistry()}
	if t.tracers, t.exporter, err = newTracerProvider(ctx, cfg.Telemetry, res); err != nil {
		return nil, err
	}

	exporter, err := prometheus.New(prometheus.WithRegisterer(t.registry))
	if err != nil {
		_ = t.tracers.Shutdown(ctx)
		return nil, err
	}
	t.meters = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
		sdkmetric.WithView(sdkmetric.NewView(
			sdkmetric.Instrument{Name: lifecycle.MetricDuration},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: recordingBucketsMS}},
		)),
	)

	otel.SetTracerProvider(t.tracers)
	otel.SetMeterProvider(t.meters)
	logger.Info("telemetry initialized",
		slog.String("exporter", t.exporter),
		slog.String("device", cfg.Capture.Device),
		slog.String("input_format", cfg.Capture.InputFormat))
	return t, nil
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdktrace.TracerProvider, string, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	name := "none"
	switch endpoint := strings.TrimSpace(cfg.OTLPEndpoint); {
	case endpoint != "":
		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, clientOpts...)
		if err != nil {
			return nil, "", err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
		name = "otlp"
	case cfg.StdoutTraces:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, "", err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
		name = "stdout"
	}
	return sdktrace.NewTracerProvider(opts...), name, nil
}

func (t *telemetry) providers() Providers {
	return Providers{Meter: t.meters, Tracer: t.tracers}
}

func (t *telemetry) metricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meters.Shutdown(ctx), t.tracers.Shutdown(ctx))
}
