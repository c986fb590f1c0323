package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/device"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/lifecycle"
	"github.com/loqalabs/loqa-capture/internal/natsserver"
	"github.com/loqalabs/loqa-capture/internal/store"
)

// Components is the capture core assembled from configuration. The daemon
// and the one-shot CLI share it.
type Components struct {
	Config     config.Config
	Broker     *natsserver.EmbeddedServer
	Bus        *bus.Client
	Store      *store.Store
	Events     *eventstore.Store
	Device     capture.Device
	Lifecycle  *lifecycle.Lifecycle
	logger     *slog.Logger
	closeFuncs []func() error
}

// Build opens the stores, connects the bus when enabled, selects the capture
// device and constructs the lifecycle instrumented through p. On error
// everything already opened is closed.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, p Providers) (c *Components, err error) {
	c = &Components{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = c.Close()
			c = nil
		}
	}()

	if cfg.Bus.Enabled {
		c.Broker, err = natsserver.Start(cfg.Bus, logger.With(slog.String("component", "nats")))
		if err != nil {
			return nil, err
		}
		if c.Broker != nil {
			c.closeFuncs = append(c.closeFuncs, func() error { c.Broker.Shutdown(); return nil })
			cfg.Bus.Servers = []string{c.Broker.ClientURL()}
		}
		c.Bus, err = bus.Connect(ctx, cfg.RuntimeName, cfg.Bus, logger.With(slog.String("component", "bus")))
		if err != nil {
			return nil, err
		}
		c.closeFuncs = append(c.closeFuncs, func() error { c.Bus.Close(); return nil })
	}

	c.Store, err = store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open recording store: %w", err)
	}
	c.closeFuncs = append(c.closeFuncs, c.Store.Close)

	c.Events, err = eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	c.closeFuncs = append(c.closeFuncs, c.Events.Close)

	c.Device, err = device.New(cfg.Capture, c.Bus, logger)
	if err != nil {
		return nil, fmt.Errorf("select capture device: %w", err)
	}

	c.Lifecycle = lifecycle.New(c.Device, c.Store, lifecycle.Options{
		Session:         device.SessionOptions(cfg.Capture),
		ReadyTimeout:    time.Duration(cfg.Capture.ReadyTimeoutMS) * time.Millisecond,
		FinalizeTimeout: time.Duration(cfg.Capture.FinalizeTimeout) * time.Millisecond,
		MeterProvider:   p.Meter,
		TracerProvider:  p.Tracer,
	}, logger)

	logger.Info("capture core ready",
		slog.String("device", c.Device.Name()),
		slog.String("store", cfg.Store.Path),
		slog.String("retention", cfg.Store.RetentionMode))
	return c, nil
}

// Close force-stops any active recording and releases everything in reverse
// order of acquisition.
func (c *Components) Close() error {
	if c.Lifecycle != nil {
		c.Lifecycle.ForceStop("shutdown")
	}
	var errs []error
	for i := len(c.closeFuncs) - 1; i >= 0; i-- {
		if err := c.closeFuncs[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closeFuncs = nil
	return errors.Join(errs...)
}
