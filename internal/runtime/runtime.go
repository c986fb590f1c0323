package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-capture/internal/api"
	"github.com/loqalabs/loqa-capture/internal/bridge"
	"github.com/loqalabs/loqa-capture/internal/config"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	components *Components
	bridge     *bridge.Service
	telemetry  *telemetry
	ready      atomic.Bool
	addr       atomic.Value
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr reports the bound HTTP address once the listener is up.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Start runs the capture daemon until ctx is cancelled. Any in-flight
// recording is force-stopped before the stores are closed.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	components, err := Build(ctx, r.cfg, r.logger, tel.providers())
	if err != nil {
		r.closeTelemetry()
		return err
	}
	r.components = components

	if components.Bus != nil {
		r.bridge = bridge.NewService(ctx, components.Bus, components.Lifecycle, r.logger)
		if err := r.bridge.Start(); err != nil {
			_ = components.Close()
			r.closeTelemetry()
			return fmt.Errorf("start bus bridge: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/metrics", tel.metricsHandler())
	api.NewServer(components.Lifecycle, components.Store, r.logger).Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr.Store(ln.Addr().String())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sub := components.Lifecycle.Subscribe(256)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// runs until sub is closed so the shutdown force-stop is recorded
		components.Events.Record(context.WithoutCancel(gctx), sub)
		return nil
	})
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		components.Lifecycle.ForceStop("shutdown")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		sub.Close()
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.Addr()), slog.String("device", components.Device.Name()))

	runErr := g.Wait()
	r.shutdown()
	return runErr
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.components.Store.Prune(ctx); err != nil {
				r.logger.Warn("recording prune failed", slog.String("error", err.Error()))
			} else if n > 0 {
				r.logger.Info("recordings pruned", slog.Int64("count", n))
			}
			if err := r.components.Events.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) shutdown() {
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.components != nil {
		if err := r.components.Close(); err != nil {
			r.logger.Error("component shutdown error", slog.String("error", err.Error()))
		}
	}
	r.closeTelemetry()
}

func (r *Runtime) closeTelemetry() {
	if r.telemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.telemetry.Shutdown(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
	r.telemetry = nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.ready.Load() && r.componentsReady(req.Context()) {
		w.Header().Set("X-Loqa-Capture-State", string(r.components.Lifecycle.State().State))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) componentsReady(ctx context.Context) bool {
	c := r.components
	if c == nil {
		return false
	}
	if err := c.Store.Ping(ctx); err != nil {
		return false
	}
	if r.bridge != nil && !r.bridge.Healthy() {
		return false
	}
	return true
}
