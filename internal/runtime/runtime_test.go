package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/lifecycle"
	"github.com/loqalabs/loqa-capture/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.HTTP.Port = 0
	cfg.Store.Path = filepath.Join(dir, "recordings.db")
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	cfg.Capture.PollIntervalMS = 10
	return cfg
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestNewLoggerWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.log")
	var console bytes.Buffer
	logger, closer := NewLogger(config.TelemetryConfig{LogLevel: "info", LogFile: path, LogMaxSizeMB: 1}, &console)
	logger.Debug("hidden")
	logger.Info("recording stored", slog.Int64("id", 7))
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"recording stored"`)
	assert.NotContains(t, string(data), "hidden")
	assert.Equal(t, string(data), console.String())
}

func TestBuildRecordsToStore(t *testing.T) {
	ctx := context.Background()
	c, err := Build(ctx, testConfig(t), newLogger(), Providers{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.Nil(t, c.Bus)
	assert.Equal(t, "synthetic", c.Device.Name())

	require.NoError(t, c.Lifecycle.Start(ctx, "test"))
	time.Sleep(30 * time.Millisecond)
	rec, err := c.Lifecycle.Stop(ctx, store.Metadata{Name: "warmup", Category: "breathing"})
	require.NoError(t, err)

	got, err := c.Store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "warmup", got.Name)
	assert.True(t, bytes.HasPrefix(got.Payload, []byte("RIFF")))
	assert.Equal(t, lifecycle.StateIdle, c.Lifecycle.State().State)
}

func TestBuildWithEmbeddedBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = ""

	c, err := Build(context.Background(), cfg, newLogger(), Providers{})
	require.NoError(t, err)
	require.NotNil(t, c.Broker)
	require.NotNil(t, c.Bus)
	assert.True(t, c.Bus.Healthy())
	require.NoError(t, c.Close())
}

func TestBuildFailsOnUnknownDevice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.Device = "theremin"
	_, err := Build(context.Background(), cfg, newLogger(), Providers{})
	require.Error(t, err)
}

func TestRuntimeServesAndShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := New(testConfig(t), newLogger())

	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	require.Eventually(t, func() bool {
		if rt.Addr() == "" {
			return false
		}
		resp, err := http.Get("http://" + rt.Addr() + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	base := "http://" + rt.Addr()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/v1/capture/start", "application/json", strings.NewReader(`{"trigger":"http"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "recording", resp.Header.Get("X-Loqa-Capture-State"))

	resp, err = http.Post(base+"/v1/capture/stop", "application/json", strings.NewReader(`{"name":"daily"}`))
	require.NoError(t, err)
	var rec store.Recording
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "daily", rec.Name)

	// shutdown must force-stop this one
	resp, err = http.Post(base+"/v1/capture/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not shut down")
	}
}
