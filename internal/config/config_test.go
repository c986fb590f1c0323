package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Capture.Device != "synthetic" {
		t.Fatalf("expected synthetic default device, got %q", cfg.Capture.Device)
	}
	if cfg.Capture.ReadyTimeoutMS != 5000 {
		t.Fatalf("expected default ready timeout 5000, got %d", cfg.Capture.ReadyTimeoutMS)
	}
	if cfg.Bus.Enabled {
		t.Fatal("expected bus disabled by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa.yaml")
	data := `runtime_name: capture-test
capture:
  device: exec
  command: "arecord -q -f S16_LE -r 16000 -c 1 -t raw"
  poll_interval_ms: 50
store:
  path: ./rec.db
  max_recordings: 20
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "capture-test" {
		t.Fatalf("runtime name not loaded: %q", cfg.RuntimeName)
	}
	if cfg.Capture.Device != "exec" || cfg.Capture.PollIntervalMS != 50 {
		t.Fatalf("capture section not loaded: %+v", cfg.Capture)
	}
	if cfg.Store.MaxRecordings != 20 {
		t.Fatalf("expected max recordings 20, got %d", cfg.Store.MaxRecordings)
	}
	// untouched keys keep defaults
	if cfg.Capture.ReadyTimeoutMS != 5000 {
		t.Fatalf("expected default ready timeout, got %d", cfg.Capture.ReadyTimeoutMS)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_CAPTURE_DEVICE", "nats")
	t.Setenv("LOQA_CAPTURE_SUBJECT", "audio.frame.kitchen")
	t.Setenv("LOQA_CAPTURE_GAIN", "1.5")
	t.Setenv("LOQA_CAPTURE_READY_TIMEOUT_MS", "2500")
	t.Setenv("LOQA_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_STORE_MAX_RECORDINGS", "123")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Capture.Device != "nats" || cfg.Capture.Subject != "audio.frame.kitchen" {
		t.Fatalf("expected capture device override, got %+v", cfg.Capture)
	}
	if cfg.Capture.Gain != 1.5 {
		t.Fatalf("expected gain 1.5, got %v", cfg.Capture.Gain)
	}
	if cfg.Capture.ReadyTimeoutMS != 2500 {
		t.Fatalf("expected ready timeout override")
	}
	if cfg.Store.Path != "./tmp.db" || cfg.Store.MaxRecordings != 123 {
		t.Fatalf("expected store overrides, got %+v", cfg.Store)
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("LOQA_CAPTURE_DEVICE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for exec device without command")
	}
}

func TestValidateRejectsNatsDeviceWithoutBus(t *testing.T) {
	t.Setenv("LOQA_CAPTURE_DEVICE", "nats")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for nats device with bus disabled")
	}
}

func TestValidateRejectsUnknownFormat(t *testing.T) {
	t.Setenv("LOQA_CAPTURE_INPUT_FORMAT", "opus")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unsupported input format")
	}
}

func TestValidateRejectsZeroGain(t *testing.T) {
	t.Setenv("LOQA_CAPTURE_GAIN", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for zero gain")
	}
}
