package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/lifecycle"
	"github.com/loqalabs/loqa-capture/internal/runtime"
	"github.com/loqalabs/loqa-capture/internal/store"
	"github.com/natefinch/atomic"
)

var version = "0.1.0-dev"

const usage = "expected 'record', 'list', 'export', 'summary' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "record":
		err = runRecord(os.Args[2:])
	case "list":
		err = runList(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "summary":
		err = runSummary(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runRecord(args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	duration := fs.Duration("duration", 5*time.Second, "How long to record; interrupt stops early")
	name := fs.String("name", "", "Recording name")
	category := fs.String("category", "", "Recording category")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := open(ctx, *configPath)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Lifecycle.Start(ctx, "cli"); err != nil && !errors.Is(err, lifecycle.ErrStillArming) {
		return fmt.Errorf("start recording: %w", err)
	}
	fmt.Fprintf(os.Stderr, "recording from %s for up to %s\n", c.Device.Name(), *duration)

	select {
	case <-time.After(*duration):
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rec, err := c.Lifecycle.Stop(stopCtx, store.Metadata{Name: *name, Category: *category})
	if err != nil {
		return fmt.Errorf("stop recording: %w", err)
	}
	return printJSON(os.Stdout, rec)
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	category := fs.String("category", "", "Only list this category")
	limit := fs.Int("limit", 20, "Maximum recordings to list")
	fs.Parse(args)

	ctx := context.Background()
	c, err := open(ctx, *configPath)
	if err != nil {
		return err
	}
	defer c.Close()

	recs, err := c.Store.List(ctx, store.Filter{Category: *category, Limit: *limit})
	if err != nil {
		return err
	}
	for _, r := range recs {
		mark := ""
		if r.Degraded {
			mark = " degraded"
		}
		fmt.Printf("%d\t%s\t%s\t%s\t%dms%s\n", r.ID, r.CreatedAt.Format(time.RFC3339), r.Filename, r.Category, r.DurationMS, mark)
	}
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	id := fs.Int64("id", 0, "Recording id")
	out := fs.String("out", "", "Output path; defaults to the stored filename")
	fs.Parse(args)

	if *id <= 0 {
		return errors.New("-id is required")
	}

	ctx := context.Background()
	c, err := open(ctx, *configPath)
	if err != nil {
		return err
	}
	defer c.Close()

	rec, err := c.Store.Get(ctx, *id)
	if err != nil {
		return err
	}
	path := *out
	if path == "" {
		path = rec.Filename
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := atomic.WriteFile(path, bytes.NewReader(rec.Payload)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Println(path)
	return nil
}

func runSummary(args []string) error {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	fs.Parse(args)

	ctx := context.Background()
	c, err := open(ctx, *configPath)
	if err != nil {
		return err
	}
	defer c.Close()

	sum, err := c.Store.Summary(ctx, time.Now())
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, sum)
}

func open(ctx context.Context, configPath string) (*runtime.Components, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Bus.Embedded = false
	logger, _ := runtime.NewLogger(config.TelemetryConfig{LogLevel: "warn"}, os.Stderr)
	return runtime.Build(ctx, cfg, logger.With(slog.String("cli", "loqa-record")), runtime.Providers{})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
