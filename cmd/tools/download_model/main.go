package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/config"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/events"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/service"
)

func main() {
	var (
		variant = flag.String("variant", config.DefaultModel, "model variant defined in internal/models/manifest.yaml")
		backend = flag.String("backend", config.DefaultBackend, "backend whose file layout to fetch (stub or whispercpp)")
		output  = flag.String("dir", "testdata", "data directory; files land under <dir>/models")
		force   = flag.Bool("force", false, "download even when the files are cached")
	)
	flag.Parse()

	if strings.TrimSpace(*output) == "" {
		fmt.Fprintln(os.Stderr, "download_model: --dir must not be empty")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg := config.Config{
		ModelVariant: *variant,
		Backend:      *backend,
		DataDir:      *output,
		HubToken:     os.Getenv("HF_TOKEN"),
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "download_model: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 15*time.Minute)
	defer cancel()

	svc, err := service.New(service.Options{Config: cfg, Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "download_model: %v\n", err)
		os.Exit(1)
	}
	ch, err := svc.DownloadModel(ctx, service.Request{ForceDownload: *force})
	if err != nil {
		fmt.Fprintf(os.Stderr, "download_model: %v\n", err)
		os.Exit(1)
	}

	failed := false
	for ev := range ch {
		switch ev.Kind {
		case events.KindDownloadProgress:
			continue
		case events.KindFailed:
			failed = true
		}
		fmt.Println(ev)
	}
	if failed || ctx.Err() != nil {
		os.Exit(1)
	}
	fmt.Printf("Model %q ready under %s\n", *variant, cfg.ModelsDir())
}
