// Command whisper lists languages and models, downloads models and
// transcribes WAV files from the command line.
//
//	whisper languages list
//	whisper languages check <code>
//	whisper models list
//	whisper models download [--ignore-cache] <model>
//	whisper transcribe [flags] <input.wav>
//
// Settings not given as flags come from the adapter configuration
// (WHISPER_* variables, .env, WHISPER_CONFIG_FILE).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/audio"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/config"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/events"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/language"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/models"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/service"
)

const usage = `usage:
  whisper languages list
  whisper languages check <code>
  whisper models list
  whisper models download [--ignore-cache] <model>
  whisper transcribe [--model m] [--language l] [--output file] [--ignore-cache] [--single-segment] [-v] <input.wav>
`

var errUsage = errors.New("invalid usage")

type cli struct {
	stdout, stderr io.Writer
	loader         config.Loader
	// manifest overrides the embedded manifest.
	manifest *models.Manifest
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := cli{stdout: os.Stdout, stderr: os.Stderr}
	os.Exit(c.run(ctx, os.Args[1:]))
}

func (c cli) run(ctx context.Context, args []string) int {
	err := c.dispatch(ctx, args)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(c.stderr, "whisper: %v\n%s", err, usage)
		return 2
	default:
		fmt.Fprintf(c.stderr, "whisper: %v\n", err)
		return 1
	}
}

func (c cli) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}
	rest := args[1:]
	switch args[0] {
	case "languages":
		return c.languages(rest)
	case "models":
		return c.models(ctx, rest)
	case "transcribe":
		return c.transcribe(ctx, rest)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func (c cli) languages(args []string) error {
	switch {
	case len(args) == 1 && args[0] == "list":
		for _, l := range language.All() {
			fmt.Fprintf(c.stdout, "%s - %s\n", l.Code, l.Name)
		}
		return nil
	case len(args) == 2 && args[0] == "check":
		if l, err := language.Parse(args[1]); err == nil {
			fmt.Fprintf(c.stdout, "%s is supported\n", l)
		} else {
			fmt.Fprintf(c.stdout, "%s not associated to any supported language\n", args[1])
		}
		return nil
	default:
		return fmt.Errorf("%w: languages expects list or check <code>", errUsage)
	}
}

func (c cli) models(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: models expects list or download", errUsage)
	}
	switch args[0] {
	case "list":
		svc, err := c.service()
		if err != nil {
			return err
		}
		for _, m := range svc.Models() {
			mark := ""
			if m.Cached {
				mark = " [cached]"
			}
			fmt.Fprintf(c.stdout, "%s (%s) - %s%s\n", m.ID, m.Name, m.Repo, mark)
		}
		return nil
	case "download":
		fs := flag.NewFlagSet("models download", flag.ContinueOnError)
		fs.SetOutput(c.stderr)
		ignoreCache := fs.Bool("ignore-cache", false, "download even when the files are cached")
		if err := fs.Parse(args[1:]); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("%w: models download expects one model", errUsage)
		}
		svc, err := c.service()
		if err != nil {
			return err
		}
		ch, err := svc.DownloadModel(ctx, service.Request{Model: fs.Arg(0), ForceDownload: *ignoreCache})
		if err != nil {
			return err
		}
		if err := c.drain(ch, func(events.Event) {}, false); err != nil {
			return err
		}
		fmt.Fprintln(c.stdout, "Download completed")
		return nil
	default:
		return fmt.Errorf("%w: unknown models command %q", errUsage, args[0])
	}
}

func (c cli) transcribe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	var (
		model         = fs.String("model", "", "model variant (defaults to the configured one)")
		lang          = fs.String("language", "", "audio language code (defaults to the configured one)")
		output        = fs.String("output", "", "write segments to this file instead of stdout")
		ignoreCache   = fs.Bool("ignore-cache", false, "download the model even when it is cached")
		singleSegment = fs.Bool("single-segment", false, "emit the whole transcript as one segment")
		verbose       = fs.Bool("v", false, "print every event")
	)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: transcribe expects one input file", errUsage)
	}

	svc, err := c.service()
	if err != nil {
		return err
	}
	ch, _, err := svc.Transcribe(ctx, service.Request{
		Model:         *model,
		Language:      *lang,
		ForceDownload: *ignoreCache,
		SingleSegment: *singleSegment,
	}, audio.File(fs.Arg(0)))
	if err != nil {
		return err
	}

	var segments []string
	if err := c.drain(ch, func(ev events.Event) {
		if ev.Kind == events.KindSegment {
			segments = append(segments, ev.String())
		}
	}, *verbose); err != nil {
		return err
	}

	text := strings.Join(segments, "\n")
	if *output == "" {
		if !*verbose && text != "" {
			fmt.Fprintln(c.stdout, text)
		}
		return nil
	}
	return os.WriteFile(*output, []byte(text), 0o644)
}

// drain consumes a run. Progress goes to stderr unless verbose, in which case
// every event is printed to stdout.
func (c cli) drain(ch <-chan events.Event, onEvent func(events.Event), verbose bool) error {
	var failure error
	for ev := range ch {
		onEvent(ev)
		switch {
		case ev.Kind == events.KindFailed:
			failure = ev.Err
		case verbose:
			fmt.Fprintln(c.stdout, ev)
		case ev.Kind == events.KindSegment:
			fmt.Fprintf(c.stderr, "%3.0f%%\n", ev.Percentage*100)
		case ev.Kind != events.KindDownloadProgress:
			fmt.Fprintln(c.stderr, ev)
		}
	}
	return failure
}

// service loads the configuration and builds a service on top of it.
func (c cli) service() (*service.Service, error) {
	cfg, err := c.loader.Load()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return service.New(service.Options{Config: cfg, Manifest: c.manifest, Logger: logger})
}
