// Package pipeline sequences model acquisition and decoding for one run and
// multiplexes their events into a single ordered stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/adapterinfo"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/audio"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/download"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/engine"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/events"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/hub"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/language"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/models"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/telemetry"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/transcribe"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/window"
)

var (
	// ErrInvalidOptions is returned by New for options that cannot describe a run.
	ErrInvalidOptions = errors.New("pipeline: invalid options")
	// ErrIncompatibleLanguage is returned by New when a non-English language is
	// requested from an English-only model.
	ErrIncompatibleLanguage = errors.New("pipeline: language not supported by model")
)

// Stage names the phase of a run that failed.
type Stage string

const (
	StageDownload Stage = "download"
	StageAudio    Stage = "audio"
	StageModel    Stage = "model"
	StageOracle   Stage = "oracle"
)

// Error is the terminal failure of a run.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline: %s failed: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options describes one model and how to decode with it. All values are
// fixed at construction.
type Options struct {
	// Model is the manifest variant id.
	Model    string
	Language language.Language
	Backend  engine.Backend
	Native   engine.NativeOptions

	ForceDownload bool
	SingleSegment bool
	BeamWidth     int
	MaxDepth      int
	Overlap       time.Duration

	// Hub is required. Manifest defaults to the embedded manifest.
	Hub       *hub.Client
	Manifest  *models.Manifest
	Telemetry *telemetry.Recorder
	Logger    *slog.Logger
}

// Pipeline runs transcriptions of one validated model/language pairing.
// Runs share no mutable state and may proceed concurrently.
type Pipeline struct {
	opts      Options
	desc      models.Descriptor
	downloads *download.Manager
	modelOnly bool
	log       *slog.Logger
}

// New validates opts and resolves the model descriptor. It performs no I/O
// beyond reading the manifest, so a rejected pairing produces no events.
func New(opts Options) (*Pipeline, error) {
	return newPipeline(opts, false)
}

// NewDownload is New for model-only runs: the language is not checked
// against the model. Transcribe on the result fails with ErrInvalidOptions.
func NewDownload(opts Options) (*Pipeline, error) {
	return newPipeline(opts, true)
}

func newPipeline(opts Options, modelOnly bool) (*Pipeline, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("%w: hub client is required", ErrInvalidOptions)
	}
	if opts.Backend == "" {
		opts.Backend = engine.BackendStub
	}
	if _, err := engine.ParseBackend(string(opts.Backend)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if opts.BeamWidth < 0 || opts.MaxDepth < 0 || opts.Overlap < 0 {
		return nil, fmt.Errorf("%w: beam width %d, max depth %d, overlap %s",
			ErrInvalidOptions, opts.BeamWidth, opts.MaxDepth, opts.Overlap)
	}
	if opts.Language.Code == "" {
		opts.Language = language.English
	}

	manifest := opts.Manifest
	if manifest == nil {
		m, err := models.DefaultManifest()
		if err != nil {
			return nil, err
		}
		manifest = &m
	}
	desc, err := manifest.Resolve(opts.Backend.Layout(), opts.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if !modelOnly && !desc.Multilingual && !opts.Language.IsEnglish() {
		return nil, fmt.Errorf("%w: %s is English-only, requested %s",
			ErrIncompatibleLanguage, desc.Variant, opts.Language)
	}

	return &Pipeline{
		opts:      opts,
		desc:      desc,
		downloads: download.NewManager(opts.Hub, logger),
		modelOnly: modelOnly,
		log: logger.With(
			"component", "pipeline.Pipeline",
			"model_variant", desc.Variant,
			"backend", string(opts.Backend),
		),
	}, nil
}

// Descriptor returns the resolved model.
func (p *Pipeline) Descriptor() models.Descriptor { return p.desc }

// Language returns the transcription language.
func (p *Pipeline) Language() language.Language { return p.opts.Language }

// Transcribe starts a run over src and returns its event stream. Download
// events come first, then one segment per window. A failed run ends with a
// single Failed event. The stream is closed when the run ends; cancelling ctx
// abandons the run without a terminal event.
func (p *Pipeline) Transcribe(ctx context.Context, src audio.Source) <-chan events.Event {
	out := make(chan events.Event)
	runID := xid.New().String()
	metrics := p.opts.Telemetry.StartRun(runID, telemetry.KindTranscribe, p.metadata())
	log := p.log.With("run_id", runID)

	go func() {
		defer close(out)
		err := p.transcribe(ctx, src, out, metrics, log)
		p.finish(ctx, out, err, metrics, log)
	}()
	return out
}

// DownloadModel starts a model-only run: download events followed by
// ModelCompleted, or a single Failed event.
func (p *Pipeline) DownloadModel(ctx context.Context) <-chan events.Event {
	out := make(chan events.Event)
	runID := xid.New().String()
	metrics := p.opts.Telemetry.StartRun(runID, telemetry.KindDownload, p.metadata())
	log := p.log.With("run_id", runID)

	go func() {
		defer close(out)
		_, err := p.downloads.Acquire(ctx, p.desc, p.opts.ForceDownload, func(ev events.Event) error {
			metrics.RecordDownload(ev)
			return send(ctx, out, ev)
		})
		if err != nil {
			err = stageError(ctx, StageDownload, err)
		} else {
			err = send(ctx, out, events.ModelCompleted(p.desc.Variant))
		}
		p.finish(ctx, out, err, metrics, log)
	}()
	return out
}

func (p *Pipeline) transcribe(ctx context.Context, src audio.Source, out chan<- events.Event, metrics *telemetry.RunMetrics, log *slog.Logger) error {
	if p.modelOnly {
		return fmt.Errorf("%w: %s was built for model downloads only", ErrInvalidOptions, p.desc.Variant)
	}
	buf, err := src.Load(ctx)
	if err != nil {
		return stageError(ctx, StageAudio, err)
	}
	log.Debug("audio loaded", "samples", len(buf.Samples), "duration", buf.Duration)

	g, gctx := errgroup.WithContext(ctx)
	downloads := make(chan events.Event)
	ready := make(chan struct{})
	acquired := make(chan models.LocalFiles, 1)

	// Producer: acquires the model files.
	g.Go(func() error {
		defer close(downloads)
		f, err := p.downloads.Acquire(gctx, p.desc, p.opts.ForceDownload, func(ev events.Event) error {
			return send(gctx, downloads, ev)
		})
		if err != nil {
			return stageError(gctx, StageDownload, err)
		}
		acquired <- f
		return nil
	})

	// Forwarder: copies download events out and releases the decoder once
	// the producer is done, whatever its outcome.
	g.Go(func() error {
		defer close(ready)
		for ev := range downloads {
			metrics.RecordDownload(ev)
			if err := send(gctx, out, ev); err != nil {
				return err
			}
		}
		return nil
	})

	// Decoder: starts only after every download event has been forwarded.
	g.Go(func() error {
		select {
		case <-ready:
		case <-gctx.Done():
			return gctx.Err()
		}
		// The files are in acquired only when the producer finished first;
		// otherwise the forwarder stopped early and the run is over.
		var files models.LocalFiles
		select {
		case files = <-acquired:
		default:
			return nil
		}
		if gctx.Err() != nil {
			return nil
		}
		return p.decode(gctx, files, buf, out, metrics, log)
	})

	return g.Wait()
}

func (p *Pipeline) decode(ctx context.Context, files models.LocalFiles, buf audio.Buffer, out chan<- events.Event, metrics *telemetry.RunMetrics, log *slog.Logger) error {
	model, err := engine.Load(files, engine.Options{
		Backend: p.opts.Backend,
		Native:  p.opts.Native,
		Logger:  log,
	})
	if err != nil {
		return &Error{Stage: StageModel, Err: err}
	}
	defer model.Close()

	decoder, err := transcribe.NewDecoder(model, transcribe.Options{
		Language:      p.opts.Language,
		BeamWidth:     p.opts.BeamWidth,
		MaxDepth:      p.opts.MaxDepth,
		Overlap:       p.opts.Overlap,
		SingleSegment: p.opts.SingleSegment,
		OnWindow: func(w window.Window, tokens int, elapsed time.Duration) {
			metrics.RecordWindow(w.Index, tokens, elapsed)
		},
	}, log)
	if err != nil {
		return &Error{Stage: StageModel, Err: err}
	}

	err = decoder.Run(ctx, buf, func(ev events.Event) error {
		metrics.RecordSegment(ev.Text)
		return send(ctx, out, ev)
	})
	if errors.Is(err, transcribe.ErrOracle) {
		return &Error{Stage: StageOracle, Err: err}
	}
	return err
}

// finish emits the terminal failure, unless the consumer is gone, and closes
// the run's metrics.
func (p *Pipeline) finish(ctx context.Context, out chan<- events.Event, err error, metrics *telemetry.RunMetrics, log *slog.Logger) {
	if err != nil && ctx.Err() == nil {
		log.Warn("run failed", "error", err)
		_ = send(ctx, out, events.Failed(err))
	}
	if ctx.Err() != nil && err != nil {
		log.Debug("run abandoned by consumer", "error", err)
	}
	metrics.Finish(err)
}

func (p *Pipeline) metadata() map[string]string {
	return adapterinfo.TranscriptMetadata(p.desc.Variant, p.opts.Language.Code)
}

// send delivers ev unless ctx ends first. A failed send is how a run learns
// that its consumer is gone.
func send(ctx context.Context, out chan<- events.Event, ev events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func stageError(ctx context.Context, stage Stage, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	return &Error{Stage: stage, Err: err}
}
