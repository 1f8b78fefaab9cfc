// Package service binds the configuration to the catalogues and to per-request
// pipelines. The gRPC server, the HTTP API and the CLI all go through it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/audio"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/config"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/download"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/engine"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/events"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/hub"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/language"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/models"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/pipeline"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/telemetry"
)

// LanguageMetadataKey carries the caller's language when a request asks for
// LanguageFromClient.
const LanguageMetadataKey = "whisper.lang.iso1"

// LanguageFromClient selects the language named in the request metadata.
const LanguageFromClient = "client"

// Options configures a Service.
type Options struct {
	Config config.Config
	// Hub defaults to a client built from Config.
	Hub *hub.Client
	// Manifest defaults to the embedded manifest.
	Manifest  *models.Manifest
	Telemetry *telemetry.Recorder
	Logger    *slog.Logger
}

// Service answers catalogue queries and starts runs.
type Service struct {
	cfg       config.Config
	hub       *hub.Client
	downloads *download.Manager
	manifest  models.Manifest
	backend   engine.Backend
	metrics   *telemetry.Recorder
	log       *slog.Logger
}

// New resolves the backend and the hub client.
func New(opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backend, err := engine.Resolve(opts.Config.Backend, logger)
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}

	client := opts.Hub
	if client == nil {
		client, err = hub.New(hub.Options{
			Endpoint: opts.Config.HubEndpoint,
			CacheDir: opts.Config.ModelsDir(),
			Token:    opts.Config.HubToken,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("service: %w", err)
		}
	}

	var manifest models.Manifest
	if opts.Manifest != nil {
		manifest = *opts.Manifest
	} else if manifest, err = models.DefaultManifest(); err != nil {
		return nil, err
	}

	return &Service{
		cfg:       opts.Config,
		hub:       client,
		downloads: download.NewManager(client, logger),
		manifest:  manifest,
		backend:   backend,
		metrics:   opts.Telemetry,
		log:       logger.With("component", "service.Service", "backend", string(backend)),
	}, nil
}

// Config returns the configuration the service was built with.
func (s *Service) Config() config.Config { return s.cfg }

// Backend is the scoring backend runs use.
func (s *Service) Backend() engine.Backend { return s.backend }

// Languages lists every supported language.
func (s *Service) Languages() []language.Language { return language.All() }

// CheckLanguage resolves code to a supported language.
func (s *Service) CheckLanguage(code string) (language.Language, error) {
	return language.Parse(code)
}

// ModelInfo is a catalogue entry for the active backend's layout.
type ModelInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Repo         string   `json:"repo"`
	Files        []string `json:"files"`
	Multilingual bool     `json:"multilingual"`
	Cached       bool     `json:"cached"`
}

// Models lists the variants loadable by the active backend.
func (s *Service) Models() []ModelInfo {
	descs := s.manifest.List(s.backend.Layout())
	out := make([]ModelInfo, 0, len(descs))
	for _, d := range descs {
		info := ModelInfo{
			ID:           d.Variant,
			Name:         d.DisplayName,
			Repo:         d.Repo.ID,
			Multilingual: d.Multilingual,
			Cached:       s.downloads.Cached(d),
		}
		for _, f := range d.Files() {
			info.Files = append(info.Files, f.Name)
		}
		out = append(out, info)
	}
	return out
}

// Request overrides the configured defaults for one run.
type Request struct {
	// Model defaults to the configured variant.
	Model string
	// Language is a code, LanguageFromClient or empty for the configured language.
	Language string
	Metadata map[string]string
	// ForceDownload and SingleSegment are combined with the configured flags.
	ForceDownload bool
	SingleSegment bool
}

// ErrBadRequest marks requests rejected before a run starts.
var ErrBadRequest = errors.New("service: bad request")

// Pipeline validates req and returns the pipeline that serves it. Errors
// wrap ErrBadRequest together with the pipeline's validation error.
func (s *Service) Pipeline(req Request) (*pipeline.Pipeline, error) {
	return s.build(req, pipeline.New)
}

// DownloadPipeline is Pipeline for model-only runs. Any model can be
// fetched whatever the configured language.
func (s *Service) DownloadPipeline(req Request) (*pipeline.Pipeline, error) {
	return s.build(req, pipeline.NewDownload)
}

func (s *Service) build(req Request, newPipeline func(pipeline.Options) (*pipeline.Pipeline, error)) (*pipeline.Pipeline, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.cfg.ModelVariant
	}
	lang, err := language.Parse(ResolveLanguage(req.Language, req.Metadata, s.cfg.Language))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	p, err := newPipeline(pipeline.Options{
		Model:         model,
		Language:      lang,
		Backend:       s.backend,
		Native:        s.cfg.NativeOptions(),
		ForceDownload: s.cfg.ForceDownload || req.ForceDownload,
		SingleSegment: s.cfg.SingleSegment || req.SingleSegment,
		BeamWidth:     s.cfg.BeamWidth,
		MaxDepth:      s.cfg.MaxDepth,
		Overlap:       s.cfg.Overlap(),
		Hub:           s.hub,
		Manifest:      &s.manifest,
		Telemetry:     s.metrics,
		Logger:        s.log,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return p, nil
}

// Transcribe starts a transcription of src.
func (s *Service) Transcribe(ctx context.Context, req Request, src audio.Source) (<-chan events.Event, *pipeline.Pipeline, error) {
	p, err := s.Pipeline(req)
	if err != nil {
		return nil, nil, err
	}
	return p.Transcribe(ctx, src), p, nil
}

// DownloadModel starts a model-only run for req.Model.
func (s *Service) DownloadModel(ctx context.Context, req Request) (<-chan events.Event, error) {
	p, err := s.DownloadPipeline(req)
	if err != nil {
		return nil, err
	}
	return p.DownloadModel(ctx), nil
}

// ResolveLanguage picks the language code of a request. An empty mode
// falls back to fallback; LanguageFromClient reads LanguageMetadataKey from
// meta and falls back when it is blank.
func ResolveLanguage(mode string, meta map[string]string, fallback string) string {
	mode = strings.TrimSpace(mode)
	switch {
	case mode == "":
		return fallback
	case strings.EqualFold(mode, LanguageFromClient):
		if code := strings.TrimSpace(meta[LanguageMetadataKey]); code != "" {
			return code
		}
		return fallback
	default:
		return mode
	}
}
