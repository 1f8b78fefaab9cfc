package server

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/adapterinfo"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/audio"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/events"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/language"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/service"
)

// Server implements TranscriptionServer on top of a service.Service.
type Server struct {
	svc *service.Service
	log *slog.Logger
}

// New returns a new Server instance.
func New(svc *service.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if svc == nil {
		panic("server: service must not be nil")
	}
	cfg := svc.Config()
	return &Server{
		svc: svc,
		log: logger.With(
			"component", "server",
			"model_variant", cfg.ModelVariant,
			"language", cfg.Language,
		),
	}
}

// Transcribe decodes the uploaded recording and streams the run's events.
// A failed run is reported by its Failed event; the call itself then ends
// without an error status.
func (s *Server) Transcribe(req *TranscribeRequest, stream EventStream) error {
	if len(req.Audio) == 0 {
		return status.Error(codes.InvalidArgument, "audio is required")
	}
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	ch, p, err := s.svc.Transcribe(ctx, service.Request{
		Model:         req.Model,
		Language:      req.Language,
		Metadata:      req.Metadata,
		ForceDownload: req.ForceDownload,
		SingleSegment: req.SingleSegment,
	}, audio.Bytes(req.Audio))
	if err != nil {
		return requestError(err)
	}

	header := metadata.New(adapterinfo.TranscriptMetadata(p.Descriptor().Variant, p.Language().Code))
	if err := stream.SendHeader(header); err != nil {
		return err
	}
	s.log.Info("transcription started", "model_variant", p.Descriptor().Variant, "language", p.Language().Code, "bytes", len(req.Audio))
	return s.forward(stream, ch)
}

// DownloadModel streams the acquisition of one model.
func (s *Server) DownloadModel(req *DownloadModelRequest, stream EventStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	ch, err := s.svc.DownloadModel(ctx, service.Request{Model: req.Model, ForceDownload: req.IgnoreCache})
	if err != nil {
		return requestError(err)
	}
	s.log.Info("model download started", "model", req.Model, "ignore_cache", req.IgnoreCache)
	return s.forward(stream, ch)
}

func (s *Server) forward(stream EventStream, ch <-chan events.Event) error {
	for ev := range ch {
		if err := stream.Send(&ev); err != nil {
			s.log.Error("failed to send event", "kind", ev.Kind, "error", err)
			return err
		}
		if ev.Kind == events.KindFailed {
			s.log.Warn("run failed", "error", ev.Err)
		}
	}
	return nil
}

// ListModels returns the catalogue of the active backend.
func (s *Server) ListModels(context.Context, *ListModelsRequest) (*ListModelsResponse, error) {
	return &ListModelsResponse{
		Backend: string(s.svc.Backend()),
		Models:  s.svc.Models(),
	}, nil
}

// ListLanguages returns every supported language.
func (s *Server) ListLanguages(context.Context, *ListLanguagesRequest) (*ListLanguagesResponse, error) {
	all := s.svc.Languages()
	out := &ListLanguagesResponse{Languages: make([]LanguageInfo, 0, len(all))}
	for _, l := range all {
		out.Languages = append(out.Languages, LanguageInfo{Code: l.Code, Name: l.Name})
	}
	return out, nil
}

// CheckLanguage reports whether a code is supported.
func (s *Server) CheckLanguage(_ context.Context, req *CheckLanguageRequest) (*CheckLanguageResponse, error) {
	l, err := s.svc.CheckLanguage(req.Code)
	if errors.Is(err, language.ErrUnknown) {
		return &CheckLanguageResponse{Supported: false}, nil
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &CheckLanguageResponse{Supported: true, Language: &LanguageInfo{Code: l.Code, Name: l.Name}}, nil
}

func requestError(err error) error {
	if errors.Is(err, service.ErrBadRequest) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
