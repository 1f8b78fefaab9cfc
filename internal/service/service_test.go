package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/audio"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/config"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/engine"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/engine/enginetest"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/events"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/pipeline"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(t *testing.T) *Service {
	t.Helper()
	return newServiceWithLanguage(t, "")
}

func newServiceWithLanguage(t *testing.T, lang string) *Service {
	t.Helper()
	srv, _ := enginetest.Serve(t)
	cfg := config.Config{ListenAddr: "bufconn", HubEndpoint: srv.URL, DataDir: t.TempDir(), ModelVariant: "tiny", Language: lang}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	svc, err := New(Options{Config: cfg, Manifest: enginetest.Manifest(), Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func TestResolveLanguage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mode string
		meta map[string]string
		want string
	}{
		{name: "client with metadata", mode: "client", meta: map[string]string{LanguageMetadataKey: "pl"}, want: "pl"},
		{name: "client without metadata", mode: "client", want: "en"},
		{name: "client with empty metadata", mode: "client", meta: map[string]string{}, want: "en"},
		{name: "client with blank code", mode: "client", meta: map[string]string{LanguageMetadataKey: "   "}, want: "en"},
		{name: "client with padded code", mode: "client", meta: map[string]string{LanguageMetadataKey: "  pl  "}, want: "pl"},
		{name: "specific ignores metadata", mode: "de", meta: map[string]string{LanguageMetadataKey: "pl"}, want: "de"},
		{name: "empty falls back", mode: "", want: "en"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ResolveLanguage(tt.mode, tt.meta, "en"); got != tt.want {
				t.Fatalf("ResolveLanguage(%q) = %q, want %q", tt.mode, got, tt.want)
			}
		})
	}
}

func TestModelsReportCache(t *testing.T) {
	svc := newService(t)
	if svc.Backend() != engine.BackendStub {
		t.Fatalf("unexpected backend %s", svc.Backend())
	}

	list := svc.Models()
	if len(list) != 3 || list[0].ID != "tiny" || list[0].Cached {
		t.Fatalf("unexpected catalogue %+v", list)
	}
	if len(list[0].Files) != 3 || list[1].Multilingual != true || list[2].Multilingual {
		t.Fatalf("unexpected catalogue details %+v", list)
	}

	ch, err := svc.DownloadModel(context.Background(), Request{})
	if err != nil {
		t.Fatalf("DownloadModel: %v", err)
	}
	var last events.Event
	for ev := range ch {
		last = ev
	}
	if last.Kind != events.KindModelCompleted {
		t.Fatalf("unexpected terminal event %+v", last)
	}
	if !svc.Models()[0].Cached {
		t.Fatalf("expected tiny to be cached after download")
	}
}

func TestPipelineRejectsBadRequests(t *testing.T) {
	svc := newService(t)

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{name: "unknown language", req: Request{Language: "xx"}, wantErr: ErrBadRequest},
		{name: "english only model", req: Request{Model: "tiny_en", Language: "it"}, wantErr: pipeline.ErrIncompatibleLanguage},
		{name: "unknown model", req: Request{Model: "huge"}, wantErr: pipeline.ErrInvalidOptions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Pipeline(tt.req)
			if !errors.Is(err, tt.wantErr) || !errors.Is(err, ErrBadRequest) {
				t.Fatalf("Pipeline error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTranscribeUsesRequestLanguage(t *testing.T) {
	svc := newService(t)
	ch, p, err := svc.Transcribe(context.Background(), Request{
		Language: LanguageFromClient,
		Metadata: map[string]string{LanguageMetadataKey: "it"},
	}, audio.Samples(audio.NewBuffer(enginetest.Speech(0, 1, 2))))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if p.Language().Code != "it" {
		t.Fatalf("unexpected language %s", p.Language())
	}
	var segments int
	for ev := range ch {
		if ev.Kind == events.KindFailed {
			t.Fatalf("run failed: %v", ev.Err)
		}
		if ev.Kind == events.KindSegment {
			segments++
		}
	}
	if segments != 1 {
		t.Fatalf("expected one segment, got %d", segments)
	}
}

func TestDownloadModelIgnoresConfiguredLanguage(t *testing.T) {
	svc := newServiceWithLanguage(t, "de")

	if _, err := svc.Pipeline(Request{Model: "tiny_en"}); !errors.Is(err, pipeline.ErrIncompatibleLanguage) {
		t.Fatalf("Pipeline error = %v, want %v", err, pipeline.ErrIncompatibleLanguage)
	}

	ch, err := svc.DownloadModel(context.Background(), Request{Model: "tiny_en"})
	if err != nil {
		t.Fatalf("DownloadModel: %v", err)
	}
	var last events.Event
	for ev := range ch {
		if ev.Kind == events.KindFailed {
			t.Fatalf("download failed: %v", ev.Err)
		}
		last = ev
	}
	if last.Kind != events.KindModelCompleted {
		t.Fatalf("unexpected terminal event %+v", last)
	}
	for _, m := range svc.Models() {
		if m.Cached != (m.ID == "tiny_en") {
			t.Fatalf("model %s cached = %v", m.ID, m.Cached)
		}
	}
}
