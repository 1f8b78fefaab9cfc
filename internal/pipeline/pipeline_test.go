package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/audio"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/engine/enginetest"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/events"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/hub"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/language"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/models"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHub(t *testing.T, endpoint string) *hub.Client {
	t.Helper()
	client, err := hub.New(hub.Options{Endpoint: endpoint, CacheDir: t.TempDir(), Logger: discardLogger()})
	if err != nil {
		t.Fatalf("hub.New: %v", err)
	}
	return client
}

func newPipeline(t *testing.T, client *hub.Client, opts Options) *Pipeline {
	t.Helper()
	opts.Hub = client
	opts.Manifest = enginetest.Manifest()
	opts.Logger = discardLogger()
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func drain(t *testing.T, ch <-chan events.Event) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream did not close; got %d events", len(out))
		}
	}
}

func speech() audio.Source {
	return audio.Samples(audio.NewBuffer(enginetest.Speech(0, 1, 2, 3, 4, 5, 6, 7, 8, 9)))
}

// kinds keeps the start and completion events of downloads plus everything
// that is not a download event.
func kinds(evs []events.Event) []string {
	var out []string
	for _, ev := range evs {
		switch ev.Kind {
		case events.KindDownloadProgress:
			continue
		case events.KindDownloadStarted, events.KindDownloadCompleted:
			out = append(out, string(ev.Kind)+":"+ev.File)
		default:
			out = append(out, string(ev.Kind))
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTranscribeTwoFileModel(t *testing.T) {
	srv, _ := enginetest.Serve(t)
	p := newPipeline(t, newHub(t, srv.URL), Options{Model: "duo"})

	got := drain(t, p.Transcribe(context.Background(), speech()))

	want := []string{
		"download_started:duo/tokenizer.json",
		"download_completed:duo/tokenizer.json",
		"download_started:duo/duo.mpk",
		"download_completed:duo/duo.mpk",
		"segment",
	}
	if !equalStrings(kinds(got), want) {
		t.Fatalf("unexpected events %v, want %v", kinds(got), want)
	}
	last := got[len(got)-1]
	if last.Percentage != 1 || last.EndOffset != 10*time.Second {
		t.Fatalf("unexpected final segment %+v", last)
	}
	if last.Text != " alpha bravo charlie delta echo foxtrot golf hotel india juliet" {
		t.Fatalf("unexpected text %q", last.Text)
	}
}

func TestTranscribeOrdersDownloadsBeforeSegments(t *testing.T) {
	srv, _ := enginetest.Serve(t)
	recorder := telemetry.NewRecorder(discardLogger(), nil)
	p := newPipeline(t, newHub(t, srv.URL), Options{Model: "tiny", Telemetry: recorder})

	got := drain(t, p.Transcribe(context.Background(), speech()))

	lastDownload, firstSegment, segments := -1, -1, 0
	progress := map[string]float64{}
	for i, ev := range got {
		switch ev.Kind {
		case events.KindDownloadStarted, events.KindDownloadCompleted:
			lastDownload = i
		case events.KindDownloadProgress:
			lastDownload = i
			if ev.Percentage < progress[ev.File] || ev.Percentage > 100 {
				t.Fatalf("progress for %s went from %v to %v", ev.File, progress[ev.File], ev.Percentage)
			}
			progress[ev.File] = ev.Percentage
		case events.KindSegment:
			segments++
			if firstSegment < 0 {
				firstSegment = i
			}
		case events.KindFailed:
			t.Fatalf("unexpected failure: %v", ev.Err)
		}
	}
	if firstSegment < lastDownload {
		t.Fatalf("segment at %d precedes download event at %d", firstSegment, lastDownload)
	}
	if segments != 3 {
		t.Fatalf("expected 3 segments, got %d", segments)
	}
	if got[len(got)-1].Percentage != 1 {
		t.Fatalf("last segment percentage = %v", got[len(got)-1].Percentage)
	}

	snapshot := recorder.Snapshot()
	if snapshot.TotalDownloads != 3 || snapshot.TotalWindows != 3 || snapshot.TotalSegments != 3 {
		t.Fatalf("unexpected telemetry %+v", snapshot)
	}
	if snapshot.ActiveRuns != 0 || snapshot.FailedRuns != 0 {
		t.Fatalf("unexpected run counters %+v", snapshot)
	}
}

func TestTranscribeUsesCache(t *testing.T) {
	srv, hits := enginetest.Serve(t)
	client := newHub(t, srv.URL)
	p := newPipeline(t, client, Options{Model: "duo"})

	drain(t, p.Transcribe(context.Background(), speech()))
	fetched := hits.Load()

	got := drain(t, p.Transcribe(context.Background(), speech()))
	if hits.Load() != fetched {
		t.Fatalf("cached run hit the hub")
	}
	if !equalStrings(kinds(got), []string{"segment"}) {
		t.Fatalf("unexpected events %v", kinds(got))
	}

	forced := newPipeline(t, client, Options{Model: "duo", ForceDownload: true})
	got = drain(t, forced.Transcribe(context.Background(), speech()))
	if kinds(got)[0] != "download_started:duo/tokenizer.json" {
		t.Fatalf("forced run did not download: %v", kinds(got))
	}
}

func TestNewValidation(t *testing.T) {
	srv, hits := enginetest.Serve(t)
	client := newHub(t, srv.URL)
	italian, err := language.Parse("it")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tests := []struct {
		name    string
		opts    Options
		wantErr error
	}{
		{name: "english only model", opts: Options{Hub: client, Model: "tiny_en", Language: italian}, wantErr: ErrIncompatibleLanguage},
		{name: "unknown model", opts: Options{Hub: client, Model: "huge"}, wantErr: models.ErrUnknownVariant},
		{name: "missing hub", opts: Options{Model: "tiny"}, wantErr: ErrInvalidOptions},
		{name: "unknown backend", opts: Options{Hub: client, Model: "tiny", Backend: "tpu"}, wantErr: ErrInvalidOptions},
		{name: "negative overlap", opts: Options{Hub: client, Model: "tiny", Overlap: -time.Second}, wantErr: ErrInvalidOptions},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opts := tt.opts
			opts.Manifest = enginetest.Manifest()
			opts.Logger = discardLogger()
			p, err := New(opts)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("New error = %v, want %v", err, tt.wantErr)
			}
			if p != nil {
				t.Fatalf("expected no pipeline")
			}
		})
	}

	if _, err := New(Options{Hub: client, Model: "tiny_en", Manifest: enginetest.Manifest(), Logger: discardLogger()}); err != nil {
		t.Fatalf("English on an English-only model must be accepted: %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("construction must not touch the hub, got %d requests", hits.Load())
	}
}

func TestTranscribeDownloadFailure(t *testing.T) {
	srv, _ := enginetest.Serve(t, "tiny/tiny.mpk")
	p := newPipeline(t, newHub(t, srv.URL), Options{Model: "tiny"})

	got := drain(t, p.Transcribe(context.Background(), speech()))

	failures := 0
	for _, ev := range got {
		if ev.Kind == events.KindSegment {
			t.Fatalf("no segment expected after a failed download")
		}
		if ev.Kind == events.KindFailed {
			failures++
		}
	}
	last := got[len(got)-1]
	if failures != 1 || last.Kind != events.KindFailed {
		t.Fatalf("expected exactly one terminal failure, got %v", kinds(got))
	}
	var runErr *Error
	if !errors.As(last.Err, &runErr) || runErr.Stage != StageDownload {
		t.Fatalf("expected download stage error, got %v", last.Err)
	}
}

func TestTranscribeAudioFailure(t *testing.T) {
	srv, hits := enginetest.Serve(t)
	p := newPipeline(t, newHub(t, srv.URL), Options{Model: "tiny"})

	got := drain(t, p.Transcribe(context.Background(), audio.Samples{}))
	if len(got) != 1 || got[0].Kind != events.KindFailed {
		t.Fatalf("expected a single failure, got %v", kinds(got))
	}
	var runErr *Error
	if !errors.As(got[0].Err, &runErr) || runErr.Stage != StageAudio || !errors.Is(got[0].Err, audio.ErrEmpty) {
		t.Fatalf("expected audio stage error, got %v", got[0].Err)
	}
	if hits.Load() != 0 {
		t.Fatalf("audio failure must stop the run before any download")
	}
}

func TestDownloadModel(t *testing.T) {
	srv, _ := enginetest.Serve(t)
	p := newPipeline(t, newHub(t, srv.URL), Options{Model: "tiny"})

	got := drain(t, p.DownloadModel(context.Background()))
	want := []string{
		"download_started:tiny/tokenizer.json",
		"download_completed:tiny/tokenizer.json",
		"download_started:tiny/tiny.cfg",
		"download_completed:tiny/tiny.cfg",
		"download_started:tiny/tiny.mpk",
		"download_completed:tiny/tiny.mpk",
		"model_completed",
	}
	if !equalStrings(kinds(got), want) {
		t.Fatalf("unexpected events %v, want %v", kinds(got), want)
	}
	if got[len(got)-1].Model != "tiny" {
		t.Fatalf("unexpected model %q", got[len(got)-1].Model)
	}

	again := drain(t, p.DownloadModel(context.Background()))
	if !equalStrings(kinds(again), []string{"model_completed"}) {
		t.Fatalf("cached download emitted %v", kinds(again))
	}
}

func TestDownloadModelFailure(t *testing.T) {
	srv, _ := enginetest.Serve(t, "tiny/tiny.cfg")
	p := newPipeline(t, newHub(t, srv.URL), Options{Model: "tiny"})

	got := drain(t, p.DownloadModel(context.Background()))
	last := got[len(got)-1]
	if last.Kind != events.KindFailed {
		t.Fatalf("expected terminal failure, got %v", kinds(got))
	}
	for _, ev := range got {
		if ev.Kind == events.KindModelCompleted {
			t.Fatalf("model must not complete after a failure")
		}
	}
}

func TestTranscribeStopsWhenConsumerLeaves(t *testing.T) {
	srv, _ := enginetest.Serve(t)
	recorder := telemetry.NewRecorder(discardLogger(), nil)
	p := newPipeline(t, newHub(t, srv.URL), Options{Model: "tiny", Telemetry: recorder})

	ctx, cancel := context.WithCancel(context.Background())
	ch := p.Transcribe(ctx, speech())
	first, ok := <-ch
	if !ok || first.Kind != events.KindDownloadStarted {
		t.Fatalf("unexpected first event %+v", first)
	}
	cancel()

	for _, ev := range drain(t, ch) {
		if ev.Kind == events.KindFailed {
			t.Fatalf("abandoned run must not report a failure")
		}
	}
	if snapshot := recorder.Snapshot(); snapshot.ActiveRuns != 0 {
		t.Fatalf("run still active after its stream closed: %+v", snapshot)
	}
}

func TestTranscribeCancelDuringModelHandoff(t *testing.T) {
	srv, _ := enginetest.Serve(t)
	client := newHub(t, srv.URL)

	// Cancel after each of the milestones leading up to the first segment.
	for after := 1; after <= 7; after++ {
		recorder := telemetry.NewRecorder(discardLogger(), nil)
		p := newPipeline(t, client, Options{Model: "tiny", ForceDownload: true, Telemetry: recorder})

		ctx, cancel := context.WithCancel(context.Background())
		ch := p.Transcribe(ctx, speech())
		seen := 0
		for seen < after {
			ev, ok := <-ch
			if !ok {
				break
			}
			if ev.Kind != events.KindDownloadProgress {
				seen++
			}
		}
		cancel()

		for _, ev := range drain(t, ch) {
			if ev.Kind == events.KindFailed {
				t.Fatalf("cancel after %d events: abandoned run reported %v", after, ev.Err)
			}
		}
		if snapshot := recorder.Snapshot(); snapshot.ActiveRuns != 0 {
			t.Fatalf("cancel after %d events: run still active: %+v", after, snapshot)
		}
	}
}

func TestNewDownloadSkipsLanguageCheck(t *testing.T) {
	srv, _ := enginetest.Serve(t)
	client := newHub(t, srv.URL)
	german, err := language.Parse("de")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	opts := Options{Hub: client, Model: "tiny_en", Language: german, Manifest: enginetest.Manifest(), Logger: discardLogger()}

	if _, err := New(opts); !errors.Is(err, ErrIncompatibleLanguage) {
		t.Fatalf("New error = %v, want %v", err, ErrIncompatibleLanguage)
	}
	p, err := NewDownload(opts)
	if err != nil {
		t.Fatalf("NewDownload: %v", err)
	}

	got := drain(t, p.DownloadModel(context.Background()))
	if last := got[len(got)-1]; last.Kind != events.KindModelCompleted || last.Model != "tiny_en" {
		t.Fatalf("unexpected events %v", kinds(got))
	}

	got = drain(t, p.Transcribe(context.Background(), speech()))
	if len(got) != 1 || got[0].Kind != events.KindFailed || !errors.Is(got[0].Err, ErrInvalidOptions) {
		t.Fatalf("transcribing on a download pipeline must fail once, got %v", kinds(got))
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := error(&Error{Stage: StageOracle, Err: cause})
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap to expose the cause")
	}
	if err.Error() != "pipeline: oracle failed: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
