package telemetry

import (
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/events"
)

// Run kinds.
const (
	KindTranscribe = "transcribe"
	KindDownload   = "download"
)

// Recorder tracks module-level telemetry: cumulative totals for snapshots and
// the same figures as Prometheus collectors.
type Recorder struct {
	log     *slog.Logger
	metrics *collectors

	totalRuns       atomic.Uint64
	failedRuns      atomic.Uint64
	activeRuns      atomic.Int64
	totalDownloads  atomic.Uint64
	totalWindows    atomic.Uint64
	totalSegments   atomic.Uint64
	totalCharacters atomic.Uint64
}

// Snapshot captures cumulative metrics recorded so far.
type Snapshot struct {
	TotalRuns       uint64
	FailedRuns      uint64
	ActiveRuns      int64
	TotalDownloads  uint64
	TotalWindows    uint64
	TotalSegments   uint64
	TotalCharacters uint64
}

type collectors struct {
	runs          *prometheus.CounterVec
	active        prometheus.Gauge
	runDuration   *prometheus.HistogramVec
	downloads     prometheus.Counter
	windows       prometheus.Counter
	windowLatency prometheus.Histogram
	segments      prometheus.Counter
}

func newCollectors(reg prometheus.Registerer) *collectors {
	factory := promauto.With(reg)
	return &collectors{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whisper",
			Name:      "runs_total",
			Help:      "Finished runs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "whisper",
			Name:      "active_runs",
			Help:      "Runs currently in progress.",
		}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "whisper",
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished runs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"kind"}),
		downloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "whisper",
			Name:      "downloaded_files_total",
			Help:      "Model files fetched from the hub.",
		}),
		windows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "whisper",
			Name:      "windows_total",
			Help:      "Audio windows decoded.",
		}),
		windowLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "whisper",
			Name:      "window_decode_seconds",
			Help:      "Time spent encoding and searching one window.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		segments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "whisper",
			Name:      "segments_total",
			Help:      "Transcript segments emitted.",
		}),
	}
}

// NewRecorder constructs a Recorder using the provided logger. Collectors are
// registered with reg; a nil reg keeps them unregistered.
func NewRecorder(logger *slog.Logger, reg prometheus.Registerer) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		log:     logger.With("component", "telemetry.Recorder"),
		metrics: newCollectors(reg),
	}
}

// Snapshot returns an immutable view of the recorder totals.
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		TotalRuns:       r.totalRuns.Load(),
		FailedRuns:      r.failedRuns.Load(),
		ActiveRuns:      r.activeRuns.Load(),
		TotalDownloads:  r.totalDownloads.Load(),
		TotalWindows:    r.totalWindows.Load(),
		TotalSegments:   r.totalSegments.Load(),
		TotalCharacters: r.totalCharacters.Load(),
	}
}

// RunMetrics accumulates statistics for one run. Its Record methods are
// called from one goroutine at a time.
type RunMetrics struct {
	recorder *Recorder
	log      *slog.Logger

	runID    string
	kind     string
	metadata map[string]string

	started    time.Time
	downloads  int
	windows    int
	tokens     int
	segments   int
	characters int
	closed     atomic.Bool
}

// StartRun initialises a RunMetrics instance bound to the recorder.
func (r *Recorder) StartRun(runID, kind string, metadata map[string]string) *RunMetrics {
	if r == nil {
		return nil
	}

	clonedMetadata := cloneMetadata(metadata)

	runLogger := r.log.With(
		"run_id", runID,
		"kind", kind,
	)
	if len(clonedMetadata) > 0 {
		runLogger = runLogger.With("metadata", clonedMetadata)
	}

	r.totalRuns.Add(1)
	r.activeRuns.Add(1)
	r.metrics.active.Inc()

	return &RunMetrics{
		recorder: r,
		log:      runLogger,

		runID:    runID,
		kind:     kind,
		metadata: clonedMetadata,

		started: time.Now(),
	}
}

// RecordDownload counts a completed file fetch.
func (s *RunMetrics) RecordDownload(ev events.Event) {
	if s == nil || ev.Kind != events.KindDownloadCompleted {
		return
	}
	s.downloads++
	s.recorder.totalDownloads.Add(1)
	s.recorder.metrics.downloads.Inc()

	s.log.Debug("file fetched", "file", ev.File)
}

// RecordWindow stores statistics for one decoded window.
func (s *RunMetrics) RecordWindow(index, tokens int, elapsed time.Duration) {
	if s == nil {
		return
	}
	s.windows++
	s.tokens += tokens
	s.recorder.totalWindows.Add(1)
	s.recorder.metrics.windows.Inc()
	s.recorder.metrics.windowLatency.Observe(elapsed.Seconds())

	s.log.Debug("window decoded",
		"window", index,
		"tokens", tokens,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// RecordSegment stores statistics for an emitted segment.
func (s *RunMetrics) RecordSegment(text string) {
	if s == nil {
		return
	}
	runes := utf8.RuneCountInString(text)
	s.segments++
	s.characters += runes
	s.recorder.totalSegments.Add(1)
	s.recorder.totalCharacters.Add(uint64(runes))
	s.recorder.metrics.segments.Inc()

	s.log.Debug("segment emitted",
		"chars", len(text),
		"runes", runes,
	)
}

// Finish logs a summary and updates active run counters.
func (s *RunMetrics) Finish(err error) {
	if s == nil {
		return
	}
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	defer func() {
		s.recorder.activeRuns.Add(-1)
		s.recorder.metrics.active.Dec()
	}()

	duration := time.Since(s.started)
	s.recorder.metrics.runDuration.WithLabelValues(s.kind).Observe(duration.Seconds())
	args := []any{
		"duration_ms", duration.Milliseconds(),
		"downloads", s.downloads,
		"windows", s.windows,
		"tokens", s.tokens,
		"segments", s.segments,
		"characters", s.characters,
	}

	if err != nil {
		s.recorder.failedRuns.Add(1)
		s.recorder.metrics.runs.WithLabelValues(s.kind, "failed").Inc()
		s.log.Error("run completed with error", append(args, "error", err)...)
		return
	}

	s.recorder.metrics.runs.WithLabelValues(s.kind, "ok").Inc()
	s.log.Info("run completed", args...)
}

func cloneMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
