package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/engine"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/language"
)

const (
	// DefaultListenAddr is used when no explicit gRPC address is configured.
	DefaultListenAddr = "127.0.0.1:50051"
	DefaultHTTPAddr   = "127.0.0.1:8080"
	DefaultModel      = "base"
	DefaultLanguage   = "en"
	DefaultLogLevel   = "info"
	DefaultDataDir    = "data"
	DefaultBackend    = string(engine.BackendStub)
	DefaultBeamWidth  = 5
	DefaultMaxDepth   = 30
)

// Config captures bootstrap configuration assembled from defaults, an optional
// .env file, an optional YAML file, the JSON payload in WHISPER_MODULE_CONFIG
// and individual environment variables, in that order of precedence.
type Config struct {
	ListenAddr string
	// HTTPAddr serves the HTTP/WebSocket API. "off" disables it.
	HTTPAddr     string
	LogLevel     string
	ModelVariant string
	Language     string
	DataDir      string
	Backend      string

	HubEndpoint string
	HubToken    string

	ForceDownload  bool
	SingleSegment  bool
	BeamWidth      int
	MaxDepth       int
	OverlapSeconds float64

	UseGPU         *bool
	FlashAttention *bool
	Threads        *int
}

// Validate applies defaults, checks required fields, and rejects out-of-range
// values.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = DefaultHTTPAddr
	}
	if c.ModelVariant == "" {
		c.ModelVariant = DefaultModel
	}
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.BeamWidth == 0 {
		c.BeamWidth = DefaultBeamWidth
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = DefaultMaxDepth
	}

	if _, ok := levels[strings.ToLower(c.LogLevel)]; !ok {
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	if _, err := language.Parse(c.Language); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := engine.ParseBackend(c.Backend); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.BeamWidth < 1 {
		return fmt.Errorf("config: beam_width must be >= 1, got %d", c.BeamWidth)
	}
	if c.MaxDepth < 1 {
		return fmt.Errorf("config: max_depth must be >= 1, got %d", c.MaxDepth)
	}
	if c.OverlapSeconds < 0 {
		return fmt.Errorf("config: overlap_seconds must be >= 0, got %v", c.OverlapSeconds)
	}
	if c.Threads != nil && *c.Threads < 0 {
		return fmt.Errorf("config: threads must be >= 0, got %d", *c.Threads)
	}
	if c.Threads != nil && *c.Threads == 0 {
		c.Threads = nil
	}
	return nil
}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// Level returns the slog level named by LogLevel, info when unknown.
func (c Config) Level() slog.Level {
	if l, ok := levels[strings.ToLower(strings.TrimSpace(c.LogLevel))]; ok {
		return l
	}
	return slog.LevelInfo
}

// Overlap is the configured window overlap.
func (c Config) Overlap() time.Duration {
	return time.Duration(c.OverlapSeconds * float64(time.Second))
}

// ModelsDir is the root of the model cache.
func (c Config) ModelsDir() string {
	return filepath.Join(c.DataDir, "models")
}

// HTTPEnabled reports whether the HTTP API should be served.
func (c Config) HTTPEnabled() bool {
	return !strings.EqualFold(c.HTTPAddr, "off")
}

// NativeOptions returns the whisper.cpp tuning knobs.
func (c Config) NativeOptions() engine.NativeOptions {
	return engine.NativeOptions{
		UseGPU:         c.UseGPU,
		FlashAttention: c.FlashAttention,
		Threads:        c.Threads,
	}
}
