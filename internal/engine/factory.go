package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/models"
)

// ErrNativeEngineUnavailable indicates that the binary was built without the native backend.
var ErrNativeEngineUnavailable = errors.New("engine: native backend unavailable")

// ErrUnknownBackend is returned for backend names that are not registered.
var ErrUnknownBackend = errors.New("engine: unknown backend")

// Backend names a scoring implementation.
type Backend string

const (
	// BackendStub is the deterministic pure-Go backend over burn layout files.
	BackendStub Backend = "stub"
	// BackendWhisperCpp runs ggml checkpoints through whisper.cpp.
	BackendWhisperCpp Backend = "whispercpp"
)

// ParseBackend validates a backend name.
func ParseBackend(name string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(name))); b {
	case BackendStub, BackendWhisperCpp:
		return b, nil
	case "":
		return BackendStub, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
}

// Layout is the model file layout the backend loads.
func (b Backend) Layout() models.Layout {
	if b == BackendWhisperCpp {
		return models.LayoutGGML
	}
	return models.LayoutBurn
}

// Resolve returns the backend to use for name, falling back to the stub
// backend when the native one is not compiled in.
func Resolve(name string, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	backend, err := ParseBackend(name)
	if err != nil {
		return "", err
	}
	if backend == BackendWhisperCpp && !NativeAvailable() {
		logger.Warn("native backend disabled at build time; using stub backend")
		return BackendStub, nil
	}
	return backend, nil
}

// Options configures Load.
type Options struct {
	Backend Backend
	Native  NativeOptions
	Logger  *slog.Logger
}

// Load opens the model files acquired for opts.Backend.
func Load(files models.LocalFiles, opts Options) (Model, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch opts.Backend {
	case BackendStub, "":
		return NewStubModel(files, logger)
	case BackendWhisperCpp:
		if !NativeAvailable() {
			return nil, ErrNativeEngineUnavailable
		}
		model, err := NewNativeModel(files.Weights, opts.Native)
		if err != nil {
			return nil, err
		}
		logger.Info("native model ready", "model_path", files.Weights)
		return model, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}
