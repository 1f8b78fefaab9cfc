// Package download resolves model descriptors to local files, fetching missing
// files from the hub and reporting byte-level progress as events.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/events"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/hub"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/models"
)

// ErrChecksumMismatch is returned when a fetched file does not match the manifest digest.
var ErrChecksumMismatch = errors.New("download: checksum mismatch")

// Emit delivers one event to the consumer. A non-nil error means the consumer
// is gone and the acquisition must stop.
type Emit func(events.Event) error

// Manager acquires model files through a hub client.
type Manager struct {
	hub *hub.Client
	log *slog.Logger
	now func() time.Time
}

// NewManager returns a Manager backed by client.
func NewManager(client *hub.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		hub: client,
		log: logger.With("component", "download.manager"),
		now: time.Now,
	}
}

// Cached reports whether every file of desc is already in the local cache.
func (m *Manager) Cached(desc models.Descriptor) bool {
	repo := m.hub.Repo(desc.Repo)
	for _, f := range desc.Files() {
		if _, ok := repo.GetCached(f.Name); !ok {
			return false
		}
	}
	return true
}

// Acquire returns the local paths of desc's files. Files are handled one at a
// time in tokenizer, config, weights order. Cached files produce no events
// unless force is set; fetched files produce DownloadStarted, zero or more
// DownloadProgress and DownloadCompleted. The first failure aborts the call.
func (m *Manager) Acquire(ctx context.Context, desc models.Descriptor, force bool, emit Emit) (models.LocalFiles, error) {
	if emit == nil {
		emit = func(events.Event) error { return nil }
	}
	repo := m.hub.Repo(desc.Repo)
	local := models.LocalFiles{Descriptor: desc}

	for _, file := range desc.Files() {
		path, err := m.acquireFile(ctx, repo, file, force, emit)
		if err != nil {
			return models.LocalFiles{}, err
		}
		switch {
		case desc.Tokenizer != nil && file.Name == desc.Tokenizer.Name:
			local.Tokenizer = path
		case desc.Config != nil && file.Name == desc.Config.Name:
			local.Config = path
		default:
			local.Weights = path
		}
	}
	return local, nil
}

func (m *Manager) acquireFile(ctx context.Context, repo *hub.Repo, file models.File, force bool, emit Emit) (string, error) {
	if !force {
		if path, ok := repo.GetCached(file.Name); ok {
			m.log.Debug("cache hit", "file", file.Name, "path", path)
			return path, nil
		}
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracker := &tracker{emit: emit, cancel: cancel, now: m.now}
	path, err := repo.Fetch(fetchCtx, file.Name, tracker)
	if tracker.err != nil {
		return "", tracker.err
	}
	if err != nil {
		return "", fmt.Errorf("download: %s: %w", file.Name, err)
	}
	if file.SHA256 != "" {
		if err := verify(path, file.SHA256); err != nil {
			_ = os.Remove(path)
			return "", fmt.Errorf("download: %s: %w", file.Name, err)
		}
	}
	m.log.Info("file downloaded", "file", file.Name, "path", path)
	return path, nil
}

// tracker adapts hub progress callbacks to events. The first emit failure
// cancels the fetch and is reported instead of the fetch error.
type tracker struct {
	emit   Emit
	cancel context.CancelFunc
	now    func() time.Time
	state  *State
	err    error
}

func (t *tracker) send(ev events.Event) {
	if t.err != nil {
		return
	}
	if err := t.emit(ev); err != nil {
		t.err = err
		t.cancel()
	}
}

func (t *tracker) Init(size int64, file string) {
	t.state = NewState(file, size, t.now)
	t.send(events.DownloadStarted(file))
}

func (t *tracker) Update(delta int) {
	if t.state == nil {
		return
	}
	if ev, ok := t.state.Update(delta); ok {
		t.send(ev)
	}
}

func (t *tracker) Finish() {
	if t.state == nil {
		return
	}
	t.send(events.DownloadCompleted(t.state.File()))
}

func verify(path, want string) error {
	got, _, err := Checksum(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, want)
	}
	return nil
}

// Checksum returns the hex SHA-256 digest of the file at path.
func Checksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
