package hub

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/models"
)

type recordingProgress struct {
	size     int64
	file     string
	total    int
	finished bool
}

func (p *recordingProgress) Init(size int64, file string) { p.size, p.file = size, file }
func (p *recordingProgress) Update(delta int)             { p.total += delta }
func (p *recordingProgress) Finish()                      { p.finished = true }

type fileServer struct {
	mu      sync.Mutex
	ranges  []string
	auth    []string
	paths   []string
	content []byte
}

func (s *fileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.ranges = append(s.ranges, r.Header.Get("Range"))
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.paths = append(s.paths, r.URL.Path)
	s.mu.Unlock()
	http.ServeContent(w, r, "weights.bin", time.Unix(0, 0), bytes.NewReader(s.content))
}

func newTestRepo(t *testing.T, srv *httptest.Server, token string) *Repo {
	t.Helper()
	client, err := New(Options{
		Endpoint: srv.URL,
		CacheDir: t.TempDir(),
		Token:    token,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client.Repo(models.Repository{ID: "owner/name"})
}

func TestFetchStoresFileAndReportsProgress(t *testing.T) {
	content := bytes.Repeat([]byte("abcdef"), 40000)
	fs := &fileServer{content: content}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	repo := newTestRepo(t, srv, "secret")
	if _, ok := repo.GetCached("base/base.mpk"); ok {
		t.Fatalf("expected cache miss before fetch")
	}

	progress := &recordingProgress{}
	path, err := repo.Fetch(context.Background(), "base/base.mpk", progress)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.HasSuffix(filepath.ToSlash(path), "owner--name/main/base/base.mpk") {
		t.Fatalf("unexpected cache path %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Fatalf("cached content mismatch")
	}
	if progress.size != int64(len(content)) || progress.total != len(content) || !progress.finished {
		t.Fatalf("unexpected progress %+v", progress)
	}
	if progress.file != "base/base.mpk" {
		t.Fatalf("unexpected progress file %q", progress.file)
	}
	if fs.paths[0] != "/owner/name/resolve/main/base/base.mpk" {
		t.Fatalf("unexpected request path %q", fs.paths[0])
	}
	if fs.auth[0] != "Bearer secret" {
		t.Fatalf("expected bearer token, got %q", fs.auth[0])
	}
	if cached, ok := repo.GetCached("base/base.mpk"); !ok || cached != path {
		t.Fatalf("expected cache hit at %q, got %q %v", path, cached, ok)
	}
}

func TestFetchResumesPartialDownload(t *testing.T) {
	content := []byte("0123456789abcdefghij")
	fs := &fileServer{content: content}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	repo := newTestRepo(t, srv, "")
	partial := repo.LocalPath("weights.bin") + partialSuffix
	if err := os.MkdirAll(filepath.Dir(partial), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(partial, content[:8], 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	progress := &recordingProgress{}
	path, err := repo.Fetch(context.Background(), "weights.bin", progress)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if fs.ranges[0] != "bytes=8-" {
		t.Fatalf("expected Range bytes=8-, got %q", fs.ranges[0])
	}
	if fs.auth[0] != "" {
		t.Fatalf("unexpected authorization header %q", fs.auth[0])
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != string(content) {
		t.Fatalf("resumed content mismatch: %q", data)
	}
	if progress.size != int64(len(content)) || progress.total != len(content) {
		t.Fatalf("unexpected progress %+v", progress)
	}
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Fatalf("expected partial file to be gone, stat err = %v", err)
	}
}

func TestFetchFailsOnRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer srv.Close()

	repo := newTestRepo(t, srv, "")
	if _, err := repo.Fetch(context.Background(), "nope.bin", nil); err == nil {
		t.Fatalf("expected error on 404")
	}
	if _, ok := repo.GetCached("nope.bin"); ok {
		t.Fatalf("failed fetch must not populate the cache")
	}
}

func TestNewRequiresCacheDir(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without cache dir")
	}
}
