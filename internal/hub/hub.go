// Package hub fetches model files from a Hugging Face style repository and
// keeps them in a local cache.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/adapterinfo"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/models"
)

// DefaultEndpoint is the public Hugging Face hub.
const DefaultEndpoint = "https://huggingface.co"

const partialSuffix = ".part"

// Progress receives the byte-level progress of one fetch. Init is called once
// before any Update; Finish once after the file is in place.
type Progress interface {
	Init(size int64, file string)
	Update(delta int)
	Finish()
}

// Options configures a Client.
type Options struct {
	Endpoint   string
	CacheDir   string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client resolves repository files against the cache and the remote endpoint.
type Client struct {
	endpoint string
	cacheDir string
	token    string
	http     *http.Client
	log      *slog.Logger
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.CacheDir) == "" {
		return nil, errors.New("hub: cache dir is required")
	}
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("hub: parse endpoint: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: endpoint,
		cacheDir: opts.CacheDir,
		token:    opts.Token,
		http:     httpClient,
		log:      logger.With("component", "hub.client"),
	}, nil
}

// Repo binds the client to one repository coordinate.
func (c *Client) Repo(repo models.Repository) *Repo {
	revision := repo.Revision
	if revision == "" {
		revision = "main"
	}
	return &Repo{client: c, repo: models.Repository{ID: repo.ID, Revision: revision}}
}

// Repo is a view of one repository revision.
type Repo struct {
	client *Client
	repo   models.Repository
}

// Dir is the cache directory holding this revision's files.
func (r *Repo) Dir() string {
	return filepath.Join(r.client.cacheDir, strings.ReplaceAll(r.repo.ID, "/", "--"), r.repo.Revision)
}

// LocalPath is where file is stored once fetched.
func (r *Repo) LocalPath(file string) string {
	return filepath.Join(r.Dir(), filepath.FromSlash(file))
}

// URL is the remote location of file.
func (r *Repo) URL(file string) string {
	return r.client.endpoint + "/" + r.repo.ID + "/resolve/" + url.PathEscape(r.repo.Revision) + "/" + path.Clean(file)
}

// GetCached returns the local path of file when a complete copy is cached.
func (r *Repo) GetCached(file string) (string, bool) {
	p := r.LocalPath(file)
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return "", false
	}
	return p, true
}

// Fetch downloads file into the cache, resuming a previous partial download
// when one exists, and returns the local path. Fetch does not retry.
func (r *Repo) Fetch(ctx context.Context, file string, progress Progress) (string, error) {
	final := r.LocalPath(file)
	partial := final + partialSuffix
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", fmt.Errorf("hub: create cache dir: %w", err)
	}

	var offset int64
	if info, err := os.Stat(partial); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL(file), nil)
	if err != nil {
		return "", fmt.Errorf("hub: build request: %w", err)
	}
	req.Header.Set("User-Agent", adapterinfo.UserAgent())
	if r.client.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.client.token)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := r.client.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("hub: get %s: %w", file, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusOK:
		// The server ignored the range; start over.
		offset = 0
		flags |= os.O_TRUNC
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusRequestedRangeNotSatisfiable:
		_ = os.Remove(partial)
		return "", fmt.Errorf("hub: get %s: stale partial download discarded", file)
	default:
		return "", fmt.Errorf("hub: get %s: unexpected status %s", file, resp.Status)
	}

	size := int64(-1)
	if resp.ContentLength >= 0 {
		size = offset + resp.ContentLength
	}

	out, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return "", fmt.Errorf("hub: open %s: %w", partial, err)
	}

	if progress == nil {
		progress = nopProgress{}
	}
	progress.Init(size, file)
	if offset > 0 {
		progress.Update(int(offset))
	}
	r.client.log.Debug("fetching file", "repo", r.repo.ID, "file", file, "size", size, "resume_from", offset)

	if err := copyWithProgress(out, resp.Body, progress); err != nil {
		out.Close()
		return "", fmt.Errorf("hub: download %s: %w", file, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("hub: close %s: %w", partial, err)
	}
	if err := os.Rename(partial, final); err != nil {
		return "", fmt.Errorf("hub: finalise %s: %w", file, err)
	}
	progress.Finish()
	return final, nil
}

func copyWithProgress(dst io.Writer, src io.Reader, progress Progress) error {
	buf := make([]byte, 64*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
			progress.Update(n)
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

type nopProgress struct{}

func (nopProgress) Init(int64, string) {}
func (nopProgress) Update(int)         {}
func (nopProgress) Finish()            {}
