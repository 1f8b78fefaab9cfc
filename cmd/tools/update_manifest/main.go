package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/download"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/hub"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/models"
)

func main() {
	var (
		manifestPath = flag.String("manifest", "internal/models/manifest.yaml", "path to the manifest YAML to update")
		cacheDir     = flag.String("cache", "data/models", "directory holding downloaded model files")
		endpoint     = flag.String("endpoint", hub.DefaultEndpoint, "hub endpoint")
		layout       = flag.String("layout", "", "only update this layout (ggml or burn)")
		only         = flag.String("variant", "", "only update this variant")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	data, err := os.ReadFile(*manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read manifest: %v\n", err)
		os.Exit(1)
	}
	manifest, err := models.Parse(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse manifest: %v\n", err)
		os.Exit(1)
	}

	client, err := hub.New(hub.Options{
		Endpoint: *endpoint,
		CacheDir: *cacheDir,
		Token:    os.Getenv("HF_TOKEN"),
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init hub client: %v\n", err)
		os.Exit(1)
	}

	for _, name := range manifest.LayoutNames() {
		if *layout != "" && string(name) != *layout {
			continue
		}
		catalog := manifest.Layouts[name]
		repo := client.Repo(models.Repository{ID: catalog.Repo, Revision: catalog.Revision})
		for i := range catalog.Variants {
			v := &catalog.Variants[i]
			if *only != "" && v.ID != *only {
				continue
			}
			for _, f := range []*models.File{v.Tokenizer, v.Config, &v.Weights} {
				if f == nil {
					continue
				}
				if err := refresh(ctx, repo, f); err != nil {
					fmt.Fprintf(os.Stderr, "%s/%s: %v\n", name, v.ID, err)
					if ctx.Err() != nil {
						os.Exit(1)
					}
					continue
				}
				fmt.Printf("%s/%s: %s size=%d sha256=%s\n", name, v.ID, f.Name, f.SizeBytes, f.SHA256)
			}
		}
	}

	var buf bytes.Buffer
	buf.WriteString("# Model variants published on the Hugging Face hub, grouped by file layout.\n")
	buf.WriteString("# sha256/size_bytes are optional; cmd/tools/update_manifest fills them in.\n")
	if err := manifest.Encode(&buf); err != nil {
		fmt.Fprintf(os.Stderr, "encode manifest: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*manifestPath, buf.Bytes(), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write manifest: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Updated manifest written to %s\n", *manifestPath)
}

func refresh(ctx context.Context, repo *hub.Repo, f *models.File) error {
	path, ok := repo.GetCached(f.Name)
	if !ok {
		fmt.Printf("downloading %s...\n", repo.URL(f.Name))
		var err error
		if path, err = repo.Fetch(ctx, f.Name, nil); err != nil {
			return err
		}
	}
	sum, size, err := download.Checksum(path)
	if err != nil {
		return fmt.Errorf("checksum %s: %w", f.Name, err)
	}
	f.SHA256 = sum
	f.SizeBytes = size
	return nil
}
