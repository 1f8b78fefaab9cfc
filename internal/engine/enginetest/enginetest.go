// Package enginetest builds small burn layout model files for tests of the
// stub backend and the packages built on top of it.
package enginetest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/audio"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/models"
)

// Words are the ordinary tokens of the test vocabulary, ids 0..len(Words)-1.
var Words = []string{"Ġalpha", "Ġbravo", "Ġcharlie", "Ġdelta", "Ġecho", "Ġfoxtrot", "Ġgolf", "Ġhotel", "Ġindia", "Ġjuliet"}

// Specials follow the words in the test vocabulary.
var Specials = []string{"<|endoftext|>", "<|startoftranscript|>", "<|en|>", "<|it|>", "<|transcribe|>", "<|notimestamps|>"}

// AudioCtx gives windows of exactly four seconds.
const AudioCtx = 300

// WindowSamples is the window length implied by AudioCtx.
const WindowSamples = (AudioCtx - 100) * 2 * 160

// Tokenizer returns a tokenizer.json document.
func Tokenizer() []byte {
	vocab := make(map[string]int, len(Words))
	for i, w := range Words {
		vocab[w] = i
	}
	type added struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	}
	var addedTokens []added
	for i, s := range Specials {
		addedTokens = append(addedTokens, added{ID: len(Words) + i, Content: s, Special: true})
	}
	doc := map[string]any{
		"added_tokens": addedTokens,
		"model":        map[string]any{"type": "BPE", "vocab": vocab},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return data
}

// Config returns a burn model config with the given encoder context.
func Config(audioCtx int) []byte {
	return []byte(fmt.Sprintf(`{"audio_encoder_config":{"n_mels":80,"n_audio_ctx":%d,"n_audio_state":384,"n_audio_head":6,"n_audio_layer":4},"text_decoder_config":{"n_vocab":%d,"n_text_ctx":448,"n_text_state":384,"n_text_head":6,"n_text_layer":4}}`,
		audioCtx, len(Words)+len(Specials)))
}

// Weights returns placeholder weights.
func Weights() []byte { return []byte("stub-weights") }

// Descriptor describes a burn variant stored in repo under variant/.
func Descriptor(repo, variant string) models.Descriptor {
	return models.Descriptor{
		Variant:      variant,
		DisplayName:  variant,
		Layout:       models.LayoutBurn,
		Repo:         models.Repository{ID: repo, Revision: "main"},
		Tokenizer:    &models.File{Name: variant + "/tokenizer.json"},
		Config:       &models.File{Name: variant + "/" + variant + ".cfg"},
		Weights:      models.File{Name: variant + "/" + variant + ".mpk"},
		Multilingual: models.IsMultilingual(variant),
	}
}

// RepoFiles maps the descriptor's file names to their contents.
func RepoFiles(desc models.Descriptor) map[string][]byte {
	return map[string][]byte{
		desc.Tokenizer.Name: Tokenizer(),
		desc.Config.Name:    Config(AudioCtx),
		desc.Weights.Name:   Weights(),
	}
}

// WriteFiles stores a stub model in a temporary directory.
func WriteFiles(tb testing.TB, audioCtx int) models.LocalFiles {
	tb.Helper()
	dir := tb.TempDir()
	files := models.LocalFiles{
		Descriptor: Descriptor("test/stub", "tiny"),
		Tokenizer:  filepath.Join(dir, "tokenizer.json"),
		Config:     filepath.Join(dir, "tiny.cfg"),
		Weights:    filepath.Join(dir, "tiny.mpk"),
	}
	for path, data := range map[string][]byte{
		files.Tokenizer: Tokenizer(),
		files.Config:    Config(audioCtx),
		files.Weights:   Weights(),
	} {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			tb.Fatalf("write %s: %v", path, err)
		}
	}
	return files
}

// Level returns the block amplitude that makes the stub backend pick Words[i].
func Level(i int) float32 {
	return float32(i)/1000 + 0.0005
}

// Speech returns one second of constant amplitude per entry of words, each
// an index into Words.
func Speech(words ...int) []float32 {
	out := make([]float32, 0, len(words)*16000)
	for _, w := range words {
		level := Level(w)
		for i := 0; i < 16000; i++ {
			out = append(out, level)
		}
	}
	return out
}

// Repo is the repository id used by Manifest.
const Repo = "test/stub"

// Manifest lists the burn variants served by Serve: tiny ships all three
// files, duo has no config and tiny_en is English-only.
func Manifest() *models.Manifest {
	variant := func(id string, withConfig bool) models.Variant {
		v := models.Variant{
			ID:        id,
			Name:      id,
			Tokenizer: &models.File{Name: id + "/tokenizer.json"},
			Weights:   models.File{Name: id + "/" + id + ".mpk"},
		}
		if withConfig {
			v.Config = &models.File{Name: id + "/" + id + ".cfg"}
		}
		return v
	}
	return &models.Manifest{Layouts: map[models.Layout]*models.Catalog{
		models.LayoutBurn: {
			Repo:     Repo,
			Revision: "main",
			Variants: []models.Variant{variant("tiny", true), variant("duo", false), variant("tiny_en", true)},
		},
	}}
}

// Serve starts a hub that serves every file of Manifest except the names in
// missing. The returned counter tracks requests.
func Serve(tb testing.TB, missing ...string) (*httptest.Server, *atomic.Int32) {
	tb.Helper()
	var hits atomic.Int32
	prefix := "/" + Repo + "/resolve/main/"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		name, ok := strings.CutPrefix(r.URL.Path, prefix)
		if !ok {
			http.NotFound(w, r)
			return
		}
		for _, m := range missing {
			if m == name {
				http.Error(w, "gone", http.StatusInternalServerError)
				return
			}
		}
		var data []byte
		switch path.Ext(name) {
		case ".json":
			data = Tokenizer()
		case ".cfg":
			data = Config(AudioCtx)
		case ".mpk":
			data = Weights()
		default:
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, path.Base(name), time.Unix(0, 0), bytes.NewReader(data))
	}))
	tb.Cleanup(srv.Close)
	return srv, &hits
}

// WAV encodes samples as a 16-bit mono WAV file.
func WAV(tb testing.TB, samples []float32) []byte {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "speech.wav")
	f, err := os.Create(path)
	if err != nil {
		tb.Fatalf("create %s: %v", path, err)
	}
	if err := audio.EncodeWAV(f, samples); err != nil {
		f.Close()
		tb.Fatalf("encode wav: %v", err)
	}
	if err := f.Close(); err != nil {
		tb.Fatalf("close %s: %v", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		tb.Fatalf("read %s: %v", path, err)
	}
	return data
}
