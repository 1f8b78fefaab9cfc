package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/adapterinfo"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/models"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/tokenizer"
)

const (
	stubBlockSamples = 16000
	stubHit          = 0.9
)

// StubModel scores deterministically without running a network. It loads the
// tokenizer and encoder geometry from burn layout files and turns every second
// of audio into one vocabulary word chosen by the block's loudness.
type StubModel struct {
	log      *slog.Logger
	vocab    *tokenizer.Tokenizer
	words    []int
	end      int
	audioCtx int
}

type burnConfig struct {
	AudioEncoder struct {
		NMels     int `json:"n_mels"`
		NAudioCtx int `json:"n_audio_ctx"`
	} `json:"audio_encoder_config"`
	TextDecoder struct {
		NVocab int `json:"n_vocab"`
	} `json:"text_decoder_config"`
}

// NewStubModel loads the tokenizer and config of files and checks that the
// weights are present. Without a config the encoder context is DefaultAudioCtx.
func NewStubModel(files models.LocalFiles, logger *slog.Logger) (*StubModel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if files.Tokenizer == "" {
		return nil, errors.New("engine: stub backend needs a tokenizer file")
	}
	vocab, err := tokenizer.Load(files.Tokenizer)
	if err != nil {
		return nil, err
	}
	var cfg burnConfig
	cfg.AudioEncoder.NAudioCtx = DefaultAudioCtx
	if files.Config != "" {
		raw, err := os.ReadFile(files.Config)
		if err != nil {
			return nil, fmt.Errorf("engine: read config: %w", err)
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("engine: decode config: %w", err)
		}
	}
	if cfg.AudioEncoder.NAudioCtx <= EncoderPadding {
		return nil, fmt.Errorf("engine: n_audio_ctx must exceed %d, got %d", EncoderPadding, cfg.AudioEncoder.NAudioCtx)
	}
	info, err := os.Stat(files.Weights)
	if err != nil {
		return nil, fmt.Errorf("engine: weights: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("engine: weights file %s is empty", files.Weights)
	}
	end, err := tokenizer.MustID(vocab, tokenizer.EndOfText)
	if err != nil {
		return nil, err
	}
	var words []int
	for id := 0; id < vocab.Size(); id++ {
		if !vocab.IsSpecial(id) {
			words = append(words, id)
		}
	}
	if len(words) == 0 {
		return nil, errors.New("engine: vocabulary has no ordinary tokens")
	}

	m := &StubModel{
		log: logger.With(
			"component", "engine.stub",
			"service", adapterinfo.Info.Slug,
			"model_variant", files.Descriptor.Variant,
		),
		vocab:    vocab,
		words:    words,
		end:      end,
		audioCtx: cfg.AudioEncoder.NAudioCtx,
	}
	m.log.Debug("stub model loaded", "vocab_size", vocab.Size(), "n_audio_ctx", m.audioCtx)
	return m, nil
}

// Vocabulary implements Model.
func (m *StubModel) Vocabulary() tokenizer.Vocabulary { return m.vocab }

// MaxWindowSamples implements Model.
func (m *StubModel) MaxWindowSamples() int { return WindowSamples(m.audioCtx) }

// Close implements Model.
func (m *StubModel) Close() error { return nil }

// Encode implements Model.
func (m *StubModel) Encode(ctx context.Context, samples []float32) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(samples) > m.MaxWindowSamples() {
		return nil, fmt.Errorf("engine: window of %d samples exceeds %d", len(samples), m.MaxWindowSamples())
	}
	var script []int
	for start := 0; start < len(samples); start += stubBlockSamples {
		block := samples[start:min(start+stubBlockSamples, len(samples))]
		script = append(script, m.words[int(rms(block)*1000)%len(m.words)])
	}
	m.log.Debug("stub window encoded", "samples", len(samples), "words", len(script))
	return &stubSession{model: m, script: script}, nil
}

func rms(block []float32) float64 {
	var sum float64
	for _, s := range block {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(block)))
}

type stubSession struct {
	model  *StubModel
	script []int
}

// Score favours the next scripted word after the ordinary tokens already in
// the sequence, and the end token once the script is exhausted.
func (s *stubSession) Score(ctx context.Context, batch [][]int) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := s.model.vocab.Size()
	miss := math.Log((1 - stubHit) / float64(size-1))
	hit := math.Log(stubHit)
	out := make([][]float64, len(batch))
	for i, seq := range batch {
		pos := 0
		for _, tok := range seq {
			if !s.model.vocab.IsSpecial(tok) {
				pos++
			}
		}
		want := s.model.end
		if pos < len(s.script) {
			want = s.script[pos]
		}
		row := make([]float64, size)
		for j := range row {
			row[j] = miss
		}
		row[want] = hit
		out[i] = row
	}
	return out, nil
}

func (s *stubSession) Close() error { return nil }
