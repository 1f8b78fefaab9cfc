// Package transcribe runs the decode phase of a transcription: it windows the
// audio, searches each window with the model's oracle and stitches the
// windows into segment events.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/audio"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/beam"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/engine"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/events"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/language"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/stitch"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/tokenizer"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/window"
)

const (
	DefaultBeamWidth = 5
	DefaultMaxDepth  = 30
)

var (
	// ErrOracle marks failures of the scoring backend.
	ErrOracle = errors.New("transcribe: oracle failure")
	// ErrOverlapTooLong is returned when the overlap leaves no room to advance.
	ErrOverlapTooLong = errors.New("transcribe: overlap too long")
)

// Options configures a Decoder.
type Options struct {
	Language      language.Language
	BeamWidth     int
	MaxDepth      int
	Overlap       time.Duration
	SingleSegment bool
	// OnWindow, when set, is called after each window is decoded.
	OnWindow func(w window.Window, tokens int, elapsed time.Duration)
}

// Decoder turns audio into segment events with one loaded model.
type Decoder struct {
	model   engine.Model
	vocab   tokenizer.Vocabulary
	opts    Options
	prefix  []int
	end     int
	special []bool
	log     *slog.Logger
}

// NewDecoder resolves the control tokens of opts.Language in the model's
// vocabulary. A missing token means the model files are unusable.
func NewDecoder(model engine.Model, opts Options, logger *slog.Logger) (*Decoder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Language.Code == "" {
		opts.Language = language.English
	}
	if opts.BeamWidth == 0 {
		opts.BeamWidth = DefaultBeamWidth
	}
	if opts.MaxDepth == 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.BeamWidth < 1 || opts.MaxDepth < 1 || opts.Overlap < 0 {
		return nil, fmt.Errorf("transcribe: invalid options (beam width %d, max depth %d, overlap %s)",
			opts.BeamWidth, opts.MaxDepth, opts.Overlap)
	}

	if overlap := samplesOf(opts.Overlap); overlap >= model.MaxWindowSamples() {
		return nil, fmt.Errorf("%w: overlap of %d samples does not fit a %d sample window",
			ErrOverlapTooLong, overlap, model.MaxWindowSamples())
	}

	vocab := model.Vocabulary()
	var prefix []int
	for _, tok := range []string{tokenizer.StartOfTranscript, opts.Language.Token(), tokenizer.Transcribe, tokenizer.NoTimestamps} {
		id, err := tokenizer.MustID(vocab, tok)
		if err != nil {
			return nil, err
		}
		prefix = append(prefix, id)
	}
	end, err := tokenizer.MustID(vocab, tokenizer.EndOfText)
	if err != nil {
		return nil, err
	}

	return &Decoder{
		model:   model,
		vocab:   vocab,
		opts:    opts,
		prefix:  prefix,
		end:     end,
		special: tokenizer.SpecialMask(vocab),
		log:     logger.With("component", "transcribe.decoder", "language", opts.Language.Code),
	}, nil
}

// Emit delivers one event; an error stops the run.
type Emit func(events.Event) error

// Run decodes buf window by window in index order and emits at most one
// segment per window. The final window always emits and ends at the buffer's
// duration. Errors from emit are returned unchanged; backend failures wrap ErrOracle.
func (d *Decoder) Run(ctx context.Context, buf audio.Buffer, emit Emit) error {
	total := len(buf.Samples)
	overlap := samplesOf(d.opts.Overlap)
	plan, err := window.NewPlan(total, d.model.MaxWindowSamples(), overlap)
	if err != nil {
		return err
	}
	transcript := stitch.NewTranscript(stitch.Options{
		Stitching:      overlap > 0,
		HoldUntilFinal: d.opts.SingleSegment,
	})
	d.log.Debug("decoding", "samples", total, "windows", plan.Count(), "window_samples", plan.Size, "overlap_samples", overlap)

	var start time.Duration
	for w := range plan.All() {
		began := time.Now()
		tokens, err := d.decodeWindow(ctx, buf.Samples[w.Start:w.End])
		if err != nil {
			return err
		}
		body := d.strip(tokens)
		if d.opts.OnWindow != nil {
			d.opts.OnWindow(w, len(body), time.Since(began))
		}

		settled, flush := transcript.Add(body, w.Final())
		if !flush {
			continue
		}
		text, err := d.vocab.Decode(settled, true)
		if err != nil {
			return fmt.Errorf("%w: decode tokens: %v", ErrOracle, err)
		}
		end := buf.Duration
		if !w.Final() {
			end = time.Duration(float64(buf.Duration) * float64(w.End) / float64(total))
		}
		pct := float64(w.Index+1) / float64(w.Count)
		if err := emit(events.Segment(start, end, pct, text)); err != nil {
			return err
		}
		start = end
	}
	return nil
}

func (d *Decoder) decodeWindow(ctx context.Context, samples []float32) ([]int, error) {
	session, err := d.model.Encode(ctx, samples)
	if err != nil {
		return nil, d.oracleErr(ctx, err)
	}
	defer session.Close()
	tokens, err := beam.Search(ctx, session, beam.Params{
		Initial:    d.prefix,
		Width:      d.opts.BeamWidth,
		MaxDepth:   d.opts.MaxDepth,
		EndToken:   d.end,
		Special:    d.special,
		MaskLength: beam.DefaultMaskLength,
	})
	if err != nil {
		return nil, d.oracleErr(ctx, err)
	}
	return tokens, nil
}

func (d *Decoder) oracleErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %w", ErrOracle, err)
}

// strip drops the prompt prefix and a trailing end token.
func (d *Decoder) strip(tokens []int) []int {
	body := tokens[min(len(d.prefix), len(tokens)):]
	if n := len(body); n > 0 && body[n-1] == d.end {
		body = body[:n-1]
	}
	return body
}

func samplesOf(d time.Duration) int {
	return int(d.Seconds() * audio.SampleRate)
}
