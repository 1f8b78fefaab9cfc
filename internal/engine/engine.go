package engine

import (
	"context"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/beam"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/tokenizer"
)

// HopLength is the number of samples per mel frame.
const HopLength = 160

// DefaultAudioCtx is the encoder context of every published Whisper checkpoint.
const DefaultAudioCtx = 1500

// EncoderPadding is the number of encoder frames left as trailing silence so
// the decoder can recognise the end of speech.
const EncoderPadding = 100

// Model is a loaded Whisper checkpoint exposed as a scoring oracle factory.
type Model interface {
	// Vocabulary returns the token vocabulary the oracle scores over.
	Vocabulary() tokenizer.Vocabulary
	// MaxWindowSamples is the longest audio slice one Encode call accepts.
	MaxWindowSamples() int
	// Encode runs the audio encoder over samples and returns a session that
	// scores token sequences against the encoded window.
	Encode(ctx context.Context, samples []float32) (Session, error)
	// Close releases underlying resources.
	Close() error
}

// Session scores continuations for one encoded window.
type Session interface {
	beam.Oracle
	Close() error
}

// WindowSamples converts an encoder context size to a window length in samples,
// keeping EncoderPadding frames free.
func WindowSamples(audioCtx int) int {
	frames := audioCtx - EncoderPadding
	if frames < 1 {
		frames = 1
	}
	// Each encoder frame covers two mel frames.
	return frames * 2 * HopLength
}
