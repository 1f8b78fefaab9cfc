// Package audio loads recordings into mono float32 sample buffers at the
// Whisper sample rate.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// SampleRate is the rate every Buffer is delivered at.
const SampleRate = 16000

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

var (
	// ErrEmpty is returned for recordings without samples.
	ErrEmpty = errors.New("audio: no samples")
	// ErrUnsupported is returned for containers or encodings that cannot be decoded.
	ErrUnsupported = errors.New("audio: unsupported format")
)

// Buffer is a decoded recording: mono samples in [-1, 1] at SampleRate.
// It is read-only once produced.
type Buffer struct {
	Samples  []float32
	Duration time.Duration
}

// NewBuffer wraps samples already at SampleRate.
func NewBuffer(samples []float32) Buffer {
	return Buffer{
		Samples:  samples,
		Duration: time.Duration(len(samples)) * time.Second / SampleRate,
	}
}

// Source produces the audio of one transcription run.
type Source interface {
	Load(ctx context.Context) (Buffer, error)
}

// File reads a WAV file from disk.
type File string

// Load implements Source.
func (f File) Load(ctx context.Context) (Buffer, error) {
	if err := ctx.Err(); err != nil {
		return Buffer{}, err
	}
	fh, err := os.Open(string(f))
	if err != nil {
		return Buffer{}, fmt.Errorf("audio: open %s: %w", string(f), err)
	}
	defer fh.Close()
	return Decode(fh)
}

// Bytes holds an in-memory WAV file, e.g. an upload.
type Bytes []byte

// Load implements Source.
func (b Bytes) Load(ctx context.Context) (Buffer, error) {
	if err := ctx.Err(); err != nil {
		return Buffer{}, err
	}
	return Decode(bytes.NewReader(b))
}

// Samples is a Source over an already decoded buffer.
type Samples Buffer

// Load implements Source.
func (s Samples) Load(context.Context) (Buffer, error) {
	if len(s.Samples) == 0 {
		return Buffer{}, ErrEmpty
	}
	return Buffer(s), nil
}

// Decode reads a PCM WAV stream, mixes it down to mono and resamples it to SampleRate.
func Decode(r io.ReadSeeker) (Buffer, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Buffer{}, fmt.Errorf("%w: not a WAV file", ErrUnsupported)
	}
	if dec.WavAudioFormat != wavFormatPCM && dec.WavAudioFormat != wavFormatExtensible {
		return Buffer{}, fmt.Errorf("%w: wav encoding %d", ErrUnsupported, dec.WavAudioFormat)
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("audio: decode wav: %w", err)
	}
	channels := pcm.Format.NumChannels
	if channels < 1 || pcm.Format.SampleRate <= 0 {
		return Buffer{}, fmt.Errorf("%w: %d channels at %d Hz", ErrUnsupported, channels, pcm.Format.SampleRate)
	}
	depth := pcm.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}
	if depth < 8 || depth > 32 {
		return Buffer{}, fmt.Errorf("%w: %d bit samples", ErrUnsupported, depth)
	}

	mono := mixdown(pcm, depth)
	if len(mono) == 0 {
		return Buffer{}, ErrEmpty
	}
	return NewBuffer(Resample(mono, pcm.Format.SampleRate, SampleRate)), nil
}

// mixdown averages interleaved channels and normalises to [-1, 1].
func mixdown(pcm *goaudio.IntBuffer, depth int) []float32 {
	channels := pcm.Format.NumChannels
	frames := len(pcm.Data) / channels
	scale := float64(int64(1) << (depth - 1))
	// 8-bit WAV is unsigned.
	bias := 0.0
	if depth == 8 {
		bias = 128
	}
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(pcm.Data[i*channels+c]) - bias
		}
		v := sum / float64(channels) / scale
		out[i] = float32(math.Max(-1, math.Min(1, v)))
	}
	return out
}

// Resample converts samples from rate from to rate to by linear interpolation.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || len(samples) == 0 || from <= 0 || to <= 0 {
		return samples
	}
	outLen := int(int64(len(samples)) * int64(to) / int64(from))
	if outLen == 0 {
		outLen = 1
	}
	out := make([]float32, outLen)
	ratio := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + frac*(samples[idx+1]-samples[idx])
	}
	return out
}

// EncodeWAV writes samples as 16-bit mono PCM at SampleRate.
func EncodeWAV(w io.WriteSeeker, samples []float32) error {
	enc := wav.NewEncoder(w, SampleRate, 16, 1, 1)
	data := make([]int, len(samples))
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		data[i] = int(math.Round(v * 32767))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: encode wav: %w", err)
	}
	return enc.Close()
}
