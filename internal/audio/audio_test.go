package audio

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func writeWAV(t *testing.T, rate, channels int, data []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close file: %v", err)
	}
	return path
}

func TestFileLoadMono16k(t *testing.T) {
	data := make([]int, SampleRate)
	for i := range data {
		data[i] = 16384
	}
	buf, err := File(writeWAV(t, SampleRate, 1, data)).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(buf.Samples) != SampleRate {
		t.Fatalf("expected %d samples, got %d", SampleRate, len(buf.Samples))
	}
	if buf.Duration != time.Second {
		t.Fatalf("expected 1s duration, got %s", buf.Duration)
	}
	if math.Abs(float64(buf.Samples[10])-0.5) > 1e-4 {
		t.Fatalf("expected normalised 0.5, got %v", buf.Samples[10])
	}
}

func TestFileLoadStereoResampled(t *testing.T) {
	const rate = 32000
	data := make([]int, rate*2*2) // two seconds, two channels
	for i := 0; i < len(data); i += 2 {
		data[i] = 32767
		data[i+1] = -32767
	}
	buf, err := File(writeWAV(t, rate, 2, data)).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(buf.Samples) != 2*SampleRate {
		t.Fatalf("expected %d samples, got %d", 2*SampleRate, len(buf.Samples))
	}
	if buf.Duration != 2*time.Second {
		t.Fatalf("expected 2s, got %s", buf.Duration)
	}
	if buf.Samples[100] != 0 {
		t.Fatalf("opposite channels should cancel, got %v", buf.Samples[100])
	}
}

func TestBytesRoundTrip(t *testing.T) {
	samples := []float32{0, 0.25, -0.25, 0.5}
	path := filepath.Join(t.TempDir(), "rt.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := EncodeWAV(f, samples); err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	f.Close()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	buf, err := Bytes(raw).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(buf.Samples) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(buf.Samples))
	}
	for i := range samples {
		if math.Abs(float64(buf.Samples[i]-samples[i])) > 1e-3 {
			t.Fatalf("sample %d = %v, want %v", i, buf.Samples[i], samples[i])
		}
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Bytes("definitely not audio").Load(context.Background()); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if _, err := File(filepath.Join(t.TempDir(), "missing.wav")).Load(context.Background()); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := (Samples{}).Load(context.Background()); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Bytes(nil).Load(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestResample(t *testing.T) {
	in := []float32{0, 1, 2, 3, 4, 5}
	out := Resample(in, 48000, 16000)
	if len(out) != 2 || out[0] != 0 || out[1] != 3 {
		t.Fatalf("unexpected downsample %v", out)
	}
	up := Resample([]float32{0, 1}, 8000, 16000)
	if len(up) != 4 || up[1] != 0.5 || up[3] != 1 {
		t.Fatalf("unexpected upsample %v", up)
	}
	same := Resample(in, 16000, 16000)
	if &same[0] != &in[0] {
		t.Fatalf("same rate should return input")
	}
}
