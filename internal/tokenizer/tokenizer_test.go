package tokenizer

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

const sample = `{
  "added_tokens": [
    {"id": 5, "content": "<|endoftext|>", "special": true},
    {"id": 6, "content": "<|startoftranscript|>", "special": true},
    {"id": 7, "content": "<|en|>", "special": true}
  ],
  "model": {"type": "BPE", "vocab": {"Hello": 0, "Ġworld": 1, "!": 2, "Ġcaf": 3, "Ã©": 4}}
}`

func TestDecodeByteLevel(t *testing.T) {
	tok, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tok.Size() != 8 {
		t.Fatalf("expected size 8, got %d", tok.Size())
	}

	tests := []struct {
		ids  []int
		skip bool
		want string
	}{
		{ids: []int{0, 1, 2}, skip: true, want: "Hello world!"},
		{ids: []int{3, 4}, skip: true, want: " café"},
		{ids: []int{6, 7, 0, 5}, skip: true, want: "Hello"},
		{ids: []int{6, 0, 5}, skip: false, want: "<|startoftranscript|>Hello<|endoftext|>"},
		{ids: nil, skip: true, want: ""},
	}
	for _, tt := range tests {
		got, err := tok.Decode(tt.ids, tt.skip)
		if err != nil {
			t.Fatalf("Decode(%v): %v", tt.ids, err)
		}
		if got != tt.want {
			t.Fatalf("Decode(%v, %v) = %q, want %q", tt.ids, tt.skip, got, tt.want)
		}
	}
	if _, err := tok.Decode([]int{42}, true); err == nil {
		t.Fatalf("expected out of range error")
	}
}

func TestSpecialTokens(t *testing.T) {
	tok, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	mask := SpecialMask(tok)
	want := []bool{false, false, false, false, false, true, true, true}
	if !slices.Equal(mask, want) {
		t.Fatalf("mask = %v, want %v", mask, want)
	}
	id, err := MustID(tok, EndOfText)
	if err != nil || id != 5 {
		t.Fatalf("MustID(EndOfText) = %d, %v", id, err)
	}
	if _, err := MustID(tok, Transcribe); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestEmptyDecodeFallback(t *testing.T) {
	// Without special flags, entries that decode to nothing are treated as control tokens.
	raw := `{"model": {"vocab": {"a": 0, "b": 2}}}`
	tok, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tok.IsSpecial(0) || !tok.IsSpecial(1) || tok.IsSpecial(2) {
		t.Fatalf("unexpected special flags %v", SpecialMask(tok))
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Parse([]byte(`{"model":{"vocab":{}}}`)); err == nil {
		t.Fatalf("expected error for empty vocabulary")
	}
}
