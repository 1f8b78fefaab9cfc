// Package tokenizer reads Hugging Face tokenizer.json vocabularies used by
// Whisper checkpoints and decodes token ids back to text.
package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// Control tokens understood by every Whisper vocabulary.
const (
	EndOfText         = "<|endoftext|>"
	StartOfTranscript = "<|startoftranscript|>"
	Transcribe        = "<|transcribe|>"
	NoTimestamps      = "<|notimestamps|>"
)

// ErrUnknownToken is returned when a required token is missing from the vocabulary.
var ErrUnknownToken = errors.New("tokenizer: unknown token")

// Vocabulary is the view of a token vocabulary needed for decoding.
type Vocabulary interface {
	TokenID(token string) (int, bool)
	Decode(ids []int, skipSpecial bool) (string, error)
	Size() int
	IsSpecial(id int) bool
}

// MustID looks up token and wraps ErrUnknownToken when it is missing.
func MustID(v Vocabulary, token string) (int, error) {
	id, ok := v.TokenID(token)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	return id, nil
}

// SpecialMask returns one flag per vocabulary entry marking control tokens.
func SpecialMask(v Vocabulary) []bool {
	mask := make([]bool, v.Size())
	for id := range mask {
		mask[id] = v.IsSpecial(id)
	}
	return mask
}

// Tokenizer is a byte-level BPE vocabulary loaded from tokenizer.json.
type Tokenizer struct {
	pieces  []string
	added   []bool
	special []bool
	ids     map[string]int
}

type fileFormat struct {
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	Model struct {
		Vocab map[string]int `json:"vocab"`
	} `json:"model"`
}

// Load reads a tokenizer.json file.
func Load(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes the contents of a tokenizer.json file.
func Parse(data []byte) (*Tokenizer, error) {
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tokenizer: decode: %w", err)
	}
	if len(f.Model.Vocab) == 0 && len(f.AddedTokens) == 0 {
		return nil, errors.New("tokenizer: empty vocabulary")
	}

	size := 0
	for _, id := range f.Model.Vocab {
		size = max(size, id+1)
	}
	for _, tok := range f.AddedTokens {
		size = max(size, tok.ID+1)
	}

	t := &Tokenizer{
		pieces:  make([]string, size),
		added:   make([]bool, size),
		special: make([]bool, size),
		ids:     make(map[string]int, size),
	}
	for piece, id := range f.Model.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("tokenizer: negative id for %q", piece)
		}
		t.pieces[id] = piece
		t.ids[piece] = id
	}
	explicit := false
	for _, tok := range f.AddedTokens {
		if tok.ID < 0 {
			return nil, fmt.Errorf("tokenizer: negative id for %q", tok.Content)
		}
		t.pieces[tok.ID] = tok.Content
		t.ids[tok.Content] = tok.ID
		t.added[tok.ID] = true
		t.special[tok.ID] = tok.Special
		explicit = explicit || tok.Special
	}
	if !explicit {
		// No special flags: treat tokens that decode to nothing as control tokens.
		for id := range t.special {
			text, _ := t.Decode([]int{id}, true)
			t.special[id] = text == ""
		}
	}
	return t, nil
}

// Size returns the vocabulary size including added tokens.
func (t *Tokenizer) Size() int { return len(t.pieces) }

// TokenID returns the id of token.
func (t *Tokenizer) TokenID(token string) (int, bool) {
	id, ok := t.ids[token]
	return id, ok
}

// IsSpecial reports whether id is a control token.
func (t *Tokenizer) IsSpecial(id int) bool {
	return id >= 0 && id < len(t.special) && t.special[id]
}

// Decode converts ids to text. Control tokens are dropped when skipSpecial is set.
func (t *Tokenizer) Decode(ids []int, skipSpecial bool) (string, error) {
	var buf []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.pieces) {
			return "", fmt.Errorf("tokenizer: id %d out of range", id)
		}
		if skipSpecial && t.special[id] {
			continue
		}
		piece := t.pieces[id]
		if t.added[id] {
			buf = append(buf, piece...)
			continue
		}
		for _, r := range piece {
			if b, ok := unicodeToByte[r]; ok {
				buf = append(buf, b)
			} else {
				buf = utf8.AppendRune(buf, r)
			}
		}
	}
	return strings.ToValidUTF8(string(buf), "�"), nil
}

// unicodeToByte inverts the GPT-2 byte-to-unicode table used by byte-level BPE.
var unicodeToByte = func() map[rune]byte {
	m := make(map[rune]byte, 256)
	n := 0
	for b := 0; b < 256; b++ {
		printable := (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
		if printable {
			m[rune(b)] = byte(b)
			continue
		}
		m[rune(256+n)] = byte(b)
		n++
	}
	return m
}()
