//go:build whispercpp

package engine

/*
#cgo CFLAGS: -I${SRCDIR}/../../third_party/whisper.cpp -I${SRCDIR}/../../third_party/whisper.cpp/include -I${SRCDIR}/../../third_party/whisper.cpp/ggml/include
#cgo CXXFLAGS: -std=c++17 -I${SRCDIR}/../../third_party/whisper.cpp -I${SRCDIR}/../../third_party/whisper.cpp/include -I${SRCDIR}/../../third_party/whisper.cpp/ggml/include
#cgo LDFLAGS: -L${SRCDIR}/../../third_party/whisper.cpp/build -L${SRCDIR}/../../third_party/whisper.cpp/build/src -Wl,-rpath,${SRCDIR}/../../third_party/whisper.cpp/build/src -lwhisper -lstdc++ -lm

#include "stdlib.h"
#include "include/whisper.h"
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"unsafe"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/language"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/tokenizer"
)

func NativeAvailable() bool { return true }

// NativeModel runs a ggml checkpoint through whisper.cpp. Encode and Score
// calls are serialised; each Encode owns a whisper state until its session closes.
type NativeModel struct {
	mu      sync.Mutex
	ctx     *C.struct_whisper_context
	threads int
	vocab   *nativeVocabulary
}

func NewNativeModel(modelPath string, opts NativeOptions) (Model, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path required")
	}
	cPath := C.CString(modelPath)
	defer C.free(unsafe.Pointer(cPath))
	cParams := C.whisper_context_default_params()
	cParams.use_gpu = C.bool(opts.useGPU())
	cParams.flash_attn = C.bool(opts.flashAttention())

	ctx := C.whisper_init_from_file_with_params(cPath, cParams)
	if ctx == nil {
		return nil, fmt.Errorf("whisper: failed to initialise context for %s", modelPath)
	}

	m := &NativeModel{ctx: ctx, threads: opts.threads()}
	m.vocab = newNativeVocabulary(ctx)
	return m, nil
}

func (m *NativeModel) Vocabulary() tokenizer.Vocabulary { return m.vocab }

func (m *NativeModel) MaxWindowSamples() int {
	return WindowSamples(int(C.whisper_model_n_audio_ctx(m.ctx)))
}

func (m *NativeModel) Encode(ctx context.Context, samples []float32) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, errors.New("whisper: empty window")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return nil, errors.New("whisper: model closed")
	}

	state := C.whisper_init_state(m.ctx)
	if state == nil {
		return nil, errors.New("whisper: failed to initialise state")
	}
	cSamples := (*C.float)(unsafe.Pointer(&samples[0]))
	if ret := C.whisper_pcm_to_mel_with_state(m.ctx, state, cSamples, C.int(len(samples)), C.int(m.threads)); ret != 0 {
		C.whisper_free_state(state)
		return nil, fmt.Errorf("whisper: mel spectrogram failed with code %d", int(ret))
	}
	if ret := C.whisper_encode_with_state(m.ctx, state, 0, C.int(m.threads)); ret != 0 {
		C.whisper_free_state(state)
		return nil, fmt.Errorf("whisper: encoder failed with code %d", int(ret))
	}
	return &nativeSession{model: m, state: state}, nil
}

func (m *NativeModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		C.whisper_free(m.ctx)
		m.ctx = nil
	}
	return nil
}

type nativeSession struct {
	model *NativeModel
	state *C.struct_whisper_state
}

// Score decodes every sequence from scratch against the encoded window and
// returns the log-softmax of the logits for the token after its last one.
func (s *nativeSession) Score(ctx context.Context, batch [][]int) ([][]float64, error) {
	s.model.mu.Lock()
	defer s.model.mu.Unlock()
	if s.state == nil || s.model.ctx == nil {
		return nil, errors.New("whisper: session closed")
	}

	nVocab := int(C.whisper_n_vocab(s.model.ctx))
	out := make([][]float64, len(batch))
	for i, seq := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(seq) == 0 {
			return nil, errors.New("whisper: empty token sequence")
		}
		tokens := make([]C.whisper_token, len(seq))
		for j, tok := range seq {
			tokens[j] = C.whisper_token(tok)
		}
		if ret := C.whisper_decode_with_state(s.model.ctx, s.state, &tokens[0], C.int(len(tokens)), 0, C.int(s.model.threads)); ret != 0 {
			return nil, fmt.Errorf("whisper: decoder failed with code %d", int(ret))
		}
		logits := C.whisper_get_logits_from_state(s.state)
		if logits == nil {
			return nil, errors.New("whisper: decoder produced no logits")
		}
		last := unsafe.Slice((*float32)(unsafe.Pointer(logits)), len(seq)*nVocab)[(len(seq)-1)*nVocab:]
		out[i] = logSoftmax(last)
	}
	return out, nil
}

func (s *nativeSession) Close() error {
	s.model.mu.Lock()
	defer s.model.mu.Unlock()
	if s.state != nil {
		C.whisper_free_state(s.state)
		s.state = nil
	}
	return nil
}

func logSoftmax(logits []float32) []float64 {
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		maxLogit = math.Max(maxLogit, float64(v))
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v) - maxLogit)
	}
	norm := maxLogit + math.Log(sum)
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = float64(v) - norm
	}
	return out
}

// nativeVocabulary reads token text and control token ids from the model.
type nativeVocabulary struct {
	size    int
	eot     int
	pieces  []string
	special map[string]int
}

func newNativeVocabulary(ctx *C.struct_whisper_context) *nativeVocabulary {
	v := &nativeVocabulary{
		size: int(C.whisper_n_vocab(ctx)),
		eot:  int(C.whisper_token_eot(ctx)),
		special: map[string]int{
			tokenizer.EndOfText:         int(C.whisper_token_eot(ctx)),
			tokenizer.StartOfTranscript: int(C.whisper_token_sot(ctx)),
			tokenizer.Transcribe:        int(C.whisper_token_transcribe(ctx)),
			tokenizer.NoTimestamps:      int(C.whisper_token_not(ctx)),
		},
	}
	v.pieces = make([]string, v.size)
	for id := 0; id < v.size; id++ {
		v.pieces[id] = C.GoString(C.whisper_token_to_str(ctx, C.whisper_token(id)))
	}
	// whisper.cpp names its language tokens [_LANG_xx]; expose them under
	// the tokenizer.json names the decoder asks for.
	for _, l := range language.All() {
		code := C.CString(l.Code)
		id := C.whisper_lang_id(code)
		C.free(unsafe.Pointer(code))
		if id < 0 {
			continue
		}
		v.special[l.Token()] = int(C.whisper_token_lang(ctx, id))
	}
	return v
}

func (v *nativeVocabulary) TokenID(token string) (int, bool) {
	id, ok := v.special[token]
	return id, ok
}

func (v *nativeVocabulary) Size() int { return v.size }

// IsSpecial treats every id from end-of-text upwards as a control token, which
// is how whisper.cpp lays out its vocabulary.
func (v *nativeVocabulary) IsSpecial(id int) bool { return id >= v.eot }

func (v *nativeVocabulary) Decode(ids []int, skipSpecial bool) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= v.size {
			return "", fmt.Errorf("whisper: token %d out of range", id)
		}
		if skipSpecial && v.IsSpecial(id) {
			continue
		}
		b.WriteString(v.pieces[id])
	}
	return strings.ToValidUTF8(b.String(), "�"), nil
}
