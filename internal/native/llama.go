//go:build llama_native

// This file binds the native package's interfaces to the llama.cpp C API
// directly, in the shape OpenEye's internal/native package uses (one Go
// wrapper per native handle, Close/Free pairs, panics confined to backend
// init). It is excluded from the default build: nothing in this module
// requires a working llama.cpp checkout to compile or test, since the rest
// of the tree is written against contract.go's interfaces and exercised
// through native/fake in tests.
package native

/*
#cgo LDFLAGS: -lllama -lggml
#include <stdlib.h>
#include "llama.h"

static struct llama_sampler_chain_params oe_sampler_chain_default_params(void) {
	return llama_sampler_chain_default_params();
}
*/
import "C"

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

var backendInitOnce sync.Once

func ensureBackendInit() {
	backendInitOnce.Do(func() {
		C.llama_backend_init()
	})
}

// cModel is the cgo-backed Model implementation.
type cModel struct {
	ptr   *C.struct_llama_model
	vocab *cVocab
}

// LoadModelFromFile loads a GGUF model file with the given number of GPU
// offload layers (0 disables GPU offload).
func LoadModelFromFile(path string, nGPULayers int) (*cModel, error) {
	ensureBackendInit()

	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	params := C.llama_model_default_params()
	params.n_gpu_layers = C.int32_t(nGPULayers)

	ptr := C.llama_model_load_from_file(cPath, params)
	if ptr == nil {
		return nil, fmt.Errorf("llama: failed to load model from %q", path)
	}

	vocabPtr := C.llama_model_get_vocab(ptr)
	return &cModel{ptr: ptr, vocab: &cVocab{ptr: vocabPtr}}, nil
}

func (m *cModel) Close() {
	if m.ptr != nil {
		C.llama_model_free(m.ptr)
		m.ptr = nil
	}
}

func (m *cModel) Vocab() Vocab { return m.vocab }

func (m *cModel) NCtxTrain() int {
	return int(C.llama_model_n_ctx_train(m.ptr))
}

func (m *cModel) Tokenize(text string, addSpecial, parseSpecial bool) ([]TokenID, error) {
	cText := C.CString(text)
	defer C.free(unsafe.Pointer(cText))

	// First call with a zero-capacity buffer to discover the required
	// length (llama_tokenize returns the negative count when too small).
	want := -C.llama_tokenize(m.vocab.ptr, cText, C.int32_t(len(text)), nil, 0,
		C.bool(addSpecial), C.bool(parseSpecial))
	if want <= 0 {
		return nil, nil
	}

	buf := make([]C.int32_t, want)
	n := C.llama_tokenize(m.vocab.ptr, cText, C.int32_t(len(text)), &buf[0], want,
		C.bool(addSpecial), C.bool(parseSpecial))
	if n < 0 {
		return nil, errors.New("llama: tokenize buffer too small")
	}

	out := make([]TokenID, n)
	for i := range out {
		out[i] = TokenID(buf[i])
	}
	return out, nil
}

type cVocab struct {
	ptr *C.struct_llama_vocab
}

func (v *cVocab) IsEndOfGeneration(tok TokenID) bool {
	return bool(C.llama_vocab_is_eog(v.ptr, C.int32_t(tok)))
}

func (v *cVocab) TokenToPiece(tok TokenID) []byte {
	buf := make([]C.char, 64)
	n := C.llama_token_to_piece(v.ptr, C.int32_t(tok), &buf[0], C.int32_t(len(buf)), 0, C.bool(false))
	if n < 0 {
		buf = make([]C.char, -n)
		n = C.llama_token_to_piece(v.ptr, C.int32_t(tok), &buf[0], C.int32_t(len(buf)), 0, C.bool(false))
	}
	if n <= 0 {
		return nil
	}
	return C.GoBytes(unsafe.Pointer(&buf[0]), n)
}

// cContext is the cgo-backed Context implementation, one per loaded model.
type cContext struct {
	ptr   *C.struct_llama_context
	mu    sync.Mutex
	logit map[SeqID][]float32
}

func NewContext(model *cModel, params ContextParams) (*cContext, error) {
	cp := C.llama_context_default_params()
	cp.n_ctx = C.uint32_t(params.NCtx)
	cp.n_batch = C.uint32_t(params.NBatch)
	cp.n_ubatch = C.uint32_t(params.NUbatch)
	cp.n_seq_max = C.uint32_t(params.NSeqMax)

	ptr := C.llama_init_from_model(model.ptr, cp)
	if ptr == nil {
		return nil, errors.New("llama: failed to create context")
	}
	return &cContext{ptr: ptr, logit: make(map[SeqID][]float32)}, nil
}

func (c *cContext) Decode(batch Batch) error {
	items := batch.Items()
	if len(items) == 0 {
		return nil
	}

	cBatch := C.llama_batch_init(C.int32_t(len(items)), 0, 1)
	defer C.llama_batch_free(cBatch)

	for i, it := range items {
		setBatchItem(&cBatch, i, it)
	}
	cBatch.n_tokens = C.int32_t(len(items))

	rc := C.llama_decode(c.ptr, cBatch)
	if rc != 0 {
		return &ErrDecode{Err: fmt.Errorf("llama_decode returned %d", int(rc))}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, it := range items {
		if !it.WantsLogits {
			continue
		}
		raw := C.llama_get_logits_ith(c.ptr, C.int32_t(i))
		if raw == nil {
			continue
		}
		n := int(C.llama_n_vocab(C.llama_get_model(c.ptr)))
		c.logit[it.Seq] = cFloatSlice(raw, n)
	}
	return nil
}

func (c *cContext) Logits(seq SeqID) []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logit[seq]
}

func (c *cContext) Close() error {
	if c.ptr != nil {
		C.llama_free(c.ptr)
		c.ptr = nil
	}
	return nil
}

// cSamplerChain binds SamplerChain to a llama_sampler chain built once per
// start_task and reused for the lifetime of the task.
type cSamplerChain struct {
	ptr *C.struct_llama_sampler
}

type cSamplerFactory struct{}

// NewSamplerFactory returns the cgo-backed SamplerFactory.
func NewSamplerFactory() SamplerFactory { return cSamplerFactory{} }

func (cSamplerFactory) NewChain(stages []SamplerStrategy) (SamplerChain, error) {
	params := C.oe_sampler_chain_default_params()
	chain := C.llama_sampler_chain_init(params)
	if chain == nil {
		return nil, errors.New("llama: failed to init sampler chain")
	}

	for _, st := range stages {
		s := newStageSampler(st)
		if s == nil {
			continue
		}
		C.llama_sampler_chain_add(chain, s)
	}

	return &cSamplerChain{ptr: chain}, nil
}

func (s *cSamplerChain) Sample(ctx Context, seq SeqID) (TokenID, error) {
	cctx, ok := ctx.(*cContext)
	if !ok {
		return 0, errors.New("llama: sampler requires a native context")
	}
	tok := C.llama_sampler_sample(s.ptr, cctx.ptr, C.int32_t(seq))
	C.llama_sampler_accept(s.ptr, tok)
	return TokenID(tok), nil
}

func (s *cSamplerChain) Reset() {
	if s.ptr != nil {
		C.llama_sampler_reset(s.ptr)
	}
}

func (s *cSamplerChain) Close() {
	if s.ptr != nil {
		C.llama_sampler_free(s.ptr)
		s.ptr = nil
	}
}

// newStageSampler allocates the *llama_sampler for one pipeline stage, or
// returns nil when the stage's parameters make it a no-op (e.g. top_p with
// p==1.0), in which case it is skipped rather than added to the chain.
func newStageSampler(st SamplerStrategy) *C.struct_llama_sampler {
	switch st.Kind {
	case StrategyPenalties:
		lastN := int32(st.Params["repeat_last_n"])
		freq := st.Params["frequency_penalty"]
		presence := st.Params["presence_penalty"]
		if lastN == 0 || (freq == 0 && presence == 0) {
			return nil
		}
		return C.llama_sampler_init_penalties(C.int32_t(lastN), C.float(1.0), C.float(freq), C.float(presence))
	case StrategyTopK:
		k := int32(st.Params["top_k"])
		if k <= 0 {
			return nil
		}
		return C.llama_sampler_init_top_k(C.int32_t(k))
	case StrategyTopP:
		p := st.Params["top_p"]
		if p <= 0 || p >= 1.0 {
			return nil
		}
		return C.llama_sampler_init_top_p(C.float(p), 1)
	case StrategyTemperature:
		temp := st.Params["temperature"]
		if temp <= 0 {
			return C.llama_sampler_init_greedy()
		}
		return C.llama_sampler_init_temp(C.float(temp))
	case StrategyDistribution:
		seed := uint32(st.Params["seed"])
		return C.llama_sampler_init_dist(C.uint32_t(seed))
	default:
		return nil
	}
}

// setBatchItem writes one decoded item into the native batch at index i.
func setBatchItem(batch *C.struct_llama_batch, i int, it BatchItem) {
	tokens := (*[1 << 28]C.llama_token)(unsafe.Pointer(batch.token))[:]
	positions := (*[1 << 28]C.llama_pos)(unsafe.Pointer(batch.pos))[:]
	nSeqID := (*[1 << 28]C.int32_t)(unsafe.Pointer(batch.n_seq_id))[:]
	seqIDs := (*[1 << 28]*C.llama_seq_id)(unsafe.Pointer(batch.seq_id))[:]
	logits := (*[1 << 28]C.int8_t)(unsafe.Pointer(batch.logits))[:]

	tokens[i] = C.llama_token(it.Token)
	positions[i] = C.llama_pos(it.Pos)
	nSeqID[i] = 1
	(*[1]C.llama_seq_id)(unsafe.Pointer(seqIDs[i]))[0] = C.llama_seq_id(it.Seq)
	if it.WantsLogits {
		logits[i] = 1
	} else {
		logits[i] = 0
	}
}

// cFloatSlice copies n float32s out of native memory owned by the context.
func cFloatSlice(p *C.float, n int) []float32 {
	src := (*[1 << 28]C.float)(unsafe.Pointer(p))[:n:n]
	out := make([]float32, n)
	for i, v := range src {
		out[i] = float32(v)
	}
	return out
}
