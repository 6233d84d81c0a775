// Package native defines the capability surface the scheduler treats as
// opaque: model loading, tokenization, a single decode() call and logit
// sampling. Everything in this file is pure Go and has no build tag; a real
// binding lives in llama.go behind the llama_native build tag, and a
// deterministic test double lives in native/fake.
package native

import "fmt"

// TokenID is a vocabulary entry. Negative values are never produced by a
// real vocabulary; they are reserved for sentinel use in tests.
type TokenID int32

// Position is a zero-based index into a sequence's KV cache.
type Position int32

// SeqID identifies the KV-cache lane a batch item belongs to. The scheduler
// always sets this equal to the owning slot's index.
type SeqID int32

// Vocab is the read-only vocabulary handle bound to a loaded Model.
type Vocab interface {
	// IsEndOfGeneration reports whether tok is one of the model's
	// end-of-generation tokens (there may be more than one).
	IsEndOfGeneration(tok TokenID) bool

	// TokenToPiece returns the raw UTF-8 bytes (possibly a partial
	// codepoint) a single token decodes to. Callers are responsible for
	// coalescing partial codepoints across calls; see tokenizer.Detokenizer.
	TokenToPiece(tok TokenID) []byte
}

// Model is a loaded set of weights plus its vocabulary and tokenizer.
type Model interface {
	Vocab() Vocab

	// Tokenize converts text to token ids. addSpecial controls whether a
	// BOS token is prepended; parseSpecial controls whether control tokens
	// embedded in the text (e.g. "<|im_start|>") are recognized as such
	// rather than tokenized as literal text.
	Tokenize(text string, addSpecial, parseSpecial bool) ([]TokenID, error)

	// NCtxTrain is the context length the model was trained with, used as
	// the n_ctx default when the caller requests 0.
	NCtxTrain() int
}

// BatchItem is one (token, position, seq_id, wants_logits) tuple, the unit
// the native decode() call consumes. See batch.Buffer for the staging area
// that materializes a contiguous slice of these.
type BatchItem struct {
	Token       TokenID
	Pos         Position
	Seq         SeqID
	WantsLogits bool
}

// Batch is the materialized view over a contiguous prefix of staged items,
// as handed to Context.Decode.
type Batch interface {
	Items() []BatchItem
}

// Context is one KV-cache-backed decode context, sized for n_parallel
// lanes at construction time.
type Context interface {
	// Decode advances every sequence present in batch by the tokens it
	// contributes. After a successful call, logits for any item with
	// WantsLogits are available via Logits for that item's seq/position.
	Decode(batch Batch) error

	// Logits returns the raw logits row produced by the most recent Decode
	// call for the given seq id's last requested position. Returns nil if
	// no logits were requested for that sequence in the last decode.
	Logits(seq SeqID) []float32

	// Close releases the KV cache and any native resources.
	Close() error
}

// ContextParams configures Context construction.
type ContextParams struct {
	NCtx     int
	NBatch   int
	NUbatch  int
	NSeqMax  int
}

// SamplerStrategy tags one stage of a sampler chain. Implementations are
// free to interpret the Params map; the chain is built once per start_task
// call and never mutated beyond Reset.
type SamplerStrategy struct {
	Kind   StrategyKind
	Params map[string]float64
}

// StrategyKind enumerates the fixed sampler pipeline stages, in the order
// they must be added to the chain.
type StrategyKind int

const (
	StrategyPenalties StrategyKind = iota
	StrategyTopK
	StrategyTopP
	StrategyTemperature
	StrategyDistribution
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyPenalties:
		return "penalties"
	case StrategyTopK:
		return "top_k"
	case StrategyTopP:
		return "top_p"
	case StrategyTemperature:
		return "temperature"
	case StrategyDistribution:
		return "distribution"
	default:
		return fmt.Sprintf("strategy(%d)", int(k))
	}
}

// SamplerChain is a fixed, ordered pipeline applied to a single sequence's
// logits to produce one sampled token.
type SamplerChain interface {
	// Sample runs the chain against ctx's last logits for seq and returns
	// the chosen token. It also accepts the token into the chain's
	// internal penalty history.
	Sample(ctx Context, seq SeqID) (TokenID, error)

	// Reset clears penalty/repetition history. Called once per start_task.
	Reset()

	// Close frees native resources owned by the chain.
	Close()
}

// SamplerFactory builds a SamplerChain from the fixed stage list, in the
// order given. Binding code is expected to skip stages whose parameters
// are no-ops (e.g. TopP with P==1.0), but must never reorder them.
type SamplerFactory interface {
	NewChain(stages []SamplerStrategy) (SamplerChain, error)
}

// ErrDecode wraps a failed native decode call. A decode failure is fatal
// to the batch, not the process: the processor logs it, fails every slot
// that contributed to the batch with a decode error, and keeps running.
// The failed work is not retried.
type ErrDecode struct {
	Err error
}

func (e *ErrDecode) Error() string { return fmt.Sprintf("decode failed: %v", e.Err) }
func (e *ErrDecode) Unwrap() error { return e.Err }
