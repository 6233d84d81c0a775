// Package slot models one KV-cache lane in the native context, holding at
// most one ActiveSequence and exposing the operations the Processor's
// scheduling loop drives it through.
//
// Grounded on runner/llamarunner/types.go's Sequence struct and
// runner/llamarunner/sequence.go's NewSequence/flushPending, generalized
// from ollama's "one native llama.Batch token per slot" model to an
// explicit ActiveSequence/CompletionReason data model, and on the Rust
// source's slot module (referenced from parallel.rs: Slot::new,
// start_task, setup_sampler, next_batch_tokens, sample_token, stop_task).
package slot

import (
	"fmt"

	"github.com/coregen/llamasched/internal/native"
	"github.com/coregen/llamasched/internal/stopmatch"
	"github.com/coregen/llamasched/internal/task"
	"github.com/coregen/llamasched/internal/tokenizer"
)

// State is the slot's position in its idle/prefilling/generating lifecycle.
type State int

const (
	StateIdle State = iota
	StatePrefilling
	StateGenerating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrefilling:
		return "prefilling"
	case StateGenerating:
		return "generating"
	default:
		return "unknown"
	}
}

// CompletionReason is a sum type describing why a sequence stopped
// generating; a nil *CompletionReason means "keep going." Nothing in this
// module constructs one: processor.advanceGeneration decides completion
// inline and tells finishSlot how many trailing tokens to drop.
type CompletionReason struct {
	Kind        CompletionKind
	StopLen     int  // for CompletionStopSequence: tokens already truncated by the caller
	PartialStop bool // for CompletionMaxTokens
}

type CompletionKind int

const (
	CompletionEndOfGeneration CompletionKind = iota
	CompletionStopSequence
	CompletionMaxTokens
	CompletionContextFull
)

func (k CompletionKind) String() string {
	switch k {
	case CompletionEndOfGeneration:
		return "eog"
	case CompletionStopSequence:
		return "stop_sequence"
	case CompletionMaxTokens:
		return "max_tokens"
	case CompletionContextFull:
		return "context_full"
	default:
		return "unknown"
	}
}

// ActiveSequence is the per-task state owned by a busy Slot.
type ActiveSequence struct {
	Task Task

	PromptTokens     []native.TokenID
	PromptTokenCount int

	NPast         int
	PrefillCursor int

	GeneratedTokens []native.TokenID

	Resolved task.Resolved

	StopMatcher *stopmatch.Matcher

	State State
}

// Task bundles the fields a slot needs from a task.Task plus the
// originating task id, kept separate from the task package's Task so the
// slot never has to reach back into the admission layer for anything but
// what it was handed at start_task.
type Task struct {
	ID         string
	ResponseTx chan<- task.Response
}

// Slot is one KV-cache lane, stable for the process lifetime.
type Slot struct {
	Index int

	sampler  native.SamplerChain
	detok    *tokenizer.Detokenizer
	scratch  *tokenizer.Detokenizer // detokenizes full generated_tokens for stop/score checks
	vocab    native.Vocab
	samplerF native.SamplerFactory

	seq *ActiveSequence
}

// New creates an idle slot bound to vocab (for detokenization) and a
// SamplerFactory (for building each task's sampler chain).
func New(index int, vocab native.Vocab, samplerFactory native.SamplerFactory) *Slot {
	return &Slot{
		Index:    index,
		vocab:    vocab,
		samplerF: samplerFactory,
	}
}

// IsIdle reports whether the slot holds no ActiveSequence.
func (s *Slot) IsIdle() bool { return s.seq == nil }

// Sequence returns the slot's current ActiveSequence, or nil if idle.
func (s *Slot) Sequence() *ActiveSequence { return s.seq }

// StartTask transitions Idle -> Prefilling, initializing a fresh
// ActiveSequence. promptTokens and stopMatcher are supplied by the caller
// (the Processor), which tokenizes the prompt and stop strings before
// calling StartTask.
func (s *Slot) StartTask(t Task, promptTokens []native.TokenID, resolved task.Resolved, stopMatcher *stopmatch.Matcher) error {
	if !s.IsIdle() {
		return fmt.Errorf("slot %d: StartTask called while busy", s.Index)
	}

	s.seq = &ActiveSequence{
		Task:             t,
		PromptTokens:     promptTokens,
		PromptTokenCount: len(promptTokens),
		NPast:            0,
		PrefillCursor:    0,
		GeneratedTokens:  nil,
		Resolved:         resolved,
		StopMatcher:      stopMatcher,
		State:            StatePrefilling,
	}
	s.detok = tokenizer.NewDetokenizer(s.vocab)
	s.scratch = tokenizer.NewDetokenizer(s.vocab)
	return nil
}

// SetupSampler rebuilds the slot's sampler chain in the fixed pipeline
// order: penalties -> top_k -> top_p -> temperature -> distribution.
func (s *Slot) SetupSampler(r task.Resolved) error {
	if s.sampler != nil {
		s.sampler.Close()
		s.sampler = nil
	}

	stages := []native.SamplerStrategy{
		{Kind: native.StrategyPenalties, Params: map[string]float64{
			"repeat_last_n":     64,
			"frequency_penalty": r.FrequencyPenalty,
			"presence_penalty":  r.PresencePenalty,
		}},
		{Kind: native.StrategyTopK, Params: map[string]float64{"top_k": float64(r.TopK)}},
		{Kind: native.StrategyTopP, Params: map[string]float64{"top_p": r.TopP}},
		{Kind: native.StrategyTemperature, Params: map[string]float64{"temperature": r.Temperature}},
		{Kind: native.StrategyDistribution, Params: map[string]float64{"seed": float64(r.Seed)}},
	}

	chain, err := s.samplerF.NewChain(stages)
	if err != nil {
		return fmt.Errorf("slot %d: build sampler chain: %w", s.Index, err)
	}
	s.sampler = chain
	return nil
}

// NextBatchTokens returns, given the batch's remaining capacity, either a
// prefill slice (prompt tokens not yet submitted) or a generation
// placeholder (empty slice, signaling this slot contributes one sampled
// token). ok is false if the slot is idle or remainingCapacity is 0.
func (s *Slot) NextBatchTokens(remainingCapacity int) (tokens []native.TokenID, position native.Position, ok bool) {
	if s.seq == nil || remainingCapacity <= 0 {
		return nil, 0, false
	}

	seq := s.seq
	if seq.PrefillCursor < seq.PromptTokenCount {
		n := seq.PromptTokenCount - seq.PrefillCursor
		if n > remainingCapacity {
			n = remainingCapacity
		}
		slice := seq.PromptTokens[seq.PrefillCursor : seq.PrefillCursor+n]
		pos := native.Position(seq.NPast)
		seq.PrefillCursor += n
		return slice, pos, true
	}

	// Prefill complete: generation placeholder.
	seq.State = StateGenerating
	return nil, native.Position(seq.NPast), true
}

// CommitPrefill advances n_past by n after a successful decode of a
// prefill slice of length n (NextBatchTokens already moved the prefill
// cursor). Generation-pass advancement is a separate, single-token step
// (CommitGeneratedToken) because a sampled token is decoded in a later
// scheduler iteration than the one that sampled it.
func (s *Slot) CommitPrefill(n int) {
	if s.seq == nil {
		return
	}
	s.seq.NPast += n
}

// SampleToken invokes the slot's sampler chain against ctx's last logits
// for this slot's seq id.
func (s *Slot) SampleToken(ctx native.Context) (native.TokenID, error) {
	if s.seq == nil {
		return 0, fmt.Errorf("slot %d: SampleToken called while idle", s.Index)
	}
	tok, err := s.sampler.Sample(ctx, native.SeqID(s.Index))
	if err != nil {
		return 0, fmt.Errorf("slot %d: sample: %w", s.Index, err)
	}
	return tok, nil
}

// AppendGenerated records a newly sampled token in generated_tokens.
func (s *Slot) AppendGenerated(tok native.TokenID) {
	s.seq.GeneratedTokens = append(s.seq.GeneratedTokens, tok)
}

// StreamDelta feeds a newly sampled, non-completing token through the
// slot's streaming detokenizer and returns the text delta to emit (may be
// empty; never invalid UTF-8).
func (s *Slot) StreamDelta(tok native.TokenID) string {
	return s.detok.Push(tok)
}

// DetokenizeGenerated renders the full generated_tokens list via the
// slot's scratch (non-streaming) detokenizer, for stop-matching and
// partial-stop scoring, without disturbing the streaming delta buffer.
func (s *Slot) DetokenizeGenerated() string {
	s.scratch.Reset()
	out := ""
	for _, tok := range s.seq.GeneratedTokens {
		out += s.scratch.Push(tok)
	}
	return out
}

// TruncateGenerated drops the last n tokens from generated_tokens, used
// when a stop sequence or partial-stop match requires rolling back tokens
// that were already sampled and counted.
func (s *Slot) TruncateGenerated(n int) {
	if n <= 0 {
		return
	}
	g := s.seq.GeneratedTokens
	if n > len(g) {
		n = len(g)
	}
	s.seq.GeneratedTokens = g[:len(g)-n]
}

// CommitGeneratedToken advances n_past by one after a successful decode of
// a single generated token.
func (s *Slot) CommitGeneratedToken() {
	if s.seq == nil {
		return
	}
	s.seq.NPast++
}

// StopTask transitions busy -> idle, clearing the ActiveSequence and
// closing the sampler chain. This releases exclusive ownership of the
// native context's KV storage for this slot's seq id.
func (s *Slot) StopTask() {
	if s.sampler != nil {
		s.sampler.Close()
		s.sampler = nil
	}
	s.seq = nil
	s.detok = nil
	s.scratch = nil
}
