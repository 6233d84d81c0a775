// Package processor implements the continuous-batching scheduling loop:
// admitting queued tasks into idle slots, composing one decode batch per
// iteration from every active slot's contribution (prefill or generation),
// decoding, sampling, and retiring finished slots.
//
// Grounded on runner/llamarunner/batch.go's processBatch (the cond-guarded
// "wait for work, compose one batch across every sequence, decode once,
// then sample/stop-check per sequence" loop shape) and
// runner/llamarunner/server.go's run/NewSequence/removeSequence, adapted
// from ollama's per-sequence prompt-cache/shift model to the simpler
// fixed-n_ctx-per-slot model the original Rust parallel.rs implements
// (ParallelProcessor::process_batch / collect_batch_slots /
// generate_tokens / check_stop_sequences / find_tokens_to_remove).
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/coregen/llamasched/internal/batch"
	"github.com/coregen/llamasched/internal/native"
	"github.com/coregen/llamasched/internal/slot"
	"github.com/coregen/llamasched/internal/stopmatch"
	"github.com/coregen/llamasched/internal/task"
	"github.com/coregen/llamasched/internal/tokenizer"
)

// Processor owns a fixed set of slots sharing one native context and
// drives the admit/batch/decode/sample loop until its context is
// cancelled.
type Processor struct {
	model      native.Model
	ctx        native.Context
	factory    native.SamplerFactory
	randomSeed func() uint32
	nCtx       int

	slots []*slot.Slot
	buf   *batch.Buffer

	admitted chan task.Task

	mu   sync.Mutex
	cond *sync.Cond
	// pending holds tasks popped off admitted but not yet assigned a
	// slot, preserving FIFO order across iterations when more tasks
	// arrive than there are free slots.
	pending []task.Task
}

// Config sizes a Processor.
type Config struct {
	NParallel       int
	NBatch          int
	TaskQueueLength int
	// NCtx is the shared native context's total length, used to retire a
	// sequence before it overruns the context window. 0 disables the check
	// (callers that never resolved a context length, e.g. some tests).
	NCtx int
	// RandomSeed supplies a fresh sampling seed for tasks that leave Seed
	// unset. Defaults to a math/rand/v2-backed source if nil.
	RandomSeed func() uint32
}

// New builds a Processor with NParallel idle slots over ctx/model, and an
// admission queue of capacity cfg.TaskQueueLength.
func New(model native.Model, nctx native.Context, factory native.SamplerFactory, cfg Config) *Processor {
	randomSeed := cfg.RandomSeed
	if randomSeed == nil {
		randomSeed = func() uint32 { return rand.Uint32() }
	}

	p := &Processor{
		model:      model,
		ctx:        nctx,
		factory:    factory,
		randomSeed: randomSeed,
		nCtx:       cfg.NCtx,
		buf:        batch.NewBuffer(cfg.NBatch),
		admitted:   make(chan task.Task, cfg.TaskQueueLength),
	}
	p.cond = sync.NewCond(&p.mu)

	vocab := model.Vocab()
	for i := 0; i < cfg.NParallel; i++ {
		p.slots = append(p.slots, slot.New(i, vocab, factory))
	}
	return p
}

// Submit enqueues t without blocking. It returns a *task.SubmitError
// wrapping task.ErrQueueFull if the admission queue is saturated, or
// task.ErrQueueClosed once Close has been called.
func (p *Processor) Submit(t task.Task) (err error) {
	defer func() {
		// A send on the admission channel after Close panics; report it as
		// a closed queue instead.
		if recover() != nil {
			err = &task.SubmitError{TaskID: t.ID, Err: task.ErrQueueClosed}
		}
	}()
	select {
	case p.admitted <- t:
		p.cond.L.Lock()
		p.cond.Signal()
		p.cond.L.Unlock()
		return nil
	default:
		return &task.SubmitError{TaskID: t.ID, Err: task.ErrQueueFull}
	}
}

// Close stops accepting new tasks. In-flight slots continue to completion.
func (p *Processor) Close() {
	close(p.admitted)
}

// Run drives the scheduling loop until ctx is cancelled. It never returns
// an error for a single bad task or a single failed decode: those are
// reported on the offending task's response channel and the loop
// continues.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.drainAdmitted()
		p.assignIdleSlots()

		if p.allIdle() {
			// Nothing to do: block on the condition variable instead of
			// busy-polling, mirroring the cond.Wait() gate in
			// runner/llamarunner's processBatch.
			if !p.waitForWork(ctx) {
				return ctx.Err()
			}
			continue
		}

		if err := p.step(); err != nil {
			return fmt.Errorf("processor step: %w", err)
		}
	}
}

// drainAdmitted moves every task currently sitting in the admission
// channel into pending, without blocking.
func (p *Processor) drainAdmitted() {
	for {
		select {
		case t, ok := <-p.admitted:
			if !ok {
				return
			}
			p.mu.Lock()
			p.pending = append(p.pending, t)
			p.mu.Unlock()
		default:
			return
		}
	}
}

// assignIdleSlots starts as many pending tasks as there are idle slots,
// tokenizing the prompt and building the stop matcher on the loop
// goroutine before the slot joins a decode batch.
func (p *Processor) assignIdleSlots() {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for _, s := range p.slots {
		if !s.IsIdle() {
			continue
		}

		p.mu.Lock()
		if len(p.pending) == 0 {
			p.mu.Unlock()
			break
		}
		t := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		p.startTask(s, t)
	}
}

func (p *Processor) startTask(s *slot.Slot, t task.Task) {
	promptTokens, err := tokenizer.Tokenize(p.model, t.Prompt)
	if err != nil {
		p.sendError(t, task.ErrorKindTokenization)
		return
	}

	resolved := t.Params.Resolve(p.randomSeed)

	matcher := stopmatch.New(t.Stop, func(s string) ([]native.TokenID, error) {
		return tokenizer.Tokenize(p.model, s)
	})

	if err := s.StartTask(slot.Task{ID: t.ID, ResponseTx: t.ResponseTx}, promptTokens, resolved, matcher); err != nil {
		p.sendError(t, task.ErrorKindInternal)
		return
	}
	if err := s.SetupSampler(resolved); err != nil {
		s.StopTask()
		p.sendError(t, task.ErrorKindSampler)
		return
	}
}

func (p *Processor) sendError(t task.Task, kind task.ErrorKind) {
	select {
	case t.ResponseTx <- task.Response{Kind: task.ResponseError, Err: kind}:
	default:
		slog.Warn("dropping error response: receiver not ready", "task_id", t.ID, "kind", kind.String())
	}
}

func (p *Processor) allIdle() bool {
	for _, s := range p.slots {
		if !s.IsIdle() {
			return false
		}
	}
	p.mu.Lock()
	empty := len(p.pending) == 0
	p.mu.Unlock()
	return empty
}

// waitForWork blocks until Submit signals new admission or ctx is
// cancelled. Returns false if ctx was cancelled.
func (p *Processor) waitForWork(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.cond.L.Lock()
		defer p.cond.L.Unlock()
		if len(p.admitted) == 0 {
			p.cond.Wait()
		}
	}()

	select {
	case <-ctx.Done():
		p.cond.Broadcast()
		<-done
		return false
	case <-done:
		return ctx.Err() == nil
	}
}

// step composes one decode batch from every active slot, decodes it, and
// advances sampling/stop-checking for each slot that contributed to it.
func (p *Processor) step() error {
	p.buf.Reset()

	type contribution struct {
		s            *slot.Slot
		wasPrefill   bool
		prefillCount int
		// skipDecode marks a slot that contributes nothing to this
		// iteration's decode batch because it has nothing new to decode:
		// prefill's final decode already produced the logits it samples
		// from this pass.
		skipDecode bool
	}
	var contributions []contribution

	for _, s := range p.slots {
		if s.IsIdle() {
			continue
		}
		if p.buf.Remaining() <= 0 {
			break
		}

		before := s.Sequence().State
		toks, pos, ok := s.NextBatchTokens(p.buf.Remaining())
		if !ok {
			continue
		}

		if before == slot.StatePrefilling && len(toks) > 0 {
			for i, tok := range toks {
				wantsLogits := i == len(toks)-1
				p.buf.Add(tok, native.Position(int(pos)+i), native.SeqID(s.Index), wantsLogits)
			}
			contributions = append(contributions, contribution{s: s, wasPrefill: true, prefillCount: len(toks)})
			continue
		}

		seq := s.Sequence()
		if len(seq.GeneratedTokens) == 0 && seq.PromptTokenCount > 0 {
			// First generation step right after prefill completes:
			// prefill's final decode already produced logits for this seq
			// id at n_past-1, so re-adding the last prompt token here
			// would both duplicate it in the KV cache and sample from
			// re-run logits instead of prefill's.
			contributions = append(contributions, contribution{s: s, skipDecode: true})
			continue
		}

		// Generation placeholder: one token, the slot's last sampled
		// token (or, for a prompt that tokenized to nothing, a throwaway
		// token just to produce logits to sample the first token from).
		var tok native.TokenID
		if n := len(seq.GeneratedTokens); n > 0 {
			tok = seq.GeneratedTokens[n-1]
		}
		p.buf.Add(tok, pos, native.SeqID(s.Index), true)
		contributions = append(contributions, contribution{s: s})
	}

	if p.buf.Len() == 0 && len(contributions) == 0 {
		return nil
	}

	if p.buf.Len() > 0 {
		if err := p.ctx.Decode(p.buf); err != nil {
			// A decode failure is fatal to this batch, not the process:
			// every slot that contributed to it gets a decode error and
			// is freed so the loop can keep serving other slots. Slots that
			// skipped decode this pass weren't part of the failed call.
			slog.Error("decode failed", "error", err)
			for _, c := range contributions {
				if !c.skipDecode {
					p.failSlot(c.s, task.ErrorKindDecode)
				}
			}
			return nil
		}
	}

	for _, c := range contributions {
		if c.wasPrefill {
			c.s.CommitPrefill(c.prefillCount)
			continue
		}
		if !c.skipDecode {
			// The slot's last sampled token was decoded at n_past.
			c.s.CommitGeneratedToken()
		}
		p.advanceGeneration(c.s)
	}
	return nil
}

// advanceGeneration samples one token for s, streams or finalizes the
// response, and frees the slot when the sequence is complete.
func (p *Processor) advanceGeneration(s *slot.Slot) {
	seq := s.Sequence()

	tok, err := s.SampleToken(p.ctx)
	if err != nil {
		p.failSlot(s, task.ErrorKindSampler)
		return
	}
	s.AppendGenerated(tok)

	// Priority 1: the context window is about to run out. The token just
	// sampled is kept in generated_tokens and counted, but it is never
	// decoded: the sequence can't advance further.
	if p.nCtx > 0 && seq.NPast >= p.nCtx-1 {
		p.finishSlot(s, 0)
		return
	}

	vocab := p.model.Vocab()

	// Priority 2: end-of-generation. The terminator itself is discarded
	// from generated_tokens.
	if vocab.IsEndOfGeneration(tok) {
		p.finishSlot(s, 1)
		return
	}

	// Priority 3: a configured stop sequence matched, ahead of max_tokens
	// so a stop string landing on the boundary token never survives into
	// the reported completion or an already-streamed delta.
	if !seq.StopMatcher.Empty() {
		if n, ok := seq.StopMatcher.CheckTokenStop(seq.GeneratedTokens); ok {
			p.finishSlot(s, n)
			return
		}

		text := s.DetokenizeGenerated()
		if truncLen, ok := seq.StopMatcher.CheckStringStop(text); ok {
			removed := stopmatch.TokensToRemove(seq.GeneratedTokens, text, truncLen, func(toks []native.TokenID) string {
				return tokenizer.DetokenizeAll(vocab, toks)
			})
			p.finishSlot(s, removed)
			return
		}

		// A partial stop-sequence prefix may still be forming at the tail
		// of the text; hold back streaming it until it resolves one way
		// or the other on a later token. At max_tokens there is no later
		// token, so the partial is left to finishMaxTokens to trim.
		if _, ok := seq.StopMatcher.FindPartialStop(text); ok &&
			(seq.Resolved.MaxTokens <= 0 || len(seq.GeneratedTokens) < seq.Resolved.MaxTokens) {
			return
		}
	}

	// Priority 4: max_tokens reached; finishMaxTokens trims any trailing
	// partial stop sequence.
	if seq.Resolved.MaxTokens > 0 && len(seq.GeneratedTokens) >= seq.Resolved.MaxTokens {
		p.finishMaxTokens(s)
		return
	}

	delta := s.StreamDelta(tok)
	if delta == "" {
		return
	}
	select {
	case seq.Task.ResponseTx <- task.Response{Kind: task.ResponseToken, Token: delta}:
	default:
		slog.Warn("dropping token response: receiver not ready", "task_id", seq.Task.ID)
	}
}

// finishMaxTokens handles the max_tokens boundary, where a stop sequence
// may have been partially formed in the last few generated tokens and
// should be trimmed rather than surfaced as a dangling fragment.
func (p *Processor) finishMaxTokens(s *slot.Slot) {
	seq := s.Sequence()
	removed := 0
	if !seq.StopMatcher.Empty() {
		text := s.DetokenizeGenerated()
		vocab := p.model.Vocab()
		if suffixLen, ok := seq.StopMatcher.FindPartialStop(text); ok {
			removed = stopmatch.TokensToRemove(seq.GeneratedTokens, text, suffixLen, func(toks []native.TokenID) string {
				return tokenizer.DetokenizeAll(vocab, toks)
			})
		}
	}
	p.finishSlot(s, removed)
}

// finishSlot sends the terminal completion response, trimming removedTail
// generated tokens from the reported completion count, and returns the
// slot to idle.
func (p *Processor) finishSlot(s *slot.Slot, removedTail int) {
	seq := s.Sequence()
	if removedTail > 0 {
		s.TruncateGenerated(removedTail)
	}
	resp := task.Response{
		Kind:             task.ResponseComplete,
		PromptTokens:     seq.PromptTokenCount,
		CompletionTokens: len(seq.GeneratedTokens),
	}
	select {
	case seq.Task.ResponseTx <- resp:
	default:
		slog.Warn("dropping completion response: receiver not ready", "task_id", seq.Task.ID)
	}
	s.StopTask()
}

func (p *Processor) failSlot(s *slot.Slot, kind task.ErrorKind) {
	seq := s.Sequence()
	if seq == nil {
		return
	}
	select {
	case seq.Task.ResponseTx <- task.Response{Kind: task.ResponseError, Err: kind}:
	default:
		slog.Warn("dropping error response: receiver not ready", "task_id", seq.Task.ID, "kind", kind.String())
	}
	s.StopTask()
}

