package processor

import (
	"context"
	"testing"
	"time"

	"github.com/coregen/llamasched/internal/native"
	"github.com/coregen/llamasched/internal/native/fake"
	"github.com/coregen/llamasched/internal/task"
)

func newTestProcessor(t *testing.T, nParallel, nBatch, queueLen int) (*Processor, *fake.Vocab, *fake.Context) {
	t.Helper()
	v := fake.NewVocab([]string{"hello", "world"})
	v.AddEOG(2)
	m := fake.NewModel(v)
	c := fake.NewContext(native.ContextParams{NBatch: nBatch})
	factory := fake.Factory{Ctx: c}
	p := New(m, c, factory, Config{
		NParallel:       nParallel,
		NBatch:          nBatch,
		TaskQueueLength: queueLen,
		RandomSeed:      func() uint32 { return 1 },
	})
	return p, v, c
}

func TestProcessorEndToEndGeneratesThenCompletes(t *testing.T) {
	p, _, c := newTestProcessor(t, 1, 16, 4)
	c.ScriptSeq(native.SeqID(0), []native.TokenID{0, 2}) // "hello" then end-of-generation

	respCh := make(chan task.Response, 8)
	if err := p.Submit(task.Task{ID: "t1", Prompt: "hello world", ResponseTx: respCh}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	var gotToken, gotComplete task.Response
	var haveToken, haveComplete bool
	for !haveToken || !haveComplete {
		select {
		case r := <-respCh:
			switch r.Kind {
			case task.ResponseToken:
				gotToken, haveToken = r, true
			case task.ResponseComplete:
				gotComplete, haveComplete = r, true
			case task.ResponseError:
				t.Fatalf("unexpected error response: %v", r.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for a token and completion response")
		}
	}

	if gotToken.Token != "hello" {
		t.Fatalf("streamed token = %q, want %q", gotToken.Token, "hello")
	}
	if gotComplete.PromptTokens != 2 {
		t.Fatalf("PromptTokens = %d, want 2", gotComplete.PromptTokens)
	}
	if gotComplete.CompletionTokens != 1 {
		t.Fatalf("CompletionTokens = %d, want 1 (the end-of-generation token is discarded)", gotComplete.CompletionTokens)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestSubmitReturnsErrQueueFullWhenSaturated(t *testing.T) {
	p, _, _ := newTestProcessor(t, 1, 16, 1)
	respCh := make(chan task.Response, 1)

	if err := p.Submit(task.Task{ID: "t1", Prompt: "hello", ResponseTx: respCh}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	err := p.Submit(task.Task{ID: "t2", Prompt: "hello", ResponseTx: respCh})
	if err == nil {
		t.Fatal("expected the second Submit to fail once the queue is saturated")
	}
	se, ok := err.(*task.SubmitError)
	if !ok {
		t.Fatalf("error type = %T, want *task.SubmitError", err)
	}
	if se.Err != task.ErrQueueFull {
		t.Fatalf("wrapped error = %v, want task.ErrQueueFull", se.Err)
	}
}

func TestDecodeFailureFailsSlotNotProcess(t *testing.T) {
	p, _, c := newTestProcessor(t, 1, 16, 4)
	c.FailNextDecode()

	respCh := make(chan task.Response, 8)
	if err := p.Submit(task.Task{ID: "t1", Prompt: "hello world", ResponseTx: respCh}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case r := <-respCh:
		if r.Kind != task.ResponseError || r.Err != task.ErrorKindDecode {
			t.Fatalf("response = %+v, want a decode ResponseError", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the decode-failure response")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestIndependentSlotsMakeProgress(t *testing.T) {
	p, _, _ := newTestProcessor(t, 2, 16, 4)

	// One slot gets an empty prompt (tokenizes to zero tokens, so it skips
	// straight to generation); confirm the other slot still makes progress
	// on its own schedule rather than waiting on the first.
	respA := make(chan task.Response, 8)
	respB := make(chan task.Response, 8)
	if err := p.Submit(task.Task{ID: "a", Prompt: "", ResponseTx: respA}); err != nil {
		t.Fatalf("Submit a: %v", err)
	}
	if err := p.Submit(task.Task{ID: "b", Prompt: "hello", ResponseTx: respB}); err != nil {
		t.Fatalf("Submit b: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Task b has no stop sequence and the fake sampler never reaches EOG on
	// its own; its unscripted tokens have no piece text, so b streams no
	// deltas and completes at max_tokens. Just confirm it reaches a
	// non-error response without task a wedging the loop.
	select {
	case r := <-respB:
		if r.Kind == task.ResponseError {
			t.Fatalf("task b unexpectedly errored: %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task b to make progress")
	}
}

func TestProcessorContextExhaustionCompletesWithMaxTokensShape(t *testing.T) {
	v := fake.NewVocab([]string{"hello", "world"})
	v.AddEOG(2)
	m := fake.NewModel(v)
	c := fake.NewContext(native.ContextParams{NBatch: 16})
	factory := fake.Factory{Ctx: c}
	// Prompt "hello world" prefills to n_past=2, which with NCtx=3 already
	// meets n_past >= NCtx-1, so the sequence must retire right after its
	// first sampled token rather than sample a second.
	p := New(m, c, factory, Config{
		NParallel:       1,
		NBatch:          16,
		TaskQueueLength: 4,
		NCtx:            3,
		RandomSeed:      func() uint32 { return 1 },
	})
	c.ScriptSeq(native.SeqID(0), []native.TokenID{0, 1})

	respCh := make(chan task.Response, 8)
	if err := p.Submit(task.Task{ID: "t1", Prompt: "hello world", ResponseTx: respCh}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case r := <-respCh:
		if r.Kind != task.ResponseComplete {
			t.Fatalf("response kind = %v, want ResponseComplete", r.Kind)
		}
		if r.PromptTokens != 2 {
			t.Fatalf("PromptTokens = %d, want 2", r.PromptTokens)
		}
		if r.CompletionTokens != 1 {
			t.Fatalf("CompletionTokens = %d, want 1 (the exhausting token is kept, not discarded)", r.CompletionTokens)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the context-exhaustion completion")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestProcessorFirstGenerationStepDoesNotRedecodeLastPromptToken(t *testing.T) {
	p, _, c := newTestProcessor(t, 1, 16, 4)
	c.ScriptSeq(native.SeqID(0), []native.TokenID{0, 2}) // "hello" then end-of-generation

	respCh := make(chan task.Response, 8)
	if err := p.Submit(task.Task{ID: "t1", Prompt: "hello world", ResponseTx: respCh}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	for haveComplete := false; !haveComplete; {
		select {
		case r := <-respCh:
			if r.Kind == task.ResponseError {
				t.Fatalf("unexpected error response: %v", r.Err)
			}
			haveComplete = r.Kind == task.ResponseComplete
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for completion")
		}
	}

	// One decode for the two-token prompt prefill, one more to decode the
	// sampled "hello" token ahead of sampling the end-of-generation token.
	// The first generation step samples straight off prefill's logits and
	// contributes no decode of its own; a third call here would mean the
	// last prompt token was redundantly redecoded.
	if got := c.DecodeCalls(); got != 2 {
		t.Fatalf("DecodeCalls() = %d, want 2", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}
