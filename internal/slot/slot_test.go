package slot

import (
	"testing"

	"github.com/coregen/llamasched/internal/native"
	"github.com/coregen/llamasched/internal/native/fake"
	"github.com/coregen/llamasched/internal/stopmatch"
	"github.com/coregen/llamasched/internal/task"
)

func newTestSlot(t *testing.T) (*Slot, *fake.Vocab) {
	t.Helper()
	v := fake.NewVocab([]string{"hello", "world", "foo"})
	factory := fake.Factory{Ctx: fake.NewContext(native.ContextParams{NBatch: 32})}
	return New(0, v, factory), v
}

func startedTask(t *testing.T) Task {
	t.Helper()
	return Task{ID: "t1", ResponseTx: make(chan task.Response, 8)}
}

func TestStartTaskRejectsWhenBusy(t *testing.T) {
	s, _ := newTestSlot(t)
	resolved := task.Resolved{Temperature: 1, TopK: 40, TopP: 0.9}
	if err := s.StartTask(startedTask(t), []native.TokenID{0, 1}, resolved, stopmatch.New(nil, nil)); err != nil {
		t.Fatalf("first StartTask: %v", err)
	}
	if err := s.StartTask(startedTask(t), []native.TokenID{0}, resolved, stopmatch.New(nil, nil)); err == nil {
		t.Fatal("expected StartTask to reject a second call while busy")
	}
}

func TestNextBatchTokensPrefillThenGenerate(t *testing.T) {
	s, _ := newTestSlot(t)
	resolved := task.Resolved{Temperature: 1, TopK: 40, TopP: 0.9}
	prompt := []native.TokenID{0, 1, 2}
	if err := s.StartTask(startedTask(t), prompt, resolved, stopmatch.New(nil, nil)); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	toks, pos, ok := s.NextBatchTokens(2)
	if !ok || len(toks) != 2 || pos != 0 {
		t.Fatalf("first NextBatchTokens = (%v, %v, %v), want a 2-token prefill slice at pos 0", toks, pos, ok)
	}
	if s.Sequence().State != StatePrefilling {
		t.Fatalf("state after partial prefill = %v, want prefilling", s.Sequence().State)
	}
	s.CommitPrefill(len(toks))

	toks, pos, ok = s.NextBatchTokens(8)
	if !ok || len(toks) != 1 || pos != 2 {
		t.Fatalf("second NextBatchTokens = (%v, %v, %v), want the remaining 1-token prefill slice at pos 2", toks, pos, ok)
	}
	s.CommitPrefill(len(toks))

	_, pos, ok = s.NextBatchTokens(8)
	if !ok {
		t.Fatal("expected a generation placeholder once prefill is complete")
	}
	if pos != 3 {
		t.Fatalf("generation placeholder position = %v, want 3 (n_past after prefill)", pos)
	}
	if s.Sequence().State != StateGenerating {
		t.Fatalf("state after prefill completes = %v, want generating", s.Sequence().State)
	}
}

func TestNextBatchTokensIdleOrNoCapacity(t *testing.T) {
	s, _ := newTestSlot(t)
	if _, _, ok := s.NextBatchTokens(4); ok {
		t.Fatal("expected NextBatchTokens to return ok=false on an idle slot")
	}
	resolved := task.Resolved{Temperature: 1}
	s.StartTask(startedTask(t), []native.TokenID{0}, resolved, stopmatch.New(nil, nil))
	if _, _, ok := s.NextBatchTokens(0); ok {
		t.Fatal("expected NextBatchTokens to return ok=false with zero remaining capacity")
	}
}

func TestStreamDeltaAndDetokenizeGenerated(t *testing.T) {
	s, _ := newTestSlot(t)
	resolved := task.Resolved{Temperature: 1}
	s.StartTask(startedTask(t), []native.TokenID{0}, resolved, stopmatch.New(nil, nil))

	s.AppendGenerated(1)
	delta := s.StreamDelta(1)
	if delta == "" {
		t.Fatal("expected a non-empty streaming delta for a whole-word token")
	}

	s.AppendGenerated(2)
	full := s.DetokenizeGenerated()
	if full == "" {
		t.Fatal("expected DetokenizeGenerated to render both generated tokens")
	}
}

func TestTruncateGenerated(t *testing.T) {
	s, _ := newTestSlot(t)
	resolved := task.Resolved{Temperature: 1}
	s.StartTask(startedTask(t), []native.TokenID{0}, resolved, stopmatch.New(nil, nil))
	s.AppendGenerated(1)
	s.AppendGenerated(2)
	s.AppendGenerated(0)
	s.TruncateGenerated(2)
	if got := len(s.Sequence().GeneratedTokens); got != 1 {
		t.Fatalf("GeneratedTokens length after truncate = %d, want 1", got)
	}
	s.TruncateGenerated(10) // clamps rather than going negative
	if got := len(s.Sequence().GeneratedTokens); got != 0 {
		t.Fatalf("GeneratedTokens length after over-truncate = %d, want 0", got)
	}
}

func TestCommitGeneratedTokenAdvancesNPast(t *testing.T) {
	s, _ := newTestSlot(t)
	resolved := task.Resolved{Temperature: 1}
	s.StartTask(startedTask(t), []native.TokenID{0, 1}, resolved, stopmatch.New(nil, nil))
	s.CommitPrefill(2)
	s.CommitGeneratedToken()
	if s.Sequence().NPast != 3 {
		t.Fatalf("NPast = %d, want 3", s.Sequence().NPast)
	}
}

func TestStopTaskReturnsSlotToIdle(t *testing.T) {
	s, _ := newTestSlot(t)
	resolved := task.Resolved{Temperature: 1}
	s.StartTask(startedTask(t), []native.TokenID{0}, resolved, stopmatch.New(nil, nil))
	s.SetupSampler(resolved)
	if s.IsIdle() {
		t.Fatal("slot should be busy after StartTask")
	}
	s.StopTask()
	if !s.IsIdle() {
		t.Fatal("slot should be idle after StopTask")
	}
	if s.Sequence() != nil {
		t.Fatal("Sequence() should be nil after StopTask")
	}
}

func TestSetupSamplerBuildsFixedStageOrder(t *testing.T) {
	s, _ := newTestSlot(t)
	resolved := task.Resolved{Temperature: 1, TopK: 40, TopP: 0.9, FrequencyPenalty: 0.1, PresencePenalty: 0.2, Seed: 7}
	s.StartTask(startedTask(t), []native.TokenID{0}, resolved, stopmatch.New(nil, nil))
	if err := s.SetupSampler(resolved); err != nil {
		t.Fatalf("SetupSampler: %v", err)
	}
	if s.sampler == nil {
		t.Fatal("expected a sampler chain to be built")
	}
}
