package modelmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coregen/llamasched/internal/native"
	"github.com/coregen/llamasched/internal/native/fake"
)

// countingLoader records how many times LoadModel actually ran and can hold
// each call open until release is closed, to deterministically overlap
// concurrent callers.
type countingLoader struct {
	calls   int32
	release chan struct{}
}

func (l *countingLoader) LoadModel(ctx context.Context, cfg ModelConfig) (native.Model, native.Context, error) {
	atomic.AddInt32(&l.calls, 1)
	if l.release != nil {
		<-l.release
	}
	v := fake.NewVocab(nil)
	return fake.NewModel(v), fake.NewContext(native.ContextParams{}), nil
}

func TestGetOrLoadModelCachesByPath(t *testing.T) {
	l := &countingLoader{}
	m := New(l, 0)

	cfg := ModelConfig{Path: "a.gguf"}
	h1, err := m.GetOrLoadModel(context.Background(), cfg)
	if err != nil {
		t.Fatalf("first GetOrLoadModel: %v", err)
	}
	h2, err := m.GetOrLoadModel(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second GetOrLoadModel: %v", err)
	}
	if h1 != h2 {
		t.Fatal("expected the same cached *Handle on a second call for the same path")
	}
	if atomic.LoadInt32(&l.calls) != 1 {
		t.Fatalf("LoadModel calls = %d, want 1", l.calls)
	}
}

func TestGetOrLoadModelCoalescesConcurrentCallers(t *testing.T) {
	l := &countingLoader{release: make(chan struct{})}
	m := New(l, 0)
	cfg := ModelConfig{Path: "a.gguf"}

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	results := make([]*Handle, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			h, err := m.GetOrLoadModel(context.Background(), cfg)
			if err != nil {
				t.Errorf("GetOrLoadModel[%d]: %v", i, err)
				return
			}
			results[i] = h
		}(i)
	}

	// Give every goroutine a chance to block inside LoadModel before
	// releasing it, so they all observe the in-flight singleflight call.
	time.Sleep(50 * time.Millisecond)
	close(l.release)
	wg.Wait()

	if got := atomic.LoadInt32(&l.calls); got != 1 {
		t.Fatalf("LoadModel calls = %d, want exactly 1 (coalesced)", got)
	}
	for i, h := range results {
		if h != results[0] {
			t.Fatalf("result[%d] = %p, want the same handle as result[0] = %p", i, h, results[0])
		}
	}
}

func TestLoadSemaphoreCapsConcurrentLoads(t *testing.T) {
	l := &countingLoader{release: make(chan struct{})}
	m := New(l, 1) // at most one model loading at a time

	var inflight int32
	var maxInflight int32
	wrapped := &trackingLoader{inner: l, inflight: &inflight, max: &maxInflight}
	m.loader = wrapped

	var wg sync.WaitGroup
	paths := []string{"a.gguf", "b.gguf", "c.gguf"}
	wg.Add(len(paths))
	for _, p := range paths {
		go func(p string) {
			defer wg.Done()
			if _, err := m.GetOrLoadModel(context.Background(), ModelConfig{Path: p}); err != nil {
				t.Errorf("GetOrLoadModel(%s): %v", p, err)
			}
		}(p)
	}

	time.Sleep(50 * time.Millisecond)
	close(l.release)
	wg.Wait()

	if got := atomic.LoadInt32(&maxInflight); got > 1 {
		t.Fatalf("observed %d concurrent loads, want at most 1", got)
	}
}

type trackingLoader struct {
	inner    *countingLoader
	inflight *int32
	max      *int32
}

func (l *trackingLoader) LoadModel(ctx context.Context, cfg ModelConfig) (native.Model, native.Context, error) {
	n := atomic.AddInt32(l.inflight, 1)
	defer atomic.AddInt32(l.inflight, -1)
	for {
		old := atomic.LoadInt32(l.max)
		if n <= old || atomic.CompareAndSwapInt32(l.max, old, n) {
			break
		}
	}
	return l.inner.LoadModel(ctx, cfg)
}

func TestEvictRemovesAndClosesModel(t *testing.T) {
	l := &countingLoader{}
	m := New(l, 0)
	cfg := ModelConfig{Path: "a.gguf"}
	if _, err := m.GetOrLoadModel(context.Background(), cfg); err != nil {
		t.Fatalf("GetOrLoadModel: %v", err)
	}
	if err := m.Evict(cfg.Path); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if loaded := m.Loaded(); len(loaded) != 0 {
		t.Fatalf("Loaded() after Evict = %v, want empty", loaded)
	}
}

func TestEvictUnknownPathIsNoOp(t *testing.T) {
	m := New(&countingLoader{}, 0)
	if err := m.Evict("never-loaded.gguf"); err != nil {
		t.Fatalf("Evict on unknown path: %v", err)
	}
}

func TestLoadedListsResidentPaths(t *testing.T) {
	m := New(&countingLoader{}, 0)
	if _, err := m.GetOrLoadModel(context.Background(), ModelConfig{Path: "a.gguf"}); err != nil {
		t.Fatalf("GetOrLoadModel a: %v", err)
	}
	if _, err := m.GetOrLoadModel(context.Background(), ModelConfig{Path: "b.gguf"}); err != nil {
		t.Fatalf("GetOrLoadModel b: %v", err)
	}
	loaded := m.Loaded()
	if len(loaded) != 2 {
		t.Fatalf("Loaded() = %v, want 2 entries", loaded)
	}
}
