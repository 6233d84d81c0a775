// Package modelmanager owns loading and caching native models so that
// concurrent requests for the same model path share one load instead of
// racing duplicate loads onto the GPU.
//
// Grounded on the original Rust source's ModelManager (main.rs constructs
// one ModelManager and hands clones to every request handler) and on the
// teacher's own runner/llamarunner/types.go, which caps concurrent
// sequence slots with a semaphore.Weighted (seqsSem); here the same
// x/sync/semaphore package caps how many models may be loading onto the
// GPU at once, a distinct concern from the singleflight coalescing of
// concurrent requests for the *same* model.
package modelmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/coregen/llamasched/internal/native"
)

// ModelConfig bundles everything needed to load one model and size its
// shared native context.
type ModelConfig struct {
	Path       string
	NGPULayers int
	NCtx       int
	NBatch     int
	NUbatch    int
	NParallel  int
}

// Loader loads a model and constructs its native context from a
// ModelConfig. Production code implements this with the llama_native
// build's cModel/cContext; tests supply a fake.
type Loader interface {
	LoadModel(ctx context.Context, cfg ModelConfig) (native.Model, native.Context, error)
}

// Handle is a loaded model and its shared decode context.
type Handle struct {
	Model   native.Model
	Context native.Context
	Config  ModelConfig
}

// Manager caches loaded models by path, coalescing concurrent loads of the
// same path into a single Loader.LoadModel call, and bounding how many
// distinct loads may run concurrently.
type Manager struct {
	loader  Loader
	group   singleflight.Group
	loadSem *semaphore.Weighted

	mu     sync.Mutex
	models map[string]*Handle
}

// New creates a Manager backed by loader. maxConcurrentLoads bounds how
// many distinct models may be loading onto the GPU at the same time; a
// value <= 0 means unbounded.
func New(loader Loader, maxConcurrentLoads int) *Manager {
	var sem *semaphore.Weighted
	if maxConcurrentLoads > 0 {
		sem = semaphore.NewWeighted(int64(maxConcurrentLoads))
	}
	return &Manager{
		loader:  loader,
		loadSem: sem,
		models:  make(map[string]*Handle),
	}
}

// GetOrLoadModel returns the cached Handle for cfg.Path, loading it if
// necessary. Concurrent callers requesting the same path block on the
// single in-flight load rather than each issuing their own.
func (m *Manager) GetOrLoadModel(ctx context.Context, cfg ModelConfig) (*Handle, error) {
	m.mu.Lock()
	if h, ok := m.models[cfg.Path]; ok {
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(cfg.Path, func() (any, error) {
		// Re-check under the singleflight key: another goroutine may have
		// populated the cache between our first check and acquiring this
		// call's turn.
		m.mu.Lock()
		if h, ok := m.models[cfg.Path]; ok {
			m.mu.Unlock()
			return h, nil
		}
		m.mu.Unlock()

		if m.loadSem != nil {
			if err := m.loadSem.Acquire(ctx, 1); err != nil {
				return nil, fmt.Errorf("acquire load slot for %q: %w", cfg.Path, err)
			}
			defer m.loadSem.Release(1)
		}

		slog.Info("loading model", "path", cfg.Path, "n_parallel", cfg.NParallel, "n_ctx", cfg.NCtx)
		model, nctx, err := m.loader.LoadModel(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("load model %q: %w", cfg.Path, err)
		}

		h := &Handle{Model: model, Context: nctx, Config: cfg}
		m.mu.Lock()
		m.models[cfg.Path] = h
		m.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// Evict removes a cached model and closes its decode context, for explicit
// unload requests; native.Model has no Close, so only the context is
// closed. It is a no-op if path was never loaded.
func (m *Manager) Evict(path string) error {
	m.mu.Lock()
	h, ok := m.models[path]
	if ok {
		delete(m.models, path)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return h.Context.Close()
}

// Loaded returns the paths of every currently resident model.
func (m *Manager) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.models))
	for p := range m.models {
		paths = append(paths, p)
	}
	return paths
}
