//go:build llama_native

// Native-backed model loading, grounded on cmd/vision-benchmark's
// encoders_cgo.go build-tag split (a cgo-backed file paired with a no-cgo
// fallback in the same package).
package main

import (
	"context"
	"fmt"

	"github.com/coregen/llamasched/internal/modelmanager"
	"github.com/coregen/llamasched/internal/native"
)

// nativeLoader implements modelmanager.Loader by loading a gguf file
// through the native package and constructing its shared decode context.
type nativeLoader struct {
	nGPULayers int
}

func newLoader(nGPULayers int) modelmanager.Loader {
	return &nativeLoader{nGPULayers: nGPULayers}
}

func newSamplerFactory() native.SamplerFactory { return native.NewSamplerFactory() }

func (l *nativeLoader) LoadModel(ctx context.Context, cfg modelmanager.ModelConfig) (native.Model, native.Context, error) {
	model, err := native.LoadModelFromFile(cfg.Path, l.nGPULayers)
	if err != nil {
		return nil, nil, fmt.Errorf("load model file %q: %w", cfg.Path, err)
	}

	nctx := cfg.NCtx
	if nctx == 0 {
		nctx = model.NCtxTrain()
	}

	decodeCtx, err := native.NewContext(model, native.ContextParams{
		NCtx:    nctx,
		NBatch:  cfg.NBatch,
		NUbatch: cfg.NUbatch,
		NSeqMax: cfg.NParallel,
	})
	if err != nil {
		model.Close()
		return nil, nil, fmt.Errorf("construct context: %w", err)
	}
	return model, decodeCtx, nil
}
