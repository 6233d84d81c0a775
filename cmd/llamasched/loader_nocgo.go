//go:build !llama_native

// Fallback for builds without the native runtime compiled in, grounded on
// cmd/vision-benchmark's encoders_nocgo.go ("no native implementation
// available" stub paired with the tagged implementation).
package main

import (
	"context"
	"errors"

	"github.com/coregen/llamasched/internal/modelmanager"
	"github.com/coregen/llamasched/internal/native"
	"github.com/coregen/llamasched/internal/native/fake"
)

var errNativeNotCompiledIn = errors.New("llamasched: built without -tags llama_native; no tensor runtime available")

type nativeLoader struct {
	nGPULayers int
}

func newLoader(nGPULayers int) modelmanager.Loader {
	return &nativeLoader{nGPULayers: nGPULayers}
}

// newSamplerFactory returns a fake factory; it is never exercised since
// LoadModel below always fails, but keeps this file's symbol set
// symmetric with loader_native.go's.
func newSamplerFactory() native.SamplerFactory { return fake.Factory{} }

func (l *nativeLoader) LoadModel(ctx context.Context, cfg modelmanager.ModelConfig) (native.Model, native.Context, error) {
	return nil, nil, errNativeNotCompiledIn
}
