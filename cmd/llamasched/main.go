// Command llamasched runs the continuous-batching scheduler as a standalone
// HTTP service: it loads models on demand via the model manager, drives one
// Processor per loaded model, and serves an OpenAI-shaped
// /v1/chat/completions endpoint over gin.
//
// Grounded on the original Rust source's main.rs (Args: --address,
// --model-directory, --n-ctx, --n-parallel, --n-batch, --n-ubatch,
// --preload-model) and on this module's cmd package flag-parsing style,
// simplified to a single flag.FlagSet since this binary has one
// subcommand, not cobra's many.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/coregen/llamasched/internal/envconfig"
	"github.com/coregen/llamasched/internal/httpapi"
	"github.com/coregen/llamasched/internal/modelmanager"
	"github.com/coregen/llamasched/internal/processor"
)

type args struct {
	address         string
	modelDirectory  string
	nCtx            int
	nParallel       int
	nBatch          int
	nUbatch         int
	preloadModel    string
	nGPULayers      int
	maxLoadedModels int
}

func parseArgs(fs *flag.FlagSet, argv []string) (*args, error) {
	a := &args{}
	fs.StringVar(&a.address, "address", envconfig.Host(), "listen address")
	fs.StringVar(&a.modelDirectory, "model-directory", "models", "directory containing .gguf model files")
	fs.IntVar(&a.nCtx, "n-ctx", envconfig.NCtx(), "total context length shared across slots (0 = model default)")
	fs.IntVar(&a.nParallel, "n-parallel", envconfig.NParallel(), "number of concurrent generation slots")
	fs.IntVar(&a.nBatch, "n-batch", envconfig.NBatch(), "maximum tokens submitted per decode call")
	fs.IntVar(&a.nUbatch, "n-ubatch", envconfig.NUbatch(), "native physical micro-batch size")
	fs.StringVar(&a.preloadModel, "preload-model", envconfig.ModelPreload(), "model file to preload on startup")
	fs.IntVar(&a.nGPULayers, "n-gpu-layers", envconfig.NGPULayers(), "model layers offloaded to GPU")
	fs.IntVar(&a.maxLoadedModels, "max-loaded-models", envconfig.MaxLoadedModels(), "maximum distinct models loading at the same time")
	if err := fs.Parse(argv); err != nil {
		return nil, err
	}
	return a, nil
}

// Execute is the package's testable entrypoint: it parses argv, wires the
// model manager/processors/HTTP server, and serves until ctx is cancelled.
func Execute(ctx context.Context, argv []string) error {
	fs := flag.NewFlagSet("llamasched", flag.ContinueOnError)
	a, err := parseArgs(fs, argv)
	if err != nil {
		return err
	}

	logLevel := envconfig.LogLevel()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	manager := modelmanager.New(newLoader(a.nGPULayers), a.maxLoadedModels)

	reg := newProcessorRegistry(manager, a)

	if a.preloadModel != "" {
		slog.Info("preloading model", "model", a.preloadModel)
		if _, err := reg.get(ctx, a.preloadModel); err != nil {
			slog.Warn("failed to preload model, continuing; models load on demand", "model", a.preloadModel, "error", err)
		} else {
			slog.Info("preloaded model", "model", a.preloadModel)
		}
	}

	server := httpapi.New(manager, reg.get)

	httpSrv := &http.Server{
		Addr:    a.address,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "address", a.address)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Execute(ctx, os.Args[1:]); err != nil {
		slog.Error("llamasched exited with error", "error", err)
		os.Exit(1)
	}
}

// processorRegistry lazily builds one Processor per distinct model path
// and runs its scheduling loop in a background goroutine.
type processorRegistry struct {
	manager *modelmanager.Manager
	args    *args

	mu         sync.Mutex
	processors map[string]*processor.Processor
}

func newProcessorRegistry(manager *modelmanager.Manager, a *args) *processorRegistry {
	return &processorRegistry{
		manager:    manager,
		args:       a,
		processors: make(map[string]*processor.Processor),
	}
}

func (r *processorRegistry) get(ctx context.Context, modelPath string) (*processor.Processor, error) {
	path := filepath.Join(r.args.modelDirectory, modelPath)

	r.mu.Lock()
	if p, ok := r.processors[path]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	handle, err := r.manager.GetOrLoadModel(ctx, modelmanager.ModelConfig{
		Path:       path,
		NGPULayers: r.args.nGPULayers,
		NCtx:       r.args.nCtx,
		NBatch:     r.args.nBatch,
		NUbatch:    r.args.nUbatch,
		NParallel:  r.args.nParallel,
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.processors[path]; ok {
		return p, nil
	}

	nctx := r.args.nCtx
	if nctx == 0 {
		nctx = handle.Model.NCtxTrain()
	}

	p := processor.New(handle.Model, handle.Context, newSamplerFactory(), processor.Config{
		NParallel:       r.args.nParallel,
		NBatch:          r.args.nBatch,
		TaskQueueLength: r.args.nParallel * envconfig.TaskQueueMultiplier(),
		NCtx:            nctx,
	})
	go func() {
		if err := p.Run(context.Background()); err != nil {
			slog.Error("processor loop exited", "model", path, "error", err)
		}
	}()
	r.processors[path] = p
	return p, nil
}
