package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"lodestone/internal/domain"
)

// RuntimeConfig holds configuration for the WASM runtime.
type RuntimeConfig struct {
	// MaxMemoryPages is the maximum number of 64KB WASM memory pages.
	// Default 1024 = 64MB.
	MaxMemoryPages uint32
	// NativeCacheDir holds machine code compiled by wazero so that
	// recompiling an unchanged module is cheap across host runs.
	// Empty keeps compiled code in memory only.
	NativeCacheDir string
}

// DefaultRuntimeConfig returns a RuntimeConfig with sensible defaults.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MaxMemoryPages: 1024, // 64MB
	}
}

// Runtime wraps a wazero.Runtime with the WASI and lodestone_v1 host
// modules already instantiated. It is safe for concurrent use.
type Runtime struct {
	inner  wazero.Runtime
	cache  wazero.CompilationCache
	config RuntimeConfig
	logger *slog.Logger

	// inspect, when set, sees each call's instance just before it is closed.
	inspect func(api.Module)
}

// NewRuntime creates a new WASM runtime. The caller must call Close when done.
func NewRuntime(ctx context.Context, cfg RuntimeConfig, logger *slog.Logger) (*Runtime, error) {
	if cfg.MaxMemoryPages == 0 {
		cfg.MaxMemoryPages = 1024
	}

	rtCfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(cfg.MaxMemoryPages)

	var cache wazero.CompilationCache
	if cfg.NativeCacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(cfg.NativeCacheDir)
		if err != nil {
			// The native cache only speeds up compilation.
			logger.Warn("wasm native cache unavailable", "dir", cfg.NativeCacheDir, "error", err)
		} else {
			cache = c
			rtCfg = rtCfg.WithCompilationCache(cache)
		}
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("%w: instantiate wasi: %v", domain.ErrCompile, err)
	}
	if err := registerHostModule(ctx, rt, logger); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	logger.Info("wasm runtime created",
		"max_memory_pages", cfg.MaxMemoryPages,
		"max_memory_mb", cfg.MaxMemoryPages*64/1024,
		"native_cache", cache != nil,
	)

	return &Runtime{
		inner:  rt,
		cache:  cache,
		config: cfg,
		logger: logger,
	}, nil
}

// Compile validates and compiles a module image.
func (r *Runtime) Compile(ctx context.Context, wasm []byte) (wazero.CompiledModule, error) {
	compiled, err := r.inner.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCompile, err)
	}
	return compiled, nil
}

// Serialize produces the on-disk artifact for a compiled module.
func (r *Runtime) Serialize(_ context.Context, wasm []byte, _ wazero.CompiledModule) ([]byte, error) {
	return encodeArtifact(wasm)
}

// Deserialize restores a compiled module from an artifact produced by
// Serialize. Machine code comes from the native cache when it is enabled.
func (r *Runtime) Deserialize(ctx context.Context, artifact []byte) (wazero.CompiledModule, error) {
	wasm, err := decodeArtifact(artifact)
	if err != nil {
		return nil, err
	}
	compiled, err := r.inner.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptArtifact, err)
	}
	return compiled, nil
}

// Close releases all resources held by the runtime.
func (r *Runtime) Close(ctx context.Context) error {
	err := r.inner.Close(ctx)
	if r.cache != nil {
		err = errors.Join(err, r.cache.Close(ctx))
	}
	if err != nil {
		return fmt.Errorf("%w: close wasm runtime: %v", domain.ErrIO, err)
	}
	r.logger.Info("wasm runtime closed")
	return nil
}
