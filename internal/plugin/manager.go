package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"lodestone/internal/domain"
	"lodestone/internal/infra/config"
	"lodestone/internal/plugin/wasm"
)

// Manager wires discovery, the registry, the module runtime and the
// dispatcher together for one host process.
type Manager struct {
	cfg         config.PluginsConfig
	hostVersion string
	logger      *slog.Logger

	registry   *Registry
	runtime    *wasm.Runtime
	cache      *wasm.ModuleCache
	watcher    *wasm.Watcher
	dispatcher *Dispatcher

	mu       sync.Mutex
	skipped  map[string]error
	shutdown bool
}

// ManagerOptions carries the terminal streams lent to takes_over hooks.
type ManagerOptions struct {
	Stdin  io.Reader
	Stderr io.Writer
}

// NewManager creates the module runtime and cache and an empty registry.
// The caller must call Shutdown when done.
func NewManager(ctx context.Context, cfg *config.Config, hostVersion string, opts ManagerOptions, logger *slog.Logger) (*Manager, error) {
	pc := cfg.Plugins
	registry, err := NewRegistry(pc.Disabled)
	if err != nil {
		return nil, err
	}

	cacheDir := cfg.PluginCacheDir()
	limits := wasm.Limits{MaxMemoryMB: pc.ModuleMemoryMB, ExecTimeout: pc.ExecTimeout}
	rt, err := wasm.NewRuntime(ctx, wasm.RuntimeConfig{
		MaxMemoryPages: limits.MemoryPages(),
		NativeCacheDir: filepath.Join(cacheDir, "native"),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create wasm runtime: %w", err)
	}
	cache := wasm.NewModuleCache(cacheDir, rt, logger)

	m := &Manager{
		cfg:         pc,
		hostVersion: hostVersion,
		logger:      logger,
		registry:    registry,
		runtime:     rt,
		cache:       cache,
		skipped:     make(map[string]error),
	}
	m.dispatcher = NewDispatcher(registry, rt, cache, DispatcherOptions{
		Breaker:     pc.Breaker,
		ExecTimeout: pc.ExecTimeout,
		WaitDelay:   pc.WaitDelay,
		DataDir:     cfg.DataDir,
		Stdin:       opts.Stdin,
		Stderr:      opts.Stderr,
	}, logger)

	if pc.Watch {
		w, err := wasm.NewWatcher(cache, logger)
		if err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("create module watcher: %w", err)
		}
		m.watcher = w
		w.Start()
	}
	return m, nil
}

// Discover scans the configured plugin directories and registers every
// compatible, enabled plugin. Plugins that cannot be registered are logged
// and remembered in Skipped; only directory read failures are returned.
func (m *Manager) Discover(ctx context.Context) ([]domain.Plugin, error) {
	found, err := ScanDirectories(m.cfg.Dirs)
	if err != nil {
		return nil, err
	}

	var registered []domain.Plugin
	for _, d := range found {
		if err := ctx.Err(); err != nil {
			return registered, err
		}
		id := d.Manifest.Name
		p, err := m.admit(d)
		if err != nil {
			m.skip(id, err)
			continue
		}
		registered = append(registered, p)
		m.logger.Info("plugin registered", "plugin", p.ID, "kind", p.Kind, "version", p.Manifest.Version)
	}
	return registered, nil
}

func (m *Manager) admit(d Discovered) (domain.Plugin, error) {
	if err := CheckCompatibility(d.Manifest, m.hostVersion); err != nil {
		return domain.Plugin{}, err
	}
	p, err := Resolve(d, m.cfg.Custom[d.Manifest.Name])
	if err != nil {
		return domain.Plugin{}, err
	}
	if err := m.registry.Register(p); err != nil {
		return domain.Plugin{}, err
	}
	if m.watcher != nil && p.Kind == domain.PluginKindModule {
		if err := m.watcher.Watch(p.ID, p.BinaryPath); err != nil {
			m.logger.Warn("cannot watch module binary", "plugin", p.ID, "error", err)
		}
	}
	return p, nil
}

func (m *Manager) skip(id string, err error) {
	m.mu.Lock()
	m.skipped[id] = err
	m.mu.Unlock()

	switch {
	case errors.Is(err, domain.ErrDisabled):
		m.logger.Info("plugin disabled", "plugin", id)
	default:
		m.logger.Warn("plugin skipped", "plugin", id, "error", err)
	}
}

// Skipped returns the plugins Discover passed over and why.
func (m *Manager) Skipped() map[string]error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]error, len(m.skipped))
	for id, err := range m.skipped {
		out[id] = err
	}
	return out
}

// Registry returns the plugin registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Dispatcher returns the hook dispatcher.
func (m *Manager) Dispatcher() *Dispatcher { return m.dispatcher }

// ClearCache drops every compiled module, in memory and on disk.
func (m *Manager) ClearCache() error {
	return m.cache.Clear()
}

// Shutdown stops the watcher, waits for pending cache writes and closes the
// module runtime. It is safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	m.mu.Unlock()

	var errs []error
	if m.watcher != nil {
		if err := m.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop watcher: %w", err))
		}
	}
	m.cache.Wait()
	if err := m.runtime.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close wasm runtime: %w", err))
	}
	return errors.Join(errs...)
}
