package wasm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"golang.org/x/sync/singleflight"

	"lodestone/internal/domain"
)

const (
	artifactExt  = ".wasmc"
	timestampExt = ".timestamp"

	// maxLoadAttempts bounds the delete-and-retry path for corrupt artifacts.
	maxLoadAttempts = 2
)

// Compiler turns module images into compiled modules and back into
// persistable artifacts.
type Compiler interface {
	Compile(ctx context.Context, wasm []byte) (wazero.CompiledModule, error)
	Serialize(ctx context.Context, wasm []byte, compiled wazero.CompiledModule) ([]byte, error)
	Deserialize(ctx context.Context, artifact []byte) (wazero.CompiledModule, error)
}

// cacheEntry is one compiled module. Its fields other than compiled and
// mtime are guarded by the cache mutex.
type cacheEntry struct {
	compiled wazero.CompiledModule
	mtime    int64

	refs    int  // outstanding leases
	retired bool // no longer served; closed once the last lease ends
	closed  bool
}

// ModuleCache owns the compiled modules of every loaded plugin. Entries are
// kept in memory until evicted and mirrored on disk, keyed by plugin id and
// validated against the module file's modification time.
type ModuleCache struct {
	dir      string
	compiler Compiler
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*cacheEntry
	gens    map[string]uint64 // bumped by Evict
	epoch   uint64            // bumped by Clear

	inflight singleflight.Group
	pending  sync.WaitGroup
}

// NewModuleCache creates a cache persisting artifacts under dir. An empty dir
// disables the on-disk layer.
func NewModuleCache(dir string, compiler Compiler, logger *slog.Logger) *ModuleCache {
	return &ModuleCache{
		dir:      dir,
		compiler: compiler,
		logger:   logger.With("component", "module_cache"),
		entries:  make(map[string]*cacheEntry),
		gens:     make(map[string]uint64),
	}
}

// Load returns the compiled module for pluginID, compiling path if needed.
// Concurrent loads of the same plugin share one compilation. The module may
// be closed by a later Evict or Clear; callers that run it use Acquire.
func (c *ModuleCache) Load(ctx context.Context, pluginID, path string) (wazero.CompiledModule, error) {
	compiled, release, err := c.Acquire(ctx, pluginID, path)
	if err != nil {
		return nil, err
	}
	release()
	return compiled, nil
}

// Acquire is Load with a lease: the module stays open until release is
// called, even if it is evicted in the meantime.
func (c *ModuleCache) Acquire(ctx context.Context, pluginID, path string) (compiled wazero.CompiledModule, release func(), err error) {
	for {
		e, err := c.entry(ctx, pluginID, path)
		if err != nil {
			return nil, nil, domain.WrapOp("ModuleCache.Load", err)
		}
		if c.lease(e) {
			return e.compiled, func() { c.release(e) }, nil
		}
		// Evicted and closed before it could be leased.
	}
}

func (c *ModuleCache) entry(ctx context.Context, pluginID, path string) (*cacheEntry, error) {
	if e, ok := c.lookup(pluginID); ok {
		return e, nil
	}

	v, err, shared := c.inflight.Do(pluginID, func() (any, error) {
		if e, ok := c.lookup(pluginID); ok {
			return e, nil
		}
		gen := c.generation(pluginID)
		// The result is shared with other callers, so one caller's
		// cancellation must not fail the rest.
		compiled, mtime, err := c.load(context.WithoutCancel(ctx), pluginID, path, maxLoadAttempts)
		if err != nil {
			return nil, err
		}
		return c.store(pluginID, compiled, mtime, gen), nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("joined in-flight module load", "plugin", pluginID)
	}
	return v.(*cacheEntry), nil
}

func (c *ModuleCache) lookup(pluginID string) (*cacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[pluginID]
	return e, ok
}

func (c *ModuleCache) generation(pluginID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch + c.gens[pluginID]
}

func (c *ModuleCache) load(ctx context.Context, pluginID, path string, attempts int) (wazero.CompiledModule, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", domain.ErrPluginMissing, path)
		}
		return nil, 0, fmt.Errorf("%w: stat %s: %v", domain.ErrIO, path, err)
	}

	mtime, known := sourceMTime(info)
	persist := known && c.dir != ""

	if persist && c.artifactValid(pluginID, mtime) {
		compiled, err := c.restore(ctx, pluginID)
		if err == nil {
			c.logger.Debug("module restored from artifact", "plugin", pluginID)
			return compiled, mtime, nil
		}

		c.logger.Warn("discarding unreadable module artifact", "plugin", pluginID, "error", err)
		if rmErr := os.Remove(c.artifactPath(pluginID)); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			c.logger.Warn("remove module artifact", "plugin", pluginID, "error", rmErr)
		}
		if attempts <= 1 {
			return nil, 0, fmt.Errorf("%w: artifact for %s still unreadable after retry: %v", domain.ErrCompile, pluginID, err)
		}
		return c.load(ctx, pluginID, path, attempts-1)
	}

	wasm, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", domain.ErrPluginMissing, path)
		}
		return nil, 0, fmt.Errorf("%w: read %s: %v", domain.ErrIO, path, err)
	}

	compiled, err := c.compiler.Compile(ctx, wasm)
	if err != nil {
		return nil, 0, err
	}
	c.logger.Debug("module compiled", "plugin", pluginID, "bytes", len(wasm))

	if persist {
		c.writeBack(pluginID, wasm, compiled, mtime)
	}
	return compiled, mtime, nil
}

// store caches a freshly loaded module unless the plugin was evicted or the
// cache cleared while it loaded; such a module is handed to the waiting
// callers only and closed after their last lease.
func (c *ModuleCache) store(pluginID string, compiled wazero.CompiledModule, mtime int64, gen uint64) *cacheEntry {
	e := &cacheEntry{compiled: compiled, mtime: mtime}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch+c.gens[pluginID] != gen {
		e.retired = true
		c.logger.Debug("module changed while loading, not caching", "plugin", pluginID)
		return e
	}
	c.entries[pluginID] = e
	return e
}

func (c *ModuleCache) lease(e *cacheEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.closed {
		return false
	}
	e.refs++
	return true
}

func (c *ModuleCache) release(e *cacheEntry) {
	c.mu.Lock()
	e.refs--
	toClose := c.retireLocked(e, e.retired)
	c.mu.Unlock()
	c.closeModule(toClose)
}

// retireLocked marks e retired when retire is set and returns its module if
// it is now unused and must be closed.
func (c *ModuleCache) retireLocked(e *cacheEntry, retire bool) wazero.CompiledModule {
	if retire {
		e.retired = true
	}
	if !e.retired || e.closed || e.refs > 0 {
		return nil
	}
	e.closed = true
	return e.compiled
}

func (c *ModuleCache) closeModule(compiled wazero.CompiledModule) {
	if compiled == nil {
		return
	}
	if err := compiled.Close(context.Background()); err != nil {
		c.logger.Debug("close compiled module", "error", err)
	}
}

func (c *ModuleCache) restore(ctx context.Context, pluginID string) (wazero.CompiledModule, error) {
	data, err := os.ReadFile(c.artifactPath(pluginID))
	if err != nil {
		return nil, err
	}
	return c.compiler.Deserialize(ctx, data)
}

// artifactValid reports whether both cache files exist and the recorded
// timestamp equals mtime.
func (c *ModuleCache) artifactValid(pluginID string, mtime int64) bool {
	if _, err := os.Stat(c.artifactPath(pluginID)); err != nil {
		return false
	}
	raw, err := os.ReadFile(c.timestampPath(pluginID))
	if err != nil {
		return false
	}
	recorded, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return false
	}
	return recorded == mtime
}

// writeBack persists the artifact in the background. Failures only cost a
// recompilation on the next cold start.
func (c *ModuleCache) writeBack(pluginID string, wasm []byte, compiled wazero.CompiledModule, mtime int64) {
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()

		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			c.logger.Warn("create module cache dir", "dir", c.dir, "error", err)
			return
		}
		data, err := c.compiler.Serialize(context.Background(), wasm, compiled)
		if err != nil {
			c.logger.Warn("serialize module artifact", "plugin", pluginID, "error", err)
			return
		}
		if err := writeFileAtomic(c.artifactPath(pluginID), data); err != nil {
			c.logger.Warn("write module artifact", "plugin", pluginID, "error", err)
			return
		}
		if err := writeFileAtomic(c.timestampPath(pluginID), []byte(strconv.FormatInt(mtime, 10))); err != nil {
			c.logger.Warn("write module timestamp", "plugin", pluginID, "error", err)
			return
		}
		c.logger.Debug("module artifact written", "plugin", pluginID, "bytes", len(data))
	}()
}

// Wait blocks until every background write-back has finished.
func (c *ModuleCache) Wait() {
	c.pending.Wait()
}

// Evict drops the in-memory entry for pluginID so the next Load revalidates
// against the file on disk. A load already in flight is not cached. The
// evicted module is closed once no call is using it.
func (c *ModuleCache) Evict(pluginID string) {
	c.mu.Lock()
	c.gens[pluginID]++
	var toClose wazero.CompiledModule
	if e, ok := c.entries[pluginID]; ok {
		delete(c.entries, pluginID)
		toClose = c.retireLocked(e, true)
	}
	c.mu.Unlock()

	c.inflight.Forget(pluginID)
	c.closeModule(toClose)
}

// Len returns the number of modules held in memory.
func (c *ModuleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops all in-memory entries and deletes every on-disk artifact.
func (c *ModuleCache) Clear() error {
	c.Wait()

	c.mu.Lock()
	c.epoch++
	var toClose []wazero.CompiledModule
	for id, e := range c.entries {
		if m := c.retireLocked(e, true); m != nil {
			toClose = append(toClose, m)
		}
		c.inflight.Forget(id)
	}
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()

	for _, m := range toClose {
		c.closeModule(m)
	}

	if c.dir == "" {
		return nil
	}
	var errs []error
	for _, ext := range []string{artifactExt, timestampExt} {
		matches, err := filepath.Glob(filepath.Join(c.dir, "*"+ext))
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (c *ModuleCache) artifactPath(pluginID string) string {
	return filepath.Join(c.dir, pluginID+artifactExt)
}

func (c *ModuleCache) timestampPath(pluginID string) string {
	return filepath.Join(c.dir, pluginID+timestampExt)
}

// sourceMTime returns the module file's modification time in whole seconds.
// An unknown time disables the on-disk cache for this load.
func sourceMTime(info fs.FileInfo) (int64, bool) {
	t := info.ModTime()
	if t.IsZero() {
		return 0, false
	}
	return t.Unix(), true
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
