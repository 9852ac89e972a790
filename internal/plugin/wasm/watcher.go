package wasm

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher evicts cached modules whose files change on disk, so a rebuilt
// plugin is picked up without restarting the host.
type Watcher struct {
	cache    *ModuleCache
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	mu     sync.Mutex
	paths  map[string]string // absolute module path -> plugin id
	timers map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher that evicts entries from cache.
func NewWatcher(cache *ModuleCache, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		cache:    cache,
		watcher:  fw,
		logger:   logger.With("component", "module_watcher"),
		debounce: defaultDebounce,
		paths:    make(map[string]string),
		timers:   make(map[string]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Watch starts tracking the module file of pluginID. The containing directory
// is watched so that editors replacing the file by rename are noticed.
func (w *Watcher) Watch(pluginID, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w.mu.Lock()
	w.paths[abs] = pluginID
	w.mu.Unlock()
	return nil
}

// Start begins processing file events.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.eventLoop()
}

// Stop stops the watcher and cleans up resources.
func (w *Watcher) Stop() error {
	w.cancel()
	w.wg.Wait()

	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				w.handle(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("module watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(name string) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	pluginID, ok := w.paths[abs]
	if !ok {
		return
	}
	if t, exists := w.timers[pluginID]; exists {
		t.Stop()
	}
	w.timers[pluginID] = time.AfterFunc(w.debounce, func() {
		w.cache.Evict(pluginID)
		w.logger.Info("module changed, evicted from cache", "plugin", pluginID, "path", abs)
	})
}
