package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"

	"lodestone/internal/domain"
	"lodestone/internal/hooks"
	"lodestone/internal/infra/config"
	"lodestone/internal/infra/tracer"
	"lodestone/internal/plugin/executable"
	"lodestone/internal/plugin/wasm"
)

// DispatcherOptions tune how plugin calls are run.
type DispatcherOptions struct {
	Breaker     config.BreakerConfig
	ExecTimeout time.Duration // default module call deadline, 0 = none
	WaitDelay   time.Duration // executable output grace period after exit
	DataDir     string        // handed to executable plugins

	// Terminal streams lent to takes_over executable hooks.
	Stdin  io.Reader
	Stderr io.Writer
}

// Dispatcher fans hook calls out to registered plugins and routes each one
// to the module or executable engine.
type Dispatcher struct {
	registry domain.PluginRegistry
	runtime  *wasm.Runtime
	cache    *wasm.ModuleCache
	opts     DispatcherOptions
	breakers *breakers
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // serializes non-async calls per plugin
}

// NewDispatcher creates a dispatcher. runtime and cache may be nil when no
// module plugins are registered.
func NewDispatcher(registry domain.PluginRegistry, runtime *wasm.Runtime, cache *wasm.ModuleCache, opts DispatcherOptions, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		runtime:  runtime,
		cache:    cache,
		opts:     opts,
		breakers: newBreakers(opts.Breaker, logger),
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// BreakerState reports the circuit breaker state for a plugin.
func (d *Dispatcher) BreakerState(pluginID string) gobreaker.State {
	return d.breakers.state(pluginID)
}

// CallHook starts hook on every registered plugin that implements it, in
// registry order, and returns one running handle per plugin. Plugins that
// declare or report a different version of the hook are skipped.
func CallHook[A, R any](ctx context.Context, d *Dispatcher, hook hooks.Hook[A, R], arg A) ([]*Handle[R], error) {
	payload, err := hook.EncodeArgument(arg)
	if err != nil {
		return nil, err
	}
	info := hook.Info()

	var handles []*Handle[R]
	for _, p := range d.registry.List() {
		ok, err := d.implements(ctx, p, info)
		if err != nil {
			d.logger.Warn("skipping plugin", "plugin", p.ID, "hook", info.Name, "error", err)
			continue
		}
		if !ok {
			continue
		}
		handles = append(handles, newHandle(d.start(ctx, p, info, payload), hook))
	}
	return handles, nil
}

// CallHookOnPlugin starts hook on one plugin. It fails with ErrNotImplemented
// when the plugin does not serve the hook and ErrVersionMismatch when it
// declares a different version.
func CallHookOnPlugin[A, R any](ctx context.Context, d *Dispatcher, hook hooks.Hook[A, R], pluginID string, arg A) (*Handle[R], error) {
	p, ok := d.registry.Get(pluginID)
	if !ok {
		if r, isReg := d.registry.(interface{ Disabled(string) bool }); isReg && r.Disabled(pluginID) {
			return nil, domain.NewHookError(pluginID, hook.Name,
				domain.NewSubSystemError("plugin", "Dispatcher.CallHookOnPlugin", domain.ErrDisabled, pluginID))
		}
		return nil, domain.NewHookError(pluginID, hook.Name,
			domain.NewSubSystemError("plugin", "Dispatcher.CallHookOnPlugin", domain.ErrNotFound, pluginID))
	}

	ok, err := d.implements(ctx, p, hook.Info())
	if err != nil {
		return nil, domain.NewHookError(pluginID, hook.Name, err)
	}
	if !ok {
		return nil, domain.NewHookError(pluginID, hook.Name, domain.ErrNotImplemented)
	}

	payload, err := hook.EncodeArgument(arg)
	if err != nil {
		return nil, domain.NewHookError(pluginID, hook.Name, err)
	}
	return newHandle(d.start(ctx, p, hook.Info(), payload), hook), nil
}

func newHandle[A, R any](inv *invocation, hook hooks.Hook[A, R]) *Handle[R] {
	return &Handle[R]{inv: inv, decode: hook.DecodeResult, fallback: hook.DefaultResult}
}

// implements decides whether p is a candidate for hook. A manifest
// declaration is authoritative. Undeclared modules that export hook_version
// are asked; the rest are tried and may still report ErrNotImplemented.
func (d *Dispatcher) implements(ctx context.Context, p domain.Plugin, hook domain.HookInfo) (bool, error) {
	if v, ok := p.Manifest.DeclaredHook(hook.Name); ok {
		if v != hook.Version {
			return false, versionMismatch(hook, v)
		}
		return true, nil
	}
	if p.Kind != domain.PluginKindModule {
		return false, nil
	}
	if d.runtime == nil || d.cache == nil {
		return true, nil
	}

	compiled, release, err := d.cache.Acquire(ctx, p.ID, p.BinaryPath)
	if err != nil {
		// Surfaced by the call itself.
		return true, nil
	}
	defer release()

	if limits := (wasm.Limits{ExecTimeout: d.opts.ExecTimeout}).ForPlugin(p.Manifest.Module); limits.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.ExecTimeout)
		defer cancel()
	}
	v, asked, err := d.runtime.Probe(ctx, compiled, hook.Name)
	switch {
	case errors.Is(err, domain.ErrNotImplemented):
		return false, nil
	case err != nil, !asked:
		return true, nil
	case v != hook.Version:
		return false, versionMismatch(hook, v)
	}
	return true, nil
}

func versionMismatch(hook domain.HookInfo, v uint16) error {
	return fmt.Errorf("%w: plugin implements %s v%d, host expects v%d",
		domain.ErrVersionMismatch, hook.Name, v, hook.Version)
}

// start launches the call in its own goroutine and returns immediately.
func (d *Dispatcher) start(ctx context.Context, p domain.Plugin, hook domain.HookInfo, arg []byte) *invocation {
	callCtx, cancel := context.WithCancel(ctx)
	id := ulid.Make()
	inv := &invocation{
		id:     id,
		plugin: p,
		hook:   hook,
		kind:   p.Kind,
		logger: d.logger.With("plugin", p.ID, "hook", hook.Name, "call_id", id.String()),
		cancel: cancel,
		queue:  newActionQueue(),
		done:   make(chan struct{}),
	}
	go d.run(callCtx, inv, arg)
	return inv
}

func (d *Dispatcher) run(ctx context.Context, inv *invocation, arg []byte) {
	defer close(inv.done)
	defer inv.queue.close()
	defer inv.cancel()

	if !inv.hook.Async {
		lock := d.pluginLock(inv.plugin.ID)
		lock.Lock()
		defer lock.Unlock()
	}

	ctx, span := tracer.StartSpan(ctx, "plugin.hook",
		trace.WithAttributes(tracer.HookAttrs(inv.plugin.ID, string(inv.kind), inv.hook.Name, inv.hook.Version, inv.id.String())...))
	defer span.End()

	started := time.Now()
	payload, err := d.breakers.execute(inv.plugin.ID, func() (json.RawMessage, error) {
		switch inv.kind {
		case domain.PluginKindModule:
			return d.callModule(ctx, inv, arg)
		case domain.PluginKindExecutable:
			return d.callExecutable(ctx, inv, arg)
		default:
			return nil, fmt.Errorf("%w: unknown plugin kind %q", domain.ErrInvalidInput, inv.kind)
		}
	})
	inv.payload, inv.err = payload, err

	if err != nil {
		span.SetAttributes(tracer.StringAttr(tracer.AttrErrorCode, string(domain.ErrorCodeOf(err))))
		tracer.RecordError(span, err)
		inv.logger.Debug("hook call failed", "duration", time.Since(started), "error", err)
		return
	}
	span.SetAttributes(tracer.IntAttr(tracer.AttrResultBytes, len(payload)))
	tracer.SetOK(span)
	inv.logger.Debug("hook call finished", "duration", time.Since(started))
}

func (d *Dispatcher) callModule(ctx context.Context, inv *invocation, arg []byte) (json.RawMessage, error) {
	if d.runtime == nil || d.cache == nil {
		return nil, fmt.Errorf("%w: module runtime not configured", domain.ErrIO)
	}
	compiled, release, err := d.cache.Acquire(ctx, inv.plugin.ID, inv.plugin.BinaryPath)
	if err != nil {
		return nil, err
	}
	defer release()
	limits := wasm.Limits{ExecTimeout: d.opts.ExecTimeout}.ForPlugin(inv.plugin.Manifest.Module)
	return d.runtime.Call(ctx, compiled, wasm.CallRequest{
		PluginID: inv.plugin.ID,
		Hook:     inv.hook,
		Argument: arg,
		Timeout:  limits.ExecTimeout,
	}, inv.queue.push)
}

func (d *Dispatcher) callExecutable(ctx context.Context, inv *invocation, arg []byte) (json.RawMessage, error) {
	p := inv.plugin
	opts := executable.Options{
		PluginID:     p.ID,
		Command:      p.BinaryPath,
		Dir:          p.Dir,
		Hook:         inv.hook,
		Argument:     arg,
		CustomConfig: p.Config,
		DataDir:      d.opts.DataDir,
		Stdin:        d.opts.Stdin,
		Stderr:       d.opts.Stderr,
		WaitDelay:    d.opts.WaitDelay,
		Logger:       d.logger,
	}
	if cfg := p.Manifest.Executable; cfg != nil {
		opts.Args = cfg.Args
		opts.ProtocolVersion = cfg.ProtocolVersion
	}

	proc, err := executable.Start(opts)
	if err != nil {
		return nil, err
	}
	inv.process.Store(proc)
	return proc.Run(ctx, inv.queue.push)
}

func (d *Dispatcher) pluginLock(pluginID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[pluginID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[pluginID] = l
	}
	return l
}
