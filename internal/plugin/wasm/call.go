package wasm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"lodestone/internal/domain"
	abi "lodestone/pkg/pluginsdk/wasm"
)

// CallRequest describes one hook invocation against a module.
type CallRequest struct {
	PluginID string
	Hook     domain.HookInfo
	Argument []byte
	Timeout  time.Duration // 0 = bounded only by ctx
}

// Call runs one hook invocation in a fresh instance of compiled and returns
// the raw result payload. Output produced through host functions is passed to
// emit in call order. A nil payload means the module returned no result.
func (r *Runtime) Call(ctx context.Context, compiled wazero.CompiledModule, req CallRequest, emit Emitter) ([]byte, error) {
	payload, err := r.call(ctx, compiled, req, emit)
	return payload, domain.WrapOp("Runtime.Call", err)
}

func (r *Runtime) call(ctx context.Context, compiled wazero.CompiledModule, req CallRequest, emit Emitter) ([]byte, error) {
	if err := checkExports(compiled); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	ctx = WithEmitter(ctx, emit)

	// Anonymous instances may coexist, so concurrent calls never share memory.
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions(abi.ExportInitialize)

	mod, err := r.inner.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return nil, callError(ctx, "instantiate", err)
	}
	defer func() {
		if r.inspect != nil {
			r.inspect(mod)
		}
		_ = mod.Close(context.Background())
	}()

	if err := probeVersion(ctx, mod, req.Hook); err != nil {
		return nil, err
	}

	namePtr, err := WriteString(ctx, mod, req.Hook.Name)
	if err != nil {
		return nil, err
	}
	argPtr, err := WriteBytes(ctx, mod, req.Argument)
	if err != nil {
		r.release(ctx, mod, namePtr)
		return nil, err
	}

	results, callErr := mod.ExportedFunction(abi.ExportEntrypoint).Call(ctx,
		uint64(namePtr.Addr), uint64(namePtr.Len),
		uint64(argPtr.Addr), uint64(argPtr.Len),
		uint64(req.Hook.Version),
	)

	// Inputs are released whatever the entrypoint did.
	r.release(ctx, mod, namePtr)
	r.release(ctx, mod, argPtr)

	if callErr != nil {
		return nil, callError(ctx, abi.ExportEntrypoint, callErr)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: entrypoint returned no status", domain.ErrMalformedResult)
	}

	payload, err := readResult(ctx, mod)
	if err != nil {
		return nil, err
	}

	switch code := int32(uint32(results[0])); code {
	case abi.ResultOK:
		return payload, nil
	case abi.ResultError:
		msg := string(payload)
		if msg == "" {
			msg = "module reported an error without a message"
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrPluginError, msg)
	case abi.ResultVersionMismatch:
		return nil, fmt.Errorf("%w: module rejected %s version %d", domain.ErrVersionMismatch, req.Hook.Name, req.Hook.Version)
	case abi.ResultNotImplemented:
		return nil, fmt.Errorf("%w: %s", domain.ErrNotImplemented, req.Hook.Name)
	default:
		return nil, fmt.Errorf("%w: unknown entrypoint status %d", domain.ErrMalformedResult, code)
	}
}

// Probe reports the version of hook a module implements without running
// the hook. ok is false when the module exports no hook_version function and
// so cannot be asked; a module that answers it lacks the hook yields
// ErrNotImplemented.
func (r *Runtime) Probe(ctx context.Context, compiled wazero.CompiledModule, hook string) (version uint16, ok bool, err error) {
	if _, exported := compiled.ExportedFunctions()[abi.ExportHookVersion]; !exported {
		return 0, false, nil
	}
	mod, err := r.inner.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("").WithStartFunctions(abi.ExportInitialize))
	if err != nil {
		return 0, false, domain.WrapOp("Runtime.Probe", callError(ctx, "instantiate", err))
	}
	defer mod.Close(context.Background())

	v, err := hookVersion(ctx, mod, hook)
	if err != nil {
		return 0, false, domain.WrapOp("Runtime.Probe", err)
	}
	switch {
	case v == int64(abi.VersionNotImplemented):
		return 0, true, fmt.Errorf("%w: %s", domain.ErrNotImplemented, hook)
	case v < 0 || v > 0xFFFF:
		return 0, true, fmt.Errorf("%w: hook_version reported %d for %s", domain.ErrMalformedResult, v, hook)
	}
	return uint16(v), true, nil
}

func (r *Runtime) release(ctx context.Context, mod api.Module, p Pointer) {
	if err := Free(ctx, mod, p); err != nil {
		r.logger.Debug("wasm dealloc failed", "error", err)
	}
}

// probeVersion checks the optional hook_version export before any hook code
// runs.
func probeVersion(ctx context.Context, mod api.Module, hook domain.HookInfo) error {
	if mod.ExportedFunction(abi.ExportHookVersion) == nil {
		return nil
	}
	v, err := hookVersion(ctx, mod, hook.Name)
	if err != nil {
		return err
	}
	switch {
	case v == int64(abi.VersionNotImplemented):
		return fmt.Errorf("%w: %s", domain.ErrNotImplemented, hook.Name)
	case v != int64(hook.Version):
		return fmt.Errorf("%w: %s: host expects version %d, module implements %d",
			domain.ErrVersionMismatch, hook.Name, hook.Version, v)
	}
	return nil
}

func hookVersion(ctx context.Context, mod api.Module, name string) (int64, error) {
	namePtr, err := WriteString(ctx, mod, name)
	if err != nil {
		return 0, err
	}
	defer Free(ctx, mod, namePtr)

	results, err := mod.ExportedFunction(abi.ExportHookVersion).Call(ctx, uint64(namePtr.Addr), uint64(namePtr.Len))
	if err != nil {
		return 0, callError(ctx, abi.ExportHookVersion, err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("%w: hook_version returned nothing", domain.ErrMalformedResult)
	}
	return int64(int32(uint32(results[0]))), nil
}

// readResult copies the module's reply out of its memory and hands the
// buffer back to the module.
func readResult(ctx context.Context, mod api.Module) ([]byte, error) {
	addr, err := callI32(ctx, mod, abi.ExportResultPtr)
	if err != nil {
		return nil, err
	}
	size, err := callI32(ctx, mod, abi.ExportResultLen)
	if err != nil {
		return nil, err
	}
	p := Pointer{Addr: addr, Len: size}

	payload, err := ReadBytes(mod, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResult, err)
	}
	if err := Free(ctx, mod, p); err != nil {
		return nil, err
	}
	return payload, nil
}

func checkExports(compiled wazero.CompiledModule) error {
	exported := compiled.ExportedFunctions()
	var missing []string
	for _, name := range abi.RequiredExports {
		if _, ok := exported[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: module is missing required exports %v", domain.ErrCompile, missing)
	}
	if len(compiled.ExportedMemories()) == 0 {
		return fmt.Errorf("%w: module exports no memory", domain.ErrCompile)
	}
	return nil
}

// callError classifies a failure raised while the module was running.
func callError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s: %v", domain.ErrTimeout, op, err)
		}
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%w: %s trapped: %v", domain.ErrPluginError, op, err)
}
