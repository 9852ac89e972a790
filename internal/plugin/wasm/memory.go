package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"lodestone/internal/domain"
	abi "lodestone/pkg/pluginsdk/wasm"
)

// Pointer addresses a buffer inside a module's linear memory.
type Pointer struct {
	Addr uint32
	Len  uint32
}

// IsNull reports whether the pointer denotes an absent buffer.
func (p Pointer) IsNull() bool {
	return p.Addr == 0 || p.Len == 0
}

// ReadString reads a UTF-8 string from the guest module's linear memory.
func ReadString(mod api.Module, p Pointer) (string, error) {
	b, err := ReadBytes(mod, p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes copies a buffer out of the guest module's linear memory.
// A null pointer reads as nil.
func ReadBytes(mod api.Module, p Pointer) ([]byte, error) {
	if p.IsNull() {
		return nil, nil
	}
	buf, ok := mod.Memory().Read(p.Addr, p.Len)
	if !ok {
		return nil, fmt.Errorf("%w: memory read out of bounds at ptr=%d len=%d", domain.ErrIO, p.Addr, p.Len)
	}
	// Return a copy so the caller owns the slice.
	out := make([]byte, p.Len)
	copy(out, buf)
	return out, nil
}

// WriteString writes a UTF-8 string into guest memory using the module's
// exported alloc function.
func WriteString(ctx context.Context, mod api.Module, data string) (Pointer, error) {
	return WriteBytes(ctx, mod, []byte(data))
}

// WriteBytes places data into guest memory using the module's exported alloc
// function. Empty data is passed as a null pointer and allocates nothing.
// The returned buffer must be released with Free.
func WriteBytes(ctx context.Context, mod api.Module, data []byte) (Pointer, error) {
	size := uint32(len(data))
	if size == 0 {
		return Pointer{}, nil
	}

	alloc := mod.ExportedFunction(abi.ExportAlloc)
	if alloc == nil {
		return Pointer{}, fmt.Errorf("%w: module does not export %s", domain.ErrCompile, abi.ExportAlloc)
	}

	results, err := alloc.Call(ctx, uint64(size))
	if err != nil {
		return Pointer{}, fmt.Errorf("%w: alloc(%d) failed: %v", domain.ErrIO, size, err)
	}
	if len(results) == 0 {
		return Pointer{}, fmt.Errorf("%w: alloc returned no results", domain.ErrIO)
	}

	p := Pointer{Addr: uint32(results[0]), Len: size}
	if p.Addr == 0 {
		return Pointer{}, fmt.Errorf("%w: alloc returned null pointer", domain.ErrIO)
	}

	if !mod.Memory().Write(p.Addr, data) {
		_ = Free(ctx, mod, p)
		return Pointer{}, fmt.Errorf("%w: memory write out of bounds at ptr=%d len=%d", domain.ErrIO, p.Addr, size)
	}

	return p, nil
}

// Free returns a buffer to the module through its dealloc export.
// Null pointers are ignored.
func Free(ctx context.Context, mod api.Module, p Pointer) error {
	if p.Addr == 0 {
		return nil
	}
	dealloc := mod.ExportedFunction(abi.ExportDealloc)
	if dealloc == nil {
		return fmt.Errorf("%w: module does not export %s", domain.ErrCompile, abi.ExportDealloc)
	}
	if _, err := dealloc.Call(ctx, uint64(p.Addr), uint64(p.Len)); err != nil {
		return fmt.Errorf("%w: dealloc(%d, %d) failed: %v", domain.ErrIO, p.Addr, p.Len, err)
	}
	return nil
}

// callI32 calls a nullary export returning a single i32.
func callI32(ctx context.Context, mod api.Module, name string) (uint32, error) {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return 0, fmt.Errorf("%w: module does not export %s", domain.ErrCompile, name)
	}
	results, err := fn.Call(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", domain.ErrIO, name, err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("%w: %s returned no results", domain.ErrMalformedResult, name)
	}
	return uint32(results[0]), nil
}
