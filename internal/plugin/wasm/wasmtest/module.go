// Package wasmtest assembles small WebAssembly modules that follow the
// lodestone module ABI, for use in tests. The modules are written directly in
// the binary format so tests need no external toolchain.
package wasmtest

import (
	"os"
	"path/filepath"
	"testing"

	abi "lodestone/pkg/pluginsdk/wasm"
)

// Behavior selects what the module's entrypoint does.
type Behavior int

const (
	// Echo returns the argument unchanged.
	Echo Behavior = iota
	// Raw returns Payload as the result.
	Raw
	// Fail returns Payload as an error message.
	Fail
	// NotImplemented reports that the hook is not implemented.
	NotImplemented
	// Empty succeeds without a payload.
	Empty
	// Trap aborts with an unreachable instruction.
	Trap
)

// HookModule describes a test module. Every instance counts its alloc and
// dealloc calls, readable through the alloc_count and dealloc_count exports.
type HookModule struct {
	// Version is what hook_version reports and what CheckVersion enforces.
	// abi.VersionNotImplemented makes hook_version report no hook.
	Version int32
	// Probe exports hook_version.
	Probe bool
	// CheckVersion makes the entrypoint return ResultVersionMismatch for any
	// version other than Version, before doing anything else.
	CheckVersion bool
	Behavior     Behavior
	Payload      []byte
	// Text, when set, is sent through lodestone_v1.text before the behavior runs.
	Text string
	// Omit leaves the named export out of the module.
	Omit string
}

const (
	i32     = 0x7F
	funcTyp = 0x60

	opUnreachable = 0x00
	opIf          = 0x04
	opEnd         = 0x0B
	opReturn      = 0x0F
	opCall        = 0x10
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opGlobalGet   = 0x23
	opGlobalSet   = 0x24
	opI32Const    = 0x41
	opI32Ne       = 0x47
	opI32Add      = 0x6A
	blockEmpty    = 0x40
)

// globals
const (
	gHeap = iota
	gResultPtr
	gResultLen
	gAllocs
	gDeallocs
)

// function indices; 0 is the imported text function
const (
	fText = iota
	fAlloc
	fDealloc
	fResultPtr
	fResultLen
	fAllocCount
	fDeallocCount
	fEntrypoint
	fHookVersion
)

// Build encodes the module.
func (m HookModule) Build() []byte {
	payloadOff := 16
	textOff := align(payloadOff+len(m.Payload), 8)
	heapStart := max(1024, align(textOff+len(m.Text), 16))
	pages := heapStart/65536 + 2

	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

	// types
	out = append(out, section(1, vec(
		sig([]byte{i32, i32, i32}, nil),                   // 0 text
		sig([]byte{i32}, []byte{i32}),                     // 1 alloc
		sig([]byte{i32, i32}, nil),                        // 2 dealloc
		sig(nil, []byte{i32}),                             // 3 accessors
		sig([]byte{i32, i32}, []byte{i32}),                // 4 hook_version
		sig([]byte{i32, i32, i32, i32, i32}, []byte{i32}), // 5 entrypoint
	))...)

	// imports
	out = append(out, section(2, vec(
		cat(name(abi.HostModule), name(abi.HostText), []byte{0x00}, uleb(0)),
	))...)

	// functions
	out = append(out, section(3, vec(
		uleb(1), uleb(2), uleb(3), uleb(3), uleb(3), uleb(3), uleb(5), uleb(4),
	))...)

	// memory
	out = append(out, section(5, vec(cat([]byte{0x00}, uleb(uint64(pages)))))...)

	// globals
	out = append(out, section(6, vec(
		global(int64(heapStart)), global(0), global(0), global(0), global(0),
	))...)

	// exports
	var exports [][]byte
	add := func(n string, kind byte, idx int) {
		if n == m.Omit {
			return
		}
		exports = append(exports, cat(name(n), []byte{kind}, uleb(uint64(idx))))
	}
	add(abi.ExportMemory, 0x02, 0)
	add(abi.ExportAlloc, 0x00, fAlloc)
	add(abi.ExportDealloc, 0x00, fDealloc)
	add(abi.ExportResultPtr, 0x00, fResultPtr)
	add(abi.ExportResultLen, 0x00, fResultLen)
	add("alloc_count", 0x00, fAllocCount)
	add("dealloc_count", 0x00, fDeallocCount)
	add(abi.ExportEntrypoint, 0x00, fEntrypoint)
	if m.Probe {
		add(abi.ExportHookVersion, 0x00, fHookVersion)
	}
	out = append(out, section(7, vec(exports...))...)

	// code
	out = append(out, section(10, vec(
		body(nil, // alloc: return heap; heap += size; allocs++
			globalGet(gHeap),
			globalGet(gHeap), localGet(0), []byte{opI32Add}, globalSet(gHeap),
			increment(gAllocs),
		),
		body(nil, increment(gDeallocs)),
		body(nil, globalGet(gResultPtr)),
		body(nil, globalGet(gResultLen)),
		body(nil, globalGet(gAllocs)),
		body(nil, globalGet(gDeallocs)),
		body([]byte{0x01, 0x01, i32}, m.entrypoint(payloadOff, textOff)...),
		body(nil, i32Const(int64(m.Version))),
	))...)

	// data
	var segments [][]byte
	if len(m.Payload) > 0 {
		segments = append(segments, dataSegment(payloadOff, m.Payload))
	}
	if m.Text != "" {
		segments = append(segments, dataSegment(textOff, []byte(m.Text)))
	}
	out = append(out, section(11, vec(segments...))...)

	return out
}

// entrypoint(name_ptr, name_len, arg_ptr, arg_len, version) with one extra
// i32 local at index 5.
func (m HookModule) entrypoint(payloadOff, textOff int) [][]byte {
	var code [][]byte

	if m.CheckVersion {
		code = append(code,
			localGet(4), i32Const(int64(m.Version)), []byte{opI32Ne, opIf, blockEmpty},
			i32Const(int64(abi.ResultVersionMismatch)), []byte{opReturn, opEnd},
		)
	}
	if m.Text != "" {
		code = append(code,
			i32Const(int64(textOff)), i32Const(int64(len(m.Text))), i32Const(int64(abi.LevelImportant)),
			call(fText),
		)
	}

	switch m.Behavior {
	case Trap:
		return append(code, []byte{opUnreachable})
	case NotImplemented:
		return append(code, i32Const(int64(abi.ResultNotImplemented)))
	case Empty:
		return append(code,
			i32Const(0), globalSet(gResultPtr),
			i32Const(0), globalSet(gResultLen),
			i32Const(int64(abi.ResultOK)),
		)
	}

	src, size := i32Const(int64(payloadOff)), i32Const(int64(len(m.Payload)))
	if m.Behavior == Echo {
		src, size = localGet(2), localGet(3)
	}
	status := abi.ResultOK
	if m.Behavior == Fail {
		status = abi.ResultError
	}

	return append(code,
		size, call(fAlloc), localSet(5),
		localGet(5), src, size, []byte{0xFC, 0x0A, 0x00, 0x00}, // memory.copy
		localGet(5), globalSet(gResultPtr),
		size, globalSet(gResultLen),
		i32Const(int64(status)),
	)
}

// Write stores the module as plugin.wasm under dir and returns its path.
func Write(tb testing.TB, dir string, m HookModule) string {
	tb.Helper()
	path := filepath.Join(dir, "plugin.wasm")
	if err := os.WriteFile(path, m.Build(), 0o644); err != nil {
		tb.Fatalf("write test module: %v", err)
	}
	return path
}

func sig(params, results []byte) []byte {
	return cat([]byte{funcTyp}, uleb(uint64(len(params))), params, uleb(uint64(len(results))), results)
}

func global(init int64) []byte {
	return cat([]byte{i32, 0x01}, i32Const(init), []byte{opEnd})
}

func body(locals []byte, instrs ...[]byte) []byte {
	if locals == nil {
		locals = []byte{0x00}
	}
	b := cat(locals, cat(instrs...), []byte{opEnd})
	return cat(uleb(uint64(len(b))), b)
}

func dataSegment(offset int, data []byte) []byte {
	return cat([]byte{0x00}, i32Const(int64(offset)), []byte{opEnd}, uleb(uint64(len(data))), data)
}

func increment(g uint64) []byte {
	return cat(globalGet(g), i32Const(1), []byte{opI32Add}, globalSet(g))
}

func localGet(i uint64) []byte  { return cat([]byte{opLocalGet}, uleb(i)) }
func localSet(i uint64) []byte  { return cat([]byte{opLocalSet}, uleb(i)) }
func globalGet(i uint64) []byte { return cat([]byte{opGlobalGet}, uleb(i)) }
func globalSet(i uint64) []byte { return cat([]byte{opGlobalSet}, uleb(i)) }
func call(i uint64) []byte      { return cat([]byte{opCall}, uleb(i)) }
func i32Const(v int64) []byte   { return cat([]byte{opI32Const}, sleb(v)) }

func section(id byte, content []byte) []byte {
	return cat([]byte{id}, uleb(uint64(len(content))), content)
}

func vec(items ...[]byte) []byte {
	return cat(uleb(uint64(len(items))), cat(items...))
}

func name(s string) []byte {
	return cat(uleb(uint64(len(s))), []byte(s))
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}

func align(n, to int) int {
	return (n + to - 1) / to * to
}
