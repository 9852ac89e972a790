// Package wasm describes the calling convention between lodestone and
// plugins compiled to WebAssembly modules.
//
// Any toolchain that can target wasm32 works (TinyGo, Rust, Zig, AssemblyScript).
// A TinyGo plugin looks like:
//
//	//go:build tinygo
//
//	package main
//
//	//go:wasmimport lodestone_v1 text
//	func hostText(ptr, size uint32, level int32)
//
//	//export alloc
//	func alloc(size uint32) uint32 { ... }
//
//	//export dealloc
//	func dealloc(ptr, size uint32) { ... }
//
//	//export entrypoint
//	func entrypoint(namePtr, nameLen, argPtr, argLen, version uint32) int32 { ... }
//
// # Calling convention
//
// Every call runs in a fresh instance of the module. The host places the hook
// name and the JSON argument in module memory with alloc, calls entrypoint,
// then releases both buffers with dealloc whatever the outcome. The module
// leaves its reply in a buffer it allocated and reports its location through
// result_ptr and result_len; the host copies it out and releases it with
// dealloc. A zero pointer or length means "no payload".
//
// entrypoint returns one of the Result* codes. On ResultOK the payload is the
// JSON result (empty means "use the hook's default"); on ResultError it is a
// human-readable message.
//
// # Required exports
//
//   - memory
//   - alloc(size i32) -> i32
//   - dealloc(ptr i32, size i32)
//   - entrypoint(name_ptr, name_len, arg_ptr, arg_len, version i32) -> i32
//   - result_ptr() -> i32
//   - result_len() -> i32
//
// # Optional exports
//
//   - hook_version(name_ptr, name_len i32) -> i32
//     Reports the version of the named hook the module implements, or
//     VersionNotImplemented. When exported, the host checks it before any
//     hook code runs.
//   - _initialize(): reactor initialisation, run once per instance.
//
// # Host functions (lodestone_v1 module)
//
//   - text(ptr, len i32, level i32)           plain output line
//   - message(ptr, len i32)                   JSON {"kind","text","level"}
//   - start_process() / end_process()         progress boundaries
//   - start_section(ptr, len i32) / end_section()
package wasm

// HostModule is the import namespace of the host functions.
const HostModule = "lodestone_v1"

// Export names.
const (
	ExportMemory      = "memory"
	ExportAlloc       = "alloc"
	ExportDealloc     = "dealloc"
	ExportEntrypoint  = "entrypoint"
	ExportResultPtr   = "result_ptr"
	ExportResultLen   = "result_len"
	ExportHookVersion = "hook_version"
	ExportInitialize  = "_initialize"
)

// Host function names.
const (
	HostText         = "text"
	HostMessage      = "message"
	HostStartProcess = "start_process"
	HostEndProcess   = "end_process"
	HostStartSection = "start_section"
	HostEndSection   = "end_section"
)

// Entrypoint result codes.
const (
	ResultOK              int32 = 0
	ResultError           int32 = 1
	ResultVersionMismatch int32 = 2
	ResultNotImplemented  int32 = 3
)

// VersionNotImplemented is returned by hook_version for unknown hooks.
const VersionNotImplemented int32 = -1

// Level values accepted by the text host function.
const (
	LevelImportant int32 = 0
	LevelExtra     int32 = 1
	LevelDebug     int32 = 2
	LevelTrace     int32 = 3
)

// RequiredExports lists the functions every module must export.
var RequiredExports = []string{
	ExportAlloc,
	ExportDealloc,
	ExportEntrypoint,
	ExportResultPtr,
	ExportResultLen,
}
