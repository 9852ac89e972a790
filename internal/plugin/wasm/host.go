package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"lodestone/internal/domain"
	abi "lodestone/pkg/pluginsdk/wasm"
)

// Emitter receives the output actions a module produces during a call.
type Emitter func(domain.Action)

type emitterKey struct{}

// WithEmitter returns a context whose host function calls report to emit.
func WithEmitter(ctx context.Context, emit Emitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, emit)
}

func emitterFrom(ctx context.Context) Emitter {
	if emit, ok := ctx.Value(emitterKey{}).(Emitter); ok && emit != nil {
		return emit
	}
	return func(domain.Action) {}
}

var i32 = api.ValueTypeI32

// registerHostModule instantiates the lodestone_v1 host module on rt. The
// functions are shared by every module instance; each call routes its output
// through the Emitter carried in the call's context.
func registerHostModule(ctx context.Context, rt wazero.Runtime, logger *slog.Logger) error {
	builder := rt.NewHostModuleBuilder(abi.HostModule)

	// text(ptr, len, level)
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			text, err := ReadString(mod, Pointer{Addr: uint32(stack[0]), Len: uint32(stack[1])})
			if err != nil {
				logger.Warn("wasm text: read failed", "error", err)
				return
			}
			emitterFrom(ctx)(domain.Action{Kind: domain.ActionText, Text: text, Level: levelOf(int32(stack[2]))})
		}), []api.ValueType{i32, i32, i32}, nil).
		Export(abi.HostText)

	// message(ptr, len)
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			data, err := ReadBytes(mod, Pointer{Addr: uint32(stack[0]), Len: uint32(stack[1])})
			if err != nil {
				logger.Warn("wasm message: read failed", "error", err)
				return
			}
			var msg domain.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Warn("wasm message: invalid payload", "error", err)
				return
			}
			emitterFrom(ctx)(domain.Action{Kind: domain.ActionMessage, Message: &msg})
		}), []api.ValueType{i32, i32}, nil).
		Export(abi.HostMessage)

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, _ []uint64) {
			emitterFrom(ctx)(domain.Action{Kind: domain.ActionStartProcess})
		}), nil, nil).
		Export(abi.HostStartProcess)

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, _ []uint64) {
			emitterFrom(ctx)(domain.Action{Kind: domain.ActionEndProcess})
		}), nil, nil).
		Export(abi.HostEndProcess)

	// start_section(ptr, len)
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			title, err := ReadString(mod, Pointer{Addr: uint32(stack[0]), Len: uint32(stack[1])})
			if err != nil {
				logger.Warn("wasm start_section: read failed", "error", err)
				return
			}
			emitterFrom(ctx)(domain.Action{Kind: domain.ActionStartSection, Title: title})
		}), []api.ValueType{i32, i32}, nil).
		Export(abi.HostStartSection)

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, _ []uint64) {
			emitterFrom(ctx)(domain.Action{Kind: domain.ActionEndSection})
		}), nil, nil).
		Export(abi.HostEndSection)

	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("%w: instantiate host module: %v", domain.ErrCompile, err)
	}
	return nil
}

func levelOf(level int32) domain.MessageLevel {
	switch level {
	case abi.LevelExtra:
		return domain.LevelExtra
	case abi.LevelDebug:
		return domain.LevelDebug
	case abi.LevelTrace:
		return domain.LevelTrace
	default:
		return domain.LevelImportant
	}
}
