package wasm

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"lodestone/internal/domain"
	"lodestone/internal/plugin/wasm/wasmtest"
	abi "lodestone/pkg/pluginsdk/wasm"
)

type recorder struct {
	mu      sync.Mutex
	actions []domain.Action
}

func (r *recorder) emit(a domain.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
}

func (r *recorder) all() []domain.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Action(nil), r.actions...)
}

var onLoad = domain.HookInfo{Name: "on_load", Version: 1, HasDefault: true}

func call(t *testing.T, rt *Runtime, m wasmtest.HookModule, hook domain.HookInfo, arg string) ([]byte, []domain.Action, error) {
	t.Helper()
	rec := &recorder{}
	payload, err := rt.Call(context.Background(), compileModule(t, rt, m), CallRequest{
		PluginID: "test",
		Hook:     hook,
		Argument: []byte(arg),
	}, rec.emit)
	return payload, rec.all(), err
}

func TestCall_Echo(t *testing.T) {
	rt := newTestRuntime(t)

	payload, actions, err := call(t, rt, wasmtest.HookModule{Behavior: wasmtest.Echo, Text: "hello from module"}, onLoad, `{"x":1}`)
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(payload))

	require.Len(t, actions, 1)
	assert.Equal(t, domain.ActionText, actions[0].Kind)
	assert.Equal(t, "hello from module", actions[0].Text)
	assert.Equal(t, domain.LevelImportant, actions[0].Level)
}

func TestCall_RawResult(t *testing.T) {
	rt := newTestRuntime(t)

	payload, _, err := call(t, rt, wasmtest.HookModule{Behavior: wasmtest.Raw, Payload: []byte(`["1.20.1","1.21"]`)}, onLoad, `{}`)
	require.NoError(t, err)
	assert.Equal(t, `["1.20.1","1.21"]`, string(payload))
}

func TestCall_EmptyResult(t *testing.T) {
	rt := newTestRuntime(t)

	payload, _, err := call(t, rt, wasmtest.HookModule{Behavior: wasmtest.Empty}, onLoad, `{}`)
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestCall_AllocationsPaired(t *testing.T) {
	tests := []struct {
		name   string
		module wasmtest.HookModule
		allocs uint32
	}{
		// name + argument + result
		{"echo", wasmtest.HookModule{Behavior: wasmtest.Echo}, 3},
		// probe name + name + argument + result
		{"echo with probe", wasmtest.HookModule{Behavior: wasmtest.Echo, Probe: true, Version: 1}, 4},
		// name + argument + error message
		{"error", wasmtest.HookModule{Behavior: wasmtest.Fail, Payload: []byte("boom")}, 3},
		// name + argument; nothing returned
		{"not implemented", wasmtest.HookModule{Behavior: wasmtest.NotImplemented}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newTestRuntime(t)
			var allocs, deallocs uint32
			rt.inspect = func(mod api.Module) {
				allocs, deallocs = counters(t, mod)
			}

			_, _, _ = call(t, rt, tt.module, onLoad, `{"instance_id":"a"}`)
			assert.Equal(t, tt.allocs, allocs)
			assert.Equal(t, allocs, deallocs, "every allocation must be released")
		})
	}
}

func TestCall_InputsReleasedWhenModuleTraps(t *testing.T) {
	rt := newTestRuntime(t)
	var allocs, deallocs uint32
	rt.inspect = func(mod api.Module) {
		allocs, deallocs = counters(t, mod)
	}

	_, _, err := call(t, rt, wasmtest.HookModule{Behavior: wasmtest.Trap}, onLoad, `{}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPluginError)
	assert.Equal(t, uint32(2), allocs)
	assert.Equal(t, uint32(2), deallocs)
}

func TestCall_PluginError(t *testing.T) {
	rt := newTestRuntime(t)

	_, _, err := call(t, rt, wasmtest.HookModule{Behavior: wasmtest.Fail, Payload: []byte("instance directory is read-only")}, onLoad, `{}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPluginError)
	assert.Contains(t, err.Error(), "instance directory is read-only")
}

func TestCall_VersionGating(t *testing.T) {
	tests := []struct {
		name   string
		module wasmtest.HookModule
	}{
		{"probe reports newer version", wasmtest.HookModule{Probe: true, Version: 2, Behavior: wasmtest.Echo, Text: "handler ran"}},
		{"entrypoint rejects version", wasmtest.HookModule{CheckVersion: true, Version: 2, Behavior: wasmtest.Echo, Text: "handler ran"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newTestRuntime(t)

			_, actions, err := call(t, rt, tt.module, onLoad, `{}`)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrVersionMismatch)
			assert.Empty(t, actions, "hook code must not run on version mismatch")
		})
	}
}

func TestCall_MatchingVersionRuns(t *testing.T) {
	rt := newTestRuntime(t)

	m := wasmtest.HookModule{Probe: true, CheckVersion: true, Version: 1, Behavior: wasmtest.Echo, Text: "handler ran"}
	payload, actions, err := call(t, rt, m, onLoad, `"ok"`)
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(payload))
	assert.Len(t, actions, 1)
}

func TestCall_NotImplemented(t *testing.T) {
	rt := newTestRuntime(t)

	_, actions, err := call(t, rt, wasmtest.HookModule{Probe: true, Version: abi.VersionNotImplemented, Text: "x"}, onLoad, `{}`)
	assert.ErrorIs(t, err, domain.ErrNotImplemented)
	assert.Empty(t, actions)

	_, _, err = call(t, rt, wasmtest.HookModule{Behavior: wasmtest.NotImplemented}, onLoad, `{}`)
	assert.ErrorIs(t, err, domain.ErrNotImplemented)
}

func TestCall_MissingRequiredExport(t *testing.T) {
	rt := newTestRuntime(t)

	for _, name := range abi.RequiredExports {
		t.Run(name, func(t *testing.T) {
			_, _, err := call(t, rt, wasmtest.HookModule{Omit: name}, onLoad, `{}`)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrCompile)
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestCall_ConcurrentCallsAreIsolated(t *testing.T) {
	rt := newTestRuntime(t)
	compiled := compileModule(t, rt, wasmtest.HookModule{Behavior: wasmtest.Echo})

	const n = 16
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			arg := fmt.Sprintf(`{"call":%d}`, i)
			payload, err := rt.Call(context.Background(), compiled, CallRequest{
				PluginID: "test",
				Hook:     onLoad,
				Argument: []byte(arg),
			}, nil)
			results[i], errs[i] = string(payload), err
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf(`{"call":%d}`, i), results[i])
	}
}

func TestCall_CancelledContext(t *testing.T) {
	rt := newTestRuntime(t)
	compiled := compileModule(t, rt, wasmtest.HookModule{Behavior: wasmtest.Echo})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rt.Call(ctx, compiled, CallRequest{PluginID: "test", Hook: onLoad, Argument: []byte(`{}`)}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProbe(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t)

	v, ok, err := rt.Probe(ctx, compileModule(t, rt, wasmtest.HookModule{Probe: true, Version: 7}), "on_load")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint16(7), v)

	_, ok, err = rt.Probe(ctx, compileModule(t, rt, wasmtest.HookModule{Probe: true, Version: abi.VersionNotImplemented}), "on_load")
	assert.ErrorIs(t, err, domain.ErrNotImplemented)
	assert.True(t, ok)

	_, _, err = rt.Probe(ctx, compileModule(t, rt, wasmtest.HookModule{Probe: true, Version: -5}), "on_load")
	assert.ErrorIs(t, err, domain.ErrMalformedResult)

	_, ok, err = rt.Probe(ctx, compileModule(t, rt, wasmtest.HookModule{}), "on_load")
	require.NoError(t, err)
	assert.False(t, ok)
}
