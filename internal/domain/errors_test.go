package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("ModuleCache.Load", ErrCompile, "plugin 'fabric'")
	want := "ModuleCache.Load: plugin 'fabric': module compilation failed"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Process.Start", ErrPluginMissing, "")
	want := "Process.Start: plugin binary missing"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewDomainError("Registry.Register", ErrDuplicate, "quilt"))
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "Registry.Register" {
		t.Errorf("Op = %q, want %q", de.Op, "Registry.Register")
	}
	if !errors.Is(err, ErrDuplicate) {
		t.Error("errors.Is should match ErrDuplicate")
	}
}

func TestWrapOp(t *testing.T) {
	assert.Nil(t, WrapOp("op", nil))
	err := WrapOp("Runtime.Call", ErrIO)
	assert.EqualError(t, err, "Runtime.Call: plugin i/o failed")
	assert.ErrorIs(t, err, ErrIO)
}

func TestHookError(t *testing.T) {
	err := NewHookError("fabric", "on_load", fmt.Errorf("%w: boom", ErrPluginError))
	assert.EqualError(t, err, `plugin "fabric": hook "on_load": plugin error: boom`)
	assert.ErrorIs(t, err, ErrPluginError)

	var he *HookError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "fabric", he.PluginID)
	assert.Equal(t, "on_load", he.Hook)

	// Attribution is not stacked.
	again := NewHookError("other", "other_hook", fmt.Errorf("wrapped: %w", err))
	require.ErrorAs(t, again, &he)
	assert.Equal(t, "fabric", he.PluginID)

	assert.Nil(t, NewHookError("x", "y", nil))
}

func TestIsInfrastructureError(t *testing.T) {
	infra := []error{ErrIO, ErrUnexpectedExit, ErrCompile, ErrMalformedResult, ErrProtocolMismatch}
	for _, err := range infra {
		assert.True(t, IsInfrastructureError(NewHookError("p", "h", err)), err.Error())
	}
	plugin := []error{ErrPluginError, ErrNotImplemented, ErrVersionMismatch, ErrPluginMissing, ErrHandleConsumed}
	for _, err := range plugin {
		assert.False(t, IsInfrastructureError(err), err.Error())
	}
}

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodePluginError, ErrorCodeOf(ErrPluginError))
	assert.Equal(t, CodeNotImplemented, ErrorCodeOf(ErrNotImplemented))
	assert.Equal(t, CodeNotFound, ErrorCodeOf(ErrNotFound))
}

func TestErrorCodeOf_Wrapped(t *testing.T) {
	err := NewHookError("quilt", "handle_auth", fmt.Errorf("%w: exit status 3", ErrUnexpectedExit))
	assert.Equal(t, CodeUnexpectedExit, ErrorCodeOf(err))
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{NewSubSystemError("plugin", "Registry.Get", ErrNotFound, "x"), CodePluginNotFound},
		{NewSubSystemError("hook", "Catalog.Lookup", ErrNotFound, "x"), CodeHookNotFound},
		{NewSubSystemError("plugin", "Registry.Register", ErrDuplicate, "x"), CodePluginDuplicate},
		{NewSubSystemError("wasm", "Runtime.Call", ErrTimeout, ""), CodeWASMTimeout},
		{NewSubSystemError("exec", "Process.Run", ErrTimeout, ""), CodeTimeout},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCodeOf(tt.err), tt.err.Error())
	}
}

func TestErrorCodeOf_Unknown(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(errors.New("plain")))
}

func TestErrorCodeMapComplete(t *testing.T) {
	for sentinel, code := range errorCodeMap {
		assert.NotEmpty(t, code, "sentinel %v has an empty code", sentinel)
	}
}
