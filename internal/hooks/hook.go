// Package hooks defines the typed contract between the launcher and its
// plugins: each hook has a name, a version that is bumped whenever the wire
// shape of its argument or result changes, and the behavioural flags that
// decide how the dispatcher runs it.
package hooks

import (
	"bytes"
	"encoding/json"
	"fmt"

	"lodestone/internal/domain"
)

// Hook is a named, versioned extension point with argument type A and
// result type R. Both must round-trip through JSON.
type Hook[A, R any] struct {
	Name      string
	Version   uint16
	TakesOver bool
	Async     bool
	// Default produces the result used when a plugin ends the call without
	// sending one. Nil means the hook has no default.
	Default func() R
}

// Definition is the type-erased view of a Hook.
type Definition interface {
	Info() domain.HookInfo
}

// Info returns the untyped contract of the hook.
func (h Hook[A, R]) Info() domain.HookInfo {
	return domain.HookInfo{
		Name:       h.Name,
		Version:    h.Version,
		TakesOver:  h.TakesOver,
		Async:      h.Async,
		HasDefault: h.Default != nil,
	}
}

// EncodeArgument serializes arg into the wire format.
func (h Hook[A, R]) EncodeArgument(arg A) ([]byte, error) {
	data, err := json.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrMalformedArgument, h.Name, err)
	}
	return data, nil
}

// DecodeResult parses a plugin's result payload. An absent payload yields
// the hook's default, or the zero value if it has none.
func (h Hook[A, R]) DecodeResult(data []byte) (R, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return h.DefaultResult(), nil
	}
	var out R
	if err := json.Unmarshal(trimmed, &out); err != nil {
		var zero R
		return zero, fmt.Errorf("%w: %s: %v", domain.ErrMalformedResult, h.Name, err)
	}
	return out, nil
}

// DefaultResult returns the hook's default result or the zero value.
func (h Hook[A, R]) DefaultResult() R {
	if h.Default != nil {
		return h.Default()
	}
	var zero R
	return zero
}
