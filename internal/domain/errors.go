package domain

import (
	"errors"
	"fmt"
)

// Category sentinels; use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
)

// Sentinel errors for the plugin hook core.
var (
	ErrPluginMissing      = fmt.Errorf("plugin binary missing")
	ErrCompile            = fmt.Errorf("module compilation failed")
	ErrVersionMismatch    = fmt.Errorf("hook version mismatch")
	ErrMalformedResult    = fmt.Errorf("malformed hook result")
	ErrMalformedArgument  = fmt.Errorf("malformed hook argument")
	ErrPluginError        = fmt.Errorf("plugin error")
	ErrUnexpectedExit     = fmt.Errorf("plugin exited unexpectedly")
	ErrIO                 = fmt.Errorf("plugin i/o failed")
	ErrProtocolMismatch   = fmt.Errorf("protocol version mismatch")
	ErrNotImplemented     = fmt.Errorf("hook not implemented")
	ErrPluginUnavailable  = fmt.Errorf("plugin temporarily unavailable")
	ErrHandleConsumed     = fmt.Errorf("hook handle already consumed")
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")
	ErrDecryption         = fmt.Errorf("decryption failed")
	ErrEncryption         = fmt.Errorf("encryption operation failed")
	ErrIncompatiblePlugin = fmt.Errorf("plugin requires a different host version")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "ModuleCache.Load")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "wasm", "exec"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// HookError attributes a failure to the plugin and hook that produced it.
type HookError struct {
	PluginID string
	Hook     string
	Err      error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("plugin %q: hook %q: %s", e.PluginID, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// NewHookError wraps err with plugin and hook attribution. Already attributed
// errors are returned unchanged.
func NewHookError(pluginID, hook string, err error) error {
	if err == nil {
		return nil
	}
	var he *HookError
	if errors.As(err, &he) {
		return err
	}
	return &HookError{PluginID: pluginID, Hook: hook, Err: err}
}

// IsInfrastructureError reports whether err comes from the plumbing around a
// plugin rather than from the plugin's own logic. Only these count against a
// plugin's failure budget.
func IsInfrastructureError(err error) bool {
	return errors.Is(err, ErrIO) ||
		errors.Is(err, ErrUnexpectedExit) ||
		errors.Is(err, ErrCompile) ||
		errors.Is(err, ErrMalformedResult) ||
		errors.Is(err, ErrProtocolMismatch)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodePluginMissing      ErrorCode = "PLUGIN_MISSING"
	CodeCompile            ErrorCode = "COMPILE_ERROR"
	CodeVersionMismatch    ErrorCode = "VERSION_MISMATCH"
	CodeMalformedResult    ErrorCode = "MALFORMED_RESULT"
	CodeMalformedArgument  ErrorCode = "MALFORMED_ARGUMENT"
	CodePluginError        ErrorCode = "PLUGIN_ERROR"
	CodeUnexpectedExit     ErrorCode = "UNEXPECTED_EXIT"
	CodeIO                 ErrorCode = "IO_ERROR"
	CodeProtocolMismatch   ErrorCode = "PROTOCOL_MISMATCH"
	CodeNotImplemented     ErrorCode = "NOT_IMPLEMENTED"
	CodePluginUnavailable  ErrorCode = "PLUGIN_UNAVAILABLE"
	CodeHandleConsumed     ErrorCode = "HANDLE_CONSUMED"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeEncryption         ErrorCode = "ENCRYPTION"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeIncompatiblePlugin ErrorCode = "INCOMPATIBLE_PLUGIN"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodePluginNotFound  ErrorCode = "PLUGIN_NOT_FOUND"
	CodePluginDuplicate ErrorCode = "PLUGIN_DUPLICATE"
	CodePluginDisabled  ErrorCode = "PLUGIN_DISABLED"
	CodeHookNotFound    ErrorCode = "HOOK_NOT_FOUND"
	CodeWASMTimeout     ErrorCode = "WASM_TIMEOUT"

	// Category error codes: fallback codes when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrPermissionDenied: CodePermissionDenied,
	ErrDisabled:         CodeDisabled,
	ErrInvalidInput:     CodeInvalidInput,

	ErrPluginMissing:      CodePluginMissing,
	ErrCompile:            CodeCompile,
	ErrVersionMismatch:    CodeVersionMismatch,
	ErrMalformedResult:    CodeMalformedResult,
	ErrMalformedArgument:  CodeMalformedArgument,
	ErrPluginError:        CodePluginError,
	ErrUnexpectedExit:     CodeUnexpectedExit,
	ErrIO:                 CodeIO,
	ErrProtocolMismatch:   CodeProtocolMismatch,
	ErrNotImplemented:     CodeNotImplemented,
	ErrPluginUnavailable:  CodePluginUnavailable,
	ErrHandleConsumed:     CodeHandleConsumed,
	ErrConfigLoad:         CodeConfigLoad,
	ErrEncryption:         CodeEncryption,
	ErrDecryption:         CodeDecryption,
	ErrIncompatiblePlugin: CodeIncompatiblePlugin,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"plugin": CodePluginNotFound,
		"hook":   CodeHookNotFound,
	},
	ErrDuplicate: {
		"plugin": CodePluginDuplicate,
	},
	ErrDisabled: {
		"plugin": CodePluginDisabled,
	},
	ErrTimeout: {
		"wasm": CodeWASMTimeout,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, it also checks the subSystemCodeMap
// to resolve category sentinels to specific codes.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
