package terminal

import (
	"errors"

	"lodestone/internal/domain"
)

// FriendlyError is a user-facing error with suggestions for recovery.
type FriendlyError struct {
	Title   string
	Message string
	Hints   []string
	Code    domain.ErrorCode
	Raw     string // original error text
}

type errorPattern struct {
	sentinel error
	title    string
	message  string
	hints    []string
}

var patterns = []errorPattern{
	{
		sentinel: domain.ErrPluginMissing,
		title:    "Plugin Binary Missing",
		message:  "The plugin's module file or command could not be found.",
		hints:    []string{"Check the binary or command path in plugin.yaml", "Reinstall the plugin"},
	},
	{
		sentinel: domain.ErrCompile,
		title:    "Module Failed To Compile",
		message:  "The plugin module is not a valid WebAssembly module for this host.",
		hints:    []string{"Rebuild the plugin against the current SDK", "Run 'lodestone cache clear' and try again"},
	},
	{
		sentinel: domain.ErrVersionMismatch,
		title:    "Hook Version Mismatch",
		message:  "The plugin implements a different version of this hook than the host.",
		hints:    []string{"Update the plugin", "Update lodestone"},
	},
	{
		sentinel: domain.ErrProtocolMismatch,
		title:    "Protocol Version Mismatch",
		message:  "The plugin speaks a protocol version this host does not support.",
		hints:    []string{"Update lodestone or pin the plugin's protocol_version"},
	},
	{
		sentinel: domain.ErrPluginError,
		title:    "Plugin Reported An Error",
	},
	{
		sentinel: domain.ErrUnexpectedExit,
		title:    "Plugin Exited Unexpectedly",
		message:  "The plugin process ended without reporting a result.",
		hints:    []string{"Run with --log-level debug to see the plugin's stderr"},
	},
	{
		sentinel: domain.ErrMalformedResult,
		title:    "Malformed Plugin Output",
		message:  "The plugin produced output the host could not understand.",
		hints:    []string{"Check that the plugin was built with a compatible SDK"},
	},
	{
		sentinel: domain.ErrPluginUnavailable,
		title:    "Plugin Temporarily Disabled",
		message:  "The plugin failed repeatedly and calls to it are paused.",
		hints:    []string{"Wait a moment and try again", "Tune plugins.breaker in config"},
	},
	{
		sentinel: domain.ErrTimeout,
		title:    "Plugin Timed Out",
		hints:    []string{"Raise plugins.exec_timeout or module.exec_timeout in plugin.yaml"},
	},
	{
		sentinel: domain.ErrNotImplemented,
		title:    "Hook Not Implemented",
		message:  "The plugin does not provide this hook.",
	},
	{
		sentinel: domain.ErrDisabled,
		title:    "Plugin Disabled",
		hints:    []string{"Remove the plugin from plugins.disabled"},
	},
	{
		sentinel: domain.ErrNotFound,
		title:    "Not Found",
		hints:    []string{"Run 'lodestone plugins list' to see registered plugins"},
	},
	{
		sentinel: domain.ErrDecryption,
		title:    "Config Decryption Failed",
		hints:    []string{"Check LODESTONE_CONFIG_KEY"},
	},
}

// Friendly translates err into a FriendlyError. Unknown errors get a
// generic title and keep their text.
func Friendly(err error) FriendlyError {
	fe := FriendlyError{Title: "Error", Code: domain.ErrorCodeOf(err)}
	if err == nil {
		return fe
	}
	fe.Raw = err.Error()
	for _, p := range patterns {
		if errors.Is(err, p.sentinel) {
			fe.Title = p.title
			fe.Message = p.message
			fe.Hints = p.hints
			break
		}
	}
	var he *domain.HookError
	if errors.As(err, &he) && fe.Message == "" {
		fe.Message = "plugin " + he.PluginID + ", hook " + he.Hook
	}
	return fe
}
