package domain

import (
	"encoding/json"
	"time"
)

// PluginKind selects which call engine serves a plugin.
type PluginKind string

const (
	PluginKindModule     PluginKind = "module"
	PluginKindExecutable PluginKind = "executable"
)

// PluginManifest describes a plugin's identity and the hooks it serves.
// It is read from plugin.yaml in the plugin's directory.
type PluginManifest struct {
	Name             string            `json:"name"                        yaml:"name"`
	Version          string            `json:"version"                     yaml:"version"`
	Description      string            `json:"description"                 yaml:"description"`
	Author           string            `json:"author"                      yaml:"author"`
	Kind             PluginKind        `json:"kind,omitempty"              yaml:"kind,omitempty"`
	LodestoneVersion string            `json:"lodestone_version,omitempty" yaml:"lodestone_version,omitempty"` // semver constraint on the host
	Module           *ModuleConfig     `json:"module,omitempty"            yaml:"module,omitempty"`
	Executable       *ExecutableConfig `json:"executable,omitempty"        yaml:"executable,omitempty"`
	Hooks            map[string]uint16 `json:"hooks,omitempty"             yaml:"hooks,omitempty"` // hook name -> implemented version
	Config           map[string]any    `json:"config,omitempty"            yaml:"config,omitempty"`
}

// ModuleConfig holds configuration for a portable binary module plugin.
type ModuleConfig struct {
	Binary      string        `json:"binary"       yaml:"binary"`       // path to .wasm file (relative to plugin dir)
	ExecTimeout time.Duration `json:"exec_timeout" yaml:"exec_timeout"` // 0 = inherit host default
}

// ExecutableConfig holds configuration for a child-process plugin.
type ExecutableConfig struct {
	Command         string   `json:"command"          yaml:"command"`
	Args            []string `json:"args"             yaml:"args"`
	ProtocolVersion int      `json:"protocol_version" yaml:"protocol_version"`
}

// ResolvedKind returns the declared kind, or infers it from the present block.
func (m PluginManifest) ResolvedKind() PluginKind {
	if m.Kind != "" {
		return m.Kind
	}
	if m.Executable != nil {
		return PluginKindExecutable
	}
	return PluginKindModule
}

// DeclaredHook reports the version the manifest declares for a hook.
func (m PluginManifest) DeclaredHook(name string) (uint16, bool) {
	v, ok := m.Hooks[name]
	return v, ok
}

// Plugin is a registered plugin as the host sees it.
type Plugin struct {
	ID         string
	Kind       PluginKind
	BinaryPath string
	Dir        string
	Manifest   PluginManifest
	Config     json.RawMessage // effective custom config handed to the plugin
}

// PluginRegistry is the read-only view of registered plugins the dispatcher
// iterates. Order is stable and defines fan-out order.
type PluginRegistry interface {
	List() []Plugin
	Get(id string) (Plugin, bool)
}
