package hooks

import (
	"encoding/json"

	"lodestone/internal/domain"
)

// Empty is the argument or result of hooks that carry no data.
type Empty struct{}

func empty() Empty { return Empty{} }

// SubcommandArg is passed to plugins that own a CLI subcommand.
type SubcommandArg struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// InstanceConfigArg carries an instance's raw configuration.
type InstanceConfigArg struct {
	InstanceID string          `json:"instance_id"`
	Config     json.RawMessage `json:"config"`
}

// ModifyInstanceConfigResult lists additions a plugin makes to an instance.
type ModifyInstanceConfigResult struct {
	Packages []string `json:"packages,omitempty"`
	JVMArgs  []string `json:"jvm_args,omitempty"`
	GameArgs []string `json:"game_args,omitempty"`
}

// InstanceArg identifies an instance for lifecycle hooks.
type InstanceArg struct {
	InstanceID  string `json:"instance_id"`
	Side        string `json:"side"`
	GameDir     string `json:"game_dir"`
	VersionInfo string `json:"version_info,omitempty"`
	Loader      string `json:"loader,omitempty"`
}

// InstanceSetupResult lets plugins alter how an instance is launched.
type InstanceSetupResult struct {
	MainClassOverride  string   `json:"main_class_override,omitempty"`
	JarPathOverride    string   `json:"jar_path_override,omitempty"`
	ClasspathExtension []string `json:"classpath_extension,omitempty"`
	JVMArgs            []string `json:"jvm_args,omitempty"`
	GameArgs           []string `json:"game_args,omitempty"`
}

// HandleAuthArg asks a plugin to authenticate a custom account type.
type HandleAuthArg struct {
	AccountID   string `json:"account_id"`
	AccountType string `json:"account_type"`
}

// HandleAuthResult reports the outcome of plugin-driven authentication.
type HandleAuthResult struct {
	Handled bool            `json:"handled"`
	Profile json.RawMessage `json:"profile,omitempty"`
}

// PackageInstructionArg hands an unrecognised package script instruction to plugins.
type PackageInstructionArg struct {
	PackageID string   `json:"package_id"`
	Command   string   `json:"command"`
	Args      []string `json:"args"`
}

// PackageInstructionResult reports whether a plugin handled an instruction.
type PackageInstructionResult struct {
	Handled  bool     `json:"handled"`
	Messages []string `json:"messages,omitempty"`
}

// The launcher's hooks.
var (
	OnLoad = Hook[Empty, Empty]{Name: "on_load", Version: 1, Default: empty}

	Subcommand = Hook[SubcommandArg, Empty]{Name: "subcommand", Version: 1, TakesOver: true, Default: empty}

	ModifyInstanceConfig = Hook[InstanceConfigArg, ModifyInstanceConfigResult]{Name: "modify_instance_config", Version: 1}

	AddVersions = Hook[Empty, []string]{Name: "add_versions", Version: 1, Default: func() []string { return []string{} }}

	OnInstanceSetup = Hook[InstanceArg, InstanceSetupResult]{
		Name:    "on_instance_setup",
		Version: 2,
		Default: func() InstanceSetupResult { return InstanceSetupResult{} },
	}

	OnInstanceLaunch = Hook[InstanceArg, Empty]{Name: "on_instance_launch", Version: 1, Default: empty}

	WhileInstanceLaunch = Hook[InstanceArg, Empty]{Name: "while_instance_launch", Version: 1, Async: true, Default: empty}

	OnInstanceStop = Hook[InstanceArg, Empty]{Name: "on_instance_stop", Version: 1, Default: empty}

	HandleAuth = Hook[HandleAuthArg, HandleAuthResult]{Name: "handle_auth", Version: 1}

	AddTranslations = Hook[string, map[string]string]{
		Name:    "add_translations",
		Version: 1,
		Default: func() map[string]string { return map[string]string{} },
	}

	AddSupportedLoaders = Hook[Empty, []string]{Name: "add_supported_loaders", Version: 1, Default: func() []string { return []string{} }}

	CustomPackageInstruction = Hook[PackageInstructionArg, PackageInstructionResult]{Name: "custom_package_instruction", Version: 1}
)

var catalog = []Definition{
	OnLoad,
	Subcommand,
	ModifyInstanceConfig,
	AddVersions,
	OnInstanceSetup,
	OnInstanceLaunch,
	WhileInstanceLaunch,
	OnInstanceStop,
	HandleAuth,
	AddTranslations,
	AddSupportedLoaders,
	CustomPackageInstruction,
}

// Catalog returns the contract of every known hook.
func Catalog() []domain.HookInfo {
	out := make([]domain.HookInfo, len(catalog))
	for i, d := range catalog {
		out[i] = d.Info()
	}
	return out
}

// Lookup returns the contract of the named hook.
func Lookup(name string) (domain.HookInfo, bool) {
	for _, d := range catalog {
		if info := d.Info(); info.Name == name {
			return info, true
		}
	}
	return domain.HookInfo{}, false
}

// Raw builds an untyped hook from a contract, for callers that relay JSON
// without knowing the hook's Go types.
func Raw(info domain.HookInfo) Hook[json.RawMessage, json.RawMessage] {
	h := Hook[json.RawMessage, json.RawMessage]{
		Name:      info.Name,
		Version:   info.Version,
		TakesOver: info.TakesOver,
		Async:     info.Async,
	}
	if info.HasDefault {
		h.Default = func() json.RawMessage { return nil }
	}
	return h
}
