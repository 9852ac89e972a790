package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"lodestone/internal/domain"
)

// ManifestFile is the manifest name inside each plugin directory.
const ManifestFile = "plugin.yaml"

const defaultModuleBinary = "plugin.wasm"

// Discovered is a manifest found on disk together with its directory.
type Discovered struct {
	Dir      string
	Manifest domain.PluginManifest
}

// ScanDirectories walks each directory looking for plugin.yaml manifest files.
// Missing directories, malformed manifests and manifests without a name are
// skipped. Results follow directory order, then entry name order.
func ScanDirectories(dirs []string) ([]Discovered, error) {
	var found []Discovered
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read plugin dir %s: %w", dir, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			pluginDir := filepath.Join(dir, entry.Name())
			m, err := LoadManifest(pluginDir)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) || errors.Is(err, domain.ErrInvalidInput) {
					continue
				}
				return nil, err
			}
			found = append(found, Discovered{Dir: pluginDir, Manifest: m})
		}
	}
	return found, nil
}

// LoadManifest reads and validates the manifest in dir.
func LoadManifest(dir string) (domain.PluginManifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.PluginManifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m domain.PluginManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return domain.PluginManifest{}, fmt.Errorf("%w: parse manifest %s: %v", domain.ErrInvalidInput, path, err)
	}
	if err := ValidateManifest(m); err != nil {
		return domain.PluginManifest{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// ValidateManifest checks the fields the host relies on.
func ValidateManifest(m domain.PluginManifest) error {
	var problems []string
	if strings.TrimSpace(m.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.ContainsAny(m.Name, `/\`) || m.Name == "." || m.Name == ".." {
		problems = append(problems, fmt.Sprintf("name %q must not contain path separators", m.Name))
	}
	switch m.ResolvedKind() {
	case domain.PluginKindModule:
	case domain.PluginKindExecutable:
		if m.Executable == nil || m.Executable.Command == "" {
			problems = append(problems, "executable.command is required for executable plugins")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown kind %q", m.Kind))
	}
	if m.Module != nil && m.Module.ExecTimeout < 0 {
		problems = append(problems, "module.exec_timeout must be >= 0")
	}
	for name, v := range m.Hooks {
		if v == 0 {
			problems = append(problems, fmt.Sprintf("hooks.%s: version must be >= 1", name))
		}
	}
	if m.LodestoneVersion != "" {
		if _, err := semver.NewConstraint(m.LodestoneVersion); err != nil {
			problems = append(problems, fmt.Sprintf("lodestone_version %q: %v", m.LodestoneVersion, err))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

// CheckCompatibility reports whether the manifest accepts hostVersion.
func CheckCompatibility(m domain.PluginManifest, hostVersion string) error {
	if m.LodestoneVersion == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(m.LodestoneVersion)
	if err != nil {
		return fmt.Errorf("%w: lodestone_version %q: %v", domain.ErrInvalidInput, m.LodestoneVersion, err)
	}
	host, err := semver.NewVersion(hostVersion)
	if err != nil {
		return fmt.Errorf("%w: host version %q: %v", domain.ErrInvalidInput, hostVersion, err)
	}
	if ok, reasons := constraint.Validate(host); !ok {
		msgs := make([]string, len(reasons))
		for i, r := range reasons {
			msgs[i] = r.Error()
		}
		return fmt.Errorf("%w: requires lodestone %s: %s", domain.ErrIncompatiblePlugin,
			m.LodestoneVersion, strings.Join(msgs, "; "))
	}
	return nil
}

// Resolve turns a discovered manifest into a registered plugin. custom
// overlays the manifest's default config. Paths are made absolute so they
// stay valid from inside the plugin's working directory.
func Resolve(d Discovered, custom map[string]any) (domain.Plugin, error) {
	m := d.Manifest
	dir, err := filepath.Abs(d.Dir)
	if err != nil {
		return domain.Plugin{}, fmt.Errorf("%w: plugin %q dir: %v", domain.ErrIO, m.Name, err)
	}
	d.Dir = dir
	p := domain.Plugin{
		ID:       m.Name,
		Kind:     m.ResolvedKind(),
		Dir:      d.Dir,
		Manifest: m,
	}

	switch p.Kind {
	case domain.PluginKindModule:
		binary := defaultModuleBinary
		if m.Module != nil && m.Module.Binary != "" {
			binary = m.Module.Binary
		}
		p.BinaryPath = resolvePath(d.Dir, binary)
	case domain.PluginKindExecutable:
		if m.Executable == nil || m.Executable.Command == "" {
			return domain.Plugin{}, fmt.Errorf("%w: plugin %q has no executable.command", domain.ErrInvalidInput, m.Name)
		}
		p.BinaryPath = resolveCommand(d.Dir, m.Executable.Command)
	default:
		return domain.Plugin{}, fmt.Errorf("%w: plugin %q has unknown kind %q", domain.ErrInvalidInput, m.Name, p.Kind)
	}

	merged := make(map[string]any, len(m.Config)+len(custom))
	maps.Copy(merged, m.Config)
	maps.Copy(merged, custom)
	if len(merged) > 0 {
		data, err := json.Marshal(merged)
		if err != nil {
			return domain.Plugin{}, fmt.Errorf("%w: plugin %q config: %v", domain.ErrInvalidInput, m.Name, err)
		}
		p.Config = data
	}
	return p, nil
}

func resolvePath(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// resolveCommand keeps bare command names for a PATH lookup and anchors
// anything with a separator to the plugin directory.
func resolveCommand(dir, command string) string {
	if filepath.IsAbs(command) || !strings.ContainsAny(command, `/\`) {
		return command
	}
	return filepath.Join(dir, command)
}
