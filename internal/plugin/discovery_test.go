package plugin

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lodestone/internal/domain"
)

func writeManifest(t *testing.T, root, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(content), 0o644))
	return dir
}

func TestScanDirectories(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()

	writeManifest(t, first, "b-module", `
name: b-module
version: "1.0.0"
module:
  binary: build/plugin.wasm
  exec_timeout: 5s
hooks:
  on_load: 1
  add_versions: 1
`)
	writeManifest(t, first, "a-exec", `
name: a-exec
executable:
  command: ./run.sh
  args: ["--quiet"]
  protocol_version: 1
`)
	writeManifest(t, first, "broken", "{{{ not yaml")
	writeManifest(t, first, "nameless", "version: 1.0.0\n")
	require.NoError(t, os.MkdirAll(filepath.Join(first, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(first, "stray.yaml"), []byte("name: stray"), 0o644))
	writeManifest(t, second, "c-module", "name: c-module\n")

	found, err := ScanDirectories([]string{first, filepath.Join(first, "missing"), second})
	require.NoError(t, err)
	require.Len(t, found, 3)

	assert.Equal(t, "a-exec", found[0].Manifest.Name)
	assert.Equal(t, domain.PluginKindExecutable, found[0].Manifest.ResolvedKind())
	assert.Equal(t, []string{"--quiet"}, found[0].Manifest.Executable.Args)

	assert.Equal(t, "b-module", found[1].Manifest.Name)
	assert.Equal(t, 5*time.Second, found[1].Manifest.Module.ExecTimeout)
	v, ok := found[1].Manifest.DeclaredHook("add_versions")
	assert.True(t, ok)
	assert.Equal(t, uint16(1), v)

	assert.Equal(t, "c-module", found[2].Manifest.Name)
	assert.Equal(t, filepath.Join(second, "c-module"), found[2].Dir)
}

func TestValidateManifest(t *testing.T) {
	tests := []struct {
		name    string
		m       domain.PluginManifest
		wantErr bool
	}{
		{"module", domain.PluginManifest{Name: "ok"}, false},
		{"executable", domain.PluginManifest{Name: "ok", Executable: &domain.ExecutableConfig{Command: "run"}}, false},
		{"empty name", domain.PluginManifest{Name: "  "}, true},
		{"path in name", domain.PluginManifest{Name: "../escape"}, true},
		{"dot name", domain.PluginManifest{Name: ".."}, true},
		{"unknown kind", domain.PluginManifest{Name: "x", Kind: "daemon"}, true},
		{"executable without command", domain.PluginManifest{Name: "x", Kind: domain.PluginKindExecutable}, true},
		{"negative timeout", domain.PluginManifest{Name: "x", Module: &domain.ModuleConfig{ExecTimeout: -time.Second}}, true},
		{"hook version zero", domain.PluginManifest{Name: "x", Hooks: map[string]uint16{"on_load": 0}}, true},
		{"bad constraint", domain.PluginManifest{Name: "x", LodestoneVersion: "banana"}, true},
		{"good constraint", domain.PluginManifest{Name: "x", LodestoneVersion: ">=0.4, <1.0"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateManifest(tt.m)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidInput)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckCompatibility(t *testing.T) {
	m := domain.PluginManifest{Name: "x", LodestoneVersion: "^0.4"}
	assert.NoError(t, CheckCompatibility(m, "0.4.2"))
	assert.ErrorIs(t, CheckCompatibility(m, "0.5.0"), domain.ErrIncompatiblePlugin)
	assert.NoError(t, CheckCompatibility(domain.PluginManifest{Name: "any"}, "9.9.9"))
	assert.ErrorIs(t, CheckCompatibility(m, "not-a-version"), domain.ErrInvalidInput)
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()

	t.Run("module default binary", func(t *testing.T) {
		p, err := Resolve(Discovered{Dir: dir, Manifest: domain.PluginManifest{Name: "m"}}, nil)
		require.NoError(t, err)
		assert.Equal(t, domain.PluginKindModule, p.Kind)
		assert.Equal(t, filepath.Join(dir, "plugin.wasm"), p.BinaryPath)
		assert.Nil(t, p.Config)
	})

	t.Run("executable commands", func(t *testing.T) {
		for command, want := range map[string]string{
			"python3":          "python3",
			"./bin/run":        filepath.Join(dir, "bin", "run"),
			"/usr/bin/plugin1": "/usr/bin/plugin1",
		} {
			p, err := Resolve(Discovered{Dir: dir, Manifest: domain.PluginManifest{
				Name:       "e",
				Executable: &domain.ExecutableConfig{Command: command},
			}}, nil)
			require.NoError(t, err)
			assert.Equal(t, want, p.BinaryPath, command)
		}
	})

	t.Run("custom config overlays manifest config", func(t *testing.T) {
		p, err := Resolve(Discovered{Dir: dir, Manifest: domain.PluginManifest{
			Name:   "c",
			Config: map[string]any{"mirror": "default", "retries": 2},
		}}, map[string]any{"mirror": "eu"})
		require.NoError(t, err)

		var cfg map[string]any
		require.NoError(t, json.Unmarshal(p.Config, &cfg))
		assert.Equal(t, "eu", cfg["mirror"])
		assert.EqualValues(t, 2, cfg["retries"])
	})
}
