package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lodestone/internal/domain"
	"lodestone/internal/infra/config"
	"lodestone/internal/plugin/wasm/wasmtest"
)

type testEnv struct {
	configPath string
	pluginsDir string
	cacheDir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		configPath: filepath.Join(root, "config.yaml"),
		pluginsDir: filepath.Join(root, "plugins"),
		cacheDir:   filepath.Join(root, "cache"),
	}
	cfg := fmt.Sprintf(`data_dir: %s
logger:
  level: error
  output: stderr
plugins:
  dirs: [%s]
  cache_dir: %s
  disabled: ["off-*"]
`, root, env.pluginsDir, env.cacheDir)
	require.NoError(t, os.WriteFile(env.configPath, []byte(cfg), 0o600))
	require.NoError(t, os.Chmod(env.configPath, 0o600))
	return env
}

func (e *testEnv) installModule(t *testing.T, name string, m wasmtest.HookModule) {
	t.Helper()
	dir := filepath.Join(e.pluginsDir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := fmt.Sprintf("name: %s\nversion: \"1.2.0\"\nhooks:\n  add_supported_loaders: 1\n", name)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(manifest), 0o644))
	wasmtest.Write(t, dir, m)
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(""))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestHooksList(t *testing.T) {
	out, _, err := execute(t, "hooks", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "on_load")
	assert.Regexp(t, `subcommand\s+v1\s+takes_over`, out)
	assert.Regexp(t, `while_instance_launch\s+v1\s+async`, out)
}

func TestPluginsList(t *testing.T) {
	env := newTestEnv(t)
	env.installModule(t, "loaders", wasmtest.HookModule{Behavior: wasmtest.Raw, Payload: []byte(`["fabric"]`)})
	env.installModule(t, "off-legacy", wasmtest.HookModule{Behavior: wasmtest.Echo})

	out, _, err := execute(t, "--config", env.configPath, "plugins", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "loaders")
	assert.Contains(t, out, "add_supported_loaders@1")
	assert.Contains(t, out, "v1.2.0")
	assert.Contains(t, out, "off-legacy")
	assert.Contains(t, out, "skipped")
}

func TestPluginsListEmpty(t *testing.T) {
	env := newTestEnv(t)
	out, _, err := execute(t, "--config", env.configPath, "plugins", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No plugins registered.")
}

func TestPluginsValidate(t *testing.T) {
	env := newTestEnv(t)
	env.installModule(t, "valid", wasmtest.HookModule{Behavior: wasmtest.Echo})

	out, _, err := execute(t, "plugins", "validate", filepath.Join(env.pluginsDir, "valid"))
	require.NoError(t, err)
	assert.Contains(t, out, "valid is valid")

	broken := filepath.Join(env.pluginsDir, "broken")
	require.NoError(t, os.MkdirAll(broken, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(broken, "plugin.yaml"), []byte("version: 1.0.0\n"), 0o644))
	_, _, err = execute(t, "plugins", "validate", broken)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	newer := filepath.Join(env.pluginsDir, "newer")
	require.NoError(t, os.MkdirAll(newer, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(newer, "plugin.yaml"), []byte("name: newer\nlodestone_version: \">=9.0\"\n"), 0o644))
	_, _, err = execute(t, "plugins", "validate", newer)
	assert.ErrorIs(t, err, domain.ErrIncompatiblePlugin)
}

func TestHookCall(t *testing.T) {
	env := newTestEnv(t)
	env.installModule(t, "loaders", wasmtest.HookModule{
		Behavior: wasmtest.Raw,
		Payload:  []byte(`["fabric","quilt"]`),
		Text:     "scanning loaders",
	})

	out, _, err := execute(t, "--config", env.configPath, "hook", "call", "add_supported_loaders")
	require.NoError(t, err)
	assert.Contains(t, out, "scanning loaders")
	assert.Contains(t, out, `loaders: ["fabric","quilt"]`)
}

func TestHookCallFailures(t *testing.T) {
	env := newTestEnv(t)
	env.installModule(t, "grumpy", wasmtest.HookModule{Behavior: wasmtest.Fail, Payload: []byte("no loaders today")})

	out, _, err := execute(t, "--config", env.configPath, "hook", "call", "add_supported_loaders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 plugin calls failed")
	assert.Contains(t, out, "no loaders today")

	_, _, err = execute(t, "--config", env.configPath, "hook", "call", "no_such_hook")
	assert.Equal(t, domain.CodeHookNotFound, domain.ErrorCodeOf(err))

	_, _, err = execute(t, "--config", env.configPath, "hook", "call", "on_load", "--arg", "{nope")
	assert.ErrorIs(t, err, domain.ErrMalformedArgument)

	_, _, err = execute(t, "--config", env.configPath, "hook", "call", "on_load", "--plugin", "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCacheClear(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.MkdirAll(filepath.Join(env.cacheDir, "native"), 0o755))
	artifact := filepath.Join(env.cacheDir, "loaders.wasmc")
	require.NoError(t, os.WriteFile(artifact, []byte("stale"), 0o644))

	out, _, err := execute(t, "--config", env.configPath, "cache", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "cleared")
	assert.NoFileExists(t, artifact)
	assert.NoDirExists(t, filepath.Join(env.cacheDir, "native"))
}

func TestConfigEncrypt(t *testing.T) {
	t.Setenv(config.ConfigKeyEnv, "correct horse")
	out, _, err := execute(t, "config", "encrypt", "token-123")
	require.NoError(t, err)

	value := strings.TrimSpace(out)
	require.True(t, strings.HasPrefix(value, "enc:"), value)
	plain, err := config.DecryptValue(strings.TrimPrefix(value, "enc:"), "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "token-123", plain)

	t.Setenv(config.ConfigKeyEnv, "")
	_, _, err = execute(t, "config", "encrypt", "x")
	assert.ErrorIs(t, err, domain.ErrEncryption)
}
