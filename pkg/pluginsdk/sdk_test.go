package pluginsdk

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lodestone/internal/domain"
	"lodestone/internal/plugin/executable"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func decode(t *testing.T, out *bytes.Buffer) []domain.Action {
	t.Helper()
	var actions []domain.Action
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		a, err := executable.DecodeLine(sc.Bytes(), executable.ProtocolVersion)
		require.NoError(t, err)
		actions = append(actions, a)
	}
	return actions
}

func TestServeResult(t *testing.T) {
	type launchArg struct {
		InstanceID string `json:"instance_id"`
	}
	var got launchArg
	var cfg struct {
		Mirror string `json:"mirror"`
	}
	var seen *Context

	handlers := map[string]HandlerFunc{
		"on_instance_setup": func(c *Context) (any, error) {
			seen = c
			require.NoError(t, c.Argument(&got))
			require.NoError(t, c.CustomConfig(&cfg))
			c.StartSection("Setup")
			c.Text("patching\nclasspath")
			c.Message(MessageSuccess, "ready")
			c.EndSection()
			return map[string]any{"jvm_args": []string{"-Xmx2G"}}, nil
		},
	}

	var out, stderr bytes.Buffer
	code := Serve([]string{"plugin", "on_instance_setup", `{"instance_id":"survival"}`}, env(map[string]string{
		executable.EnvPluginID:        "tuner",
		executable.EnvHookVersion:     "1",
		executable.EnvProtocolVersion: "1",
		executable.EnvCustomConfig:    `{"mirror":"eu"}`,
		executable.EnvDataDir:         "/data",
	}), &out, &stderr, handlers)

	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, "survival", got.InstanceID)
	assert.Equal(t, "eu", cfg.Mirror)
	assert.Equal(t, "tuner", seen.PluginID)
	assert.Equal(t, 1, seen.HookVersion)
	assert.Equal(t, "/data", seen.DataDir)

	actions := decode(t, &out)
	require.Len(t, actions, 5)
	assert.Equal(t, domain.ActionStartSection, actions[0].Kind)
	assert.Equal(t, "patching\nclasspath", actions[1].Text)
	assert.Equal(t, domain.LevelImportant, actions[1].Level)
	assert.Equal(t, domain.MessageSuccess, actions[2].Message.Kind)
	assert.Equal(t, domain.ActionEndSection, actions[3].Kind)
	assert.Equal(t, domain.ActionResult, actions[4].Kind)
	assert.JSONEq(t, `{"jvm_args":["-Xmx2G"]}`, string(actions[4].Result))
}

func TestServeError(t *testing.T) {
	handlers := map[string]HandlerFunc{
		"handle_auth": func(c *Context) (any, error) {
			c.TextAt("trying refresh token", LevelDebug)
			return nil, errors.New("account locked")
		},
	}
	var out, stderr bytes.Buffer
	code := Serve([]string{"plugin", "handle_auth", `{}`}, env(nil), &out, &stderr, handlers)

	assert.Equal(t, 1, code)
	actions := decode(t, &out)
	require.Len(t, actions, 2)
	assert.Equal(t, domain.LevelDebug, actions[0].Level)
	assert.Equal(t, domain.ActionError, actions[1].Kind)
	assert.Equal(t, "account locked", actions[1].Error)
}

func TestServeUnknownHook(t *testing.T) {
	var out, stderr bytes.Buffer
	code := Serve([]string{"plugin", "on_load", `{}`}, env(nil), &out, &stderr, map[string]HandlerFunc{})
	assert.Equal(t, 0, code)
	assert.Empty(t, out.String())
}

func TestServeNilResult(t *testing.T) {
	var out, stderr bytes.Buffer
	code := Serve([]string{"plugin", "on_load", `{}`}, env(nil), &out, &stderr, map[string]HandlerFunc{
		"on_load": func(*Context) (any, error) { return nil, nil },
	})
	require.Equal(t, 0, code)
	actions := decode(t, &out)
	require.Len(t, actions, 1)
	assert.Equal(t, "null", string(actions[0].Result))
}

func TestServeBadInvocation(t *testing.T) {
	var out, stderr bytes.Buffer
	assert.Equal(t, 2, Serve([]string{"plugin"}, env(nil), &out, &stderr, nil))
	assert.Contains(t, stderr.String(), "usage")

	stderr.Reset()
	code := Serve([]string{"plugin", "on_load", `{}`}, env(map[string]string{executable.EnvProtocolVersion: "one"}), &out, &stderr, nil)
	assert.Equal(t, 2, code)
}

func TestServeUnencodableResult(t *testing.T) {
	var out, stderr bytes.Buffer
	code := Serve([]string{"plugin", "on_load", `{}`}, env(nil), &out, &stderr, map[string]HandlerFunc{
		"on_load": func(*Context) (any, error) { return func() {}, nil },
	})
	assert.Equal(t, 1, code)
	actions := decode(t, &out)
	require.Len(t, actions, 1)
	assert.Equal(t, domain.ActionError, actions[0].Kind)
}

func TestContextArgumentError(t *testing.T) {
	c := &Context{Hook: "on_load", argument: []byte("{")}
	var v map[string]any
	assert.Error(t, c.Argument(&v))

	var cfg map[string]any
	assert.NoError(t, c.CustomConfig(&cfg))
	assert.Nil(t, cfg)
}

func TestServeArgumentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"instance_id":"modded"}`), 0o600))

	var got struct {
		InstanceID string `json:"instance_id"`
	}
	handlers := map[string]HandlerFunc{
		"on_load": func(c *Context) (any, error) {
			return nil, c.Argument(&got)
		},
	}

	var out, stderr bytes.Buffer
	code := Serve([]string{"plugin", "on_load", ""}, env(map[string]string{
		executable.EnvArgumentFile: path,
	}), &out, &stderr, handlers)
	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, "modded", got.InstanceID)

	code = Serve([]string{"plugin", "on_load", ""}, env(map[string]string{
		executable.EnvArgumentFile: filepath.Join(t.TempDir(), "gone.json"),
	}), &out, &stderr, handlers)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "read argument file")
}
