package hooks

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lodestone/internal/domain"
)

func TestHookInfo(t *testing.T) {
	info := Subcommand.Info()
	assert.Equal(t, "subcommand", info.Name)
	assert.Equal(t, uint16(1), info.Version)
	assert.True(t, info.TakesOver)
	assert.False(t, info.Async)
	assert.True(t, info.HasDefault)

	assert.False(t, HandleAuth.Info().HasDefault)
	assert.True(t, WhileInstanceLaunch.Info().Async)
}

func TestEncodeArgument(t *testing.T) {
	data, err := OnInstanceSetup.EncodeArgument(InstanceArg{InstanceID: "survival", Side: "client"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"instance_id":"survival","side":"client","game_dir":""}`, string(data))
}

func TestEncodeArgument_Unserializable(t *testing.T) {
	h := Hook[any, Empty]{Name: "bad", Version: 1}
	_, err := h.EncodeArgument(make(chan int))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMalformedArgument)
}

func TestDecodeResult(t *testing.T) {
	res, err := OnInstanceSetup.DecodeResult([]byte(`{"main_class_override":"net.fabricmc.Main","jvm_args":["-Xmx2G"]}`))
	require.NoError(t, err)
	assert.Equal(t, "net.fabricmc.Main", res.MainClassOverride)
	assert.Equal(t, []string{"-Xmx2G"}, res.JVMArgs)
}

func TestDecodeResult_Malformed(t *testing.T) {
	_, err := AddVersions.DecodeResult([]byte(`{"not":"a list"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMalformedResult)
}

func TestDecodeResult_EmptyUsesDefault(t *testing.T) {
	for _, payload := range [][]byte{nil, []byte(""), []byte("  null \n")} {
		res, err := AddVersions.DecodeResult(payload)
		require.NoError(t, err)
		assert.NotNil(t, res)
		assert.Empty(t, res)
	}

	auth, err := HandleAuth.DecodeResult(nil)
	require.NoError(t, err)
	assert.False(t, auth.Handled)
}

func TestCatalog(t *testing.T) {
	all := Catalog()
	require.Len(t, all, 12)

	seen := map[string]bool{}
	for _, info := range all {
		assert.False(t, seen[info.Name], "duplicate hook %s", info.Name)
		seen[info.Name] = true
		assert.NotZero(t, info.Version, "hook %s has no version", info.Name)
	}

	info, ok := Lookup("on_instance_setup")
	require.True(t, ok)
	assert.Equal(t, uint16(2), info.Version)

	_, ok = Lookup("does_not_exist")
	assert.False(t, ok)
}

func TestRaw(t *testing.T) {
	h := Raw(domain.HookInfo{Name: "x", Version: 3, HasDefault: true})
	assert.Equal(t, uint16(3), h.Info().Version)
	assert.True(t, h.Info().HasDefault)

	res, err := h.DecodeResult([]byte(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(res))

	data, err := h.EncodeArgument(json.RawMessage(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(data))
}
