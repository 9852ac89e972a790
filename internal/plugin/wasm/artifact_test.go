package wasm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lodestone/internal/plugin/wasm/wasmtest"
)

func TestArtifact_RoundTrip(t *testing.T) {
	wasm := wasmtest.HookModule{Behavior: wasmtest.Raw, Payload: bytes.Repeat([]byte("abc"), 500)}.Build()

	data, err := encodeArtifact(wasm)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte(artifactMagic)))

	out, err := decodeArtifact(data)
	require.NoError(t, err)
	assert.Equal(t, wasm, out)
}

func TestArtifact_Corrupt(t *testing.T) {
	good, err := encodeArtifact(wasmtest.HookModule{}.Build())
	require.NoError(t, err)

	flipped := bytes.Clone(good)
	flipped[len(flipped)-1] ^= 0xFF

	wrongFormat := bytes.Clone(good)
	wrongFormat[len(artifactMagic)] = 99

	wrongSum := bytes.Clone(good)
	wrongSum[len(artifactMagic)+1] ^= 0xFF

	cases := map[string][]byte{
		"empty":        nil,
		"garbage":      []byte("this is not an artifact at all, not even close"),
		"truncated":    good[:artifactHeader-1],
		"bad payload":  flipped,
		"wrong format": wrongFormat,
		"wrong digest": wrongSum,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeArtifact(data)
			require.Error(t, err)
			assert.ErrorIs(t, err, errCorruptArtifact)
		})
	}
}
