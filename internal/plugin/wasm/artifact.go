package wasm

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Artifact layout: magic | format | sha256(module) | zstd(module).
const (
	artifactMagic  = "LSWA"
	artifactFormat = byte(1)
	artifactHeader = len(artifactMagic) + 1 + sha256.Size
)

var errCorruptArtifact = errors.New("corrupt module artifact")

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

func encodeArtifact(wasm []byte) ([]byte, error) {
	sum := sha256.Sum256(wasm)
	out := make([]byte, 0, artifactHeader+len(wasm)/2)
	out = append(out, artifactMagic...)
	out = append(out, artifactFormat)
	out = append(out, sum[:]...)
	return zstdEncoder.EncodeAll(wasm, out), nil
}

func decodeArtifact(data []byte) ([]byte, error) {
	if len(data) < artifactHeader || !bytes.HasPrefix(data, []byte(artifactMagic)) {
		return nil, fmt.Errorf("%w: bad header", errCorruptArtifact)
	}
	if format := data[len(artifactMagic)]; format != artifactFormat {
		return nil, fmt.Errorf("%w: format %d", errCorruptArtifact, format)
	}
	want := data[len(artifactMagic)+1 : artifactHeader]

	wasm, err := zstdDecoder.DecodeAll(data[artifactHeader:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptArtifact, err)
	}
	if sum := sha256.Sum256(wasm); !bytes.Equal(sum[:], want) {
		return nil, fmt.Errorf("%w: checksum mismatch", errCorruptArtifact)
	}
	return wasm, nil
}
