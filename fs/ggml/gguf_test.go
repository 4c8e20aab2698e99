package ggml

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTestGGUF constructs a minimal in-memory V3 container with a
// handful of metadata keys set in a specific order and one tensor
// descriptor, for exercising Encode/Decode without a real weight file.
func buildTestGGUF(t *testing.T) *gguf {
	t.Helper()

	llm := newGGUF(&containerGGUF{ByteOrder: binary.LittleEndian, Version: 3})
	llm.kv.set("general.architecture", "phi2")
	llm.kv.set("general.name", "moondream2-text")
	llm.kv.set("phi2.context_length", uint32(2048))
	llm.kv.set("phi2.embedding_length", uint32(2560))
	llm.kv.set("phi2.block_count", uint32(32))
	llm.kv.set("phi2.attention.head_count", uint32(32))
	llm.kv.set("general.alignment", uint32(32))

	llm.containerGGUF.V3.NumKV = uint64(llm.kv.m.Len())

	llm.tensors = []*Tensor{
		{Name: "token_embd.weight", Kind: 0, Offset: 0, Shape: []uint64{2560, 51200}},
	}
	llm.containerGGUF.V3.NumTensor = uint64(len(llm.tensors))

	return llm
}

func TestGGUFEncodeDecodeRoundTrip(t *testing.T) {
	llm := buildTestGGUF(t)

	var buf bytes.Buffer
	require.NoError(t, llm.Encode(&buf))

	decoded, err := Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	assert.Equal(t, "phi2", decoded.KV().Architecture())
	assert.Equal(t, uint64(2048), decoded.KV().ContextLength())
	assert.Equal(t, uint64(2560), decoded.KV().EmbeddingLength())
	assert.Equal(t, uint64(32), decoded.KV().BlockCount())
	assert.Equal(t, uint64(32), decoded.KV().HeadCount())

	// Header key order must survive the round trip bit-for-bit: this is
	// the whole reason the KV container is an ordered map rather than a
	// plain Go map. Decode appends the derived general.parameter_count
	// after the header keys.
	assert.Equal(t, append(llm.KV().Keys(), "general.parameter_count"), decoded.KV().Keys())

	require.Len(t, decoded.Tensors().items, 1)
	assert.Equal(t, "token_embd.weight", decoded.Tensors().items[0].Name)
}

func TestGGUFDecodeRejectsBadMagic(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("BADM\x03\x00\x00\x00")))
	assert.Error(t, err)
}
