package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devpramod/moondream/ml"
	"github.com/devpramod/moondream/ml/nn"
	"github.com/devpramod/moondream/model/input"
)

// stubConfig answers only Architecture with a fixed value; New never
// reads anything else off it before either failing the arch lookup or
// handing it to a registered constructor that ignores its other keys.
type stubConfig struct {
	arch string
}

func (c stubConfig) Architecture() string               { return c.arch }
func (c stubConfig) String(string, ...string) string     { return "" }
func (c stubConfig) Uint(string, ...uint32) uint32        { return 0 }
func (c stubConfig) Float(string, ...float32) float32     { return 0 }
func (c stubConfig) Strings(string, ...[]string) []string { return nil }
func (c stubConfig) Uints(string, ...[]uint32) []uint32   { return nil }

func TestNewWrapsFileOpenError(t *testing.T) {
	_, err := New("whatever", filepath.Join(t.TempDir(), "does-not-exist.gguf"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFileOpen)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, ErrFileOpen, loadErr.Kind)
}

func TestNewWrapsParseError(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "model-*.gguf")
	require.NoError(t, err)
	f.Close()

	_, err = New("no-such-registered-backend", f.Name())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParse)
}

func TestNewWrapsUnsupportedArch(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "model-*.gguf")
	require.NoError(t, err)
	f.Close()

	ml.RegisterBackend("test-unsupported-arch-backend", func(*os.File) (ml.Backend, error) {
		return &fakeBackend{arch: "no-such-architecture"}, nil
	})

	_, err = New("test-unsupported-arch-backend", f.Name())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedArch)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "no-such-architecture", loadErr.Name)
}

// missingTensorModel requires a token_embd tensor that a fakeBackend
// constructed with no names never resolves, exercising New's
// post-population required-tensor check.
type missingTensorModel struct {
	Base
	TokenEmbedding *nn.Embedding `gguf:"token_embd"`
}

func (m *missingTensorModel) Forward(ctx ml.Context, batch input.Batch) (ml.Tensor, error) {
	return nil, nil
}

func TestNewWrapsMissingTensor(t *testing.T) {
	Register("test-missing-tensor-arch", func(ml.Config) (Model, error) {
		return &missingTensorModel{}, nil
	})

	f, err := os.CreateTemp(t.TempDir(), "model-*.gguf")
	require.NoError(t, err)
	f.Close()

	ml.RegisterBackend("test-missing-tensor-backend", func(*os.File) (ml.Backend, error) {
		return &fakeBackend{arch: "test-missing-tensor-arch"}, nil
	})

	_, err = New("test-missing-tensor-backend", f.Name())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingTensor)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "token_embd.weight", loadErr.Name)
}
