package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCLIRequiresExactlyOneArg(t *testing.T) {
	cmd := NewCLI()
	cmd.SetArgs([]string{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.ExecuteContext(context.Background())
	assert.Error(t, err)
}

func TestRunReportsLoadFailureOnMissingFile(t *testing.T) {
	err := run(NewCLI(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not load model")
}

func TestTextModelFilenameJoinsDataDir(t *testing.T) {
	got := filepath.Join("/data", textModelFilename)
	assert.Equal(t, "/data/moondream2-text-model-f16.gguf", got)
}
