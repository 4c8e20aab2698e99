package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devpramod/moondream/kvcache"
	"github.com/devpramod/moondream/ml"
	"github.com/devpramod/moondream/model/input"
)

// fakeCache implements kvcache.Cache just enough for Forward's driver
// logic: a fixed Capacity and a StartForward that always succeeds.
type fakeCache struct {
	capacity int32
}

func (c *fakeCache) SetLayer(int)                                         {}
func (c *fakeCache) Get(ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor)      { return nil, nil, nil }
func (c *fakeCache) Put(ml.Context, ml.Tensor, ml.Tensor)                  {}
func (c *fakeCache) SetConfig(ml.CacheConfig)                             {}
func (c *fakeCache) Capacity() int32                                      { return c.capacity }
func (c *fakeCache) Init(ml.Backend, ml.DType, ml.DType, int32, bool, int) {}
func (c *fakeCache) Close()                                               {}
func (c *fakeCache) StartForward(ml.Context, input.Batch) error           { return nil }
func (c *fakeCache) CopyPrefix(int, int, int32)                           {}
func (c *fakeCache) Remove(int, int32, int32) error                       { return nil }

// fakeForwardModel is a Model whose own Forward just returns a sentinel
// tensor, for exercising the package-level Forward driver's own checks
// without a real architecture.
type fakeForwardModel struct {
	Base
}

func (m *fakeForwardModel) Forward(ctx ml.Context, batch input.Batch) (ml.Tensor, error) {
	return fakeTensor{Name: "logits"}, nil
}

// fakeForwardContext implements just the ml.Context methods Forward's
// driver calls.
type fakeForwardContext struct {
	ml.Context
	computed bool
}

func (c *fakeForwardContext) Input() ml.Context { return c }

func (c *fakeForwardContext) FromIntSlice(s []int32, shape ...int) (ml.Tensor, error) {
	return fakeTensor{Name: "tokens"}, nil
}

func (c *fakeForwardContext) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	return fakeTensor{Name: "embeddings"}, nil
}

func (c *fakeForwardContext) BuildForwardExpand(ml.Tensor) {}
func (c *fakeForwardContext) Compute(...ml.Tensor) []ml.Tensor {
	c.computed = true
	return nil
}

func newFakeModel(cache kvcache.Cache) *fakeForwardModel {
	return &fakeForwardModel{Base: Base{config: config{Cache: cache}}}
}

func TestForwardRejectsMismatchedPositionsSequences(t *testing.T) {
	m := newFakeModel(nil)
	batch := input.Batch{Tokens: []int32{1, 2}, Positions: []int32{0, 1}, Sequences: []int{0}, Outputs: []int32{0}}

	_, err := Forward(&fakeForwardContext{}, m, ContextParams{}, batch)
	require.Error(t, err)

	var buildErr *BuildError
	require.True(t, errors.As(err, &buildErr))
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestForwardRejectsEmptyBatch(t *testing.T) {
	m := newFakeModel(nil)
	batch := input.Batch{Outputs: []int32{0}}

	_, err := Forward(&fakeForwardContext{}, m, ContextParams{}, batch)
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestForwardRejectsMissingOutputs(t *testing.T) {
	m := newFakeModel(nil)
	batch := input.Batch{Tokens: []int32{1}, Positions: []int32{0}, Sequences: []int{0}}

	_, err := Forward(&fakeForwardContext{}, m, ContextParams{}, batch)
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestForwardRejectsOutputsExceedingTokens(t *testing.T) {
	m := newFakeModel(nil)
	batch := input.Batch{
		Tokens:    []int32{1},
		Positions: []int32{0},
		Sequences: []int{0},
		Outputs:   []int32{0, 1},
	}

	_, err := Forward(&fakeForwardContext{}, m, ContextParams{}, batch)
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestForwardRejectsBothTokensAndEmbeddings(t *testing.T) {
	m := newFakeModel(nil)
	batch := input.Batch{
		Tokens:     []int32{1},
		Embeddings: []float32{0.1, 0.2},
		Positions:  []int32{0},
		Sequences:  []int{0},
		Outputs:    []int32{0},
	}

	_, err := Forward(&fakeForwardContext{}, m, ContextParams{}, batch)
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestForwardRejectsNeitherTokensNorEmbeddings(t *testing.T) {
	m := newFakeModel(nil)
	batch := input.Batch{
		Positions: []int32{0},
		Sequences: []int{0},
		Outputs:   []int32{0},
	}

	_, err := Forward(&fakeForwardContext{}, m, ContextParams{}, batch)
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestForwardRejectsCtxMismatch(t *testing.T) {
	m := newFakeModel(&fakeCache{capacity: 1024})
	batch := input.Batch{
		Tokens:    []int32{1},
		Positions: []int32{0},
		Sequences: []int{0},
		Outputs:   []int32{0},
	}

	_, err := Forward(&fakeForwardContext{}, m, ContextParams{NumCtx: 2048}, batch)
	require.Error(t, err)

	var configErr *ConfigError
	require.True(t, errors.As(err, &configErr))
	assert.ErrorIs(t, err, ErrCtxMismatch)
	assert.Equal(t, int32(2048), configErr.NumCtx)
	assert.Equal(t, int32(1024), configErr.Size)
}

func TestForwardAcceptsMatchingCtx(t *testing.T) {
	m := newFakeModel(&fakeCache{capacity: 2048})
	ctx := &fakeForwardContext{}
	batch := input.Batch{
		Tokens:    []int32{1},
		Positions: []int32{0},
		Sequences: []int{0},
		Outputs:   []int32{0},
	}

	out, err := Forward(ctx, m, ContextParams{NumCtx: 2048}, batch)
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.True(t, ctx.computed)
}
