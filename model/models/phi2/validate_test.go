package phi2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devpramod/moondream/ml"
	"github.com/devpramod/moondream/ml/nn"
	"github.com/devpramod/moondream/model"
)

// fakeDimTensor implements ml.Tensor just enough to report a fixed
// Dim(0), for exercising Validate's shape comparison without a real
// backend tensor.
type fakeDimTensor struct {
	ml.Tensor
	dim0 int64
}

func (t fakeDimTensor) Dim(n int) int64 {
	if n == 0 {
		return t.dim0
	}
	return 0
}

func newValidateModel(qkvWidth int64) *Model {
	m := &Model{
		Options: Options{hiddenSize: 2560, numHeads: 32, numKVHeads: 32, headDim: 80},
		Layers: []Layer{
			{
				SelfAttention: &SelfAttention{
					QKV: &nn.Linear{Weight: fakeDimTensor{dim0: qkvWidth}},
				},
			},
		},
	}

	return m
}

func TestValidateAcceptsMatchingQKVWidth(t *testing.T) {
	m := newValidateModel(2560 + 2*80*32)
	assert.NoError(t, m.Validate())
}

func TestValidateRejectsMismatchedQKVWidth(t *testing.T) {
	m := newValidateModel(1234)

	err := m.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrBadShape)

	var loadErr *model.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "blk.0.attn_qkv.weight", loadErr.Name)
}

func TestValidateSkipsLayersWithoutSelfAttention(t *testing.T) {
	m := &Model{Layers: []Layer{{}}}
	assert.NoError(t, m.Validate())
}
