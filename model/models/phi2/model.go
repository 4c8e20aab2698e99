// Package phi2 implements the decoder-only transformer backbone used
// by Moondream2: a Phi-2 architecture with grouped-query attention,
// NeoX-layout rotary embeddings (optionally YaRN-scaled), a fused
// query/key/value projection, plain (non-RMS) LayerNorm, and a
// parallel residual — the attention and feed-forward branches of a
// layer both read the same normed hidden state and are added back to
// the same residual, rather than each getting their own pre-norm and
// residual stage the way a sequential (e.g. LLaMA-style) block does.
package phi2

import (
	"fmt"
	"math"

	"github.com/devpramod/moondream/kvcache"
	"github.com/devpramod/moondream/ml"
	"github.com/devpramod/moondream/ml/nn"
	"github.com/devpramod/moondream/ml/nn/rope"
	"github.com/devpramod/moondream/model"
	"github.com/devpramod/moondream/model/input"
)

type Options struct {
	hiddenSize, numHeads, numKVHeads int
	headDim                          int
	eps                              float32

	ropeDim   uint32
	ropeBase  float32
	ropeScale float32

	// YaRN scaling. originalContextLength of zero disables it (Factors
	// stays nil and the rest of the parameters below are inert).
	originalContextLength int
	extrapolationFactor   float32
	attentionFactor       float32
	betaFast, betaSlow    float32

	// maxAlibiBias parameterizes soft_max_ext/flash_attn_ext's ALiBi
	// bias term. Phi-2 has no "attention.max_alibi_bias" key in any
	// GGUF file in the wild, so this is always 0 in practice, but the
	// field and the ops it feeds stay generic rather than hardcoding
	// that Phi-2 never needs it.
	maxAlibiBias float32

	flashAttention bool
}

func (o Options) ropeOptions() []func(*rope.Options) {
	return []func(*rope.Options){
		rope.WithTypeNeoX(),
		rope.WithOriginalContextLength(o.originalContextLength),
		rope.WithExtrapolationFactor(o.extrapolationFactor),
		rope.WithAttentionFactor(o.attentionFactor),
		func(ro *rope.Options) {
			ro.BetaFast, ro.BetaSlow = o.betaFast, o.betaSlow
		},
	}
}

// nEmbdKGQA and nEmbdVGQA are the flattened per-token widths of the
// key and value caches respectively. Phi-2 has numKVHeads == numHeads
// so both equal hiddenSize in practice, but they're derived from
// headDim*numKVHeads rather than assumed equal to hiddenSize so the
// fused-QKV split below stays correct if that ever stops holding.
func (o Options) nEmbdKGQA() int { return o.headDim * o.numKVHeads }
func (o Options) nEmbdVGQA() int { return o.headDim * o.numKVHeads }

type Model struct {
	model.Base

	TokenEmbedding *nn.Embedding `gguf:"token_embd"`
	Layers         []Layer       `gguf:"blk"`
	OutputNorm     *nn.LayerNorm `gguf:"output_norm"`
	Output         *nn.Linear    `gguf:"output"`

	Options

	// Observer, if set, records a structural trace of each forward
	// pass's layer shapes for later fingerprinting. Left nil by
	// default; callers that want tracing set it after New returns.
	Observer *GraphObserver
}

func New(c ml.Config) (model.Model, error) {
	hiddenSize := int(c.Uint("embedding_length"))
	numHeads := int(c.Uint("attention.head_count"))

	headDim := int(c.Uint("attention.key_length"))
	if headDim == 0 {
		headDim = hiddenSize / numHeads
	}

	model.Assertf(headDim*numHeads == hiddenSize,
		"n_embd_head_k * n_head (%d*%d=%d) != n_embd (%d)", headDim, numHeads, headDim*numHeads, hiddenSize)

	m := Model{
		Layers: make([]Layer, c.Uint("block_count")),
		Options: Options{
			hiddenSize:            hiddenSize,
			numHeads:              numHeads,
			numKVHeads:            int(c.Uint("attention.head_count_kv", uint32(numHeads))),
			headDim:               headDim,
			eps:                   c.Float("attention.layer_norm_epsilon", 1e-5),
			ropeDim:               c.Uint("rope.dimension_count"),
			ropeBase:              c.Float("rope.freq_base", 10000),
			ropeScale:             c.Float("rope.freq_scale", 1),
			originalContextLength: int(c.Uint("rope.scaling.original_context_length")),
			extrapolationFactor:   1,
			attentionFactor:       c.Float("rope.scaling.attn_factor", 1),
			betaFast:              c.Float("rope.scaling.beta_fast", 32),
			betaSlow:              c.Float("rope.scaling.beta_slow", 1),
			maxAlibiBias:          c.Float("attention.max_alibi_bias", 0),
		},
	}

	m.Cache = kvcache.NewCausalCache(m.Shift)

	return &m, nil
}

// Validate checks every layer's fused QKV projection has the output
// width the model's own hyperparameters compute, after model.New has
// bound it from the backend. A mismatch means the weight file's tensor
// shape disagrees with its own metadata.
func (m *Model) Validate() error {
	expected := int64(m.hiddenSize + 2*m.nEmbdKGQA())
	for i, l := range m.Layers {
		if l.SelfAttention == nil || l.SelfAttention.QKV == nil || l.SelfAttention.QKV.Weight == nil {
			continue
		}

		if got := l.SelfAttention.QKV.Weight.Dim(0); got != expected {
			name := fmt.Sprintf("blk.%d.attn_qkv.weight", i)
			return model.BadShapeError(name, []int64{expected}, []int64{got})
		}
	}

	return nil
}

type SelfAttention struct {
	QKV    *nn.Linear `gguf:"attn_qkv"`
	Output *nn.Linear `gguf:"attn_output"`
}

// Forward splits the fused QKV projection into Q/K/V by byte offset
// (Q occupies the first hiddenSize columns, K the next n_embd_k_gqa,
// V the remaining n_embd_v_gqa), applies NeoX RoPE to Q and K, scales
// Q by 1/sqrt(headDim) before attention rather than folding the scale
// into softmax, and runs the cache-backed attention barrier.
func (sa *SelfAttention) Forward(ctx ml.Context, hiddenState, positions ml.Tensor, cache kvcache.Cache, opts *Options) ml.Tensor {
	batchSize := hiddenState.Dim(1)

	qkv := sa.QKV.Forward(ctx, hiddenState)
	elemStride := int(qkv.Stride(0))
	rowStride := int(qkv.Stride(1))

	query := qkv.View(ctx, 0,
		opts.headDim, elemStride*opts.headDim,
		opts.numHeads, rowStride,
		int(batchSize),
	)

	key := qkv.View(ctx, elemStride*opts.hiddenSize,
		opts.headDim, elemStride*opts.headDim,
		opts.numKVHeads, rowStride,
		int(batchSize),
	)

	value := qkv.View(ctx, elemStride*(opts.hiddenSize+opts.nEmbdKGQA()),
		opts.headDim, elemStride*opts.headDim,
		opts.numKVHeads, rowStride,
		int(batchSize),
	)

	query = nn.RoPE(ctx, query, positions, opts.headDim, opts.ropeBase, opts.ropeScale, opts.ropeOptions()...)
	key = nn.RoPE(ctx, key, positions, opts.headDim, opts.ropeBase, opts.ropeScale, opts.ropeOptions()...)

	query = query.Scale(ctx, 1/math.Sqrt(float64(opts.headDim)))

	attention := nn.Attention(ctx, query, key, value, 1, opts.maxAlibiBias, cache, opts.flashAttention)
	attention = attention.Reshape(ctx, int64(opts.headDim*opts.numHeads), batchSize)

	return sa.Output.Forward(ctx, attention)
}

// Shift re-RoPEs a cache-resident key block after its sequence's start
// position moves, using the same NeoX layout and YaRN parameters the
// forward pass itself uses.
func (m *Model) Shift(ctx ml.Context, layer int, key, shift ml.Tensor) (ml.Tensor, error) {
	return nn.RoPE(ctx, key, shift, m.headDim, m.ropeBase, m.ropeScale, m.ropeOptions()...), nil
}

type MLP struct {
	Up   *nn.Linear `gguf:"ffn_up"`
	Down *nn.Linear `gguf:"ffn_down"`
}

// Forward is Phi-2's feed-forward block: a single up-projection with
// GELU, then down-projection. There is no gate, unlike LLaMA's
// SILU-gated MLP.
func (mlp *MLP) Forward(ctx ml.Context, hiddenState ml.Tensor) ml.Tensor {
	hiddenState = mlp.Up.Forward(ctx, hiddenState).GELU(ctx)
	return mlp.Down.Forward(ctx, hiddenState)
}

type Layer struct {
	Norm          *nn.LayerNorm `gguf:"attn_norm"`
	SelfAttention *SelfAttention
	MLP           *MLP
}

// Forward is the parallel-residual block: both branches read the same
// normed hidden state and are summed back into the same residual,
// rather than chaining attn-residual into a second ffn-residual stage.
func (l *Layer) Forward(ctx ml.Context, hiddenState, positions ml.Tensor, cache kvcache.Cache, opts *Options) ml.Tensor {
	residual := hiddenState

	normed := l.Norm.Forward(ctx, hiddenState, opts.eps)

	attnOut := l.SelfAttention.Forward(ctx, normed, positions, cache, opts)
	ffnOut := l.MLP.Forward(ctx, normed)

	return residual.Add(ctx, attnOut).Add(ctx, ffnOut)
}

func (m *Model) Forward(ctx ml.Context, batch input.Batch) (ml.Tensor, error) {
	positions, err := ctx.Input().FromIntSlice(batch.Positions, len(batch.Positions))
	if err != nil {
		return nil, err
	}

	// batch.Inputs holds token ids when Tokens is set, and otherwise the
	// caller's precomputed [n_embd, n_tokens] embeddings, which skip the
	// token embedding lookup.
	hiddenState := batch.Inputs
	if len(batch.Tokens) > 0 {
		hiddenState = m.TokenEmbedding.Forward(ctx, batch.Inputs)
	}

	for i := range m.Layers {
		m.Cache.SetLayer(i)

		hiddenState = m.Layers[i].Forward(ctx, hiddenState, positions, m.Cache, &m.Options)

		if m.Observer != nil {
			m.Observer.recordLayer(i, hiddenState.Shape())
		}

		if i == len(m.Layers)-1 && len(batch.Outputs) > 0 {
			outputs, err := ctx.Input().FromIntSlice(batch.Outputs, len(batch.Outputs))
			if err != nil {
				return nil, err
			}
			hiddenState = hiddenState.GetRows(ctx, outputs)
		}
	}

	hiddenState = m.OutputNorm.Forward(ctx, hiddenState, m.eps)
	hiddenState = m.Output.Forward(ctx, hiddenState)

	if m.Observer != nil {
		m.Observer.recordOutput(hiddenState.Shape())
	}

	return hiddenState, nil
}

func init() {
	model.Register("phi2", New)
}
