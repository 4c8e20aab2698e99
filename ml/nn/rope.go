package nn

import (
	"github.com/devpramod/moondream/ml"
	"github.com/devpramod/moondream/ml/nn/rope"
)

// RoPE applies NeoX-layout rotary positional embedding to t, with
// optional YaRN frequency scaling carried by options.
func RoPE(ctx ml.Context, t, positions ml.Tensor, dim int, base, scale float32, options ...func(*rope.Options)) ml.Tensor {
	var opts rope.Options
	opts.Type = 2 // NeoX is the only layout Phi-2 uses.
	for _, option := range options {
		option(&opts)
	}

	return t.RoPE(ctx, positions, opts.Factors, uint32(dim), uint32(opts.Type), int32(opts.OriginalContextLength), base, scale, opts.ExtrapolationFactor, opts.AttentionFactor, opts.BetaFast, opts.BetaSlow)
}
