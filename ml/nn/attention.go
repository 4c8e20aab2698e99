package nn

import (
	"fmt"

	"github.com/devpramod/moondream/kvcache"
	"github.com/devpramod/moondream/ml"
)

// Attention implements the Graph Builder's KV-write-then-attend stage:
// Attention(Q, K, V) = softmax(QK^T/√d_k + mask) V
//
// query has shape [d_k, heads, seq_len_q]; key/value have shape
// [d_k, kv_heads, seq_len_k] for the current batch (they may be nil to
// attend over cache history alone). scale is typically 1/√d_k.
//
// maxAlibiBias parameterizes the ALiBi bias term soft_max_ext/
// flash_attn_ext apply alongside the causal mask; zero disables it.
//
// flashAttention selects the fused flash-attention code path when true;
// otherwise the manual permute/matmul/softmax path runs. Both paths
// force f32 accumulation on one op: the fused attention op on the
// flash path, and the QK^T product feeding the softmax on the manual
// path. The manual path's final KQ·V product keeps the backend's
// default precision.
func Attention(ctx ml.Context, query, key, value ml.Tensor, scale float64, maxAlibiBias float32, cache kvcache.Cache, flashAttention bool) ml.Tensor {
	ctx.BuildForwardExpand(query)
	if key != nil && value != nil {
		if query.Dim(0) != key.Dim(0) {
			panic(fmt.Errorf("d_k mismatch between query(%v) and key(%v)", query.Dim(0), key.Dim(0)))
		}

		if key.Dim(1) != value.Dim(1) {
			panic(fmt.Errorf("kv_heads mismatch between key(%v) and value(%v)", key.Dim(1), value.Dim(1)))
		}

		if key.Dim(2) != value.Dim(2) {
			panic(fmt.Errorf("seq_len_k mismatch between key(%v) and value(%v)", key.Dim(2), value.Dim(2)))
		}

		ctx.BuildForwardExpand(key)
		ctx.BuildForwardExpand(value)
		if cache != nil {
			cache.Put(ctx, key, value)
		}
	} else if cache == nil {
		panic("key & value tensors must be provided if cache is nil")
	}

	var mask ml.Tensor
	if cache != nil {
		key, value, mask = cache.Get(ctx)
	}

	if flashAttention {
		kqv := query.FlashAttentionExt(ctx, key, value, mask, float32(scale), maxAlibiBias).SetPrec(ml.DTypeF32)
		return kqv.Permute(ctx, 0, 2, 1, 3).Cont(ctx)
	}

	q := query.Permute(ctx, 0, 2, 1, 3)
	k := key.Permute(ctx, 0, 2, 1, 3)
	v := value.Permute(ctx, 1, 2, 0, 3).Cont(ctx)

	kq := k.MulMat(ctx, q).MulMatSetPrec(ctx, ml.DTypeF32)
	kq = kq.SoftMaxExt(ctx, mask, float32(scale), maxAlibiBias)

	kqv := v.MulMat(ctx, kq)
	return kqv.Permute(ctx, 0, 2, 1, 3).Cont(ctx)
}
