// Package ml declares the narrow tensor-runtime interface the Phi-2
// inference core builds dataflow graphs against. The core never
// allocates compute buffers, dispatches a kernel, or manages a device —
// it only emits ops through this interface and leaves execution to
// whatever concrete Backend a caller wires in.
package ml

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
)

// Config exposes a loaded GGUF file's metadata through the same
// accessor shape the Weight Loader uses internally, so a Model's
// constructor never has to know how the KV store is represented.
type Config interface {
	Architecture() string
	String(key string, defaultValue ...string) string
	Uint(key string, defaultValue ...uint32) uint32
	Float(key string, defaultValue ...float32) float32

	Strings(key string, defaultValue ...[]string) []string
	Uints(key string, defaultValue ...[]uint32) []uint32
}

// CacheConfig carries the element-type and layout choices the KV Cache
// needs but the model doesn't otherwise have a channel to communicate:
// whether V is stored transposed, and what dtype the attention mask
// tensor should be materialized as.
type CacheConfig struct {
	// PermutedV requests V be cached transposed ([n_ctx, n_embd_v_gqa]
	// instead of [n_embd_v_gqa, n_ctx]), the layout the non-flash
	// attention code path in the Graph Builder requires.
	PermutedV bool

	// MaskDType is the element type soft_max_ext's mask argument must
	// be materialized as.
	MaskDType DType

	// MaskBatchPadding rounds the mask's batch dimension up to a
	// multiple of this value. Zero means no padding.
	MaskBatchPadding int
}

// Backend is the loaded-model side of the runtime boundary: it resolves
// named tensors out of the weight container and hands out Contexts the
// core builds ops in.
type Backend interface {
	Config() Config
	Get(name string) Tensor
	NewContext() Context
	NewContextSize(size int) Context
}

var backends = make(map[string]func(*os.File) (Backend, error))

func RegisterBackend(name string, f func(*os.File) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

func NewBackend(name string, f *os.File) (Backend, error) {
	backend, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("ml: no backend registered for %q", name)
	}

	return backend(f)
}

// Context is one dataflow graph under construction (or, for Input/Layer
// contexts, a sub-scope of it). It never executes anything itself —
// BuildForwardExpand only records that a tensor is a root the eventual
// Compute call must reach.
type Context interface {
	// Input and Layer return sub-contexts used to tag which resource
	// pool a tensor's allocation belongs to (batch-lifetime input
	// tensors vs. per-layer scratch), mirroring the Graph Builder's
	// arena-of-handles ownership split.
	Input() Context
	Layer(index int) Context

	NewTensor1D(dtype DType, ne0 int) Tensor
	NewTensor2D(dtype DType, ne0, ne1 int) Tensor
	NewTensor3D(dtype DType, ne0, ne1, ne2 int) Tensor

	Zeros(dtype DType, shape ...int) Tensor
	FromFloatSlice(s []float32, shape ...int) (Tensor, error)
	FromIntSlice(s []int32, shape ...int) (Tensor, error)

	// BuildForwardExpand registers t (and its dependency chain) as a
	// node the next Compute call must evaluate. The Graph Builder calls
	// this at each of the three KV-write/attention barriers spec's
	// component design names, and once more for the final output.
	BuildForwardExpand(t Tensor)

	// NewGraphCustom starts a new underlying compute graph sized for up
	// to maxNodes nodes (GraphNodeBudget is the 8192-node figure defined
	// for it). No code in this module calls it; graph creation is left to
	// the caller that owns the Context.
	NewGraphCustom(maxNodes int) Context

	Compute(t ...Tensor) []Tensor
	MaxGraphNodes() int
	Close() error
}

// Tensor is an opaque handle into a Context's arena. The core
// dereferences nothing about a Tensor beyond shape/stride/dtype
// bookkeeping — every numeric operation is delegated to the concrete
// implementation a Backend supplies.
type Tensor interface {
	Dim(n int) int64
	Stride(n int) int64

	Shape() []int64
	DType() DType

	Bytes() []byte
	Floats() []float32

	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Div(ctx Context, t2 Tensor) Tensor
	Sqr(ctx Context) Tensor
	Scale(ctx Context, s float64) Tensor

	// MulMat is ggml_mul_mat.
	MulMat(ctx Context, t2 Tensor) Tensor
	// MulMatSetPrec forces the result of a chained MulMat call to be
	// computed at the given precision regardless of the operands'
	// storage dtype: the non-flash attention path forces its QK^T
	// product to f32 this way for a numerically stable softmax.
	MulMatSetPrec(ctx Context, prec DType) Tensor

	// Norm is ggml_norm, a plain (non-RMS) LayerNorm: (x-mean)/std,
	// scaled by weight and shifted by bias.
	Norm(ctx Context, weight, bias Tensor, eps float32) Tensor
	RMSNorm(ctx Context, weight Tensor, eps float32) Tensor

	GELU(ctx Context) Tensor
	SILU(ctx Context) Tensor
	RELU(ctx Context) Tensor
	Tanh(ctx Context) Tensor

	// RoPE is ggml_rope_ext. ropeType 2 selects the NeoX rotation
	// layout Phi-2 uses; extFactor/attnFactor/betaFast/betaSlow are the
	// YaRN scaling parameters (zero-valued when YaRN is disabled).
	RoPE(ctx Context, positions, factors Tensor, dim, ropeType uint32, nCtxOrig int32, base, scale, extFactor, attnFactor, betaFast, betaSlow float32) Tensor

	// SoftMaxExt is ggml_soft_max_ext: softmax(x*scale + mask +
	// alibi(maxAlibiBias)) along the last dimension, used by the
	// non-flash attention path. maxAlibiBias of zero disables the
	// ALiBi bias term entirely.
	SoftMaxExt(ctx Context, mask Tensor, scale, maxAlibiBias float32) Tensor

	// FlashAttentionExt is ggml_flash_attn_ext, the fused attention
	// path taken when the backend advertises flash-attention support.
	FlashAttentionExt(ctx Context, k, v, mask Tensor, scale, maxAlibiBias float32) Tensor
	// SetPrec is flash_attn_ext_set_prec / mul_mat_set_prec's shared
	// mechanism: force this op's accumulation precision.
	SetPrec(dtype DType) Tensor

	GetRows(ctx Context, ids Tensor) Tensor
	// SetRows is ggml_set_rows: scatters t2's rows into this tensor at
	// the row indices named by idx, used by the KV cache to write a
	// batch into cells findLocs chose that need not be contiguous.
	SetRows(ctx Context, t2, idx Tensor) Tensor

	Reshape(ctx Context, shape ...int64) Tensor
	View(ctx Context, offset int, shape ...int) Tensor
	Permute(ctx Context, axes ...int) Tensor
	Transpose(ctx Context) Tensor
	// Cont is ggml_cont / ggml_cont_2d: materializes a view into a
	// tensor with standard (row-major, densely strided) layout.
	Cont(ctx Context) Tensor

	Pad(ctx Context, shape ...int64) Tensor
	Unpad(ctx Context, shape ...int64) Tensor

	Stack(ctx Context, dim int, s ...Tensor) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor
	// Copy is ggml_cpy: copies t2's values into this tensor's storage
	// (used for the KV cache's row-wise writes).
	Copy(ctx Context, t2 Tensor) Tensor
}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64 |
		~complex64 | ~complex128
}

func mul[T number](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int64

	// Precision is the number of decimal places to print. Applies to float32 and float64.
	Precision int
}

func Dump(t Tensor, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	switch t.DType() {
	case DTypeF32:
		return dump[[]float32](t, opts[0])
	case DTypeI32:
		return dump[[]int32](t, opts[0])
	default:
		return "<unsupported>"
	}
}

func dump[S ~[]E, E number](t Tensor, opts DumpOptions) string {
	bts := t.Bytes()
	if bts == nil {
		return "<nil>"
	}

	s := make(S, mul(t.Shape()...))
	if err := binary.Read(bytes.NewBuffer(t.Bytes()), binary.LittleEndian, &s); err != nil {
		panic(err)
	}

	shape := t.Shape()

	var sb strings.Builder
	var f func([]int64, int64)
	f = func(dims []int64, stride int64) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		for i := int64(0); i < dims[0]; i++ {
			if i >= opts.Items && i < dims[0]-opts.Items {
				fmt.Fprint(&sb, "..., ")
				skip := dims[0] - 2*opts.Items
				if len(dims) > 1 {
					stride += mul(append(dims[1:], skip)...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprint(&sb, s[stride+i])
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeI32
	DTypeOther
)

// GraphNodeBudget is the fixed node capacity for a forward pass's graph,
// a maxNodes value for NewGraphCustom. Nothing in this module reads it.
const GraphNodeBudget = 8192
