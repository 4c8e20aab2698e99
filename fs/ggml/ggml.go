// Package ggml decodes the GGUF weight container used to distribute the
// Phi-2 backbone of Moondream2: a versioned header, an ordered table of
// typed key-value metadata, and a table of tensor descriptors pointing
// into an aligned data section.
package ggml

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/devpramod/moondream/internal/orderedmap"
)

// GGML is a decoded weight container: its metadata and tensor table, plus
// Length, the byte offset at which the aligned tensor data section ends
// (Decode seeks past every tensor's padded data before recording it).
type GGML struct {
	container
	model
	Length int64
}

type model interface {
	KV() KV
	Tensors() Tensors
}

// KV holds GGUF metadata in file order. Key order is preserved end to end
// so that re-emitting a loaded file's header reproduces the same key
// sequence it was read with.
type KV struct {
	m *orderedmap.Map[string, any]
}

func newKV() KV {
	return KV{m: orderedmap.New[string, any]()}
}

func (kv KV) set(key string, v any) {
	kv.m.Set(key, v)
}

func (kv KV) get(key string) (any, bool) {
	if kv.m == nil {
		return nil, false
	}
	return kv.m.Get(key)
}

// Keys returns metadata keys in the order they were decoded.
func (kv KV) Keys() []string {
	var keys []string
	if kv.m == nil {
		return keys
	}
	for k := range kv.m.All() {
		keys = append(keys, k)
	}
	return keys
}

func (kv KV) Architecture() string {
	return kv.String("general.architecture", "unknown")
}

func (kv KV) Kind() string {
	return kv.String("general.type", "unknown")
}

func (kv KV) ParameterCount() uint64 {
	val, _ := keyValue(kv, "general.parameter_count", uint64(0))
	return val
}

func (kv KV) FileType() FileType {
	if t := kv.Uint("general.file_type"); t > 0 {
		return FileType(t)
	}

	return FileTypeUnknown
}

func (kv KV) BlockCount() uint64 {
	return uint64(kv.Uint("block_count"))
}

func (kv KV) EmbeddingLength() uint64 {
	return uint64(kv.Uint("embedding_length"))
}

func (kv KV) FeedForwardLength() uint64 {
	return uint64(kv.Uint("feed_forward_length"))
}

func (kv KV) HeadCount() uint64 {
	return uint64(kv.Uint("attention.head_count"))
}

func (kv KV) HeadCountKV() uint64 {
	return uint64(kv.Uint("attention.head_count_kv", uint32(kv.HeadCount())))
}

func (kv KV) EmbeddingHeadCountMax() uint64 {
	if heads := kv.HeadCount(); heads > 0 {
		return kv.EmbeddingLength() / heads
	}

	return 0
}

func (kv KV) EmbeddingHeadCountK() uint64 {
	return uint64(kv.Uint("attention.key_length", uint32(kv.EmbeddingHeadCountMax())))
}

func (kv KV) EmbeddingHeadCountV() uint64 {
	return uint64(kv.Uint("attention.value_length", uint32(kv.EmbeddingHeadCountMax())))
}

// EmbeddingKGQA is n_embd_k_gqa: the flattened width of one layer's K
// projection, accounting for grouped-query attention's smaller KV head
// count. For phi2 (head_count_kv == head_count) this equals EmbeddingLength.
func (kv KV) EmbeddingKGQA() uint64 {
	return kv.EmbeddingHeadCountK() * kv.HeadCountKV()
}

// EmbeddingVGQA is n_embd_v_gqa, the V-side analog of EmbeddingKGQA.
func (kv KV) EmbeddingVGQA() uint64 {
	return kv.EmbeddingHeadCountV() * kv.HeadCountKV()
}

func (kv KV) LayerNormEpsilon() float32 {
	return kv.Float("attention.layer_norm_epsilon", 1e-5)
}

func (kv KV) RopeDimensionCount() uint64 {
	return uint64(kv.Uint("rope.dimension_count", uint32(kv.EmbeddingHeadCountK())))
}

func (kv KV) RopeFreqBase() float32 {
	return kv.Float("rope.freq_base", 10000.0)
}

func (kv KV) ContextLength() uint64 {
	return uint64(kv.Uint("context_length"))
}

func (kv KV) String(key string, defaultValue ...string) string {
	val, _ := keyValue(kv, key, append(defaultValue, "")...)
	return val
}

func (kv KV) Uint(key string, defaultValue ...uint32) uint32 {
	val, _ := keyValue(kv, key, append(defaultValue, 0)...)
	return val
}

func (kv KV) Float(key string, defaultValue ...float32) float32 {
	val, _ := keyValue(kv, key, append(defaultValue, 0)...)
	return val
}

func (kv KV) Bool(key string, defaultValue ...bool) bool {
	val, _ := keyValue(kv, key, append(defaultValue, false)...)
	return val
}

func (kv KV) Strings(key string, defaultValue ...[]string) []string {
	val, _ := keyValue(kv, key, &array[string]{values: append(defaultValue, []string(nil))[0]})
	return val.values
}

func (kv KV) Uints(key string, defaultValue ...[]uint32) []uint32 {
	val, _ := keyValue(kv, key, &array[uint32]{values: append(defaultValue, []uint32(nil))[0]})
	return val.values
}

type valueTypes interface {
	uint8 | int8 | uint16 | int16 |
		uint32 | int32 | uint64 | int64 |
		string | float32 | float64 | bool
}

type arrayValueTypes interface {
	*array[uint8] | *array[int8] | *array[uint16] | *array[int16] |
		*array[uint32] | *array[int32] | *array[uint64] | *array[int64] |
		*array[string] | *array[float32] | *array[float64] | *array[bool]
}

type array[T any] struct {
	size   int
	values []T
}

func keyValue[T valueTypes | arrayValueTypes](kv KV, key string, defaultValue ...T) (T, bool) {
	if !strings.HasPrefix(key, "tokenizer.") && !strings.HasPrefix(key, "general.") {
		key = kv.Architecture() + "." + key
	}

	raw, ok := kv.get(key)
	if ok {
		if val, ok := raw.(T); ok {
			return val, true
		}
	}

	slog.Debug("key with type not found", "key", key, "default", defaultValue[0])
	return defaultValue[0], false
}

// Tensors is the decoded tensor descriptor table, in file order.
type Tensors struct {
	items  []*Tensor
	Offset uint64
}

func (s Tensors) Items(prefix ...string) []*Tensor {
	if len(prefix) == 0 {
		return s.items
	}

	var items []*Tensor
	for _, t := range s.items {
		if strings.HasPrefix(t.Name, prefix[0]) {
			items = append(items, t)
		}
	}

	return items
}

// GroupLayers buckets tensor descriptors by their "blk.N" prefix (or a bare
// top-level name for tensors with no layer, such as the token embedding).
func (ts Tensors) GroupLayers() map[string]Layer {
	layers := make(map[string]Layer)
	for _, t := range ts.items {
		parts := strings.Split(t.Name, ".")

		name := parts[0]
		rest := parts[1:]
		if parts[0] == "blk" && len(parts) > 1 {
			name = strings.Join(parts[:2], ".")
			rest = parts[2:]
		}

		if _, ok := layers[name]; !ok {
			layers[name] = make(Layer)
		}

		layers[name][strings.Join(rest, ".")] = t
	}

	return layers
}

type Layer map[string]*Tensor

func (l Layer) Size() (size uint64) {
	for _, t := range l {
		size += t.Size()
	}

	return size
}

// Tensor describes one tensor's name, element type, shape, and byte offset
// into the container's aligned data section.
type Tensor struct {
	Name   string
	Kind   uint32
	Offset uint64

	// Shape is the number of elements in each dimension, GGUF order
	// (fastest-varying dimension first).
	Shape []uint64
}

func (t Tensor) blockSize() uint64 {
	return TensorType(t.Kind).BlockSize()
}

func (t Tensor) typeSize() uint64 {
	return TensorType(t.Kind).TypeSize()
}

func (t Tensor) Elements() uint64 {
	var count uint64 = 1
	for _, n := range t.Shape {
		count *= n
	}
	return count
}

func (t Tensor) Size() uint64 {
	return t.Elements() * t.typeSize() / t.blockSize()
}

func (t Tensor) Type() string {
	return TensorType(t.Kind).String()
}

// TensorType is GGML's element-type tag, shared between weight tensors and
// KV cache backing tensors.
type TensorType uint32

const (
	TensorTypeF32  TensorType = 0
	TensorTypeF16  TensorType = 1
	TensorTypeQ4_0 TensorType = 2
	TensorTypeQ4_1 TensorType = 3
	TensorTypeQ5_0 TensorType = 6
	TensorTypeQ5_1 TensorType = 7
	TensorTypeQ8_0 TensorType = 8
	TensorTypeQ8_1 TensorType = 9
	TensorTypeQ2_K TensorType = 10
	TensorTypeQ3_K TensorType = 11
	TensorTypeQ4_K TensorType = 12
	TensorTypeQ5_K TensorType = 13
	TensorTypeQ6_K TensorType = 14
	TensorTypeQ8_K TensorType = 15
	TensorTypeI8   TensorType = 24
	TensorTypeI16  TensorType = 25
	TensorTypeI32  TensorType = 26
	TensorTypeI64  TensorType = 27
	TensorTypeF64  TensorType = 28
	TensorTypeBF16 TensorType = 30
)

func (t TensorType) BlockSize() uint64 {
	switch t {
	case TensorTypeF32, TensorTypeF16, TensorTypeI8, TensorTypeI16, TensorTypeI32, TensorTypeI64, TensorTypeF64, TensorTypeBF16:
		return 1
	case TensorTypeQ4_0, TensorTypeQ4_1, TensorTypeQ5_0, TensorTypeQ5_1, TensorTypeQ8_0, TensorTypeQ8_1:
		return 32
	default:
		return 256
	}
}

func (t TensorType) TypeSize() uint64 {
	blockSize := t.BlockSize()

	switch t {
	case TensorTypeF32:
		return 4
	case TensorTypeF16:
		return 2
	case TensorTypeQ4_0:
		return 2 + blockSize/2
	case TensorTypeQ4_1:
		return 2 + 2 + blockSize/2
	case TensorTypeQ5_0:
		return 2 + 4 + blockSize/2
	case TensorTypeQ5_1:
		return 2 + 2 + 4 + blockSize/2
	case TensorTypeQ8_0:
		return 2 + blockSize
	case TensorTypeQ8_1:
		return 2 + 2 + blockSize
	case TensorTypeQ2_K:
		return blockSize/16 + blockSize/4 + 2 + 2
	case TensorTypeQ3_K:
		return blockSize/8 + blockSize/4 + 12 + 2
	case TensorTypeQ4_K:
		return 2 + 2 + 12 + blockSize/2
	case TensorTypeQ5_K:
		return 2 + 2 + 12 + blockSize/8 + blockSize/2
	case TensorTypeQ6_K:
		return blockSize/2 + blockSize/4 + blockSize/16 + 2
	case TensorTypeQ8_K:
		return 4 + blockSize + 2*blockSize/16
	case TensorTypeI8:
		return 1
	case TensorTypeI16:
		return 2
	case TensorTypeI32:
		return 4
	case TensorTypeI64:
		return 8
	case TensorTypeF64:
		return 8
	case TensorTypeBF16:
		return 2
	default:
		return 0
	}
}

func (t TensorType) String() string {
	switch t {
	case TensorTypeF32:
		return "F32"
	case TensorTypeF16:
		return "F16"
	case TensorTypeBF16:
		return "BF16"
	case TensorTypeQ4_0:
		return "Q4_0"
	case TensorTypeQ4_1:
		return "Q4_1"
	case TensorTypeQ5_0:
		return "Q5_0"
	case TensorTypeQ5_1:
		return "Q5_1"
	case TensorTypeQ8_0:
		return "Q8_0"
	case TensorTypeQ8_1:
		return "Q8_1"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// FileType summarizes the dominant quantization of a GGUF file's tensors.
type FileType uint32

const (
	FileTypeUnknown FileType = 0
	FileTypeF32     FileType = 1
	FileTypeF16     FileType = 2
)

func (t FileType) String() string {
	switch t {
	case FileTypeF32:
		return "F32"
	case FileTypeF16:
		return "F16"
	default:
		return "unknown"
	}
}

type container interface {
	Name() string
	Decode(io.ReadSeeker) (model, error)
}

const (
	FileMagicGGUFLE uint32 = 0x46554747
	FileMagicGGUFBE uint32 = 0x47475546
)

var ErrUnsupportedFormat = errors.New("unsupported model format")

func DetectContentType(b []byte) string {
	switch binary.LittleEndian.Uint32(b[:4]) {
	case FileMagicGGUFLE, FileMagicGGUFBE:
		return "gguf"
	default:
		return ""
	}
}

// Decode reads a GGUF file's header, metadata, and tensor table. It does
// not read tensor data; callers mmap or stream tensor bytes separately
// using Tensor.Offset and GGML.Length.
func Decode(rs io.ReadSeeker) (*GGML, error) {
	var magic uint32
	if err := binary.Read(rs, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}

	var c container
	switch magic {
	case FileMagicGGUFLE:
		c = &containerGGUF{ByteOrder: binary.LittleEndian}
	case FileMagicGGUFBE:
		c = &containerGGUF{ByteOrder: binary.BigEndian}
	default:
		return nil, fmt.Errorf("%w: invalid file magic", ErrUnsupportedFormat)
	}

	m, err := c.Decode(rs)
	if err != nil {
		return nil, err
	}

	offset, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	return &GGML{
		container: c,
		model:     m,
		Length:    offset,
	}, nil
}

// GraphSize estimates the scratch memory a forward pass over context
// tokens and a batch of batch tokens requires, split into per-layer KV
// cache sizes and full/partial compute-offload totals. Phi-2 is the only
// architecture this estimator needs to support.
func (f GGML) GraphSize(context, batch uint64, kvCacheType string) (kv []uint64, partialOffload, fullOffload uint64) {
	embedding := f.KV().EmbeddingLength()
	heads := f.KV().HeadCount()
	headsKV := f.KV().HeadCountKV()
	embeddingHeadsK := f.KV().EmbeddingHeadCountK()
	embeddingHeadsV := f.KV().EmbeddingHeadCountV()

	bytesPerElement := kvCacheBytesPerElement(kvCacheType)
	kv = make([]uint64, f.KV().BlockCount())
	for i := range kv {
		kv[i] = uint64(float64(context*(embeddingHeadsK+embeddingHeadsV)*headsKV) * bytesPerElement)
	}

	fullOffload = max(
		4*batch*(embedding+context),
		4*batch*(1+4*embedding+context+context*heads),
	)

	partialOffload = max(
		4*batch*(2*embedding+context),
		4*batch*(2+3*embedding+context+context*heads),
	)

	return
}

// SupportsKVCacheType checks if the requested cache type is supported.
func (f GGML) SupportsKVCacheType(cacheType string) bool {
	switch cacheType {
	case "f16", "q8_0", "q4_0":
		return true
	default:
		return false
	}
}

// SupportsFlashAttention reports whether Q and K head widths match, the
// precondition the Graph Builder's flash-attention code path requires.
func (f GGML) SupportsFlashAttention() bool {
	headCountK := f.KV().EmbeddingHeadCountK()
	headCountV := f.KV().EmbeddingHeadCountV()
	return headCountK != 0 && headCountV != 0 && headCountK == headCountV
}

func kvCacheBytesPerElement(cacheType string) float64 {
	switch cacheType {
	case "q8_0":
		return 1
	case "q4_0":
		return 0.5
	default:
		return 2
	}
}
