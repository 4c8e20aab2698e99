package kvcache

import (
	"errors"

	"github.com/devpramod/moondream/ml"
	"github.com/devpramod/moondream/model/input"
)

var (
	ErrKvCacheFull  = errors.New("could not find a kv cache slot")
	ErrNotSupported = errors.New("model does not support operation")
)

type Cache interface {
	// ** used by model implementations **

	// SetLayer sets the active layer of the cache
	SetLayer(layer int)

	// Get returns the history of key and value tensors plus a mask
	//
	// The shape of the tensors is documented in the specific
	// cache implementation used.
	Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor)

	// Put stores a batch of key and value in the cache
	//
	// The shape of the tensors is documented in the specific
	// cache implementation used.
	Put(ctx ml.Context, key, value ml.Tensor)

	// SetConfig controls optimizations (mostly backend-specific) that may transform
	// the output of the cache to work better with specific kernels. If not called,
	// Init uses a default config whose V layout follows its vTrans argument.
	// This works well when calling Attention.
	//
	// The config can be overridden by models, especially if they require vanilla
	// output when implementing their own version of attention. To do this, pass
	// an empty ml.CacheConfig.
	//
	// Most models will not need to use this.
	SetConfig(ml.CacheConfig)

	// ** cache management **

	// Capacity returns the cache's allocated size, zero before Init
	// has been called. Callers compare this against a session's
	// context length before building a graph against the cache.
	Capacity() int32

	// Init sets up runtime parameters: typeK and typeV are the element
	// types the cache stores K and V as (independently, since they may
	// be quantized differently), size is the cache's fixed capacity
	// (must equal the context's n_ctx), vTrans requests V be stored
	// transposed for the non-flash attention path, and maxBatch bounds
	// how many positions a single shift/defrag pass re-encodes at once.
	Init(backend ml.Backend, typeK, typeV ml.DType, size int32, vTrans bool, maxBatch int)

	// Close closes the cache and frees resources associated with it
	Close()

	// StartForward is called before the start of the model's forward
	// pass, with the batch about to be run. Positions and Sequences
	// must be set; Tokens/Embeddings/Outputs are the model's concern,
	// not the cache's.
	StartForward(ctx ml.Context, batch input.Batch) error

	// CopyPrefix copies tokens in the range [0, len) from srcSeq to dstSeq
	CopyPrefix(srcSeq, dstSeq int, len int32)

	// Remove deletes tokens in the range [beginIndex, endIndex) from seq. Set
	// endIndex to math.MaxInt32 to remove everything starting at beginIndex.
	//
	// If an error occurs, the entire context for the sequence should be
	// removed by calling Remove(seq, 0, math.MaxInt32)
	Remove(seq int, beginIndex, endIndex int32) error
}
