package kvcache

import (
	"fmt"
	"math"
	"slices"

	"github.com/google/uuid"

	"github.com/devpramod/moondream/ml"
	"github.com/devpramod/moondream/model/input"
)

type shiftFn func(ctx ml.Context, layer int, key, shift ml.Tensor) (ml.Tensor, error)

// Causal is Phi-2's KV cache: a single ring of cells shared across the
// sequences in flight, with per-layer K/V backing tensors allocated
// lazily on first Put. Its bookkeeping fields mirror moondream_kv_cache
// one-to-one:
//
//   - Size is the cache's fixed capacity, always equal to the context
//     parameters' n_ctx.
//   - Used is the number of cells currently holding a token.
//   - Head is the write cursor: the first cell the next StartForward's
//     free-cell scan considers.
//   - N is the length of the active window the last StartForward
//     computed — the span the Graph Builder's views must cover.
//   - TypeK/TypeV are the cache's element types (independent, since K
//     and V may be quantized differently).
//   - VTrans selects the transposed V layout the non-flash attention
//     path's manual KQ^T·V product needs.
//   - HasShift/DoDefrag/DoCopy are one-shot flags a forward pass sets
//     when it needs the next compute graph to also carry a RoPE
//     re-encode, a defragmentation copy, or a plain relocation copy.
type Causal struct {
	ID string

	Size int32
	Used int32
	Head int32
	N    int32

	TypeK, TypeV ml.DType
	VTrans       bool

	HasShift bool
	DoDefrag bool
	DoCopy   bool

	config *ml.CacheConfig

	maxBatch int

	curBatchSize int
	curLoc       ml.Tensor
	curMask      ml.Tensor
	curLayer     int
	curCellRange cellRange
	curSequences []int
	curPositions []int32

	opts CausalOptions

	cells      []cacheCell
	cellRanges map[int]cellRange

	shiftFn      shiftFn
	backend      ml.Backend
	ctxs         map[int]ml.Context
	keys, values map[int]ml.Tensor
}

type cacheCell struct {
	pos       int32
	sequences []int
}

type cellRange struct {
	min int
	max int
}

func newRange() cellRange {
	return cellRange{min: math.MaxInt, max: 0}
}

// NewCausalCache builds a cache whose defragmentation/shift path re-RoPEs
// K in place via shift, grounded on the original's llm_build_kv_store
// assumption that K's positional encoding must track a sequence's
// rewritten start once a prefix is evicted.
func NewCausalCache(shift shiftFn) *Causal {
	return &Causal{
		ID:      uuid.New().String(),
		shiftFn: shift,
		ctxs:    make(map[int]ml.Context),
		keys:    make(map[int]ml.Tensor),
		values:  make(map[int]ml.Tensor),
	}
}

// Init allocates the cell ring and fixes the cache's capacity to size,
// which callers must set equal to the session's context length
// (model.ContextParams.NumCtx). model.Forward checks the two against
// each other via Capacity before building any graph.
func (c *Causal) Init(backend ml.Backend, typeK, typeV ml.DType, size int32, vTrans bool, maxBatch int) {
	if c.config == nil {
		var config ml.CacheConfig
		c.config = &config
	}

	c.backend = backend
	c.TypeK = typeK
	c.TypeV = typeV
	c.VTrans = vTrans
	c.config.PermutedV = vTrans
	if c.config.MaskDType == ml.DTypeOther {
		c.config.MaskDType = ml.DTypeF32
	}

	c.Size = size
	c.maxBatch = maxBatch
	c.cells = make([]cacheCell, size)
	c.cellRanges = make(map[int]cellRange)
}

// Capacity returns the cache's allocated size, zero before Init has
// run.
func (c *Causal) Capacity() int32 {
	return c.Size
}

func (c *Causal) Close() {
	for _, ctx := range c.ctxs {
		ctx.Close()
	}
}

func (c *Causal) SetConfig(config ml.CacheConfig) {
	if c.config != nil && (c.config.PermutedV || c.config.MaskDType != 0) {
		panic("config cannot be changed after being previously set")
	}
	c.config = &config
}

type CausalOptions struct {
	Except []int
}

func (c *Causal) StartForward(ctx ml.Context, batch input.Batch) error {
	c.curBatchSize = len(batch.Positions)
	c.curSequences = batch.Sequences
	c.curPositions = batch.Positions
	c.opts.Except = nil
	c.HasShift = false
	c.DoDefrag = false
	c.DoCopy = false

	c.curCellRange = newRange()
	for _, seq := range c.curSequences {
		if seqRange, ok := c.cellRanges[seq]; ok {
			c.curCellRange.min = min(c.curCellRange.min, seqRange.min)
			c.curCellRange.max = max(c.curCellRange.max, seqRange.max)
		}
	}

	locs, err := c.findLocs()
	if err != nil {
		return err
	}

	for i, pos := range batch.Positions {
		seq := batch.Sequences[i]
		loc := int(locs[i])

		c.cells[loc] = cacheCell{pos: pos, sequences: []int{seq}}

		seqRange, ok := c.cellRanges[seq]
		if !ok {
			seqRange = newRange()
		}

		seqRange.min = min(seqRange.min, loc)
		c.curCellRange.min = min(c.curCellRange.min, loc)

		seqRange.max = max(seqRange.max, loc)
		c.curCellRange.max = max(c.curCellRange.max, loc)

		c.cellRanges[seq] = seqRange
		c.Used++
	}

	c.Head = int32(c.curCellRange.max + 1)
	c.N = int32(c.curCellRange.max - c.curCellRange.min + 1)

	curLoc, err := ctx.FromIntSlice(locs, len(locs))
	if err != nil {
		return err
	}
	c.curLoc = curLoc
	c.curMask = c.buildMask(ctx)

	return nil
}

// findLocs linearly scans the cell ring for curBatchSize free cells,
// wrapping from Head. A full cache returns ErrKvCacheFull rather than
// evicting, mirroring the original's hard GGML_ASSERT(kv.size == n_ctx)
// boundary: this core never grows or shrinks the ring underneath a
// caller.
func (c *Causal) findLocs() ([]int32, error) {
	loc := make([]int32, 0, c.curBatchSize)

	for i := range c.cells {
		idx := (int(c.Head) + i) % len(c.cells)
		if len(c.cells[idx].sequences) == 0 {
			loc = append(loc, int32(idx))
			if len(loc) >= c.curBatchSize {
				return loc, nil
			}
		}
	}

	return nil, fmt.Errorf("%w (cache: %v batch: %v)", ErrKvCacheFull, len(c.cells), c.curBatchSize)
}

func roundDown(length, pad int) int {
	return (length / pad) * pad
}

func roundUp(length, pad int) int {
	return ((length + pad - 1) / pad) * pad
}

// buildMask is build_inp_KQ_mask: history x batch, -inf where the
// history cell belongs to a different sequence or lies strictly ahead
// of the batch token attending to it.
func (c *Causal) buildMask(ctx ml.Context) ml.Tensor {
	pad := 1
	if c.config.MaskBatchPadding > 0 {
		pad = c.config.MaskBatchPadding
	}

	c.curCellRange.min = roundDown(c.curCellRange.min, pad)
	c.curCellRange.max = roundUp(c.curCellRange.max+1, pad) - 1

	length := c.curCellRange.max - c.curCellRange.min + 1

	mask := make([]float32, c.curBatchSize*length)

	for i := range c.curBatchSize {
		enabled := !slices.Contains(c.opts.Except, i)
		for j := c.curCellRange.min; j <= c.curCellRange.max; j++ {
			if !slices.Contains(c.cells[j].sequences, c.curSequences[i]) ||
				(enabled && c.cells[j].pos > c.curPositions[i]) {
				mask[i*length+(j-c.curCellRange.min)] = float32(math.Inf(-1))
			}
		}
	}

	maskTensor, err := ctx.FromFloatSlice(mask, length, c.curBatchSize)
	if err != nil {
		panic(err)
	}

	return maskTensor
}

func (c *Causal) SetLayer(layer int) {
	c.curLayer = layer
}

func (c *Causal) SetCausal(ctx ml.Context, opts CausalOptions) {
	if !slices.Equal(c.opts.Except, opts.Except) {
		c.opts = opts
		if ctx != nil {
			c.curMask = c.buildMask(ctx)
		}
	}
}

// ViewsForLayer resolves the current layer's K and V backing tensors
// into the strided views the Graph Builder attends over: K always
// viewed as [n_embd_k_gqa, N] starting at curCellRange.min; V viewed
// either untransposed [n_embd_v_gqa, N] (flash path) or transposed
// [N, n_embd_v_gqa] (non-flash path, selected by VTrans) per
// ReadKView/ReadVView.
func (c *Causal) ViewsForLayer(ctx ml.Context, layer int) (k, v ml.Tensor) {
	key := c.keys[layer]
	value := c.values[layer]

	k = c.ReadKView(ctx, key)
	v = c.ReadVView(ctx, value)
	return
}

// ReadKView builds ggml_view_2d(k_l, n_embd_k_gqa, n, k_l->nb[1],
// row_size*cellRange.min) — a row-major [n_embd_k_gqa, n] window whose
// rows are cached tokens.
func (c *Causal) ReadKView(ctx ml.Context, key ml.Tensor) ml.Tensor {
	kHeadDim := key.Dim(0)
	numKVHeads := key.Dim(1)
	rowSize := key.Stride(2)
	n := int64(c.curCellRange.max - c.curCellRange.min + 1)

	return key.View(ctx, int(rowSize)*c.curCellRange.min,
		int(kHeadDim), int(key.Stride(1)),
		int(numKVHeads), int(key.Stride(2)),
		int(n),
	)
}

// ReadVView resolves the value cache view. When VTrans is set, the
// stride to advance one element along the head-dim axis is a full row
// of width n_ctx elements — ggml_view_2d(v_l, n, n_embd_v_gqa,
// element_size(v_l)*n_ctx, element_size(v_l)*cellRange.min) — matching
// llm_build_kv_store's transposed write layout exactly. Otherwise V is
// viewed the same row-major way K is.
func (c *Causal) ReadVView(ctx ml.Context, value ml.Tensor) ml.Tensor {
	n := int64(c.curCellRange.max - c.curCellRange.min + 1)

	if c.VTrans {
		vHeadDim := value.Dim(1)
		elemSize := value.Stride(0)
		numKVHeads := value.Dim(2)

		return value.View(ctx, int(elemSize)*c.curCellRange.min,
			int(n), int(value.Stride(1)),
			int(vHeadDim), int(value.Stride(2)),
			int(numKVHeads),
		)
	}

	vHeadDim := value.Dim(0)
	numKVHeads := value.Dim(1)
	rowSize := value.Stride(2)

	return value.View(ctx, int(rowSize)*c.curCellRange.min,
		int(vHeadDim), int(value.Stride(1)),
		int(numKVHeads), int(value.Stride(2)),
		int(n),
	)
}

func (c *Causal) Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor) {
	k, v := c.ViewsForLayer(ctx, c.curLayer)
	return k, v, c.curMask
}

// Put is llm_build_kv_store: writes a batch's K (and V, laid out
// according to VTrans) into this layer's backing tensors at curLoc,
// allocating those tensors to [*, Size] on first use for this layer.
func (c *Causal) Put(ctx ml.Context, key, value ml.Tensor) {
	kHeadDim := key.Dim(0)
	vHeadDim := value.Dim(0)
	numKVHeads := key.Dim(1)
	batchSize := key.Dim(2)

	if c.curBatchSize != int(batchSize) {
		panic(fmt.Errorf("inconsistent batch sizes (layer: %v, batch size: %v layer batch size: %v)", c.curLayer, c.curBatchSize, batchSize))
	}

	if _, ok := c.ctxs[c.curLayer]; !ok {
		c.ctxs[c.curLayer] = c.backend.NewContextSize(2).Layer(c.curLayer)
	}

	if _, ok := c.keys[c.curLayer]; !ok {
		c.keys[c.curLayer] = c.ctxs[c.curLayer].Zeros(c.TypeK, int(kHeadDim), int(numKVHeads), int(c.Size))
	}

	if _, ok := c.values[c.curLayer]; !ok {
		if c.VTrans {
			c.values[c.curLayer] = c.ctxs[c.curLayer].Zeros(c.TypeV, int(c.Size), int(vHeadDim), int(numKVHeads))
		} else {
			c.values[c.curLayer] = c.ctxs[c.curLayer].Zeros(c.TypeV, int(vHeadDim), int(numKVHeads), int(c.Size))
		}
	}

	// curLoc may name non-contiguous cells (findLocs wraps and fills
	// whatever free slots it finds), so the batch is scattered into the
	// cache by row index rather than copied into a single contiguous
	// view.
	keyView := key.Reshape(ctx, kHeadDim*numKVHeads, batchSize)
	keyCache := c.keys[c.curLayer].Reshape(ctx, kHeadDim*numKVHeads, int64(c.Size))
	ctx.BuildForwardExpand(keyCache.SetRows(ctx, keyView, c.curLoc))

	if c.VTrans {
		valueView := value.Reshape(ctx, vHeadDim*numKVHeads, batchSize).Transpose(ctx).Cont(ctx)
		valueCache := c.values[c.curLayer].Reshape(ctx, int64(c.Size), vHeadDim*numKVHeads).Transpose(ctx)
		ctx.BuildForwardExpand(valueCache.SetRows(ctx, valueView, c.curLoc))
	} else {
		valueView := value.Reshape(ctx, vHeadDim*numKVHeads, batchSize)
		valueCache := c.values[c.curLayer].Reshape(ctx, vHeadDim*numKVHeads, int64(c.Size))
		ctx.BuildForwardExpand(valueCache.SetRows(ctx, valueView, c.curLoc))
	}
}

func (c *Causal) CopyPrefix(srcSeq, dstSeq int, length int32) {
	c.DoCopy = true
	seqRange := newRange()

	for i := range c.cells {
		if slices.Contains(c.cells[i].sequences, dstSeq) {
			c.cells[i].sequences = slices.DeleteFunc(c.cells[i].sequences, func(s int) bool { return s == dstSeq })
		}

		if slices.Contains(c.cells[i].sequences, srcSeq) && c.cells[i].pos < length {
			c.cells[i].sequences = append(c.cells[i].sequences, dstSeq)
			seqRange.min = min(seqRange.min, i)
			seqRange.max = max(seqRange.max, i)
		}
	}

	c.cellRanges[dstSeq] = seqRange
}

func (c *Causal) CanResume(seq int, pos int32) bool {
	_, ok := c.cellRanges[seq]
	return ok
}

// shift re-RoPEs a sequence's cached K in place after its start moves,
// setting HasShift for the duration of the graph build that performs
// the re-encode.
func (c *Causal) shift(seq int, beginIndex, offset int32) error {
	if c.shiftFn == nil {
		return ErrNotSupported
	}
	c.HasShift = true
	defer func() { c.HasShift = false }()

	seqRange := c.cellRanges[seq]

	for start := seqRange.min; start <= seqRange.max; start += c.maxBatch {
		size := min(seqRange.max-start+1, c.maxBatch)
		offsets := make([]int32, size)

		batchFirst := -1
		batchLast := 0
		for i := range offsets {
			cell := c.cells[start+i]
			if slices.Contains(cell.sequences, seq) && cell.pos >= beginIndex {
				offsets[i] = offset
				if batchFirst < 0 {
					batchFirst = i
				}
				batchLast = i
			}
		}

		if batchFirst < 0 {
			continue
		}

		offsets = offsets[batchFirst : batchLast+1]

		ctx := c.backend.NewContext()
		kShift, err := ctx.FromIntSlice(offsets, len(offsets))
		if err != nil {
			ctx.Close()
			return err
		}

		for layer, key := range c.keys {
			if key == nil {
				continue
			}

			kHeadDim := key.Dim(0)
			numKVHeads := key.Dim(1)
			rowSize := key.Stride(2)

			view := key.View(ctx, int(rowSize)*(start+batchFirst),
				int(kHeadDim), int(key.Stride(1)),
				int(numKVHeads), int(key.Stride(2)),
				len(offsets),
			)

			roped, err := c.shiftFn(ctx, layer, view, kShift)
			if err != nil {
				ctx.Close()
				return err
			}

			ctx.BuildForwardExpand(view.Copy(ctx, roped))
		}

		ctx.Compute()
		ctx.Close()
	}

	return nil
}

// Remove deletes [beginIndex, endIndex) from seq, shifting the
// remainder's positions down and re-RoPEing K to match.
func (c *Causal) Remove(seq int, beginIndex, endIndex int32) error {
	var offset int32
	if endIndex != math.MaxInt32 {
		offset = beginIndex - endIndex
	}

	seqRange := newRange()

	for i := range c.cells {
		if slices.Contains(c.cells[i].sequences, seq) {
			if c.cells[i].pos >= beginIndex && c.cells[i].pos < endIndex {
				c.cells[i].sequences = slices.DeleteFunc(c.cells[i].sequences, func(s int) bool { return s == seq })
				c.Used--
			} else {
				if c.cells[i].pos >= endIndex {
					if slices.ContainsFunc(c.cells[i].sequences, func(s int) bool { return s != seq }) {
						return fmt.Errorf("shifting cells shared by multiple sequences not supported")
					}
					c.cells[i].pos += offset
				}
				seqRange.min = min(seqRange.min, i)
				seqRange.max = max(seqRange.max, i)
			}
		}
	}

	if seqRange == newRange() {
		delete(c.cellRanges, seq)
		return nil
	}

	c.cellRanges[seq] = seqRange

	if endIndex != math.MaxInt32 {
		return c.shift(seq, endIndex+offset, offset)
	}

	return nil
}
