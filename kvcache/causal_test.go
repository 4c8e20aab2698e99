package kvcache

import (
	"math"
	"testing"

	"github.com/devpramod/moondream/ml"
	"github.com/devpramod/moondream/model/input"
)

// testContext implements just enough of ml.Context for StartForward
// and buildMask to run without a real tensor runtime. Put/Get are not
// exercised here: both delegate their actual reads/writes to
// SetRows/View, ops this core only declares an interface for and
// never implements — verifying them needs a real backend, not a fake.
type testContext struct {
	ml.Context
}

func (c *testContext) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	shape64 := make([]int64, len(shape))
	for i, v := range shape {
		shape64[i] = int64(v)
	}
	return &testTensor{floats: append([]float32(nil), s...), shape: shape64}, nil
}

func (c *testContext) FromIntSlice(s []int32, shape ...int) (ml.Tensor, error) {
	return &testTensor{ints: append([]int32(nil), s...)}, nil
}

func (c *testContext) Input() ml.Context { return c }

type testTensor struct {
	ml.Tensor
	floats []float32
	ints   []int32
	shape  []int64
}

func (t *testTensor) Floats() []float32 { return t.floats }
func (t *testTensor) Shape() []int64    { return t.shape }

func newTestCache(size int32) *Causal {
	c := NewCausalCache(nil)
	c.Init(nil, ml.DTypeF32, ml.DTypeF32, size, false, 1)
	return c
}

func TestCausalCacheID(t *testing.T) {
	a := newTestCache(4)
	b := newTestCache(4)
	if a.ID == "" {
		t.Fatal("expected a non-empty cache id")
	}
	if a.ID == b.ID {
		t.Fatal("expected two caches to get distinct ids")
	}
}

func TestStartForwardFillsFromHead(t *testing.T) {
	c := newTestCache(8)
	ctx := &testContext{}

	batch := input.Batch{
		Positions: []int32{0, 1, 2},
		Sequences: []int{0, 0, 0},
	}

	if err := c.StartForward(ctx, batch); err != nil {
		t.Fatalf("StartForward: %v", err)
	}

	if c.Used != 3 {
		t.Errorf("Used = %v, want 3", c.Used)
	}
	if c.Head != 3 {
		t.Errorf("Head = %v, want 3", c.Head)
	}
	if c.N != 3 {
		t.Errorf("N = %v, want 3", c.N)
	}

	for i := 0; i < 3; i++ {
		if c.cells[i].pos != int32(i) {
			t.Errorf("cells[%d].pos = %v, want %v", i, c.cells[i].pos, i)
		}
	}
}

func TestFindLocsFullReturnsError(t *testing.T) {
	c := newTestCache(2)
	ctx := &testContext{}

	batch := input.Batch{
		Positions: []int32{0, 1, 2},
		Sequences: []int{0, 0, 0},
	}

	if err := c.StartForward(ctx, batch); err == nil {
		t.Fatal("expected ErrKvCacheFull")
	}
}

func TestBuildMaskIsCausalAndSequenceIsolated(t *testing.T) {
	c := newTestCache(8)
	ctx := &testContext{}

	// seq 0 gets positions 0,1; seq 1 independently gets position 0.
	batch := input.Batch{
		Positions: []int32{0, 1, 0},
		Sequences: []int{0, 0, 1},
	}

	if err := c.StartForward(ctx, batch); err != nil {
		t.Fatalf("StartForward: %v", err)
	}

	mask := c.curMask.Floats()
	length := c.curCellRange.max - c.curCellRange.min + 1

	if mask[0*length+0] != 0 {
		t.Errorf("token 0 should attend to its own cell")
	}
	if !math.IsInf(float64(mask[0*length+1]), -1) {
		t.Errorf("token 0 should not attend to a future position")
	}
	if !math.IsInf(float64(mask[0*length+2]), -1) {
		t.Errorf("token 0 should not attend to a different sequence")
	}

	if mask[1*length+0] != 0 || mask[1*length+1] != 0 {
		t.Errorf("token 1 should attend to both of its own sequence's cells")
	}
}

func TestRemoveEvictsTail(t *testing.T) {
	c := newTestCache(8)
	ctx := &testContext{}

	batch := input.Batch{
		Positions: []int32{0, 1, 2, 3},
		Sequences: []int{0, 0, 0, 0},
	}
	if err := c.StartForward(ctx, batch); err != nil {
		t.Fatalf("StartForward: %v", err)
	}

	// Removing a suffix through math.MaxInt32 never shifts a remaining
	// cell's position, so it needs no shiftFn.
	if err := c.Remove(0, 2, math.MaxInt32); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if c.Used != 2 {
		t.Errorf("Used = %v, want 2 after evicting cells at positions 2 and 3", c.Used)
	}

	for i := 2; i < 4; i++ {
		if len(c.cells[i].sequences) != 0 {
			t.Errorf("cells[%d] should be free after Remove", i)
		}
	}

	if len(c.cells[0].sequences) == 0 || len(c.cells[1].sequences) == 0 {
		t.Errorf("cells before beginIndex should be untouched")
	}
}

func TestCopyPrefixAssignsDstSequence(t *testing.T) {
	c := newTestCache(8)
	ctx := &testContext{}

	batch := input.Batch{
		Positions: []int32{0, 1, 2},
		Sequences: []int{0, 0, 0},
	}
	if err := c.StartForward(ctx, batch); err != nil {
		t.Fatalf("StartForward: %v", err)
	}

	c.CopyPrefix(0, 1, 2)

	for i := 0; i < 2; i++ {
		found := false
		for _, s := range c.cells[i].sequences {
			if s == 1 {
				found = true
			}
		}
		if !found {
			t.Errorf("cells[%d] should now also belong to sequence 1", i)
		}
	}

	if len(c.cells[2].sequences) != 1 || c.cells[2].sequences[0] != 0 {
		t.Errorf("cells[2] (pos 2, outside the copied prefix) should be untouched")
	}

	if !c.DoCopy {
		t.Errorf("CopyPrefix should set DoCopy")
	}
}
