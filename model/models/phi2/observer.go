package phi2

import "github.com/fxamacker/cbor/v2"

// GraphObserver records a structural trace of one forward pass: the
// hidden-state shape coming out of each decoder layer, and the final
// output shape. It exists to give tests (and callers debugging a
// shape mismatch) a compact, comparable fingerprint of a graph without
// needing to dump actual tensor contents.
type GraphObserver struct {
	Layers []LayerTrace
	Output []int64
}

type LayerTrace struct {
	Layer int
	Shape []int64
}

func (o *GraphObserver) recordLayer(layer int, shape []int64) {
	o.Layers = append(o.Layers, LayerTrace{Layer: layer, Shape: shape})
}

func (o *GraphObserver) recordOutput(shape []int64) {
	o.Output = shape
}

// Fingerprint CBOR-encodes the trace collected so far, giving a
// deterministic byte string two runs over the same batch shape can be
// compared by.
func (o *GraphObserver) Fingerprint() ([]byte, error) {
	return cbor.Marshal(o)
}
