package nn

import "github.com/devpramod/moondream/ml"

// Linear is a weight matrix and optional bias, tagged for reflection
// binding against a GGUF tensor named "<prefix>.weight" / "<prefix>.bias".
type Linear struct {
	Weight ml.Tensor `gguf:"weight"`
	Bias   ml.Tensor `gguf:"bias"`
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = m.Weight.MulMat(ctx, t)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}
