package model

import (
	"reflect"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/devpramod/moondream/ml"
	"github.com/devpramod/moondream/ml/nn"
)

func TestParseTags(t *testing.T) {
	cases := []struct {
		value string
		want  Tag
	}{
		{
			value: "output",
			want: Tag{
				Name: "output",
			},
		},
		{
			value: "output,alt:token_embd",
			want: Tag{
				Name: "output",
				Alternate: []string{
					"token_embd",
				},
			},
		},
	}

	for _, tt := range cases {
		t.Run(tt.value, func(t *testing.T) {
			got := ParseTags(tt.value)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseTags() returned unexpected values (-want +got):\n%s", diff)
			}
		})
	}
}

// fakeBackend resolves any name present in names to a fakeTensor
// carrying that name, and nil otherwise — just enough to exercise
// populateFields without a real weight file. arch, if set, is reported
// through Config().Architecture() for tests that exercise New's
// architecture lookup.
type fakeBackend struct {
	arch  string
	names []string
}

func (m *fakeBackend) Config() ml.Config            { return stubConfig{arch: m.arch} }
func (m *fakeBackend) NewContext() ml.Context        { return nil }
func (m *fakeBackend) NewContextSize(int) ml.Context { return nil }

func (m *fakeBackend) Get(name string) ml.Tensor {
	if slices.Contains(m.names, name) {
		return fakeTensor{Name: name}
	}

	return nil
}

// fakeTensor implements ml.Tensor with every method panicking except
// the identity it needs for cmp.Diff to compare by Name.
type fakeTensor struct {
	ml.Tensor
	Name string
}

func TestPopulateFields(t *testing.T) {
	type fakeLayer struct {
		Query  *nn.Linear `gguf:"attn_q"`
		Key    *nn.Linear `gguf:"attn_k"`
		Value  *nn.Linear `gguf:"attn_v"`
		Output *nn.Linear `gguf:"attn_o"`
	}

	type fakeModel struct {
		Input      *nn.Embedding `gguf:"input"`
		OutputNorm *nn.RMSNorm   `gguf:"output_norm"`
		Output     *nn.Linear    `gguf:"output"`
		Layers     [2]fakeLayer  `gguf:"blk"`
	}

	var m fakeModel
	var missing []string
	v := reflect.ValueOf(&m)
	v.Elem().Set(populateFields(Base{b: &fakeBackend{
		names: []string{
			"input.weight",
			"blk.0.attn_q.weight",
			"blk.0.attn_k.weight",
			"blk.0.attn_v.weight",
			"blk.1.attn_q.weight",
			"blk.1.attn_k.weight",
			"blk.1.attn_v.weight",
			"output_norm.weight",
			"output.weight",
		},
	}}, v.Elem(), &missing))

	if diff := cmp.Diff(fakeModel{
		Input:      &nn.Embedding{Weight: fakeTensor{Name: "input.weight"}},
		OutputNorm: &nn.RMSNorm{Weight: fakeTensor{Name: "output_norm.weight"}},
		Output:     &nn.Linear{Weight: fakeTensor{Name: "output.weight"}},
		Layers: [2]fakeLayer{
			{
				Query: &nn.Linear{Weight: fakeTensor{Name: "blk.0.attn_q.weight"}},
				Key:   &nn.Linear{Weight: fakeTensor{Name: "blk.0.attn_k.weight"}},
				Value: &nn.Linear{Weight: fakeTensor{Name: "blk.0.attn_v.weight"}},
			},
			{
				Query: &nn.Linear{Weight: fakeTensor{Name: "blk.1.attn_q.weight"}},
				Key:   &nn.Linear{Weight: fakeTensor{Name: "blk.1.attn_k.weight"}},
				Value: &nn.Linear{Weight: fakeTensor{Name: "blk.1.attn_v.weight"}},
			},
		},
	}, m, cmp.Comparer(func(a, b fakeTensor) bool { return a.Name == b.Name })); diff != "" {
		t.Errorf("populateFields() set incorrect values (-want +got):\n%s", diff)
	}
}

func TestPopulateFieldsAlternateName(t *testing.T) {
	type fakeModel struct {
		Input  *nn.Embedding `gguf:"input"`
		Output *nn.Linear    `gguf:"output,alt:input"`
	}

	m := fakeModel{}
	var missing []string
	v := reflect.ValueOf(&m)
	v.Elem().Set(populateFields(Base{b: &fakeBackend{
		names: []string{
			"input.weight",
		},
	}}, v.Elem(), &missing))

	if diff := cmp.Diff(fakeModel{
		Input:  &nn.Embedding{Weight: fakeTensor{Name: "input.weight"}},
		Output: &nn.Linear{Weight: fakeTensor{Name: "input.weight"}},
	}, m, cmp.Comparer(func(a, b fakeTensor) bool { return a.Name == b.Name })); diff != "" {
		t.Errorf("populateFields() set incorrect values (-want +got):\n%s", diff)
	}
}

func TestRegisterPanicsOnDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic registering a duplicate architecture name")
		}
	}()

	Register("dup-test-arch", func(ml.Config) (Model, error) { return nil, nil })
	Register("dup-test-arch", func(ml.Config) (Model, error) { return nil, nil })
}
