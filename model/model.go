// Package model ties a GGUF-backed ml.Backend to an architecture's
// Go struct definition: Register associates an architecture name with
// a constructor, New loads the weight file and populates the
// constructed struct's ml.Tensor fields by matching their gguf struct
// tags against the backend's named tensors, and Forward drives one
// compute pass through a Model's own Forward method.
package model

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/devpramod/moondream/kvcache"
	"github.com/devpramod/moondream/ml"
	"github.com/devpramod/moondream/model/input"
)

// Model implements a specific model architecture, defining the
// forward pass and any model-specific configuration.
type Model interface {
	Forward(ml.Context, input.Batch) (ml.Tensor, error)

	Backend() ml.Backend
	Config() config
}

// Base implements the common fields and methods every architecture
// embeds.
type Base struct {
	b ml.Backend
	config
}

// config carries the cache a model was built with. It is a struct
// rather than a bare kvcache.Cache so architectures can grow
// additional shared fields without changing every constructor's
// signature.
type config struct {
	Cache kvcache.Cache
}

// Backend returns the underlying backend that will run the model.
func (m *Base) Backend() ml.Backend {
	return m.b
}

func (m *Base) Config() config {
	return m.config
}

var models = make(map[string]func(ml.Config) (Model, error))

// Register registers a model constructor for the given architecture.
func Register(name string, f func(ml.Config) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// New opens modelPath, loads it through the named backend, and
// constructs+populates the architecture registered for the file's
// reported architecture. Every failure mode is a *LoadError: a bad
// path or an unreadable file is ErrFileOpen, a backend that can't
// decode the container is ErrParse, an architecture string with no
// registered constructor is ErrUnsupportedArch, and a required tensor
// the backend doesn't have is ErrMissingTensor.
func New(backendName, modelPath string) (Model, error) {
	r, err := os.Open(modelPath)
	if err != nil {
		return nil, fileOpenError(err)
	}
	defer r.Close()

	b, err := ml.NewBackend(backendName, r)
	if err != nil {
		return nil, parseError(err)
	}

	arch := b.Config().Architecture()
	f, ok := models[arch]
	if !ok {
		return nil, unsupportedArchError(arch)
	}

	m, err := f(b.Config())
	if err != nil {
		return nil, err
	}

	base := Base{b: b, config: m.Config()}

	var missing []string
	v := reflect.ValueOf(m)
	v.Elem().Set(populateFields(base, v.Elem(), &missing))
	if len(missing) > 0 {
		return nil, missingTensorError(missing[0])
	}

	if validator, ok := m.(interface{ Validate() error }); ok {
		if err := validator.Validate(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// isOptionalTensor reports whether the leaf gguf tag names an
// optional tensor. "bias" is the one convention every nn.Linear and
// nn.LayerNorm in this tree relies on: callers already guard its use
// with a nil check, so a missing bias tensor is not a load failure.
func isOptionalTensor(tags []Tag) bool {
	return len(tags) > 0 && tags[len(tags)-1].Name == "bias"
}

func populateFields(base Base, v reflect.Value, missing *[]string, tags ...Tag) reflect.Value {
	t := v.Type()

	if t.Kind() == reflect.Struct {
		allNil := true
		for i := range t.NumField() {
			tt := t.Field(i).Type
			vv := v.Field(i)
			if !vv.CanSet() {
				continue
			}

			// make a copy
			tagsCopy := tags
			if tag := t.Field(i).Tag.Get("gguf"); tag != "" {
				tagsCopy = append(tagsCopy, ParseTags(tag))
			}

			if tt == reflect.TypeOf((*Base)(nil)).Elem() {
				vv.Set(reflect.ValueOf(base))
			} else if tt == reflect.TypeOf((*ml.Tensor)(nil)).Elem() {
				var fn func([]Tag) [][]string
				fn = func(tags []Tag) (values [][]string) {
					if len(tags) < 1 {
						return nil
					}

					values = [][]string{{tags[0].Name}}
					for _, alt := range tags[0].Alternate {
						values = append(values, []string{alt})
					}

					for i, value := range values {
						for _, rest := range fn(tags[1:]) {
							value = append(value, rest...)
						}

						values[i] = value
					}

					return values
				}

				names := fn(tagsCopy)
				found := false
				for _, name := range names {
					if tensor := base.Backend().Get(strings.Join(name, ".")); tensor != nil {
						slog.Debug("found tensor", "name", strings.Join(name, "."))
						vv.Set(reflect.ValueOf(tensor))
						found = true
						break
					}
				}

				if !found && len(names) > 0 && !isOptionalTensor(tagsCopy) {
					*missing = append(*missing, strings.Join(names[0], "."))
				}
			} else if tt.Kind() == reflect.Pointer || tt.Kind() == reflect.Interface {
				setPointer(base, vv, tagsCopy, missing)
			} else if tt.Kind() == reflect.Slice || tt.Kind() == reflect.Array {
				for i := range vv.Len() {
					vvv := vv.Index(i)
					if vvv.Kind() == reflect.Pointer || vvv.Kind() == reflect.Interface {
						setPointer(base, vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)}), missing)
					} else {
						vvv.Set(populateFields(base, vvv, missing, append(tagsCopy, Tag{Name: strconv.Itoa(i)})...))
					}
				}
			}

			if !canNil(tt) || !vv.IsNil() {
				allNil = false
			}
		}

		if allNil {
			return reflect.Zero(t)
		}
	}

	return v
}

func setPointer(base Base, v reflect.Value, tags []Tag, missing *[]string) {
	vv := v
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}

		vv = vv.Elem()
	}

	vv = vv.Elem()
	if v.IsNil() {
		vv = reflect.New(v.Type().Elem()).Elem()
	}

	if f := populateFields(base, vv, missing, tags...); f.CanAddr() {
		v.Set(f.Addr())
	}
}

// Tag is a parsed gguf struct tag: the tensor name to look up, plus
// any alternate names to try if the primary name isn't present (some
// GGUF writers use different naming conventions for the same tensor).
type Tag struct {
	Name      string
	Alternate []string
}

func ParseTags(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	if len(parts) > 0 {
		tag.Name = parts[0]

		for _, part := range parts[1:] {
			if value, ok := strings.CutPrefix(part, "alt:"); ok {
				tag.Alternate = append(tag.Alternate, value)
			}
		}
	}

	return
}

func canNil(t reflect.Type) bool {
	return t.Kind() == reflect.Chan ||
		t.Kind() == reflect.Func ||
		t.Kind() == reflect.Interface ||
		t.Kind() == reflect.Map ||
		t.Kind() == reflect.Pointer ||
		t.Kind() == reflect.Slice
}

// ContextParams are the session-level parameters a build call is run
// against, named cparams in the original this was ported from. NumCtx
// is the context length the caller's session was opened with; Forward
// checks it against the KV cache's allocated capacity before emitting
// any node, rather than letting a stale or mismatched session silently
// build a graph against the wrong cache. A zero NumCtx skips the
// check, for callers (and tests) that have no cache to compare against.
type ContextParams struct {
	NumCtx int32
}

// Forward is the top-level driver: it validates the batch, hands it to
// the KV cache (if the model has one) to reserve cells and build the
// attention mask, calls the model's own Forward to build the compute
// graph, and executes it.
func Forward(ctx ml.Context, m Model, cparams ContextParams, batch input.Batch) (ml.Tensor, error) {
	if len(batch.Positions) != len(batch.Sequences) {
		return nil, invalidBatchError(fmt.Sprintf("length of positions (%v) must match length of sequences (%v)", len(batch.Positions), len(batch.Sequences)))
	}

	if len(batch.Positions) < 1 {
		return nil, invalidBatchError("batch size cannot be less than 1")
	}

	if len(batch.Outputs) < 1 {
		return nil, invalidBatchError("batch must name at least one output index")
	}

	if len(batch.Outputs) > len(batch.Positions) {
		return nil, invalidBatchError(fmt.Sprintf("n_outputs (%v) exceeds n_tokens (%v)", len(batch.Outputs), len(batch.Positions)))
	}

	haveTokens, haveEmbeddings := len(batch.Tokens) > 0, len(batch.Embeddings) > 0
	if haveTokens == haveEmbeddings {
		return nil, invalidBatchError("exactly one of Tokens or Embeddings must be set")
	}

	var err error
	if haveTokens {
		batch.Inputs, err = ctx.Input().FromIntSlice(batch.Tokens, len(batch.Tokens))
	} else {
		batch.Inputs, err = ctx.Input().FromFloatSlice(batch.Embeddings, len(batch.Embeddings)/len(batch.Positions), len(batch.Positions))
	}
	if err != nil {
		return nil, err
	}

	cache := m.Config().Cache
	if cache != nil {
		if size := cache.Capacity(); cparams.NumCtx != 0 && size != 0 && cparams.NumCtx != size {
			return nil, ctxMismatchError(cparams.NumCtx, size)
		}

		if err := cache.StartForward(ctx, batch); err != nil {
			return nil, err
		}
	}

	t, err := m.Forward(ctx, batch)
	if err != nil {
		return nil, err
	}

	ctx.BuildForwardExpand(t)
	ctx.Compute(t)

	return t, nil
}
