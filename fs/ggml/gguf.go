package ggml

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	"github.com/x448/float16"

	"github.com/devpramod/moondream/types/bfloat16"
)

// containerGGUF is the versioned GGUF file header: a 4-byte version
// followed by a version-specific tensor/kv count pair.
type containerGGUF struct {
	ByteOrder binary.ByteOrder

	Version uint32

	V1 struct {
		NumTensor uint32
		NumKV     uint32
	}

	V2 struct {
		NumTensor uint64
		NumKV     uint64
	}

	V3 struct {
		NumTensor uint64
		NumKV     uint64
	}
}

func (c *containerGGUF) Name() string {
	return "gguf"
}

func (c *containerGGUF) Decode(rs io.ReadSeeker) (model, error) {
	if err := binary.Read(rs, c.ByteOrder, &c.Version); err != nil {
		return nil, err
	}

	var err error
	switch c.Version {
	case 1:
		err = binary.Read(rs, c.ByteOrder, &c.V1)
	case 2:
		err = binary.Read(rs, c.ByteOrder, &c.V2)
	case 3:
		err = binary.Read(rs, c.ByteOrder, &c.V3)
	default:
		return nil, fmt.Errorf("unsupported gguf version: %d", c.Version)
	}
	if err != nil {
		return nil, err
	}

	m := newGGUF(c)
	slog.Debug("decoding gguf", "version", c.Version, "numTensor", m.numTensor(), "numKV", m.numKV())
	if err := m.Decode(rs); err != nil {
		return nil, err
	}

	return m, nil
}

const (
	ggufTypeUint8 uint32 = iota
	ggufTypeInt8
	ggufTypeUint16
	ggufTypeInt16
	ggufTypeUint32
	ggufTypeInt32
	ggufTypeFloat32
	ggufTypeBool
	ggufTypeString
	ggufTypeArray
	ggufTypeUint64
	ggufTypeInt64
	ggufTypeFloat64
)

type gguf struct {
	*containerGGUF

	kv      KV
	tensors []*Tensor

	parameters uint64
	alignment  uint32
}

func newGGUF(container *containerGGUF) *gguf {
	return &gguf{
		containerGGUF: container,
		kv:            newKV(),
		alignment:     32,
	}
}

func (llm *gguf) KV() KV {
	return llm.kv
}

func (llm *gguf) Tensors() Tensors {
	return Tensors{items: llm.tensors}
}

func (llm *gguf) numTensor() uint64 {
	switch llm.Version {
	case 1:
		return uint64(llm.V1.NumTensor)
	case 2:
		return llm.V2.NumTensor
	default:
		return llm.V3.NumTensor
	}
}

func (llm *gguf) numKV() uint64 {
	switch llm.Version {
	case 1:
		return uint64(llm.V1.NumKV)
	case 2:
		return llm.V2.NumKV
	default:
		return llm.V3.NumKV
	}
}

// Decode reads the ordered key-value metadata table followed by the
// tensor descriptor table, then seeks past the aligned data section so
// the caller's reader is positioned at end-of-file.
func (llm *gguf) Decode(rs io.ReadSeeker) error {
	for i := 0; uint64(i) < llm.numKV(); i++ {
		k, err := readGGUFString(llm, rs)
		if err != nil {
			return fmt.Errorf("reading kv %d key: %w", i, err)
		}

		t, err := readGGUF[uint32](llm, rs)
		if err != nil {
			return fmt.Errorf("reading kv %q type: %w", k, err)
		}

		v, err := llm.readValue(rs, t)
		if err != nil {
			return fmt.Errorf("reading kv %q value: %w", k, err)
		}

		llm.kv.set(k, v)
	}

	if a, ok := llm.kv.get("general.alignment"); ok {
		if u, ok := a.(uint32); ok && u > 0 {
			llm.alignment = u
		}
	}

	for i := 0; uint64(i) < llm.numTensor(); i++ {
		name, err := readGGUFString(llm, rs)
		if err != nil {
			return fmt.Errorf("reading tensor %d name: %w", i, err)
		}

		dims, err := readGGUF[uint32](llm, rs)
		if err != nil {
			return err
		}

		shape := [4]uint64{1, 1, 1, 1}
		for j := 0; uint32(j) < dims; j++ {
			shape[j], err = readGGUF[uint64](llm, rs)
			if err != nil {
				return err
			}
		}

		kind, err := readGGUF[uint32](llm, rs)
		if err != nil {
			return err
		}

		offset, err := readGGUF[uint64](llm, rs)
		if err != nil {
			return err
		}

		tensor := &Tensor{
			Name:   name,
			Kind:   kind,
			Offset: offset,
			Shape:  shape[:dims],
		}

		llm.tensors = append(llm.tensors, tensor)
		llm.parameters += tensor.Elements()
	}

	llm.kv.set("general.parameter_count", llm.parameters)

	offset, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	if _, err := rs.Seek(llm.padding(offset, int64(llm.alignment)), io.SeekCurrent); err != nil {
		return err
	}

	for _, tensor := range llm.tensors {
		size := int64(tensor.Size())
		if _, err := rs.Seek(size, io.SeekCurrent); err != nil {
			return err
		}

		if _, err := rs.Seek(llm.padding(size, int64(llm.alignment)), io.SeekCurrent); err != nil {
			return err
		}
	}

	return nil
}

func (llm *gguf) readValue(r io.Reader, t uint32) (any, error) {
	switch t {
	case ggufTypeUint8:
		return readGGUF[uint8](llm, r)
	case ggufTypeInt8:
		return readGGUF[int8](llm, r)
	case ggufTypeUint16:
		return readGGUF[uint16](llm, r)
	case ggufTypeInt16:
		return readGGUF[int16](llm, r)
	case ggufTypeUint32:
		return readGGUF[uint32](llm, r)
	case ggufTypeInt32:
		return readGGUF[int32](llm, r)
	case ggufTypeUint64:
		return readGGUF[uint64](llm, r)
	case ggufTypeInt64:
		return readGGUF[int64](llm, r)
	case ggufTypeFloat32:
		return readGGUF[float32](llm, r)
	case ggufTypeFloat64:
		return readGGUF[float64](llm, r)
	case ggufTypeBool:
		return readGGUF[bool](llm, r)
	case ggufTypeString:
		return readGGUFString(llm, r)
	case ggufTypeArray:
		return llm.readArray(r)
	default:
		return nil, fmt.Errorf("invalid type: %d", t)
	}
}

func (llm *gguf) readArray(r io.Reader) (any, error) {
	t, err := readGGUF[uint32](llm, r)
	if err != nil {
		return nil, err
	}

	n, err := readGGUF[uint64](llm, r)
	if err != nil {
		return nil, err
	}

	switch t {
	case ggufTypeString:
		values := make([]string, n)
		for i := range values {
			values[i], err = readGGUFString(llm, r)
			if err != nil {
				return nil, err
			}
		}
		return &array[string]{size: int(n), values: values}, nil
	case ggufTypeUint32:
		values := make([]uint32, n)
		for i := range values {
			values[i], err = readGGUF[uint32](llm, r)
			if err != nil {
				return nil, err
			}
		}
		return &array[uint32]{size: int(n), values: values}, nil
	case ggufTypeInt32:
		values := make([]int32, n)
		for i := range values {
			values[i], err = readGGUF[int32](llm, r)
			if err != nil {
				return nil, err
			}
		}
		return &array[int32]{size: int(n), values: values}, nil
	case ggufTypeFloat32:
		values := make([]float32, n)
		for i := range values {
			values[i], err = readGGUF[float32](llm, r)
			if err != nil {
				return nil, err
			}
		}
		return &array[float32]{size: int(n), values: values}, nil
	default:
		// Skip array elements of types this loader has no typed
		// representation for (bool/int8/int16 arrays etc never appear
		// among Phi-2's required keys).
		for i := uint64(0); i < n; i++ {
			if _, err := llm.readValue(r, t); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
}

func readGGUF[T any](llm *gguf, r io.Reader) (T, error) {
	var t T
	err := binary.Read(r, llm.ByteOrder, &t)
	return t, err
}

func readGGUFString(llm *gguf, r io.Reader) (string, error) {
	if llm.Version == 1 {
		var length uint32
		if err := binary.Read(r, llm.ByteOrder, &length); err != nil {
			return "", err
		}
		var b bytes.Buffer
		if _, err := io.CopyN(&b, r, int64(length)); err != nil {
			return "", err
		}
		return b.String(), nil
	}

	var length uint64
	if err := binary.Read(r, llm.ByteOrder, &length); err != nil {
		return "", err
	}

	var b bytes.Buffer
	if _, err := io.CopyN(&b, r, int64(length)); err != nil {
		return "", err
	}

	return b.String(), nil
}

func writeGGUFString(llm *gguf, w io.Writer, s string) error {
	if err := binary.Write(w, llm.ByteOrder, uint64(len(s))); err != nil {
		return err
	}

	_, err := io.Copy(w, strings.NewReader(s))
	return err
}

func (llm *gguf) padding(offset, align int64) int64 {
	return (align - offset%align) % align
}

// Encode re-emits the decoded metadata header and tensor descriptor table
// in the same key order it was decoded with. It writes no tensor data;
// callers that need a full round trip append raw tensor bytes themselves
// at the aligned offsets this produces.
func (llm *gguf) Encode(w io.Writer) error {
	if _, err := w.Write([]byte("GGUF")); err != nil {
		return err
	}

	if err := binary.Write(w, llm.ByteOrder, llm.Version); err != nil {
		return err
	}

	if err := binary.Write(w, llm.ByteOrder, llm.numTensor()); err != nil {
		return err
	}

	if err := binary.Write(w, llm.ByteOrder, llm.numKV()); err != nil {
		return err
	}

	// Only the numKV() keys the header declares are written. A key Decode
	// derives after the header (general.parameter_count, when the file
	// did not carry it) sits after them in the map and is left out, so
	// the count written above matches the entries that follow it.
	var written uint64
	for k, v := range llm.kv.m.All() {
		if written == llm.numKV() {
			break
		}
		written++

		if err := writeGGUFString(llm, w, k); err != nil {
			return err
		}

		if err := llm.writeValue(w, v); err != nil {
			return fmt.Errorf("writing kv %q: %w", k, err)
		}
	}

	for _, t := range llm.tensors {
		if err := writeGGUFString(llm, w, t.Name); err != nil {
			return err
		}

		if err := binary.Write(w, llm.ByteOrder, uint32(len(t.Shape))); err != nil {
			return err
		}

		for _, d := range t.Shape {
			if err := binary.Write(w, llm.ByteOrder, d); err != nil {
				return err
			}
		}

		if err := binary.Write(w, llm.ByteOrder, t.Kind); err != nil {
			return err
		}

		if err := binary.Write(w, llm.ByteOrder, t.Offset); err != nil {
			return err
		}
	}

	return nil
}

func (llm *gguf) writeValue(w io.Writer, v any) error {
	switch v := v.(type) {
	case uint8:
		return writeTyped(llm, w, ggufTypeUint8, v)
	case int8:
		return writeTyped(llm, w, ggufTypeInt8, v)
	case uint16:
		return writeTyped(llm, w, ggufTypeUint16, v)
	case int16:
		return writeTyped(llm, w, ggufTypeInt16, v)
	case uint32:
		return writeTyped(llm, w, ggufTypeUint32, v)
	case int32:
		return writeTyped(llm, w, ggufTypeInt32, v)
	case uint64:
		return writeTyped(llm, w, ggufTypeUint64, v)
	case int64:
		return writeTyped(llm, w, ggufTypeInt64, v)
	case float32:
		return writeTyped(llm, w, ggufTypeFloat32, v)
	case float64:
		return writeTyped(llm, w, ggufTypeFloat64, v)
	case bool:
		return writeTyped(llm, w, ggufTypeBool, v)
	case string:
		if err := binary.Write(w, llm.ByteOrder, ggufTypeString); err != nil {
			return err
		}
		return writeGGUFString(llm, w, v)
	case *array[string]:
		if err := binary.Write(w, llm.ByteOrder, ggufTypeArray); err != nil {
			return err
		}
		if err := binary.Write(w, llm.ByteOrder, ggufTypeString); err != nil {
			return err
		}
		if err := binary.Write(w, llm.ByteOrder, uint64(len(v.values))); err != nil {
			return err
		}
		for _, s := range v.values {
			if err := writeGGUFString(llm, w, s); err != nil {
				return err
			}
		}
		return nil
	case *array[uint32]:
		return writeTypedArray(llm, w, ggufTypeUint32, v.values)
	case *array[int32]:
		return writeTypedArray(llm, w, ggufTypeInt32, v.values)
	case *array[float32]:
		return writeTypedArray(llm, w, ggufTypeFloat32, v.values)
	default:
		return fmt.Errorf("no writer for value of type %T", v)
	}
}

func writeTyped[V any](llm *gguf, w io.Writer, t uint32, v V) error {
	if err := binary.Write(w, llm.ByteOrder, t); err != nil {
		return err
	}
	return binary.Write(w, llm.ByteOrder, v)
}

func writeTypedArray[S ~[]E, E any](llm *gguf, w io.Writer, t uint32, s S) error {
	if err := binary.Write(w, llm.ByteOrder, ggufTypeArray); err != nil {
		return err
	}
	if err := binary.Write(w, llm.ByteOrder, t); err != nil {
		return err
	}
	if err := binary.Write(w, llm.ByteOrder, uint64(len(s))); err != nil {
		return err
	}
	for _, e := range s {
		if err := binary.Write(w, llm.ByteOrder, e); err != nil {
			return err
		}
	}
	return nil
}

// DecodeElements converts a tensor's raw on-disk bytes into float32
// values. Only the element types Phi-2 weight files and KV caches
// actually use are supported: F32, F16, and BF16.
func DecodeElements(kind TensorType, raw []byte) ([]float32, error) {
	switch kind {
	case TensorTypeF32:
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("f32 buffer length %d not a multiple of 4", len(raw))
		}
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case TensorTypeF16:
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("f16 buffer length %d not a multiple of 2", len(raw))
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			bits := binary.LittleEndian.Uint16(raw[i*2:])
			out[i] = float16.Frombits(bits).Float32()
		}
		return out, nil
	case TensorTypeBF16:
		return bfloat16.DecodeFloat32(raw), nil
	default:
		return nil, fmt.Errorf("unsupported element type for decode: %s", kind)
	}
}
