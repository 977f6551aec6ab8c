package trace

import (
	"fmt"

	"honnef.co/go/opprof/container"
	"honnef.co/go/opprof/mem"
)

// Tag describes one entry of the encoded input stream.
type Tag uint8

const (
	TagTensor Tag = iota
	TagScalar
	TagTensorListBegin
	TagOther
	TagUndefinedTensor
	// TagTerminator ends the inputs of one operation, and the (empty) contents of a tensor list.
	TagTerminator
)

type Layout uint8

const (
	LayoutStrided Layout = iota
	LayoutSparse
	LayoutMkldnn
)

// Tensor is an operator input that refers to a tensor. The zero value is an undefined tensor.
type Tensor struct {
	Defined bool
	Nested  bool
	// Impl is the address of the tensor handle, Data the address of the underlying storage. Either may be zero.
	Impl        uint64
	Data        uint64
	Device      DeviceType
	DeviceIndex int8
	Dtype       string
	Layout      Layout
	Sizes       []int64
	Strides     []int64
}

type ScalarKind uint8

const (
	ScalarInt ScalarKind = iota
	ScalarFloat
	ScalarBool
	ScalarComplex
)

// Scalar is a small value stored inline in the input stream.
type Scalar struct {
	Kind ScalarKind
	Int  int64
	F    float64
	C    complex128
}

func (s Scalar) String() string {
	switch s.Kind {
	case ScalarInt:
		return fmt.Sprint(s.Int)
	case ScalarFloat:
		return fmt.Sprint(s.F)
	case ScalarBool:
		return fmt.Sprint(s.Int != 0)
	case ScalarComplex:
		return fmt.Sprint(s.C)
	default:
		return fmt.Sprintf("Scalar(kind=%d)", s.Kind)
	}
}

// RawTensorMetadata is the part of a tensor that is recorded on the hot path.
type RawTensorMetadata struct {
	Impl        uint64
	Data        uint64
	Device      DeviceType
	DeviceIndex int8
	Dtype       string
	Layout      Layout
	Dim         uint32
}

type TensorMetadata struct {
	RawTensorMetadata
	// ID is the buffer identity, assigned after collection if both input shapes and memory were profiled.
	ID container.Option[TensorID]
}

// Inputs are the decoded inputs of one operation. All slices have one entry per input; entries that don't apply to
// an input's type are empty, zero or nil.
type Inputs struct {
	Shapes  [][]int64
	Strides [][]int64
	Dtypes  []string
	Scalars []container.Option[Scalar]
	Tensors []*TensorMetadata
}

func (in Inputs) Len() int { return len(in.Dtypes) }

// Encoder records operator inputs as flat streams of tags, tensor metadata, sizes and strides, and scalars, so that
// recording an operation doesn't allocate per argument.
type Encoder struct {
	tags         mem.BucketSlice[Tag]
	metadata     mem.BucketSlice[RawTensorMetadata]
	sizesStrides mem.BucketSlice[int64]
	scalars      mem.BucketSlice[Scalar]
}

// Push encodes the inputs of one operation. Values of type Tensor, *Tensor, Scalar, int, int64, float64, bool and
// complex128, as well as slices of tensors, are recorded; everything else is recorded as an opaque value.
func (e *Encoder) Push(values []any) {
	for _, v := range values {
		switch v := v.(type) {
		case Tensor:
			e.pushTensor(&v)
		case *Tensor:
			e.pushTensor(v)
		case Scalar:
			e.pushScalar(v)
		case int:
			e.pushScalar(Scalar{Kind: ScalarInt, Int: int64(v)})
		case int64:
			e.pushScalar(Scalar{Kind: ScalarInt, Int: v})
		case float64:
			e.pushScalar(Scalar{Kind: ScalarFloat, F: v})
		case bool:
			var i int64
			if v {
				i = 1
			}
			e.pushScalar(Scalar{Kind: ScalarBool, Int: i})
		case complex128:
			e.pushScalar(Scalar{Kind: ScalarComplex, C: v})
		case []Tensor, []*Tensor:
			// The contents of tensor lists aren't recorded yet, only where the list begins and ends.
			e.tags.Append(TagTensorListBegin)
			e.tags.Append(TagTerminator)
		default:
			e.tags.Append(TagOther)
		}
	}
	e.tags.Append(TagTerminator)
}

func (e *Encoder) pushScalar(s Scalar) {
	e.tags.Append(TagScalar)
	e.scalars.Append(s)
}

func (e *Encoder) pushTensor(t *Tensor) {
	// TODO(dh): record nested tensors once their sizes can be described by a single shape.
	if t == nil || !t.Defined || t.Nested {
		e.tags.Append(TagUndefinedTensor)
		return
	}
	e.tags.Append(TagTensor)
	e.metadata.Append(RawTensorMetadata{
		Impl:        t.Impl,
		Data:        t.Data,
		Device:      t.Device,
		DeviceIndex: t.DeviceIndex,
		Dtype:       t.Dtype,
		Layout:      t.Layout,
		Dim:         uint32(len(t.Sizes)),
	})
	for _, s := range t.Sizes {
		e.sizesStrides.Append(s)
	}
	if t.Layout == LayoutStrided {
		// Only strided tensors have strides.
		for i := range t.Sizes {
			var s int64
			if i < len(t.Strides) {
				s = t.Strides[i]
			}
			e.sizesStrides.Append(s)
		}
	}
}

// Reset discards all encoded inputs.
func (e *Encoder) Reset() {
	e.tags.Reset()
	e.metadata.Reset()
	e.sizesStrides.Reset()
	e.scalars.Reset()
}

// Cursor returns a cursor positioned at the first encoded operation.
func (e *Encoder) Cursor() *Cursor {
	return &Cursor{e: e}
}

// Cursor decodes the inputs of one operation at a time. The encoder must not be modified while a cursor is in use.
type Cursor struct {
	e       *Encoder
	tag     int
	meta    int
	sizes   int
	scalars int
}

// Done reports whether all operations have been decoded.
func (c *Cursor) Done() bool {
	return c.tag >= c.e.tags.Len()
}

// Next decodes the inputs of the next operation. Once the cursor is exhausted, it returns empty inputs.
func (c *Cursor) Next() Inputs {
	var out Inputs
	e := c.e
	for c.tag < e.tags.Len() {
		tag := e.tags.Get(c.tag)
		c.tag++
		if tag == TagTerminator {
			break
		}

		var shape, strides []int64
		switch tag {
		case TagTensor:
			md := e.metadata.Get(c.meta)
			c.meta++
			shape = make([]int64, md.Dim)
			for i := range shape {
				shape[i] = e.sizesStrides.Get(c.sizes)
				c.sizes++
			}
			if md.Layout == LayoutStrided {
				strides = make([]int64, md.Dim)
				for i := range strides {
					strides[i] = e.sizesStrides.Get(c.sizes)
					c.sizes++
				}
			}
			out.Tensors = append(out.Tensors, &TensorMetadata{RawTensorMetadata: md})
			out.Scalars = append(out.Scalars, container.None[Scalar]())
			out.Dtypes = append(out.Dtypes, md.Dtype)

		case TagTensorListBegin:
			for c.tag < e.tags.Len() {
				t := e.tags.Get(c.tag)
				c.tag++
				if t == TagTerminator {
					break
				}
			}
			out.Tensors = append(out.Tensors, nil)
			out.Scalars = append(out.Scalars, container.None[Scalar]())
			out.Dtypes = append(out.Dtypes, "TensorList")

		case TagScalar:
			s := e.scalars.Get(c.scalars)
			c.scalars++
			out.Tensors = append(out.Tensors, nil)
			out.Scalars = append(out.Scalars, container.Some(s))
			out.Dtypes = append(out.Dtypes, "Scalar")

		case TagUndefinedTensor, TagOther:
			out.Tensors = append(out.Tensors, nil)
			out.Scalars = append(out.Scalars, container.None[Scalar]())
			out.Dtypes = append(out.Dtypes, "")

		default:
			panic(fmt.Sprintf("unexpected input tag %d", tag))
		}
		out.Shapes = append(out.Shapes, shape)
		out.Strides = append(out.Strides, strides)
	}
	return out
}
