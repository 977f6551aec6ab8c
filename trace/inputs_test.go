package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderRoundTrip(t *testing.T) {
	var e Encoder
	x := Tensor{Defined: true, Impl: 0x10, Data: 0x1000, Dtype: "float", Sizes: []int64{2, 3}, Strides: []int64{3, 1}}
	sparse := Tensor{Defined: true, Impl: 0x20, Data: 0x2000, Dtype: "float", Layout: LayoutSparse, Sizes: []int64{4}}

	e.Push([]any{x, 2.5, &sparse, []Tensor{x, x}, Tensor{}, "other", true})
	e.Push(nil)
	e.Push([]any{int64(7)})

	c := e.Cursor()
	in := c.Next()
	require.Equal(t, 7, in.Len())
	assert.Equal(t, []string{"float", "Scalar", "float", "TensorList", "", "", "Scalar"}, in.Dtypes)
	assert.Equal(t, []int64{2, 3}, in.Shapes[0])
	assert.Equal(t, []int64{3, 1}, in.Strides[0])
	assert.Equal(t, []int64{4}, in.Shapes[2])
	assert.Nil(t, in.Strides[2], "sparse tensors have no strides")
	assert.Empty(t, in.Shapes[3])

	require.NotNil(t, in.Tensors[0])
	assert.Equal(t, uint64(0x1000), in.Tensors[0].Data)
	assert.Equal(t, uint32(2), in.Tensors[0].Dim)
	assert.False(t, in.Tensors[0].ID.Set())
	assert.Nil(t, in.Tensors[1])
	assert.Nil(t, in.Tensors[3])

	s, ok := in.Scalars[1].Get()
	require.True(t, ok)
	assert.Equal(t, 2.5, s.F)
	s, ok = in.Scalars[6].Get()
	require.True(t, ok)
	assert.Equal(t, "true", s.String())

	in = c.Next()
	assert.Equal(t, 0, in.Len())

	in = c.Next()
	require.Equal(t, 1, in.Len())
	s, _ = in.Scalars[0].Get()
	assert.Equal(t, int64(7), s.Int)

	assert.True(t, c.Done())
	assert.Equal(t, 0, c.Next().Len())
}

func TestEncoderReset(t *testing.T) {
	var e Encoder
	e.Push([]any{Tensor{Defined: true, Sizes: []int64{1}}})
	e.Reset()
	assert.True(t, e.Cursor().Done())
	e.Push([]any{1})
	in := e.Cursor().Next()
	assert.Equal(t, []string{"Scalar"}, in.Dtypes)
}

func TestNestedTensorIsUndefined(t *testing.T) {
	var e Encoder
	e.Push([]any{Tensor{Defined: true, Nested: true, Sizes: []int64{1}}, (*Tensor)(nil)})
	in := e.Cursor().Next()
	assert.Equal(t, []string{"", ""}, in.Dtypes)
	assert.Nil(t, in.Tensors[0])
}
