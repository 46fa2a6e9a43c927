// Package tensor holds the row-major buffers passed between graph ops and
// the KV cache.
package tensor

import (
	"fmt"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-glm/internal/errs"
)

type DType int

const (
	Float32 DType = iota
	Float16
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int32:
		return "int32"
	}
	return fmt.Sprintf("DType(%d)", int(d))
}

// Size is the element size in bytes.
func (d DType) Size() int {
	if d == Float16 {
		return 2
	}
	return 4
}

// Buffer is an N-dimensional row-major tensor. A Buffer is owned by whoever
// holds the pointer; ops return new buffers rather than mutating inputs.
type Buffer struct {
	shape []int
	dtype DType
	f32   []float32
	f16   []float16.Float16
	i32   []int32
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func checkShape(op string, shape []int) error {
	for i, d := range shape {
		if d < 0 {
			return errs.Shapef(op, "negative dim %d at axis %d", d, i)
		}
	}
	return nil
}

// New allocates a zeroed buffer.
func New(dtype DType, shape ...int) *Buffer {
	b := &Buffer{shape: append([]int(nil), shape...), dtype: dtype}
	n := numElements(shape)
	switch dtype {
	case Float16:
		b.f16 = make([]float16.Float16, n)
	case Int32:
		b.i32 = make([]int32, n)
	default:
		b.f32 = make([]float32, n)
	}
	return b
}

// Zeros allocates a float32 buffer.
func Zeros(shape ...int) *Buffer {
	return New(Float32, shape...)
}

// FromFloat32 wraps data without copying.
func FromFloat32(data []float32, shape ...int) (*Buffer, error) {
	if err := checkShape("tensor.FromFloat32", shape); err != nil {
		return nil, err
	}
	if n := numElements(shape); n != len(data) {
		return nil, errs.Shapef("tensor.FromFloat32", "shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Buffer{shape: append([]int(nil), shape...), dtype: Float32, f32: data}, nil
}

// FromInt32 wraps data without copying.
func FromInt32(data []int32, shape ...int) (*Buffer, error) {
	if err := checkShape("tensor.FromInt32", shape); err != nil {
		return nil, err
	}
	if n := numElements(shape); n != len(data) {
		return nil, errs.Shapef("tensor.FromInt32", "shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Buffer{shape: append([]int(nil), shape...), dtype: Int32, i32: data}, nil
}

func (b *Buffer) DType() DType { return b.dtype }

// Shape returns a copy of the dimensions.
func (b *Buffer) Shape() []int { return append([]int(nil), b.shape...) }

func (b *Buffer) Rank() int { return len(b.shape) }

// Dim returns the size of axis i; negative i counts from the end.
func (b *Buffer) Dim(i int) int {
	if i < 0 {
		i += len(b.shape)
	}
	if i < 0 || i >= len(b.shape) {
		return 0
	}
	return b.shape[i]
}

func (b *Buffer) NumElements() int { return numElements(b.shape) }

// Bytes is the storage footprint of the buffer.
func (b *Buffer) Bytes() int64 { return int64(b.NumElements() * b.dtype.Size()) }

// Float32 returns the elements as float32. For Float32 buffers this is the
// backing slice; Float16 and Int32 buffers are converted into a new slice.
func (b *Buffer) Float32() []float32 {
	switch b.dtype {
	case Float16:
		out := make([]float32, len(b.f16))
		for i, h := range b.f16 {
			out[i] = h.Float32()
		}
		return out
	case Int32:
		out := make([]float32, len(b.i32))
		for i, v := range b.i32 {
			out[i] = float32(v)
		}
		return out
	}
	return b.f32
}

// Int32 returns the backing slice of an Int32 buffer, or nil.
func (b *Buffer) Int32() []int32 {
	if b.dtype != Int32 {
		return nil
	}
	return b.i32
}

// Float16 returns the backing slice of a Float16 buffer, or nil.
func (b *Buffer) Float16() []float16.Float16 {
	if b.dtype != Float16 {
		return nil
	}
	return b.f16
}

// RowLen is the number of elements per index of axis 0.
func (b *Buffer) RowLen() int {
	if len(b.shape) == 0 {
		return 1
	}
	return numElements(b.shape[1:])
}

// Row returns the flattened float32 elements at index i of axis 0.
// For Float32 buffers the result aliases the buffer.
func (b *Buffer) Row(i int) []float32 {
	n := b.RowLen()
	if b.dtype == Float32 {
		return b.f32[i*n : (i+1)*n]
	}
	return b.Float32()[i*n : (i+1)*n]
}

// Reshape returns a view over the same storage with a new shape.
func (b *Buffer) Reshape(shape ...int) (*Buffer, error) {
	if err := checkShape("tensor.Reshape", shape); err != nil {
		return nil, err
	}
	if numElements(shape) != b.NumElements() {
		return nil, errs.Shapef("tensor.Reshape", "cannot reshape %v to %v", b.shape, shape)
	}
	out := *b
	out.shape = append([]int(nil), shape...)
	return &out, nil
}

// Clone deep-copies the buffer.
func (b *Buffer) Clone() *Buffer {
	out := &Buffer{shape: append([]int(nil), b.shape...), dtype: b.dtype}
	switch b.dtype {
	case Float16:
		out.f16 = append([]float16.Float16(nil), b.f16...)
	case Int32:
		out.i32 = append([]int32(nil), b.i32...)
	default:
		out.f32 = append([]float32(nil), b.f32...)
	}
	return out
}

// Convert returns a copy of the buffer stored as dtype. Int32 targets round
// toward zero.
func (b *Buffer) Convert(dtype DType) *Buffer {
	if dtype == b.dtype {
		return b.Clone()
	}
	src := b.Float32()
	out := New(dtype, b.shape...)
	switch dtype {
	case Float16:
		for i, v := range src {
			out.f16[i] = float16.Fromfloat32(v)
		}
	case Int32:
		for i, v := range src {
			out.i32[i] = int32(v)
		}
	default:
		copy(out.f32, src)
	}
	return out
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(%s%v)", b.dtype, b.shape)
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b *Buffer) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}
