package kvcache

import (
	"github.com/x448/float16"

	"github.com/23skdu/longbow-glm/internal/tensor"
)

// rows is a fixed-size [n, width] row store in float32 or float16.
type rows struct {
	dtype tensor.DType
	width int
	f32   []float32
	f16   []float16.Float16
}

func newRows(dtype tensor.DType, n, width int) rows {
	r := rows{dtype: dtype, width: width}
	if dtype == tensor.Float16 {
		r.f16 = make([]float16.Float16, n*width)
	} else {
		r.f32 = make([]float32, n*width)
	}
	return r
}

func (r *rows) set(i int, src []float32) {
	off := i * r.width
	if r.dtype == tensor.Float16 {
		for j, v := range src {
			r.f16[off+j] = float16.Fromfloat32(v)
		}
		return
	}
	copy(r.f32[off:off+r.width], src)
}

func (r *rows) get(i int, dst []float32) {
	off := i * r.width
	if r.dtype == tensor.Float16 {
		for j := range dst {
			dst[j] = r.f16[off+j].Float32()
		}
		return
	}
	copy(dst, r.f32[off:off+r.width])
}

// copyFrom copies n rows starting at src in other to dst in r.
func (r *rows) copyFrom(other *rows, dst, src, n int) {
	w := r.width
	if r.dtype == tensor.Float16 {
		copy(r.f16[dst*w:(dst+n)*w], other.f16[src*w:(src+n)*w])
		return
	}
	copy(r.f32[dst*w:(dst+n)*w], other.f32[src*w:(src+n)*w])
}

func (r rows) clone() rows {
	out := rows{dtype: r.dtype, width: r.width}
	if r.f16 != nil {
		out.f16 = append([]float16.Float16(nil), r.f16...)
	}
	if r.f32 != nil {
		out.f32 = append([]float32(nil), r.f32...)
	}
	return out
}

func (r rows) numRows() int {
	if r.width == 0 {
		return 0
	}
	if r.dtype == tensor.Float16 {
		return len(r.f16) / r.width
	}
	return len(r.f32) / r.width
}

func (r rows) bytes() int64 {
	return int64(r.numRows() * r.width * r.dtype.Size())
}
