package cpu

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-glm/internal/errs"
	"github.com/23skdu/longbow-glm/internal/graph"
	"github.com/23skdu/longbow-glm/internal/tensor"
)

func buf(t *testing.T, data []float32, shape ...int) *tensor.Buffer {
	t.Helper()
	b, err := tensor.FromFloat32(data, shape...)
	require.NoError(t, err)
	return b
}

func TestLinearMatchesNaive(t *testing.T) {
	c := New()
	x := buf(t, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	w := buf(t, []float32{1, 0, 0, 1, 1, 1}, 3, 2)
	bias := buf(t, []float32{0.5, -0.5}, 2)

	out, err := c.Linear(x, w, bias)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, out.Shape())
	assert.Equal(t, []float32{4.5, 4.5, 10.5, 10.5}, out.Float32())

	out, err = c.Linear(x, w, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5, 10, 11}, out.Float32())

	_, err = c.Linear(x, buf(t, make([]float32, 4), 2, 2), nil)
	assert.True(t, errors.Is(err, errs.ErrShape))
}

func TestNorms(t *testing.T) {
	c := New()
	x := buf(t, []float32{1, 2, 3, 4, 2, 2, 2, 2}, 2, 4)

	ln, err := c.LayerNorm(x, nil, nil, 1e-5)
	require.NoError(t, err)
	row := ln.Row(0)
	var mean float32
	for _, v := range row {
		mean += v
	}
	assert.InDelta(t, 0, mean, 1e-5)
	for _, v := range ln.Row(1) {
		assert.InDelta(t, 0, v, 1e-3)
	}

	w := buf(t, []float32{2, 2, 2, 2}, 4)
	rms, err := c.RMSNorm(x, w, 1e-6)
	require.NoError(t, err)
	for _, v := range rms.Row(1) {
		assert.InDelta(t, 2, v, 1e-4)
	}

	_, err = c.RMSNorm(x, buf(t, []float32{1}, 1), 1e-6)
	assert.True(t, errors.Is(err, errs.ErrShape))
}

func TestEmbeddingOutOfRange(t *testing.T) {
	c := New()
	table := buf(t, []float32{0, 0, 1, 1, 2, 2}, 3, 2)
	out, err := c.Embedding(table, []int32{2, 0})
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2, 0, 0}, out.Float32())

	_, err = c.Embedding(table, []int32{3})
	assert.True(t, errors.Is(err, errs.ErrShape))
}

func TestSwiGLUGateFirst(t *testing.T) {
	c := New()
	x := buf(t, []float32{0, 100, 3, 2}, 1, 4)
	out, err := c.SwiGLU(x)
	require.NoError(t, err)
	// gate=[0,100], up=[3,2]
	assert.InDelta(t, 0, out.Float32()[0], 1e-6)
	assert.InDelta(t, 200, out.Float32()[1], 1e-3)
}

func TestRotaryPreservesNormAndIdentityAtZero(t *testing.T) {
	c := New()
	data := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	x := buf(t, append([]float32(nil), data...), 2, 1, 4)

	for _, interleaved := range []bool{true, false} {
		out, err := c.Rotary(x, []int32{0, 5}, graph.RotaryParams{Dim: 4, Base: 10000, Scale: 1, Interleaved: interleaved})
		require.NoError(t, err)
		assert.Equal(t, data[:4], out.Row(0), "position 0 is the identity")
		var before, after float64
		for i, v := range out.Row(1) {
			after += float64(v * v)
			before += float64(data[4+i] * data[4+i])
		}
		assert.InDelta(t, before, after, 1e-3)
	}

	// only the selected slice rotates
	out, err := c.Rotary(x, []int32{3, 3}, graph.RotaryParams{Offset: 2, Dim: 2, Base: 10000, Scale: 1})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, out.Row(0)[:2])

	_, err = c.Rotary(x, []int32{0}, graph.RotaryParams{Dim: 4, Base: 10000})
	assert.True(t, errors.Is(err, errs.ErrShape))
}

func TestAttentionMaskAndGQA(t *testing.T) {
	c := New()
	// two query heads share one kv head
	q := buf(t, []float32{1, 0, 0, 1, 1, 0, 0, 1}, 2, 2, 2)
	k := buf(t, []float32{1, 0, 0, 1}, 2, 1, 2)
	v := buf(t, []float32{10, 10, 20, 20}, 2, 1, 2)

	mask := graph.NewMask(2, 2)
	mask.Set(0, 0, true)
	mask.Set(1, 0, true)
	mask.Set(1, 1, true)

	out, err := c.Attention(q, k, v, graph.AttentionParams{Scale: 1, Mask: mask})
	require.NoError(t, err)
	o := out.Float32()
	// query 0 only sees key 0
	assert.Equal(t, []float32{10, 10, 10, 10}, o[:4])
	for _, val := range o[4:] {
		assert.True(t, val > 10 && val < 20)
	}

	_, err = c.Attention(q, k, v, graph.AttentionParams{Scale: 1, Mask: graph.NewMask(1, 2)})
	assert.True(t, errors.Is(err, errs.ErrShape))
}

func TestColumnOps(t *testing.T) {
	c := New()
	a := buf(t, []float32{1, 2, 3, 4}, 2, 2)
	b := buf(t, []float32{5, 6}, 2, 1)

	cat, err := c.ConcatColumns([]*tensor.Buffer{a, b})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 5, 3, 4, 6}, cat.Float32())

	sl, err := c.SliceColumns(cat, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 5, 4, 6}, sl.Float32())

	filled, err := c.FillColumns(cat, 2, float32(math.Inf(-1)))
	require.NoError(t, err)
	assert.True(t, math.IsInf(float64(filled.Float32()[5]), -1))
	assert.Equal(t, float32(6), cat.Float32()[5], "input untouched")

	g, err := c.GatherRows(cat, []int{1})
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4, 6}, g.Float32())

	rowsCat, err := c.ConcatRows([]*tensor.Buffer{a, buf(t, []float32{7, 8}, 1, 2)})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, rowsCat.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 7, 8}, rowsCat.Float32())
	_, err = c.ConcatRows([]*tensor.Buffer{a, b})
	assert.True(t, errors.Is(err, errs.ErrShape))

	sum, err := c.AllReduceSum([]*tensor.Buffer{a, a, a})
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 6, 9, 12}, sum.Float32())

	_, err = c.AllReduceSum([]*tensor.Buffer{a, b})
	assert.True(t, errors.Is(err, errs.ErrShape))
}

func TestAllocatedBytesGrows(t *testing.T) {
	c := New()
	before := AllocatedBytes()
	_, err := c.Scale(buf(t, make([]float32, 16), 4, 4), 2)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, AllocatedBytes()-before, int64(64))
}

func TestSoftmaxStability(t *testing.T) {
	x := make([]float32, 10)
	for i := range x {
		x[i] = float32(1000 + i)
	}
	Softmax(x)
	var sum float32
	for _, v := range x {
		assert.False(t, math.IsNaN(float64(v)))
		sum += v
	}
	assert.InDelta(t, 1, sum, 1e-5)
}
