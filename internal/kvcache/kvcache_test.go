package kvcache

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-glm/internal/errs"
	"github.com/23skdu/longbow-glm/internal/tensor"
)

const kvDim = 4

// rowsOf builds [len(vals), kvDim] rows whose every column equals vals[i].
func rowsOf(t *testing.T, vals ...float32) *tensor.Buffer {
	t.Helper()
	data := make([]float32, 0, len(vals)*kvDim)
	for _, v := range vals {
		for j := 0; j < kvDim; j++ {
			data = append(data, v)
		}
	}
	b, err := tensor.FromFloat32(data, len(vals), kvDim)
	require.NoError(t, err)
	return b
}

func firstColumn(b *tensor.Buffer) []float32 {
	out := make([]float32, b.Dim(0))
	for i := range out {
		out[i] = b.Row(i)[0]
	}
	return out
}

func newManager(t *testing.T, poolBlocks int, dtype tensor.DType) *Manager {
	t.Helper()
	m, err := NewManager(Options{Layers: 2, KVDim: kvDim, DType: dtype, BlockSize: 4, PoolBlocks: poolBlocks})
	require.NoError(t, err)
	return m
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"no layers", Options{KVDim: 4}},
		{"no kv dim", Options{Layers: 1}},
		{"int cache", Options{Layers: 1, KVDim: 4, DType: tensor.Int32}},
		{"pool without block size", Options{Layers: 1, KVDim: 4, PoolBlocks: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.opts)
			assert.True(t, errors.Is(err, errs.ErrConfiguration))
		})
	}
}

func TestBoundedCyclicRead(t *testing.T) {
	for _, dtype := range []tensor.DType{tensor.Float32, tensor.Float16} {
		t.Run(dtype.String(), func(t *testing.T) {
			m := newManager(t, 0, dtype)
			require.NoError(t, m.Allocate("r", 3, Bounded))

			for i := 1; i <= 5; i++ {
				n, err := m.Append("r", 0, rowsOf(t, float32(i)), rowsOf(t, float32(-i)))
				require.NoError(t, err)
				assert.Equal(t, min(i, 3), n)
			}
			keys, values, valid, err := m.Read("r", 0)
			require.NoError(t, err)
			assert.Equal(t, 3, valid)
			if diff := cmp.Diff([]float32{3, 4, 5}, firstColumn(keys)); diff != "" {
				t.Errorf("keys (-want +got):\n%s", diff)
			}
			assert.Equal(t, []float32{-3, -4, -5}, firstColumn(values))

			// layer 1 untouched
			_, _, valid, err = m.Read("r", 1)
			require.NoError(t, err)
			assert.Equal(t, 0, valid)
		})
	}
}

func TestBoundedMultiRowAppendWraps(t *testing.T) {
	m := newManager(t, 0, tensor.Float32)
	require.NoError(t, m.Allocate("r", 4, Bounded))
	_, err := m.Append("r", 0, rowsOf(t, 1, 2, 3, 4, 5, 6), rowsOf(t, 1, 2, 3, 4, 5, 6))
	require.NoError(t, err)
	keys, _, _, err := m.Read("r", 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4, 5, 6}, firstColumn(keys))
}

func TestPagedPoolConservation(t *testing.T) {
	m := newManager(t, 6, tensor.Float32)
	require.Equal(t, 6, m.FreeBlocks())

	require.NoError(t, m.Allocate("a", 0, Paged))
	require.NoError(t, m.Allocate("b", 0, Paged))
	for i := 0; i < 9; i++ {
		for layer := 0; layer < 2; layer++ {
			_, err := m.Append("a", layer, rowsOf(t, float32(i)), rowsOf(t, float32(i)))
			require.NoError(t, err)
		}
	}
	// 9 rows in blocks of 4, shared across layers
	assert.Equal(t, 3, m.FreeBlocks())
	_, err := m.Append("b", 0, rowsOf(t, 1, 2, 3, 4, 5), rowsOf(t, 1, 2, 3, 4, 5))
	require.NoError(t, err)
	assert.Equal(t, 1, m.FreeBlocks())

	keys, _, valid, err := m.Read("a", 1)
	require.NoError(t, err)
	assert.Equal(t, 9, valid)
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8}, firstColumn(keys))

	require.NoError(t, m.Release("a"))
	require.NoError(t, m.Release("b"))
	assert.Equal(t, 6, m.FreeBlocks())
	assert.Equal(t, 0, m.Stats().Requests)
}

func TestPagedExhaustion(t *testing.T) {
	m := newManager(t, 2, tensor.Float32)
	require.NoError(t, m.Allocate("a", 0, Paged))
	_, err := m.Append("a", 0, rowsOf(t, 1, 2, 3, 4, 5, 6, 7, 8), rowsOf(t, 1, 2, 3, 4, 5, 6, 7, 8))
	require.NoError(t, err)

	n, err := m.Append("a", 0, rowsOf(t, 9), rowsOf(t, 9))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrResourceExhausted))
	assert.Equal(t, "a", errs.RequestID(err))
	assert.Equal(t, 0, n)
	length, err := m.Length("a")
	require.NoError(t, err)
	assert.Equal(t, 8, length, "failed append leaves the cache unchanged")

	require.NoError(t, m.Allocate("capped", 3, Paged))
	require.NoError(t, m.Release("a"))
	_, err = m.Append("capped", 0, rowsOf(t, 1, 2, 3, 4), rowsOf(t, 1, 2, 3, 4))
	assert.True(t, errors.Is(err, errs.ErrResourceExhausted))
}

func TestStateTransitions(t *testing.T) {
	m := newManager(t, 4, tensor.Float32)
	assert.Equal(t, Unallocated, m.State("x"))

	_, _, _, err := m.Read("x", 0)
	assert.True(t, errors.Is(err, errs.ErrInvalidState))

	require.NoError(t, m.Allocate("x", 2, Bounded))
	assert.Equal(t, Allocated, m.State("x"))
	assert.True(t, errors.Is(m.Allocate("x", 2, Bounded), errs.ErrInvalidState))

	require.NoError(t, m.Release("x"))
	assert.Equal(t, Released, m.State("x"))
	_, err = m.Append("x", 0, rowsOf(t, 1), rowsOf(t, 1))
	assert.True(t, errors.Is(err, errs.ErrInvalidState))
	assert.True(t, errors.Is(m.Release("x"), errs.ErrInvalidState))

	assert.True(t, errors.Is(m.Allocate("y", 0, Bounded), errs.ErrConfiguration))
	noPool := newManager(t, 0, tensor.Float32)
	assert.True(t, errors.Is(noPool.Allocate("z", 0, Paged), errs.ErrConfiguration))
}

func TestForgetReleasedCache(t *testing.T) {
	m := newManager(t, 4, tensor.Float32)
	require.NoError(t, m.Allocate("x", 0, Paged))
	_, err := m.Append("x", 0, rowsOf(t, 1, 2, 3, 4, 5), rowsOf(t, 1, 2, 3, 4, 5))
	require.NoError(t, err)

	assert.True(t, errors.Is(m.Forget("x"), errs.ErrInvalidState))
	require.NoError(t, m.Release("x"))
	require.NoError(t, m.Forget("x"))
	assert.Equal(t, Unallocated, m.State("x"))
	assert.Equal(t, 4, m.FreeBlocks())
	assert.NoError(t, m.Forget("never-allocated"))

	require.NoError(t, m.Allocate("x", 0, Paged))
	n, err := m.Append("x", 1, rowsOf(t, 7), rowsOf(t, 7))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppendShapeErrors(t *testing.T) {
	m := newManager(t, 0, tensor.Float32)
	require.NoError(t, m.Allocate("r", 2, Bounded))
	bad, err := tensor.FromFloat32(make([]float32, 6), 2, 3)
	require.NoError(t, err)
	_, err = m.Append("r", 0, bad, bad)
	assert.True(t, errors.Is(err, errs.ErrShape))
	_, err = m.Append("r", 7, rowsOf(t, 1), rowsOf(t, 1))
	assert.True(t, errors.Is(err, errs.ErrShape))
}

func TestTxnCommitAndDiscard(t *testing.T) {
	m := newManager(t, 0, tensor.Float32)
	require.NoError(t, m.Allocate("r", 8, Bounded))
	_, err := m.Append("r", 0, rowsOf(t, 1), rowsOf(t, 1))
	require.NoError(t, err)

	txn := m.Begin()
	require.NoError(t, txn.Stage("r", 0, rowsOf(t, 2, 3), rowsOf(t, 2, 3)))
	view, err := txn.View("r", 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, firstColumn(view.Keys))
	assert.Equal(t, 0, view.Start)
	assert.Equal(t, 1, view.Past)
	assert.Equal(t, 8, view.Window)

	// staged rows are invisible to Read until commit
	_, _, valid, err := m.Read("r", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, valid)

	txn.Discard()
	_, _, valid, _ = m.Read("r", 0)
	assert.Equal(t, 1, valid)
	assert.True(t, errors.Is(txn.Stage("r", 0, rowsOf(t, 4), rowsOf(t, 4)), errs.ErrInvalidState))

	txn = m.Begin()
	require.NoError(t, txn.Stage("r", 0, rowsOf(t, 2), rowsOf(t, 2)))
	require.NoError(t, txn.Stage("r", 1, rowsOf(t, 2), rowsOf(t, 2)))
	assert.Empty(t, txn.Commit())
	_, _, valid, _ = m.Read("r", 0)
	assert.Equal(t, 2, valid)
	txn.Discard()
	_, _, valid, _ = m.Read("r", 0)
	assert.Equal(t, 2, valid, "discard after commit is a no-op")
	assert.Len(t, txn.Commit(), 1, "second commit reports the request")
}

func TestTxnCommitIsPerRequest(t *testing.T) {
	m := newManager(t, 3, tensor.Float32)
	require.NoError(t, m.Allocate("small", 0, Paged))
	require.NoError(t, m.Allocate("big", 0, Paged))

	txn := m.Begin()
	require.NoError(t, txn.Stage("small", 0, rowsOf(t, 1, 2), rowsOf(t, 1, 2)))
	require.NoError(t, txn.Stage("small", 1, rowsOf(t, 1, 2), rowsOf(t, 1, 2)))
	big := make([]float32, 9)
	require.NoError(t, txn.Stage("big", 0, rowsOf(t, big...), rowsOf(t, big...)))
	require.NoError(t, txn.Stage("big", 1, rowsOf(t, big...), rowsOf(t, big...)))

	failed := txn.Commit()
	require.Len(t, failed, 1)
	assert.True(t, errors.Is(failed["big"], errs.ErrResourceExhausted))

	n, err := m.Length("small")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = m.Length("big")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, m.FreeBlocks())
}

func TestForkCopyOnWrite(t *testing.T) {
	m := newManager(t, 8, tensor.Float32)
	require.NoError(t, m.Allocate("src", 0, Paged))
	for layer := 0; layer < 2; layer++ {
		_, err := m.Append("src", layer, rowsOf(t, 1, 2, 3, 4, 5, 6), rowsOf(t, 1, 2, 3, 4, 5, 6))
		require.NoError(t, err)
	}
	require.Equal(t, 6, m.FreeBlocks())

	require.NoError(t, m.Fork("src", "dst"))
	assert.Equal(t, 6, m.FreeBlocks(), "fork shares blocks")
	assert.True(t, errors.Is(m.Fork("src", "dst"), errs.ErrInvalidState))

	for layer := 0; layer < 2; layer++ {
		_, err := m.Append("dst", layer, rowsOf(t, 70), rowsOf(t, 70))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, m.FreeBlocks(), "partially filled shared block copied once")

	src, _, _, err := m.Read("src", 1)
	require.NoError(t, err)
	dst, _, _, err := m.Read("dst", 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, firstColumn(src))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 70}, firstColumn(dst))

	require.NoError(t, m.Release("src"))
	require.NoError(t, m.Release("dst"))
	assert.Equal(t, 8, m.FreeBlocks())
}

func TestReorderFollowsParents(t *testing.T) {
	for _, layout := range []Layout{Bounded, Paged} {
		t.Run(layout.String(), func(t *testing.T) {
			m := newManager(t, 16, tensor.Float32)
			ids := []string{"b0", "b1", "b2"}
			for i, id := range ids {
				require.NoError(t, m.Allocate(id, 8, layout))
				for layer := 0; layer < 2; layer++ {
					_, err := m.Append(id, layer, rowsOf(t, float32(i*10), float32(i*10+1)), rowsOf(t, 0, 0))
					require.NoError(t, err)
				}
			}
			free := m.FreeBlocks()

			require.NoError(t, m.Reorder(ids, []int{2, 2, 0}))
			for i, want := range [][]float32{{20, 21}, {20, 21}, {0, 1}} {
				keys, _, _, err := m.Read(ids[i], 1)
				require.NoError(t, err)
				assert.Equal(t, want, firstColumn(keys), fmt.Sprintf("beam %d", i))
			}
			if layout == Paged {
				// b1's old block freed, b0's old block now held by b2
				assert.Equal(t, free+1, m.FreeBlocks())
			}

			// writes after a reorder do not leak between beams
			_, err := m.Append("b0", 0, rowsOf(t, 99), rowsOf(t, 99))
			require.NoError(t, err)
			keys, _, _, err := m.Read("b1", 0)
			require.NoError(t, err)
			assert.Equal(t, []float32{20, 21}, firstColumn(keys))

			assert.True(t, errors.Is(m.Reorder(ids, []int{0, 1}), errs.ErrShape))
			assert.True(t, errors.Is(m.Reorder(ids, []int{0, 1, 5}), errs.ErrShape))
		})
	}
}

func TestStats(t *testing.T) {
	m := newManager(t, 0, tensor.Float16)
	require.NoError(t, m.Allocate("r", 4, Bounded))
	_, err := m.Append("r", 0, rowsOf(t, 1, 2), rowsOf(t, 1, 2))
	require.NoError(t, err)
	s := m.Stats()
	// 2 layers * 4 rows * (k+v) * kvDim * 2 bytes
	assert.Equal(t, int64(2*4*2*kvDim*2), s.CapacityBytes)
	assert.Equal(t, int64(2*2*kvDim*2), s.UsedBytes)
	assert.Equal(t, 1, s.Requests)
	assert.Contains(t, s.String(), "requests=1")
}
