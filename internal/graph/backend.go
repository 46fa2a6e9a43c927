// Package graph declares inference ops on an explicit Builder that records
// them into a Plan and dispatches them to a Backend.
package graph

import (
	"github.com/23skdu/longbow-glm/internal/tensor"
)

// RotaryParams selects the slice of each head that is rotated and how.
type RotaryParams struct {
	// Offset and Dim select head dimensions [Offset, Offset+Dim).
	Offset int
	Dim    int
	Base   float64
	// Scale multiplies positions before computing angles (1/factor for
	// linear scaling).
	Scale float64
	// Interleaved rotates adjacent pairs (GPT-J); otherwise the first half
	// of the slice is paired with the second half.
	Interleaved bool
}

// Mask marks which (query, key) pairs may attend. A nil mask allows all.
type Mask struct {
	QueryLen int
	KeyLen   int
	Allowed  []bool
}

func NewMask(queryLen, keyLen int) *Mask {
	return &Mask{QueryLen: queryLen, KeyLen: keyLen, Allowed: make([]bool, queryLen*keyLen)}
}

func (m *Mask) Allows(q, k int) bool {
	if m == nil {
		return true
	}
	return m.Allowed[q*m.KeyLen+k]
}

func (m *Mask) Set(q, k int, allowed bool) {
	m.Allowed[q*m.KeyLen+k] = allowed
}

type AttentionParams struct {
	Scale float32
	Mask  *Mask
}

// Backend executes individual ops. Implementations must be safe for
// concurrent use by tensor-parallel ranks.
type Backend interface {
	Name() string

	// Embedding gathers rows of table [vocab, dim] for ids.
	Embedding(table *tensor.Buffer, ids []int32) (*tensor.Buffer, error)
	LayerNorm(x, weight, bias *tensor.Buffer, eps float32) (*tensor.Buffer, error)
	RMSNorm(x, weight *tensor.Buffer, eps float32) (*tensor.Buffer, error)
	// Linear computes x[n,in] @ w[in,out] (+ bias[out]).
	Linear(x, w, bias *tensor.Buffer) (*tensor.Buffer, error)
	Add(a, b *tensor.Buffer) (*tensor.Buffer, error)
	Scale(x *tensor.Buffer, s float32) (*tensor.Buffer, error)
	GELU(x *tensor.Buffer) (*tensor.Buffer, error)
	// SwiGLU maps x[n,2f] laid out gate|up to silu(gate)*up [n,f].
	SwiGLU(x *tensor.Buffer) (*tensor.Buffer, error)
	// Rotary rotates x[n,heads,d] using one position per row.
	Rotary(x *tensor.Buffer, positions []int32, p RotaryParams) (*tensor.Buffer, error)
	// Attention computes softmax(q k^T * scale) v for q[n,qh,d] and
	// k,v[m,kvh,d]; qh must be a multiple of kvh.
	Attention(q, k, v *tensor.Buffer, p AttentionParams) (*tensor.Buffer, error)
	AllReduceSum(parts []*tensor.Buffer) (*tensor.Buffer, error)
	GatherRows(x *tensor.Buffer, rows []int) (*tensor.Buffer, error)
	ConcatRows(parts []*tensor.Buffer) (*tensor.Buffer, error)
	ConcatColumns(parts []*tensor.Buffer) (*tensor.Buffer, error)
	SliceColumns(x *tensor.Buffer, start, end int) (*tensor.Buffer, error)
	// FillColumns returns a copy of x[n,c] with columns [start,c) set to value.
	FillColumns(x *tensor.Buffer, start int, value float32) (*tensor.Buffer, error)
}
