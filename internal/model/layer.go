package model

import (
	"context"
	"fmt"
	"math"

	"github.com/23skdu/longbow-glm/internal/config"
	"github.com/23skdu/longbow-glm/internal/errs"
	"github.com/23skdu/longbow-glm/internal/graph"
	"github.com/23skdu/longbow-glm/internal/kvcache"
	"github.com/23skdu/longbow-glm/internal/tensor"
)

// Span is the contiguous block of rows one request occupies in a packed
// batch.
type Span struct {
	CacheID string
	Start   int
	Len     int
	// ContextLen is the prompt length used by the GLM mask.
	ContextLen int
}

// Batch describes the packed rows flowing through the layers.
type Batch struct {
	Spans []Span
	Rows  int
	// Positions holds one id per row; BlockPositions is set only for
	// families with two position columns.
	Positions      []int32
	BlockPositions []int32
}

func (b *Batch) rows(s Span) []int {
	out := make([]int, s.Len)
	for i := range out {
		out[i] = s.Start + i
	}
	return out
}

type DecoderLayer struct {
	b      *graph.Builder
	spec   *config.ModelSpec
	index  int
	w      *LayerWeights
	ranks  []rankLayer
	group  *ShardGroup
	prefix string
}

func NewDecoderLayer(b *graph.Builder, spec *config.ModelSpec, index int, w *LayerWeights, group *ShardGroup) (*DecoderLayer, error) {
	v := spec.Variant
	if v.AlphaResidual == (v.ResidualSource != config.ResidualUnset) {
		return nil, errs.Configf("model.NewDecoderLayer", "layer %d: exactly one residual policy required (alpha=%v, source=%s)",
			index, v.AlphaResidual, v.ResidualSource)
	}
	if group.Size() != spec.TensorParallel {
		return nil, errs.Configf("model.NewDecoderLayer", "shard group of %d for tensor_parallel %d", group.Size(), spec.TensorParallel)
	}
	return &DecoderLayer{
		b:      b,
		spec:   spec,
		index:  index,
		w:      w,
		ranks:  shardLayer(spec, w),
		group:  group,
		prefix: fmt.Sprintf("layers.%d.", index),
	}, nil
}

func (l *DecoderLayer) name(parts ...any) string {
	s := l.prefix
	for i, p := range parts {
		if i > 0 {
			s += "."
		}
		s += fmt.Sprint(p)
	}
	return s
}

func (l *DecoderLayer) norm(name string, x *tensor.Buffer, n Norm) (*tensor.Buffer, error) {
	if l.spec.Variant.Norm == config.RMSNorm {
		return l.b.RMSNorm(name, x, n.Weight, l.spec.NormEpsilon)
	}
	return l.b.LayerNorm(name, x, n.Weight, n.Bias, l.spec.NormEpsilon)
}

// residual combines the sublayer output with the input selected by the
// variant's residual policy.
func (l *DecoderLayer) residual(name string, input, normed, out *tensor.Buffer) (*tensor.Buffer, error) {
	v := l.spec.Variant
	if v.AlphaResidual {
		scaled, err := l.b.Scale(name+".alpha", normed, l.spec.Alpha())
		if err != nil {
			return nil, err
		}
		return l.b.Add(name, scaled, out)
	}
	if v.ResidualSource == config.PostLayernormOutput {
		return l.b.Add(name, normed, out)
	}
	return l.b.Add(name, input, out)
}

// Forward runs one decoder layer over the packed rows of batch. The keys and
// values projected for this step are staged in txn.
func (l *DecoderLayer) Forward(ctx context.Context, hidden *tensor.Buffer, batch *Batch, txn *kvcache.Txn) (*tensor.Buffer, error) {
	norm1, err := l.norm(l.name("input_layernorm"), hidden, l.w.PreNorm)
	if err != nil {
		return nil, err
	}
	attn, err := l.attention(ctx, norm1, batch, txn)
	if err != nil {
		return nil, err
	}
	resA, err := l.residual(l.name("attention", "residual"), hidden, norm1, attn)
	if err != nil {
		return nil, err
	}
	norm2, err := l.norm(l.name("post_layernorm"), resA, l.w.PostNorm)
	if err != nil {
		return nil, err
	}
	mlp, err := l.mlp(ctx, norm2)
	if err != nil {
		return nil, err
	}
	return l.residual(l.name("mlp", "residual"), resA, norm2, mlp)
}

type rankQKV struct {
	q, k, v *tensor.Buffer
}

func (l *DecoderLayer) attention(ctx context.Context, x *tensor.Buffer, batch *Batch, txn *kvcache.Txn) (*tensor.Buffer, error) {
	d := l.spec.HeadDim()
	n := x.Dim(0)
	tp := l.group.Size()
	proj := make([]rankQKV, tp)

	err := l.group.Run(ctx, func(ctx context.Context, r int) error {
		rl := &l.ranks[r]
		qkv, err := l.b.Linear(l.name("attention", fmt.Sprintf("rank%d", r), "qkv"), x, rl.qkv.Weight, rl.qkv.Bias)
		if err != nil {
			return err
		}
		qw, kw := rl.heads.q()*d, rl.heads.kv()*d
		q, err := l.b.SliceColumns(l.name("attention", fmt.Sprintf("rank%d", r), "split_q"), qkv, 0, qw)
		if err != nil {
			return err
		}
		k, err := l.b.SliceColumns(l.name("attention", fmt.Sprintf("rank%d", r), "split_k"), qkv, qw, qw+kw)
		if err != nil {
			return err
		}
		v, err := l.b.SliceColumns(l.name("attention", fmt.Sprintf("rank%d", r), "split_v"), qkv, qw+kw, qw+2*kw)
		if err != nil {
			return err
		}
		if q, err = l.position(r, "q", q, rl.heads.q(), batch); err != nil {
			return err
		}
		if k, err = l.position(r, "k", k, rl.heads.kv(), batch); err != nil {
			return err
		}
		proj[r] = rankQKV{q: q, k: k, v: v}
		return nil
	})
	if err != nil {
		return nil, err
	}

	keys, values, err := l.gatherKV(proj)
	if err != nil {
		return nil, err
	}
	views := make([]kvcache.CacheView, len(batch.Spans))
	for i, s := range batch.Spans {
		rows := batch.rows(s)
		k, err := l.b.GatherRows(l.name("attention", "stage_k"), keys, rows)
		if err != nil {
			return nil, err
		}
		v, err := l.b.GatherRows(l.name("attention", "stage_v"), values, rows)
		if err != nil {
			return nil, err
		}
		if err := txn.Stage(s.CacheID, l.index, k, v); err != nil {
			return nil, err
		}
		if views[i], err = txn.View(s.CacheID, l.index); err != nil {
			return nil, err
		}
	}

	masks := make([]*graph.Mask, len(batch.Spans))
	for i, s := range batch.Spans {
		masks[i] = buildMask(l.spec.Variant.Mask, views[i], s.Len, s.ContextLen)
	}
	scale := float32(1 / math.Sqrt(float64(d)))
	mask := l.spec.Variant.Mask.String()

	parts := make([]*tensor.Buffer, tp)
	err = l.group.Run(ctx, func(ctx context.Context, r int) error {
		rl := &l.ranks[r]
		rank := fmt.Sprintf("rank%d", r)
		outs := make([]*tensor.Buffer, len(batch.Spans))
		for i, s := range batch.Spans {
			q, err := l.b.GatherRows(l.name("attention", rank, "gather_q"), proj[r].q, batch.rows(s))
			if err != nil {
				return err
			}
			if q, err = q.Reshape(s.Len, rl.heads.q(), d); err != nil {
				return err
			}
			k, v, err := l.rankKV(rank, views[i], rl.heads)
			if err != nil {
				return err
			}
			o, err := l.b.Attention(l.name("attention", rank, "attn"), q, k, v, graph.AttentionParams{Scale: scale, Mask: masks[i]}, mask)
			if err != nil {
				return err
			}
			if outs[i], err = o.Reshape(s.Len, rl.heads.q()*d); err != nil {
				return err
			}
		}
		ctxOut, err := l.b.ConcatRows(l.name("attention", rank, "context"), outs)
		if err != nil {
			return err
		}
		parts[r], err = l.b.Linear(l.name("attention", rank, "dense"), ctxOut, rl.dense.Weight, rl.dense.Bias)
		return err
	})
	if err != nil {
		return nil, err
	}
	if ctxRows := parts[0].Dim(0); ctxRows != n {
		return nil, errs.Shapef("model.DecoderLayer.attention", "batch spans cover %d of %d rows", ctxRows, n)
	}
	return l.b.AllReduceSum(l.name("attention", "all_reduce"), parts)
}

// rankKV slices the kv heads a rank owns out of a full cache view.
func (l *DecoderLayer) rankKV(rank string, view kvcache.CacheView, h headRange) (*tensor.Buffer, *tensor.Buffer, error) {
	d := l.spec.HeadDim()
	m := view.Keys.Dim(0)
	k, v := view.Keys, view.Values
	if h.kv() != l.spec.NumKVHeads {
		var err error
		if k, err = l.b.SliceColumns(l.name("attention", rank, "kv_heads_k"), k, h.kvStart*d, h.kvEnd*d); err != nil {
			return nil, nil, err
		}
		if v, err = l.b.SliceColumns(l.name("attention", rank, "kv_heads_v"), v, h.kvStart*d, h.kvEnd*d); err != nil {
			return nil, nil, err
		}
	}
	k, err := k.Reshape(m, h.kv(), d)
	if err != nil {
		return nil, nil, err
	}
	v, err = v.Reshape(m, h.kv(), d)
	if err != nil {
		return nil, nil, err
	}
	return k, v, nil
}

// gatherKV rebuilds the full key and value rows of this step from the rank
// projections, taking every kv head from the first rank that owns it.
func (l *DecoderLayer) gatherKV(proj []rankQKV) (*tensor.Buffer, *tensor.Buffer, error) {
	if len(proj) == 1 {
		return proj[0].k, proj[0].v, nil
	}
	d := l.spec.HeadDim()
	var ks, vs []*tensor.Buffer
	covered := 0
	for r, p := range proj {
		h := l.ranks[r].heads
		if h.kvEnd <= covered {
			continue
		}
		k, v := p.k, p.v
		if from := covered - h.kvStart; from > 0 {
			var err error
			if k, err = l.b.SliceColumns(l.name("attention", fmt.Sprintf("rank%d", r), "shared_k"), k, from*d, h.kv()*d); err != nil {
				return nil, nil, err
			}
			if v, err = l.b.SliceColumns(l.name("attention", fmt.Sprintf("rank%d", r), "shared_v"), v, from*d, h.kv()*d); err != nil {
				return nil, nil, err
			}
		}
		ks = append(ks, k)
		vs = append(vs, v)
		covered = h.kvEnd
	}
	keys, err := l.b.ConcatColumns(l.name("attention", "gather_k"), ks)
	if err != nil {
		return nil, nil, err
	}
	values, err := l.b.ConcatColumns(l.name("attention", "gather_v"), vs)
	if err != nil {
		return nil, nil, err
	}
	return keys, values, nil
}

// position applies the variant's positional encoding to x[n, heads*d].
func (l *DecoderLayer) position(rank int, which string, x *tensor.Buffer, heads int, batch *Batch) (*tensor.Buffer, error) {
	v := l.spec.Variant
	if v.Position != config.RotaryHalf && v.Position != config.ChatGLM2D {
		return x, nil
	}
	d := l.spec.HeadDim()
	n := x.Dim(0)
	x, err := x.Reshape(n, heads, d)
	if err != nil {
		return nil, err
	}
	name := l.name("attention", fmt.Sprintf("rank%d", rank), "rotary_"+which)
	switch v.Position {
	case config.RotaryHalf:
		p := graph.RotaryParams{Dim: l.spec.RotaryDim(), Base: v.RotaryBase, Scale: 1, Interleaved: true}
		if v.RotaryScaling.Enabled() {
			p.Scale = 1 / v.RotaryScaling.Factor
		}
		x, err = l.b.Rotary(name, x, batch.Positions, p)
	case config.ChatGLM2D:
		half := d / 2
		x, err = l.b.Rotary(name+"_position", x, batch.Positions, graph.RotaryParams{Dim: half, Base: v.RotaryBase, Scale: 1})
		if err == nil {
			x, err = l.b.Rotary(name+"_block", x, batch.BlockPositions, graph.RotaryParams{Offset: half, Dim: half, Base: v.RotaryBase, Scale: 1})
		}
	}
	if err != nil {
		return nil, err
	}
	return x.Reshape(n, heads*d)
}

func (l *DecoderLayer) mlp(ctx context.Context, x *tensor.Buffer) (*tensor.Buffer, error) {
	parts := make([]*tensor.Buffer, l.group.Size())
	err := l.group.Run(ctx, func(ctx context.Context, r int) error {
		rl := &l.ranks[r]
		rank := fmt.Sprintf("rank%d", r)
		up, err := l.b.Linear(l.name("mlp", rank, "fc"), x, rl.up.Weight, rl.up.Bias)
		if err != nil {
			return err
		}
		if l.spec.Variant.Activation == config.SwiGLU {
			up, err = l.b.SwiGLU(l.name("mlp", rank, "swiglu"), up)
		} else {
			up, err = l.b.GELU(l.name("mlp", rank, "gelu"), up)
		}
		if err != nil {
			return err
		}
		parts[r], err = l.b.Linear(l.name("mlp", rank, "proj"), up, rl.down.Weight, rl.down.Bias)
		return err
	})
	if err != nil {
		return nil, err
	}
	return l.b.AllReduceSum(l.name("mlp", "all_reduce"), parts)
}
