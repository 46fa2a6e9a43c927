package model

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-glm/internal/config"
	"github.com/23skdu/longbow-glm/internal/tensor"
)

// ShardGroup runs one function per tensor-parallel rank. Any rank failure
// cancels the others and fails the whole step.
type ShardGroup struct {
	size int
}

func NewShardGroup(size int) *ShardGroup {
	if size < 1 {
		size = 1
	}
	return &ShardGroup{size: size}
}

func (g *ShardGroup) Size() int { return g.size }

// Run calls fn for every rank concurrently and waits for all of them.
func (g *ShardGroup) Run(ctx context.Context, fn func(ctx context.Context, rank int) error) error {
	if g.size == 1 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(ctx, 0)
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.size)
	for r := 0; r < g.size; r++ {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, r)
		})
	}
	return eg.Wait()
}

// headRange is the block of attention heads owned by one rank.
type headRange struct {
	qStart, qEnd   int
	kvStart, kvEnd int
}

func (h headRange) q() int  { return h.qEnd - h.qStart }
func (h headRange) kv() int { return h.kvEnd - h.kvStart }

func rankHeads(spec *config.ModelSpec, rank int) headRange {
	per := spec.NumAttentionHeads / spec.TensorParallel
	group := spec.NumAttentionHeads / spec.NumKVHeads
	qs, qe := rank*per, (rank+1)*per
	return headRange{qStart: qs, qEnd: qe, kvStart: qs / group, kvEnd: (qe-1)/group + 1}
}

// rankLayer is the slice of one layer's weights held by a rank.
type rankLayer struct {
	heads headRange
	qkv   Linear
	// dense and down are row slices; bias is applied once, on rank 0.
	dense Linear
	up    Linear
	down  Linear
}

func sliceCols(t *tensor.Buffer, ranges ...[2]int) *tensor.Buffer {
	if t == nil {
		return nil
	}
	rows, cols := 1, t.Dim(-1)
	if t.Rank() == 2 {
		rows = t.Dim(0)
	}
	width := 0
	for _, r := range ranges {
		width += r[1] - r[0]
	}
	src := t.Float32()
	out := make([]float32, 0, rows*width)
	for i := 0; i < rows; i++ {
		for _, r := range ranges {
			out = append(out, src[i*cols+r[0]:i*cols+r[1]]...)
		}
	}
	var b *tensor.Buffer
	if t.Rank() == 2 {
		b, _ = tensor.FromFloat32(out, rows, width)
	} else {
		b, _ = tensor.FromFloat32(out, width)
	}
	return b
}

func sliceRows(t *tensor.Buffer, start, end int) *tensor.Buffer {
	cols := t.Dim(1)
	b, _ := tensor.FromFloat32(append([]float32(nil), t.Float32()[start*cols:end*cols]...), end-start, cols)
	return b
}

func shardLayer(spec *config.ModelSpec, w *LayerWeights) []rankLayer {
	if spec.TensorParallel == 1 {
		return []rankLayer{{heads: rankHeads(spec, 0), qkv: w.QKV, dense: w.Dense, up: w.Up, down: w.Down}}
	}
	d := spec.HeadDim()
	h := spec.NumAttentionHeads * d
	kvd := spec.KVDim()
	ffn := spec.FFNHiddenSize / spec.TensorParallel
	out := make([]rankLayer, spec.TensorParallel)
	for r := range out {
		hr := rankHeads(spec, r)
		qkvCols := [][2]int{
			{hr.qStart * d, hr.qEnd * d},
			{h + hr.kvStart*d, h + hr.kvEnd*d},
			{h + kvd + hr.kvStart*d, h + kvd + hr.kvEnd*d},
		}
		upCols := [][2]int{{r * ffn, (r + 1) * ffn}}
		if spec.Variant.Activation == config.SwiGLU {
			f := spec.FFNHiddenSize
			upCols = append(upCols, [2]int{f + r*ffn, f + (r+1)*ffn})
		}
		rl := rankLayer{
			heads: hr,
			qkv:   Linear{Weight: sliceCols(w.QKV.Weight, qkvCols...), Bias: sliceCols(w.QKV.Bias, qkvCols...)},
			dense: Linear{Weight: sliceRows(w.Dense.Weight, hr.qStart*d, hr.qEnd*d)},
			up:    Linear{Weight: sliceCols(w.Up.Weight, upCols...), Bias: sliceCols(w.Up.Bias, upCols...)},
			down:  Linear{Weight: sliceRows(w.Down.Weight, r*ffn, (r+1)*ffn)},
		}
		if r == 0 {
			rl.dense.Bias = w.Dense.Bias
			rl.down.Bias = w.Down.Bias
		}
		out[r] = rl
	}
	return out
}

// shardVocab splits the LM head into column blocks of the padded vocab.
func shardVocab(spec *config.ModelSpec, lmHead *tensor.Buffer) []*tensor.Buffer {
	h := spec.HiddenSize
	padded := spec.PaddedVocab()
	per := padded / spec.TensorParallel
	if spec.TensorParallel == 1 && padded == spec.VocabSize {
		return []*tensor.Buffer{lmHead}
	}
	full := lmHead
	if padded != spec.VocabSize {
		data := make([]float32, h*padded)
		src := lmHead.Float32()
		for i := 0; i < h; i++ {
			copy(data[i*padded:i*padded+spec.VocabSize], src[i*spec.VocabSize:(i+1)*spec.VocabSize])
		}
		full, _ = tensor.FromFloat32(data, h, padded)
	}
	out := make([]*tensor.Buffer, spec.TensorParallel)
	for r := range out {
		out[r] = sliceCols(full, [2]int{r * per, (r + 1) * per})
	}
	return out
}
