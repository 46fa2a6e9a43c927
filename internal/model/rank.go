package model

import (
	"fmt"

	"github.com/23skdu/longbow-glm/internal/config"
	"github.com/23skdu/longbow-glm/internal/errs"
	"github.com/23skdu/longbow-glm/internal/tensor"
)

// RankTensors returns the tensors rank holds at runtime, keyed by the
// canonical weight names. Norms and embeddings are replicated on every rank;
// projections and the LM head are the rank's shard.
func RankTensors(spec *config.ModelSpec, w *Weights, rank int) map[string]*tensor.Buffer {
	out := w.Tensors(spec)
	if spec.TensorParallel == 1 {
		return out
	}
	for i := range w.Layers {
		rl := shardLayer(spec, &w.Layers[i])[rank]
		p := fmt.Sprintf("layers.%d.", i)
		set := func(name string, t *tensor.Buffer) {
			if t == nil {
				delete(out, p+name)
				return
			}
			out[p+name] = t
		}
		set("attention.qkv.weight", rl.qkv.Weight)
		set("attention.qkv.bias", rl.qkv.Bias)
		set("attention.dense.weight", rl.dense.Weight)
		set("attention.dense.bias", rl.dense.Bias)
		set("mlp.fc.weight", rl.up.Weight)
		set("mlp.fc.bias", rl.up.Bias)
		set("mlp.proj.weight", rl.down.Weight)
		set("mlp.proj.bias", rl.down.Bias)
	}
	out["lm_head.weight"] = shardVocab(spec, w.LMHead)[rank]
	return out
}

// MergeRanks reassembles full weights from the per-rank tensors produced by
// RankTensors. ranks must hold exactly spec.TensorParallel entries.
func MergeRanks(spec *config.ModelSpec, ranks []map[string]*tensor.Buffer) (*Weights, error) {
	const op = "model.MergeRanks"
	tp := spec.TensorParallel
	if len(ranks) != tp {
		return nil, errs.Configf(op, "%d rank shards for tensor parallel %d", len(ranks), tp)
	}
	if tp == 1 {
		return WeightsFromTensors(spec, ranks[0])
	}

	parts := func(name string) ([]*tensor.Buffer, error) {
		out := make([]*tensor.Buffer, tp)
		present := 0
		for r := range ranks {
			if t, ok := ranks[r][name]; ok {
				out[r] = toFloat32(t)
				present++
			}
		}
		switch present {
		case 0:
			return nil, nil
		case tp:
			return out, nil
		}
		return nil, errs.Shapef(op, "%s present on %d of %d ranks", name, present, tp)
	}

	merged := make(map[string]*tensor.Buffer, len(ranks[0]))
	for name, t := range ranks[0] {
		merged[name] = t
	}
	for i := 0; i < spec.NumLayers; i++ {
		p := fmt.Sprintf("layers.%d.", i)
		for _, name := range []string{"attention.qkv.weight", "attention.qkv.bias"} {
			ps, err := parts(p + name)
			if err != nil {
				return nil, err
			}
			if ps != nil {
				merged[p+name] = mergeQKV(spec, ps)
			}
		}
		for _, name := range []string{"attention.dense.weight", "mlp.proj.weight"} {
			ps, err := parts(p + name)
			if err != nil {
				return nil, err
			}
			if ps == nil {
				return nil, errs.Shapef(op, "missing %s%s", p, name)
			}
			if merged[p+name], err = catRows(ps); err != nil {
				return nil, err
			}
		}
		for _, name := range []string{"mlp.fc.weight", "mlp.fc.bias"} {
			ps, err := parts(p + name)
			if err != nil {
				return nil, err
			}
			if ps != nil {
				merged[p+name] = mergeUp(spec, ps)
			}
		}
	}
	heads, err := parts("lm_head.weight")
	if err != nil {
		return nil, err
	}
	if heads == nil {
		return nil, errs.Shapef(op, "missing lm_head.weight")
	}
	merged["lm_head.weight"] = sliceCols(catCols(heads...), [2]int{0, spec.VocabSize})
	return WeightsFromTensors(spec, merged)
}

// mergeQKV undoes the q|k|v column split. Shared kv heads are taken from
// the first rank that owns them.
func mergeQKV(spec *config.ModelSpec, parts []*tensor.Buffer) *tensor.Buffer {
	d := spec.HeadDim()
	var qs, ks, vs []*tensor.Buffer
	covered := 0
	for r, part := range parts {
		hr := rankHeads(spec, r)
		qw, kw := hr.q()*d, hr.kv()*d
		qs = append(qs, sliceCols(part, [2]int{0, qw}))
		if hr.kvEnd > covered {
			from := (covered - hr.kvStart) * d
			if from < 0 {
				from = 0
			}
			ks = append(ks, sliceCols(part, [2]int{qw + from, qw + kw}))
			vs = append(vs, sliceCols(part, [2]int{qw + kw + from, qw + 2*kw}))
			covered = hr.kvEnd
		}
	}
	return catCols(catCols(qs...), catCols(ks...), catCols(vs...))
}

func mergeUp(spec *config.ModelSpec, parts []*tensor.Buffer) *tensor.Buffer {
	if spec.Variant.Activation != config.SwiGLU {
		return catCols(parts...)
	}
	ffn := spec.FFNHiddenSize / spec.TensorParallel
	var gates, ups []*tensor.Buffer
	for _, part := range parts {
		gates = append(gates, sliceCols(part, [2]int{0, ffn}))
		ups = append(ups, sliceCols(part, [2]int{ffn, 2 * ffn}))
	}
	return catCols(append(gates, ups...)...)
}

// catCols concatenates rank-1 or rank-2 buffers along their last axis.
func catCols(parts ...*tensor.Buffer) *tensor.Buffer {
	rows := 1
	if parts[0].Rank() == 2 {
		rows = parts[0].Dim(0)
	}
	width := 0
	for _, p := range parts {
		width += p.Dim(-1)
	}
	out := make([]float32, 0, rows*width)
	for i := 0; i < rows; i++ {
		for _, p := range parts {
			c := p.Dim(-1)
			out = append(out, p.Float32()[i*c:(i+1)*c]...)
		}
	}
	var b *tensor.Buffer
	if parts[0].Rank() == 2 {
		b, _ = tensor.FromFloat32(out, rows, width)
	} else {
		b, _ = tensor.FromFloat32(out, width)
	}
	return b
}

func catRows(parts []*tensor.Buffer) (*tensor.Buffer, error) {
	cols := parts[0].Dim(1)
	var out []float32
	rows := 0
	for _, p := range parts {
		if p.Rank() != 2 || p.Dim(1) != cols {
			return nil, errs.Shapef("model.MergeRanks", "row shard %v does not match width %d", p.Shape(), cols)
		}
		out = append(out, p.Float32()...)
		rows += p.Dim(0)
	}
	return tensor.FromFloat32(out, rows, cols)
}

func toFloat32(t *tensor.Buffer) *tensor.Buffer {
	if t.DType() != tensor.Float32 {
		return t.Convert(tensor.Float32)
	}
	return t
}
