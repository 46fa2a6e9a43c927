package model

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/23skdu/longbow-glm/internal/config"
	"github.com/23skdu/longbow-glm/internal/errs"
	"github.com/23skdu/longbow-glm/internal/tensor"
)

// Linear holds a projection stored as [in, out] plus an optional bias.
type Linear struct {
	Weight *tensor.Buffer
	Bias   *tensor.Buffer
}

type Norm struct {
	Weight *tensor.Buffer
	Bias   *tensor.Buffer
}

// LayerWeights are the read-only parameters of one decoder layer. QKV
// columns are laid out q|k|v; for SwiGLU the Up columns are gate|up.
type LayerWeights struct {
	PreNorm  Norm
	QKV      Linear
	Dense    Linear
	PostNorm Norm
	Up       Linear
	Down     Linear
}

type Weights struct {
	Embedding         *tensor.Buffer
	PositionEmbedding *tensor.Buffer
	BlockEmbedding    *tensor.Buffer
	Layers            []LayerWeights
	FinalNorm         Norm
	// LMHead is [hidden, vocab].
	LMHead *tensor.Buffer
}

type shapeRule struct {
	name     string
	t        *tensor.Buffer
	shape    []int
	optional bool
}

func (w *Weights) rules(spec *config.ModelSpec) []shapeRule {
	h := spec.HiddenSize
	v := spec.Variant
	out := []shapeRule{
		{name: "embedding.weight", t: w.Embedding, shape: []int{spec.VocabSize, h}},
		{name: "ln_f.weight", t: w.FinalNorm.Weight, shape: []int{h}},
		{name: "ln_f.bias", t: w.FinalNorm.Bias, shape: []int{h}, optional: v.Norm == config.RMSNorm},
		{name: "lm_head.weight", t: w.LMHead, shape: []int{h, spec.VocabSize}},
	}
	if v.PositionEmbeddingTable {
		out = append(out,
			shapeRule{name: "position_embedding.weight", t: w.PositionEmbedding, shape: []int{spec.MaxPositionEmbeddings, h}},
			shapeRule{name: "block_embedding.weight", t: w.BlockEmbedding, shape: []int{spec.MaxPositionEmbeddings, h}},
		)
	}
	for i := range w.Layers {
		l := &w.Layers[i]
		p := fmt.Sprintf("layers.%d.", i)
		out = append(out,
			shapeRule{name: p + "input_layernorm.weight", t: l.PreNorm.Weight, shape: []int{h}},
			shapeRule{name: p + "input_layernorm.bias", t: l.PreNorm.Bias, shape: []int{h}, optional: v.Norm == config.RMSNorm},
			shapeRule{name: p + "attention.qkv.weight", t: l.QKV.Weight, shape: []int{h, spec.QKVDim()}},
			shapeRule{name: p + "attention.qkv.bias", t: l.QKV.Bias, shape: []int{spec.QKVDim()}, optional: !v.QKVBias},
			shapeRule{name: p + "attention.dense.weight", t: l.Dense.Weight, shape: []int{h, h}},
			shapeRule{name: p + "attention.dense.bias", t: l.Dense.Bias, shape: []int{h}, optional: !v.LinearBias},
			shapeRule{name: p + "post_layernorm.weight", t: l.PostNorm.Weight, shape: []int{h}},
			shapeRule{name: p + "post_layernorm.bias", t: l.PostNorm.Bias, shape: []int{h}, optional: v.Norm == config.RMSNorm},
			shapeRule{name: p + "mlp.fc.weight", t: l.Up.Weight, shape: []int{h, spec.UpDim()}},
			shapeRule{name: p + "mlp.fc.bias", t: l.Up.Bias, shape: []int{spec.UpDim()}, optional: !v.LinearBias},
			shapeRule{name: p + "mlp.proj.weight", t: l.Down.Weight, shape: []int{spec.FFNHiddenSize, h}},
			shapeRule{name: p + "mlp.proj.bias", t: l.Down.Bias, shape: []int{h}, optional: !v.LinearBias},
		)
	}
	return out
}

// Validate checks every tensor against the shapes spec implies.
func (w *Weights) Validate(spec *config.ModelSpec) error {
	if len(w.Layers) != spec.NumLayers {
		return errs.Shapef("model.Weights.Validate", "%d layers, spec has %d", len(w.Layers), spec.NumLayers)
	}
	for _, r := range w.rules(spec) {
		if r.t == nil {
			if r.optional {
				continue
			}
			return errs.Shapef("model.Weights.Validate", "missing %s", r.name)
		}
		if fmt.Sprint(r.t.Shape()) != fmt.Sprint(r.shape) {
			return errs.Shapef("model.Weights.Validate", "%s: expected %v, got %v", r.name, r.shape, r.t.Shape())
		}
	}
	return nil
}

// Tensors returns the weights by canonical name.
func (w *Weights) Tensors(spec *config.ModelSpec) map[string]*tensor.Buffer {
	out := make(map[string]*tensor.Buffer)
	for _, r := range w.rules(spec) {
		if r.t != nil {
			out[r.name] = r.t
		}
	}
	return out
}

// TensorNames lists the present tensors in sorted order.
func (w *Weights) TensorNames(spec *config.ModelSpec) []string {
	m := w.Tensors(spec)
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Bytes is the storage footprint of all weights.
func (w *Weights) Bytes(spec *config.ModelSpec) int64 {
	var n int64
	for _, t := range w.Tensors(spec) {
		n += t.Bytes()
	}
	return n
}

// WeightsFromTensors assembles weights from named tensors. Float16 tensors
// are widened to float32.
func WeightsFromTensors(spec *config.ModelSpec, named map[string]*tensor.Buffer) (*Weights, error) {
	w := &Weights{Layers: make([]LayerWeights, spec.NumLayers)}
	get := func(name string) *tensor.Buffer {
		t, ok := named[name]
		if !ok {
			return nil
		}
		if t.DType() != tensor.Float32 {
			return t.Convert(tensor.Float32)
		}
		return t
	}
	w.Embedding = get("embedding.weight")
	w.PositionEmbedding = get("position_embedding.weight")
	w.BlockEmbedding = get("block_embedding.weight")
	w.FinalNorm = Norm{Weight: get("ln_f.weight"), Bias: get("ln_f.bias")}
	w.LMHead = get("lm_head.weight")
	for i := range w.Layers {
		p := fmt.Sprintf("layers.%d.", i)
		w.Layers[i] = LayerWeights{
			PreNorm:  Norm{Weight: get(p + "input_layernorm.weight"), Bias: get(p + "input_layernorm.bias")},
			QKV:      Linear{Weight: get(p + "attention.qkv.weight"), Bias: get(p + "attention.qkv.bias")},
			Dense:    Linear{Weight: get(p + "attention.dense.weight"), Bias: get(p + "attention.dense.bias")},
			PostNorm: Norm{Weight: get(p + "post_layernorm.weight"), Bias: get(p + "post_layernorm.bias")},
			Up:       Linear{Weight: get(p + "mlp.fc.weight"), Bias: get(p + "mlp.fc.bias")},
			Down:     Linear{Weight: get(p + "mlp.proj.weight"), Bias: get(p + "mlp.proj.bias")},
		}
	}
	if err := w.Validate(spec); err != nil {
		return nil, err
	}
	return w, nil
}

// NewRandomWeights builds deterministic weights for spec from seed.
func NewRandomWeights(spec *config.ModelSpec, seed int64) *Weights {
	rng := rand.New(rand.NewSource(seed))
	h := spec.HiddenSize
	normal := func(scale float64, shape ...int) *tensor.Buffer {
		b := tensor.Zeros(shape...)
		d := b.Float32()
		for i := range d {
			d[i] = float32(rng.NormFloat64() * scale)
		}
		return b
	}
	ones := func(n int) *tensor.Buffer {
		b := tensor.Zeros(n)
		for i := range b.Float32() {
			b.Float32()[i] = 1
		}
		return b
	}
	norm := func() Norm {
		n := Norm{Weight: ones(h)}
		if spec.Variant.Norm == config.LayerNorm {
			n.Bias = normal(0.02, h)
		}
		return n
	}
	optBias := func(on bool, n int) *tensor.Buffer {
		if !on {
			return nil
		}
		return normal(0.02, n)
	}
	proj := 1 / float64(h)
	w := &Weights{
		Embedding: normal(1, spec.VocabSize, h),
		FinalNorm: norm(),
		LMHead:    normal(proj*4, h, spec.VocabSize),
		Layers:    make([]LayerWeights, spec.NumLayers),
	}
	if spec.Variant.PositionEmbeddingTable {
		w.PositionEmbedding = normal(0.1, spec.MaxPositionEmbeddings, h)
		w.BlockEmbedding = normal(0.1, spec.MaxPositionEmbeddings, h)
	}
	for i := range w.Layers {
		w.Layers[i] = LayerWeights{
			PreNorm:  norm(),
			QKV:      Linear{Weight: normal(proj*4, h, spec.QKVDim()), Bias: optBias(spec.Variant.QKVBias, spec.QKVDim())},
			Dense:    Linear{Weight: normal(proj, h, h), Bias: optBias(spec.Variant.LinearBias, h)},
			PostNorm: norm(),
			Up:       Linear{Weight: normal(proj*2, h, spec.UpDim()), Bias: optBias(spec.Variant.LinearBias, spec.UpDim())},
			Down:     Linear{Weight: normal(1/float64(spec.FFNHiddenSize), spec.FFNHiddenSize, h), Bias: optBias(spec.Variant.LinearBias, h)},
		}
	}
	return w
}
