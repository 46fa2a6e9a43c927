package config

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-glm/internal/errs"
)

type Precision string

const (
	Float32 Precision = "float32"
	Float16 Precision = "float16"
)

// ModelSpec is the static description of one decoder model. It is treated as
// immutable once Validate has succeeded.
type ModelSpec struct {
	ModelID               ModelID
	HiddenSize            int
	NumLayers             int
	NumAttentionHeads     int
	NumKVHeads            int
	FFNHiddenSize         int
	VocabSize             int
	MaxPositionEmbeddings int
	MaxSequenceLength     int
	NormEpsilon           float32
	TokensPerBlock        int
	TensorParallel        int
	Precision             Precision

	Variant Variant
}

func (s *ModelSpec) Validate() error {
	const op = "config.ModelSpec.Validate"
	if s.ModelID < 0 || s.ModelID >= numModelIDs {
		return errs.Configf(op, "unknown model id %d", int(s.ModelID))
	}
	checks := []struct {
		name string
		val  int
	}{
		{"hidden_size", s.HiddenSize},
		{"num_layers", s.NumLayers},
		{"num_heads", s.NumAttentionHeads},
		{"num_kv_heads", s.NumKVHeads},
		{"ffn_hidden_size", s.FFNHiddenSize},
		{"vocab_size", s.VocabSize},
		{"max_sequence_length", s.MaxSequenceLength},
		{"tokens_per_block", s.TokensPerBlock},
		{"tensor_parallel", s.TensorParallel},
	}
	for _, c := range checks {
		if c.val <= 0 {
			return errs.Configf(op, "invalid %s: %d (must be positive)", c.name, c.val)
		}
	}
	if s.NormEpsilon <= 0 {
		return errs.Configf(op, "invalid norm_epsilon: %v (must be positive)", s.NormEpsilon)
	}
	if s.NumKVHeads > s.NumAttentionHeads {
		return errs.Configf(op, "invalid num_kv_heads: %d (must be <= heads: %d)", s.NumKVHeads, s.NumAttentionHeads)
	}
	if s.NumAttentionHeads%s.NumKVHeads != 0 {
		return errs.Configf(op, "heads (%d) not divisible by kv_heads (%d)", s.NumAttentionHeads, s.NumKVHeads)
	}
	if s.HiddenSize%s.NumAttentionHeads != 0 {
		return errs.Configf(op, "hidden_size (%d) not divisible by heads (%d)", s.HiddenSize, s.NumAttentionHeads)
	}
	if s.NumAttentionHeads%s.TensorParallel != 0 {
		return errs.Configf(op, "heads (%d) not divisible by tensor_parallel (%d)", s.NumAttentionHeads, s.TensorParallel)
	}
	if s.NumKVHeads%s.TensorParallel != 0 && s.TensorParallel%s.NumKVHeads != 0 {
		return errs.Configf(op, "kv_heads (%d) and tensor_parallel (%d) must divide one another", s.NumKVHeads, s.TensorParallel)
	}
	if s.FFNHiddenSize%s.TensorParallel != 0 {
		return errs.Configf(op, "ffn_hidden_size (%d) not divisible by tensor_parallel (%d)", s.FFNHiddenSize, s.TensorParallel)
	}
	if s.MaxPositionEmbeddings > 0 && s.MaxSequenceLength > s.MaxPositionEmbeddings && !s.Variant.RotaryScaling.Enabled() && s.Variant.Position == LearnedAbsolute {
		return errs.Configf(op, "max_sequence_length %d exceeds learned position table %d", s.MaxSequenceLength, s.MaxPositionEmbeddings)
	}
	switch s.Precision {
	case Float32, Float16:
	default:
		return errs.Configf(op, "unsupported precision %q", s.Precision)
	}
	want, err := SelectVariant(s.ModelID)
	if err != nil {
		return err
	}
	if err := s.Variant.Validate(); err != nil {
		return err
	}
	if s.Variant.Norm != want.Norm || s.Variant.Mask != want.Mask || s.Variant.Position != want.Position ||
		s.Variant.AlphaResidual != want.AlphaResidual || s.Variant.ResidualSource != want.ResidualSource ||
		s.Variant.Activation != want.Activation || s.Variant.Position2D != want.Position2D ||
		s.Variant.PositionEmbeddingTable != want.PositionEmbeddingTable {
		return errs.Configf(op, "variant row does not match %s", s.ModelID)
	}
	if s.Variant.Position == RotaryHalf {
		if rd := s.RotaryDim(); rd <= 0 || rd%2 != 0 {
			return errs.Configf(op, "rotary dim %d must be positive and even", rd)
		}
	}
	if s.Variant.Position == ChatGLM2D && s.HeadDim()%4 != 0 {
		return errs.Configf(op, "head_dim %d must be divisible by 4 for 2-d rotary", s.HeadDim())
	}
	return nil
}

func (s *ModelSpec) HeadDim() int {
	return s.HiddenSize / s.NumAttentionHeads
}

func (s *ModelSpec) KVDim() int {
	return s.NumKVHeads * s.HeadDim()
}

// QKVDim is the width of the fused query/key/value projection.
func (s *ModelSpec) QKVDim() int {
	return s.HiddenSize + 2*s.KVDim()
}

// PaddedVocab rounds the vocabulary up to a multiple of the tensor-parallel degree.
func (s *ModelSpec) PaddedVocab() int {
	tp := s.TensorParallel
	if tp <= 0 {
		tp = 1
	}
	return (s.VocabSize + tp - 1) / tp * tp
}

// RotaryDim is the number of head dimensions rotated by RotaryHalf.
func (s *ModelSpec) RotaryDim() int {
	return int(float64(s.HeadDim()) * s.Variant.RotaryPercentage)
}

// Alpha is the residual scale used by the alpha policy.
func (s *ModelSpec) Alpha() float32 {
	return float32(math.Sqrt(2 * float64(s.NumLayers)))
}

// PositionColumns is 2 for families whose position ids carry a block column.
func (s *ModelSpec) PositionColumns() int {
	if s.Variant.Position2D {
		return 2
	}
	return 1
}

// UpDim is the width of the first MLP projection (gate|up for SwiGLU).
func (s *ModelSpec) UpDim() int {
	if s.Variant.Activation == SwiGLU {
		return 2 * s.FFNHiddenSize
	}
	return s.FFNHiddenSize
}

func (s ModelSpec) String() string {
	return fmt.Sprintf("%s(hidden=%d layers=%d heads=%d kv=%d ffn=%d vocab=%d tp=%d %s)",
		s.ModelID, s.HiddenSize, s.NumLayers, s.NumAttentionHeads, s.NumKVHeads,
		s.FFNHiddenSize, s.VocabSize, s.TensorParallel, s.Precision)
}

// DefaultSpec returns the published dimensions of a model family.
func DefaultSpec(id ModelID) (ModelSpec, error) {
	v, err := SelectVariant(id)
	if err != nil {
		return ModelSpec{}, err
	}
	s := ModelSpec{
		ModelID:        id,
		NormEpsilon:    1e-5,
		TokensPerBlock: 64,
		TensorParallel: 1,
		Precision:      Float16,
		Variant:        v,
	}
	switch id {
	case ChatGLM6B:
		s.HiddenSize, s.NumLayers, s.NumAttentionHeads, s.NumKVHeads = 4096, 28, 32, 32
		s.FFNHiddenSize, s.VocabSize, s.MaxPositionEmbeddings = 16384, 130528, 2048
		s.MaxSequenceLength = min(2048, s.MaxPositionEmbeddings)
	case GLM10B:
		s.HiddenSize, s.NumLayers, s.NumAttentionHeads, s.NumKVHeads = 4096, 48, 64, 64
		s.FFNHiddenSize, s.VocabSize, s.MaxPositionEmbeddings = 16384, 50304, 1024
		s.MaxSequenceLength = min(1024, s.MaxPositionEmbeddings)
	default:
		s.HiddenSize, s.NumLayers, s.NumAttentionHeads, s.NumKVHeads = 4096, 28, 32, 2
		s.FFNHiddenSize, s.VocabSize = 13696, 65024
		s.MaxPositionEmbeddings, s.MaxSequenceLength = 8192, 8192
		if v.RotaryScaling.Enabled() {
			s.MaxPositionEmbeddings, s.MaxSequenceLength = 32768, 32768
		}
	}
	return s, nil
}

// TinySpec returns a small model of the given family, used for smoke
// engines and unit tests.
func TinySpec(id ModelID) (ModelSpec, error) {
	s, err := DefaultSpec(id)
	if err != nil {
		return ModelSpec{}, err
	}
	s.HiddenSize, s.NumLayers, s.NumAttentionHeads = 32, 2, 4
	s.NumKVHeads = 4
	if s.Variant.Activation == SwiGLU {
		s.NumKVHeads = 2
	}
	s.FFNHiddenSize, s.VocabSize = 64, 50
	s.MaxPositionEmbeddings, s.MaxSequenceLength = 64, 64
	s.TokensPerBlock = 4
	s.Precision = Float32
	return s, nil
}

// BuildLimits are the shape limits an engine is built for.
type BuildLimits struct {
	MaxBatchSize       int
	MaxBeamWidth       int
	MaxInputLen        int
	MaxNewTokens       int
	RemoveInputPadding bool
	PagedKVCache       bool
}

func DefaultBuildLimits() BuildLimits {
	return BuildLimits{
		MaxBatchSize: 8,
		MaxBeamWidth: 1,
		MaxInputLen:  1024,
		MaxNewTokens: 1024,
	}
}

func (l *BuildLimits) Validate() error {
	const op = "config.BuildLimits.Validate"
	if l.MaxBatchSize <= 0 {
		return errs.Configf(op, "invalid max_batch_size: %d (must be positive)", l.MaxBatchSize)
	}
	if l.MaxBeamWidth <= 0 {
		return errs.Configf(op, "invalid max_beam_width: %d (must be positive)", l.MaxBeamWidth)
	}
	if l.MaxInputLen <= 0 {
		return errs.Configf(op, "invalid max_input_len: %d (must be positive)", l.MaxInputLen)
	}
	if l.MaxNewTokens <= 0 {
		return errs.Configf(op, "invalid max_new_tokens: %d (must be positive)", l.MaxNewTokens)
	}
	return nil
}
