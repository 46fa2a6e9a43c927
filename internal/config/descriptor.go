package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-glm/internal/errs"
)

// DescriptorFile is the engine descriptor name inside an artifact directory.
const DescriptorFile = "config.json"

type BuilderConfig struct {
	Name                  string         `json:"name"`
	Precision             string         `json:"precision"`
	TensorParallel        int            `json:"tensor_parallel"`
	NumHeads              int            `json:"num_heads"`
	NumKVHeads            int            `json:"num_kv_heads"`
	HiddenSize            int            `json:"hidden_size"`
	VocabSize             int            `json:"vocab_size"`
	NumLayers             int            `json:"num_layers"`
	FFNHiddenSize         int            `json:"ffn_hidden_size"`
	MaxPositionEmbeddings int            `json:"max_position_embeddings"`
	MaxSequenceLength     int            `json:"max_seq_len"`
	NormEpsilon           float32        `json:"norm_epsilon"`
	MaxBatchSize          int            `json:"max_batch_size"`
	MaxBeamWidth          int            `json:"max_beam_width"`
	MaxInputLen           int            `json:"max_input_len"`
	MaxOutputLen          int            `json:"max_output_len"`
	RotaryScaling         *RotaryScaling `json:"rotary_scaling,omitempty"`
}

type PluginConfig struct {
	GPTAttentionPlugin string `json:"gpt_attention_plugin"`
	PagedKVCache       bool   `json:"paged_kv_cache"`
	RemoveInputPadding bool   `json:"remove_input_padding"`
	TokensPerBlock     int    `json:"tokens_per_block"`
}

// EngineDescriptor is the config.json of a built engine.
type EngineDescriptor struct {
	BuilderConfig BuilderConfig `json:"builder_config"`
	PluginConfig  PluginConfig  `json:"plugin_config"`
}

// NewDescriptor describes spec built with limits.
func NewDescriptor(spec ModelSpec, limits BuildLimits) *EngineDescriptor {
	d := &EngineDescriptor{
		BuilderConfig: BuilderConfig{
			Name:                  spec.ModelID.String(),
			Precision:             string(spec.Precision),
			TensorParallel:        spec.TensorParallel,
			NumHeads:              spec.NumAttentionHeads,
			NumKVHeads:            spec.NumKVHeads,
			HiddenSize:            spec.HiddenSize,
			VocabSize:             spec.VocabSize,
			NumLayers:             spec.NumLayers,
			FFNHiddenSize:         spec.FFNHiddenSize,
			MaxPositionEmbeddings: spec.MaxPositionEmbeddings,
			MaxSequenceLength:     spec.MaxSequenceLength,
			NormEpsilon:           spec.NormEpsilon,
			MaxBatchSize:          limits.MaxBatchSize,
			MaxBeamWidth:          limits.MaxBeamWidth,
			MaxInputLen:           limits.MaxInputLen,
			MaxOutputLen:          limits.MaxNewTokens,
		},
		PluginConfig: PluginConfig{
			GPTAttentionPlugin: string(spec.Precision),
			PagedKVCache:       limits.PagedKVCache,
			RemoveInputPadding: limits.RemoveInputPadding,
			TokensPerBlock:     spec.TokensPerBlock,
		},
	}
	if spec.Variant.RotaryScaling.Enabled() {
		rs := spec.Variant.RotaryScaling
		d.BuilderConfig.RotaryScaling = &rs
	}
	return d
}

// LoadDescriptor reads and validates a descriptor file.
func LoadDescriptor(path string) (*EngineDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	var d EngineDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errs.Configf("config.LoadDescriptor", "malformed %s: %v", path, err)
	}
	if _, err := d.ToSpec(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Save writes the descriptor as indented json.
func (d *EngineDescriptor) Save(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write descriptor: %w", err)
	}
	return nil
}

// ToSpec rebuilds and validates the model spec described by d.
func (d *EngineDescriptor) ToSpec() (ModelSpec, error) {
	b := d.BuilderConfig
	id, v, err := Lookup(b.Name)
	if err != nil {
		return ModelSpec{}, err
	}
	if b.RotaryScaling != nil {
		v.RotaryScaling = *b.RotaryScaling
	}
	eps := b.NormEpsilon
	if eps == 0 {
		eps = 1e-5
	}
	tpb := d.PluginConfig.TokensPerBlock
	if tpb == 0 {
		tpb = 64
	}
	maxSeq := b.MaxSequenceLength
	if maxSeq == 0 {
		maxSeq = b.MaxPositionEmbeddings
	}
	s := ModelSpec{
		ModelID:               id,
		HiddenSize:            b.HiddenSize,
		NumLayers:             b.NumLayers,
		NumAttentionHeads:     b.NumHeads,
		NumKVHeads:            b.NumKVHeads,
		FFNHiddenSize:         b.FFNHiddenSize,
		VocabSize:             b.VocabSize,
		MaxPositionEmbeddings: b.MaxPositionEmbeddings,
		MaxSequenceLength:     maxSeq,
		NormEpsilon:           eps,
		TokensPerBlock:        tpb,
		TensorParallel:        b.TensorParallel,
		Precision:             Precision(b.Precision),
		Variant:               v,
	}
	if err := s.Validate(); err != nil {
		return ModelSpec{}, err
	}
	return s, nil
}

// Limits returns the build limits recorded in d.
func (d *EngineDescriptor) Limits() BuildLimits {
	return BuildLimits{
		MaxBatchSize:       d.BuilderConfig.MaxBatchSize,
		MaxBeamWidth:       d.BuilderConfig.MaxBeamWidth,
		MaxInputLen:        d.BuilderConfig.MaxInputLen,
		MaxNewTokens:       d.BuilderConfig.MaxOutputLen,
		RemoveInputPadding: d.PluginConfig.RemoveInputPadding,
		PagedKVCache:       d.PluginConfig.PagedKVCache,
	}
}

// CheckWorldSize fails when the engine was built for a different number of
// tensor-parallel workers than the runtime provides.
func (d *EngineDescriptor) CheckWorldSize(worldSize int) error {
	if d.BuilderConfig.TensorParallel != worldSize {
		return errs.Configf("config.CheckWorldSize", "engine world size (%d) != runtime world size (%d)",
			d.BuilderConfig.TensorParallel, worldSize)
	}
	return nil
}
