package config

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-glm/internal/errs"
)

// ModelID is the closed set of supported model families.
type ModelID int

const (
	ChatGLM6B ModelID = iota
	ChatGLM2_6B
	ChatGLM2_6B_32K
	ChatGLM3_6B
	ChatGLM3_6B_Base
	ChatGLM3_6B_32K
	GLM10B

	numModelIDs
)

var modelNames = [numModelIDs]string{
	ChatGLM6B:        "chatglm_6b",
	ChatGLM2_6B:      "chatglm2_6b",
	ChatGLM2_6B_32K:  "chatglm2_6b_32k",
	ChatGLM3_6B:      "chatglm3_6b",
	ChatGLM3_6B_Base: "chatglm3_6b_base",
	ChatGLM3_6B_32K:  "chatglm3_6b_32k",
	GLM10B:           "glm_10b",
}

func (m ModelID) String() string {
	if m < 0 || m >= numModelIDs {
		return fmt.Sprintf("ModelID(%d)", int(m))
	}
	return modelNames[m]
}

// ModelIDs lists every supported id in declaration order.
func ModelIDs() []ModelID {
	out := make([]ModelID, 0, numModelIDs)
	for m := ModelID(0); m < numModelIDs; m++ {
		out = append(out, m)
	}
	return out
}

// ParseModelID resolves a model name such as "chatglm2_6b".
func ParseModelID(name string) (ModelID, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for m, s := range modelNames {
		if s == n {
			return ModelID(m), nil
		}
	}
	return 0, errs.Configf("config.ParseModelID", "unknown model %q", name)
}

type NormKind int

const (
	NormUnset NormKind = iota
	LayerNorm
	RMSNorm
)

func (n NormKind) String() string {
	switch n {
	case LayerNorm:
		return "layernorm"
	case RMSNorm:
		return "rmsnorm"
	}
	return "unset"
}

type MaskKind int

const (
	MaskUnset MaskKind = iota
	// Causal: query i sees keys at absolute index <= its own.
	Causal
	// Bidirectional: every query sees every key.
	Bidirectional
	// BidirectionalGLM: the context part is bidirectional, the final
	// position and everything generated after it see all keys.
	BidirectionalGLM
)

func (m MaskKind) String() string {
	switch m {
	case Causal:
		return "causal"
	case Bidirectional:
		return "bidirectional"
	case BidirectionalGLM:
		return "bidirectional_glm"
	}
	return "unset"
}

type PositionKind int

const (
	PositionUnset PositionKind = iota
	LearnedAbsolute
	RotaryHalf
	ChatGLM2D
)

func (p PositionKind) String() string {
	switch p {
	case LearnedAbsolute:
		return "learned_absolute"
	case RotaryHalf:
		return "rope_gptj"
	case ChatGLM2D:
		return "chatglm"
	}
	return "unset"
}

type ResidualSource int

const (
	ResidualUnset ResidualSource = iota
	PreLayernormInput
	PostLayernormOutput
)

func (r ResidualSource) String() string {
	switch r {
	case PreLayernormInput:
		return "pre_layernorm_input"
	case PostLayernormOutput:
		return "post_layernorm_output"
	}
	return "unset"
}

type Activation int

const (
	ActivationUnset Activation = iota
	GELU
	SwiGLU
)

func (a Activation) String() string {
	switch a {
	case GELU:
		return "gelu"
	case SwiGLU:
		return "swiglu"
	}
	return "unset"
}

// RotaryScaling describes position interpolation for long-context variants.
type RotaryScaling struct {
	Type   string  `json:"type"`
	Factor float64 `json:"factor"`
}

func (r RotaryScaling) Enabled() bool {
	return r.Type != "" && r.Type != "none"
}

// Variant is the per-model layer configuration row.
type Variant struct {
	Norm     NormKind
	Mask     MaskKind
	Position PositionKind

	// Exactly one of AlphaResidual and ResidualSource is set.
	AlphaResidual  bool
	ResidualSource ResidualSource

	Activation Activation

	PositionEmbeddingTable bool
	Position2D             bool

	RotaryScaling    RotaryScaling
	RotaryBase       float64
	RotaryPercentage float64

	QKVBias    bool
	LinearBias bool
}

// Validate checks the internal consistency of one row.
func (v Variant) Validate() error {
	const op = "config.Variant.Validate"
	if v.Norm == NormUnset {
		return errs.Configf(op, "norm kind not set")
	}
	if v.Mask == MaskUnset {
		return errs.Configf(op, "mask kind not set")
	}
	if v.Position == PositionUnset {
		return errs.Configf(op, "position kind not set")
	}
	if v.Activation == ActivationUnset {
		return errs.Configf(op, "activation not set")
	}
	if v.AlphaResidual == (v.ResidualSource != ResidualUnset) {
		return errs.Configf(op, "exactly one residual policy required (alpha=%v, source=%s)", v.AlphaResidual, v.ResidualSource)
	}
	if v.PositionEmbeddingTable && (v.Position != LearnedAbsolute || !v.Position2D) {
		return errs.Configf(op, "position/block embedding tables need learned absolute positions with two id columns")
	}
	if v.Position == ChatGLM2D && !v.Position2D {
		return errs.Configf(op, "chatglm 2-d rotary needs two position id columns")
	}
	if v.RotaryScaling.Enabled() {
		if v.Position != RotaryHalf {
			return errs.Configf(op, "rotary scaling only applies to rotary positions")
		}
		if v.RotaryScaling.Type != "linear" {
			return errs.Configf(op, "unsupported rotary scaling %q", v.RotaryScaling.Type)
		}
		if v.RotaryScaling.Factor <= 1 {
			return errs.Configf(op, "invalid rotary scaling factor: %v (must be > 1)", v.RotaryScaling.Factor)
		}
	}
	if v.Position == RotaryHalf || v.Position == ChatGLM2D {
		if v.RotaryBase <= 0 {
			return errs.Configf(op, "invalid rotary base: %v", v.RotaryBase)
		}
	}
	if v.Position == RotaryHalf && (v.RotaryPercentage <= 0 || v.RotaryPercentage > 1) {
		return errs.Configf(op, "invalid rotary percentage: %v", v.RotaryPercentage)
	}
	return nil
}

var chatglm2Row = Variant{
	Norm:             RMSNorm,
	Mask:             Causal,
	Position:         RotaryHalf,
	ResidualSource:   PreLayernormInput,
	Activation:       SwiGLU,
	RotaryBase:       10000,
	RotaryPercentage: 0.5,
	QKVBias:          true,
}

func with32K(v Variant) Variant {
	v.RotaryScaling = RotaryScaling{Type: "linear", Factor: 8}
	return v
}

var variantTable = map[ModelID]Variant{
	ChatGLM6B: {
		Norm:          LayerNorm,
		Mask:          Bidirectional,
		Position:      ChatGLM2D,
		Position2D:    true,
		AlphaResidual: true,
		Activation:    GELU,
		RotaryBase:    10000,
		QKVBias:       true,
		LinearBias:    true,
	},
	ChatGLM2_6B:      chatglm2Row,
	ChatGLM2_6B_32K:  with32K(chatglm2Row),
	ChatGLM3_6B:      chatglm2Row,
	ChatGLM3_6B_Base: chatglm2Row,
	ChatGLM3_6B_32K:  with32K(chatglm2Row),
	GLM10B: {
		Norm:                   LayerNorm,
		Mask:                   BidirectionalGLM,
		Position:               LearnedAbsolute,
		PositionEmbeddingTable: true,
		Position2D:             true,
		ResidualSource:         PreLayernormInput,
		Activation:             GELU,
		QKVBias:                true,
		LinearBias:             true,
	},
}

func init() {
	if err := ValidateTable(); err != nil {
		panic(err)
	}
}

// ValidateTable checks that every model id has exactly one valid row.
func ValidateTable() error {
	return validateTable(variantTable)
}

func validateTable(table map[ModelID]Variant) error {
	for m := ModelID(0); m < numModelIDs; m++ {
		v, ok := table[m]
		if !ok {
			return errs.Configf("config.ValidateTable", "no variant row for %s", m)
		}
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", m, err)
		}
	}
	if len(table) != int(numModelIDs) {
		return errs.Configf("config.ValidateTable", "table has %d rows for %d model ids", len(table), numModelIDs)
	}
	return nil
}

// SelectVariant returns the layer configuration row for id.
func SelectVariant(id ModelID) (Variant, error) {
	v, ok := variantTable[id]
	if !ok {
		return Variant{}, errs.Configf("config.SelectVariant", "unknown model id %d", int(id))
	}
	return v, nil
}

// Lookup resolves a model name and returns its id and row.
func Lookup(name string) (ModelID, Variant, error) {
	id, err := ParseModelID(name)
	if err != nil {
		return 0, Variant{}, err
	}
	v, err := SelectVariant(id)
	return id, v, err
}
