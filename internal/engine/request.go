package engine

import (
	"github.com/23skdu/longbow-glm/internal/errs"
)

const (
	DefaultEndID = 2
	DefaultPadID = 3
)

type State int

const (
	Prefill State = iota
	Decoding
	Finished
)

func (s State) String() string {
	switch s {
	case Decoding:
		return "decoding"
	case Finished:
		return "finished"
	}
	return "prefill"
}

type FinishReason int

const (
	FinishNone FinishReason = iota
	FinishEOS
	FinishMaxTokens
	FinishCacheCapacity
	FinishCancelled
	FinishError
)

func (r FinishReason) String() string {
	switch r {
	case FinishEOS:
		return "eos"
	case FinishMaxTokens:
		return "max_tokens"
	case FinishCacheCapacity:
		return "cache_capacity"
	case FinishCancelled:
		return "cancelled"
	case FinishError:
		return "error"
	}
	return "none"
}

// SamplingConfig is fixed for the lifetime of a request.
type SamplingConfig struct {
	EndID     int32
	PadID     int32
	BeamWidth int

	// Temperature 0 is greedy.
	Temperature       float64
	TopK              int
	TopP              float64
	RepetitionPenalty float64
	Seed              int64

	// LengthPenalty is the exponent of the beam length normalisation.
	LengthPenalty float64
	MaxNewTokens  int
	// AllowCyclicOverwrite lets a bounded cache wrap and keep generating.
	AllowCyclicOverwrite bool
}

func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{
		EndID:             DefaultEndID,
		PadID:             DefaultPadID,
		BeamWidth:         1,
		RepetitionPenalty: 1.0,
		LengthPenalty:     1.0,
		MaxNewTokens:      32,
	}
}

func (c *SamplingConfig) Validate() error {
	const op = "engine.SamplingConfig.Validate"
	if c.BeamWidth < 1 {
		return errs.Configf(op, "invalid beam_width: %d (must be >= 1)", c.BeamWidth)
	}
	if c.MaxNewTokens < 1 {
		return errs.Configf(op, "invalid max_new_tokens: %d (must be >= 1)", c.MaxNewTokens)
	}
	if c.Temperature < 0 {
		return errs.Configf(op, "invalid temperature: %v (must be >= 0)", c.Temperature)
	}
	if c.TopK < 0 {
		return errs.Configf(op, "invalid top_k: %d (must be >= 0)", c.TopK)
	}
	if c.TopP < 0 || c.TopP > 1 {
		return errs.Configf(op, "invalid top_p: %v (must be in [0,1])", c.TopP)
	}
	if c.RepetitionPenalty < 0 {
		return errs.Configf(op, "invalid repetition_penalty: %v", c.RepetitionPenalty)
	}
	if c.LengthPenalty < 0 {
		return errs.Configf(op, "invalid length_penalty: %v", c.LengthPenalty)
	}
	if c.EndID < 0 {
		return errs.Configf(op, "invalid end_id: %d", c.EndID)
	}
	return nil
}

// Hypothesis is one candidate continuation. Tokens excludes the prompt.
type Hypothesis struct {
	Tokens   []int32
	LogProb  float64
	Score    float64
	Finished bool
}

// Request is one generation submitted to a Generator.
type Request struct {
	ID       string
	Prompt   []int32
	Sampling SamplingConfig
}

// Result is the outcome of a finished request. Hypotheses are ordered by
// non-increasing score; greedy and sampled requests have exactly one.
type Result struct {
	RequestID  string
	Prompt     []int32
	Hypotheses []Hypothesis
	Reason     FinishReason
	Err        error
	// CacheLength is the number of valid cache rows when the request
	// finished. Beam slots are fed in lockstep, so every slot holds the
	// same count even when the best hypothesis ended earlier.
	CacheLength int
	// Wrapped is set when a bounded cache dropped its earliest context.
	Wrapped bool
}

// Best returns the highest-scoring hypothesis.
func (r *Result) Best() Hypothesis {
	if len(r.Hypotheses) == 0 {
		return Hypothesis{}
	}
	return r.Hypotheses[0]
}
