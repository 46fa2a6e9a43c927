package engine

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/23skdu/longbow-glm/internal/metrics"
)

// Sampler picks the next token of a single sequence.
type Sampler struct {
	Config SamplingConfig
	rng    *rand.Rand
}

func NewSampler(cfg SamplingConfig) *Sampler {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	metrics.RecordSampling(cfg.Temperature, cfg.TopK, cfg.TopP)
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Sample returns the next token for logits. history is penalised when a
// repetition penalty is configured. logits is modified in place.
func (s *Sampler) Sample(logits []float32, history []int32) int32 {
	if !validLogits(logits) {
		nan, inf := countInvalid(logits)
		metrics.RecordNumericalInstability("logits", nan, inf)
	}

	if s.Config.RepetitionPenalty > 1.0 && len(history) > 0 {
		applyRepetitionPenalty(logits, history, s.Config.RepetitionPenalty)
	}

	temp := s.Config.Temperature
	if temp == 0 {
		return int32(argMax(logits))
	}

	probs := applyTemperatureAndSoftmax(logits, temp)

	candidates := filterValidCandidates(probs)
	if len(candidates) == 0 {
		return int32(argMax(logits))
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})

	candidates = applyTopK(candidates, s.Config.TopK)
	candidates = applyTopP(candidates, s.Config.TopP)

	if len(candidates) == 0 {
		return int32(argMax(logits))
	}

	return int32(s.sampleFromCandidates(candidates))
}

// validLogits reports whether every logit is finite. -Inf is allowed: it
// marks padded vocabulary columns.
func validLogits(logits []float32) bool {
	for _, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 1) {
			return false
		}
	}
	return true
}

func countInvalid(logits []float32) (nan, inf int) {
	for _, v := range logits {
		switch {
		case math.IsNaN(float64(v)):
			nan++
		case math.IsInf(float64(v), 1):
			inf++
		}
	}
	return nan, inf
}

func applyTemperatureAndSoftmax(logits []float32, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	maxVal := math.Inf(-1)
	for i, v := range logits {
		probs[i] = float64(v) / temperature
		if probs[i] > maxVal {
			maxVal = probs[i]
		}
	}

	sum := 0.0
	for i := range probs {
		probs[i] = math.Exp(probs[i] - maxVal)
		sum += probs[i]
	}

	for i := range probs {
		probs[i] /= sum
	}

	return probs
}

// LogSoftmax returns log probabilities of logits.
func LogSoftmax(logits []float32) []float64 {
	maxVal := math.Inf(-1)
	for _, v := range logits {
		if float64(v) > maxVal && !math.IsNaN(float64(v)) {
			maxVal = float64(v)
		}
	}
	sum := 0.0
	for _, v := range logits {
		sum += math.Exp(float64(v) - maxVal)
	}
	lse := maxVal + math.Log(sum)
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = float64(v) - lse
	}
	return out
}

func filterValidCandidates(probs []float64) []tokenProb {
	candidates := make([]tokenProb, 0, len(probs))
	for i, p := range probs {
		if p > 1e-10 && !math.IsNaN(p) && !math.IsInf(p, 0) {
			candidates = append(candidates, tokenProb{id: i, prob: p})
		}
	}
	return candidates
}

func (s *Sampler) sampleFromCandidates(candidates []tokenProb) int {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}

	r := s.rng.Float64() * sum
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}

	return candidates[0].id
}

func applyRepetitionPenalty(logits []float32, history []int32, penalty float64) {
	seen := make(map[int32]struct{})
	for _, id := range history {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		if id >= 0 && int(id) < len(logits) {
			if logits[id] > 0 {
				logits[id] /= float32(penalty)
			} else {
				logits[id] *= float32(penalty)
			}
		}
	}
}

type tokenProb struct {
	id   int
	prob float64
}

func argMax(logits []float32) int {
	maxIdx := 0
	maxVal := float32(math.Inf(-1))
	for i, v := range logits {
		if v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}
	return maxIdx
}

func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p >= 1.0 || p <= 0.0 {
		return candidates
	}

	sum := 0.0
	for i, c := range candidates {
		sum += c.prob
		if sum >= p {
			selected := candidates[:i+1]

			totalProb := 0.0
			for _, c := range selected {
				totalProb += c.prob
			}
			for i := range selected {
				selected[i].prob /= totalProb
			}

			return selected
		}
	}
	return candidates
}
