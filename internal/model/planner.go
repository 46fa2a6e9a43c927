package model

import (
	"fmt"

	"github.com/23skdu/longbow-glm/internal/config"
	"github.com/23skdu/longbow-glm/internal/errs"
	"github.com/23skdu/longbow-glm/internal/tensor"
)

// TensorSpec names one fixed-shape engine input.
type TensorSpec struct {
	Name  string
	Shape []int
	DType tensor.DType
}

func (t TensorSpec) String() string {
	return fmt.Sprintf("%s%v %s", t.Name, t.Shape, t.DType)
}

// InputShapePlanner derives the input contract of an engine from its model
// spec and build limits, and builds concrete inputs that honour it.
type InputShapePlanner struct {
	spec   config.ModelSpec
	limits config.BuildLimits
}

func NewInputShapePlanner(spec config.ModelSpec, limits config.BuildLimits) (*InputShapePlanner, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return &InputShapePlanner{spec: spec, limits: limits}, nil
}

func (p *InputShapePlanner) Limits() config.BuildLimits { return p.limits }

// MaxSequences is the largest number of sequences in one step.
func (p *InputShapePlanner) MaxSequences() int {
	return p.limits.MaxBatchSize * p.limits.MaxBeamWidth
}

// MaxCacheLen is the longest history a sequence can accumulate.
func (p *InputShapePlanner) MaxCacheLen() int {
	return min(p.limits.MaxInputLen+p.limits.MaxNewTokens, p.spec.MaxSequenceLength)
}

func (p *InputShapePlanner) cacheDType() tensor.DType {
	if p.spec.Precision == config.Float16 {
		return tensor.Float16
	}
	return tensor.Float32
}

// Inputs lists every engine input with its maximum shape.
func (p *InputShapePlanner) Inputs() []TensorSpec {
	seqs := p.MaxSequences()
	tokens := []int{seqs, p.limits.MaxInputLen}
	if p.limits.RemoveInputPadding {
		tokens = []int{seqs * p.limits.MaxInputLen}
	}
	positions := append([]int(nil), tokens...)
	if cols := p.spec.PositionColumns(); cols > 1 {
		positions = append(positions, cols)
	}
	out := []TensorSpec{
		{Name: "input_ids", Shape: tokens, DType: tensor.Int32},
		{Name: "position_ids", Shape: positions, DType: tensor.Int32},
		{Name: "last_token_ids", Shape: []int{seqs}, DType: tensor.Int32},
		{Name: "sequence_length", Shape: []int{seqs}, DType: tensor.Int32},
		{Name: "context_lengths", Shape: []int{seqs}, DType: tensor.Int32},
	}
	kvHeads := max(p.spec.NumKVHeads/p.spec.TensorParallel, 1)
	maxSeq := p.MaxCacheLen()
	for l := 0; l < p.spec.NumLayers; l++ {
		if p.limits.PagedKVCache {
			blocks := (maxSeq + p.spec.TokensPerBlock - 1) / p.spec.TokensPerBlock
			out = append(out, TensorSpec{
				Name:  fmt.Sprintf("kv_cache_block_pointers_%d", l),
				Shape: []int{seqs, 2, blocks},
				DType: tensor.Int32,
			})
			continue
		}
		out = append(out, TensorSpec{
			Name:  fmt.Sprintf("past_key_value_%d", l),
			Shape: []int{seqs, 2, kvHeads, maxSeq, p.spec.HeadDim()},
			DType: p.cacheDType(),
		})
	}
	return out
}

// ContextPositions returns the position ids of a prompt of length n. Block
// ids are nil for single-column families.
func (p *InputShapePlanner) ContextPositions(n int) (pos, block []int32) {
	pos = make([]int32, n)
	if !p.spec.Variant.Position2D {
		for i := range pos {
			pos[i] = int32(i)
		}
		return pos, nil
	}
	block = make([]int32, n)
	for i := 0; i < n-1; i++ {
		pos[i] = int32(i)
	}
	if n > 0 {
		pos[n-1] = int32(max(n-2, 0))
		block[n-1] = 1
	}
	return pos, block
}

// DecodePositions returns the position of the step-th generated token
// (step >= 1) after a prompt of length promptLen.
func (p *InputShapePlanner) DecodePositions(promptLen, step int) (pos, block int32) {
	if !p.spec.Variant.Position2D {
		return int32(promptLen + step - 1), 0
	}
	return int32(max(promptLen-2, 0)), int32(step + 1)
}

func (p *InputShapePlanner) checkBatch(op string, n, ids int) error {
	if n == 0 {
		return errs.Shapef(op, "empty batch")
	}
	if n > p.MaxSequences() {
		return errs.Shapef(op, "%d sequences exceed max batch %d x beam %d", n, p.limits.MaxBatchSize, p.limits.MaxBeamWidth)
	}
	if ids != n {
		return errs.Shapef(op, "%d cache ids for %d sequences", ids, n)
	}
	return nil
}

// ContextInput builds the prefill step for prompts. It returns the stack
// input and the last-token ids for the LM head.
func (p *InputShapePlanner) ContextInput(prompts [][]int32, cacheIDs []string) (*StackInput, []int32, error) {
	const op = "model.InputShapePlanner.ContextInput"
	if err := p.checkBatch(op, len(prompts), len(cacheIDs)); err != nil {
		return nil, nil, err
	}
	maxLen := 0
	for i, pr := range prompts {
		if len(pr) == 0 || len(pr) > p.limits.MaxInputLen {
			return nil, nil, errs.Shapef(op, "prompt %d length %d out of range [1,%d]", i, len(pr), p.limits.MaxInputLen)
		}
		maxLen = max(maxLen, len(pr))
	}
	cols := p.spec.PositionColumns()
	in := &StackInput{
		CacheIDs:       cacheIDs,
		Lengths:        make([]int, len(prompts)),
		ContextLengths: make([]int, len(prompts)),
		RemovePadding:  p.limits.RemoveInputPadding,
	}
	last := make([]int32, len(prompts))
	var ids, pos []int32
	end := 0
	for i, pr := range prompts {
		n := len(pr)
		in.Lengths[i] = n
		in.ContextLengths[i] = n
		pp, bp := p.ContextPositions(n)
		width := n
		if !in.RemovePadding {
			width = maxLen
		}
		for t := 0; t < width; t++ {
			var tok, ps, bs int32
			if t < n {
				tok, ps = pr[t], pp[t]
				if bp != nil {
					bs = bp[t]
				}
			}
			ids = append(ids, tok)
			pos = append(pos, ps)
			if cols == 2 {
				pos = append(pos, bs)
			}
		}
		end += n
		if in.RemovePadding {
			last[i] = int32(end)
		} else {
			last[i] = int32(n)
		}
	}
	var err error
	if in.InputIDs, in.PositionIDs, err = p.buffers(ids, pos, len(prompts), maxLen, in.RemovePadding); err != nil {
		return nil, nil, err
	}
	return in, last, nil
}

// DecodeInput builds a generation step of one token per sequence. steps[i]
// is the 1-based index of the token being fed for sequence i.
func (p *InputShapePlanner) DecodeInput(tokens []int32, promptLens, steps []int, cacheIDs []string) (*StackInput, []int32, error) {
	const op = "model.InputShapePlanner.DecodeInput"
	n := len(tokens)
	if err := p.checkBatch(op, n, len(cacheIDs)); err != nil {
		return nil, nil, err
	}
	if len(promptLens) != n || len(steps) != n {
		return nil, nil, errs.Shapef(op, "%d tokens, %d prompt lengths, %d steps", n, len(promptLens), len(steps))
	}
	cols := p.spec.PositionColumns()
	in := &StackInput{
		CacheIDs:       cacheIDs,
		Lengths:        make([]int, n),
		ContextLengths: append([]int(nil), promptLens...),
		RemovePadding:  p.limits.RemoveInputPadding,
	}
	last := make([]int32, n)
	pos := make([]int32, 0, n*cols)
	for i := range tokens {
		if steps[i] < 1 || steps[i] > p.limits.MaxNewTokens {
			return nil, nil, errs.Shapef(op, "step %d out of range [1,%d]", steps[i], p.limits.MaxNewTokens)
		}
		ps, bs := p.DecodePositions(promptLens[i], steps[i])
		pos = append(pos, ps)
		if cols == 2 {
			pos = append(pos, bs)
		}
		in.Lengths[i] = 1
		last[i] = 1
		if in.RemovePadding {
			last[i] = int32(i + 1)
		}
	}
	var err error
	if in.InputIDs, in.PositionIDs, err = p.buffers(append([]int32(nil), tokens...), pos, n, 1, in.RemovePadding); err != nil {
		return nil, nil, err
	}
	return in, last, nil
}

func (p *InputShapePlanner) buffers(ids, pos []int32, batch, seq int, packed bool) (*tensor.Buffer, *tensor.Buffer, error) {
	cols := p.spec.PositionColumns()
	idShape := []int{batch, seq}
	if packed {
		idShape = []int{len(ids)}
	}
	posShape := append([]int(nil), idShape...)
	if cols > 1 {
		posShape = append(posShape, cols)
	}
	idBuf, err := tensor.FromInt32(ids, idShape...)
	if err != nil {
		return nil, nil, err
	}
	posBuf, err := tensor.FromInt32(pos, posShape...)
	if err != nil {
		return nil, nil, err
	}
	return idBuf, posBuf, nil
}
