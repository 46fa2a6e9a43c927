// Package model assembles the GLM decoder: the layer stack, the LM head and
// the input contract, all declared on a graph.Builder.
package model

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-glm/internal/config"
	"github.com/23skdu/longbow-glm/internal/graph"
	"github.com/23skdu/longbow-glm/internal/kvcache"
	"github.com/23skdu/longbow-glm/internal/tensor"
)

type Model struct {
	Spec    config.ModelSpec
	Planner *InputShapePlanner
	Stack   *DecoderStack
	Head    *CausalLMHead
	Builder *graph.Builder
	Weights *Weights
	group   *ShardGroup
}

// Output is the result of one forward step.
type Output struct {
	// Logits is [sequences, PaddedVocab].
	Logits *tensor.Buffer
	// CommitErrors holds the sequences whose cache rows could not be
	// committed. Their logits are still valid but their cache is unchanged.
	CommitErrors map[string]error
}

func New(b *graph.Builder, spec config.ModelSpec, limits config.BuildLimits, w *Weights) (*Model, error) {
	planner, err := NewInputShapePlanner(spec, limits)
	if err != nil {
		return nil, err
	}
	if err := w.Validate(&spec); err != nil {
		return nil, err
	}
	m := &Model{Spec: spec, Planner: planner, Builder: b, Weights: w, group: NewShardGroup(spec.TensorParallel)}
	if m.Stack, err = NewDecoderStack(b, &m.Spec, w, m.group); err != nil {
		return nil, err
	}
	m.Head = NewCausalLMHead(b, &m.Spec, w.LMHead, m.group)
	return m, nil
}

// CacheOptions returns the kv cache layout matching this model.
func (m *Model) CacheOptions(poolBlocks int) kvcache.Options {
	dtype := tensor.Float32
	if m.Spec.Precision == config.Float16 {
		dtype = tensor.Float16
	}
	return kvcache.Options{
		Layers:     m.Spec.NumLayers,
		KVDim:      m.Spec.KVDim(),
		DType:      dtype,
		BlockSize:  m.Spec.TokensPerBlock,
		PoolBlocks: poolBlocks,
	}
}

// Forward runs the stack and the LM head for one step.
func (m *Model) Forward(ctx context.Context, in *StackInput, lastTokenIDs []int32, cache *kvcache.Manager) (*Output, error) {
	out, err := m.Stack.Forward(ctx, in, cache)
	if err != nil {
		return nil, err
	}
	logits, err := m.Head.Forward(ctx, out.Hidden, lastTokenIDs, in.RemovePadding)
	if err != nil {
		return nil, err
	}
	return &Output{Logits: logits, CommitErrors: out.CommitErrors}, nil
}

// Trace runs one canonical prefill on a scratch cache and returns the
// compiled plan of every op the model declares.
func (m *Model) Trace(ctx context.Context) (*graph.Plan, error) {
	cache, err := kvcache.NewManager(m.CacheOptions(0))
	if err != nil {
		return nil, err
	}
	const id = "trace"
	if err := cache.Allocate(id, 2, kvcache.Bounded); err != nil {
		return nil, err
	}
	defer cache.Release(id)

	prompt := []int32{0, int32(min(1, m.Spec.VocabSize-1))}
	in, last, err := m.Planner.ContextInput([][]int32{prompt[:min(2, m.Planner.limits.MaxInputLen)]}, []string{id})
	if err != nil {
		return nil, err
	}
	m.Builder.StartTrace(m.Spec.ModelID.String())
	_, err = m.Forward(ctx, in, last, cache)
	plan := m.Builder.Compile()
	if err != nil {
		return nil, fmt.Errorf("trace %s: %w", m.Spec.ModelID, err)
	}
	return plan, nil
}

func (m *Model) VocabSize() int { return m.Spec.VocabSize }

func (m *Model) Limits() config.BuildLimits { return m.Planner.Limits() }

func (m *Model) ContextInput(prompts [][]int32, cacheIDs []string) (*StackInput, []int32, error) {
	return m.Planner.ContextInput(prompts, cacheIDs)
}

func (m *Model) DecodeInput(tokens []int32, promptLens, steps []int, cacheIDs []string) (*StackInput, []int32, error) {
	return m.Planner.DecodeInput(tokens, promptLens, steps, cacheIDs)
}
