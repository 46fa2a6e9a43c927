package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-glm/internal/config"
	"github.com/23skdu/longbow-glm/internal/errs"
	"github.com/23skdu/longbow-glm/internal/kvcache"
	"github.com/23skdu/longbow-glm/internal/tensor"
)

func TestPositionIDs(t *testing.T) {
	glm := mustPlanner(t, config.ChatGLM6B, smallLimits(false))
	pos, block := glm.ContextPositions(4)
	assert.Equal(t, []int32{0, 1, 2, 2}, pos)
	assert.Equal(t, []int32{0, 0, 0, 1}, block)
	p, b := glm.DecodePositions(4, 1)
	assert.Equal(t, [2]int32{2, 2}, [2]int32{p, b})
	p, b = glm.DecodePositions(4, 3)
	assert.Equal(t, [2]int32{2, 4}, [2]int32{p, b})

	pos, block = glm.ContextPositions(1)
	assert.Equal(t, []int32{0}, pos)
	assert.Equal(t, []int32{1}, block)

	chat2 := mustPlanner(t, config.ChatGLM2_6B, smallLimits(false))
	pos, block = chat2.ContextPositions(4)
	assert.Equal(t, []int32{0, 1, 2, 3}, pos)
	assert.Nil(t, block)
	p, _ = chat2.DecodePositions(4, 1)
	assert.Equal(t, int32(4), p)
	p, _ = chat2.DecodePositions(4, 5)
	assert.Equal(t, int32(8), p)
}

func TestInputsContract(t *testing.T) {
	limits := config.BuildLimits{MaxBatchSize: 2, MaxBeamWidth: 1, MaxInputLen: 8, MaxNewTokens: 8}
	spec := tinySpec(t, config.ChatGLM6B, 2)
	p, err := NewInputShapePlanner(spec, limits)
	require.NoError(t, err)

	inputs := p.Inputs()
	byName := make(map[string]TensorSpec)
	for _, in := range inputs {
		byName[in.Name] = in
	}
	assert.Equal(t, []int{2, 8}, byName["input_ids"].Shape)
	assert.Equal(t, []int{2, 8, 2}, byName["position_ids"].Shape)
	assert.Equal(t, []int{2}, byName["last_token_ids"].Shape)
	assert.Equal(t, []int{2, 2, 2, 16, 8}, byName["past_key_value_0"].Shape)
	assert.Equal(t, tensor.Float32, byName["past_key_value_1"].DType)
	assert.Len(t, inputs, 5+spec.NumLayers)

	limits.PagedKVCache = true
	limits.RemoveInputPadding = true
	chat2 := tinySpec(t, config.ChatGLM2_6B, 1)
	p, err = NewInputShapePlanner(chat2, limits)
	require.NoError(t, err)
	byName = make(map[string]TensorSpec)
	for _, in := range p.Inputs() {
		byName[in.Name] = in
	}
	assert.Equal(t, []int{16}, byName["input_ids"].Shape)
	assert.Equal(t, []int{16}, byName["position_ids"].Shape)
	assert.Equal(t, []int{2, 2, 4}, byName["kv_cache_block_pointers_0"].Shape)
	assert.Equal(t, tensor.Int32, byName["kv_cache_block_pointers_0"].DType)
}

func TestPlannerLimits(t *testing.T) {
	p := mustPlanner(t, config.ChatGLM3_6B, config.BuildLimits{MaxBatchSize: 1, MaxBeamWidth: 2, MaxInputLen: 4, MaxNewTokens: 3})

	_, _, err := p.ContextInput([][]int32{{1, 2, 3, 4, 5}}, []string{"a"})
	assert.True(t, errors.Is(err, errs.ErrShape))
	_, _, err = p.ContextInput([][]int32{{1}, {2}, {3}}, []string{"a", "b", "c"})
	assert.True(t, errors.Is(err, errs.ErrShape))
	_, _, err = p.ContextInput([][]int32{{}}, []string{"a"})
	assert.True(t, errors.Is(err, errs.ErrShape))
	_, _, err = p.ContextInput([][]int32{{1}}, nil)
	assert.True(t, errors.Is(err, errs.ErrShape))

	_, _, err = p.DecodeInput([]int32{1}, []int{2}, []int{0}, []string{"a"})
	assert.True(t, errors.Is(err, errs.ErrShape))
	_, _, err = p.DecodeInput([]int32{1}, []int{2}, []int{4}, []string{"a"})
	assert.True(t, errors.Is(err, errs.ErrShape))

	in, last, err := p.ContextInput([][]int32{{1, 2, 3}, {4}}, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, in.InputIDs.Shape())
	assert.Equal(t, []int32{1, 2, 3, 4, 0, 0}, in.InputIDs.Int32())
	assert.Equal(t, []int32{3, 1}, last)
	assert.Equal(t, []int{3, 1}, in.ContextLengths)

	in, last, err = p.DecodeInput([]int32{9, 8}, []int{3, 1}, []int{1, 2}, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 2}, in.PositionIDs.Int32())
	assert.Equal(t, []int32{1, 1}, last)

	_, err = NewInputShapePlanner(tinySpec(t, config.ChatGLM3_6B, 1), config.BuildLimits{})
	assert.True(t, errors.Is(err, errs.ErrConfiguration))
}

func TestPackedLastTokenIDs(t *testing.T) {
	limits := smallLimits(true)
	p := mustPlanner(t, config.GLM10B, limits)
	in, last, err := p.ContextInput([][]int32{{1, 2, 3}, {4, 5}}, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 5}, last)
	assert.Equal(t, []int{5, 2}, in.PositionIDs.Shape())
	assert.Equal(t, []int32{0, 0, 1, 0, 1, 1, 0, 0, 0, 1}, in.PositionIDs.Int32())

	_, last, err = p.DecodeInput([]int32{1, 2}, []int{3, 2}, []int{1, 1}, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, last)
}

func mustPlanner(t *testing.T, id config.ModelID, limits config.BuildLimits) *InputShapePlanner {
	t.Helper()
	p, err := NewInputShapePlanner(tinySpec(t, id, 1), limits)
	require.NoError(t, err)
	return p
}

func allowed(m interface{ Allows(q, k int) bool }, q, keys int) []bool {
	out := make([]bool, keys)
	for k := range out {
		out[k] = m.Allows(q, k)
	}
	return out
}

func TestBuildMask(t *testing.T) {
	keys := func(n int) *tensor.Buffer { return tensor.Zeros(n, 2) }

	// two committed rows plus two new ones
	view := kvcache.CacheView{Keys: keys(4), Past: 2}
	m := buildMask(config.Causal, view, 2, 0)
	assert.Equal(t, []bool{true, true, true, false}, allowed(m, 0, 4))
	assert.Equal(t, []bool{true, true, true, true}, allowed(m, 1, 4))

	m = buildMask(config.Bidirectional, kvcache.CacheView{Keys: keys(3)}, 3, 0)
	for q := 0; q < 3; q++ {
		assert.Equal(t, []bool{true, true, true}, allowed(m, q, 3))
	}

	// ring of 2 that has wrapped: rows hold absolute tokens 3 and 4
	view = kvcache.CacheView{Keys: keys(3), Past: 5, Start: 3, Window: 2}
	m = buildMask(config.Causal, view, 1, 0)
	assert.Equal(t, []bool{false, true, true}, allowed(m, 0, 3))

	// prompt of 4: the first three tokens see each other, the last is causal
	m = buildMask(config.BidirectionalGLM, kvcache.CacheView{Keys: keys(4)}, 4, 4)
	assert.Equal(t, []bool{true, true, true, false}, allowed(m, 0, 4))
	assert.Equal(t, []bool{true, true, true, false}, allowed(m, 2, 4))
	assert.Equal(t, []bool{true, true, true, true}, allowed(m, 3, 4))

	// decoding after that prompt is causal over everything
	m = buildMask(config.BidirectionalGLM, kvcache.CacheView{Keys: keys(5), Past: 4}, 1, 4)
	assert.Equal(t, []bool{true, true, true, true, true}, allowed(m, 0, 5))
}
