package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-glm/internal/config"
	"github.com/23skdu/longbow-glm/internal/cpu"
	"github.com/23skdu/longbow-glm/internal/errs"
	"github.com/23skdu/longbow-glm/internal/graph"
	"github.com/23skdu/longbow-glm/internal/kvcache"
	"github.com/23skdu/longbow-glm/internal/model"
	"github.com/23skdu/longbow-glm/internal/tensor"
)

func tinyModel(t *testing.T, id config.ModelID, limits config.BuildLimits) *model.Model {
	t.Helper()
	spec, err := config.TinySpec(id)
	require.NoError(t, err)
	m, err := model.New(graph.NewBuilder(cpu.New()), spec, limits, model.NewRandomWeights(&spec, 11))
	require.NoError(t, err)
	return m
}

func testLimits() config.BuildLimits {
	return config.BuildLimits{MaxBatchSize: 2, MaxBeamWidth: 4, MaxInputLen: 8, MaxNewTokens: 12, RemoveInputPadding: true}
}

// scriptedModel runs the real model so the cache evolves normally, then
// replaces the logits so each request emits a fixed token sequence.
type scriptedModel struct {
	*model.Model

	mu     sync.Mutex
	script map[string][]int32
	calls  map[string]int
}

func newScripted(m *model.Model, script map[string][]int32) *scriptedModel {
	return &scriptedModel{Model: m, script: script, calls: make(map[string]int)}
}

func (s *scriptedModel) Forward(ctx context.Context, in *model.StackInput, last []int32, cache *kvcache.Manager) (*model.Output, error) {
	out, err := s.Model.Forward(ctx, in, last, cache)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	width := out.Logits.Dim(1)
	data := make([]float32, len(in.CacheIDs)*width)
	for i, id := range in.CacheIDs {
		req := id[:strings.IndexByte(id, '#')]
		toks := s.script[req]
		n := s.calls[id]
		s.calls[id] = n + 1
		tok := toks[min(n, len(toks)-1)]
		data[i*width+int(tok)] = 10
	}
	logits, err := tensor.FromFloat32(data, len(in.CacheIDs), width)
	if err != nil {
		return nil, err
	}
	return &model.Output{Logits: logits, CommitErrors: out.CommitErrors}, nil
}

func newGen(t *testing.T, m Model, layout kvcache.Layout, opts Options) (*Generator, *kvcache.Manager) {
	t.Helper()
	var base *model.Model
	switch v := m.(type) {
	case *model.Model:
		base = v
	case *scriptedModel:
		base = v.Model
	}
	pool := 0
	if layout == kvcache.Paged {
		pool = 64
	}
	cache, err := kvcache.NewManager(base.CacheOptions(pool))
	require.NoError(t, err)
	opts.CacheLayout = layout
	g, err := NewGenerator(m, cache, opts)
	require.NoError(t, err)
	return g, cache
}

func greedy(maxNew int) SamplingConfig {
	cfg := DefaultSamplingConfig()
	cfg.MaxNewTokens = maxNew
	return cfg
}

func TestGreedyStopsOnEndToken(t *testing.T) {
	for _, layout := range []kvcache.Layout{kvcache.Bounded, kvcache.Paged} {
		t.Run(layout.String(), func(t *testing.T) {
			m := newScripted(tinyModel(t, config.ChatGLM2_6B, testLimits()), map[string][]int32{"a": {5, 6, DefaultEndID}})
			g, cache := newGen(t, m, layout, Options{})

			_, err := g.Submit(&Request{ID: "a", Prompt: []int32{7, 8, 9}, Sampling: greedy(10)})
			require.NoError(t, err)
			results, err := g.Run(context.Background())
			require.NoError(t, err)
			require.Len(t, results, 1)

			r := results[0]
			assert.Equal(t, FinishEOS, r.Reason)
			assert.Equal(t, []int32{5, 6, DefaultEndID}, r.Best().Tokens)
			assert.True(t, r.Best().Finished)
			// the end token is never fed back
			assert.Equal(t, 3+3-1, r.CacheLength)
			assert.Equal(t, kvcache.Unallocated, cache.State("a#0"))
			assert.Zero(t, cache.Stats().Requests)
		})
	}
}

func TestGreedyStopsAtMaxTokens(t *testing.T) {
	m := newScripted(tinyModel(t, config.ChatGLM6B, testLimits()), map[string][]int32{"a": {5}})
	g, _ := newGen(t, m, kvcache.Bounded, Options{})

	var events []TokenEvent
	g.opts.OnToken = func(ev TokenEvent) { events = append(events, ev) }

	_, err := g.Submit(&Request{ID: "a", Prompt: []int32{1, 4}, Sampling: greedy(4)})
	require.NoError(t, err)
	results, err := g.Run(context.Background())
	require.NoError(t, err)

	r := results[0]
	assert.Equal(t, FinishMaxTokens, r.Reason)
	assert.Equal(t, []int32{5, 5, 5, 5}, r.Best().Tokens)
	assert.Equal(t, 2+4-1, r.CacheLength)
	require.Len(t, events, 4)
	assert.Equal(t, 4, events[3].Step)
}

func TestBoundedCacheCapacity(t *testing.T) {
	script := map[string][]int32{"a": {5}}

	t.Run("finish", func(t *testing.T) {
		m := newScripted(tinyModel(t, config.ChatGLM2_6B, testLimits()), script)
		g, _ := newGen(t, m, kvcache.Bounded, Options{MaxKVCacheLen: 5})
		_, err := g.Submit(&Request{ID: "a", Prompt: []int32{1, 2, 3}, Sampling: greedy(8)})
		require.NoError(t, err)
		results, err := g.Run(context.Background())
		require.NoError(t, err)

		r := results[0]
		assert.Equal(t, FinishCacheCapacity, r.Reason)
		assert.Len(t, r.Best().Tokens, 3)
		assert.Equal(t, 5, r.CacheLength)
		assert.False(t, r.Wrapped)
	})

	t.Run("wrap", func(t *testing.T) {
		m := newScripted(tinyModel(t, config.ChatGLM2_6B, testLimits()), script)
		g, _ := newGen(t, m, kvcache.Bounded, Options{MaxKVCacheLen: 5})
		cfg := greedy(8)
		cfg.AllowCyclicOverwrite = true
		_, err := g.Submit(&Request{ID: "a", Prompt: []int32{1, 2, 3}, Sampling: cfg})
		require.NoError(t, err)
		results, err := g.Run(context.Background())
		require.NoError(t, err)

		r := results[0]
		assert.Equal(t, FinishMaxTokens, r.Reason)
		assert.Len(t, r.Best().Tokens, 8)
		assert.Equal(t, 5, r.CacheLength)
		assert.True(t, r.Wrapped)
	})

	t.Run("prompt_too_long", func(t *testing.T) {
		m := newScripted(tinyModel(t, config.ChatGLM2_6B, testLimits()), script)
		g, _ := newGen(t, m, kvcache.Bounded, Options{MaxKVCacheLen: 2})
		_, err := g.Submit(&Request{ID: "a", Prompt: []int32{1, 2, 3}, Sampling: greedy(8)})
		require.NoError(t, err)
		results, err := g.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, FinishCacheCapacity, results[0].Reason)
		assert.Empty(t, results[0].Best().Tokens)
	})
}

func TestBeamSearchHypothesesBounded(t *testing.T) {
	for _, layout := range []kvcache.Layout{kvcache.Bounded, kvcache.Paged} {
		t.Run(layout.String(), func(t *testing.T) {
			m := tinyModel(t, config.ChatGLM3_6B, testLimits())
			var steps int
			g, cache := newGen(t, m, layout, Options{OnStep: func(ev StepEvent) {
				steps++
				for id, hyps := range ev.Hypotheses {
					assert.LessOrEqual(t, len(hyps), 4, id)
					for k := 1; k < len(hyps); k++ {
						assert.GreaterOrEqual(t, hyps[k-1].Score, hyps[k].Score, id)
					}
				}
			}})

			cfg := greedy(6)
			cfg.BeamWidth = 4
			cfg.EndID = 49
			results, err := g.Generate(context.Background(), [][]int32{{1, 2, 3}, {4, 5}}, cfg)
			require.NoError(t, err)
			require.Len(t, results, 2)
			assert.Positive(t, steps)
			for _, r := range results {
				assert.NoError(t, r.Err)
				assert.Contains(t, []FinishReason{FinishEOS, FinishMaxTokens}, r.Reason)
				if r.Reason == FinishMaxTokens {
					assert.Equal(t, len(r.Prompt)+6-1, r.CacheLength)
				}
				assert.LessOrEqual(t, r.CacheLength, len(r.Prompt)+6-1)
				require.NotEmpty(t, r.Hypotheses)
				assert.LessOrEqual(t, len(r.Hypotheses), 4)
				for k := 1; k < len(r.Hypotheses); k++ {
					assert.GreaterOrEqual(t, r.Hypotheses[k-1].Score, r.Hypotheses[k].Score)
				}
				for s := 0; s < 4; s++ {
					assert.NotEqual(t, kvcache.Allocated, cache.State(r.RequestID+"#"+string(rune('0'+s))))
				}
			}
			if layout == kvcache.Paged {
				assert.Equal(t, 64, cache.FreeBlocks())
			}
		})
	}
}

func TestGreedyIsDeterministic(t *testing.T) {
	prompt := []int32{3, 1, 4}
	run := func() Hypothesis {
		m := tinyModel(t, config.GLM10B, testLimits())
		g, _ := newGen(t, m, kvcache.Bounded, Options{})
		cfg := greedy(5)
		cfg.EndID = 49
		results, err := g.Generate(context.Background(), [][]int32{prompt}, cfg)
		require.NoError(t, err)
		return results[0].Best()
	}
	a, b := run(), run()
	assert.Equal(t, a.Tokens, b.Tokens)
	assert.InDelta(t, a.LogProb, b.LogProb, 1e-9)
	assert.LessOrEqual(t, a.LogProb, 0.0)
}

func TestSubmitValidation(t *testing.T) {
	m := tinyModel(t, config.ChatGLM2_6B, testLimits())
	g, _ := newGen(t, m, kvcache.Bounded, Options{})

	tests := []struct {
		name string
		req  *Request
		kind error
	}{
		{"beam", &Request{Prompt: []int32{1}, Sampling: func() SamplingConfig { c := greedy(2); c.BeamWidth = 5; return c }()}, errs.ErrConfiguration},
		{"max_new", &Request{Prompt: []int32{1}, Sampling: greedy(13)}, errs.ErrConfiguration},
		{"empty", &Request{Prompt: nil, Sampling: greedy(2)}, errs.ErrShape},
		{"too_long", &Request{Prompt: make([]int32, 9), Sampling: greedy(2)}, errs.ErrShape},
		{"vocab", &Request{Prompt: []int32{50}, Sampling: greedy(2)}, errs.ErrShape},
		{"sampling", &Request{Prompt: []int32{1}, Sampling: SamplingConfig{}}, errs.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Submit(tt.req)
			assert.ErrorIs(t, err, tt.kind)
		})
	}

	id, err := g.Submit(&Request{Prompt: []int32{1}, Sampling: greedy(2)})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	_, err = g.Submit(&Request{ID: id, Prompt: []int32{1}, Sampling: greedy(2)})
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestRunPreservesSubmissionOrder(t *testing.T) {
	script := map[string][]int32{}
	ids := []string{"r0", "r1", "r2", "r3", "r4"}
	for i, id := range ids {
		script[id] = []int32{int32(10 + i), DefaultEndID}
	}
	m := newScripted(tinyModel(t, config.ChatGLM2_6B, testLimits()), script)
	var maxBatch int
	g, _ := newGen(t, m, kvcache.Paged, Options{OnStep: func(ev StepEvent) {
		maxBatch = max(maxBatch, ev.Batch)
	}})
	for _, id := range ids {
		_, err := g.Submit(&Request{ID: id, Prompt: []int32{1, 2}, Sampling: greedy(4)})
		require.NoError(t, err)
	}
	results, err := g.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, len(ids))
	for i, r := range results {
		assert.Equal(t, ids[i], r.RequestID)
		assert.Equal(t, []int32{int32(10 + i), DefaultEndID}, r.Best().Tokens)
	}
	assert.LessOrEqual(t, maxBatch, 2)
}

func TestCancel(t *testing.T) {
	m := newScripted(tinyModel(t, config.ChatGLM2_6B, testLimits()), map[string][]int32{"a": {5}, "b": {6}})
	g, _ := newGen(t, m, kvcache.Bounded, Options{})

	assert.ErrorIs(t, g.Cancel("missing"), errs.ErrInvalidState)

	_, err := g.Submit(&Request{ID: "a", Prompt: []int32{1}, Sampling: greedy(8)})
	require.NoError(t, err)
	_, err = g.Submit(&Request{ID: "b", Prompt: []int32{1}, Sampling: greedy(8)})
	require.NoError(t, err)
	require.NoError(t, g.Cancel("a"))

	g.opts.OnToken = func(ev TokenEvent) {
		if ev.RequestID == "b" && ev.Step == 2 {
			require.NoError(t, g.Cancel("b"))
		}
	}
	results, err := g.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, FinishCancelled, results[0].Reason)
	assert.Empty(t, results[0].Best().Tokens)
	assert.Equal(t, FinishCancelled, results[1].Reason)
	assert.Len(t, results[1].Best().Tokens, 2)
}

func TestContextCancellationAbortsBatch(t *testing.T) {
	m := newScripted(tinyModel(t, config.ChatGLM2_6B, testLimits()), map[string][]int32{"a": {5}})
	g, _ := newGen(t, m, kvcache.Bounded, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	g.opts.OnToken = func(TokenEvent) { cancel() }

	_, err := g.Submit(&Request{ID: "a", Prompt: []int32{1, 2}, Sampling: greedy(8)})
	require.NoError(t, err)
	results, err := g.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 1)
	assert.Equal(t, FinishError, results[0].Reason)
	assert.Equal(t, "a", errs.RequestID(results[0].Err))
}

type recordingPublisher struct {
	got []*Result
}

func (p *recordingPublisher) Publish(_ context.Context, results []*Result) error {
	p.got = append(p.got, results...)
	return nil
}

func TestRunPublishesResults(t *testing.T) {
	m := newScripted(tinyModel(t, config.ChatGLM2_6B, testLimits()), map[string][]int32{"a": {DefaultEndID}})
	pub := &recordingPublisher{}
	g, _ := newGen(t, m, kvcache.Bounded, Options{Publisher: pub})
	_, err := g.Submit(&Request{ID: "a", Prompt: []int32{1}, Sampling: greedy(2)})
	require.NoError(t, err)
	_, err = g.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, pub.got, 1)
	assert.Equal(t, "a", pub.got[0].RequestID)
}

func TestResubmitFinishedID(t *testing.T) {
	for _, layout := range []kvcache.Layout{kvcache.Bounded, kvcache.Paged} {
		t.Run(layout.String(), func(t *testing.T) {
			m := newScripted(tinyModel(t, config.ChatGLM2_6B, testLimits()), map[string][]int32{"a": {5, DefaultEndID}})
			g, cache := newGen(t, m, layout, Options{})
			free := cache.FreeBlocks()

			for round := 0; round < 2; round++ {
				m.mu.Lock()
				m.calls = make(map[string]int)
				m.mu.Unlock()

				_, err := g.Submit(&Request{ID: "a", Prompt: []int32{7, 8}, Sampling: greedy(6)})
				require.NoError(t, err, "round %d", round)
				results, err := g.Run(context.Background())
				require.NoError(t, err)
				require.Len(t, results, 1)
				assert.NoError(t, results[0].Err, "round %d", round)
				assert.Equal(t, FinishEOS, results[0].Reason, "round %d", round)
				assert.Equal(t, []int32{5, DefaultEndID}, results[0].Best().Tokens)
			}
			assert.Equal(t, free, cache.FreeBlocks())
			assert.Zero(t, cache.Stats().Requests)
		})
	}
}

func TestDecodeExhaustionFailsOnlyThatRequest(t *testing.T) {
	base := tinyModel(t, config.ChatGLM2_6B, testLimits())
	m := newScripted(base, map[string][]int32{"a": {5}, "b": {6}})
	// blocks of 4 rows: a's 4-row prompt takes one block and b's 6-row
	// prompt two, so a cannot grow on its first decode step.
	cache, err := kvcache.NewManager(base.CacheOptions(3))
	require.NoError(t, err)
	g, err := NewGenerator(m, cache, Options{CacheLayout: kvcache.Paged})
	require.NoError(t, err)

	_, err = g.Submit(&Request{ID: "a", Prompt: []int32{1, 2, 3, 4}, Sampling: greedy(4)})
	require.NoError(t, err)
	_, err = g.Submit(&Request{ID: "b", Prompt: []int32{1, 2, 3, 4, 5, 6}, Sampling: greedy(4)})
	require.NoError(t, err)

	results, err := g.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	byID := map[string]*Result{}
	for _, r := range results {
		byID[r.RequestID] = r
	}

	a := byID["a"]
	assert.Equal(t, FinishError, a.Reason)
	assert.True(t, errors.Is(a.Err, errs.ErrResourceExhausted), "got %v", a.Err)

	// b reuses the block a gave back for its last fed token
	b := byID["b"]
	require.NoError(t, b.Err)
	assert.Equal(t, FinishMaxTokens, b.Reason)
	assert.Equal(t, []int32{6, 6, 6, 6}, b.Best().Tokens)
	assert.Equal(t, 6+4-1, b.CacheLength)

	assert.Equal(t, 3, cache.FreeBlocks())
	assert.Zero(t, cache.Stats().Requests)
}

func TestPagedRejectsCyclicOverwrite(t *testing.T) {
	m := tinyModel(t, config.ChatGLM2_6B, testLimits())
	g, _ := newGen(t, m, kvcache.Paged, Options{MaxKVCacheLen: 4})

	cfg := greedy(4)
	cfg.AllowCyclicOverwrite = true
	_, err := g.Submit(&Request{Prompt: []int32{1, 2, 3}, Sampling: cfg})
	assert.True(t, errors.Is(err, errs.ErrConfiguration), "got %v", err)

	// fits without wrapping
	_, err = g.Submit(&Request{Prompt: []int32{1}, Sampling: cfg})
	assert.NoError(t, err)
}
