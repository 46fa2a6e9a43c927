// Package engine drives batched autoregressive generation over a model and
// a kv cache, and loads and saves engine artifacts.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/23skdu/longbow-glm/internal/config"
	"github.com/23skdu/longbow-glm/internal/errs"
	"github.com/23skdu/longbow-glm/internal/kvcache"
	"github.com/23skdu/longbow-glm/internal/logger"
	"github.com/23skdu/longbow-glm/internal/metrics"
	"github.com/23skdu/longbow-glm/internal/model"
)

// Model is the forward step the generator drives.
type Model interface {
	VocabSize() int
	Limits() config.BuildLimits
	ContextInput(prompts [][]int32, cacheIDs []string) (*model.StackInput, []int32, error)
	DecodeInput(tokens []int32, promptLens, steps []int, cacheIDs []string) (*model.StackInput, []int32, error)
	Forward(ctx context.Context, in *model.StackInput, lastTokenIDs []int32, cache *kvcache.Manager) (*model.Output, error)
}

// ResultPublisher receives every finished request.
type ResultPublisher interface {
	Publish(ctx context.Context, results []*Result) error
}

type TokenEvent struct {
	RequestID string
	Step      int
	Token     int32
}

type StepEvent struct {
	Phase string
	Step  int
	Batch int
	// Hypotheses holds the current best hypotheses of each request still
	// in the batch.
	Hypotheses map[string][]Hypothesis
}

type Options struct {
	CacheLayout kvcache.Layout
	// MaxKVCacheLen is the per-sequence cache capacity. For the bounded
	// layout 0 means prompt length plus max new tokens; for the paged layout
	// 0 means limited only by the pool.
	MaxKVCacheLen int

	OnToken   func(TokenEvent)
	OnStep    func(StepEvent)
	Publisher ResultPublisher
}

type Generator struct {
	model Model
	cache *kvcache.Manager
	opts  Options
	log   *logger.Logger

	mu        sync.Mutex
	pending   *orderedmap.OrderedMap[string, *Request]
	known     map[string]bool
	cancelled map[string]bool
}

func NewGenerator(m Model, cache *kvcache.Manager, opts Options) (*Generator, error) {
	if m == nil || cache == nil {
		return nil, errs.Configf("engine.NewGenerator", "model and cache are required")
	}
	if opts.MaxKVCacheLen < 0 {
		return nil, errs.Configf("engine.NewGenerator", "invalid max kv cache len %d", opts.MaxKVCacheLen)
	}
	return &Generator{
		model:     m,
		cache:     cache,
		opts:      opts,
		log:       logger.Log.With("generator"),
		pending:   orderedmap.New[string, *Request](),
		known:     make(map[string]bool),
		cancelled: make(map[string]bool),
	}, nil
}

// Submit queues req and returns its id, generating one when empty.
func (g *Generator) Submit(req *Request) (string, error) {
	const op = "engine.Generator.Submit"
	if err := g.validate(req); err != nil {
		metrics.RecordValidationError(op, errs.Kind(err))
		return "", errs.WithRequest(err, req.ID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if g.known[req.ID] {
		return "", errs.InvalidStatef(op, req.ID, "request already submitted")
	}
	g.known[req.ID] = true
	g.pending.Set(req.ID, req)
	return req.ID, nil
}

func (g *Generator) validate(req *Request) error {
	const op = "engine.Generator.Submit"
	if err := req.Sampling.Validate(); err != nil {
		return err
	}
	limits := g.model.Limits()
	if req.Sampling.BeamWidth > limits.MaxBeamWidth {
		return errs.Configf(op, "beam width %d exceeds engine max %d", req.Sampling.BeamWidth, limits.MaxBeamWidth)
	}
	if req.Sampling.MaxNewTokens > limits.MaxNewTokens {
		return errs.Configf(op, "max new tokens %d exceeds engine max %d", req.Sampling.MaxNewTokens, limits.MaxNewTokens)
	}
	if len(req.Prompt) == 0 || len(req.Prompt) > limits.MaxInputLen {
		return errs.Shapef(op, "prompt length %d out of range [1,%d]", len(req.Prompt), limits.MaxInputLen)
	}
	if g.opts.CacheLayout == kvcache.Paged && req.Sampling.AllowCyclicOverwrite && g.opts.MaxKVCacheLen > 0 &&
		g.opts.MaxKVCacheLen < len(req.Prompt)+req.Sampling.MaxNewTokens {
		return errs.Configf(op, "paged kv cache cannot wrap: max kv cache len %d is below the final length %d",
			g.opts.MaxKVCacheLen, len(req.Prompt)+req.Sampling.MaxNewTokens)
	}
	for _, t := range req.Prompt {
		if t < 0 || int(t) >= g.model.VocabSize() {
			return errs.Shapef(op, "prompt token %d out of vocabulary", t)
		}
	}
	return nil
}

// Cancel finishes request id at the next step boundary.
func (g *Generator) Cancel(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.known[id] {
		return errs.InvalidStatef("engine.Generator.Cancel", id, "unknown or finished request")
	}
	g.cancelled[id] = true
	return nil
}

func (g *Generator) isCancelled(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelled[id]
}

func (g *Generator) forget(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.known, id)
	delete(g.cancelled, id)
}

// admit takes up to the engine batch size of pending requests in
// submission order.
func (g *Generator) admit() []*Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	limit := g.model.Limits().MaxBatchSize
	var out []*Request
	for pair := g.pending.Oldest(); pair != nil && len(out) < limit; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	for _, r := range out {
		g.pending.Delete(r.ID)
	}
	return out
}

// Generate submits one request per prompt with cfg and runs them.
func (g *Generator) Generate(ctx context.Context, prompts [][]int32, cfg SamplingConfig) ([]*Result, error) {
	for _, p := range prompts {
		if _, err := g.Submit(&Request{Prompt: p, Sampling: cfg}); err != nil {
			return nil, err
		}
	}
	return g.Run(ctx)
}

// Run processes every submitted request and returns their results in
// submission order.
func (g *Generator) Run(ctx context.Context) ([]*Result, error) {
	var results []*Result
	for {
		batch := g.admit()
		if len(batch) == 0 {
			break
		}
		res, err := g.runBatch(ctx, batch)
		results = append(results, res...)
		if err != nil {
			return results, err
		}
	}
	if g.opts.Publisher != nil && len(results) > 0 {
		err := g.opts.Publisher.Publish(ctx, results)
		metrics.RecordPublish(len(results), err)
		if err != nil {
			return results, fmt.Errorf("publish results: %w", err)
		}
	}
	return results, nil
}

// sequence is the runtime state of one admitted request.
type sequence struct {
	req      *Request
	result   *Result
	state    State
	slots    []string
	capacity int

	sampler *Sampler
	tokens  []int32
	logProb float64

	beams *beamSearch
}

func (s *sequence) generated() int {
	if s.beams != nil {
		return s.beams.generated()
	}
	return len(s.tokens)
}

// liveSlots is the cache ids fed in the next decode step.
func (s *sequence) liveSlots() []string {
	if s.beams != nil {
		return s.slots[:len(s.beams.live)]
	}
	return s.slots[:1]
}

func (s *sequence) lastTokens() []int32 {
	if s.beams != nil {
		out := make([]int32, len(s.beams.live))
		for i, b := range s.beams.live {
			out[i] = b.tokens[len(b.tokens)-1]
		}
		return out
	}
	return s.tokens[len(s.tokens)-1:]
}

func (s *sequence) hypotheses() []Hypothesis {
	if s.beams != nil {
		return s.beams.hypotheses()
	}
	return []Hypothesis{{
		Tokens:   append([]int32(nil), s.tokens...),
		LogProb:  s.logProb,
		Score:    s.logProb,
		Finished: s.result.Reason == FinishEOS,
	}}
}

func (g *Generator) capacityFor(req *Request) int {
	if g.opts.MaxKVCacheLen > 0 {
		return g.opts.MaxKVCacheLen
	}
	if g.opts.CacheLayout == kvcache.Paged {
		return 0
	}
	return len(req.Prompt) + req.Sampling.MaxNewTokens
}

func (g *Generator) runBatch(ctx context.Context, batch []*Request) ([]*Result, error) {
	seqs := make([]*sequence, len(batch))
	for i, req := range batch {
		s := &sequence{
			req:      req,
			result:   &Result{RequestID: req.ID, Prompt: req.Prompt},
			capacity: g.capacityFor(req),
		}
		seqs[i] = s
		w := req.Sampling.BeamWidth
		for slot := 0; slot < w; slot++ {
			s.slots = append(s.slots, fmt.Sprintf("%s#%d", req.ID, slot))
		}
		if w > 1 {
			s.beams = newBeamSearch(w, req.Sampling.EndID, req.Sampling.LengthPenalty)
		} else {
			s.sampler = NewSampler(req.Sampling)
		}
		metrics.RecordContextLength(len(req.Prompt))
		if g.isCancelled(req.ID) {
			g.finish(s, FinishCancelled, nil)
			continue
		}
		if g.opts.CacheLayout == kvcache.Bounded && len(req.Prompt) > s.capacity && !req.Sampling.AllowCyclicOverwrite {
			g.finish(s, FinishCacheCapacity, nil)
			continue
		}
		if err := g.cache.Allocate(s.slots[0], s.capacity, g.opts.CacheLayout); err != nil {
			g.finish(s, FinishError, err)
			continue
		}
	}
	metrics.SetActiveRequests(countActive(seqs))

	if err := g.prefill(ctx, seqs); err != nil {
		return g.abort(seqs, err)
	}
	for step := 1; countActive(seqs) > 0; step++ {
		if err := ctx.Err(); err != nil {
			return g.abort(seqs, err)
		}
		if err := g.decode(ctx, seqs, step); err != nil {
			return g.abort(seqs, err)
		}
	}
	return collect(seqs), nil
}

func countActive(seqs []*sequence) int {
	n := 0
	for _, s := range seqs {
		if s.state != Finished {
			n++
		}
	}
	return n
}

func collect(seqs []*sequence) []*Result {
	out := make([]*Result, len(seqs))
	for i, s := range seqs {
		out[i] = s.result
	}
	return out
}

// abort finishes every unfinished request with err.
func (g *Generator) abort(seqs []*sequence, err error) ([]*Result, error) {
	for _, s := range seqs {
		if s.state != Finished {
			g.finish(s, FinishError, err)
		}
	}
	metrics.SetActiveRequests(0)
	return collect(seqs), err
}

func (g *Generator) prefill(ctx context.Context, seqs []*sequence) error {
	var active []*sequence
	var prompts [][]int32
	var ids []string
	for _, s := range seqs {
		if s.state == Finished {
			continue
		}
		active = append(active, s)
		prompts = append(prompts, s.req.Prompt)
		ids = append(ids, s.slots[0])
	}
	if len(active) == 0 {
		return nil
	}
	in, last, err := g.model.ContextInput(prompts, ids)
	if err != nil {
		return err
	}
	start := time.Now()
	out, err := g.model.Forward(ctx, in, last, g.cache)
	if err != nil {
		return err
	}
	metrics.RecordStep("context", len(active), time.Since(start))

	vocab := g.model.VocabSize()
	for i, s := range active {
		if cerr, ok := out.CommitErrors[s.slots[0]]; ok {
			g.finish(s, FinishError, cerr)
			continue
		}
		s.state = Decoding
		logits := out.Logits.Row(i)[:vocab]
		if s.beams != nil {
			if err := g.forkSlots(s); err != nil {
				g.finish(s, FinishError, err)
				continue
			}
			g.advanceBeams(s, [][]float32{logits})
			continue
		}
		g.advanceSample(s, logits)
	}
	g.notifyStep("context", 0, len(active), seqs)
	return nil
}

func (g *Generator) forkSlots(s *sequence) error {
	for _, id := range s.slots[1:] {
		if err := g.cache.Fork(s.slots[0], id); err != nil {
			return err
		}
	}
	return nil
}

func (g *Generator) decode(ctx context.Context, seqs []*sequence, step int) error {
	var (
		active     []*sequence
		tokens     []int32
		promptLens []int
		steps      []int
		ids        []string
	)
	for _, s := range seqs {
		if s.state == Finished {
			continue
		}
		if g.isCancelled(s.req.ID) {
			g.finish(s, FinishCancelled, nil)
			continue
		}
		if !g.checkCapacity(s) {
			continue
		}
		active = append(active, s)
		for i, id := range s.liveSlots() {
			tokens = append(tokens, s.lastTokens()[i])
			promptLens = append(promptLens, len(s.req.Prompt))
			steps = append(steps, s.generated())
			ids = append(ids, id)
		}
	}
	metrics.SetActiveRequests(len(active))
	if len(active) == 0 {
		return nil
	}

	in, last, err := g.model.DecodeInput(tokens, promptLens, steps, ids)
	if err != nil {
		return err
	}
	start := time.Now()
	out, err := g.model.Forward(ctx, in, last, g.cache)
	if err != nil {
		return err
	}
	metrics.RecordStep("generation", len(ids), time.Since(start))

	vocab := g.model.VocabSize()
	row := 0
	for _, s := range active {
		live := s.liveSlots()
		rows := make([][]float32, len(live))
		var cerr error
		for i, id := range live {
			rows[i] = out.Logits.Row(row)[:vocab]
			row++
			if e, ok := out.CommitErrors[id]; ok && cerr == nil {
				cerr = e
			}
		}
		if cerr != nil {
			g.finish(s, FinishError, cerr)
			continue
		}
		if s.beams != nil {
			g.advanceBeams(s, rows)
		} else {
			g.advanceSample(s, rows[0])
		}
	}
	g.notifyStep("generation", step, len(ids), seqs)
	return nil
}

// checkCapacity finishes s when feeding another token would overflow a
// bounded cache that may not wrap. All beams of a request share one
// length, so they wrap together.
func (g *Generator) checkCapacity(s *sequence) bool {
	if g.opts.CacheLayout != kvcache.Bounded {
		return true
	}
	rows := len(s.req.Prompt) + s.generated()
	if rows <= s.capacity {
		return true
	}
	if !s.req.Sampling.AllowCyclicOverwrite {
		g.finish(s, FinishCacheCapacity, nil)
		return false
	}
	if !s.result.Wrapped {
		s.result.Wrapped = true
		g.log.Info("cache wrapped, earliest context dropped", "request_id", s.req.ID, "capacity", s.capacity)
	}
	return true
}

func (g *Generator) advanceSample(s *sequence, logits []float32) {
	lp := LogSoftmax(logits)
	scratch := append([]float32(nil), logits...)
	history := append(append([]int32(nil), s.req.Prompt...), s.tokens...)
	tok := s.sampler.Sample(scratch, history)
	s.tokens = append(s.tokens, tok)
	s.logProb += lp[tok]
	metrics.RecordTokens(1)
	if g.opts.OnToken != nil {
		g.opts.OnToken(TokenEvent{RequestID: s.req.ID, Step: len(s.tokens), Token: tok})
	}
	switch {
	case tok == s.req.Sampling.EndID:
		g.finish(s, FinishEOS, nil)
	case len(s.tokens) >= s.req.Sampling.MaxNewTokens:
		g.finish(s, FinishMaxTokens, nil)
	}
}

func (g *Generator) advanceBeams(s *sequence, logits [][]float32) {
	parents := s.beams.step(logits)
	metrics.RecordTokens(len(parents))
	metrics.RecordBeamHypotheses(len(s.beams.hypotheses()))
	if s.beams.done() {
		g.finish(s, FinishEOS, nil)
		return
	}
	if s.beams.generated() >= s.req.Sampling.MaxNewTokens {
		s.beams.finalize()
		g.finish(s, FinishMaxTokens, nil)
		return
	}
	order := make([]int, len(s.slots))
	for i := range order {
		order[i] = i
	}
	copy(order, parents)
	if err := g.cache.Reorder(s.slots, order); err != nil {
		g.finish(s, FinishError, err)
	}
}

func (g *Generator) notifyStep(phase string, step, batch int, seqs []*sequence) {
	if g.opts.OnStep == nil {
		return
	}
	ev := StepEvent{Phase: phase, Step: step, Batch: batch, Hypotheses: make(map[string][]Hypothesis)}
	for _, s := range seqs {
		if s.state == Decoding {
			ev.Hypotheses[s.req.ID] = s.hypotheses()
		}
	}
	g.opts.OnStep(ev)
}

// finish records the outcome of s and releases every cache slot it holds.
func (g *Generator) finish(s *sequence, reason FinishReason, err error) {
	if s.state == Finished {
		return
	}
	s.state = Finished
	s.result.Reason = reason
	if err != nil {
		s.result.Err = errs.WithRequest(err, s.req.ID)
	}
	if s.beams != nil {
		if reason != FinishEOS && reason != FinishMaxTokens {
			s.beams.finalize()
		}
		s.result.Hypotheses = s.beams.hypotheses()
	} else {
		s.result.Hypotheses = s.hypotheses()
	}
	if n, lerr := g.cache.Length(s.slots[0]); lerr == nil {
		s.result.CacheLength = n
	}
	for _, id := range s.slots {
		if g.cache.State(id) == kvcache.Allocated {
			if rerr := g.cache.Release(id); rerr != nil {
				g.log.Warn("release cache", "request_id", s.req.ID, "cache_id", id, "err", rerr)
				continue
			}
		}
		// finished ids may be submitted again
		if ferr := g.cache.Forget(id); ferr != nil {
			g.log.Warn("forget cache", "request_id", s.req.ID, "cache_id", id, "err", ferr)
		}
	}
	metrics.RecordRequestFinished(reason.String())
	g.forget(s.req.ID)
	if s.result.Err != nil {
		g.log.Warn("request failed", "request_id", s.req.ID, "reason", reason.String(), "err", s.result.Err)
		return
	}
	g.log.Debug("request finished", "request_id", s.req.ID, "reason", reason.String(), "tokens", len(s.result.Best().Tokens))
}
