package engine

import (
	"cmp"
	"math"
	"sort"

	"github.com/emirpasic/gods/v2/trees/binaryheap"
)

type beam struct {
	tokens  []int32
	logProb float64
}

type candidate struct {
	parent  int
	token   int32
	logProb float64
}

// byLogProb orders candidates by log probability, breaking ties on parent
// and token so selection is deterministic.
func byLogProb(a, b candidate) int {
	if c := cmp.Compare(a.logProb, b.logProb); c != 0 {
		return c
	}
	if c := cmp.Compare(b.parent, a.parent); c != 0 {
		return c
	}
	return cmp.Compare(b.token, a.token)
}

// beamSearch tracks the live and finished hypotheses of one request. Live
// beam k always occupies cache slot k.
type beamSearch struct {
	width         int
	endID         int32
	lengthPenalty float64

	live     []beam
	finished []Hypothesis
}

func newBeamSearch(width int, endID int32, lengthPenalty float64) *beamSearch {
	return &beamSearch{
		width:         width,
		endID:         endID,
		lengthPenalty: lengthPenalty,
		live:          []beam{{}},
	}
}

func (b *beamSearch) score(logProb float64, length int) float64 {
	if b.lengthPenalty == 0 || length == 0 {
		return logProb
	}
	return logProb / math.Pow(float64(length), b.lengthPenalty)
}

// topK returns the k best candidates extending parent.
func topK(parent int, base float64, logProbs []float64, k int) []candidate {
	h := binaryheap.NewWith[candidate](byLogProb)
	for tok, lp := range logProbs {
		if math.IsInf(lp, -1) || math.IsNaN(lp) {
			continue
		}
		h.Push(candidate{parent: parent, token: int32(tok), logProb: base + lp})
		if h.Size() > k {
			h.Pop()
		}
	}
	return h.Values()
}

// step extends every live beam with the logits in logits[i] and prunes to
// the beam width. It returns, for each new live beam, the slot of the beam
// it extends.
func (b *beamSearch) step(logits [][]float32) []int {
	all := binaryheap.NewWith[candidate](func(x, y candidate) int { return byLogProb(y, x) })
	for i, beam := range b.live {
		for _, c := range topK(i, beam.logProb, LogSoftmax(logits[i]), 2*b.width) {
			all.Push(c)
		}
	}

	var next []beam
	var parents []int
	for len(next) < b.width {
		c, ok := all.Pop()
		if !ok {
			break
		}
		parent := b.live[c.parent]
		tokens := make([]int32, len(parent.tokens)+1)
		copy(tokens, parent.tokens)
		tokens[len(parent.tokens)] = c.token
		if c.token == b.endID {
			b.addFinished(Hypothesis{
				Tokens:   tokens,
				LogProb:  c.logProb,
				Score:    b.score(c.logProb, len(tokens)),
				Finished: true,
			})
			continue
		}
		next = append(next, beam{tokens: tokens, logProb: c.logProb})
		parents = append(parents, c.parent)
	}
	b.live = next
	return parents
}

func (b *beamSearch) addFinished(h Hypothesis) {
	b.finished = append(b.finished, h)
	sortHypotheses(b.finished)
	if len(b.finished) > b.width {
		b.finished = b.finished[:b.width]
	}
}

// done reports whether the finished pool is full or nothing is left to
// extend.
func (b *beamSearch) done() bool {
	return len(b.finished) >= b.width || len(b.live) == 0
}

// finalize moves the live beams into the finished pool.
func (b *beamSearch) finalize() {
	for _, l := range b.live {
		b.addFinished(Hypothesis{Tokens: l.tokens, LogProb: l.logProb, Score: b.score(l.logProb, len(l.tokens))})
	}
	b.live = nil
}

// hypotheses is the current best set: finished and live, at most width.
func (b *beamSearch) hypotheses() []Hypothesis {
	out := append([]Hypothesis(nil), b.finished...)
	for _, l := range b.live {
		out = append(out, Hypothesis{Tokens: l.tokens, LogProb: l.logProb, Score: b.score(l.logProb, len(l.tokens))})
	}
	sortHypotheses(out)
	if len(out) > b.width {
		out = out[:b.width]
	}
	return out
}

func sortHypotheses(h []Hypothesis) {
	sort.SliceStable(h, func(i, j int) bool { return h[i].Score > h[j].Score })
}

// generated is the number of tokens each live beam holds.
func (b *beamSearch) generated() int {
	if len(b.live) == 0 {
		return 0
	}
	return len(b.live[0].tokens)
}
