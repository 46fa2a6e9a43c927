package model

import (
	"context"
	"fmt"
	"math"

	"github.com/23skdu/longbow-glm/internal/config"
	"github.com/23skdu/longbow-glm/internal/errs"
	"github.com/23skdu/longbow-glm/internal/graph"
	"github.com/23skdu/longbow-glm/internal/tensor"
)

// CausalLMHead projects the last valid hidden state of every sequence to
// vocabulary logits.
type CausalLMHead struct {
	b      *graph.Builder
	spec   *config.ModelSpec
	shards []*tensor.Buffer
	group  *ShardGroup
}

func NewCausalLMHead(b *graph.Builder, spec *config.ModelSpec, lmHead *tensor.Buffer, group *ShardGroup) *CausalLMHead {
	return &CausalLMHead{b: b, spec: spec, shards: shardVocab(spec, lmHead), group: group}
}

// Forward returns logits [batch, PaddedVocab]. Padded hidden states are
// [batch, seq, hidden] and lastTokenIDs holds each sequence's 1-based
// length; packed states are [total_tokens, hidden] and lastTokenIDs holds
// the 1-based cumulative end of each sequence. Columns past the real vocab
// are -Inf.
func (h *CausalLMHead) Forward(ctx context.Context, hidden *tensor.Buffer, lastTokenIDs []int32, removePadding bool) (*tensor.Buffer, error) {
	const op = "model.CausalLMHead.Forward"
	if len(lastTokenIDs) == 0 {
		return nil, errs.Shapef(op, "no sequences")
	}
	flat := hidden
	rows := make([]int, len(lastTokenIDs))
	if removePadding {
		if hidden.Rank() != 2 {
			return nil, errs.Shapef(op, "packed hidden must be rank 2, got %v", hidden.Shape())
		}
		for i, end := range lastTokenIDs {
			if end < 1 || int(end) > hidden.Dim(0) {
				return nil, errs.Shapef(op, "last token id %d out of range [1,%d]", end, hidden.Dim(0))
			}
			rows[i] = int(end) - 1
		}
	} else {
		if hidden.Rank() != 3 || hidden.Dim(0) != len(lastTokenIDs) {
			return nil, errs.Shapef(op, "padded hidden %v for %d sequences", hidden.Shape(), len(lastTokenIDs))
		}
		seq := hidden.Dim(1)
		var err error
		if flat, err = hidden.Reshape(hidden.Dim(0)*seq, hidden.Dim(2)); err != nil {
			return nil, err
		}
		for i, n := range lastTokenIDs {
			if n < 1 || int(n) > seq {
				return nil, errs.Shapef(op, "length %d out of range [1,%d]", n, seq)
			}
			rows[i] = i*seq + int(n) - 1
		}
	}

	last, err := h.b.GatherRows("lm_head.gather_last_token", flat, rows)
	if err != nil {
		return nil, err
	}
	parts := make([]*tensor.Buffer, len(h.shards))
	err = h.group.Run(ctx, func(ctx context.Context, r int) error {
		var err error
		parts[r], err = h.b.Linear(fmt.Sprintf("lm_head.rank%d", r), last, h.shards[r], nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	logits := parts[0]
	if len(parts) > 1 {
		if logits, err = h.b.ConcatColumns("lm_head.gather", parts); err != nil {
			return nil, err
		}
	}
	if h.spec.PaddedVocab() != h.spec.VocabSize {
		return h.b.FillColumns("lm_head.mask_padding", logits, h.spec.VocabSize, float32(math.Inf(-1)))
	}
	return logits, nil
}
