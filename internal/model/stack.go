package model

import (
	"context"

	"github.com/23skdu/longbow-glm/internal/config"
	"github.com/23skdu/longbow-glm/internal/errs"
	"github.com/23skdu/longbow-glm/internal/graph"
	"github.com/23skdu/longbow-glm/internal/kvcache"
	"github.com/23skdu/longbow-glm/internal/logger"
	"github.com/23skdu/longbow-glm/internal/tensor"
)

// StackInput is one batched forward step.
//
// With RemovePadding the sequences are packed back to back: InputIDs is
// [total_tokens] and PositionIDs [total_tokens] or [total_tokens, 2].
// Otherwise InputIDs is [batch, seq] padded on the right, PositionIDs
// [batch, seq] or [batch, seq, 2], and Lengths gives the valid prefix of
// each row.
type StackInput struct {
	InputIDs    *tensor.Buffer
	PositionIDs *tensor.Buffer
	Lengths     []int
	// ContextLengths is the prompt length of each sequence, used by the GLM
	// mask. Zero means the whole cached history is context.
	ContextLengths []int
	CacheIDs       []string
	RemovePadding  bool
}

// StackOutput is the final hidden state plus the per-request outcome of
// committing the step's cache rows.
type StackOutput struct {
	// Hidden is [batch, seq, hidden] when padded and [total_tokens, hidden]
	// when packed.
	Hidden       *tensor.Buffer
	CommitErrors map[string]error
}

type DecoderStack struct {
	b      *graph.Builder
	spec   *config.ModelSpec
	w      *Weights
	layers []*DecoderLayer
	log    *logger.Logger
}

func NewDecoderStack(b *graph.Builder, spec *config.ModelSpec, w *Weights, group *ShardGroup) (*DecoderStack, error) {
	s := &DecoderStack{b: b, spec: spec, w: w, log: logger.Log.With("model")}
	for i := range w.Layers {
		l, err := NewDecoderLayer(b, spec, i, &w.Layers[i], group)
		if err != nil {
			return nil, err
		}
		s.layers = append(s.layers, l)
	}
	return s, nil
}

func (s *DecoderStack) NumLayers() int { return len(s.layers) }

// Forward runs embedding, every decoder layer and the final norm. Cache rows
// produced by the layers are committed only when all of them succeed; on any
// error the cache is left exactly as it was.
func (s *DecoderStack) Forward(ctx context.Context, in *StackInput, cache *kvcache.Manager) (*StackOutput, error) {
	const op = "model.DecoderStack.Forward"
	if cache == nil {
		return nil, errs.InvalidStatef(op, "", "no kv cache manager")
	}
	batch, ids, scatter, err := s.pack(in)
	if err != nil {
		return nil, err
	}

	hidden, err := s.b.Embedding("embedding", s.w.Embedding, ids)
	if err != nil {
		return nil, err
	}
	if s.spec.Variant.PositionEmbeddingTable {
		if hidden, err = s.addPositionEmbeddings(hidden, batch); err != nil {
			return nil, err
		}
	}

	txn := cache.Begin()
	hidden, err = s.layersForward(ctx, hidden, batch, txn)
	if err != nil {
		txn.Discard()
		return nil, err
	}
	out := &StackOutput{CommitErrors: txn.Commit()}
	for id, cerr := range out.CommitErrors {
		s.log.Warn("cache commit failed", "request_id", id, "err", cerr)
	}

	if scatter != nil {
		if hidden, err = s.unpack(hidden, scatter, in); err != nil {
			return nil, err
		}
	}
	out.Hidden = hidden
	return out, nil
}

func (s *DecoderStack) layersForward(ctx context.Context, hidden *tensor.Buffer, batch *Batch, txn *kvcache.Txn) (*tensor.Buffer, error) {
	var err error
	for _, l := range s.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if hidden, err = l.Forward(ctx, hidden, batch, txn); err != nil {
			return nil, err
		}
	}
	if s.spec.Variant.Norm == config.RMSNorm {
		return s.b.RMSNorm("ln_f", hidden, s.w.FinalNorm.Weight, s.spec.NormEpsilon)
	}
	return s.b.LayerNorm("ln_f", hidden, s.w.FinalNorm.Weight, s.w.FinalNorm.Bias, s.spec.NormEpsilon)
}

func (s *DecoderStack) addPositionEmbeddings(hidden *tensor.Buffer, batch *Batch) (*tensor.Buffer, error) {
	if batch.BlockPositions == nil {
		return nil, errs.Shapef("model.DecoderStack.Forward", "position embeddings need two position id columns")
	}
	pos, err := s.b.Embedding("position_embedding", s.w.PositionEmbedding, batch.Positions)
	if err != nil {
		return nil, err
	}
	block, err := s.b.Embedding("block_embedding", s.w.BlockEmbedding, batch.BlockPositions)
	if err != nil {
		return nil, err
	}
	pe, err := s.b.Add("position_embedding.sum", pos, block)
	if err != nil {
		return nil, err
	}
	return s.b.Add("embedding.add_position", hidden, pe)
}

// pack validates in and flattens it to packed rows. For padded input it also
// returns, for every padded slot, the packed row it came from (-1 for
// padding).
func (s *DecoderStack) pack(in *StackInput) (*Batch, []int32, []int, error) {
	const op = "model.DecoderStack.Forward"
	if in == nil || in.InputIDs == nil || in.PositionIDs == nil {
		return nil, nil, nil, errs.Shapef(op, "input ids and position ids are required")
	}
	if in.InputIDs.DType() != tensor.Int32 || in.PositionIDs.DType() != tensor.Int32 {
		return nil, nil, nil, errs.Shapef(op, "ids must be int32")
	}
	idsRank := 2
	if in.RemovePadding {
		idsRank = 1
	}
	if in.InputIDs.Rank() != idsRank {
		return nil, nil, nil, errs.Shapef(op, "input ids rank %d, want %d", in.InputIDs.Rank(), idsRank)
	}
	cols := 1
	switch in.PositionIDs.Rank() {
	case idsRank:
	case idsRank + 1:
		cols = in.PositionIDs.Dim(-1)
	default:
		return nil, nil, nil, errs.Shapef(op, "position ids rank %d for input ids rank %d", in.PositionIDs.Rank(), idsRank)
	}
	if cols != s.spec.PositionColumns() {
		return nil, nil, nil, errs.Shapef(op, "%s needs %d position id columns, got %d", s.spec.ModelID, s.spec.PositionColumns(), cols)
	}
	if in.PositionIDs.NumElements() != in.InputIDs.NumElements()*cols {
		return nil, nil, nil, errs.Shapef(op, "position ids %v do not match input ids %v", in.PositionIDs.Shape(), in.InputIDs.Shape())
	}
	nreq := len(in.CacheIDs)
	if nreq == 0 || len(in.Lengths) != nreq {
		return nil, nil, nil, errs.Shapef(op, "%d cache ids for %d lengths", nreq, len(in.Lengths))
	}
	if in.ContextLengths != nil && len(in.ContextLengths) != nreq {
		return nil, nil, nil, errs.Shapef(op, "%d context lengths for %d requests", len(in.ContextLengths), nreq)
	}

	var seqLen int
	if in.RemovePadding {
		total := 0
		for _, n := range in.Lengths {
			total += n
		}
		if total != in.InputIDs.Dim(0) {
			return nil, nil, nil, errs.Shapef(op, "lengths sum to %d, input has %d tokens", total, in.InputIDs.Dim(0))
		}
	} else {
		if in.InputIDs.Dim(0) != nreq {
			return nil, nil, nil, errs.Shapef(op, "input batch %d for %d requests", in.InputIDs.Dim(0), nreq)
		}
		seqLen = in.InputIDs.Dim(1)
	}

	srcIDs := in.InputIDs.Int32()
	srcPos := in.PositionIDs.Int32()
	batch := &Batch{}
	var ids []int32
	var scatter []int
	if !in.RemovePadding {
		scatter = make([]int, nreq*seqLen)
		for i := range scatter {
			scatter[i] = -1
		}
	}
	cursor := 0
	for i, id := range in.CacheIDs {
		n := in.Lengths[i]
		if n <= 0 || (!in.RemovePadding && n > seqLen) {
			return nil, nil, nil, errs.Shapef(op, "request %s: invalid length %d", id, n)
		}
		span := Span{CacheID: id, Start: batch.Rows, Len: n}
		if in.ContextLengths != nil {
			span.ContextLen = in.ContextLengths[i]
		}
		base := cursor
		if !in.RemovePadding {
			base = i * seqLen
		}
		for t := 0; t < n; t++ {
			src := base + t
			ids = append(ids, srcIDs[src])
			batch.Positions = append(batch.Positions, srcPos[src*cols])
			if cols == 2 {
				batch.BlockPositions = append(batch.BlockPositions, srcPos[src*cols+1])
			}
			if scatter != nil {
				scatter[src] = batch.Rows + t
			}
		}
		cursor += n
		batch.Rows += n
		batch.Spans = append(batch.Spans, span)
	}
	return batch, ids, scatter, nil
}

// unpack restores the padded [batch, seq, hidden] layout; padding rows are
// zero.
func (s *DecoderStack) unpack(hidden *tensor.Buffer, scatter []int, in *StackInput) (*tensor.Buffer, error) {
	rows := hidden.Dim(0)
	withZero, err := s.b.ConcatRows("output.pad", []*tensor.Buffer{hidden, tensor.Zeros(1, s.spec.HiddenSize)})
	if err != nil {
		return nil, err
	}
	idx := make([]int, len(scatter))
	for i, r := range scatter {
		if r < 0 {
			r = rows
		}
		idx[i] = r
	}
	out, err := s.b.GatherRows("output.scatter", withZero, idx)
	if err != nil {
		return nil, err
	}
	return out.Reshape(in.InputIDs.Dim(0), in.InputIDs.Dim(1), s.spec.HiddenSize)
}
