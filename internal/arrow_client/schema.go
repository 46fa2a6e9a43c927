package arrow_client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-glm/internal/engine"
)

// ResultSchema has one row per hypothesis of a finished request.
var ResultSchema = arrow.NewSchema([]arrow.Field{
	{Name: "request_id", Type: arrow.BinaryTypes.String},
	{Name: "beam", Type: arrow.PrimitiveTypes.Int32},
	{Name: "score", Type: arrow.PrimitiveTypes.Float64},
	{Name: "log_prob", Type: arrow.PrimitiveTypes.Float64},
	{Name: "finished", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "reason", Type: arrow.BinaryTypes.String},
	{Name: "cache_length", Type: arrow.PrimitiveTypes.Int32},
	{Name: "tokens", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
}, nil)

// ResultRow is one hypothesis as it travels over Flight.
type ResultRow struct {
	RequestID   string
	Beam        int32
	Score       float64
	LogProb     float64
	Finished    bool
	Reason      string
	CacheLength int32
	Tokens      []int32
}

// RowsFromResults flattens results into rows, best hypothesis first.
func RowsFromResults(results []*engine.Result) []ResultRow {
	var rows []ResultRow
	for _, r := range results {
		for i, h := range r.Hypotheses {
			rows = append(rows, ResultRow{
				RequestID:   r.RequestID,
				Beam:        int32(i),
				Score:       h.Score,
				LogProb:     h.LogProb,
				Finished:    h.Finished,
				Reason:      r.Reason.String(),
				CacheLength: int32(r.CacheLength),
				Tokens:      h.Tokens,
			})
		}
	}
	return rows
}

// NewResultRecord builds a record of rows. The caller releases it.
func NewResultRecord(mem memory.Allocator, rows []ResultRow) arrow.Record {
	b := array.NewRecordBuilder(mem, ResultSchema)
	defer b.Release()

	ids := b.Field(0).(*array.StringBuilder)
	beams := b.Field(1).(*array.Int32Builder)
	scores := b.Field(2).(*array.Float64Builder)
	logProbs := b.Field(3).(*array.Float64Builder)
	finished := b.Field(4).(*array.BooleanBuilder)
	reasons := b.Field(5).(*array.StringBuilder)
	lengths := b.Field(6).(*array.Int32Builder)
	tokens := b.Field(7).(*array.ListBuilder)
	tokenValues := tokens.ValueBuilder().(*array.Int32Builder)

	for _, r := range rows {
		ids.Append(r.RequestID)
		beams.Append(r.Beam)
		scores.Append(r.Score)
		logProbs.Append(r.LogProb)
		finished.Append(r.Finished)
		reasons.Append(r.Reason)
		lengths.Append(r.CacheLength)
		tokens.Append(true)
		tokenValues.AppendValues(r.Tokens, nil)
	}
	return b.NewRecord()
}

// RowsFromRecord decodes a record written with ResultSchema.
func RowsFromRecord(rec arrow.Record) ([]ResultRow, error) {
	if !rec.Schema().Equal(ResultSchema) {
		return nil, fmt.Errorf("unexpected result schema: %s", rec.Schema())
	}
	ids := rec.Column(0).(*array.String)
	beams := rec.Column(1).(*array.Int32)
	scores := rec.Column(2).(*array.Float64)
	logProbs := rec.Column(3).(*array.Float64)
	finished := rec.Column(4).(*array.Boolean)
	reasons := rec.Column(5).(*array.String)
	lengths := rec.Column(6).(*array.Int32)
	tokens := rec.Column(7).(*array.List)
	values := tokens.ListValues().(*array.Int32).Int32Values()

	rows := make([]ResultRow, rec.NumRows())
	for i := range rows {
		start, end := tokens.ValueOffsets(i)
		rows[i] = ResultRow{
			RequestID:   ids.Value(i),
			Beam:        beams.Value(i),
			Score:       scores.Value(i),
			LogProb:     logProbs.Value(i),
			Finished:    finished.Value(i),
			Reason:      reasons.Value(i),
			CacheLength: lengths.Value(i),
			Tokens:      append([]int32{}, values[start:end]...),
		}
	}
	return rows, nil
}
