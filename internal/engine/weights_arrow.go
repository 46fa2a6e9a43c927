package engine

import (
	"fmt"
	"os"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-glm/internal/errs"
	"github.com/23skdu/longbow-glm/internal/tensor"
)

// weightSchema is one record per tensor: its canonical name, its shape and
// its flattened float32 data.
var weightSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
}, nil)

func rankWeightsFile(rank int) string {
	return fmt.Sprintf("rank%d.weights.arrow", rank)
}

// writeRankWeights stores tensors as an Arrow IPC file, sorted by name.
func writeRankWeights(path string, tensors map[string]*tensor.Buffer) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	mem := memory.NewGoAllocator()
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(weightSchema), ipc.WithAllocator(mem))
	if err != nil {
		return 0, fmt.Errorf("open arrow writer: %w", err)
	}

	names := make([]string, 0, len(tensors))
	for n := range tensors {
		names = append(names, n)
	}
	sort.Strings(names)

	var written int64
	b := array.NewRecordBuilder(mem, weightSchema)
	defer b.Release()
	for _, name := range names {
		t := tensors[name]
		b.Field(0).(*array.StringBuilder).Append(name)

		shape := b.Field(1).(*array.ListBuilder)
		shape.Append(true)
		dims := shape.ValueBuilder().(*array.Int64Builder)
		for _, d := range t.Shape() {
			dims.Append(int64(d))
		}

		data := b.Field(2).(*array.ListBuilder)
		data.Append(true)
		data.ValueBuilder().(*array.Float32Builder).AppendValues(t.Float32(), nil)

		rec := b.NewRecord()
		err := w.Write(rec)
		rec.Release()
		if err != nil {
			return 0, fmt.Errorf("write tensor %s: %w", name, err)
		}
		written += int64(t.NumElements() * 4)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close arrow writer: %w", err)
	}
	return written, f.Sync()
}

// readRankWeights loads the tensors of one rank file.
func readRankWeights(path string) (map[string]*tensor.Buffer, error) {
	const op = "engine.readRankWeights"
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Configf(op, "open %s: %v", path, err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, errs.Configf(op, "malformed weights file %s: %v", path, err)
	}
	defer r.Close()
	if !r.Schema().Equal(weightSchema) {
		return nil, errs.Configf(op, "unexpected schema in %s: %s", path, r.Schema())
	}

	out := make(map[string]*tensor.Buffer)
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, errs.Configf(op, "read record %d of %s: %v", i, path, err)
		}
		names := rec.Column(0).(*array.String)
		shapes := rec.Column(1).(*array.List)
		data := rec.Column(2).(*array.List)
		dims := shapes.ListValues().(*array.Int64).Int64Values()
		values := data.ListValues().(*array.Float32).Float32Values()
		for row := 0; row < int(rec.NumRows()); row++ {
			ds, de := shapes.ValueOffsets(row)
			vs, ve := data.ValueOffsets(row)
			shape := make([]int, 0, de-ds)
			for _, d := range dims[ds:de] {
				shape = append(shape, int(d))
			}
			t, err := tensor.FromFloat32(append([]float32(nil), values[vs:ve]...), shape...)
			if err != nil {
				return nil, errs.Shapef(op, "tensor %s: %v", names.Value(row), err)
			}
			out[names.Value(row)] = t
		}
	}
	return out, nil
}
