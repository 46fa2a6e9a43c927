package graph

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/23skdu/longbow-glm/internal/metrics"
	"github.com/23skdu/longbow-glm/internal/tensor"
)

// Builder is passed to every component. Each call declares a named op,
// records it while a trace is active and dispatches it to the backend.
type Builder struct {
	backend Backend

	mu      sync.Mutex
	tracing bool
	model   string
	nodes   map[string]Node
}

func NewBuilder(backend Backend) *Builder {
	return &Builder{backend: backend, nodes: make(map[string]Node)}
}

func (b *Builder) Backend() Backend { return b.backend }

// StartTrace begins recording declared ops for model.
func (b *Builder) StartTrace(model string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracing = true
	b.model = model
	b.nodes = make(map[string]Node)
}

// Compile ends the trace and returns the recorded plan.
func (b *Builder) Compile() *Plan {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracing = false
	nodes := make([]Node, 0, len(b.nodes))
	for _, n := range b.nodes {
		nodes = append(nodes, n)
	}
	return newPlan(b.model, nodes)
}

func (b *Builder) record(name, op string, attrs map[string]string, params ...*tensor.Buffer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tracing {
		return
	}
	if _, ok := b.nodes[name]; ok {
		return
	}
	n := Node{Name: name, Op: op, Attrs: attrs}
	for _, p := range params {
		if p != nil {
			n.Params = append(n.Params, p.Shape())
		}
	}
	b.nodes[name] = n
}

func (b *Builder) run(name, op string, fn func() (*tensor.Buffer, error)) (*tensor.Buffer, error) {
	start := time.Now()
	out, err := fn()
	metrics.RecordOp(op, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%s (%s): %w", name, op, err)
	}
	return out, nil
}

func (b *Builder) Embedding(name string, table *tensor.Buffer, ids []int32) (*tensor.Buffer, error) {
	b.record(name, "embedding", nil, table)
	return b.run(name, "embedding", func() (*tensor.Buffer, error) { return b.backend.Embedding(table, ids) })
}

func (b *Builder) LayerNorm(name string, x, weight, bias *tensor.Buffer, eps float32) (*tensor.Buffer, error) {
	b.record(name, "layernorm", nil, weight, bias)
	return b.run(name, "layernorm", func() (*tensor.Buffer, error) { return b.backend.LayerNorm(x, weight, bias, eps) })
}

func (b *Builder) RMSNorm(name string, x, weight *tensor.Buffer, eps float32) (*tensor.Buffer, error) {
	b.record(name, "rmsnorm", nil, weight)
	return b.run(name, "rmsnorm", func() (*tensor.Buffer, error) { return b.backend.RMSNorm(x, weight, eps) })
}

func (b *Builder) Linear(name string, x, w, bias *tensor.Buffer) (*tensor.Buffer, error) {
	b.record(name, "linear", nil, w, bias)
	return b.run(name, "linear", func() (*tensor.Buffer, error) { return b.backend.Linear(x, w, bias) })
}

func (b *Builder) Add(name string, x, y *tensor.Buffer) (*tensor.Buffer, error) {
	b.record(name, "add", nil)
	return b.run(name, "add", func() (*tensor.Buffer, error) { return b.backend.Add(x, y) })
}

func (b *Builder) Scale(name string, x *tensor.Buffer, s float32) (*tensor.Buffer, error) {
	b.record(name, "scale", map[string]string{"s": strconv.FormatFloat(float64(s), 'g', -1, 32)})
	return b.run(name, "scale", func() (*tensor.Buffer, error) { return b.backend.Scale(x, s) })
}

func (b *Builder) GELU(name string, x *tensor.Buffer) (*tensor.Buffer, error) {
	b.record(name, "gelu", nil)
	return b.run(name, "gelu", func() (*tensor.Buffer, error) { return b.backend.GELU(x) })
}

func (b *Builder) SwiGLU(name string, x *tensor.Buffer) (*tensor.Buffer, error) {
	b.record(name, "swiglu", nil)
	return b.run(name, "swiglu", func() (*tensor.Buffer, error) { return b.backend.SwiGLU(x) })
}

func (b *Builder) Rotary(name string, x *tensor.Buffer, positions []int32, p RotaryParams) (*tensor.Buffer, error) {
	b.record(name, "rotary", map[string]string{
		"offset":      strconv.Itoa(p.Offset),
		"dim":         strconv.Itoa(p.Dim),
		"base":        strconv.FormatFloat(p.Base, 'g', -1, 64),
		"scale":       strconv.FormatFloat(p.Scale, 'g', -1, 64),
		"interleaved": strconv.FormatBool(p.Interleaved),
	})
	return b.run(name, "rotary", func() (*tensor.Buffer, error) { return b.backend.Rotary(x, positions, p) })
}

// Attention records the mask kind label rather than the concrete mask.
func (b *Builder) Attention(name string, q, k, v *tensor.Buffer, p AttentionParams, maskKind string) (*tensor.Buffer, error) {
	b.record(name, "attention", map[string]string{
		"mask":  maskKind,
		"scale": strconv.FormatFloat(float64(p.Scale), 'g', -1, 32),
	})
	return b.run(name, "attention", func() (*tensor.Buffer, error) { return b.backend.Attention(q, k, v, p) })
}

func (b *Builder) AllReduceSum(name string, parts []*tensor.Buffer) (*tensor.Buffer, error) {
	b.record(name, "all_reduce", map[string]string{"ranks": strconv.Itoa(len(parts))})
	start := time.Now()
	out, err := b.run(name, "all_reduce", func() (*tensor.Buffer, error) { return b.backend.AllReduceSum(parts) })
	metrics.RecordAllReduce(strconv.Itoa(len(parts)), time.Since(start))
	return out, err
}

func (b *Builder) GatherRows(name string, x *tensor.Buffer, rows []int) (*tensor.Buffer, error) {
	b.record(name, "gather_rows", nil)
	return b.run(name, "gather_rows", func() (*tensor.Buffer, error) { return b.backend.GatherRows(x, rows) })
}

func (b *Builder) ConcatRows(name string, parts []*tensor.Buffer) (*tensor.Buffer, error) {
	b.record(name, "concat_rows", nil)
	return b.run(name, "concat_rows", func() (*tensor.Buffer, error) { return b.backend.ConcatRows(parts) })
}

func (b *Builder) ConcatColumns(name string, parts []*tensor.Buffer) (*tensor.Buffer, error) {
	b.record(name, "concat", map[string]string{"parts": strconv.Itoa(len(parts))})
	return b.run(name, "concat", func() (*tensor.Buffer, error) { return b.backend.ConcatColumns(parts) })
}

func (b *Builder) SliceColumns(name string, x *tensor.Buffer, start, end int) (*tensor.Buffer, error) {
	b.record(name, "slice", map[string]string{"start": strconv.Itoa(start), "end": strconv.Itoa(end)})
	return b.run(name, "slice", func() (*tensor.Buffer, error) { return b.backend.SliceColumns(x, start, end) })
}

func (b *Builder) FillColumns(name string, x *tensor.Buffer, start int, value float32) (*tensor.Buffer, error) {
	b.record(name, "fill", map[string]string{"start": strconv.Itoa(start)})
	return b.run(name, "fill", func() (*tensor.Buffer, error) { return b.backend.FillColumns(x, start, value) })
}
