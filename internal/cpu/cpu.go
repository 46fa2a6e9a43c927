// Package cpu is the reference host backend. Every op allocates a fresh
// float32 output; inputs are never modified.
package cpu

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-glm/internal/errs"
	"github.com/23skdu/longbow-glm/internal/graph"
	"github.com/23skdu/longbow-glm/internal/metrics"
	"github.com/23skdu/longbow-glm/internal/tensor"
)

var allocatedBytes int64

func traceAlloc(delta int64) {
	newVal := atomic.AddInt64(&allocatedBytes, delta)
	metrics.RecordHostMemory(newVal)
}

// AllocatedBytes is the total bytes of op outputs produced so far.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

type Backend struct {
	parallelism int
}

var _ graph.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{parallelism: runtime.NumCPU()}
}

func (c *Backend) Name() string { return "cpu" }

func (c *Backend) alloc(shape ...int) *tensor.Buffer {
	out := tensor.Zeros(shape...)
	traceAlloc(out.Bytes())
	return out
}

// parallelRows splits [0,rows) into contiguous chunks, one goroutine each.
func (c *Backend) parallelRows(rows int, fn func(rowStart, rowEnd int)) {
	if rows == 0 {
		return
	}
	parallelism := c.parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	chunkSize := (rows + parallelism - 1) / parallelism
	var wg sync.WaitGroup
	for i := 0; i < rows; i += chunkSize {
		end := i + chunkSize
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(rowStart, rowEnd int) {
			defer wg.Done()
			fn(rowStart, rowEnd)
		}(i, end)
	}
	wg.Wait()
}

func matrix(op string, x *tensor.Buffer) (rows, cols int, err error) {
	if x == nil || x.Rank() != 2 {
		return 0, 0, errs.Shapef(op, "expected rank-2 tensor, got %v", x)
	}
	return x.Dim(0), x.Dim(1), nil
}

func vector(op string, w *tensor.Buffer, n int) ([]float32, error) {
	if w == nil {
		return nil, nil
	}
	if w.NumElements() != n {
		return nil, errs.Shapef(op, "expected %d elements, got %v", n, w.Shape())
	}
	return w.Float32(), nil
}

func (c *Backend) Embedding(table *tensor.Buffer, ids []int32) (*tensor.Buffer, error) {
	vocab, dim, err := matrix("cpu.Embedding", table)
	if err != nil {
		return nil, err
	}
	w := table.Float32()
	out := c.alloc(len(ids), dim)
	o := out.Float32()
	for i, id := range ids {
		if id < 0 || int(id) >= vocab {
			return nil, errs.Shapef("cpu.Embedding", "token id %d out of range [0,%d)", id, vocab)
		}
		copy(o[i*dim:(i+1)*dim], w[int(id)*dim:(int(id)+1)*dim])
	}
	return out, nil
}

func (c *Backend) LayerNorm(x, weight, bias *tensor.Buffer, eps float32) (*tensor.Buffer, error) {
	numRows, size, err := matrix("cpu.LayerNorm", x)
	if err != nil {
		return nil, err
	}
	w, err := vector("cpu.LayerNorm", weight, size)
	if err != nil {
		return nil, err
	}
	b, err := vector("cpu.LayerNorm", bias, size)
	if err != nil {
		return nil, err
	}
	in := x.Float32()
	out := c.alloc(numRows, size)
	o := out.Float32()
	c.parallelRows(numRows, func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			r := in[row*size : (row+1)*size]
			var mean float64
			for _, v := range r {
				mean += float64(v)
			}
			mean /= float64(size)
			var variance float64
			for _, v := range r {
				d := float64(v) - mean
				variance += d * d
			}
			inv := 1 / math.Sqrt(variance/float64(size)+float64(eps))
			for j, v := range r {
				y := float32((float64(v) - mean) * inv)
				if w != nil {
					y *= w[j]
				}
				if b != nil {
					y += b[j]
				}
				o[row*size+j] = y
			}
		}
	})
	return out, nil
}

func (c *Backend) RMSNorm(x, weight *tensor.Buffer, eps float32) (*tensor.Buffer, error) {
	numRows, size, err := matrix("cpu.RMSNorm", x)
	if err != nil {
		return nil, err
	}
	w, err := vector("cpu.RMSNorm", weight, size)
	if err != nil {
		return nil, err
	}
	in := x.Float32()
	out := c.alloc(numRows, size)
	o := out.Float32()
	c.parallelRows(numRows, func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			rowOffset := row * size
			var sum float32
			for j := 0; j < size; j++ {
				v := in[rowOffset+j]
				sum += v * v
			}
			sum = float32(1.0) / float32(math.Sqrt(float64(sum/float32(size))+float64(eps)))
			for j := 0; j < size; j++ {
				y := in[rowOffset+j] * sum
				if w != nil {
					y *= w[j]
				}
				o[rowOffset+j] = y
			}
		}
	})
	return out, nil
}

// Linear runs a single sgemm; gonum parallelises large products itself.
func (c *Backend) Linear(x, w, bias *tensor.Buffer) (*tensor.Buffer, error) {
	n, in, err := matrix("cpu.Linear", x)
	if err != nil {
		return nil, err
	}
	wIn, outCols, err := matrix("cpu.Linear", w)
	if err != nil {
		return nil, err
	}
	if wIn != in {
		return nil, errs.Shapef("cpu.Linear", "input has %d columns, weight expects %d", in, wIn)
	}
	b, err := vector("cpu.Linear", bias, outCols)
	if err != nil {
		return nil, err
	}
	out := c.alloc(n, outCols)
	if n == 0 {
		return out, nil
	}
	if b != nil {
		o := out.Float32()
		for row := 0; row < n; row++ {
			copy(o[row*outCols:(row+1)*outCols], b)
		}
	}
	beta := float32(0)
	if b != nil {
		beta = 1
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: n, Cols: in, Stride: in, Data: x.Float32()},
		blas32.General{Rows: in, Cols: outCols, Stride: outCols, Data: w.Float32()},
		beta,
		blas32.General{Rows: n, Cols: outCols, Stride: outCols, Data: out.Float32()})
	return out, nil
}

func (c *Backend) Add(a, b *tensor.Buffer) (*tensor.Buffer, error) {
	if !tensor.SameShape(a, b) {
		return nil, errs.Shapef("cpu.Add", "shape mismatch %v vs %v", a.Shape(), b.Shape())
	}
	out := c.alloc(a.Shape()...)
	o, x, y := out.Float32(), a.Float32(), b.Float32()
	for i := range o {
		o[i] = x[i] + y[i]
	}
	return out, nil
}

func (c *Backend) Scale(x *tensor.Buffer, s float32) (*tensor.Buffer, error) {
	out := c.alloc(x.Shape()...)
	o, in := out.Float32(), x.Float32()
	for i := range o {
		o[i] = in[i] * s
	}
	return out, nil
}

func (c *Backend) GELU(x *tensor.Buffer) (*tensor.Buffer, error) {
	out := c.alloc(x.Shape()...)
	o, in := out.Float32(), x.Float32()
	for i, v := range in {
		sqrtArg := v * float32(0.7978845608) * (float32(1.0) + float32(0.044715)*v*v)
		o[i] = float32(0.5) * v * (float32(1.0) + float32(math.Tanh(float64(sqrtArg))))
	}
	return out, nil
}

func (c *Backend) SwiGLU(x *tensor.Buffer) (*tensor.Buffer, error) {
	n, cols, err := matrix("cpu.SwiGLU", x)
	if err != nil {
		return nil, err
	}
	if cols%2 != 0 {
		return nil, errs.Shapef("cpu.SwiGLU", "odd width %d", cols)
	}
	f := cols / 2
	in := x.Float32()
	out := c.alloc(n, f)
	o := out.Float32()
	for row := 0; row < n; row++ {
		g := in[row*cols : row*cols+f]
		u := in[row*cols+f : (row+1)*cols]
		for j := 0; j < f; j++ {
			sigmoid := float32(1.0) / (float32(1.0) + float32(math.Exp(float64(-g[j]))))
			o[row*f+j] = u[j] * g[j] * sigmoid
		}
	}
	return out, nil
}

func (c *Backend) Rotary(x *tensor.Buffer, positions []int32, p graph.RotaryParams) (*tensor.Buffer, error) {
	if x.Rank() != 3 {
		return nil, errs.Shapef("cpu.Rotary", "expected [n,heads,d], got %v", x.Shape())
	}
	n, heads, d := x.Dim(0), x.Dim(1), x.Dim(2)
	if len(positions) != n {
		return nil, errs.Shapef("cpu.Rotary", "%d positions for %d rows", len(positions), n)
	}
	if p.Dim%2 != 0 || p.Offset < 0 || p.Offset+p.Dim > d {
		return nil, errs.Shapef("cpu.Rotary", "rotary slice [%d,%d) invalid for head dim %d", p.Offset, p.Offset+p.Dim, d)
	}
	scale := p.Scale
	if scale == 0 {
		scale = 1
	}
	out := c.alloc(n, heads, d)
	o := out.Float32()
	copy(o, x.Float32())
	half := p.Dim / 2
	invFreq := make([]float64, half)
	for j := range invFreq {
		invFreq[j] = math.Pow(p.Base, -float64(2*j)/float64(p.Dim))
	}
	c.parallelRows(n, func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			pos := float64(positions[row]) * scale
			for h := 0; h < heads; h++ {
				base := (row*heads+h)*d + p.Offset
				for j := 0; j < half; j++ {
					sin, cos := math.Sincos(pos * invFreq[j])
					i0, i1 := base+j, base+j+half
					if p.Interleaved {
						i0, i1 = base+2*j, base+2*j+1
					}
					x0, x1 := float64(o[i0]), float64(o[i1])
					o[i0] = float32(x0*cos - x1*sin)
					o[i1] = float32(x0*sin + x1*cos)
				}
			}
		}
	})
	return out, nil
}

func (c *Backend) Attention(q, k, v *tensor.Buffer, p graph.AttentionParams) (*tensor.Buffer, error) {
	if q.Rank() != 3 || k.Rank() != 3 || !tensor.SameShape(k, v) {
		return nil, errs.Shapef("cpu.Attention", "bad shapes q=%v k=%v v=%v", q.Shape(), k.Shape(), v.Shape())
	}
	n, qh, d := q.Dim(0), q.Dim(1), q.Dim(2)
	m, kvh := k.Dim(0), k.Dim(1)
	if k.Dim(2) != d || kvh == 0 || qh%kvh != 0 {
		return nil, errs.Shapef("cpu.Attention", "q heads %d / kv heads %d / dims %d vs %d", qh, kvh, d, k.Dim(2))
	}
	if p.Mask != nil && (p.Mask.QueryLen != n || p.Mask.KeyLen != m) {
		return nil, errs.Shapef("cpu.Attention", "mask %dx%d for %dx%d scores", p.Mask.QueryLen, p.Mask.KeyLen, n, m)
	}
	group := qh / kvh
	qd, kd, vd := q.Float32(), k.Float32(), v.Float32()
	out := c.alloc(n, qh, d)
	o := out.Float32()
	c.parallelRows(n, func(rowStart, rowEnd int) {
		scores := make([]float32, m)
		for i := rowStart; i < rowEnd; i++ {
			for h := 0; h < qh; h++ {
				kvHead := h / group
				qv := qd[(i*qh+h)*d : (i*qh+h+1)*d]
				maxScore := float32(math.Inf(-1))
				for j := 0; j < m; j++ {
					if !p.Mask.Allows(i, j) {
						scores[j] = float32(math.Inf(-1))
						continue
					}
					kv := kd[(j*kvh+kvHead)*d : (j*kvh+kvHead+1)*d]
					var s float32
					for t := range qv {
						s += qv[t] * kv[t]
					}
					s *= p.Scale
					scores[j] = s
					if s > maxScore {
						maxScore = s
					}
				}
				dst := o[(i*qh+h)*d : (i*qh+h+1)*d]
				if math.IsInf(float64(maxScore), -1) {
					continue
				}
				Softmax(scores)
				for j := 0; j < m; j++ {
					w := scores[j]
					if w == 0 {
						continue
					}
					vv := vd[(j*kvh+kvHead)*d : (j*kvh+kvHead+1)*d]
					for t := range dst {
						dst[t] += w * vv[t]
					}
				}
			}
		}
	})
	return out, nil
}

func (c *Backend) AllReduceSum(parts []*tensor.Buffer) (*tensor.Buffer, error) {
	if len(parts) == 0 {
		return nil, errs.Shapef("cpu.AllReduceSum", "no parts")
	}
	out := c.alloc(parts[0].Shape()...)
	o := out.Float32()
	for _, p := range parts {
		if !tensor.SameShape(p, parts[0]) {
			return nil, errs.Shapef("cpu.AllReduceSum", "shape mismatch %v vs %v", p.Shape(), parts[0].Shape())
		}
		for i, v := range p.Float32() {
			o[i] += v
		}
	}
	return out, nil
}

func (c *Backend) GatherRows(x *tensor.Buffer, rows []int) (*tensor.Buffer, error) {
	n, cols, err := matrix("cpu.GatherRows", x)
	if err != nil {
		return nil, err
	}
	in := x.Float32()
	out := c.alloc(len(rows), cols)
	o := out.Float32()
	for i, r := range rows {
		if r < 0 || r >= n {
			return nil, errs.Shapef("cpu.GatherRows", "row %d out of range [0,%d)", r, n)
		}
		copy(o[i*cols:(i+1)*cols], in[r*cols:(r+1)*cols])
	}
	return out, nil
}

func (c *Backend) ConcatRows(parts []*tensor.Buffer) (*tensor.Buffer, error) {
	if len(parts) == 0 {
		return nil, errs.Shapef("cpu.ConcatRows", "no parts")
	}
	_, cols, err := matrix("cpu.ConcatRows", parts[0])
	if err != nil {
		return nil, err
	}
	total := 0
	for _, p := range parts {
		r, c2, err := matrix("cpu.ConcatRows", p)
		if err != nil {
			return nil, err
		}
		if c2 != cols {
			return nil, errs.Shapef("cpu.ConcatRows", "column mismatch %d vs %d", c2, cols)
		}
		total += r
	}
	out := c.alloc(total, cols)
	o := out.Float32()
	off := 0
	for _, p := range parts {
		off += copy(o[off:], p.Float32())
	}
	return out, nil
}

func (c *Backend) ConcatColumns(parts []*tensor.Buffer) (*tensor.Buffer, error) {
	if len(parts) == 0 {
		return nil, errs.Shapef("cpu.ConcatColumns", "no parts")
	}
	rows, _, err := matrix("cpu.ConcatColumns", parts[0])
	if err != nil {
		return nil, err
	}
	total := 0
	for _, p := range parts {
		r, cols, err := matrix("cpu.ConcatColumns", p)
		if err != nil {
			return nil, err
		}
		if r != rows {
			return nil, errs.Shapef("cpu.ConcatColumns", "row mismatch %d vs %d", r, rows)
		}
		total += cols
	}
	out := c.alloc(rows, total)
	o := out.Float32()
	offset := 0
	for _, p := range parts {
		cols := p.Dim(1)
		src := p.Float32()
		for row := 0; row < rows; row++ {
			copy(o[row*total+offset:row*total+offset+cols], src[row*cols:(row+1)*cols])
		}
		offset += cols
	}
	return out, nil
}

func (c *Backend) SliceColumns(x *tensor.Buffer, start, end int) (*tensor.Buffer, error) {
	rows, cols, err := matrix("cpu.SliceColumns", x)
	if err != nil {
		return nil, err
	}
	if start < 0 || end > cols || start > end {
		return nil, errs.Shapef("cpu.SliceColumns", "slice [%d,%d) of %d columns", start, end, cols)
	}
	width := end - start
	in := x.Float32()
	out := c.alloc(rows, width)
	o := out.Float32()
	for row := 0; row < rows; row++ {
		copy(o[row*width:(row+1)*width], in[row*cols+start:row*cols+end])
	}
	return out, nil
}

func (c *Backend) FillColumns(x *tensor.Buffer, start int, value float32) (*tensor.Buffer, error) {
	rows, cols, err := matrix("cpu.FillColumns", x)
	if err != nil {
		return nil, err
	}
	if start < 0 || start > cols {
		return nil, errs.Shapef("cpu.FillColumns", "start %d of %d columns", start, cols)
	}
	out := c.alloc(rows, cols)
	o := out.Float32()
	copy(o, x.Float32())
	for row := 0; row < rows; row++ {
		for j := start; j < cols; j++ {
			o[row*cols+j] = value
		}
	}
	return out, nil
}

// Softmax normalises x in place. -Inf entries become 0.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	sum := float32(0.0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		invSum := float32(1.0) / sum
		for i := range x {
			x[i] *= invSum
		}
	}
}
