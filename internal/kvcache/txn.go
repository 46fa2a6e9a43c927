package kvcache

import (
	"sync"

	"github.com/23skdu/longbow-glm/internal/errs"
	"github.com/23skdu/longbow-glm/internal/metrics"
	"github.com/23skdu/longbow-glm/internal/tensor"
)

// CacheView is what attention sees for one layer of one request: the
// committed history followed by the rows staged in the current transaction.
type CacheView struct {
	Keys   *tensor.Buffer
	Values *tensor.Buffer
	// Start is the absolute token index of row 0.
	Start int
	// Past is the number of rows committed before this transaction.
	Past int
	// Window is the ring capacity of a bounded cache, 0 when unbounded.
	Window int
}

// Txn collects the rows produced by one forward pass. Nothing is visible to
// Read until Commit; Discard drops everything.
type Txn struct {
	m *Manager

	mu     sync.Mutex
	staged map[string]map[int]*layerWrite
	order  []string
	done   bool
}

// Begin starts a transaction.
func (m *Manager) Begin() *Txn {
	return &Txn{m: m, staged: make(map[string]map[int]*layerWrite)}
}

// Stage queues rows for one layer of request id. Safe for concurrent use.
func (t *Txn) Stage(id string, layer int, key, value *tensor.Buffer) error {
	const op = "kvcache.Txn.Stage"
	n, err := t.m.checkRows(op, key, value)
	if err != nil {
		return err
	}
	if err := t.m.checkLayer(op, id, layer); err != nil {
		return err
	}
	if t.m.State(id) != Allocated {
		return errs.InvalidStatef(op, id, "cache %s", t.m.State(id))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errs.InvalidStatef(op, id, "transaction already finished")
	}
	layers, ok := t.staged[id]
	if !ok {
		layers = make(map[int]*layerWrite)
		t.staged[id] = layers
		t.order = append(t.order, id)
	}
	w, ok := layers[layer]
	if !ok {
		w = &layerWrite{layer: layer}
		layers[layer] = w
	}
	w.keys = append(w.keys, key)
	w.values = append(w.values, value)
	w.rows += n
	return nil
}

// View returns committed history plus staged rows of one layer.
func (t *Txn) View(id string, layer int) (CacheView, error) {
	const op = "kvcache.Txn.View"
	if err := t.m.checkLayer(op, id, layer); err != nil {
		return CacheView{}, err
	}
	t.m.mu.Lock()
	r, err := t.m.allocatedLocked(op, id)
	if err != nil {
		t.m.mu.Unlock()
		return CacheView{}, err
	}
	keys, values := t.m.readLocked(r, layer)
	past := t.m.appendedLocked(r, layer)
	window := 0
	if r.layout == Bounded {
		window = r.capacity
	}
	t.m.mu.Unlock()

	view := CacheView{Past: past, Start: past - keys.Dim(0), Window: window}

	t.mu.Lock()
	var w *layerWrite
	if layers, ok := t.staged[id]; ok {
		w = layers[layer]
	}
	t.mu.Unlock()
	if w == nil {
		view.Keys, view.Values = keys, values
		return view, nil
	}
	view.Keys = concatRows(keys, w.keys, t.m.opts.KVDim)
	view.Values = concatRows(values, w.values, t.m.opts.KVDim)
	return view, nil
}

func concatRows(head *tensor.Buffer, tail []*tensor.Buffer, width int) *tensor.Buffer {
	n := head.Dim(0)
	for _, b := range tail {
		n += b.Dim(0)
	}
	out := tensor.Zeros(n, width)
	o := out.Float32()
	off := copy(o, head.Float32())
	for _, b := range tail {
		off += copy(o[off:], b.Float32())
	}
	return out
}

// Requests lists the request ids with staged rows, in staging order.
func (t *Txn) Requests() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.order...)
}

// Commit applies staged rows. Each request is committed atomically; a
// request that cannot be committed keeps its previous contents and is
// reported in the returned map. An empty map means every request
// committed.
func (t *Txn) Commit() map[string]error {
	t.mu.Lock()
	defer t.mu.Unlock()
	failed := make(map[string]error)
	if t.done {
		for _, id := range t.order {
			failed[id] = errs.InvalidStatef("kvcache.Txn.Commit", id, "transaction already finished")
		}
		return failed
	}
	t.done = true

	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range t.order {
		r, err := m.allocatedLocked("kvcache.Txn.Commit", id)
		if err != nil {
			failed[id] = err
			continue
		}
		writes := make([]layerWrite, 0, len(t.staged[id]))
		for l := 0; l < m.opts.Layers; l++ {
			if w, ok := t.staged[id][l]; ok {
				writes = append(writes, *w)
			}
		}
		if err := m.reserveLocked(r, writes); err != nil {
			failed[id] = err
			continue
		}
		m.applyLocked(r, writes)
	}
	m.recordStatsLocked()
	return failed
}

// Discard drops the staged rows. Discarding a committed transaction is a
// no-op.
func (t *Txn) Discard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	if len(t.order) > 0 {
		metrics.RecordTxnRollback()
	}
	t.staged = nil
	t.order = nil
}
