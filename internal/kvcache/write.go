package kvcache

import (
	"github.com/23skdu/longbow-glm/internal/errs"
	"github.com/23skdu/longbow-glm/internal/metrics"
	"github.com/23skdu/longbow-glm/internal/tensor"
)

// layerWrite is the pending rows of one layer of one request.
type layerWrite struct {
	layer  int
	keys   []*tensor.Buffer
	values []*tensor.Buffer
	rows   int
}

// reserveLocked checks that every write of r can be applied, so that a
// request is either committed in full or not at all.
func (m *Manager) reserveLocked(r *request, writes []layerWrite) error {
	const op = "kvcache.reserve"
	if r.layout == Bounded {
		return nil
	}
	bs := m.opts.BlockSize
	maxLen := 0
	shared := make(map[int]struct{})
	for _, w := range writes {
		cur := r.paged.lengths[w.layer]
		end := cur + w.rows
		if end > maxLen {
			maxLen = end
		}
		// existing blocks written into that another request still shares
		for b := cur / bs; b < len(r.paged.table) && b*bs < end; b++ {
			if m.refs[r.paged.table[b]] > 1 {
				shared[b] = struct{}{}
			}
		}
	}
	if r.capacity > 0 && maxLen > r.capacity {
		metrics.RecordKVCacheExhausted()
		return errs.Exhausted(op, r.id, "capacity %d exceeded (need %d rows)", r.capacity, maxLen)
	}
	need := (maxLen+bs-1)/bs - len(r.paged.table)
	if need < 0 {
		need = 0
	}
	need += len(shared)
	if need > len(m.freeBlocks) {
		metrics.RecordKVCacheExhausted()
		m.log.Warn("paged pool exhausted", "request_id", r.id, "need", need, "free", len(m.freeBlocks))
		return errs.Exhausted(op, r.id, "OOM: no free blocks (need %d, free %d)", need, len(m.freeBlocks))
	}
	return nil
}

// applyLocked writes rows that reserveLocked has accepted.
func (m *Manager) applyLocked(r *request, writes []layerWrite) {
	for _, w := range writes {
		evicted := 0
		for i := range w.keys {
			k, v := w.keys[i], w.values[i]
			for j := 0; j < k.Dim(0); j++ {
				if r.layout == Bounded {
					if m.writeRing(r.rings[w.layer], k.Row(j), v.Row(j)) {
						evicted++
					}
					continue
				}
				m.writePaged(r, w.layer, k.Row(j), v.Row(j))
			}
		}
		metrics.RecordKVCacheAppend(r.layout.String(), w.rows, evicted)
	}
}

// writeRing stores one row and reports whether it overwrote an older one.
func (m *Manager) writeRing(rg *ring, k, v []float32) bool {
	c := rg.keys.numRows()
	wrapped := rg.appended >= c
	rg.keys.set(rg.cursor, k)
	rg.values.set(rg.cursor, v)
	rg.cursor = (rg.cursor + 1) % c
	rg.appended++
	return wrapped
}

func (m *Manager) writePaged(r *request, layer int, k, v []float32) {
	bs := m.opts.BlockSize
	pos := r.paged.lengths[layer]
	logical := pos / bs
	if logical >= len(r.paged.table) {
		r.paged.table = append(r.paged.table, m.allocBlockLocked())
	} else if m.refs[r.paged.table[logical]] > 1 {
		r.paged.table[logical] = m.copyBlockLocked(r.paged.table[logical])
	}
	phys := int(r.paged.table[logical])*bs + pos%bs
	m.kPool[layer].set(phys, k)
	m.vPool[layer].set(phys, v)
	r.paged.lengths[layer]++
}

// allocBlockLocked pops a free block. Callers reserve first.
func (m *Manager) allocBlockLocked() int32 {
	block := m.freeBlocks[len(m.freeBlocks)-1]
	m.freeBlocks = m.freeBlocks[:len(m.freeBlocks)-1]
	m.refs[block] = 1
	return block
}

// copyBlockLocked gives the caller a private copy of a shared block across
// all layers.
func (m *Manager) copyBlockLocked(src int32) int32 {
	dst := m.allocBlockLocked()
	bs := m.opts.BlockSize
	for l := 0; l < m.opts.Layers; l++ {
		m.kPool[l].copyFrom(&m.kPool[l], int(dst)*bs, int(src)*bs, bs)
		m.vPool[l].copyFrom(&m.vPool[l], int(dst)*bs, int(src)*bs, bs)
	}
	m.refs[src]--
	return dst
}

func (m *Manager) refTableLocked(table []int32) {
	for _, b := range table {
		m.refs[b]++
	}
}

func (m *Manager) unrefTableLocked(table []int32) {
	for _, b := range table {
		m.refs[b]--
		if m.refs[b] == 0 {
			m.freeBlocks = append(m.freeBlocks, b)
		}
	}
}
