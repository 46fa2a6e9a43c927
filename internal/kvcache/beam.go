package kvcache

import (
	"github.com/23skdu/longbow-glm/internal/errs"
)

// Fork allocates dst as a copy of src. Paged blocks are shared and copied
// on the next write.
func (m *Manager) Fork(src, dst string) error {
	const op = "kvcache.Fork"
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.allocatedLocked(op, src)
	if err != nil {
		return err
	}
	if existing, ok := m.requests[dst]; ok {
		return errs.InvalidStatef(op, dst, "cache already %s", existing.state)
	}
	m.requests[dst] = m.cloneLocked(r, dst)
	m.recordStatsLocked()
	return nil
}

func (m *Manager) cloneLocked(r *request, id string) *request {
	out := &request{id: id, layout: r.layout, capacity: r.capacity, state: Allocated}
	if r.layout == Bounded {
		out.rings = make([]*ring, len(r.rings))
		for l, rg := range r.rings {
			out.rings[l] = rg.clone()
		}
		return out
	}
	out.paged = &seq{
		table:   append([]int32(nil), r.paged.table...),
		lengths: append([]int(nil), r.paged.lengths...),
	}
	m.refTableLocked(out.paged.table)
	return out
}

// Reorder makes ids[i] a copy of what ids[parents[i]] held before the
// call. Used after beam pruning so each surviving beam follows its parent.
func (m *Manager) Reorder(ids []string, parents []int) error {
	const op = "kvcache.Reorder"
	if len(ids) != len(parents) {
		return errs.Shapef(op, "%d ids for %d parents", len(ids), len(parents))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	old := make([]*request, len(ids))
	for i, id := range ids {
		r, err := m.allocatedLocked(op, id)
		if err != nil {
			return err
		}
		old[i] = r
	}
	for i, p := range parents {
		if p < 0 || p >= len(ids) {
			return errs.Shapef(op, "parent %d out of range [0,%d)", p, len(ids))
		}
		if old[p].layout != old[i].layout {
			return errs.InvalidStatef(op, ids[i], "layout mismatch with parent %s", ids[p])
		}
	}
	// take new references before dropping old ones so shared blocks survive
	next := make([]*request, len(ids))
	for i, p := range parents {
		if p == i {
			next[i] = old[i]
			continue
		}
		next[i] = m.cloneLocked(old[p], ids[i])
	}
	for i, p := range parents {
		if p != i {
			m.dropStorageLocked(old[i])
		}
		m.requests[ids[i]] = next[i]
	}
	m.recordStatsLocked()
	return nil
}
