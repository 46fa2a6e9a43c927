// Package kvcache manages per-request key/value history for every decoder
// layer. Two layouts are supported: a bounded ring per request that
// overwrites its oldest rows, and a paged layout drawing fixed-size blocks
// from a pool shared by all requests.
//
// Layers never write the cache directly. A forward pass stages its rows in a
// Txn and commits once the whole stack has succeeded.
package kvcache

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-glm/internal/errs"
	"github.com/23skdu/longbow-glm/internal/logger"
	"github.com/23skdu/longbow-glm/internal/metrics"
	"github.com/23skdu/longbow-glm/internal/tensor"
)

type Layout int

const (
	Bounded Layout = iota
	Paged
)

func (l Layout) String() string {
	if l == Paged {
		return "paged"
	}
	return "bounded"
}

type State int

const (
	Unallocated State = iota
	Allocated
	Released
)

func (s State) String() string {
	switch s {
	case Allocated:
		return "allocated"
	case Released:
		return "released"
	}
	return "unallocated"
}

type Options struct {
	Layers int
	// KVDim is num_kv_heads * head_dim.
	KVDim int
	DType tensor.DType
	// BlockSize and PoolBlocks size the shared paged pool. PoolBlocks == 0
	// disables the paged layout.
	BlockSize  int
	PoolBlocks int
}

func (o *Options) Validate() error {
	const op = "kvcache.Options.Validate"
	if o.Layers <= 0 {
		return errs.Configf(op, "invalid layers: %d (must be positive)", o.Layers)
	}
	if o.KVDim <= 0 {
		return errs.Configf(op, "invalid kv dim: %d (must be positive)", o.KVDim)
	}
	if o.DType != tensor.Float32 && o.DType != tensor.Float16 {
		return errs.Configf(op, "unsupported cache dtype %s", o.DType)
	}
	if o.PoolBlocks < 0 {
		return errs.Configf(op, "invalid pool blocks: %d", o.PoolBlocks)
	}
	if o.PoolBlocks > 0 && o.BlockSize <= 0 {
		return errs.Configf(op, "invalid block size: %d (must be positive)", o.BlockSize)
	}
	return nil
}

// ring is the bounded storage of one layer.
type ring struct {
	keys, values rows
	cursor       int
	appended     int
}

func (r *ring) valid() int {
	return min(r.appended, r.keys.numRows())
}

func (r *ring) clone() *ring {
	return &ring{keys: r.keys.clone(), values: r.values.clone(), cursor: r.cursor, appended: r.appended}
}

// seq is the paged state of one request; the block table is shared by all
// of its layers.
type seq struct {
	table   []int32
	lengths []int
}

type request struct {
	id       string
	layout   Layout
	capacity int
	state    State

	rings []*ring
	paged *seq
}

type Manager struct {
	opts Options
	log  *logger.Logger

	mu       sync.Mutex
	requests map[string]*request

	kPool, vPool []rows
	refs         []int32
	freeBlocks   []int32
}

func NewManager(opts Options) (*Manager, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		opts:     opts,
		log:      logger.Log.With("kvcache"),
		requests: make(map[string]*request),
	}
	if opts.PoolBlocks > 0 {
		poolRows := opts.PoolBlocks * opts.BlockSize
		m.kPool = make([]rows, opts.Layers)
		m.vPool = make([]rows, opts.Layers)
		for l := 0; l < opts.Layers; l++ {
			m.kPool[l] = newRows(opts.DType, poolRows, opts.KVDim)
			m.vPool[l] = newRows(opts.DType, poolRows, opts.KVDim)
		}
		m.refs = make([]int32, opts.PoolBlocks)
		m.freeBlocks = make([]int32, opts.PoolBlocks)
		for i := 0; i < opts.PoolBlocks; i++ {
			m.freeBlocks[i] = int32(opts.PoolBlocks - 1 - i) // stack order
		}
	}
	m.mu.Lock()
	m.recordStatsLocked()
	m.mu.Unlock()
	return m, nil
}

func (m *Manager) Options() Options { return m.opts }

// Allocate creates the cache of request id. For the bounded layout capacity
// is the ring size; for the paged layout it is a hard row limit, 0 meaning
// limited only by the pool.
func (m *Manager) Allocate(id string, capacity int, layout Layout) error {
	const op = "kvcache.Allocate"
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.requests[id]; ok {
		return errs.InvalidStatef(op, id, "cache already %s", r.state)
	}
	r := &request{id: id, layout: layout, capacity: capacity, state: Allocated}
	switch layout {
	case Bounded:
		if capacity <= 0 {
			return errs.Configf(op, "bounded cache needs a positive capacity, got %d", capacity)
		}
		r.rings = make([]*ring, m.opts.Layers)
		for l := range r.rings {
			r.rings[l] = &ring{
				keys:   newRows(m.opts.DType, capacity, m.opts.KVDim),
				values: newRows(m.opts.DType, capacity, m.opts.KVDim),
			}
		}
	case Paged:
		if m.opts.PoolBlocks == 0 {
			return errs.Configf(op, "paged layout requested but no block pool configured")
		}
		if capacity < 0 {
			return errs.Configf(op, "invalid capacity %d", capacity)
		}
		r.paged = &seq{lengths: make([]int, m.opts.Layers)}
	default:
		return errs.Configf(op, "unknown layout %d", int(layout))
	}
	m.requests[id] = r
	metrics.RecordKVCacheAllocation(layout.String())
	m.recordStatsLocked()
	m.log.Debug("allocated cache", "request_id", id, "layout", layout.String(), "capacity", capacity)
	return nil
}

// Release frees the cache of id. Paged blocks go back to the pool once no
// other request shares them.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.allocatedLocked("kvcache.Release", id)
	if err != nil {
		return err
	}
	m.dropStorageLocked(r)
	r.state = Released
	m.recordStatsLocked()
	m.log.Debug("released cache", "request_id", id)
	return nil
}

// Forget drops a released cache so id can be allocated again. Forgetting an
// unknown id is a no-op; forgetting a live cache is an error.
func (m *Manager) Forget(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil
	}
	if r.state != Released {
		return errs.InvalidStatef("kvcache.Forget", id, "cache %s", r.state)
	}
	delete(m.requests, id)
	return nil
}

func (m *Manager) dropStorageLocked(r *request) {
	if r.paged != nil {
		m.unrefTableLocked(r.paged.table)
		r.paged.table = nil
		for l := range r.paged.lengths {
			r.paged.lengths[l] = 0
		}
	}
	r.rings = nil
}

// State reports the lifecycle state of id.
func (m *Manager) State(id string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.requests[id]; ok {
		return r.state
	}
	return Unallocated
}

func (m *Manager) allocatedLocked(op, id string) (*request, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, errs.InvalidStatef(op, id, "cache not allocated")
	}
	if r.state != Allocated {
		return nil, errs.InvalidStatef(op, id, "cache %s", r.state)
	}
	return r, nil
}

func (m *Manager) checkLayer(op, id string, layer int) error {
	if layer < 0 || layer >= m.opts.Layers {
		return errs.Shapef(op, "invalid layer index: %d (request %s)", layer, id)
	}
	return nil
}

func (m *Manager) checkRows(op string, k, v *tensor.Buffer) (int, error) {
	if k == nil || v == nil || k.Rank() != 2 || !tensor.SameShape(k, v) {
		return 0, errs.Shapef(op, "key/value must be matching [rows,%d] tensors", m.opts.KVDim)
	}
	if k.Dim(1) != m.opts.KVDim {
		return 0, errs.Shapef(op, "expected %d columns, got %d", m.opts.KVDim, k.Dim(1))
	}
	return k.Dim(0), nil
}

// Append writes rows to one layer immediately and returns the committed
// length of that layer.
func (m *Manager) Append(id string, layer int, key, value *tensor.Buffer) (int, error) {
	const op = "kvcache.Append"
	n, err := m.checkRows(op, key, value)
	if err != nil {
		return 0, err
	}
	if err := m.checkLayer(op, id, layer); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.allocatedLocked(op, id)
	if err != nil {
		return 0, err
	}
	writes := []layerWrite{{layer: layer, keys: []*tensor.Buffer{key}, values: []*tensor.Buffer{value}, rows: n}}
	if err := m.reserveLocked(r, writes); err != nil {
		return 0, err
	}
	m.applyLocked(r, writes)
	m.recordStatsLocked()
	return m.lengthLocked(r, layer), nil
}

// Read returns the valid rows of one layer in chronological order.
func (m *Manager) Read(id string, layer int) (keys, values *tensor.Buffer, valid int, err error) {
	const op = "kvcache.Read"
	if err := m.checkLayer(op, id, layer); err != nil {
		return nil, nil, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.allocatedLocked(op, id)
	if err != nil {
		return nil, nil, 0, err
	}
	keys, values = m.readLocked(r, layer)
	return keys, values, keys.Dim(0), nil
}

func (m *Manager) readLocked(r *request, layer int) (*tensor.Buffer, *tensor.Buffer) {
	n := m.lengthLocked(r, layer)
	keys := tensor.Zeros(n, m.opts.KVDim)
	values := tensor.Zeros(n, m.opts.KVDim)
	kd, vd := keys.Float32(), values.Float32()
	w := m.opts.KVDim
	switch r.layout {
	case Bounded:
		rg := r.rings[layer]
		start := 0
		if rg.appended > rg.keys.numRows() {
			start = rg.cursor
		}
		c := rg.keys.numRows()
		for i := 0; i < n; i++ {
			idx := (start + i) % c
			rg.keys.get(idx, kd[i*w:(i+1)*w])
			rg.values.get(idx, vd[i*w:(i+1)*w])
		}
	case Paged:
		bs := m.opts.BlockSize
		for i := 0; i < n; i++ {
			phys := int(r.paged.table[i/bs])*bs + i%bs
			m.kPool[layer].get(phys, kd[i*w:(i+1)*w])
			m.vPool[layer].get(phys, vd[i*w:(i+1)*w])
		}
	}
	return keys, values
}

// lengthLocked is the number of valid rows of layer.
func (m *Manager) lengthLocked(r *request, layer int) int {
	if r.layout == Bounded {
		return r.rings[layer].valid()
	}
	return r.paged.lengths[layer]
}

func (m *Manager) appendedLocked(r *request, layer int) int {
	if r.layout == Bounded {
		return r.rings[layer].appended
	}
	return r.paged.lengths[layer]
}

// Length returns the valid length of layer 0 of id.
func (m *Manager) Length(id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.allocatedLocked("kvcache.Length", id)
	if err != nil {
		return 0, err
	}
	return m.lengthLocked(r, 0), nil
}

// Capacity returns the capacity id was allocated with.
func (m *Manager) Capacity(id string) (int, Layout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.allocatedLocked("kvcache.Capacity", id)
	if err != nil {
		return 0, 0, err
	}
	return r.capacity, r.layout, nil
}

// FreeBlocks is the number of unused blocks in the paged pool.
func (m *Manager) FreeBlocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.freeBlocks)
}

type Stats struct {
	Requests      int
	CapacityBytes int64
	UsedBytes     int64
	FreeBlocks    int
	TotalBlocks   int
}

func (s Stats) String() string {
	return fmt.Sprintf("requests=%d used=%d/%d bytes blocks=%d/%d free",
		s.Requests, s.UsedBytes, s.CapacityBytes, s.FreeBlocks, s.TotalBlocks)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Manager) statsLocked() Stats {
	s := Stats{FreeBlocks: len(m.freeBlocks), TotalBlocks: m.opts.PoolBlocks}
	rowBytes := int64(2 * m.opts.KVDim * m.opts.DType.Size())
	for l := range m.kPool {
		s.CapacityBytes += m.kPool[l].bytes() + m.vPool[l].bytes()
	}
	for _, r := range m.requests {
		if r.state != Allocated {
			continue
		}
		s.Requests++
		for l := 0; l < m.opts.Layers; l++ {
			if r.layout == Bounded {
				s.CapacityBytes += int64(r.capacity) * rowBytes
			}
			s.UsedBytes += int64(m.lengthLocked(r, l)) * rowBytes
		}
	}
	return s
}

func (m *Manager) recordStatsLocked() {
	s := m.statsLocked()
	metrics.RecordKVCacheStats(s.CapacityBytes, s.UsedBytes)
	metrics.RecordKVCacheFreeBlocks(s.FreeBlocks)
}
