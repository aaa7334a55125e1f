// Package memtable maintains the growable mapping from LogicalBlockIdx to
// a DRAM pointer for one open PMEM image. This has nothing to do with a
// sorted key-value memtable; the only idiom carried over from an earlier,
// unrelated red-black-tree-backed KV memtable is the append-only growth
// pattern from internal/arena, applied here to a segmented list of
// fixed-size (growUnitBlocks) pmem.Mapping regions instead of a single
// byte arena.
package memtable

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"ulayfs/internal/arch"
	"ulayfs/internal/layout"
	"ulayfs/internal/pmem"
)

// growUnitBlocks is the chunk size new mappings are created in. It must
// stay well above the number of dedicated BitmapBlocks a chunk of this
// size could ever need, so a single grow step never needs a second grow
// just to make room for its own bitmap.
const growUnitBlocks = 4096

// segment is one independently-mapped, never-moved region of the file.
type segment struct {
	base    layout.LogicalBlockIdx // first logical block this segment covers
	mapping *pmem.Mapping
}

// MemTable is the per-file logical-block-to-DRAM-pointer table described
// in the package doc. Block is safe for concurrent, lock-free use; growTo
// (invoked internally as needed) takes a lock so only one thread extends
// the file at a time.
type MemTable struct {
	fd int

	// segments is published with an atomic.Pointer, the same pattern
	// internal/blktable.BlkTable uses for its structurally identical
	// append-only segment list: growTo is the table's only writer, and it
	// only ever appends, so Block/Persist never need to take growMu at
	// all, even while a grow is in flight.
	segments atomic.Pointer[[]segment]
	growMu   sync.Mutex // serializes growTo against itself; readers never take this

	// numBlocks is an in-DRAM counter never laid out on PMEM (the mapped
	// segments it tracks are, but the count itself is pure bookkeeping),
	// so it uses the host's native atomic width rather than a fixed one.
	numBlocks arch.AtomicUint // total blocks mapped so far, published after growth
}

// New wraps an already-open PMEM file descriptor and maps its first
// initialBlocks blocks. The caller must have already formatted the image
// (see internal/format) so that at least that many blocks exist on disk.
func New(fd int, initialBlocks int) (*MemTable, error) {
	m := &MemTable{fd: fd}
	empty := []segment{}
	m.segments.Store(&empty)
	if err := m.growTo(layout.LogicalBlockIdx(initialBlocks)); err != nil {
		return nil, err
	}
	return m, nil
}

// NumBlocks returns how many logical blocks are currently mapped.
func (m *MemTable) NumBlocks() layout.LogicalBlockIdx {
	return layout.LogicalBlockIdx(m.numBlocks.Load())
}

// Block resolves idx to a DRAM-backed view of that block's bytes,
// growing the mapping first if idx falls beyond what's currently mapped.
func (m *MemTable) Block(idx layout.LogicalBlockIdx) (layout.Block, error) {
	if idx >= m.NumBlocks() {
		if err := m.growTo(idx + 1); err != nil {
			return nil, err
		}
	}
	return m.resolve(idx), nil
}

// Persist flushes the whole block at idx to persistence and establishes
// the ordering fence described in pmem.Mapping.PersistFenced.
func (m *MemTable) Persist(idx layout.LogicalBlockIdx) error {
	segs := m.loadSegments()
	i := sort.Search(len(segs), func(i int) bool { return segs[i].base > idx }) - 1
	seg := segs[i]
	local := int(idx - seg.base)
	return seg.mapping.PersistFenced(local*layout.BlockSize, layout.BlockSize)
}

// resolve is the O(log segments) lookup over the sorted segment list;
// with growUnitBlocks in the thousands this is effectively O(1) in
// practice, matching the address-resolution requirement.
func (m *MemTable) resolve(idx layout.LogicalBlockIdx) layout.Block {
	segs := m.loadSegments()
	i := sort.Search(len(segs), func(i int) bool { return segs[i].base > idx }) - 1
	seg := segs[i]
	return seg.mapping.Block(int(idx - seg.base))
}

// loadSegments returns the current segment slice without ever
// synchronizing with growTo: segments are only ever appended, never
// mutated or reordered, and growTo publishes the new slice via the
// atomic.Pointer swap only after the new Mapping has fully succeeded, so
// a reader that loaded an older slice still sees a fully-valid, merely-
// shorter view rather than a half-constructed one.
func (m *MemTable) loadSegments() []segment {
	return *m.segments.Load()
}

// growTo ensures at least target blocks are mapped, adding grow-unit-
// sized segments (each its own independent mmap, so existing pointers
// are never invalidated) until it does.
func (m *MemTable) growTo(target layout.LogicalBlockIdx) error {
	m.growMu.Lock()
	defer m.growMu.Unlock()

	current := layout.LogicalBlockIdx(m.numBlocks.Load())
	for current < target {
		chunk := growUnitBlocks
		newLen := int64(current+layout.LogicalBlockIdx(chunk)) * layout.BlockSize
		if err := pmem.Fallocate(m.fd, newLen); err != nil {
			return fmt.Errorf("memtable: fallocate: %w", err)
		}
		mapping, err := pmem.Map(m.fd, int64(current)*layout.BlockSize, chunk*layout.BlockSize)
		if err != nil {
			return fmt.Errorf("memtable: map segment at block %d: %w", current, err)
		}
		segs := m.loadSegments()
		grown := make([]segment, len(segs)+1)
		copy(grown, segs)
		grown[len(segs)] = segment{base: current, mapping: mapping}
		m.segments.Store(&grown)
		current += layout.LogicalBlockIdx(chunk)
		m.numBlocks.Store(arch.UintToArchSize(uint(current)))
	}
	return nil
}
