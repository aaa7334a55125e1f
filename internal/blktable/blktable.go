// Package blktable maintains BlkTable, the per-file DRAM shadow of the
// virtual-to-logical block mapping: a growable concurrent vector keyed
// by VirtualBlockIdx, kept current by replaying the tx log. Reads
// (Get) are lock-free; growth follows the same append-only,
// never-move-old-entries idiom internal/arena uses for its bump-pointer
// buffer, adapted here to a slice of independently-sized DRAM segments
// instead of one contiguous byte buffer, since a table entry (not just
// a byte range) must keep a stable address across growth.
package blktable

import (
	"sync"
	"sync/atomic"

	"ulayfs/internal/layout"
)

// firstSegmentCap is the number of VirtualBlockIdx slots the first
// segment holds; each later segment doubles the previous one's capacity,
// matching the "capacity doubled on demand" growth policy.
const firstSegmentCap = 1024

// TxSource is the subset of internal/txlog.Manager that BlkTable's
// replay loop needs.
type TxSource interface {
	GetEntryFromBlock(idx layout.TxEntryIdx) (layout.TxEntry, error)
	Advance(idx layout.TxEntryIdx, doAlloc bool) (layout.TxEntryIdx, bool, error)
}

// RedoSource is the subset of internal/redolog.Manager needed to
// dereference an indirect commit's LogEntryIdx.
type RedoSource interface {
	Get(idx layout.LogEntryIdx) (layout.LogEntry, error)
}

// BitmapMarker lets Update mark a replayed range allocated in the global
// bitmap when rebuilding it at mount time (init_bitmap).
type BitmapMarker interface {
	MarkAllocated(base layout.LogicalBlockIdx, n uint32)
}

type segment struct {
	base    layout.VirtualBlockIdx
	entries []atomic.Uint32 // LogicalBlockIdx per slot; 0 = unallocated
}

// BlkTable is the concurrent virtual-to-logical block table described in
// the package doc. Get is safe to call from any thread at any time.
// Update must be called with the file's own lock already held (it is not
// reentrant with itself); NeedUpdate is the lock-free fast path callers
// use to decide whether taking that lock and calling Update is even
// necessary.
type BlkTable struct {
	tx    TxSource
	redo  RedoSource
	marks BitmapMarker

	// segments is published with an atomic.Pointer so Get never
	// synchronizes with growth: Update is the table's only writer, and
	// it only ever appends a new segment, so a reader that loaded an
	// older slice still sees a fully-valid, merely-shorter view.
	segments atomic.Pointer[[]segment]
	growMu   sync.Mutex

	TailTxIdx   atomic.Uint64 // packed layout.TxEntryIdx, see layout.Pack/UnpackTxEntryIdx
	TailTxBlock atomic.Uint32 // redundant with TailTxIdx.BlockIdx; published separately so a reader can observe it without unpacking TailTxIdx
	FileSize    atomic.Uint64
}

// New returns an empty BlkTable that replays commits through tx (and,
// for indirect commits, redo) and, when asked, marks freshly-discovered
// ranges allocated through marks.
func New(tx TxSource, redo RedoSource, marks BitmapMarker) *BlkTable {
	t := &BlkTable{tx: tx, redo: redo, marks: marks}
	empty := []segment{}
	t.segments.Store(&empty)
	return t
}

// Get returns the LogicalBlockIdx currently mapped to vblk, or 0
// (unallocated) if vblk is unmapped or past the table's current extent.
func (t *BlkTable) Get(vblk layout.VirtualBlockIdx) layout.LogicalBlockIdx {
	segs := *t.segments.Load()
	seg, offset, ok := locate(segs, vblk)
	if !ok {
		return 0
	}
	return layout.LogicalBlockIdx(seg.entries[offset].Load())
}

// locate finds the segment covering vblk and vblk's offset within it.
func locate(segs []segment, vblk layout.VirtualBlockIdx) (segment, int, bool) {
	for i := len(segs) - 1; i >= 0; i-- {
		if vblk >= segs[i].base {
			offset := int(vblk - segs[i].base)
			if offset >= len(segs[i].entries) {
				return segment{}, 0, false
			}
			return segs[i], offset, true
		}
	}
	return segment{}, 0, false
}

// ensureCapacity grows the table, if needed, so vblk is addressable.
// Called only from Update, so it never races itself; growMu still guards
// it against a concurrent NeedUpdate-triggered read of a half-published
// segment slice (belt-and-suspenders: the atomic.Pointer swap already
// makes that safe, but the lock keeps two logical writers from ever
// existing even if a future caller gets that wrong).
func (t *BlkTable) ensureCapacity(vblk layout.VirtualBlockIdx) {
	t.growMu.Lock()
	defer t.growMu.Unlock()

	for {
		segs := *t.segments.Load()
		if _, _, ok := locate(segs, vblk); ok {
			return
		}

		base := layout.VirtualBlockIdx(0)
		capacity := uint32(firstSegmentCap)
		if len(segs) > 0 {
			last := segs[len(segs)-1]
			base = last.base + layout.VirtualBlockIdx(len(last.entries))
			capacity = uint32(len(last.entries)) * 2
		}

		grown := make([]segment, len(segs)+1)
		copy(grown, segs)
		grown[len(segs)] = segment{base: base, entries: make([]atomic.Uint32, capacity)}
		t.segments.Store(&grown)
	}
}

// set publishes logical for vblk, growing the table first if necessary.
func (t *BlkTable) set(vblk layout.VirtualBlockIdx, logical layout.LogicalBlockIdx) {
	t.ensureCapacity(vblk)
	segs := *t.segments.Load()
	seg, offset, ok := locate(segs, vblk)
	if !ok {
		panic("blktable: ensureCapacity did not make vblk addressable")
	}
	seg.entries[offset].Store(uint32(logical))
}

// Update replays committed tx entries starting at the table's current
// tail forward to the end of the log, applying each one's virtual-to-
// logical mapping and advancing FileSize. If doAlloc is set, replay is
// allowed to extend the tx-log chain itself while walking it (mirroring
// TryCommit's own doAlloc). If initBitmap is set, every replayed range is
// also reported to marks, used once at mount time to rebuild the global
// bitmap purely from the log. Update returns the new FileSize.
//
// Replays are idempotent: re-applying the same (vblk, logical, n) is a
// harmless overwrite, so a caller that races Update against itself only
// risks wasted work, never a wrong result — though the caller is still
// expected to serialize calls to Update with its own lock, since two
// concurrent replays trampling the tail-tracking atomics is not safe.
func (t *BlkTable) Update(doAlloc, initBitmap bool) (uint64, error) {
	idx := layout.UnpackTxEntryIdx(t.TailTxIdx.Load())

	for {
		entry, err := t.tx.GetEntryFromBlock(idx)
		if err != nil {
			return 0, err
		}
		if entry.IsEmpty() {
			break
		}

		if err := t.applyEntry(entry, initBitmap); err != nil {
			return 0, err
		}

		next, ok, err := t.tx.Advance(idx, doAlloc)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		idx = next
	}

	t.TailTxIdx.Store(idx.Pack())
	t.TailTxBlock.Store(uint32(idx.BlockIdx))
	return t.FileSize.Load(), nil
}

// applyEntry decodes entry (inline or indirect) and applies the mapping
// range(s) it describes.
func (t *BlkTable) applyEntry(entry layout.TxEntry, initBitmap bool) error {
	if virtualIdx, logicalIdx, numBlocks, lastRemaining, ok := entry.Inline(); ok {
		t.applyRange(virtualIdx, logicalIdx, uint32(numBlocks), lastRemaining, initBitmap)
		return nil
	}

	logIdx, ok := entry.Indirect()
	if !ok {
		return nil
	}
	e, err := t.redo.Get(logIdx)
	if err != nil {
		return err
	}
	if e.Op != layout.LogOpWrite {
		return nil
	}
	t.applyRange(e.VirtualIdx, e.LogicalIdx, uint32(e.NumBlocks()), e.LastRemaining(), initBitmap)
	return nil
}

// applyRange stores logical..logical+n-1 into virtual..virtual+n-1, bumps
// FileSize to reflect the last block's real length, and, if initBitmap is
// set, marks the range allocated.
func (t *BlkTable) applyRange(virtualIdx layout.VirtualBlockIdx, logicalIdx layout.LogicalBlockIdx, numBlocks uint32, lastRemaining uint16, initBitmap bool) {
	for i := uint32(0); i < numBlocks; i++ {
		t.set(virtualIdx+layout.VirtualBlockIdx(i), logicalIdx+layout.LogicalBlockIdx(i))
	}
	end := uint64(virtualIdx+layout.VirtualBlockIdx(numBlocks))*layout.BlockSize - uint64(lastRemaining)
	for {
		cur := t.FileSize.Load()
		if end <= cur || t.FileSize.CompareAndSwap(cur, end) {
			break
		}
	}
	if initBitmap && t.marks != nil {
		t.marks.MarkAllocated(logicalIdx, uint32(numBlocks))
	}
}

// NeedUpdate is the lock-free fast path: it reads TailTxIdx, then
// FileSize, then TailTxIdx again and, if the tail was stable and matches
// the caller's cache, probes whether the slot at the published tail
// already holds a committed entry. If NeedUpdate returns false, the
// caller may trust its cached (tx_idx, file_size) without taking the
// file's lock at all.
func (t *BlkTable) NeedUpdate(cachedTxIdx *uint64, cachedFileSize *uint64) (bool, error) {
	idx1 := t.TailTxIdx.Load()
	size1 := t.FileSize.Load()
	idx2 := t.TailTxIdx.Load()
	if idx1 != idx2 {
		return true, nil
	}

	if idx1 != *cachedTxIdx || size1 != *cachedFileSize {
		*cachedTxIdx, *cachedFileSize = idx1, size1
		return true, nil
	}

	entry, err := t.tx.GetEntryFromBlock(layout.UnpackTxEntryIdx(idx1))
	if err != nil {
		return false, err
	}
	return !entry.IsEmpty(), nil
}
