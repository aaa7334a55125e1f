// Package alloc implements the per-owning-thread block allocator: a local
// free list backed by the global bitmap, with no locking on the hot path.
// One Allocator belongs to exactly one thread's open file handle; nothing
// here is safe to share across threads (the global bitmap it draws from is
// the only shared state, and that is lock-free by construction).
package alloc

import (
	"sort"

	"ulayfs/internal/bitmap"
	"ulayfs/internal/errs"
	"ulayfs/internal/layout"
)

// Resolver gives an Allocator access to the bitmap words backing a PMEM
// image: MetaBlock's inline words plus the dedicated BitmapBlocks laid
// out when the image was formatted. The number of BitmapBlocks is fixed
// for the life of the image and nothing grows it; Alloc reports
// ErrNoSpace once it runs off the end of what the resolver exposes.
type Resolver interface {
	Meta() *layout.MetaBlock
	NumBitmapBlocks() layout.BitmapBlockId
	BitmapBlock(id layout.BitmapBlockId) *layout.BitmapBlock
}

// run is one entry in the local free list: a contiguous span of size
// blocks starting at idx.
type run struct {
	size uint32
	idx  layout.LogicalBlockIdx
}

// Allocator is the per-thread allocator described in the package doc.
type Allocator struct {
	resolver Resolver

	// freeList is sorted by size, smallest first, so Alloc(n) can
	// binary-search for the smallest run that still fits n. Capacity is
	// bounded in practice because every request is at most
	// layout.MaxAllocBlocks, keeping fragmentation, and therefore this
	// list, small.
	freeList []run

	recentBlockID  layout.BitmapBlockId
	recentLocalIdx layout.BitmapLocalIdx
	recentInline   bool
}

// New builds an Allocator drawing from resolver, starting its bitmap scan
// hint at the inline bitmap.
func New(resolver Resolver) *Allocator {
	return &Allocator{
		resolver:     resolver,
		freeList:     make([]run, 0, layout.MaxAllocBlocks),
		recentInline: true,
	}
}

// Alloc reserves n physically contiguous blocks and returns the first
// block's LogicalBlockIdx. n must be in [1, layout.MaxAllocBlocks].
func (a *Allocator) Alloc(n uint32) (layout.LogicalBlockIdx, error) {
	if n < 1 || n > layout.MaxAllocBlocks {
		return 0, errs.ErrBadArgument
	}

	if idx, ok := a.takeFromFreeList(n); ok {
		return idx, nil
	}

	if n == layout.MaxAllocBlocks {
		if idx, ok := a.allocBatchFromGlobal(); ok {
			return idx, nil
		}
		// Fall through: no aligned 64-run was free anywhere; try the
		// bit-by-bit path in case a smaller run still covers it (it
		// won't for n == 64, so this will also fail, but the shared
		// path keeps the hint bookkeeping in one place).
	}

	idx, ok := a.allocFromGlobal(n)
	if !ok {
		return 0, errs.ErrNoSpace
	}
	return idx, nil
}

// Free returns the blocks [idx, idx+n) to the local free list. They stay
// out of the global bitmap (their bit stays set) until the Allocator is
// torn down and its free list is flushed back with ReturnAll.
func (a *Allocator) Free(idx layout.LogicalBlockIdx, n uint32) {
	a.insertFreeRun(run{size: n, idx: idx})
}

// ReturnAll clears the bitmap bit for every block still held in the local
// free list and empties it. Called when a File closes.
func (a *Allocator) ReturnAll() {
	for _, r := range a.freeList {
		for i := uint32(0); i < r.size; i++ {
			a.freeBit(r.idx + layout.LogicalBlockIdx(i))
		}
	}
	a.freeList = a.freeList[:0]
}

func (a *Allocator) takeFromFreeList(n uint32) (layout.LogicalBlockIdx, bool) {
	i := sort.Search(len(a.freeList), func(i int) bool { return a.freeList[i].size >= n })
	if i == len(a.freeList) {
		return 0, false
	}
	r := a.freeList[i]
	a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)

	if r.size > n {
		a.insertFreeRun(run{size: r.size - n, idx: r.idx + layout.LogicalBlockIdx(n)})
	}
	return r.idx, true
}

func (a *Allocator) insertFreeRun(r run) {
	i := sort.Search(len(a.freeList), func(i int) bool { return a.freeList[i].size >= r.size })
	a.freeList = append(a.freeList, run{})
	copy(a.freeList[i+1:], a.freeList[i:])
	a.freeList[i] = r
}

// allocBatchFromGlobal claims one full 64-block-aligned word via a single
// CAS, used for the n == MaxAllocBlocks fast path.
func (a *Allocator) allocBatchFromGlobal() (layout.LogicalBlockIdx, bool) {
	for {
		src, base, ok := a.currentSource()
		if !ok {
			return 0, false
		}
		local := src.AllocBatch(a.hintLocal())
		if local != layout.NoBitmapLocalIdx {
			a.setHint(local)
			return base + layout.LogicalBlockIdx(local), true
		}
		if !a.advanceSource() {
			return 0, false
		}
	}
}

// allocFromGlobal claims a run of n blocks using the ~b&(b+1) mask trick:
// it finds the lowest free bit in a word and checks whether the following
// n-1 bits are also free, committing the whole run with one CAS. A word
// that can't satisfy the run at its lowest free bit is skipped entirely,
// per the tie-break rule of lowest block index first.
func (a *Allocator) allocFromGlobal(n uint32) (layout.LogicalBlockIdx, bool) {
	for {
		src, base, ok := a.currentSource()
		if !ok {
			return 0, false
		}
		local := src.AllocRun(uint8(n), a.hintLocal())
		if local != layout.NoBitmapLocalIdx {
			a.setHint(local)
			return base + layout.LogicalBlockIdx(local), true
		}
		if !a.advanceSource() {
			return 0, false
		}
	}
}

func (a *Allocator) freeBit(idx layout.LogicalBlockIdx) {
	addr := layout.ResolveBitmapAddr(idx)
	if addr.Inline {
		bitmap.NewInlineSource(a.resolver.Meta()).Free(addr.LocalIdx)
		return
	}
	bitmap.NewBlockSource(a.resolver.BitmapBlock(addr.BlockID)).Free(addr.LocalIdx)
}

// currentSource returns the bitmap.Source and its logical base offset for
// a.recentBlockID/a.recentInline, or ok=false once the resolver has no
// more BitmapBlocks to offer.
func (a *Allocator) currentSource() (bitmap.Source, layout.LogicalBlockIdx, bool) {
	if a.recentInline {
		return bitmap.NewInlineSource(a.resolver.Meta()), 0, true
	}
	if a.recentBlockID >= a.resolver.NumBitmapBlocks() {
		return nil, 0, false
	}
	base := layout.LogicalFromBitmapAddr(layout.BitmapAddr{BlockID: a.recentBlockID})
	return bitmap.NewBlockSource(a.resolver.BitmapBlock(a.recentBlockID)), base, true
}

// advanceSource moves the hint to the next BitmapBlock, reporting whether
// one exists.
func (a *Allocator) advanceSource() bool {
	if a.recentInline {
		a.recentInline = false
		a.recentBlockID = 0
	} else {
		a.recentBlockID++
	}
	a.recentLocalIdx = 0
	return a.recentBlockID < a.resolver.NumBitmapBlocks() || a.recentInline
}

func (a *Allocator) hintLocal() layout.BitmapLocalIdx { return a.recentLocalIdx }

func (a *Allocator) setHint(local layout.BitmapLocalIdx) { a.recentLocalIdx = local }
