// Package txlog owns the TxEntry commit ring: MetaBlock's 480 inline
// slots, continuing through a chain of TxLogBlocks anchored at
// MetaBlock.LogHead. A commit is a single 8-byte atomic store-release,
// preceded by whatever persist-fences the caller already issued for the
// data blocks and redo-log entries the commit references; that store is
// the transaction's linearization point.
package txlog

import (
	"sync/atomic"

	"ulayfs/internal/errs"
	"ulayfs/internal/layout"
)

// BlockSource gives a Manager access to the TxLogBlocks in the chain
// beyond MetaBlock's inline entries.
type BlockSource interface {
	Meta() *layout.MetaBlock
	TxLogBlock(idx layout.LogicalBlockIdx) (*layout.TxLogBlock, error)
	Persist(idx layout.LogicalBlockIdx) error
}

// BlockAllocator is the subset of internal/alloc.Allocator a Manager
// needs to extend the chain.
type BlockAllocator interface {
	Alloc(n uint32) (layout.LogicalBlockIdx, error)
}

// Manager is the per-file TxMgr. It is safe for concurrent use: TryCommit
// races other callers purely through CompareAndSwap on individual slots
// and, when the chain must grow, on MetaBlock/TxLogBlock's Next pointer.
type Manager struct {
	blocks BlockSource
	alloc  BlockAllocator
}

// New returns a Manager reading and writing through blocks, allocating
// new TxLogBlocks (when permitted) through alloc.
func New(blocks BlockSource, alloc BlockAllocator) *Manager {
	return &Manager{blocks: blocks, alloc: alloc}
}

// TryCommit scans forward from hint for an empty slot and CASes entry
// into it, walking to and, if doAlloc is set, extending the TxLogBlock
// chain as needed. It reports the slot the entry landed in.
//
// Losers of a chain-extension race back off and re-read the link that
// won, rather than erroring: HandleIdxOverflow is what performs that
// re-read.
func (m *Manager) TryCommit(entry layout.TxEntry, hint layout.TxEntryIdx, doAlloc bool) (layout.TxEntryIdx, error) {
	idx := hint
	for {
		local, err := m.tryCommitInBlock(idx.BlockIdx, entry, idx.LocalIdx)
		if err != nil {
			return layout.TxEntryIdx{}, err
		}
		if local != layout.NoTxLocalIdx {
			return layout.TxEntryIdx{BlockIdx: idx.BlockIdx, LocalIdx: local}, nil
		}

		ok, err := m.HandleIdxOverflow(&idx, doAlloc)
		if err != nil {
			return layout.TxEntryIdx{}, err
		}
		if !ok {
			return layout.TxEntryIdx{}, errs.ErrTxFull
		}
	}
}

// tryCommitInBlock attempts entry against the block at blockIdx (the
// inline entries if blockIdx is layout.MetaBlockIdx), starting at hint.
func (m *Manager) tryCommitInBlock(blockIdx layout.LogicalBlockIdx, entry layout.TxEntry, hint layout.TxLocalIdx) (layout.TxLocalIdx, error) {
	if blockIdx == layout.MetaBlockIdx {
		meta := m.blocks.Meta()
		for i := int(hint); i < layout.NumInlineTxEntries; i++ {
			if meta.TryCommitTx(layout.TxLocalIdx(i), entry) {
				return layout.TxLocalIdx(i), nil
			}
		}
		return layout.NoTxLocalIdx, nil
	}

	block, err := m.blocks.TxLogBlock(blockIdx)
	if err != nil {
		return layout.NoTxLocalIdx, err
	}
	local := block.TryCommit(entry, hint)
	return local, nil
}

// HandleIdxOverflow advances idx past the end of the block it names,
// following an existing Next link if one has already been published, or
// allocating and CAS-publishing a new TxLogBlock if doAlloc is set and
// none exists yet. It reports whether idx now names a usable block.
func (m *Manager) HandleIdxOverflow(idx *layout.TxEntryIdx, doAlloc bool) (bool, error) {
	nextPtr, err := m.nextPointer(idx.BlockIdx)
	if err != nil {
		return false, err
	}

	next := layout.LogicalBlockIdx(nextPtr.Load())
	if next != layout.MetaBlockIdx {
		*idx = layout.TxEntryIdx{BlockIdx: next, LocalIdx: 0}
		return true, nil
	}
	if !doAlloc {
		return false, nil
	}

	newBlockIdx, err := m.alloc.Alloc(1)
	if err != nil {
		return false, err
	}
	if !nextPtr.CompareAndSwap(uint32(layout.MetaBlockIdx), uint32(newBlockIdx)) {
		// Another thread's chain extension won the race; use theirs. The
		// block allocated above is not handed back: its bitmap bit stays
		// set and nothing references it.
		*idx = layout.TxEntryIdx{BlockIdx: layout.LogicalBlockIdx(nextPtr.Load()), LocalIdx: 0}
		return true, nil
	}
	if err := m.blocks.Persist(idx.BlockIdx); err != nil {
		return false, err
	}
	// LogTail is only ever a hint for where new threads should start
	// their scan; it's fine for two racing extensions to overwrite each
	// other's store here, unlike the Next link itself.
	m.blocks.Meta().LogTail.Store(uint32(newBlockIdx))
	*idx = layout.TxEntryIdx{BlockIdx: newBlockIdx, LocalIdx: 0}
	return true, nil
}

// nextPointer returns the atomic Next link for the block at blockIdx.
// MetaBlock's own chain head, LogHead, plays this role for the inline
// entries.
func (m *Manager) nextPointer(blockIdx layout.LogicalBlockIdx) (*atomic.Uint32, error) {
	if blockIdx == layout.MetaBlockIdx {
		return &m.blocks.Meta().LogHead, nil
	}
	block, err := m.blocks.TxLogBlock(blockIdx)
	if err != nil {
		return nil, err
	}
	return &block.Next, nil
}

// GetEntryFromBlock is an acquire-load of the entry at idx.
func (m *Manager) GetEntryFromBlock(idx layout.TxEntryIdx) (layout.TxEntry, error) {
	if idx.BlockIdx == layout.MetaBlockIdx {
		return m.blocks.Meta().TxEntry(idx.LocalIdx), nil
	}
	block, err := m.blocks.TxLogBlock(idx.BlockIdx)
	if err != nil {
		return 0, err
	}
	return block.TxEntry(idx.LocalIdx), nil
}

// Advance moves idx to the next slot after it, walking into a new block
// via HandleIdxOverflow when idx names the last slot of its block. It
// reports whether the resulting idx names a usable slot, exactly like
// HandleIdxOverflow does when it performs the walk itself.
func (m *Manager) Advance(idx layout.TxEntryIdx, doAlloc bool) (layout.TxEntryIdx, bool, error) {
	capacity := layout.NumInlineTxEntries
	if idx.BlockIdx != layout.MetaBlockIdx {
		capacity = layout.NumTxLogEntries
	}
	if next := int(idx.LocalIdx) + 1; next < capacity {
		idx.LocalIdx = layout.TxLocalIdx(next)
		return idx, true, nil
	}
	ok, err := m.HandleIdxOverflow(&idx, doAlloc)
	return idx, ok, err
}
