// Package redolog appends immutable LogEntry records describing
// virtual-to-logical block-range mappings, chaining to a freshly
// allocated RedoLogBlock when the current tail block fills up. Entries
// are never modified after being written; the manager's only job is
// handing out slots for them in commit order and keeping the chain
// pointer that lets a reader walk the whole run.
package redolog

import (
	"sync"
	"sync/atomic"

	"ulayfs/internal/errs"
	"ulayfs/internal/layout"
)

// usableSlots is the number of LogEntry slots in a RedoLogBlock available
// to callers; the last slot is reserved for the chain marker.
const usableSlots = layout.NumLogEntries - 1

// BlockSource gives a Manager access to the RedoLogBlocks it appends
// into. Block must return a live view backed by the mapping (writes
// through it mutate the image directly); Persist flushes and fences the
// whole block so entry bytes are durable before the referencing
// TxCommit entry is allowed to publish.
type BlockSource interface {
	RedoLogBlock(idx layout.LogicalBlockIdx) (*layout.RedoLogBlock, error)
	Persist(idx layout.LogicalBlockIdx) error
}

// BlockAllocator is the subset of internal/alloc.Allocator a Manager
// needs to grow the chain.
type BlockAllocator interface {
	Alloc(n uint32) (layout.LogicalBlockIdx, error)
}

// Manager is the append-only redo-log writer for one open file. It is
// safe for concurrent use by multiple threads sharing the same file
// handle: the hot path (reserving slots in the current tail block) is a
// single CAS retry loop; only chaining in a new block takes the mutex,
// and that happens once every usableSlots entries at most.
type Manager struct {
	blocks BlockSource
	alloc  BlockAllocator

	chainMu sync.Mutex

	tailBlock atomic.Uint32 // layout.LogicalBlockIdx of the block currently being filled
	tailIdx   atomic.Uint32 // next unreserved slot within tailBlock
}

// New returns a Manager whose first entries land in tailBlock, starting
// at slot 0. tailBlock must already exist and be zeroed.
func New(blocks BlockSource, alloc BlockAllocator, tailBlock layout.LogicalBlockIdx) *Manager {
	m := &Manager{blocks: blocks, alloc: alloc}
	m.tailBlock.Store(uint32(tailBlock))
	return m
}

// Append reserves len(entries) contiguous slots, in commit order, and
// writes entries into them, persisting the block (with a store fence)
// before returning. It reports the LogEntryIdx of the first entry
// written; the rest follow it contiguously in the same block. A batch
// that does not fit in the tail block's remaining slots is never split:
// Append chains a fresh block and writes the whole batch there.
//
// len(entries) must not exceed usableSlots; a write that large already
// needs multiple Append calls, one per block, chained by the caller.
func (m *Manager) Append(entries []layout.LogEntry) (layout.LogEntryIdx, error) {
	n := uint32(len(entries))
	if n == 0 || n > usableSlots {
		return layout.LogEntryIdx{}, errs.ErrBadArgument
	}

	for {
		blockIdx := layout.LogicalBlockIdx(m.tailBlock.Load())
		base := m.tailIdx.Load()

		if base+n <= usableSlots {
			if !m.tailIdx.CompareAndSwap(base, base+n) {
				continue // lost the race for these slots, retry from the top
			}
			block, err := m.blocks.RedoLogBlock(blockIdx)
			if err != nil {
				return layout.LogEntryIdx{}, err
			}
			for i, e := range entries {
				block.Set(layout.LogLocalIdx(base)+layout.LogLocalIdx(i), e)
			}
			if err := m.blocks.Persist(blockIdx); err != nil {
				return layout.LogEntryIdx{}, err
			}
			return layout.LogEntryIdx{BlockIdx: blockIdx, LocalIdx: layout.LogLocalIdx(base)}, nil
		}

		if err := m.chainNewBlock(blockIdx); err != nil {
			return layout.LogEntryIdx{}, err
		}
	}
}

// chainNewBlock allocates a fresh RedoLogBlock, stamps the current tail
// block's reserved slot with a pointer to it, and publishes it as the
// new tail. Double-checked under chainMu so concurrent callers that all
// saw the same full tail don't each allocate their own replacement.
func (m *Manager) chainNewBlock(observedTail layout.LogicalBlockIdx) error {
	m.chainMu.Lock()
	defer m.chainMu.Unlock()

	if layout.LogicalBlockIdx(m.tailBlock.Load()) != observedTail {
		return nil // someone else already chained; retry Append picks up the new tail
	}

	next, err := m.alloc.Alloc(1)
	if err != nil {
		return err
	}

	oldBlock, err := m.blocks.RedoLogBlock(observedTail)
	if err != nil {
		return err
	}
	oldBlock.SetChain(next)
	if err := m.blocks.Persist(observedTail); err != nil {
		return err
	}

	m.tailIdx.Store(0)
	m.tailBlock.Store(uint32(next))
	return nil
}

// Get reads the entry at idx.LocalIdx of block idx.BlockIdx. It does not
// follow RedoLogBlock chain pointers.
func (m *Manager) Get(idx layout.LogEntryIdx) (layout.LogEntry, error) {
	block, err := m.blocks.RedoLogBlock(idx.BlockIdx)
	if err != nil {
		return layout.LogEntry{}, err
	}
	return block.Get(idx.LocalIdx), nil
}
