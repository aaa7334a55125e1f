package redolog

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"ulayfs/internal/layout"
)

// fakeBlocks is an in-memory BlockSource: a map of LogicalBlockIdx to a
// backing RedoLogBlock plus a next-free-index counter for allocation.
type fakeBlocks struct {
	mu     sync.Mutex
	blocks map[layout.LogicalBlockIdx]*layout.RedoLogBlock
	next   layout.LogicalBlockIdx
}

func newFakeBlocks() *fakeBlocks {
	f := &fakeBlocks{blocks: make(map[layout.LogicalBlockIdx]*layout.RedoLogBlock)}
	f.blocks[0] = &layout.RedoLogBlock{}
	f.next = 1
	return f
}

func (f *fakeBlocks) RedoLogBlock(idx layout.LogicalBlockIdx) (*layout.RedoLogBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocks[idx], nil
}

func (f *fakeBlocks) Persist(idx layout.LogicalBlockIdx) error { return nil }

func (f *fakeBlocks) Alloc(n uint32) (layout.LogicalBlockIdx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.next
	f.next++
	f.blocks[idx] = &layout.RedoLogBlock{}
	return idx, nil
}

func entry(v uint32) layout.LogEntry {
	return layout.LogEntry{Op: layout.LogOpWrite, VirtualIdx: layout.VirtualBlockIdx(v), LogicalIdx: layout.LogicalBlockIdx(v)}
}

func TestAppendAndGetRoundTrip(t *testing.T) {
	fb := newFakeBlocks()
	m := New(fb, fb, 0)

	idx, err := m.Append([]layout.LogEntry{entry(1), entry(2)})
	require.NoError(t, err)
	require.EqualValues(t, 0, idx.BlockIdx)
	require.EqualValues(t, 0, idx.LocalIdx)

	got, err := m.Get(idx)
	require.NoError(t, err)
	require.Equal(t, entry(1), got)

	second, err := m.Get(layout.LogEntryIdx{BlockIdx: idx.BlockIdx, LocalIdx: idx.LocalIdx + 1})
	require.NoError(t, err)
	require.Equal(t, entry(2), second)
}

func TestAppendChainsWhenBlockFills(t *testing.T) {
	fb := newFakeBlocks()
	m := New(fb, fb, 0)

	// Fill the first block to its last usable slot.
	for i := 0; i < usableSlots; i++ {
		_, err := m.Append([]layout.LogEntry{entry(uint32(i))})
		require.NoError(t, err)
	}

	// One more entry needs a fresh block, chained from block 0.
	idx, err := m.Append([]layout.LogEntry{entry(999)})
	require.NoError(t, err)
	require.EqualValues(t, 1, idx.BlockIdx)
	require.EqualValues(t, 0, idx.LocalIdx)

	first, _ := fb.RedoLogBlock(0)
	next, ok := first.Chain()
	require.True(t, ok)
	require.EqualValues(t, 1, next)
}

func TestAppendRejectsOversizedBatch(t *testing.T) {
	fb := newFakeBlocks()
	m := New(fb, fb, 0)

	entries := make([]layout.LogEntry, usableSlots+1)
	_, err := m.Append(entries)
	require.Error(t, err)
}

func TestAppendConcurrentNeverOverlapsSlots(t *testing.T) {
	fb := newFakeBlocks()
	m := New(fb, fb, 0)

	const workers = 16
	results := make([]layout.LogEntryIdx, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		w := w
		go func() {
			defer wg.Done()
			idx, err := m.Append([]layout.LogEntry{entry(uint32(w))})
			require.NoError(t, err)
			results[w] = idx
		}()
	}
	wg.Wait()

	seen := make(map[layout.LogEntryIdx]bool)
	for _, idx := range results {
		require.False(t, seen[idx], "slot %+v claimed twice", idx)
		seen[idx] = true
	}
}
