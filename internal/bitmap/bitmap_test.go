package bitmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ulayfs/internal/layout"
)

func TestInlineSourceAllocFree(t *testing.T) {
	meta := &layout.MetaBlock{}
	src := NewInlineSource(meta)

	a := src.Alloc(0)
	require.NotEqual(t, layout.NoBitmapLocalIdx, a)
	b := src.Alloc(0)
	assert.NotEqual(t, a, b)

	src.Free(a)
	c := src.Alloc(0)
	assert.Equal(t, a, c)
}

func TestInlineSourceAllocRun(t *testing.T) {
	meta := &layout.MetaBlock{}
	src := NewInlineSource(meta)

	first := src.AllocRun(4, 0)
	require.NotEqual(t, layout.NoBitmapLocalIdx, first)
	second := src.AllocRun(4, 0)
	assert.EqualValues(t, int(first)+4, second)
}

func TestBlockSourceAllocBatch(t *testing.T) {
	block := &layout.BitmapBlock{}
	src := NewBlockSource(block)

	first := src.AllocBatch(0)
	require.NotEqual(t, layout.NoBitmapLocalIdx, first)
	second := src.AllocBatch(0)
	assert.EqualValues(t, int(first)+64, second)
}

func TestAllocConcurrentNoDoubleAllocation(t *testing.T) {
	meta := &layout.MetaBlock{}
	src := NewInlineSource(meta)

	const workers = 32
	seen := make([][]layout.BitmapLocalIdx, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		w := w
		go func() {
			defer wg.Done()
			for i := 0; i < 4; i++ {
				idx := src.Alloc(0)
				if idx != layout.NoBitmapLocalIdx {
					seen[w] = append(seen[w], idx)
				}
			}
		}()
	}
	wg.Wait()

	all := make(map[layout.BitmapLocalIdx]bool)
	for _, list := range seen {
		for _, idx := range list {
			require.False(t, all[idx], "index %d allocated twice", idx)
			all[idx] = true
		}
	}
}

func TestAllocExhaustion(t *testing.T) {
	meta := &layout.MetaBlock{}
	for i := range meta.InlineBitmaps {
		meta.InlineBitmaps[i].Store(^uint64(0))
	}
	src := NewInlineSource(meta)
	assert.Equal(t, layout.NoBitmapLocalIdx, src.Alloc(0))
	assert.Equal(t, layout.NoBitmapLocalIdx, src.AllocBatch(0))
}
