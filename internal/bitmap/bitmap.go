// Package bitmap implements lock-free allocation over the dedicated
// BitmapBlock region of a PMEM image: MetaBlock's inline bitmap words plus
// however many trailing BitmapBlocks the image carries. Every allocation
// primitive here is a single CAS or a short CAS-retry loop; there is no
// lock anywhere in this package.
package bitmap

import (
	"ulayfs/internal/layout"
)

// Source abstracts "the bitmap words at logical index i", letting the
// same allocation code run against MetaBlock's inline words and a
// dedicated BitmapBlock without duplicating the CAS loops.
type Source interface {
	// Alloc claims one free bit starting the scan near hint.
	Alloc(hint layout.BitmapLocalIdx) layout.BitmapLocalIdx
	// AllocRun claims n consecutive free bits within a single word.
	AllocRun(n uint8, hint layout.BitmapLocalIdx) layout.BitmapLocalIdx
	// AllocBatch claims a whole free 64-bit-aligned word.
	AllocBatch(hint layout.BitmapLocalIdx) layout.BitmapLocalIdx
	// Free clears the bit at local index i.
	Free(i layout.BitmapLocalIdx)
	// Mark idempotently sets the bit at local index i, used to rebuild
	// bitmap state from a tx-log replay rather than to claim a block a
	// caller doesn't already know the address of.
	Mark(i layout.BitmapLocalIdx)
}

// inlineSource adapts MetaBlock's inline bitmap words to Source,
// delegating to the same word-level CAS loop layout.BitmapBlock's own
// methods run, rather than a second copy of the same bit trick over a
// raw word slice.
type inlineSource struct {
	meta *layout.MetaBlock
}

// NewInlineSource wraps a MetaBlock's inline bitmap words as a Source.
func NewInlineSource(meta *layout.MetaBlock) Source {
	return inlineSource{meta: meta}
}

func (s inlineSource) Alloc(hint layout.BitmapLocalIdx) layout.BitmapLocalIdx {
	return s.meta.AllocInline(hint)
}

func (s inlineSource) AllocRun(n uint8, hint layout.BitmapLocalIdx) layout.BitmapLocalIdx {
	return s.meta.AllocRunInline(n, hint)
}

func (s inlineSource) AllocBatch(hint layout.BitmapLocalIdx) layout.BitmapLocalIdx {
	return s.meta.AllocBatchInline(hint)
}

func (s inlineSource) Free(i layout.BitmapLocalIdx) {
	s.meta.FreeInline(i)
}

func (s inlineSource) Mark(i layout.BitmapLocalIdx) {
	s.meta.MarkInline(i)
}

// blockSource adapts a dedicated BitmapBlock to Source.
type blockSource struct {
	block *layout.BitmapBlock
}

// NewBlockSource wraps a BitmapBlock as a Source.
func NewBlockSource(block *layout.BitmapBlock) Source {
	return blockSource{block: block}
}

func (s blockSource) Alloc(hint layout.BitmapLocalIdx) layout.BitmapLocalIdx {
	return s.block.Alloc(hint)
}

func (s blockSource) AllocRun(n uint8, hint layout.BitmapLocalIdx) layout.BitmapLocalIdx {
	return s.block.AllocRun(n, hint)
}

func (s blockSource) AllocBatch(hint layout.BitmapLocalIdx) layout.BitmapLocalIdx {
	return s.block.AllocBatch(hint)
}

func (s blockSource) Free(i layout.BitmapLocalIdx) {
	s.block.Free(i)
}

func (s blockSource) Mark(i layout.BitmapLocalIdx) {
	s.block.Mark(i)
}
