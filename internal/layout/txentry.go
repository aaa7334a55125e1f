package layout

// TxEntry is the 8-byte atomic commit record appended to the tx-log ring.
// A zero TxEntry is an empty slot: logical_idx 0 can never be a real data
// block (block 0 is permanently the MetaBlock), so no valid inline commit
// ever encodes to the all-zero pattern.
//
// Bit layout (bit 63 is the tag):
//
//	Inline  (tag=0): [63]tag [62:61]numBlocks-1 [60:49]lastRemaining [48:25]virtualIdx [24:0]logicalIdx
//	Indirect(tag=1): [63]tag [62:40]reserved(0) [39:0] packed LogEntryIdx
//
// Inline commits only ever carry num_blocks in [1,4] (a commit touching
// more than InlineMaxBlocks blocks goes through the redo log instead),
// trading virtual/logical index range for a compact, allocation-free fast
// path. Indices beyond
// the inline range, or writes needing more precision, always use the
// indirect path, which carries full 32-bit precision via LogEntry.
type TxEntry uint64

const (
	txTagBit = uint64(1) << 63

	txInlineNumBlocksShift = 61
	txInlineNumBlocksMask  = 0x3 // 2 bits, encodes numBlocks-1

	txInlineLastRemShift = 49
	txInlineLastRemMask  = 0xFFF // 12 bits

	txInlineVirtualShift = 25
	txInlineVirtualMask  = 0xFFFFFF // 24 bits

	txInlineLogicalMask = 0x1FFFFFF // 25 bits
)

// MaxInlineVirtualIdx, MaxInlineLogicalIdx and MaxInlineLastRem are the
// largest VirtualBlockIdx, LogicalBlockIdx and last-remaining byte count
// an inline commit can encode.
const (
	MaxInlineVirtualIdx = VirtualBlockIdx(txInlineVirtualMask)
	MaxInlineLogicalIdx = LogicalBlockIdx(txInlineLogicalMask)
	MaxInlineLastRem    = 4095
)

// ZeroTxEntry is the empty-slot value.
const ZeroTxEntry TxEntry = 0

// IsEmpty reports whether the slot has never been committed.
func (e TxEntry) IsEmpty() bool { return e == ZeroTxEntry }

// IsIndirect reports whether e is a committed indirect entry.
func (e TxEntry) IsIndirect() bool { return !e.IsEmpty() && uint64(e)&txTagBit != 0 }

// IsInline reports whether e is a committed inline entry.
func (e TxEntry) IsInline() bool { return !e.IsEmpty() && uint64(e)&txTagBit == 0 }

// CanInline reports whether the given commit parameters fit the inline
// encoding; callers should fall back to an indirect commit otherwise.
func CanInline(virtualIdx VirtualBlockIdx, logicalIdx LogicalBlockIdx, numBlocks uint8, lastRemaining uint16) bool {
	return numBlocks >= 1 && numBlocks <= InlineMaxBlocks &&
		lastRemaining <= MaxInlineLastRem &&
		virtualIdx <= MaxInlineVirtualIdx &&
		logicalIdx <= MaxInlineLogicalIdx
}

// MakeInlineTxEntry builds an inline commit entry. The caller must have
// checked CanInline first; MakeInlineTxEntry panics on out-of-range input
// since that indicates a caller bug, not a runtime condition.
func MakeInlineTxEntry(virtualIdx VirtualBlockIdx, logicalIdx LogicalBlockIdx, numBlocks uint8, lastRemaining uint16) TxEntry {
	if !CanInline(virtualIdx, logicalIdx, numBlocks, lastRemaining) {
		panic("layout: inline tx entry parameters out of range")
	}
	v := uint64(numBlocks-1)<<txInlineNumBlocksShift |
		uint64(lastRemaining)<<txInlineLastRemShift |
		uint64(virtualIdx)<<txInlineVirtualShift |
		uint64(logicalIdx)
	return TxEntry(v)
}

// Inline decodes an inline commit. ok is false if e is not an inline
// entry (empty or indirect).
func (e TxEntry) Inline() (virtualIdx VirtualBlockIdx, logicalIdx LogicalBlockIdx, numBlocks uint8, lastRemaining uint16, ok bool) {
	if !e.IsInline() {
		return 0, 0, 0, 0, false
	}
	v := uint64(e)
	numBlocks = uint8((v>>txInlineNumBlocksShift)&txInlineNumBlocksMask) + 1
	lastRemaining = uint16((v >> txInlineLastRemShift) & txInlineLastRemMask)
	virtualIdx = VirtualBlockIdx((v >> txInlineVirtualShift) & txInlineVirtualMask)
	logicalIdx = LogicalBlockIdx(v & txInlineLogicalMask)
	return virtualIdx, logicalIdx, numBlocks, lastRemaining, true
}

// MakeIndirectTxEntry builds an indirect commit pointing at a LogEntryIdx.
func MakeIndirectTxEntry(idx LogEntryIdx) TxEntry {
	return TxEntry(txTagBit | idx.pack40())
}

// Indirect decodes an indirect commit. ok is false if e is not an
// indirect entry (empty or inline).
func (e TxEntry) Indirect() (idx LogEntryIdx, ok bool) {
	if !e.IsIndirect() {
		return LogEntryIdx{}, false
	}
	return unpackLogEntryIdx40(uint64(e) &^ txTagBit), true
}
