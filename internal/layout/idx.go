package layout

// LogicalBlockIdx is the physical block ordinal within the PMEM image.
// The MetaBlock always occupies LogicalBlockIdx 0.
type LogicalBlockIdx uint32

// VirtualBlockIdx is the block ordinal as seen by the application; it is
// translated to a LogicalBlockIdx by BlkTable.
type VirtualBlockIdx uint32

// BitmapBlockId identifies a BitmapBlock among the num_bitmap_blocks
// blocks immediately following the MetaBlock.
type BitmapBlockId uint32

// BitmapLocalIdx is a bit index within a BitmapBlock's word array.
// NoBitmapLocalIdx indicates "none".
type BitmapLocalIdx int16

// NoBitmapLocalIdx is the sentinel value of BitmapLocalIdx meaning "no
// local index".
const NoBitmapLocalIdx BitmapLocalIdx = -1

// TxLocalIdx is a slot index within a TxLogBlock (or within MetaBlock's
// inline tx entries, using the same type).
type TxLocalIdx int16

// NoTxLocalIdx is the sentinel value of TxLocalIdx meaning "none".
const NoTxLocalIdx TxLocalIdx = -1

// LogLocalIdx is a slot index within a RedoLogBlock; the valid range is
// [0, NumLogEntries).
type LogLocalIdx uint8
