// Package file binds one open PMEM-backed image to all the machinery
// that makes it behave like a POSIX file: the memtable that gives every
// logical block a DRAM address, the allocator that hands out fresh ones,
// the redo/tx logs that make a multi-block write appear atomically, the
// block table that turns committed log entries into a virtual-to-logical
// address space, the offset manager that orders concurrent sequential
// writers, and the /dev/shm segment other processes use to see this
// file's liveness. Open ties them together the way internal/db/db.go
// ties a data directory, WAL directory and lockfile together, just
// retargeted from a directory of LSM files to one PMEM image.
package file

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"ulayfs/internal/alloc"
	"ulayfs/internal/bitmap"
	"ulayfs/internal/blktable"
	"ulayfs/internal/errs"
	"ulayfs/internal/format"
	"ulayfs/internal/layout"
	"ulayfs/internal/memtable"
	"ulayfs/internal/offset"
	"ulayfs/internal/redolog"
	"ulayfs/internal/shm"
	"ulayfs/internal/txlog"
)

// blocks adapts a MemTable into the narrow BlockSource/Resolver
// interfaces internal/alloc, internal/redolog and internal/txlog each
// declare for themselves, plus the placement rule original_source
// documents for BitmapBlocks: they occupy the fixed logical range
// [1, 1+NumBitmapBlocks) immediately following MetaBlock, sized once at
// format time and never moved.
type blocks struct {
	mt   *memtable.MemTable
	meta *layout.MetaBlock
}

func newBlocks(mt *memtable.MemTable) (*blocks, error) {
	raw, err := mt.Block(layout.MetaBlockIdx)
	if err != nil {
		return nil, err
	}
	meta := layout.AsMetaBlock(raw)
	if !meta.Valid() {
		return nil, fmt.Errorf("%w: bad meta magic/version", errs.ErrCorruptState)
	}
	return &blocks{mt: mt, meta: meta}, nil
}

func (b *blocks) Meta() *layout.MetaBlock { return b.meta }

func (b *blocks) NumBitmapBlocks() layout.BitmapBlockId {
	return layout.BitmapBlockId(b.meta.NumBitmapBlocks.Load())
}

func (b *blocks) BitmapBlock(id layout.BitmapBlockId) *layout.BitmapBlock {
	raw, err := b.mt.Block(layout.LogicalBlockIdx(1 + uint32(id)))
	if err != nil {
		// Bitmap blocks are sized into the image at format time, inside
		// the region format.Format already fallocated; a failure here
		// means the backing image itself is broken.
		panic(fmt.Sprintf("file: resolve bitmap block %d: %v", id, err))
	}
	return layout.AsBitmapBlock(raw)
}

func (b *blocks) TxLogBlock(idx layout.LogicalBlockIdx) (*layout.TxLogBlock, error) {
	raw, err := b.mt.Block(idx)
	if err != nil {
		return nil, err
	}
	return layout.AsTxLogBlock(raw), nil
}

func (b *blocks) RedoLogBlock(idx layout.LogicalBlockIdx) (*layout.RedoLogBlock, error) {
	raw, err := b.mt.Block(idx)
	if err != nil {
		return nil, err
	}
	return layout.AsRedoLogBlock(raw), nil
}

func (b *blocks) Persist(idx layout.LogicalBlockIdx) error {
	return b.mt.Persist(idx)
}

// bitmapMarker rebuilds bitmap coverage for a run of logical blocks named
// by a tx-log entry during replay, using bitmap.Source.Mark instead of
// Alloc since the caller already knows the exact address.
type bitmapMarker struct {
	b *blocks
}

func (m bitmapMarker) MarkAllocated(base layout.LogicalBlockIdx, n uint32) {
	for i := uint32(0); i < n; i++ {
		addr := layout.ResolveBitmapAddr(base + layout.LogicalBlockIdx(i))
		if addr.Inline {
			bitmap.NewInlineSource(m.b.meta).Mark(addr.LocalIdx)
			continue
		}
		bitmap.NewBlockSource(m.b.BitmapBlock(addr.BlockID)).Mark(addr.LocalIdx)
	}
}

// File is one open PMEM-backed image. It's shared by every goroutine
// that has it open through the same file description: Write/Read acquire
// the shared offset under lock and then do their actual I/O lock-free, so
// a File is safe for concurrent use by multiple goroutines the way an
// *os.File is.
type File struct {
	fd   int
	path string

	blocks    *blocks
	memtable  *memtable.MemTable
	allocator *alloc.Allocator
	redo      *redolog.Manager
	tx        *txlog.Manager
	blk       *blktable.BlkTable
	offsetMgr *offset.Manager

	shmSeg     *shm.Segment
	shmPath    string
	threadSlot *shm.PerThreadData

	cachedTxIdx    uint64
	cachedFileSize uint64

	log *slog.Logger
}

// metaLock returns the PMEM-resident futex word guarding f.offsetMgr's
// mutation and f.blk's Update replay pass. It lives in MetaBlock rather
// than a DRAM sync.Mutex/spinlock so that two processes with the same
// image mapped, each running its own independent File and BlkTable,
// still serialize against each other through it: BlkTable.Update's own
// doc comment notes two concurrent replays trampling its tail-tracking
// atomics is not safe, and only a lock living in the shared mapping can
// prevent that across process boundaries.
func (f *File) metaLock() *layout.MetaBlock { return f.blocks.Meta() }

// Options carries the runtime knobs internal/config resolves from
// viper/pflag, kept as plain fields here so this package never needs to
// import viper itself.
type Options struct {
	// StrictOffsetSerial enables OffsetMgr's ticket-wait ordering; see
	// offset.New. Its zero value (false) is the relaxed mode, while
	// internal/config defaults to true, so callers that build Options by
	// hand must set it explicitly.
	StrictOffsetSerial bool
	// Logger receives debug/warn messages from this file's lifecycle.
	// A nil Logger falls back to an output-discarding one.
	Logger *slog.Logger
}

// Open opens path as a ulayfs image, formatting a fresh one with
// format.DefaultOptions if none exists yet.
func Open(path string, opts Options) (f *File, err error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	valid, err := format.Probe(path)
	if err != nil {
		return nil, err
	}
	if !valid {
		if st, statErr := os.Stat(path); statErr == nil && st.Size() > 0 {
			return nil, fmt.Errorf("%w: %s has no valid meta magic/version", errs.ErrCorruptState, path)
		}
		log.Debug("formatting fresh image", "path", path)
		if err := format.Format(path, format.DefaultOptions); err != nil {
			return nil, err
		}
	}

	fd, err := unix.Open(path, unix.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errs.ErrIoFailure, path, err)
	}
	opened := false
	defer func() {
		if !opened {
			unix.Close(fd)
		}
	}()

	mt, err := memtable.New(fd, 1)
	if err != nil {
		return nil, err
	}

	b, err := newBlocks(mt)
	if err != nil {
		return nil, err
	}

	allocator := alloc.New(b)
	tx := txlog.New(b, allocator)

	// Each opened file description gets its own fresh redo-log tail
	// block to append into; once a write commits an indirect entry
	// pointing into it, the block stays valid on disk forever regardless
	// of which process allocated it.
	initialRedoBlock, err := allocator.Alloc(1)
	if err != nil {
		return nil, err
	}
	redo := redolog.New(b, allocator, initialRedoBlock)
	blk := blktable.New(tx, redo, bitmapMarker{b: b})

	f = &File{
		fd:        fd,
		path:      path,
		blocks:    b,
		memtable:  mt,
		allocator: allocator,
		redo:      redo,
		tx:        tx,
		blk:       blk,
		offsetMgr: offset.New(opts.StrictOffsetSerial),
		log:       log,
	}

	if _, err := f.blk.Update(false, true); err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("%w: fstat %s: %v", errs.ErrIoFailure, path, err)
	}
	seg, shmPath, err := shm.CreateOrOpen(st.Ino, st.Ctim.Nano(), shmMirrorLen(b))
	if err != nil {
		return nil, err
	}
	if err := shm.SetPathXattr(fd, shmPath); err != nil {
		seg.Close()
		return nil, err
	}
	opened = true
	f.shmSeg = seg
	f.shmPath = shmPath

	if _, slot, ok := seg.ClaimThread(); ok {
		f.threadSlot = slot
	} else {
		log.Warn("no free liveness slot, GC will pin this file conservatively", "path", path)
	}

	return f, nil
}

// shmMirrorLen sizes the /dev/shm bitmap mirror to match the image's
// fixed bitmap capacity: the inline words plus every dedicated
// BitmapBlock, in bytes.
func shmMirrorLen(b *blocks) int {
	words := layout.NumInlineBitmapWords + int(b.NumBitmapBlocks())*layout.NumBitmapWords
	return words * 8
}

// Close returns the allocator's free list to the bitmap, releases the
// liveness slot, unmaps the shm segment and closes the fd. The MemTable's
// mappings of the image are not unmapped. It aggregates rather than
// stopping at the first failure, matching internal/db/db.go's Close.
func (f *File) Close() error {
	f.log.Debug("closing file", "path", f.path)
	f.allocator.ReturnAll()

	if f.threadSlot != nil {
		f.threadSlot.Release()
	}

	var result *multierror.Error
	if f.shmSeg != nil {
		if err := f.shmSeg.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := unix.Close(f.fd); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: close: %v", errs.ErrIoFailure, err))
	}
	if err := result.ErrorOrNil(); err != nil {
		f.log.Warn("close finished with errors", "path", f.path, "err", err)
		return err
	}
	return nil
}

// Fstat reports the file's current logical size.
func (f *File) Fstat() (size int64, err error) {
	return int64(f.blk.FileSize.Load()), nil
}

// Fd returns the real kernel file descriptor backing this image. A
// hosting shim keys its own fd-to-File table by this value, matching
// original_source/src/lib.cpp's `files[fd] = file`: the fd returned to
// application code is the same one the kernel handed back from open(2),
// not a synthetic handle.
func (f *File) Fd() int {
	return f.fd
}

// Lseek repositions the shared offset, matching lseek(2)'s SEEK_SET (0),
// SEEK_CUR (1) and SEEK_END (2). It takes the file lock since it mutates
// OffsetMgr state.
func (f *File) Lseek(off int64, whence int) (int64, error) {
	f.metaLock().Lock()
	defer f.metaLock().Unlock()

	switch whence {
	case 0:
		if err := f.offsetMgr.SeekAbsolute(off); err != nil {
			return 0, err
		}
	case 1:
		if err := f.offsetMgr.SeekRelative(off); err != nil {
			return 0, err
		}
	case 2:
		size, _ := f.Fstat()
		if err := f.offsetMgr.SeekAbsolute(size + off); err != nil {
			return 0, err
		}
	default:
		return 0, errs.ErrBadArgument
	}
	return int64(f.offsetMgr.Offset()), nil
}

// Write appends len(buf) bytes at the shared offset, ordering itself
// against concurrent writers on the same file description via OffsetMgr,
// and advances the offset past what it wrote.
func (f *File) Write(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	f.metaLock().Lock()
	oldOffset, _, ticket := f.offsetMgr.AcquireOffset(uint64(len(buf)), 0, false)
	f.metaLock().Unlock()

	n, _, err := f.pwriteOrdered(buf, int64(oldOffset), ticket)
	return n, err
}

// Read reads up to len(buf) bytes from the shared offset and advances it
// by however many bytes were actually available.
func (f *File) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	size, _ := f.Fstat()

	f.metaLock().Lock()
	oldOffset, count, ticket := f.offsetMgr.AcquireOffset(uint64(len(buf)), uint64(size), true)
	f.metaLock().Unlock()

	if count == 0 {
		return 0, io.EOF
	}

	f.offsetMgr.WaitOffset(ticket)
	n, err := f.Pread(buf[:count], int64(oldOffset))
	f.offsetMgr.ReleaseOffset(ticket, offset.CursorFromTxEntryIdx(layout.UnpackTxEntryIdx(f.blk.TailTxIdx.Load())))
	return n, err
}

// pwriteOrdered waits for the ticket's predecessor, runs the write and
// then checks the ticket's place in commit order: if ValidateOffset
// reports that the predecessor's cursor does not sort before this
// write's, pwriteOrdered returns errs.ErrCorruptState. The write has
// already committed at that point and is not re-issued.
func (f *File) pwriteOrdered(buf []byte, at int64, ticket uint64) (int, offset.Cursor, error) {
	f.offsetMgr.WaitOffset(ticket)

	n, txIdx, err := f.pwriteAll(buf, at)
	if err != nil {
		return 0, 0, err
	}
	cursor := offset.CursorFromTxEntryIdx(txIdx)

	if !f.offsetMgr.ValidateOffset(ticket, cursor) {
		return 0, 0, errs.ErrCorruptState
	}
	f.offsetMgr.ReleaseOffset(ticket, cursor)
	return n, cursor, nil
}

// Pwrite overwrites the byte range [offset, offset+len(buf)) without
// touching the shared offset, chunking into layout.MaxAllocBlocks-sized
// pieces since a single allocator call and a single inline/indirect
// commit can't span more blocks than that.
func (f *File) Pwrite(buf []byte, at int64) (int, error) {
	n, _, err := f.pwriteAll(buf, at)
	return n, err
}

func (f *File) pwriteAll(buf []byte, at int64) (int, layout.TxEntryIdx, error) {
	written := 0
	var lastTx layout.TxEntryIdx
	for written < len(buf) {
		chunk := buf[written:]
		chunkOffset := at + int64(written)
		maxBytes := layout.MaxAllocBlocks*layout.BlockSize - int(chunkOffset%layout.BlockSize)
		if len(chunk) > maxBytes {
			chunk = chunk[:maxBytes]
		}
		n, txIdx, err := f.pwriteChunk(chunk, chunkOffset)
		written += n
		lastTx = txIdx
		if err != nil {
			return written, lastTx, err
		}
	}
	return written, lastTx, nil
}

// pwriteChunk is the shadow-page write algorithm: allocate fresh blocks
// for the whole range, copy forward the unaligned leading bytes from
// whatever block currently backs the write's first virtual block (a
// fresh block starts zeroed, so an unmapped leading region reads as
// zero), write the caller's bytes over the rest, persist, then commit the
// remap either inline or through the redo log.
func (f *File) pwriteChunk(buf []byte, at int64) (int, layout.TxEntryIdx, error) {
	count := len(buf)
	startOffset := uint32(uint64(at) % layout.BlockSize)
	numBlocks := uint32((uint64(count) + uint64(startOffset) + layout.BlockSize - 1) / layout.BlockSize)
	startVirtual := layout.VirtualBlockIdx(uint64(at) / layout.BlockSize)

	logicalIdx, err := f.allocator.Alloc(numBlocks)
	if err != nil {
		return 0, layout.TxEntryIdx{}, err
	}

	if startOffset != 0 {
		if oldLogical := f.blk.Get(startVirtual); oldLogical != 0 {
			oldBlock, err := f.blocks.mt.Block(oldLogical)
			if err != nil {
				return 0, layout.TxEntryIdx{}, err
			}
			newBlock, err := f.blocks.mt.Block(logicalIdx)
			if err != nil {
				return 0, layout.TxEntryIdx{}, err
			}
			copy(newBlock[:startOffset], oldBlock[:startOffset])
		}
	}

	remaining := buf
	for i := uint32(0); i < numBlocks; i++ {
		dst, err := f.blocks.mt.Block(logicalIdx + layout.LogicalBlockIdx(i))
		if err != nil {
			return 0, layout.TxEntryIdx{}, err
		}
		off := 0
		if i == 0 {
			off = int(startOffset)
		}
		n := copy(dst[off:], remaining)
		remaining = remaining[n:]
		if err := f.blocks.mt.Persist(logicalIdx + layout.LogicalBlockIdx(i)); err != nil {
			return 0, layout.TxEntryIdx{}, err
		}
	}

	lastRemaining := uint16(numBlocks*layout.BlockSize - uint32(count) - startOffset)

	entry, err := f.buildTxEntry(startVirtual, logicalIdx, numBlocks, lastRemaining)
	if err != nil {
		return 0, layout.TxEntryIdx{}, err
	}

	f.metaLock().Lock()
	hint := layout.UnpackTxEntryIdx(f.blk.TailTxIdx.Load())
	txIdx, err := f.tx.TryCommit(entry, hint, true)
	if err != nil {
		f.metaLock().Unlock()
		return 0, layout.TxEntryIdx{}, err
	}
	if _, err := f.blk.Update(false, false); err != nil {
		f.metaLock().Unlock()
		return 0, layout.TxEntryIdx{}, err
	}
	f.metaLock().Unlock()

	if f.threadSlot != nil {
		f.threadSlot.TxBlockIdx.Store(uint32(txIdx.BlockIdx))
	}

	return count, txIdx, nil
}

func (f *File) buildTxEntry(virtualIdx layout.VirtualBlockIdx, logicalIdx layout.LogicalBlockIdx, numBlocks uint32, lastRemaining uint16) (layout.TxEntry, error) {
	if layout.CanInline(virtualIdx, logicalIdx, uint8(numBlocks), lastRemaining) {
		return layout.MakeInlineTxEntry(virtualIdx, logicalIdx, uint8(numBlocks), lastRemaining), nil
	}
	logIdx, err := f.redo.Append([]layout.LogEntry{{
		Op:         layout.LogOpWrite,
		VirtualIdx: virtualIdx,
		LogicalIdx: logicalIdx,
		Size:       layout.PackSize(uint16(numBlocks), lastRemaining),
	}})
	if err != nil {
		return 0, err
	}
	return layout.MakeIndirectTxEntry(logIdx), nil
}

// Pread reads the byte range [offset, offset+len(buf)) into buf, clamped
// to the file's current logical size, without touching the shared
// offset. It satisfies io.ReaderAt's contract: on a short read because
// the range runs past the file's end, it returns io.EOF alongside the
// bytes actually available.
func (f *File) Pread(buf []byte, at int64) (int, error) {
	f.metaLock().Lock()
	if needed, err := f.blk.NeedUpdate(&f.cachedTxIdx, &f.cachedFileSize); err != nil {
		f.metaLock().Unlock()
		return 0, err
	} else if needed {
		if _, err := f.blk.Update(false, false); err != nil {
			f.metaLock().Unlock()
			return 0, err
		}
	}
	f.metaLock().Unlock()

	size := int64(f.blk.FileSize.Load())
	if at >= size {
		return 0, io.EOF
	}
	count := len(buf)
	short := false
	if at+int64(count) > size {
		count = int(size - at)
		short = true
	}

	startVirtual := layout.VirtualBlockIdx(uint64(at) / layout.BlockSize)
	startOffset := uint32(uint64(at) % layout.BlockSize)
	numBlocks := uint32((uint64(count) + uint64(startOffset) + layout.BlockSize - 1) / layout.BlockSize)

	read := 0
	for i := uint32(0); i < numBlocks; i++ {
		logical := f.blk.Get(startVirtual + layout.VirtualBlockIdx(i))
		off := 0
		if i == 0 {
			off = int(startOffset)
		}
		n := layout.BlockSize - off
		if remaining := count - read; n > remaining {
			n = remaining
		}
		if logical == 0 {
			for j := 0; j < n; j++ {
				buf[read+j] = 0
			}
		} else {
			src, err := f.blocks.mt.Block(logical)
			if err != nil {
				return read, err
			}
			copy(buf[read:read+n], src[off:off+n])
		}
		read += n
	}

	if short {
		return read, io.EOF
	}
	return read, nil
}
