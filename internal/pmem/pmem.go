// Package pmem wraps the kernel primitives an already-open PMEM-backed file
// needs: file-backed MAP_SHARED mappings and flushing a byte range to
// persistence. Go has no portable CLWB/SFENCE intrinsic without cgo or
// assembly, so PersistFenced is built on msync(MS_SYNC), the closest
// portable equivalent for a file-backed mapping; on real PMEM hardware this
// still routes through the kernel's DAX fsync path rather than issuing
// cache-line flushes directly, which is the accepted tradeoff for staying
// in pure Go.
package pmem

import (
	"fmt"

	"golang.org/x/sys/unix"

	"ulayfs/internal/layout"
)

// Mapping is a single fixed-size, file-backed MAP_SHARED region starting
// at a byte offset into the backing fd. A Mapping never moves or resizes
// once created: growing the mapped view of a file means creating another
// Mapping at a later offset (see internal/memtable), not remapping this
// one, so pointers handed out from an existing Mapping stay valid for as
// long as the process holds it open.
type Mapping struct {
	fd     int
	offset int64
	data   []byte
}

// Map creates a mapping covering [offset, offset+size) of fd. Both offset
// and size must already be multiples of layout.BlockSize; the caller is
// responsible for ensuring the file is at least offset+size bytes long
// (via fallocate) before calling Map.
func Map(fd int, offset int64, size int) (*Mapping, error) {
	if size < layout.BlockSize || size%layout.BlockSize != 0 {
		return nil, fmt.Errorf("pmem: size %d is not a positive multiple of block size", size)
	}
	if offset < 0 || offset%layout.BlockSize != 0 {
		return nil, fmt.Errorf("pmem: offset %d is not a multiple of block size", offset)
	}
	data, err := unix.Mmap(fd, offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pmem: mmap: %w", err)
	}
	return &Mapping{fd: fd, offset: offset, data: data}, nil
}

// Offset returns the byte offset into the backing file this mapping
// starts at.
func (m *Mapping) Offset() int64 { return m.offset }

// Len returns the mapped length in bytes.
func (m *Mapping) Len() int { return len(m.data) }

// NumBlocks returns the mapped length in blocks.
func (m *Mapping) NumBlocks() int { return len(m.data) / layout.BlockSize }

// Block returns a view of the raw bytes for the block at local index idx
// within this mapping (idx is relative to Offset, not to the whole file).
func (m *Mapping) Block(idx int) layout.Block {
	start := idx * layout.BlockSize
	return m.data[start : start+layout.BlockSize : start+layout.BlockSize]
}

// PersistFenced flushes the byte range [off, off+n) of this mapping to
// persistence and establishes a store barrier: no caller-visible effect
// of a write issued before this call may be reordered, from an
// observer's perspective, past a write issued after it. See the package
// doc for why this is msync rather than clwb/sfence.
func (m *Mapping) PersistFenced(off, n int) error {
	if off < 0 || n < 0 || off+n > len(m.data) {
		return fmt.Errorf("pmem: persist range [%d,%d) out of bounds (len %d)", off, off+n, len(m.data))
	}
	if n == 0 {
		return nil
	}
	// msync requires a page-aligned start; round down to the containing
	// page and extend the length back out to cover the original range.
	pageSize := unix.Getpagesize()
	alignedOff := off - off%pageSize
	alignedLen := n + (off - alignedOff)
	return unix.Msync(m.data[alignedOff:alignedOff+alignedLen], unix.MS_SYNC)
}

// Unmap releases the mapping. It does not close the underlying fd.
func (m *Mapping) Unmap() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Fallocate extends fd to at least length bytes, zero-filling the new
// region. Used before mapping a new segment past the file's current end.
func Fallocate(fd int, length int64) error {
	return unix.Fallocate(fd, 0, 0, length)
}
