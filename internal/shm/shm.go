// Package shm manages the per-file companion segment in /dev/shm: a
// cross-process mirror of the global bitmap plus a fixed table of
// per-thread liveness slots that garbage collection uses to tell which
// tx-log positions are still pinned by a live reader/writer. Every
// process with the backing PMEM file open maps the same segment, found
// through an xattr recorded on that file.
package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"ulayfs/internal/arch"
	"ulayfs/internal/errs"
)

// MaxThreads bounds the number of PerThreadData slots in a segment; a
// thread that opens a file when all slots are taken falls back to
// running without a liveness slot (GC treats it conservatively, as if
// permanently pinned at its last known position).
const MaxThreads = 128

// ShmPathLen bounds the recorded path length, matching the xattr's fixed
// storage.
const ShmPathLen = 255

// XattrName is the extended attribute on the backing PMEM file that
// records this segment's /dev/shm path.
const XattrName = "user.ulayfs.shm_path"

// PerThreadData is one cache-line-isolated liveness slot. Initialized is
// CAS-claimed by a thread wanting a slot; once claimed, Pid+Generation
// form the liveness lease GC uses in place of a robust mutex's
// owner-death notification: GC treats the slot as abandoned once the
// recorded pid no longer exists, at which point TxBlockIdx's pin can be
// released. Generation is bumped on every claim so a reused slot can't
// be mistaken for the thread that last held it.
type PerThreadData struct {
	Initialized atomic.Uint32
	Index       uint32
	TxBlockIdx  atomic.Uint32
	Pid         atomic.Int32
	Generation  atomic.Uint32
	_           [arch.CacheLineSize - 20]byte
}

// Claim attempts to take this slot for the calling process, reporting
// success. index is the caller's own record of which slot this is
// (Index is stored for convenience but never consulted by Claim itself).
func (p *PerThreadData) Claim(index uint32) bool {
	if !p.Initialized.CompareAndSwap(0, 1) {
		return false
	}
	p.Index = index
	p.Generation.Add(1)
	p.Pid.Store(int32(os.Getpid()))
	p.TxBlockIdx.Store(0)
	return true
}

// Release gives the slot back for reuse by a future thread.
func (p *PerThreadData) Release() {
	p.Pid.Store(0)
	p.Initialized.Store(0)
}

// Alive reports whether the process that last claimed this slot is
// still running. A slot that was never claimed (Initialized == 0) is not
// alive.
func (p *PerThreadData) Alive() bool {
	if p.Initialized.Load() == 0 {
		return false
	}
	pid := p.Pid.Load()
	if pid == 0 {
		return false
	}
	// Signal 0 performs no actual signal delivery, only the existence
	// and permission checks; ESRCH means the process is gone.
	err := unix.Kill(int(pid), 0)
	return err == nil || err == unix.EPERM
}

const perThreadDataSize = int(unsafe.Sizeof(PerThreadData{}))

// Segment is a mapped, cross-process shared segment for one open file.
type Segment struct {
	data      []byte
	mirrorLen int
}

// SegmentSize returns the total byte length a segment needs to hold a
// bitmap mirror of mirrorLen bytes plus MaxThreads liveness slots.
func SegmentSize(mirrorLen int) int {
	return mirrorLen + MaxThreads*perThreadDataSize
}

// Mirror returns the bitmap-mirror region of the segment.
func (s *Segment) Mirror() []byte { return s.data[:s.mirrorLen] }

// Thread returns a view over liveness slot i.
func (s *Segment) Thread(i int) *PerThreadData {
	off := s.mirrorLen + i*perThreadDataSize
	return (*PerThreadData)(unsafe.Pointer(&s.data[off]))
}

// ClaimThread finds and claims the first free slot, returning its index.
func (s *Segment) ClaimThread() (int, *PerThreadData, bool) {
	for i := 0; i < MaxThreads; i++ {
		slot := s.Thread(i)
		if slot.Claim(uint32(i)) {
			return i, slot, true
		}
	}
	return 0, nil, false
}

// Close unmaps the segment. The underlying /dev/shm file, and any other
// process's mapping of it, is unaffected.
func (s *Segment) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}

// PathFor returns the canonical /dev/shm path for a file identified by
// inode and creation time, matching the naming scheme other processes
// opening the same file will independently compute.
func PathFor(inode uint64, ctimeNano int64) string {
	return filepath.Join("/dev/shm", fmt.Sprintf("ulayfs_%d_%d", inode, ctimeNano))
}

// CreateOrOpen creates the shared segment at PathFor(inode, ctimeNano) if
// it doesn't already exist, or opens it if a concurrent creator won the
// race. mirrorLen is the size of the bitmap-mirror region for a freshly
// created segment; it's ignored (the existing segment's own size wins)
// when another process already created it.
//
// The creation path avoids ever exposing a half-initialized segment
// under its final name: the file is built anonymously (O_TMPFILE) in
// /dev/shm, sized and permissioned there, and only linked into the
// directory once it's fully ready. If the link loses a race to another
// creator, the loser opens the file the winner published instead.
func CreateOrOpen(inode uint64, ctimeNano int64, mirrorLen int) (*Segment, string, error) {
	path := PathFor(inode, ctimeNano)
	size := SegmentSize(mirrorLen)

	tmpFd, err := unix.Open("/dev/shm", unix.O_TMPFILE|unix.O_RDWR, 0o600)
	if err != nil {
		return nil, "", fmt.Errorf("%w: shm tmpfile: %v", errs.ErrIoFailure, err)
	}
	defer unix.Close(tmpFd)

	if err := unix.Fallocate(tmpFd, 0, 0, int64(size)); err != nil {
		return nil, "", fmt.Errorf("%w: shm fallocate: %v", errs.ErrIoFailure, err)
	}
	if err := unix.Fchmod(tmpFd, 0o600); err != nil {
		return nil, "", fmt.Errorf("%w: shm fchmod: %v", errs.ErrIoFailure, err)
	}

	selfFd := fmt.Sprintf("/proc/self/fd/%d", tmpFd)
	linkErr := unix.Linkat(unix.AT_FDCWD, selfFd, unix.AT_FDCWD, path, unix.AT_SYMLINK_FOLLOW)
	if linkErr != nil && linkErr != unix.EEXIST {
		return nil, "", fmt.Errorf("%w: shm linkat: %v", errs.ErrIoFailure, linkErr)
	}

	fd, err := unix.Open(path, unix.O_RDWR, 0o600)
	if err != nil {
		return nil, "", fmt.Errorf("%w: shm open: %v", errs.ErrIoFailure, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, "", fmt.Errorf("%w: shm fstat: %v", errs.ErrIoFailure, err)
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, "", fmt.Errorf("%w: shm mmap: %v", errs.ErrIoFailure, err)
	}

	segMirrorLen := mirrorLen
	if linkErr == unix.EEXIST {
		// Another process's segment won; its mirror region size is
		// whatever it was created with, derivable from the file we just
		// mapped rather than the size we would have picked ourselves.
		segMirrorLen = int(st.Size) - MaxThreads*perThreadDataSize
	}

	return &Segment{data: data, mirrorLen: segMirrorLen}, path, nil
}

// SetPathXattr records path as the shm segment location on the backing
// PMEM file identified by fd.
func SetPathXattr(fd int, path string) error {
	if len(path) > ShmPathLen {
		return errs.ErrBadArgument
	}
	if err := unix.Fsetxattr(fd, XattrName, []byte(path), 0); err != nil {
		return fmt.Errorf("%w: setxattr: %v", errs.ErrIoFailure, err)
	}
	return nil
}

// PathXattr reads back the shm segment path previously recorded by
// SetPathXattr.
func PathXattr(fd int) (string, error) {
	buf := make([]byte, ShmPathLen+1)
	n, err := unix.Fgetxattr(fd, XattrName, buf)
	if err != nil {
		if err == unix.ENODATA {
			return "", errs.ErrNotManaged
		}
		return "", fmt.Errorf("%w: getxattr: %v", errs.ErrIoFailure, err)
	}
	return string(buf[:n]), nil
}

// Unlink removes the segment's directory entry. Other processes with it
// already mapped are unaffected; the underlying pages are freed once the
// last mapping is dropped. This is the explicit "destroy" step, never
// performed implicitly by Close.
func Unlink(path string) error {
	err := unix.Unlink(path)
	if err != nil && err != unix.ENOENT {
		return fmt.Errorf("%w: shm unlink: %v", errs.ErrIoFailure, err)
	}
	return nil
}

// UnlinkByFilePath resolves the shm segment path recorded on the PMEM
// file at filePath via its xattr and unlinks it, matching
// original_source/src/shm.h's unlink_by_file_path: the entrypoint used
// to destroy an orphaned segment (e.g. by a cleanup tool) after the
// owning file has already been deleted, when no open fd or *Segment is
// available to unlink through.
func UnlinkByFilePath(filePath string) error {
	fd, err := unix.Open(filePath, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", errs.ErrIoFailure, filePath, err)
	}
	defer unix.Close(fd)

	path, err := PathXattr(fd)
	if err != nil {
		return err
	}
	return Unlink(path)
}
