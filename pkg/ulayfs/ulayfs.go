// Package ulayfs is the public syscall-level façade over the PMEM core.
// It plays the role original_source/src/lib.cpp's LD_PRELOAD-intercepted
// open/close/read/write/pread/pwrite/lseek/fstat functions play, adapted
// from a global fd-to-File C++ map into an explicit FS handle a hosting
// process constructs with Init and tears down with Shutdown, generalized
// from pkg/boulder.go/pkg/interface.go's single-instance facade shape
// since this core must support many concurrently open files.
package ulayfs

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"

	"ulayfs/internal/config"
	"ulayfs/internal/errs"
	"ulayfs/internal/file"
)

// handle is one entry in FS's fd table. closed is set under the handle's
// own lock before Close releases the underlying file, so a goroutine that
// raced a lookup against a concurrent Close observes a closed handle
// rather than operating on a *file.File that's already released its
// resources.
type handle struct {
	mu     sync.Mutex
	file   *file.File
	closed bool
}

// FS is a running ulayfs session: resolved configuration, a session
// logger, and the table of files currently open through it. The zero
// value is not usable; construct with Init.
type FS struct {
	cfg       *config.Config
	baseLog   *slog.Logger
	logCloser io.Closer

	mu      sync.Mutex
	handles map[int]*handle
}

// Init resolves runtime configuration (see internal/config) from
// ULAYFS_-prefixed environment variables and, if flagSet is non-nil,
// bound command-line flags, builds the session logger, and returns a
// ready-to-use FS. flagSet may be nil for library callers that have no
// flag parsing of their own; register internal/config.Flags on it first
// if a hosting CLI wants --show-config/--log-file/--strict-offset-serial
// overrides.
func Init(flagSet *pflag.FlagSet) (*FS, error) {
	cfg, err := config.Load(flagSet)
	if err != nil {
		return nil, err
	}

	logger, closer, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}

	if cfg.ShowConfig {
		cfg.Dump(os.Stderr)
	}

	return &FS{
		cfg:       cfg,
		baseLog:   logger,
		logCloser: closer,
		handles:   make(map[int]*handle),
	}, nil
}

// Shutdown closes every file still open through fs and releases the
// session logger's file, if any. It aggregates every error encountered
// rather than stopping at the first, matching internal/file.Close's own
// aggregation shape.
func (fs *FS) Shutdown() error {
	fs.mu.Lock()
	handles := fs.handles
	fs.handles = make(map[int]*handle)
	fs.mu.Unlock()

	var result *multierror.Error
	for fd, h := range handles {
		if err := closeHandle(h); err != nil {
			result = multierror.Append(result, fmt.Errorf("fd %d: %w", fd, err))
		}
	}
	if fs.logCloser != nil {
		if err := fs.logCloser.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Open opens path as a ulayfs image (formatting a fresh one if it
// doesn't already exist) and returns the real kernel file descriptor
// backing it, matching original_source/src/lib.cpp's `open`: the fd
// returned to a caller is the same one the kernel handed back, not a
// synthetic handle, so a hosting shim can hand it straight to
// application code and later route operations on that same fd number
// back into ulayfs.
func (fs *FS) Open(path string) (int, error) {
	f, err := file.Open(path, file.Options{
		StrictOffsetSerial: fs.cfg.StrictOffsetSerial,
		Logger:             fs.cfg.NewSessionLogger(fs.baseLog),
	})
	if err != nil {
		return -1, err
	}

	fd := f.Fd()
	fs.mu.Lock()
	fs.handles[fd] = &handle{file: f}
	fs.mu.Unlock()
	return fd, nil
}

// lookup resolves fd to its handle, or errs.ErrNotManaged if fs doesn't
// own it — the signal a hosting shim uses to fall through to the real
// kernel syscall for fds ulayfs never opened.
func (fs *FS) lookup(fd int) (*handle, error) {
	fs.mu.Lock()
	h, ok := fs.handles[fd]
	fs.mu.Unlock()
	if !ok {
		return nil, errs.ErrNotManaged
	}
	return h, nil
}

func closeHandle(h *handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.file.Close()
}

// Close closes fd. Returns errs.ErrNotManaged if fs doesn't own fd.
func (fs *FS) Close(fd int) error {
	fs.mu.Lock()
	h, ok := fs.handles[fd]
	if ok {
		delete(fs.handles, fd)
	}
	fs.mu.Unlock()
	if !ok {
		return errs.ErrNotManaged
	}
	return closeHandle(h)
}

// withFile runs op against fd's underlying *file.File, translating an
// unmanaged or already-closed fd into errs.ErrNotManaged.
func (fs *FS) withFile(fd int, op func(*file.File) (int, error)) (int, error) {
	h, err := fs.lookup(fd)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	closed := h.closed
	f := h.file
	h.mu.Unlock()
	if closed {
		return 0, errs.ErrNotManaged
	}
	return op(f)
}

// Read reads into buf from fd's shared offset, advancing it.
func (fs *FS) Read(fd int, buf []byte) (int, error) {
	return fs.withFile(fd, func(f *file.File) (int, error) { return f.Read(buf) })
}

// Write writes buf to fd's shared offset, advancing it.
func (fs *FS) Write(fd int, buf []byte) (int, error) {
	return fs.withFile(fd, func(f *file.File) (int, error) { return f.Write(buf) })
}

// Pread reads into buf at the given offset without touching fd's shared
// offset.
func (fs *FS) Pread(fd int, buf []byte, at int64) (int, error) {
	return fs.withFile(fd, func(f *file.File) (int, error) { return f.Pread(buf, at) })
}

// Pwrite writes buf at the given offset without touching fd's shared
// offset.
func (fs *FS) Pwrite(fd int, buf []byte, at int64) (int, error) {
	return fs.withFile(fd, func(f *file.File) (int, error) { return f.Pwrite(buf, at) })
}

// Lseek repositions fd's shared offset per whence (0=SEEK_SET,
// 1=SEEK_CUR, 2=SEEK_END) and returns the resulting offset.
func (fs *FS) Lseek(fd int, off int64, whence int) (int64, error) {
	h, err := fs.lookup(fd)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	closed := h.closed
	f := h.file
	h.mu.Unlock()
	if closed {
		return 0, errs.ErrNotManaged
	}
	return f.Lseek(off, whence)
}

// Ftruncate always returns errs.ErrNotManaged: concurrent truncation of a
// PMEM image while other threads may be mid-write is out of scope (see
// DESIGN.md's Open Question decisions), so a hosting shim falls through
// to the kernel's own ftruncate(2) rather than getting an unsafe partial
// implementation here.
func (fs *FS) Ftruncate(fd int, size int64) error {
	if _, err := fs.lookup(fd); err != nil {
		return err
	}
	return errs.ErrNotManaged
}

// Fstat reports fd's current logical size.
func (fs *FS) Fstat(fd int) (int64, error) {
	h, err := fs.lookup(fd)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	closed := h.closed
	f := h.file
	h.mu.Unlock()
	if closed {
		return 0, errs.ErrNotManaged
	}
	return f.Fstat()
}
