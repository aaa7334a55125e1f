// Package errs defines the abstract error taxonomy that every ulayfs
// component reports through. The syscall-level façade is responsible for
// translating these into errno values; see pkg/ulayfs.
package errs

import "errors"

var (
	// ErrNoSpace is returned when the allocator cannot service a request
	// because no bitmap block has a run of the requested size.
	ErrNoSpace = errors.New("ulayfs: no space left on device")

	// ErrTxFull is returned by the transaction manager when the tx-log
	// cannot be extended and the caller disallowed allocation.
	ErrTxFull = errors.New("ulayfs: transaction log full")

	// ErrBadArgument covers negative seeks, integer overflow, and
	// unsupported arguments (e.g. an unknown lseek whence). Truncation is
	// not reported through it: pkg/ulayfs answers it with ErrNotManaged.
	ErrBadArgument = errors.New("ulayfs: bad argument")

	// ErrIoFailure indicates a failed mmap, fallocate, or link syscall.
	// Callers should treat this as fatal.
	ErrIoFailure = errors.New("ulayfs: io failure")

	// ErrCorruptState indicates an invariant was violated while replaying
	// the transaction log (e.g. a commit referencing a block past EOF).
	// Callers should treat this as fatal.
	ErrCorruptState = errors.New("ulayfs: corrupt on-disk state")

	// ErrNotManaged is not a failure. It signals that a file descriptor is
	// not owned by ulayfs, so the calling shim should fall through to the
	// kernel implementation.
	ErrNotManaged = errors.New("ulayfs: file descriptor not managed")
)

// Fatal reports whether err is IoFailure or CorruptState, the two
// conditions the façade treats as unrecoverable and aborts on rather than
// returning an errno.
func Fatal(err error) bool {
	return errors.Is(err, ErrIoFailure) || errors.Is(err, ErrCorruptState)
}
