// Package format builds a fresh, empty ulayfs image: it lays out the
// MetaBlock and the initial run of BitmapBlocks and stamps the magic
// that tells a later Open this file is one of ours. Formatting happens
// exactly once, before the file is ever mapped, so it writes through a
// plain O_DIRECT file descriptor rather than through internal/pmem.
package format

import (
	"fmt"
	"os"

	"github.com/ncw/directio"

	"ulayfs/internal/errs"
	"ulayfs/internal/layout"
)

// Options controls the shape of a freshly formatted image.
type Options struct {
	// NumBitmapBlocks is how many dedicated BitmapBlocks to allocate up
	// front, beyond MetaBlock's inline bitmap. Each covers
	// layout.BlocksPerBitmapBlock logical blocks.
	NumBitmapBlocks uint32
}

// defaultBitmapBlocks reserves enough dedicated BitmapBlocks, on top of
// MetaBlock's inline coverage, for a multi-gigabyte image without
// requiring a caller to size the image up front. Bitmap capacity is
// fixed for the life of an image (see internal/alloc's grounding note on
// why it can't grow after Format), so DefaultOptions errs generous.
const defaultBitmapBlocks = 64

// DefaultOptions covers layout.InlineBitmapCoverage blocks plus
// defaultBitmapBlocks dedicated BitmapBlocks, enough logical-block
// address space for most workloads without a caller having to reason
// about sizing.
var DefaultOptions = Options{NumBitmapBlocks: defaultBitmapBlocks}

// Format creates (or truncates) the file at path and writes a fresh,
// empty ulayfs image into it: MetaBlock at logical block 0, followed by
// opts.NumBitmapBlocks zeroed BitmapBlocks. It does not open the result
// for mmap use; callers reopen the path themselves once formatting
// succeeds.
func Format(path string, opts Options) error {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: format open: %v", errs.ErrIoFailure, err)
	}
	defer f.Close()

	totalBlocks := int64(1 + opts.NumBitmapBlocks)
	if err := f.Truncate(totalBlocks * layout.BlockSize); err != nil {
		return fmt.Errorf("%w: format truncate: %v", errs.ErrIoFailure, err)
	}

	metaBuf := directio.AlignedBlock(layout.BlockSize)
	layout.AsMetaBlock(metaBuf).Init(opts.NumBitmapBlocks)
	if _, err := f.WriteAt(metaBuf, 0); err != nil {
		return fmt.Errorf("%w: format write meta: %v", errs.ErrIoFailure, err)
	}

	if opts.NumBitmapBlocks > 0 {
		zero := directio.AlignedBlock(layout.BlockSize)
		for i := uint32(0); i < opts.NumBitmapBlocks; i++ {
			off := int64(1+i) * layout.BlockSize
			if _, err := f.WriteAt(zero, off); err != nil {
				return fmt.Errorf("%w: format write bitmap block %d: %v", errs.ErrIoFailure, i, err)
			}
		}
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: format sync: %v", errs.ErrIoFailure, err)
	}
	return nil
}

// Probe reads just enough of path to tell whether it already holds a
// valid ulayfs image, without formatting anything. It's used by Open to
// decide whether a fresh Format is needed.
func Probe(path string) (valid bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: probe open: %v", errs.ErrIoFailure, err)
	}
	defer f.Close()

	buf := make([]byte, layout.BlockSize)
	n, err := f.ReadAt(buf, 0)
	if err != nil && n < layout.BlockSize {
		return false, nil
	}
	return layout.AsMetaBlock(buf).Valid(), nil
}
