package file

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"ulayfs/internal/errs"
	"ulayfs/internal/layout"
	"ulayfs/internal/shm"
)

func requireShm(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/shm"); err != nil {
		t.Skip("no /dev/shm in this environment")
	}
}

func openTemp(t *testing.T) *File {
	t.Helper()
	requireShm(t)
	path := filepath.Join(t.TempDir(), "image")
	f, err := Open(path, Options{StrictOffsetSerial: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		if f.shmPath != "" {
			shm.Unlink(f.shmPath)
		}
		require.NoError(t, f.Close())
	})
	return f
}

func TestOpenFormatsFreshImage(t *testing.T) {
	f := openTemp(t)
	size, err := f.Fstat()
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestOpenOnAlreadyFormattedImageSucceeds(t *testing.T) {
	requireShm(t)
	path := filepath.Join(t.TempDir(), "image")

	f1, err := Open(path, Options{StrictOffsetSerial: true})
	require.NoError(t, err)
	shmPath1 := f1.shmPath
	require.NoError(t, f1.Close())
	defer shm.Unlink(shmPath1)

	f2, err := Open(path, Options{StrictOffsetSerial: true})
	require.NoError(t, err)
	defer func() {
		shm.Unlink(f2.shmPath)
		require.NoError(t, f2.Close())
	}()
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	f := openTemp(t)

	payload := []byte("hello ulayfs")
	n, err := f.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	size, err := f.Fstat()
	require.NoError(t, err)
	require.EqualValues(t, len(payload), size)

	_, err = f.Lseek(0, 0)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	n, err = f.Read(buf)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func TestReadPastEndOfFileReturnsEOF(t *testing.T) {
	f := openTemp(t)

	buf := make([]byte, 16)
	n, err := f.Read(buf)
	require.Equal(t, io.EOF, err)
	require.Zero(t, n)
}

func TestPwriteAtOffsetLeavesLeadingHoleAsZero(t *testing.T) {
	f := openTemp(t)

	n, err := f.Pwrite([]byte("tail"), int64(layout.BlockSize))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	buf := make([]byte, layout.BlockSize)
	n, err = f.Pread(buf, 0)
	require.NoError(t, err)
	require.Equal(t, layout.BlockSize, n)
	for _, b := range buf {
		require.Zero(t, b)
	}

	tail := make([]byte, 4)
	n, err = f.Pread(tail, int64(layout.BlockSize))
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []byte("tail"), tail)
}

func TestPwriteUnalignedPreservesLeadingBytesOfBlock(t *testing.T) {
	f := openTemp(t)

	first := make([]byte, layout.BlockSize)
	for i := range first {
		first[i] = byte(i)
	}
	_, err := f.Pwrite(first, 0)
	require.NoError(t, err)

	_, err = f.Pwrite([]byte("PATCH"), 10)
	require.NoError(t, err)

	buf := make([]byte, layout.BlockSize)
	n, err := f.Pread(buf, 0)
	require.NoError(t, err)
	require.Equal(t, layout.BlockSize, n)

	require.Equal(t, first[:10], buf[:10])
	require.Equal(t, []byte("PATCH"), buf[10:15])
}

func TestPwriteSpanningMoreThanMaxAllocBlocksChunks(t *testing.T) {
	f := openTemp(t)

	total := (layout.MaxAllocBlocks + 5) * layout.BlockSize
	buf := make([]byte, total)
	for i := range buf {
		buf[i] = byte(i % 251)
	}

	n, err := f.Pwrite(buf, 0)
	require.NoError(t, err)
	require.Equal(t, total, n)

	got := make([]byte, total)
	n, err = f.Pread(got, 0)
	require.NoError(t, err)
	require.Equal(t, total, n)
	require.Equal(t, buf, got)
}

func TestLseekWhenceVariants(t *testing.T) {
	f := openTemp(t)

	_, err := f.Write([]byte("0123456789"))
	require.NoError(t, err)

	off, err := f.Lseek(3, 0)
	require.NoError(t, err)
	require.EqualValues(t, 3, off)

	off, err = f.Lseek(2, 1)
	require.NoError(t, err)
	require.EqualValues(t, 5, off)

	off, err = f.Lseek(0, 2)
	require.NoError(t, err)
	require.EqualValues(t, 10, off)

	_, err = f.Lseek(0, 99)
	require.ErrorIs(t, err, errs.ErrBadArgument)
}

func TestWriteEmptyBufferIsNoop(t *testing.T) {
	f := openTemp(t)
	n, err := f.Write(nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestOpenClaimsLivenessSlotAndCommitUpdatesItsPin(t *testing.T) {
	f := openTemp(t)
	require.NotNil(t, f.threadSlot)
	require.True(t, f.threadSlot.Alive())
	require.Zero(t, f.threadSlot.TxBlockIdx.Load())

	// The first NumInlineTxEntries commits land inline in MetaBlock (index
	// 0), so the pin stays at 0 until enough writes overflow into a real
	// TxLogBlock; drive past that threshold to see the pin move.
	for i := 0; i <= layout.NumInlineTxEntries; i++ {
		_, err := f.Write([]byte("x"))
		require.NoError(t, err)
	}
	require.NotZero(t, f.threadSlot.TxBlockIdx.Load())
}

func TestCloseReleasesLivenessSlot(t *testing.T) {
	requireShm(t)
	path := filepath.Join(t.TempDir(), "image")
	f, err := Open(path, Options{StrictOffsetSerial: true})
	require.NoError(t, err)
	slot := f.threadSlot
	require.NotNil(t, slot)
	// Close unmaps this process's view of the segment, so the slot is read
	// back afterwards from the /dev/shm file itself.
	slotOff := shmMirrorLen(f.blocks) + int(slot.Index)*int(unsafe.Sizeof(shm.PerThreadData{}))

	shmPath := f.shmPath
	require.NoError(t, f.Close())
	defer shm.Unlink(shmPath)

	raw, err := os.ReadFile(shmPath)
	require.NoError(t, err)
	slot = (*shm.PerThreadData)(unsafe.Pointer(&raw[slotOff]))
	require.False(t, slot.Alive())
}

func TestOpenWithNilLoggerDoesNotPanic(t *testing.T) {
	requireShm(t)
	path := filepath.Join(t.TempDir(), "image")
	f, err := Open(path, Options{})
	require.NoError(t, err)
	defer func() {
		shm.Unlink(f.shmPath)
		require.NoError(t, f.Close())
	}()

	_, err = f.Write([]byte("x"))
	require.NoError(t, err)
}
