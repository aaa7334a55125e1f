package ulayfs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ulayfs/internal/errs"
)

func requireShm(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/shm"); err != nil {
		t.Skip("no /dev/shm in this environment")
	}
}

func newTestFS(t *testing.T) *FS {
	t.Helper()
	requireShm(t)
	fs, err := Init(nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, fs.Shutdown()) })
	return fs
}

func TestOpenReturnsARealFdAndWriteReadRoundTrips(t *testing.T) {
	fs := newTestFS(t)
	path := filepath.Join(t.TempDir(), "image")

	fd, err := fs.Open(path)
	require.NoError(t, err)
	require.Positive(t, fd)

	n, err := fs.Write(fd, []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, 7, n)

	_, err = fs.Lseek(fd, 0, 0)
	require.NoError(t, err)

	buf := make([]byte, 7)
	n, err = fs.Read(fd, buf)
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, "payload", string(buf))
}

func TestOperationsOnUnmanagedFdReturnErrNotManaged(t *testing.T) {
	fs := newTestFS(t)

	_, err := fs.Read(99999, make([]byte, 1))
	require.ErrorIs(t, err, errs.ErrNotManaged)

	_, err = fs.Write(99999, []byte("x"))
	require.ErrorIs(t, err, errs.ErrNotManaged)

	err = fs.Close(99999)
	require.ErrorIs(t, err, errs.ErrNotManaged)
}

func TestCloseThenOperateReturnsErrNotManaged(t *testing.T) {
	fs := newTestFS(t)
	path := filepath.Join(t.TempDir(), "image")

	fd, err := fs.Open(path)
	require.NoError(t, err)
	require.NoError(t, fs.Close(fd))

	_, err = fs.Read(fd, make([]byte, 1))
	require.ErrorIs(t, err, errs.ErrNotManaged)

	require.ErrorIs(t, fs.Close(fd), errs.ErrNotManaged)
}

func TestPreadPwriteDoNotMoveSharedOffset(t *testing.T) {
	fs := newTestFS(t)
	path := filepath.Join(t.TempDir(), "image")

	fd, err := fs.Open(path)
	require.NoError(t, err)

	n, err := fs.Pwrite(fd, []byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	off, err := fs.Lseek(fd, 0, 1)
	require.NoError(t, err)
	require.Zero(t, off)

	buf := make([]byte, 5)
	n, err = fs.Pread(fd, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestFstatReportsWrittenSize(t *testing.T) {
	fs := newTestFS(t)
	path := filepath.Join(t.TempDir(), "image")

	fd, err := fs.Open(path)
	require.NoError(t, err)

	_, err = fs.Write(fd, []byte("0123456789"))
	require.NoError(t, err)

	size, err := fs.Fstat(fd)
	require.NoError(t, err)
	require.EqualValues(t, 10, size)
}

func TestShutdownClosesAllOpenFiles(t *testing.T) {
	requireShm(t)
	fs, err := Init(nil)
	require.NoError(t, err)

	dir := t.TempDir()
	fd1, err := fs.Open(filepath.Join(dir, "a"))
	require.NoError(t, err)
	fd2, err := fs.Open(filepath.Join(dir, "b"))
	require.NoError(t, err)

	require.NoError(t, fs.Shutdown())

	_, err = fs.Read(fd1, make([]byte, 1))
	require.ErrorIs(t, err, errs.ErrNotManaged)
	_, err = fs.Read(fd2, make([]byte, 1))
	require.ErrorIs(t, err, errs.ErrNotManaged)
}

func TestFtruncateOnManagedFdReturnsErrNotManaged(t *testing.T) {
	fs := newTestFS(t)
	path := filepath.Join(t.TempDir(), "image")

	fd, err := fs.Open(path)
	require.NoError(t, err)

	require.ErrorIs(t, fs.Ftruncate(fd, 0), errs.ErrNotManaged)
}

func TestReadPastEndOfFileReturnsEOF(t *testing.T) {
	fs := newTestFS(t)
	path := filepath.Join(t.TempDir(), "image")

	fd, err := fs.Open(path)
	require.NoError(t, err)

	n, err := fs.Read(fd, make([]byte, 8))
	require.Equal(t, io.EOF, err)
	require.Zero(t, n)
}
