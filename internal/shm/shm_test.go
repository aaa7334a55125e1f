package shm

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPathForIsDeterministic(t *testing.T) {
	require.Equal(t, PathFor(42, 100), PathFor(42, 100))
	require.NotEqual(t, PathFor(42, 100), PathFor(43, 100))
}

func TestCreateOrOpenRoundTrip(t *testing.T) {
	if _, err := os.Stat("/dev/shm"); err != nil {
		t.Skip("no /dev/shm in this environment")
	}

	inode := uint64(time.Now().UnixNano())
	seg, path, err := CreateOrOpen(inode, 1, 4096)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, seg.Close())
		require.NoError(t, Unlink(path))
	}()

	require.Len(t, seg.Mirror(), 4096)

	idx, slot, ok := seg.ClaimThread()
	require.True(t, ok)
	require.EqualValues(t, idx, slot.Index)
	require.True(t, slot.Alive())

	slot.Release()
	require.False(t, slot.Alive())
}

func TestCreateOrOpenSecondCreatorJoinsExisting(t *testing.T) {
	if _, err := os.Stat("/dev/shm"); err != nil {
		t.Skip("no /dev/shm in this environment")
	}

	inode := uint64(time.Now().UnixNano())
	first, path, err := CreateOrOpen(inode, 2, 8192)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, first.Close())
		require.NoError(t, Unlink(path))
	}()

	second, path2, err := CreateOrOpen(inode, 2, 4096)
	require.NoError(t, err)
	defer second.Close()

	require.Equal(t, path, path2)
	require.Len(t, second.Mirror(), 8192)
}

func TestAliveIsFalseForUnclaimedSlot(t *testing.T) {
	var slot PerThreadData
	require.False(t, slot.Alive())
}

func TestSetAndReadPathXattr(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "ulayfs-shm-xattr-*")
	require.NoError(t, err)
	defer f.Close()

	fd := int(f.Fd())
	err = SetPathXattr(fd, "/dev/shm/ulayfs_1_2")
	if err != nil {
		t.Skipf("xattrs unsupported on this filesystem: %v", err)
	}

	got, err := PathXattr(fd)
	require.NoError(t, err)
	require.Equal(t, "/dev/shm/ulayfs_1_2", got)
}

func TestUnlinkByFilePathRemovesTheRecordedSegment(t *testing.T) {
	if _, err := os.Stat("/dev/shm"); err != nil {
		t.Skip("no /dev/shm in this environment")
	}

	f, err := os.CreateTemp(t.TempDir(), "ulayfs-shm-orphan-*")
	require.NoError(t, err)
	defer f.Close()

	inode := uint64(time.Now().UnixNano())
	seg, path, err := CreateOrOpen(inode, 3, 4096)
	require.NoError(t, err)
	defer seg.Close()

	if err := SetPathXattr(int(f.Fd()), path); err != nil {
		t.Skipf("xattrs unsupported on this filesystem: %v", err)
	}

	require.NoError(t, UnlinkByFilePath(f.Name()))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
