package format

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ulayfs/internal/layout"
)

func TestFormatWritesValidMetaBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")
	require.NoError(t, Format(path, Options{NumBitmapBlocks: 0}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	st, err := f.Stat()
	require.NoError(t, err)
	require.EqualValues(t, layout.BlockSize, st.Size())

	buf := make([]byte, layout.BlockSize)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)

	m := layout.AsMetaBlock(buf)
	require.True(t, m.Valid())
	require.EqualValues(t, 0, m.NumBitmapBlocks.Load())
	require.EqualValues(t, 0, m.FileSize.Load())
	require.EqualValues(t, layout.MetaBlockIdx, m.LogHead.Load())
	require.True(t, m.InlineBitmaps[0].Load()&1 == 1, "block 0 must be pre-marked allocated")
}

func TestDefaultOptionsReservesBitmapCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")
	require.NoError(t, Format(path, DefaultOptions))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	st, err := f.Stat()
	require.NoError(t, err)
	require.EqualValues(t, int64(1+defaultBitmapBlocks)*layout.BlockSize, st.Size())

	buf := make([]byte, layout.BlockSize)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.EqualValues(t, defaultBitmapBlocks, layout.AsMetaBlock(buf).NumBitmapBlocks.Load())
}

func TestFormatWithBitmapBlocksSizesFileAndZerosThem(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")
	require.NoError(t, Format(path, Options{NumBitmapBlocks: 3}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	st, err := f.Stat()
	require.NoError(t, err)
	require.EqualValues(t, 4*layout.BlockSize, st.Size())

	buf := make([]byte, layout.BlockSize)
	for i := 1; i <= 3; i++ {
		_, err := f.ReadAt(buf, int64(i)*layout.BlockSize)
		require.NoError(t, err)
		for _, b := range buf {
			require.Zero(t, b)
		}
	}

	meta := make([]byte, layout.BlockSize)
	_, err = f.ReadAt(meta, 0)
	require.NoError(t, err)
	require.EqualValues(t, 3, layout.AsMetaBlock(meta).NumBitmapBlocks.Load())
}

func TestProbeReportsExistingImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")

	valid, err := Probe(path)
	require.NoError(t, err)
	require.False(t, valid)

	require.NoError(t, Format(path, DefaultOptions))

	valid, err = Probe(path)
	require.NoError(t, err)
	require.True(t, valid)
}

func TestProbeRejectsGarbageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage")
	require.NoError(t, os.WriteFile(path, make([]byte, layout.BlockSize), 0o644))

	valid, err := Probe(path)
	require.NoError(t, err)
	require.False(t, valid)
}

func TestFormatIsIdempotentOverExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")
	require.NoError(t, Format(path, DefaultOptions))
	require.NoError(t, Format(path, Options{NumBitmapBlocks: 0}))

	valid, err := Probe(path)
	require.NoError(t, err)
	require.True(t, valid)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	st, err := f.Stat()
	require.NoError(t, err)
	require.EqualValues(t, layout.BlockSize, st.Size(), "reformatting must truncate away the old bitmap blocks")
}
