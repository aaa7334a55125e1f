package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveBitmapAddrRoundTrip(t *testing.T) {
	cases := []LogicalBlockIdx{0, 1, 1535, 1536, 1536 + BlocksPerBitmapBlock, 1536 + BlocksPerBitmapBlock*3 + 42}
	for _, idx := range cases {
		addr := ResolveBitmapAddr(idx)
		assert.Equal(t, idx, LogicalFromBitmapAddr(addr))
	}
}

func TestResolveBitmapAddrInlineBoundary(t *testing.T) {
	assert.True(t, ResolveBitmapAddr(0).Inline)
	assert.True(t, ResolveBitmapAddr(InlineBitmapCoverage-1).Inline)
	assert.False(t, ResolveBitmapAddr(InlineBitmapCoverage).Inline)
}
