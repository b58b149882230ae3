package apfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCoalesceBitmap_CoalescesContiguousRuns confirms the LSB-first bit
// order and that contiguous runs of set bits become single ranges.
func TestCoalesceBitmap_CoalescesContiguousRuns(t *testing.T) {
	const blockSize = int64(4096)
	const chunkAddr = uint64(100)

	// Bits 0-2 set, bit 3 clear, bits 4-9 set, rest (10-15) clear.
	bitmap := []byte{0b11110111, 0b00000011}

	ranges := coalesceBitmap(bitmap, chunkAddr, 16, blockSize)

	require.Len(t, ranges, 2)
	assert.Equal(t, byteRange{
		Offset: int64(chunkAddr) * blockSize,
		Length: 3 * blockSize,
	}, ranges[0])
	assert.Equal(t, byteRange{
		Offset: int64(chunkAddr+4) * blockSize,
		Length: 6 * blockSize,
	}, ranges[1])
}

func TestCoalesceBitmap_AllFree(t *testing.T) {
	bitmap := []byte{0x00, 0x00}
	ranges := coalesceBitmap(bitmap, 0, 16, 4096)
	assert.Empty(t, ranges)
}

func TestCoalesceBitmap_AllUsed(t *testing.T) {
	bitmap := []byte{0xFF, 0xFF}
	ranges := coalesceBitmap(bitmap, 50, 16, 4096)
	require.Len(t, ranges, 1)
	assert.Equal(t, byteRange{Offset: 50 * 4096, Length: 16 * 4096}, ranges[0])
}

// TestResolveChunkRanges_FullyFreeAndFullyUsed covers the two shortcut
// paths taken before falling back to a bitmap walk.
func TestResolveChunkRanges_FullyFreeAndFullyUsed(t *testing.T) {
	c := &container{blockSize: 4096}

	free := chunkInfo{Addr: 10, BlockCount: 8, FreeCount: 8}
	ranges, err := resolveChunkRanges(c, free)
	require.NoError(t, err)
	assert.Empty(t, ranges)

	used := chunkInfo{Addr: 10, BlockCount: 8, FreeCount: 0}
	ranges, err = resolveChunkRanges(c, used)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, byteRange{Offset: 10 * 4096, Length: 8 * 4096}, ranges[0])
}
