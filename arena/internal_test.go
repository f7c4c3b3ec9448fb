package arena

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestBinNumForSize(t *testing.T) {
	require.Equal(t, 0, binNumForSize(1))
	require.Equal(t, 0, binNumForSize(256))
	require.Equal(t, 0, binNumForSize(511))
	require.Equal(t, 1, binNumForSize(512))
	require.Equal(t, 1, binNumForSize(768))
	require.Equal(t, 2, binNumForSize(1024))
	require.Equal(t, 12, binNumForSize(1024*1024))
	require.Equal(t, 20, binNumForSize(256<<20))
	// Sizes past the last bin boundary all land in the last bin.
	require.Equal(t, 20, binNumForSize(1<<40))
}

func TestBinNumToSize(t *testing.T) {
	require.Equal(t, 256, binNumToSize(0))
	require.Equal(t, 512, binNumToSize(1))
	require.Equal(t, 256<<20, binNumToSize(20))
}

func TestRoundedBytes(t *testing.T) {
	require.Equal(t, 256, roundedBytes(1))
	require.Equal(t, 256, roundedBytes(256))
	require.Equal(t, 512, roundedBytes(257))
	require.Equal(t, 768, roundedBytes(600))
}

func TestRegionManagerLookup(t *testing.T) {
	backingA := make([]byte, 4096)
	backingB := make([]byte, 8192)

	var manager regionManager
	regionA := manager.add(unsafe.Pointer(&backingA[0]), 4096, 0)
	regionB := manager.add(unsafe.Pointer(&backingB[0]), 8192, 1)
	require.Len(t, manager.regions, 2)

	require.Equal(t, regionA, manager.regionFor(unsafe.Pointer(&backingA[0])))
	require.Equal(t, regionA, manager.regionFor(unsafe.Pointer(&backingA[4095])))
	require.Equal(t, regionB, manager.regionFor(unsafe.Pointer(&backingB[256])))

	var outside byte
	require.Nil(t, manager.regionFor(unsafe.Pointer(&outside)))

	manager.remove(regionA)
	require.Len(t, manager.regions, 1)
	require.Nil(t, manager.regionFor(unsafe.Pointer(&backingA[0])))
	require.Equal(t, regionB, manager.regionFor(unsafe.Pointer(&backingB[0])))
}

func TestRegionHandleIndex(t *testing.T) {
	backing := make([]byte, 2048)
	base := unsafe.Pointer(&backing[0])

	region := newAllocationRegion(base, 2048, 0)
	require.Equal(t, InvalidChunkHandle, region.handle(base))

	region.setHandle(base, ChunkHandle(3))
	region.setHandle(unsafe.Add(base, 1024), ChunkHandle(7))

	require.Equal(t, ChunkHandle(3), region.handle(base))
	require.Equal(t, ChunkHandle(7), region.handle(unsafe.Add(base, 1024)))
	require.Equal(t, InvalidChunkHandle, region.handle(unsafe.Add(base, 512)))

	region.erase(base)
	require.Equal(t, InvalidChunkHandle, region.handle(base))
}

func TestRegionSizeMustBeAligned(t *testing.T) {
	backing := make([]byte, 300)
	require.Panics(t, func() {
		newAllocationRegion(unsafe.Pointer(&backing[0]), 300, 0)
	})
}
