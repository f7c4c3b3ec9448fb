package memutils_test

import (
	"testing"

	"github.com/gpuarena/bfc/memutils"
	"github.com/stretchr/testify/require"
)

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, memutils.AlignUp(0, 256))
	require.Equal(t, 256, memutils.AlignUp(1, 256))
	require.Equal(t, 256, memutils.AlignUp(255, 256))
	require.Equal(t, 256, memutils.AlignUp(256, 256))
	require.Equal(t, 512, memutils.AlignUp(257, 256))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 0, memutils.AlignDown(255, 256))
	require.Equal(t, 256, memutils.AlignDown(256, 256))
	require.Equal(t, 256, memutils.AlignDown(511, 256))
}

func TestRoundUpToMultiple(t *testing.T) {
	require.Equal(t, 0, memutils.RoundUpToMultiple(0, 256))
	require.Equal(t, 256, memutils.RoundUpToMultiple(1, 256))
	require.Equal(t, 768, memutils.RoundUpToMultiple(600, 256))
	require.Equal(t, 300, memutils.RoundUpToMultiple(201, 100))
}

func TestNextPowerOfTwo(t *testing.T) {
	require.Equal(t, 1, memutils.NextPowerOfTwo(0))
	require.Equal(t, 1, memutils.NextPowerOfTwo(1))
	require.Equal(t, 2, memutils.NextPowerOfTwo(2))
	require.Equal(t, 4, memutils.NextPowerOfTwo(3))
	require.Equal(t, 1048576, memutils.NextPowerOfTwo(1048575))
	require.Equal(t, 2097152, memutils.NextPowerOfTwo(1048577))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(256, "value"))
	err := memutils.CheckPow2(257, "value")
	require.Error(t, err)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
}

func TestStatsAdd(t *testing.T) {
	var combined memutils.AllocatorStats
	combined.AddStats(&memutils.AllocatorStats{
		NumAllocs:     10,
		BytesInUse:    2048,
		MaxBytesInUse: 4096,
		MaxAllocSize:  1024,
	})
	combined.AddStats(&memutils.AllocatorStats{
		NumAllocs:     5,
		BytesInUse:    1024,
		MaxBytesInUse: 1024,
		MaxAllocSize:  2048,
	})

	require.Equal(t, int64(15), combined.NumAllocs)
	require.Equal(t, int64(3072), combined.BytesInUse)
	require.Equal(t, int64(4096), combined.MaxBytesInUse)
	require.Equal(t, int64(2048), combined.MaxAllocSize)

	combined.Clear()
	require.Equal(t, memutils.AllocatorStats{}, combined)
}
