package arena

import (
	"fmt"
	"math/bits"

	"github.com/google/btree"
)

const (
	// numBins covers size classes from 256 bytes up to 256 << 20 and beyond.
	// The last bin is open-ended.
	numBins       = 21
	invalidBinNum = -1
)

// bin collects the free chunks of one size class, ordered by size and then
// address so the smallest, lowest-addressed candidate is found first.
type bin struct {
	// binSize is the smallest chunk size this bin admits.
	binSize    int
	freeChunks *btree.BTreeG[ChunkHandle]
}

func (a *BFCArena) initBins() {
	for binNum := 0; binNum < numBins; binNum++ {
		a.bins[binNum] = bin{
			binSize:    binNumToSize(binNum),
			freeChunks: btree.NewG[ChunkHandle](2, a.chunkLess),
		}
	}
}

// chunkLess orders free chunks by size, breaking ties by address so equal
// sizes are handed out deterministically from the lowest address.
func (a *BFCArena) chunkLess(x, y ChunkHandle) bool {
	chunkX := a.chunkFromHandle(x)
	chunkY := a.chunkFromHandle(y)
	if chunkX.size != chunkY.size {
		return chunkX.size < chunkY.size
	}
	return uintptr(chunkX.ptr) < uintptr(chunkY.ptr)
}

func binNumToSize(binNum int) int {
	return minAllocationSize << binNum
}

func binNumForSize(bytes int) int {
	if bytes < minAllocationSize {
		bytes = minAllocationSize
	}
	binNum := bits.Len64(uint64(bytes>>minAllocationBits)) - 1
	if binNum > numBins-1 {
		binNum = numBins - 1
	}
	return binNum
}

func (a *BFCArena) insertFreeChunkIntoBin(handle ChunkHandle) {
	c := a.chunkFromHandle(handle)
	if c.inUse() || c.binNum != invalidBinNum {
		panic(fmt.Sprintf("attempted to re-bin chunk %d, which is in use or already binned", handle))
	}

	binNum := binNumForSize(c.size)
	c.binNum = binNum
	a.bins[binNum].freeChunks.ReplaceOrInsert(handle)
}

// removeFreeChunkFromBin must run before the chunk's size or pointer change,
// since the bin's ordering depends on both.
func (a *BFCArena) removeFreeChunkFromBin(handle ChunkHandle) {
	c := a.chunkFromHandle(handle)
	if c.inUse() || c.binNum == invalidBinNum {
		panic(fmt.Sprintf("attempted to un-bin chunk %d, which is in use or not binned", handle))
	}

	if _, present := a.bins[c.binNum].freeChunks.Delete(handle); !present {
		panic(fmt.Sprintf("free chunk %d was missing from bin %d", handle, c.binNum))
	}
	c.binNum = invalidBinNum
}
