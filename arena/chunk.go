package arena

import (
	"fmt"
	"unsafe"
)

// ChunkHandle indexes an arena's chunk table. Handles stay valid while the
// table grows; raw *chunk pointers do not, so they must be re-fetched after
// any call that can append to the table.
type ChunkHandle int

const InvalidChunkHandle ChunkHandle = -1

const (
	minAllocationBits = 8
	// minAllocationSize is the granularity of the arena. Every chunk size and
	// region size is a multiple of it.
	minAllocationSize = 1 << minAllocationBits
)

// chunk is one piece of a region. Chunks in the same region form a
// doubly-linked chain in address order, with no gaps between neighbors.
type chunk struct {
	// size is the usable byte count, always a multiple of minAllocationSize.
	size int
	// requestedSize is the byte count the caller actually asked for. Only
	// meaningful while the chunk is in use.
	requestedSize int
	// allocationID is -1 while the chunk is free, unique and positive while
	// it is in use.
	allocationID int64

	ptr unsafe.Pointer

	prev ChunkHandle
	next ChunkHandle

	// binNum is the bin currently holding this chunk, or invalidBinNum when
	// the chunk is in use or mid-operation.
	binNum int

	// stream pins a freed chunk to the execution stream that last used it.
	// streamSyncID is the stream's sync counter at the time of allocation.
	stream       Stream
	streamSyncID uint64
}

func (c *chunk) inUse() bool {
	return c.allocationID != -1
}

// allocateChunk reserves a slot in the chunk table, recycling one from the
// free list when possible. The returned chunk is zeroed and unlinked.
func (a *BFCArena) allocateChunk() ChunkHandle {
	if a.freeChunksList != InvalidChunkHandle {
		handle := a.freeChunksList
		c := a.chunkFromHandle(handle)
		a.freeChunksList = c.next
		*c = chunk{
			allocationID: -1,
			prev:         InvalidChunkHandle,
			next:         InvalidChunkHandle,
			binNum:       invalidBinNum,
		}
		return handle
	}

	a.chunks = append(a.chunks, chunk{
		allocationID: -1,
		prev:         InvalidChunkHandle,
		next:         InvalidChunkHandle,
		binNum:       invalidBinNum,
	})
	return ChunkHandle(len(a.chunks) - 1)
}

// deallocateChunk pushes a chunk table slot back onto the free list. The
// chunk must already be out of its bin and unlinked from its neighbors.
func (a *BFCArena) deallocateChunk(handle ChunkHandle) {
	c := a.chunkFromHandle(handle)
	c.allocationID = -1
	c.ptr = nil
	c.size = 0
	c.requestedSize = 0
	c.stream = nil
	c.streamSyncID = 0
	c.binNum = invalidBinNum
	c.prev = InvalidChunkHandle
	c.next = a.freeChunksList
	a.freeChunksList = handle
}

func (a *BFCArena) chunkFromHandle(handle ChunkHandle) *chunk {
	if handle < 0 || int(handle) >= len(a.chunks) {
		panic(fmt.Sprintf("invalid chunk handle %d with a chunk table of size %d", handle, len(a.chunks)))
	}
	return &a.chunks[handle]
}
