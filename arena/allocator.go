package arena

import (
	"unsafe"

	"github.com/gpuarena/bfc/memutils"
)

// Allocator hands out device memory to callers. Implementations are safe for
// concurrent use unless documented otherwise.
type Allocator interface {
	// Alloc returns a pointer to at least size bytes of device memory, or nil
	// when the request cannot be satisfied. Alloc(0) returns nil.
	Alloc(size int) unsafe.Pointer
	// AllocOnStream behaves like Alloc but tags the returned memory with the
	// execution stream that will consume it. Implementations that are not
	// stream-aware ignore the stream.
	AllocOnStream(size int, stream Stream) unsafe.Pointer
	// Free returns memory obtained from Alloc, AllocOnStream or Reserve.
	// Free(nil) is a no-op. Freeing a pointer this allocator did not hand out
	// panics.
	Free(ptr unsafe.Pointer)
	// Reserve returns at least size bytes of device memory that bypasses any
	// pooling the allocator performs, or nil when the request cannot be
	// satisfied.
	Reserve(size int) unsafe.Pointer
	// GetStats fills stats with a snapshot of this allocator's counters.
	GetStats(stats *memutils.AllocatorStats)
	IsStreamAware() bool
}

// DeviceAllocator supplies the raw memory an arena carves up. Implementations
// wrap a device API such as a GPU runtime, pinned host memory, or plain heap
// memory.
type DeviceAllocator interface {
	Alloc(size int) (unsafe.Pointer, error)
	Free(ptr unsafe.Pointer) error
}

// Stream identifies an asynchronous execution stream. Streams are compared by
// interface identity, so implementations must hand the same value to every
// arena call that refers to the same stream.
//
// SyncID returns the stream's synchronization counter. The stream's owner
// must increment the counter immediately after each synchronization it
// records with StreamAwareArena.RecordSynchronization, so that a recorded
// value of n proves every piece of work tagged with an id of n or lower has
// been observed.
type Stream interface {
	SyncID() uint64
}
