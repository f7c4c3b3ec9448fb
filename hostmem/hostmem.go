// Package hostmem provides a DeviceAllocator backed by ordinary Go heap
// buffers. It exists for tests and for running device-shaped code paths on
// the CPU.
package hostmem

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// Allocator hands out pointers into heap buffers it keeps alive until they
// are freed, so the garbage collector never reclaims memory that is still
// checked out.
type Allocator struct {
	mutex sync.Mutex

	// limit caps the total outstanding bytes. 0 means unlimited.
	limit   int
	granted int

	buffers map[uintptr][]byte
}

// New creates an Allocator that refuses to hold more than limitBytes at once.
// Pass 0 for no limit.
func New(limitBytes int) *Allocator {
	return &Allocator{
		limit:   limitBytes,
		buffers: make(map[uintptr][]byte),
	}
}

func (a *Allocator) Alloc(size int) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, errors.Newf("invalid allocation size %d", size)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.limit > 0 && a.granted+size > a.limit {
		return nil, errors.Newf("allocating %d bytes would exceed the limit of %d, %d already granted", size, a.limit, a.granted)
	}

	buffer := make([]byte, size)
	ptr := unsafe.Pointer(&buffer[0])
	a.buffers[uintptr(ptr)] = buffer
	a.granted += size

	return ptr, nil
}

func (a *Allocator) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	buffer, present := a.buffers[uintptr(ptr)]
	if !present {
		return errors.Newf("pointer %#x was not allocated by this allocator", uintptr(ptr))
	}

	delete(a.buffers, uintptr(ptr))
	a.granted -= len(buffer)

	return nil
}

// GrantedBytes returns the total outstanding bytes.
func (a *Allocator) GrantedBytes() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.granted
}
