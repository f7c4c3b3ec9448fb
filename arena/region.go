package arena

import (
	"fmt"
	"unsafe"

	"golang.org/x/exp/slices"
)

// allocationRegion is one contiguous extent obtained from the device
// allocator, plus a dense pointer-to-handle index with one slot per
// minAllocationSize bytes.
type allocationRegion struct {
	ptr  unsafe.Pointer
	size int
	id   int64

	handles []ChunkHandle
}

func newAllocationRegion(ptr unsafe.Pointer, size int, id int64) *allocationRegion {
	if size%minAllocationSize != 0 {
		panic(fmt.Sprintf("region size %d is not a multiple of %d", size, minAllocationSize))
	}

	handles := make([]ChunkHandle, size/minAllocationSize)
	for i := range handles {
		handles[i] = InvalidChunkHandle
	}

	return &allocationRegion{
		ptr:     ptr,
		size:    size,
		id:      id,
		handles: handles,
	}
}

func (r *allocationRegion) end() uintptr {
	return uintptr(r.ptr) + uintptr(r.size)
}

func (r *allocationRegion) contains(ptr unsafe.Pointer) bool {
	return uintptr(ptr) >= uintptr(r.ptr) && uintptr(ptr) < r.end()
}

func (r *allocationRegion) indexFor(ptr unsafe.Pointer) int {
	// Pointers below the base wrap around to huge offsets and fail the bound
	// check along with pointers past the end.
	offset := uintptr(ptr) - uintptr(r.ptr)
	if offset >= uintptr(r.size) {
		panic(fmt.Sprintf("pointer %#x is outside region [%#x, %#x)", uintptr(ptr), uintptr(r.ptr), r.end()))
	}
	return int(offset >> minAllocationBits)
}

func (r *allocationRegion) handle(ptr unsafe.Pointer) ChunkHandle {
	return r.handles[r.indexFor(ptr)]
}

func (r *allocationRegion) setHandle(ptr unsafe.Pointer, handle ChunkHandle) {
	r.handles[r.indexFor(ptr)] = handle
}

func (r *allocationRegion) erase(ptr unsafe.Pointer) {
	r.setHandle(ptr, InvalidChunkHandle)
}

// regionManager owns every live region, sorted by end address so the region
// containing an arbitrary pointer can be found with a binary search.
type regionManager struct {
	regions []*allocationRegion
}

func (m *regionManager) add(ptr unsafe.Pointer, size int, id int64) *allocationRegion {
	region := newAllocationRegion(ptr, size, id)
	insertAt, _ := slices.BinarySearchFunc(m.regions, region.end(), compareRegionEnd)
	m.regions = slices.Insert(m.regions, insertAt, region)
	return region
}

func (m *regionManager) remove(region *allocationRegion) {
	index := slices.Index(m.regions, region)
	if index < 0 {
		panic(fmt.Sprintf("attempted to remove unknown region at %#x", uintptr(region.ptr)))
	}
	m.regions = slices.Delete(m.regions, index, index+1)
}

// regionFor returns the region containing ptr, or nil if no region does.
func (m *regionManager) regionFor(ptr unsafe.Pointer) *allocationRegion {
	// The first region whose end is past ptr is the only one that can
	// contain it.
	index, _ := slices.BinarySearchFunc(m.regions, uintptr(ptr)+1, compareRegionEnd)
	if index < len(m.regions) && m.regions[index].contains(ptr) {
		return m.regions[index]
	}
	return nil
}

func compareRegionEnd(region *allocationRegion, end uintptr) int {
	if region.end() < end {
		return -1
	}
	if region.end() > end {
		return 1
	}
	return 0
}

func (m *regionManager) getHandle(ptr unsafe.Pointer) (ChunkHandle, bool) {
	region := m.regionFor(ptr)
	if region == nil {
		return InvalidChunkHandle, false
	}
	return region.handle(ptr), true
}

func (m *regionManager) setHandle(ptr unsafe.Pointer, handle ChunkHandle) {
	region := m.regionFor(ptr)
	if region == nil {
		panic(fmt.Sprintf("pointer %#x does not belong to any region", uintptr(ptr)))
	}
	region.setHandle(ptr, handle)
}

func (m *regionManager) erase(ptr unsafe.Pointer) {
	region := m.regionFor(ptr)
	if region == nil {
		panic(fmt.Sprintf("pointer %#x does not belong to any region", uintptr(ptr)))
	}
	region.erase(ptr)
}
