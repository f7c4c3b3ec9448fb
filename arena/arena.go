package arena

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/gpuarena/bfc/arena/internal/utils"
	"github.com/gpuarena/bfc/memutils"
)

// BFCArena suballocates device memory with a best-fit-with-coalescing
// strategy. It grows by requesting large regions from a DeviceAllocator,
// carves them into chunks, and recycles freed chunks through size-class bins,
// merging free neighbors to fight fragmentation.
//
// All methods are safe for concurrent use.
type BFCArena struct {
	logger *slog.Logger
	device DeviceAllocator

	// memoryLimit caps TotalAllocatedBytes. 0 means unlimited.
	memoryLimit                  int
	extendStrategy               ExtendStrategy
	maxDeadBytesPerChunk         int
	initialGrowthChunkSizeBytes  int
	maxPowerOfTwoExtendBytes     int
	excludeFirstRegionFromShrink bool

	mutex utils.OptionalMutex

	bins [numBins]bin

	// currRegionAllocationBytes is the size the next region will be created
	// at under the NextPowerOfTwo strategy.
	currRegionAllocationBytes int

	regionManager regionManager

	// chunks is the chunk table. freeChunksList threads recycled table slots
	// through their next fields.
	chunks         []chunk
	freeChunksList ChunkHandle

	nextAllocationID int64
	nextRegionID     int64

	stats memutils.AllocatorStats

	// reservedChunks maps Reserve pointers to their sizes. Reserved memory
	// never enters a region.
	reservedChunks *swiss.Map[uintptr, int]

	streamAware bool
	// syncTables[consumer][producer] is the highest sync id of producer that
	// consumer is known to have synchronized with. Only populated on
	// stream-aware arenas.
	syncTables *swiss.Map[Stream, *swiss.Map[Stream, uint64]]
}

var _ Allocator = (*BFCArena)(nil)

// NewBFCArena creates an arena on top of device. A nil logger falls back to
// slog.Default.
func NewBFCArena(device DeviceAllocator, config Config, logger *slog.Logger) (*BFCArena, error) {
	return newArena(device, config, logger, false)
}

func newArena(device DeviceAllocator, config Config, logger *slog.Logger, streamAware bool) (*BFCArena, error) {
	if device == nil {
		return nil, errors.New("device allocator must not be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	if logger == nil {
		logger = slog.Default()
	}

	a := &BFCArena{
		logger: logger,
		device: device,

		memoryLimit:                  config.MaxMem,
		extendStrategy:               config.ExtendStrategy,
		maxDeadBytesPerChunk:         config.MaxDeadBytesPerChunk,
		initialGrowthChunkSizeBytes:  config.InitialGrowthChunkSizeBytes,
		maxPowerOfTwoExtendBytes:     config.MaxPowerOfTwoExtendBytes,
		excludeFirstRegionFromShrink: config.ExcludeFirstRegionFromShrink,

		mutex: utils.OptionalMutex{UseMutex: true},

		freeChunksList:   InvalidChunkHandle,
		nextAllocationID: 1,

		reservedChunks: swiss.NewMap[uintptr, int](16),

		streamAware: streamAware,
	}
	a.stats.BytesLimit = int64(config.MaxMem)

	firstRegionBytes := config.InitialChunkSizeBytes
	if a.memoryLimit > 0 && firstRegionBytes > a.memoryLimit {
		firstRegionBytes = a.memoryLimit
	}
	a.currRegionAllocationBytes = roundedBytes(firstRegionBytes)

	a.initBins()

	if streamAware {
		a.syncTables = swiss.NewMap[Stream, *swiss.Map[Stream, uint64]](8)
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "Creating BFCArena",
		slog.Int("first_region_bytes", a.currRegionAllocationBytes),
		slog.Int("memory_limit", a.memoryLimit),
		slog.String("extend_strategy", config.ExtendStrategy.String()),
		slog.Bool("stream_aware", streamAware),
	)

	return a, nil
}

// roundedBytes rounds a request up to the arena's allocation granularity.
func roundedBytes(bytes int) int {
	return memutils.RoundUpToMultiple(bytes, minAllocationSize)
}

func (a *BFCArena) IsStreamAware() bool {
	return a.streamAware
}

func (a *BFCArena) Alloc(size int) unsafe.Pointer {
	return a.allocateRawInternal(size, true, nil)
}

// AllocOnStream allocates memory for use by stream. On arenas that are not
// stream-aware the stream is ignored.
func (a *BFCArena) AllocOnStream(size int, stream Stream) unsafe.Pointer {
	if !a.streamAware {
		stream = nil
	}
	return a.allocateRawInternal(size, true, stream)
}

func (a *BFCArena) allocateRawInternal(numBytes int, dumpLogOnFailure bool, stream Stream) unsafe.Pointer {
	if numBytes == 0 {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "tried to allocate 0 bytes")
		return nil
	}

	rounded := roundedBytes(numBytes)
	binNum := binNumForSize(rounded)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if ptr := a.findChunkPtr(binNum, rounded, numBytes, stream); ptr != nil {
		return ptr
	}

	// No usable free chunk. Grow the arena and look again.
	if err := a.extend(rounded); err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelWarn, "arena ran out of memory trying to allocate",
			slog.Int("requested_bytes", numBytes),
			slog.String("error", err.Error()),
		)
		if dumpLogOnFailure {
			a.dumpMemoryLog(numBytes)
		}
		return nil
	}

	if ptr := a.findChunkPtr(binNum, rounded, numBytes, stream); ptr != nil {
		return ptr
	}

	a.logger.LogAttrs(context.Background(), slog.LevelWarn, "no free chunk found after extending the arena",
		slog.Int("requested_bytes", numBytes),
	)
	if dumpLogOnFailure {
		a.dumpMemoryLog(numBytes)
	}
	return nil
}

// findChunkPtr scans the bins at binNum and above for the smallest free chunk
// of at least rounded bytes that stream may reuse, claims it, and returns its
// pointer. Returns nil when no bin has a candidate.
func (a *BFCArena) findChunkPtr(binNum, rounded, numBytes int, stream Stream) unsafe.Pointer {
	for ; binNum < numBins; binNum++ {
		b := &a.bins[binNum]

		found := InvalidChunkHandle
		b.freeChunks.Ascend(func(handle ChunkHandle) bool {
			c := a.chunkFromHandle(handle)
			if c.inUse() {
				panic(fmt.Sprintf("chunk %d is in bin %d but is in use", handle, binNum))
			}
			if c.size < rounded {
				return true
			}
			if !a.safeToReuseOnStream(c, stream) {
				return true
			}
			found = handle
			return false
		})
		if found == InvalidChunkHandle {
			continue
		}

		a.removeFreeChunkFromBin(found)

		c := a.chunkFromHandle(found)
		// Peel off the surplus when the chunk is at least double the request
		// or the surplus would exceed the dead-byte bound.
		if c.size >= rounded*2 || c.size-rounded >= a.maxDeadBytesPerChunk {
			a.splitChunk(found, rounded)
			c = a.chunkFromHandle(found)
		}

		c.requestedSize = numBytes
		c.allocationID = a.nextAllocationID
		a.nextAllocationID++
		if stream != nil {
			c.stream = stream
			c.streamSyncID = stream.SyncID()
		}

		a.stats.NumAllocs++
		a.stats.BytesInUse += int64(c.size)
		a.stats.TotalRequestedBytes += int64(numBytes)
		a.stats.TotalGrantedBytes += int64(c.size)
		if a.stats.BytesInUse > a.stats.MaxBytesInUse {
			a.stats.MaxBytesInUse = a.stats.BytesInUse
		}
		if int64(c.size) > a.stats.MaxAllocSize {
			a.stats.MaxAllocSize = int64(c.size)
		}

		return c.ptr
	}

	return nil
}

// safeToReuseOnStream reports whether stream may take ownership of a free
// chunk. A chunk pinned to another stream is only reusable once the
// requesting stream has synchronized with the pinning stream at or past the
// chunk's sync id.
func (a *BFCArena) safeToReuseOnStream(c *chunk, stream Stream) bool {
	if c.stream == nil || c.stream == stream {
		return true
	}
	if stream == nil {
		return false
	}

	table, present := a.syncTables.Get(stream)
	if !present {
		return false
	}
	syncedID, present := table.Get(c.stream)
	return present && syncedID >= c.streamSyncID
}

// splitChunk cuts the chunk down to numBytes and creates a free chunk from
// the remainder, inheriting the original's stream pin.
func (a *BFCArena) splitChunk(handle ChunkHandle, numBytes int) {
	// Take the new table slot before grabbing chunk pointers, since the
	// append can move the table.
	newHandle := a.allocateChunk()

	c := a.chunkFromHandle(handle)
	remainder := a.chunkFromHandle(newHandle)

	remainder.ptr = unsafe.Add(c.ptr, numBytes)
	remainder.size = c.size - numBytes
	remainder.stream = c.stream
	remainder.streamSyncID = c.streamSyncID
	a.regionManager.setHandle(remainder.ptr, newHandle)

	c.size = numBytes

	remainder.prev = handle
	remainder.next = c.next
	c.next = newHandle
	if remainder.next != InvalidChunkHandle {
		a.chunkFromHandle(remainder.next).prev = newHandle
	}

	a.insertFreeChunkIntoBin(newHandle)
}

// extend asks the device allocator for a new region large enough for a
// rounded request, sizing it by the configured strategy and backing off when
// the device refuses.
func (a *BFCArena) extend(rounded int) error {
	available := math.MaxInt
	if a.memoryLimit > 0 {
		available = a.memoryLimit - int(a.stats.TotalAllocatedBytes)
	}
	available = memutils.AlignDown(available, minAllocationSize)

	if rounded > available {
		return errors.Newf("only %d bytes are available under the arena's limit of %d, need %d", available, a.memoryLimit, rounded)
	}

	extendBytes := rounded
	if a.extendStrategy == NextPowerOfTwo {
		increased := false
		for rounded > a.currRegionAllocationBytes {
			a.currRegionAllocationBytes *= 2
			increased = true
		}

		extendBytes = a.currRegionAllocationBytes
		if extendBytes > a.maxPowerOfTwoExtendBytes {
			extendBytes = a.maxPowerOfTwoExtendBytes
			if extendBytes < rounded {
				extendBytes = rounded
			}
			a.currRegionAllocationBytes = extendBytes
		}
		if extendBytes > available {
			extendBytes = available
		}

		// Double ahead of time so a steady stream of requests does not pay
		// for an extension each time.
		if !increased && a.currRegionAllocationBytes*2 <= a.maxPowerOfTwoExtendBytes {
			a.currRegionAllocationBytes *= 2
		}
	}

	mem, err := a.device.Alloc(extendBytes)
	for err != nil && extendBytes > rounded {
		// Back off toward the rounded request rather than failing outright.
		reduced := memutils.AlignDown(extendBytes*9/10, minAllocationSize)
		if reduced < rounded {
			reduced = rounded
		}
		if reduced == extendBytes {
			break
		}
		extendBytes = reduced

		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "device refused region, retrying smaller",
			slog.Int("region_bytes", extendBytes),
		)
		mem, err = a.device.Alloc(extendBytes)
	}
	if err != nil {
		return errors.Wrapf(err, "device allocator could not supply a region for a %d-byte request", rounded)
	}

	a.stats.TotalAllocatedBytes += int64(extendBytes)
	a.stats.NumArenaExtensions++

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "extended arena",
		slog.Int("region_bytes", extendBytes),
		slog.Int64("total_allocated_bytes", a.stats.TotalAllocatedBytes),
	)

	region := a.regionManager.add(mem, extendBytes, a.nextRegionID)
	a.nextRegionID++

	// The whole region starts as one free chunk.
	handle := a.allocateChunk()
	c := a.chunkFromHandle(handle)
	c.ptr = mem
	c.size = extendBytes
	region.setHandle(mem, handle)

	a.insertFreeChunkIntoBin(handle)
	return nil
}

func (a *BFCArena) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.deallocateRawInternal(ptr)
	memutils.DebugValidate(validatorFunc(a.validateLocked))
}

func (a *BFCArena) deallocateRawInternal(ptr unsafe.Pointer) {
	if size, reserved := a.reservedChunks.Get(uintptr(ptr)); reserved {
		if err := a.device.Free(ptr); err != nil {
			panic(fmt.Sprintf("device allocator failed to free reserved memory at %#x: %+v", uintptr(ptr), err))
		}
		a.reservedChunks.Delete(uintptr(ptr))
		a.stats.BytesInUse -= int64(size)
		a.stats.TotalAllocatedBytes -= int64(size)
		return
	}

	handle, known := a.regionManager.getHandle(ptr)
	if !known || handle == InvalidChunkHandle {
		// The caller's pointer bookkeeping is corrupt. Continuing would
		// corrupt the arena as well.
		panic(fmt.Sprintf("freed pointer %#x was not allocated by this arena", uintptr(ptr)))
	}

	a.freeAndMaybeCoalesce(handle)
}

func (a *BFCArena) freeAndMaybeCoalesce(handle ChunkHandle) {
	c := a.chunkFromHandle(handle)
	if !c.inUse() {
		panic(fmt.Sprintf("double free of chunk at %#x", uintptr(c.ptr)))
	}

	a.stats.BytesInUse -= int64(c.size)
	c.allocationID = -1
	c.requestedSize = 0

	handle = a.coalesce(handle)
	a.insertFreeChunkIntoBin(handle)
}

// coalesce merges the free chunk at handle with any free neighbors that
// carry the same stream pin, and returns the handle of the merged chunk. The
// chunk must not be in a bin; absorbed neighbors are removed from theirs.
func (a *BFCArena) coalesce(handle ChunkHandle) ChunkHandle {
	c := a.chunkFromHandle(handle)

	for c.next != InvalidChunkHandle {
		next := a.chunkFromHandle(c.next)
		if next.inUse() || next.stream != c.stream {
			break
		}
		nextHandle := c.next
		a.removeFreeChunkFromBin(nextHandle)
		a.merge(handle, nextHandle)
		c = a.chunkFromHandle(handle)
	}

	for c.prev != InvalidChunkHandle {
		prev := a.chunkFromHandle(c.prev)
		if prev.inUse() || prev.stream != c.stream {
			break
		}
		prevHandle := c.prev
		a.removeFreeChunkFromBin(prevHandle)
		a.merge(prevHandle, handle)
		handle = prevHandle
		c = a.chunkFromHandle(handle)
	}

	return handle
}

// merge absorbs the chunk at second into the chunk at first. The two must be
// address-adjacent, both free, and both out of their bins.
func (a *BFCArena) merge(first, second ChunkHandle) {
	c1 := a.chunkFromHandle(first)
	c2 := a.chunkFromHandle(second)

	if c1.next != second || c2.prev != first {
		panic(fmt.Sprintf("attempted to merge non-adjacent chunks %d and %d", first, second))
	}
	if c1.inUse() || c2.inUse() {
		panic(fmt.Sprintf("attempted to merge chunk %d or %d while in use", first, second))
	}

	a.regionManager.erase(c2.ptr)

	c1.next = c2.next
	if c2.next != InvalidChunkHandle {
		a.chunkFromHandle(c2.next).prev = first
	}
	c1.size += c2.size
	if c2.streamSyncID > c1.streamSyncID {
		c1.streamSyncID = c2.streamSyncID
	}

	a.deallocateChunk(second)
}

// Reserve obtains size bytes directly from the device allocator, bypassing
// the arena's regions. The memory is returned with Free and is never pooled.
func (a *BFCArena) Reserve(size int) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "reserving memory",
		slog.Int("requested_bytes", size),
	)

	if a.memoryLimit > 0 && int(a.stats.TotalAllocatedBytes)+size > a.memoryLimit {
		a.logger.LogAttrs(context.Background(), slog.LevelWarn, "reservation would exceed the arena's memory limit",
			slog.Int("requested_bytes", size),
			slog.Int64("total_allocated_bytes", a.stats.TotalAllocatedBytes),
			slog.Int("memory_limit", a.memoryLimit),
		)
		return nil
	}

	mem, err := a.device.Alloc(size)
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelWarn, "device allocator could not satisfy reservation",
			slog.Int("requested_bytes", size),
			slog.String("error", err.Error()),
		)
		return nil
	}

	a.reservedChunks.Put(uintptr(mem), size)

	a.stats.NumReserves++
	a.stats.BytesInUse += int64(size)
	a.stats.TotalAllocatedBytes += int64(size)
	a.stats.TotalRequestedBytes += int64(size)
	a.stats.TotalGrantedBytes += int64(size)
	if a.stats.BytesInUse > a.stats.MaxBytesInUse {
		a.stats.MaxBytesInUse = a.stats.BytesInUse
	}
	if int64(size) > a.stats.MaxAllocSize {
		a.stats.MaxAllocSize = int64(size)
	}

	return mem
}

// Shrink returns every region whose chunks are all free back to the device
// allocator and resets region growth to the configured initial growth size.
func (a *BFCArena) Shrink() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	candidates := make([]*allocationRegion, 0, len(a.regionManager.regions))
	for _, region := range a.regionManager.regions {
		if a.excludeFirstRegionFromShrink && region.id == 0 {
			continue
		}
		if a.regionIsIdle(region) {
			candidates = append(candidates, region)
		}
	}

	for _, region := range candidates {
		if err := a.releaseRegion(region); err != nil {
			return err
		}
		a.stats.NumArenaShrinkages++
	}

	// Growth restarts small so a mostly-idle session does not immediately
	// reacquire what it just returned.
	a.currRegionAllocationBytes = roundedBytes(a.initialGrowthChunkSizeBytes)

	memutils.DebugValidate(validatorFunc(a.validateLocked))
	return nil
}

func (a *BFCArena) regionIsIdle(region *allocationRegion) bool {
	for handle := region.handle(region.ptr); handle != InvalidChunkHandle; handle = a.chunkFromHandle(handle).next {
		if a.chunkFromHandle(handle).inUse() {
			return false
		}
	}
	return true
}

func (a *BFCArena) releaseRegion(region *allocationRegion) error {
	handle := region.handle(region.ptr)
	for handle != InvalidChunkHandle {
		c := a.chunkFromHandle(handle)
		next := c.next
		a.removeFreeChunkFromBin(handle)
		region.erase(c.ptr)
		a.deallocateChunk(handle)
		handle = next
	}

	a.regionManager.remove(region)
	a.stats.TotalAllocatedBytes -= int64(region.size)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "released idle region",
		slog.Int("region_bytes", region.size),
		slog.Int64("region_id", region.id),
	)

	if err := a.device.Free(region.ptr); err != nil {
		return errors.Wrapf(err, "device allocator failed to free region at %#x", uintptr(region.ptr))
	}
	return nil
}

func (a *BFCArena) GetStats(stats *memutils.AllocatorStats) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	*stats = a.stats
}

// RequestedSize returns the byte count the caller originally asked for when
// allocating ptr. Panics if ptr is not a live allocation from this arena.
func (a *BFCArena) RequestedSize(ptr unsafe.Pointer) int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if size, reserved := a.reservedChunks.Get(uintptr(ptr)); reserved {
		return size
	}

	c := a.liveChunkForPtr(ptr)
	return c.requestedSize
}

// AllocatedSize returns the usable byte count granted for ptr, which may
// exceed what was asked for. Panics if ptr is not a live allocation from this
// arena.
func (a *BFCArena) AllocatedSize(ptr unsafe.Pointer) int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if size, reserved := a.reservedChunks.Get(uintptr(ptr)); reserved {
		return size
	}

	c := a.liveChunkForPtr(ptr)
	return c.size
}

func (a *BFCArena) liveChunkForPtr(ptr unsafe.Pointer) *chunk {
	handle, known := a.regionManager.getHandle(ptr)
	if !known || handle == InvalidChunkHandle {
		panic(fmt.Sprintf("pointer %#x was not allocated by this arena", uintptr(ptr)))
	}
	c := a.chunkFromHandle(handle)
	if !c.inUse() {
		panic(fmt.Sprintf("pointer %#x refers to a chunk that is not in use", uintptr(ptr)))
	}
	return c
}
