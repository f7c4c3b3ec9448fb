package arena

import (
	"context"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// validatorFunc adapts a bound method to memutils.Validatable so internal
// callers can validate while already holding the arena lock.
type validatorFunc func() error

func (f validatorFunc) Validate() error { return f() }

// Validate walks the arena's regions, chunk chains and bins and returns an
// error describing the first inconsistency found.
func (a *BFCArena) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.validateLocked()
}

func (a *BFCArena) validateLocked() error {
	freeChunkCount := 0

	for _, region := range a.regionManager.regions {
		handle := region.handle(region.ptr)
		if handle == InvalidChunkHandle {
			return errors.Newf("region at %#x has no chunk at its base address", uintptr(region.ptr))
		}

		expectedPtr := region.ptr
		prevHandle := InvalidChunkHandle
		prevFree := false
		var prevStream Stream
		walkedBytes := 0

		for handle != InvalidChunkHandle {
			c := a.chunkFromHandle(handle)

			if c.ptr != expectedPtr {
				return errors.Newf("chunk %d starts at %#x, expected %#x", handle, uintptr(c.ptr), uintptr(expectedPtr))
			}
			if c.prev != prevHandle {
				return errors.Newf("chunk %d has prev %d, expected %d", handle, c.prev, prevHandle)
			}
			if c.size <= 0 || c.size%minAllocationSize != 0 {
				return errors.Newf("chunk %d has invalid size %d", handle, c.size)
			}
			if mapped := region.handle(c.ptr); mapped != handle {
				return errors.Newf("region index maps %#x to chunk %d, expected %d", uintptr(c.ptr), mapped, handle)
			}

			if c.inUse() {
				if c.binNum != invalidBinNum {
					return errors.Newf("chunk %d is in use but assigned to bin %d", handle, c.binNum)
				}
			} else {
				freeChunkCount++
				if c.binNum != binNumForSize(c.size) {
					return errors.Newf("free chunk %d of size %d is in bin %d, expected %d", handle, c.size, c.binNum, binNumForSize(c.size))
				}
				if !a.bins[c.binNum].freeChunks.Has(handle) {
					return errors.Newf("free chunk %d is missing from bin %d", handle, c.binNum)
				}
				if prevFree && prevStream == c.stream {
					return errors.Newf("free chunk %d was not coalesced with its free predecessor", handle)
				}
			}

			walkedBytes += c.size
			expectedPtr = unsafe.Add(c.ptr, c.size)
			prevHandle = handle
			prevFree = !c.inUse()
			prevStream = c.stream
			handle = c.next
		}

		if walkedBytes != region.size {
			return errors.Newf("region at %#x covers %d bytes but its chunks cover %d", uintptr(region.ptr), region.size, walkedBytes)
		}
	}

	binnedChunks := 0
	for binNum := 0; binNum < numBins; binNum++ {
		binnedChunks += a.bins[binNum].freeChunks.Len()
	}
	if binnedChunks != freeChunkCount {
		return errors.Newf("bins hold %d chunks but regions hold %d free chunks", binnedChunks, freeChunkCount)
	}

	return nil
}

type binDebugInfo struct {
	totalBytesInBin          int
	totalBytesInUse          int
	totalRequestedBytesInUse int
	totalChunksInBin         int
	totalChunksInUse         int
}

func (a *BFCArena) collectBinDebugInfo() [numBins]binDebugInfo {
	var info [numBins]binDebugInfo

	for _, region := range a.regionManager.regions {
		for handle := region.handle(region.ptr); handle != InvalidChunkHandle; handle = a.chunkFromHandle(handle).next {
			c := a.chunkFromHandle(handle)
			binNum := binNumForSize(c.size)
			if c.inUse() {
				info[binNum].totalBytesInUse += c.size
				info[binNum].totalRequestedBytesInUse += c.requestedSize
				info[binNum].totalChunksInUse++
			} else {
				info[binNum].totalBytesInBin += c.size
				info[binNum].totalChunksInBin++
			}
		}
	}

	return info
}

// dumpMemoryLog writes a bin-by-bin picture of the arena to the log after a
// failed allocation of numBytes. Callers must hold the arena lock.
func (a *BFCArena) dumpMemoryLog(numBytes int) {
	info := a.collectBinDebugInfo()

	for binNum := range info {
		binInfo := &info[binNum]
		if binInfo.totalChunksInBin == 0 && binInfo.totalChunksInUse == 0 {
			continue
		}
		a.logger.LogAttrs(context.Background(), slog.LevelInfo, "bin summary",
			slog.Int("bin", binNum),
			slog.Int("bin_size", binNumToSize(binNum)),
			slog.Int("chunks_in_bin", binInfo.totalChunksInBin),
			slog.Int("bytes_in_bin", binInfo.totalBytesInBin),
			slog.Int("chunks_in_use", binInfo.totalChunksInUse),
			slog.Int("bytes_in_use", binInfo.totalBytesInUse),
			slog.Int("requested_bytes_in_use", binInfo.totalRequestedBytesInUse),
		)
	}

	requestedBin := binNumForSize(roundedBytes(numBytes))
	a.logger.LogAttrs(context.Background(), slog.LevelInfo, "failed request",
		slog.Int("requested_bytes", numBytes),
		slog.Int("rounded_bytes", roundedBytes(numBytes)),
		slog.Int("bin", requestedBin),
		slog.Any("stats", &a.stats),
	)

	for _, region := range a.regionManager.regions {
		for handle := region.handle(region.ptr); handle != InvalidChunkHandle; handle = a.chunkFromHandle(handle).next {
			c := a.chunkFromHandle(handle)
			a.logger.LogAttrs(context.Background(), slog.LevelInfo, "chunk",
				slog.Bool("in_use", c.inUse()),
				slog.Uint64("ptr", uint64(uintptr(c.ptr))),
				slog.Int("size", c.size),
				slog.Int("requested_size", c.requestedSize),
			)
		}
	}
}

// WriteDetailedMap serializes the arena's full state, stats, bins, regions
// and chunks, into the provided JSON writer.
func (a *BFCArena) WriteDetailedMap(writer *jwriter.Writer) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	obj := writer.Object()
	defer obj.End()

	statsObj := obj.Name("Stats").Object()
	statsObj.Name("NumAllocs").Int(int(a.stats.NumAllocs))
	statsObj.Name("NumReserves").Int(int(a.stats.NumReserves))
	statsObj.Name("NumArenaExtensions").Int(int(a.stats.NumArenaExtensions))
	statsObj.Name("NumArenaShrinkages").Int(int(a.stats.NumArenaShrinkages))
	statsObj.Name("BytesInUse").Int(int(a.stats.BytesInUse))
	statsObj.Name("MaxBytesInUse").Int(int(a.stats.MaxBytesInUse))
	statsObj.Name("MaxAllocSize").Int(int(a.stats.MaxAllocSize))
	statsObj.Name("TotalAllocatedBytes").Int(int(a.stats.TotalAllocatedBytes))
	statsObj.Name("TotalRequestedBytes").Int(int(a.stats.TotalRequestedBytes))
	statsObj.Name("TotalGrantedBytes").Int(int(a.stats.TotalGrantedBytes))
	statsObj.Name("BytesLimit").Int(int(a.stats.BytesLimit))
	statsObj.End()

	info := a.collectBinDebugInfo()
	binsArr := obj.Name("Bins").Array()
	for binNum := range info {
		binObj := binsArr.Object()
		binObj.Name("Bin").Int(binNum)
		binObj.Name("BinSize").Int(binNumToSize(binNum))
		binObj.Name("ChunksInBin").Int(info[binNum].totalChunksInBin)
		binObj.Name("BytesInBin").Int(info[binNum].totalBytesInBin)
		binObj.Name("ChunksInUse").Int(info[binNum].totalChunksInUse)
		binObj.Name("BytesInUse").Int(info[binNum].totalBytesInUse)
		binObj.End()
	}
	binsArr.End()

	regionsArr := obj.Name("Regions").Array()
	for _, region := range a.regionManager.regions {
		regionObj := regionsArr.Object()
		regionObj.Name("Id").Int(int(region.id))
		regionObj.Name("Ptr").String(fmt.Sprintf("%#x", uintptr(region.ptr)))
		regionObj.Name("SizeBytes").Int(region.size)

		chunksArr := regionObj.Name("Chunks").Array()
		for handle := region.handle(region.ptr); handle != InvalidChunkHandle; handle = a.chunkFromHandle(handle).next {
			c := a.chunkFromHandle(handle)
			chunkObj := chunksArr.Object()
			chunkObj.Name("Offset").Int(int(uintptr(c.ptr) - uintptr(region.ptr)))
			chunkObj.Name("Size").Int(c.size)
			chunkObj.Name("InUse").Bool(c.inUse())
			if c.inUse() {
				chunkObj.Name("RequestedSize").Int(c.requestedSize)
			}
			if c.stream != nil {
				chunkObj.Name("StreamSyncId").Int(int(c.streamSyncID))
			}
			chunkObj.End()
		}
		chunksArr.End()

		regionObj.End()
	}
	regionsArr.End()
}
