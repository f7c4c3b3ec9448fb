package arena

import (
	"context"
	"log/slog"

	"github.com/dolthub/swiss"
)

// StreamAwareArena is a BFCArena that partitions reuse by execution stream.
// Memory freed while a stream may still be reading or writing it is only
// handed to a different stream once that stream has synchronized with the
// owner, so reuse never races in-flight device work.
type StreamAwareArena struct {
	*BFCArena
}

// NewStreamAwareArena creates a stream-aware arena on top of device. A nil
// logger falls back to slog.Default.
func NewStreamAwareArena(device DeviceAllocator, config Config, logger *slog.Logger) (*StreamAwareArena, error) {
	base, err := newArena(device, config, logger, true)
	if err != nil {
		return nil, err
	}
	return &StreamAwareArena{BFCArena: base}, nil
}

// RecordSynchronization notes that consumer has synchronized with producer,
// capturing producer's current sync id. Chunks pinned to producer at that id
// or below become reusable by consumer. The producer's owner must increment
// its sync counter immediately after this call returns.
func (a *StreamAwareArena) RecordSynchronization(producer Stream, consumer Stream) {
	if producer == nil || consumer == nil || producer == consumer {
		return
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	table, present := a.syncTables.Get(consumer)
	if !present {
		table = swiss.NewMap[Stream, uint64](8)
		a.syncTables.Put(consumer, table)
	}

	syncID := producer.SyncID()
	if recorded, present := table.Get(producer); !present || syncID > recorded {
		table.Put(producer, syncID)
	}
}

// ReleaseStreamBuffers unpins every chunk owned by stream and drops the
// stream's synchronization state. Call it when the stream is destroyed; the
// caller must have synchronized the stream's outstanding work first.
func (a *StreamAwareArena) ReleaseStreamBuffers(stream Stream) {
	if stream == nil {
		return
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	released := a.resetChunksOnStream(stream, true)

	a.syncTables.Delete(stream)
	a.syncTables.Iter(func(consumer Stream, table *swiss.Map[Stream, uint64]) bool {
		table.Delete(stream)
		return false
	})

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "released stream buffers",
		slog.Int("chunks_released", released),
	)
}

// ResetChunksOnStream unpins every chunk owned by stream without touching
// the arena's synchronization state. When coalesceNeighbors is set, newly
// unpinned free chunks are merged with their free neighbors.
func (a *StreamAwareArena) ResetChunksOnStream(stream Stream, coalesceNeighbors bool) {
	if stream == nil {
		return
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.resetChunksOnStream(stream, coalesceNeighbors)
}

func (a *BFCArena) resetChunksOnStream(stream Stream, coalesceNeighbors bool) int {
	reset := 0
	for _, region := range a.regionManager.regions {
		for handle := region.handle(region.ptr); handle != InvalidChunkHandle; handle = a.chunkFromHandle(handle).next {
			c := a.chunkFromHandle(handle)
			if c.stream == stream {
				c.stream = nil
				c.streamSyncID = 0
				reset++
			}
		}
	}

	if coalesceNeighbors {
		a.coalesceFreeChunks()
	}
	return reset
}

// coalesceFreeChunks re-merges every run of adjacent free chunks that share
// a stream pin. Needed after pins change, since the original coalescing
// decisions were made under the old pins.
func (a *BFCArena) coalesceFreeChunks() {
	for _, region := range a.regionManager.regions {
		handle := region.handle(region.ptr)
		for handle != InvalidChunkHandle {
			c := a.chunkFromHandle(handle)
			if c.inUse() {
				handle = c.next
				continue
			}

			a.removeFreeChunkFromBin(handle)
			merged := a.coalesce(handle)
			a.insertFreeChunkIntoBin(merged)
			handle = a.chunkFromHandle(merged).next
		}
	}
}
