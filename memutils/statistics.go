package memutils

import "log/slog"

// AllocatorStats is a snapshot of an allocator's bookkeeping counters.
// Byte fields count granted bytes unless noted otherwise.
type AllocatorStats struct {
	NumAllocs          int64
	NumReserves        int64
	NumArenaExtensions int64
	NumArenaShrinkages int64

	// BytesInUse is the number of bytes currently handed out to callers.
	BytesInUse    int64
	MaxBytesInUse int64
	// MaxAllocSize is the largest single granted allocation seen so far.
	MaxAllocSize int64
	// TotalAllocatedBytes is the number of bytes currently held from the
	// underlying device, whether or not they are handed out.
	TotalAllocatedBytes int64
	TotalRequestedBytes int64
	TotalGrantedBytes   int64
	// BytesLimit is the configured ceiling on TotalAllocatedBytes, or 0 when
	// the allocator is unbounded.
	BytesLimit int64
}

func (s *AllocatorStats) Clear() {
	*s = AllocatorStats{}
}

func (s *AllocatorStats) AddStats(other *AllocatorStats) {
	s.NumAllocs += other.NumAllocs
	s.NumReserves += other.NumReserves
	s.NumArenaExtensions += other.NumArenaExtensions
	s.NumArenaShrinkages += other.NumArenaShrinkages

	s.BytesInUse += other.BytesInUse
	s.TotalAllocatedBytes += other.TotalAllocatedBytes
	s.TotalRequestedBytes += other.TotalRequestedBytes
	s.TotalGrantedBytes += other.TotalGrantedBytes
	s.BytesLimit += other.BytesLimit

	if other.MaxBytesInUse > s.MaxBytesInUse {
		s.MaxBytesInUse = other.MaxBytesInUse
	}

	if other.MaxAllocSize > s.MaxAllocSize {
		s.MaxAllocSize = other.MaxAllocSize
	}
}

// LogValue lets a stats snapshot be attached to log records as a single group
// attribute.
func (s *AllocatorStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("num_allocs", s.NumAllocs),
		slog.Int64("num_reserves", s.NumReserves),
		slog.Int64("num_arena_extensions", s.NumArenaExtensions),
		slog.Int64("num_arena_shrinkages", s.NumArenaShrinkages),
		slog.Int64("bytes_in_use", s.BytesInUse),
		slog.Int64("max_bytes_in_use", s.MaxBytesInUse),
		slog.Int64("max_alloc_size", s.MaxAllocSize),
		slog.Int64("total_allocated_bytes", s.TotalAllocatedBytes),
		slog.Int64("total_requested_bytes", s.TotalRequestedBytes),
		slog.Int64("total_granted_bytes", s.TotalGrantedBytes),
		slog.Int64("bytes_limit", s.BytesLimit),
	)
}
