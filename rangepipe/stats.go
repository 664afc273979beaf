package rangepipe

import "sync/atomic"

// StatsRange tracks current and peak allocated bytes with two atomic
// counters (spec.md §4.9, pipeline component #4).
type StatsRange struct {
	parent  Range
	current atomic.Int64
	peak    atomic.Int64
}

// NewStatsRange wraps parent with byte-usage tracking.
func NewStatsRange(parent Range) *StatsRange {
	return &StatsRange{parent: parent}
}

func (r *StatsRange) Aligned() bool         { return r.parent.Aligned() }
func (r *StatsRange) ConcurrencySafe() bool { return r.parent.ConcurrencySafe() }

func (r *StatsRange) AllocRange(size uintptr) (ChunkPtr, bool) {
	p, ok := r.parent.AllocRange(size)
	if !ok {
		return ChunkPtr{}, false
	}
	cur := r.current.Add(int64(size))
	// CAS-loop peak upward; spec.md §3 invariant 5: peak >= current
	// always.
	for {
		peak := r.peak.Load()
		if cur <= peak {
			break
		}
		if r.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	return p, true
}

func (r *StatsRange) DeallocRange(base ChunkPtr, size uintptr) {
	r.current.Add(-int64(size))
	r.parent.DeallocRange(base, size)
}

// CurrentUsage returns the live byte count. Safe to call from any thread
// without holding whatever lock wraps this stage (spec.md §5).
func (r *StatsRange) CurrentUsage() uint64 {
	return uint64(r.current.Load())
}

// PeakUsage returns the historical maximum byte count.
func (r *StatsRange) PeakUsage() uint64 {
	return uint64(r.peak.Load())
}
