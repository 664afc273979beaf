package rangepipe

import (
	"sync/atomic"

	"github.com/chunkspace/backend/aal"
)

// GlobalRange serializes access to a parent that is not itself
// concurrency-safe behind a ticket-free spinlock (spec.md §4.8, pipeline
// component #5). It never touches the parent's alignment guarantee and
// always reports itself as concurrency-safe, since that is the entire
// point of the stage.
type GlobalRange struct {
	parent Range
	locked atomic.Bool
}

// NewGlobalRange wraps parent with a spinlock.
func NewGlobalRange(parent Range) *GlobalRange {
	return &GlobalRange{parent: parent}
}

func (r *GlobalRange) Aligned() bool         { return r.parent.Aligned() }
func (r *GlobalRange) ConcurrencySafe() bool { return true }

func (r *GlobalRange) acquire() {
	for !r.locked.CompareAndSwap(false, true) {
		aal.Pause()
	}
}

func (r *GlobalRange) release() {
	r.locked.Store(false)
}

func (r *GlobalRange) AllocRange(size uintptr) (ChunkPtr, bool) {
	r.acquire()
	defer r.release()
	return r.parent.AllocRange(size)
}

func (r *GlobalRange) DeallocRange(base ChunkPtr, size uintptr) {
	r.acquire()
	defer r.release()
	r.parent.DeallocRange(base, size)
}
