package rangepipe

import "github.com/chunkspace/backend/pal"

// CommitRange backs a range with physical memory on alloc and tells the
// platform it is idle again on dealloc (spec.md §4.8, pipeline component
// #6). size must be a page-size multiple; the PAL enforces that.
type CommitRange struct {
	parent Range
	pal    pal.PAL
}

// NewCommitRange wraps parent with PAL commit/decommit notifications.
func NewCommitRange(parent Range, p pal.PAL) *CommitRange {
	return &CommitRange{parent: parent, pal: p}
}

func (r *CommitRange) Aligned() bool         { return r.parent.Aligned() }
func (r *CommitRange) ConcurrencySafe() bool { return r.parent.ConcurrencySafe() }

func (r *CommitRange) AllocRange(size uintptr) (ChunkPtr, bool) {
	p, ok := r.parent.AllocRange(size)
	if !ok {
		return ChunkPtr{}, false
	}
	if err := r.pal.NotifyUsing(p, size, false); err != nil {
		r.parent.DeallocRange(p, size)
		return ChunkPtr{}, false
	}
	return p, true
}

func (r *CommitRange) DeallocRange(base ChunkPtr, size uintptr) {
	// Tell the platform first; the parent may reuse the address space for
	// an unrelated size class immediately after this call returns.
	_ = r.pal.NotifyNotUsing(base, size)
	r.parent.DeallocRange(base, size)
}
