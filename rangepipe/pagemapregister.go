package rangepipe

import "github.com/chunkspace/backend/pagemap"

// PagemapRegisterRange marks every newly-reserved interval as backed in
// the pagemap immediately after its parent hands it out (spec.md's
// pipeline component #2).
type PagemapRegisterRange struct {
	parent Range
	pm     *pagemap.FlatPagemap
}

// NewPagemapRegisterRange wraps parent, registering every allocation in pm.
func NewPagemapRegisterRange(parent Range, pm *pagemap.FlatPagemap) *PagemapRegisterRange {
	return &PagemapRegisterRange{parent: parent, pm: pm}
}

func (r *PagemapRegisterRange) Aligned() bool         { return r.parent.Aligned() }
func (r *PagemapRegisterRange) ConcurrencySafe() bool { return r.parent.ConcurrencySafe() }

func (r *PagemapRegisterRange) AllocRange(size uintptr) (ChunkPtr, bool) {
	p, ok := r.parent.AllocRange(size)
	if !ok {
		return ChunkPtr{}, false
	}
	r.pm.RegisterRange(p.Address(), size)
	return p, true
}

func (r *PagemapRegisterRange) DeallocRange(base ChunkPtr, size uintptr) {
	// Registration is permanent once backed (address space is never
	// returned to the PAL); only commitment state changes on dealloc,
	// which CommitRange handles. Nothing to undo here.
	r.parent.DeallocRange(base, size)
}
