// Package backend implements BackendAllocator, the top-level façade
// spec.md §4.12 describes: it owns the configured range-transformer
// pipeline and the pagemap, and is the sole entry point the front end
// calls through (init, alloc_meta_data, alloc_chunk, dealloc_chunk,
// get_current_usage, get_peak_usage).
package backend

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/chunkspace/backend/capptr"
	"github.com/chunkspace/backend/meta"
	"github.com/chunkspace/backend/pagemap"
	"github.com/chunkspace/backend/pal"
	"github.com/chunkspace/backend/rangepipe"
)

// Usage is the snapshot returned by Stats: the two counters spec.md
// §4.9 requires, plus the per-size-class breakdown SPEC_FULL.md §F.1
// adds on top.
type Usage struct {
	Current     uint64
	Peak        uint64
	BySizeClass map[uint8]uint64
}

// Allocator is the configured pipeline plus pagemap: one per process (or
// per isolated arena, for embedders that want more than one).
type Allocator struct {
	pal pal.PAL
	cfg Config
	pm  *pagemap.FlatPagemap

	commit     rangepipe.Range // shared tail: ... -> GlobalRange -> CommitRange
	metaParent rangepipe.Range // commit, or SubRange(commit) when IsolateMetadata
	decayGroup *rangepipe.DecayGroup
	stats      *rangepipe.StatsRange

	metaShared   *rangepipe.SmallBuddyRange
	metaSharedMu sync.Mutex

	nextOwnerID atomic.Uint32
	classUsage  sync.Map // uint8 size class -> *atomic.Int64
}

// New assembles the ten-stage pipeline (spec.md §2) over p with cfg and
// starts the decay timer. It does not yet know the address-space extent;
// call Init or InitBounded before the first AllocChunk.
func New(p pal.PAL, cfg Config) *Allocator {
	pm := pagemap.New(p, cfg.MinChunkBits)

	palStage := rangepipe.NewPalRange(p)
	registered := rangepipe.NewPagemapRegisterRange(palStage, pm)
	largeShared := rangepipe.NewLargeBuddyRangeConfigured(registered, pm, cfg.MinChunkBits, cfg.MaxSizeBits, uintptr(1)<<cfg.RefillSizeBits, cfg.ConsolidatePalAllocs)
	stats := rangepipe.NewStatsRange(largeShared)
	global := rangepipe.NewGlobalRange(stats)
	commit := rangepipe.NewCommitRange(global, p)

	var metaParent rangepipe.Range = commit
	if cfg.IsolateMetadata {
		metaParent = rangepipe.NewSubRange(commit, p, cfg.SubRangeRatioBits)
	}

	decayGroup := rangepipe.NewDecayGroup(p, cfg.NumEpochs, cfg.Period)
	decayGroup.Start()

	return &Allocator{
		pal:        p,
		cfg:        cfg,
		pm:         pm,
		commit:     commit,
		metaParent: metaParent,
		decayGroup: decayGroup,
		stats:      stats,
		metaShared: rangepipe.NewSmallBuddyRange(metaParent, cfg.MinChunkBits),
	}
}

// Init reserves the pagemap for a full addressBits-wide flat address
// space (spec.md §4.2).
func (a *Allocator) Init(addressBits uint) {
	a.pm.Init(addressBits)
}

// InitBounded places the pagemap inside [base, base+length) and returns
// the remaining usable extent (spec.md §4.2's bounded variant, for
// embedders that pre-reserve their own arena).
func (a *Allocator) InitBounded(base, length uintptr) (heapBase, heapLength uintptr) {
	return a.pm.InitBounded(base, length)
}

// Close stops the decay timer. Safe to call once during shutdown;
// outstanding chunks are unaffected.
func (a *Allocator) Close() {
	a.decayGroup.Stop()
}

// NewLocalState creates one thread's private object-range and
// meta-range state (spec.md §5, "Each thread owns a LocalState"). The
// front end calls this once per thread and reuses the result for every
// subsequent alloc/dealloc from that thread.
func (a *Allocator) NewLocalState() *LocalState {
	ownerID := uint16(a.nextOwnerID.Add(1))
	largeLocal := rangepipe.NewLargeBuddyRangeConfigured(a.commit, a.pm, a.cfg.MinChunkBits, a.cfg.MaxSizeBits, uintptr(1)<<a.cfg.RefillSizeBits, a.cfg.ConsolidatePalAllocs)
	objectRange := a.decayGroup.NewLocal(largeLocal, a.cfg.MinChunkBits, a.cfg.MaxSizeBits)
	metaRange := rangepipe.NewSmallBuddyRange(a.metaParent, a.cfg.MinChunkBits)
	return &LocalState{
		ownerID:     ownerID,
		objectRange: objectRange,
		metaRange:   metaRange,
	}
}

// allocMetaBlock is the shared implementation behind both the public
// AllocMetaData entry point and alloc_chunk's own step 1 (spec.md §4.12):
// it returns the raw block address, rather than an opaque pointer, so a
// caller that goes on to fail a second, dependent allocation can reverse
// this one with deallocMetaBlock.
func (a *Allocator) allocMetaBlock(ls *LocalState, size uintptr) (uintptr, bool) {
	if ls != nil {
		block, _, _, ok := ls.metaRange.AllocRangeWithLeftover(size)
		if !ok {
			return 0, false
		}
		return block.Address(), true
	}
	a.metaSharedMu.Lock()
	defer a.metaSharedMu.Unlock()
	block, _, _, ok := a.metaShared.AllocRangeWithLeftover(size)
	if !ok {
		return 0, false
	}
	return block.Address(), true
}

// deallocMetaBlock returns a block allocMetaBlock produced back to its
// pipeline. size must be the same value passed to allocMetaBlock.
func (a *Allocator) deallocMetaBlock(ls *LocalState, addr, size uintptr) {
	if ls != nil {
		ls.metaRange.DeallocRange(capptr.Trusted(addr, size), size)
		return
	}
	a.metaSharedMu.Lock()
	defer a.metaSharedMu.Unlock()
	a.metaShared.DeallocRange(capptr.Trusted(addr, size), size)
}

// AllocChunk is the sole entry point from the front end for whole-chunk
// allocation, implementing spec.md §4.12's alloc_chunk procedure exactly:
// allocate the slab-metadata block from the metadata range (1), allocate
// the chunk from the object range (2), reverse whichever side succeeded
// if the other fails (3), point the metadata block's first machine word
// at the chunk (4), and write the pagemap entry (5). The entry is written
// only at the chunk's first granule; the other granules of a chunk larger
// than 1<<MinChunkBits keep whatever entry they held before.
// slabMetaSize stands in for the C++ template parameter sizeof(SlabMetadata)
// and must be at least one machine word. size must be a power of two
// >= 1<<MinChunkBits. On success the returned unsafe.Pointer is the slab
// metadata block; pass it back to DeallocChunk to free both halves.
func (a *Allocator) AllocChunk(ls *LocalState, size uintptr, sizeClass uint8, slabMetaSize uintptr) (capptr.ClientPtr, unsafe.Pointer, bool) {
	metaAddr, ok := a.allocMetaBlock(ls, slabMetaSize)
	if !ok {
		return capptr.ClientPtr{}, nil, false
	}
	p, ok := ls.objectRange.AllocRange(size)
	if !ok {
		a.deallocMetaBlock(ls, metaAddr, slabMetaSize)
		return capptr.ClientPtr{}, nil, false
	}

	addr := p.Address()
	*(*uintptr)(unsafe.Pointer(metaAddr)) = addr
	slabMeta := unsafe.Pointer(metaAddr)

	boundary := a.pm.GetOrDefault(addr).Boundary()
	a.pm.Set(addr, meta.InUse(slabMeta, ls.ownerID, sizeClass, boundary))
	a.bumpClass(sizeClass, int64(size))

	client := capptr.ToAlloc[capptr.User, capptr.Tame](capptr.ToUser[capptr.Chunk, capptr.Tame](p))
	return client, slabMeta, true
}

// DeallocChunk reverses AllocChunk, implementing spec.md §4.12's
// dealloc_chunk procedure: it is keyed by slabMeta, not by the chunk
// pointer, recovering the chunk's address from the back-pointer AllocChunk
// wrote into the metadata block's first word. A chunk whose pagemap entry
// already reads backend-owned was already freed; spec.md §7 classifies a
// double-dealloc as a fatal invariant violation rather than a silent
// no-op, so that case aborts via fail instead of corrupting the pagemap.
func (a *Allocator) DeallocChunk(ls *LocalState, slabMeta unsafe.Pointer, slabMetaSize, size uintptr, sizeClass uint8) {
	addr := *(*uintptr)(slabMeta)
	entry := a.pm.GetOrDefault(addr)
	if entry.BackendOwned() {
		fail(a.pal, "dealloc_chunk: chunk already freed (double dealloc)")
		return
	}
	a.pm.Set(addr, meta.Freed(entry.Boundary()))
	a.bumpClass(sizeClass, -int64(size))
	ls.objectRange.DeallocRange(capptr.Trusted(addr, size), size)
	a.deallocMetaBlock(ls, uintptr(slabMeta), slabMetaSize)
}

// AllocMetaData serves the front end's own bookkeeping allocations
// (slab metadata), which are rarely chunk-sized. Pass ls for the
// per-thread fast path; pass nil to use the shared fallback path, which
// is internally synchronized since SmallBuddyRange itself is not
// concurrency-safe (spec.md §6, front end entry point "alloc_meta_data").
func (a *Allocator) AllocMetaData(ls *LocalState, size uintptr) (unsafe.Pointer, bool) {
	addr, ok := a.allocMetaBlock(ls, size)
	if !ok {
		return nil, false
	}
	return unsafe.Pointer(addr), true
}

func (a *Allocator) bumpClass(sizeClass uint8, delta int64) {
	v, _ := a.classUsage.LoadOrStore(sizeClass, new(atomic.Int64))
	v.(*atomic.Int64).Add(delta)
}

// CurrentUsage returns live allocated bytes (spec.md §6's
// get_current_usage).
func (a *Allocator) CurrentUsage() uint64 { return a.stats.CurrentUsage() }

// PeakUsage returns the historical maximum (spec.md §6's
// get_peak_usage).
func (a *Allocator) PeakUsage() uint64 { return a.stats.PeakUsage() }

// Stats returns a full usage snapshot including the per-size-class
// breakdown SPEC_FULL.md §F.1 adds.
func (a *Allocator) Stats() Usage {
	bySizeClass := make(map[uint8]uint64)
	a.classUsage.Range(func(k, v any) bool {
		n := v.(*atomic.Int64).Load()
		if n != 0 {
			bySizeClass[k.(uint8)] = uint64(n)
		}
		return true
	})
	return Usage{
		Current:     a.stats.CurrentUsage(),
		Peak:        a.stats.PeakUsage(),
		BySizeClass: bySizeClass,
	}
}

// GetMetaEntry exposes the compile-time pagemap accessor spec.md §6
// names as part of the front end's public surface.
func (a *Allocator) GetMetaEntry(addr uintptr) meta.Entry {
	return a.pm.GetOrDefault(addr)
}
