// Package pagemap implements FlatPagemap, the O(1) address -> MetaEntry
// table (spec.md §4.2). Entries live in lazily-allocated table pages: a
// read of an address whose page has never been registered returns the
// shared default entry rather than touching memory, so read-only queries
// on unregistered addresses are always safe.
//
// The outer page index is an append-only, atomically-published slice of
// pointers — modeled on the teacher's two-level heap arena map
// (mheap.arenas in mheap.go): writes are serialized by the caller (the
// buddy allocator's uniqueness invariant), reads are lock-free.
package pagemap

import (
	"sync"
	"sync/atomic"

	"github.com/chunkspace/backend/meta"
	"github.com/chunkspace/backend/pal"
)

const entrySize = 16 // two words: unsafe.Pointer + uint64, see meta.Entry

// tablePage is one lazily-allocated slice of entries.
type tablePage struct {
	entries []meta.Entry
}

// FlatPagemap maps MinChunk-aligned addresses to meta.Entry.
type FlatPagemap struct {
	pal          pal.PAL
	granuleShift uint
	pageEntries  uintptr
	pageSize     uintptr
	numPages     uintptr
	origin       uintptr // subtracted from addr before indexing (0 for the unbounded form)
	pages        []atomic.Pointer[tablePage]
	growMu       sync.Mutex
}

// New returns a pagemap whose granule size is 1<<granuleShift bytes
// (MIN_CHUNK).
func New(p pal.PAL, granuleShift uint) *FlatPagemap {
	return &FlatPagemap{pal: p, granuleShift: granuleShift, pageSize: 4096}
}

func (p *FlatPagemap) setExtent(addressBits uint) {
	entriesTotal := uintptr(1) << (addressBits - p.granuleShift)
	p.pageEntries = p.pageSize / entrySize
	if p.pageEntries == 0 {
		p.pageEntries = 1
	}
	p.numPages = (entriesTotal + p.pageEntries - 1) / p.pageEntries
	p.pages = make([]atomic.Pointer[tablePage], p.numPages)
}

// Init sizes the table to describe a full addressBits-wide address space
// at granule resolution. It allocates only the index of table pages, in
// Go-managed memory; it reserves no address space from the PAL, and each
// table page is allocated on its first registration.
func (p *FlatPagemap) Init(addressBits uint) {
	p.origin = 0
	p.setExtent(addressBits)
}

// InitBounded places the pagemap at the start of [base, base+length) and
// returns the remaining usable heap extent, per spec.md §4.2's bounded
// variant. The table's own storage does not literally live inside the
// returned bytes — this module keeps table pages in ordinary Go-managed
// memory rather than raw PAL bytes — but the accounting
// (how much of the arena the table consumes) matches spec.
func (p *FlatPagemap) InitBounded(base, length uintptr) (heapBase, heapLength uintptr) {
	p.origin = base
	entriesNeeded := length >> p.granuleShift
	tableBytes := entriesNeeded * entrySize
	granule := uintptr(1) << p.granuleShift
	tableBytes = (tableBytes + granule - 1) &^ (granule - 1)

	p.pageEntries = p.pageSize / entrySize
	if p.pageEntries == 0 {
		p.pageEntries = 1
	}
	remainingEntries := (length - tableBytes) >> p.granuleShift
	p.numPages = (remainingEntries + p.pageEntries - 1) / p.pageEntries
	p.pages = make([]atomic.Pointer[tablePage], p.numPages)
	p.origin = base + tableBytes

	return base + tableBytes, length - tableBytes
}

func (p *FlatPagemap) index(addr uintptr) (pageIdx, offset uintptr, inRange bool) {
	if addr < p.origin {
		return 0, 0, false
	}
	idx := (addr - p.origin) >> p.granuleShift
	pageIdx = idx / p.pageEntries
	offset = idx % p.pageEntries
	if pageIdx >= uintptr(len(p.pages)) {
		return 0, 0, false
	}
	return pageIdx, offset, true
}

func (p *FlatPagemap) pageFor(pageIdx uintptr, create bool) *tablePage {
	tp := p.pages[pageIdx].Load()
	if tp != nil || !create {
		return tp
	}
	p.growMu.Lock()
	defer p.growMu.Unlock()
	tp = p.pages[pageIdx].Load()
	if tp != nil {
		return tp
	}
	tp = &tablePage{entries: make([]meta.Entry, p.pageEntries)}
	p.pages[pageIdx].Store(tp)
	return tp
}

// RegisterRange marks every granule-aligned address in [addr, addr+sz) as
// backed, allocating their table pages if this is the first registration
// to touch them. Idempotent: registering the same interval twice is a
// no-op the second time (spec.md §8, "Repeated register_range ... is
// idempotent").
func (p *FlatPagemap) RegisterRange(addr, sz uintptr) {
	granule := uintptr(1) << p.granuleShift
	for a := addr; a < addr+sz; a += granule {
		pageIdx, _, inRange := p.index(a)
		if !inRange {
			p.pal.Error("pagemap: register_range out of bounds")
			return
		}
		p.pageFor(pageIdx, true)
	}
}

// GetOrDefault returns the entry for addr, or the shared default entry if
// addr's page has never been registered, is out of range, or addr is
// null. It never faults.
func (p *FlatPagemap) GetOrDefault(addr uintptr) meta.Entry {
	if addr == 0 {
		return meta.Default
	}
	pageIdx, offset, inRange := p.index(addr)
	if !inRange {
		return meta.Default
	}
	tp := p.pageFor(pageIdx, false)
	if tp == nil {
		return meta.Default
	}
	return tp.entries[offset]
}

// Get returns the entry for addr. Unlike GetOrDefault, reading an
// in-bounds but never-registered address is a fatal invariant violation
// (spec.md §4.2's get<false>), since every caller of this form is
// expected to already know addr is backend-managed.
func (p *FlatPagemap) Get(addr uintptr) meta.Entry {
	pageIdx, offset, inRange := p.index(addr)
	if !inRange {
		p.pal.Error("pagemap: get() out of range")
		return meta.Default
	}
	tp := p.pageFor(pageIdx, false)
	if tp == nil {
		p.pal.Error("pagemap: get() on unregistered address")
		return meta.Default
	}
	return tp.entries[offset]
}

// Set updates the entry for addr. addr must already be registered; an
// out-of-bounds or unregistered Set is a fatal invariant violation.
// Non-atomic: callers guarantee non-overlapping writes via the buddy
// allocator's uniqueness invariant (spec.md §5).
func (p *FlatPagemap) Set(addr uintptr, e meta.Entry) {
	pageIdx, offset, inRange := p.index(addr)
	if !inRange {
		p.pal.Error("pagemap: set() out of range")
		return
	}
	tp := p.pageFor(pageIdx, false)
	if tp == nil {
		p.pal.Error("pagemap: set() on unregistered address")
		return
	}
	tp.entries[offset] = e
}

// GranuleShift returns log2(MIN_CHUNK) as configured.
func (p *FlatPagemap) GranuleShift() uint { return p.granuleShift }
