package pagemap_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkspace/backend/meta"
	"github.com/chunkspace/backend/pagemap"
	"github.com/chunkspace/backend/pal"
)

// fakePAL only ever needs to record fatal calls here: the pagemap never
// dereferences an address as memory, only uses it as a table index, so
// the other PAL methods are unused stubs.
type fakePAL struct {
	fatal []string
}

func (f *fakePAL) Features() pal.Features                                { return pal.Features{} }
func (f *fakePAL) Reserve(size uintptr) (pal.ArenaPtr, bool)              { return pal.ArenaPtr{}, false }
func (f *fakePAL) ReserveAligned(uintptr, bool) (pal.ArenaPtr, bool)      { return pal.ArenaPtr{}, false }
func (f *fakePAL) NotifyUsing(pal.TamePtr, uintptr, bool) error           { return nil }
func (f *fakePAL) NotifyNotUsing(pal.TamePtr, uintptr) error              { return nil }
func (f *fakePAL) Zero(pal.TamePtr, uintptr)                              {}
func (f *fakePAL) RegisterTimer(time.Duration, func()) (func(), bool)     { return nil, false }
func (f *fakePAL) GetEntropy64() (uint64, bool)                           { return 0, false }
func (f *fakePAL) Error(msg string)                                       { f.fatal = append(f.fatal, msg) }

var _ pal.PAL = (*fakePAL)(nil)

func TestGetOrDefaultOnUnregisteredIsSafe(t *testing.T) {
	p := &fakePAL{}
	pm := pagemap.New(p, 14)
	pm.Init(32)

	assert.Equal(t, meta.Default, pm.GetOrDefault(0x1000))
	assert.Equal(t, meta.Default, pm.GetOrDefault(0))
	assert.Empty(t, p.fatal)
}

func TestRegisterRangeIsIdempotent(t *testing.T) {
	p := &fakePAL{}
	pm := pagemap.New(p, 14)
	pm.Init(32)

	addr := uintptr(1) << 20
	pm.RegisterRange(addr, 1<<14)
	pm.Set(addr, meta.Default.WithBoundary(true))
	pm.RegisterRange(addr, 1<<14) // must not reset the entry

	assert.True(t, pm.Get(addr).Boundary())
	assert.Empty(t, p.fatal)
}

func TestGetOnUnregisteredAddressIsFatal(t *testing.T) {
	p := &fakePAL{}
	pm := pagemap.New(p, 14)
	pm.Init(32)

	pm.Get(uintptr(1) << 20)
	require.NotEmpty(t, p.fatal)
}

func TestInitBoundedReservesTablePrefix(t *testing.T) {
	p := &fakePAL{}
	pm := pagemap.New(p, 14)
	heapBase, heapLength := pm.InitBounded(0, 1<<30)

	assert.Greater(t, heapBase, uintptr(0))
	assert.Less(t, heapLength, uintptr(1<<30))

	pm.RegisterRange(heapBase, 1<<14)
	assert.Equal(t, meta.Default, pm.GetOrDefault(heapBase))
	assert.Empty(t, p.fatal)
}

func TestSetOnUnregisteredIsFatal(t *testing.T) {
	p := &fakePAL{}
	pm := pagemap.New(p, 14)
	pm.Init(32)

	pm.Set(uintptr(1)<<20, meta.Default)
	require.NotEmpty(t, p.fatal)
}
