package rangepipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsRangeTracksCurrentAndPeak(t *testing.T) {
	p := newFakePAL()
	parent := NewPalRange(p)
	s := NewStatsRange(parent)

	a, ok := s.AllocRange(1 << 14)
	require.True(t, ok)
	assert.Equal(t, uint64(1<<14), s.CurrentUsage())
	assert.Equal(t, uint64(1<<14), s.PeakUsage())

	b, ok := s.AllocRange(1 << 15)
	require.True(t, ok)
	assert.Equal(t, uint64(1<<14)+uint64(1<<15), s.CurrentUsage())
	assert.Equal(t, s.CurrentUsage(), s.PeakUsage())

	s.DeallocRange(a, 1<<14)
	assert.Equal(t, uint64(1<<15), s.CurrentUsage())
	// Peak must not fall when current usage drops.
	assert.Equal(t, uint64(1<<14)+uint64(1<<15), s.PeakUsage())

	s.DeallocRange(b, 1<<15)
	assert.Equal(t, uint64(0), s.CurrentUsage())
	assert.Equal(t, uint64(1<<14)+uint64(1<<15), s.PeakUsage())
}

func TestStatsRangeFailedAllocDoesNotMoveCounters(t *testing.T) {
	s := NewStatsRange(&alwaysFailRange{})
	_, ok := s.AllocRange(1 << 14)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), s.CurrentUsage())
	assert.Equal(t, uint64(0), s.PeakUsage())
}

type alwaysFailRange struct{}

func (r *alwaysFailRange) Aligned() bool                        { return true }
func (r *alwaysFailRange) ConcurrencySafe() bool                { return true }
func (r *alwaysFailRange) AllocRange(uintptr) (ChunkPtr, bool)   { return ChunkPtr{}, false }
func (r *alwaysFailRange) DeallocRange(ChunkPtr, uintptr)        {}
