package rangepipe

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// countingRange reports itself as not concurrency-safe and records, in
// overlap, whether two AllocRange calls were ever inside it at once; only
// something above it (GlobalRange) serializing access keeps overlap false.
type countingRange struct {
	mu      sync.Mutex // guards only the test's own bookkeeping, not used by GlobalRange
	calls   int
	overlap bool
	busy    bool
}

func (r *countingRange) Aligned() bool         { return true }
func (r *countingRange) ConcurrencySafe() bool { return false }

func (r *countingRange) AllocRange(size uintptr) (ChunkPtr, bool) {
	r.mu.Lock()
	if r.busy {
		r.overlap = true
	}
	r.busy = true
	r.calls++
	r.mu.Unlock()

	r.mu.Lock()
	r.busy = false
	r.mu.Unlock()
	return ChunkPtr{}, true
}

func (r *countingRange) DeallocRange(ChunkPtr, uintptr) {}

func TestGlobalRangeReportsAlwaysConcurrencySafe(t *testing.T) {
	g := NewGlobalRange(&countingRange{})
	assert.True(t, g.ConcurrencySafe())
}

func TestGlobalRangeSerializesConcurrentCallers(t *testing.T) {
	inner := &countingRange{}
	g := NewGlobalRange(inner)

	var wg sync.WaitGroup
	const n = 200
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			g.AllocRange(1 << 14)
		}()
	}
	wg.Wait()

	assert.Equal(t, n, inner.calls)
	assert.False(t, inner.overlap, "GlobalRange must serialize calls into a non-concurrency-safe parent")
}
