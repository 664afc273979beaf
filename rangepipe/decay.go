package rangepipe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chunkspace/backend/capptr"
	"github.com/chunkspace/backend/pal"
)

func getNext(addr uintptr) uintptr { return *(*uintptr)(unsafe.Pointer(addr)) }
func setNext(addr, next uintptr)   { *(*uintptr)(unsafe.Pointer(addr)) = next }

// epochStack is a single-producer-multi-consumer intrusive stack: the
// owning thread pushes and pops, and any thread (the epoch timer) may
// pop the whole chain at once. A single atomic head and the in-band
// chaining of free chunks (spec.md §4.11, §9's "MPSC intrusive stack")
// is all the state it needs.
type epochStack struct {
	head atomic.Uintptr
}

func (s *epochStack) push(addr uintptr) {
	for {
		old := s.head.Load()
		setNext(addr, old)
		if s.head.CompareAndSwap(old, addr) {
			return
		}
	}
}

func (s *epochStack) pop() (uintptr, bool) {
	for {
		old := s.head.Load()
		if old == 0 {
			return 0, false
		}
		next := getNext(old)
		if s.head.CompareAndSwap(old, next) {
			return old, true
		}
	}
}

// popAll atomically detaches the entire chain, leaving the stack empty.
// Losing a race against a concurrent push is fine: the racing push's
// chunk simply waits for next tick (spec.md §4.11's stated tolerance).
func (s *epochStack) popAll() uintptr {
	return s.head.Swap(0)
}

// DecayGroup is the shared state behind every thread's DecayRange: the
// current epoch counter, the registration list the timer walks, and the
// timer itself (spec.md §4.11's "globally" state).
type DecayGroup struct {
	pal       pal.PAL
	numEpochs uint
	period    time.Duration

	epoch atomic.Uint32

	mu      sync.Mutex
	members []*DecayRange

	cancelPAL  func()
	cancelSelf context.CancelFunc
	eg         *errgroup.Group
}

// NewDecayGroup creates the shared epoch/registration state for one
// configured backend instance. numEpochs must be a power of two >= 4.
func NewDecayGroup(p pal.PAL, numEpochs uint, period time.Duration) *DecayGroup {
	return &DecayGroup{pal: p, numEpochs: numEpochs, period: period}
}

// Start arranges for the epoch timer to fire roughly every period,
// preferring the PAL's own timer facility and falling back to a
// self-managed ticker goroutine, whose lifecycle is owned by an
// errgroup so Stop can wait for it to actually exit rather than just
// signalling it.
func (g *DecayGroup) Start() {
	if cancel, ok := g.pal.RegisterTimer(g.period, g.tick); ok {
		g.cancelPAL = cancel
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)
	g.eg = eg
	g.cancelSelf = cancel
	eg.Go(func() error {
		ticker := time.NewTicker(g.period)
		defer ticker.Stop()
		for {
			select {
			case <-egCtx.Done():
				return nil
			case <-ticker.C:
				g.tick()
			}
		}
	})
}

// Stop cancels the timer, whichever form it took, and waits for the
// fallback goroutine (if any) to exit.
func (g *DecayGroup) Stop() {
	if g.cancelPAL != nil {
		g.cancelPAL()
	}
	if g.cancelSelf != nil {
		g.cancelSelf()
	}
	if g.eg != nil {
		_ = g.eg.Wait()
	}
}

func (g *DecayGroup) tick() {
	newEpoch := g.epoch.Add(1) % uint32(g.numEpochs)
	g.mu.Lock()
	members := append([]*DecayRange(nil), g.members...)
	g.mu.Unlock()
	for _, m := range members {
		m.drainEpoch(uint(newEpoch))
	}
}

func (g *DecayGroup) register(d *DecayRange) {
	g.mu.Lock()
	g.members = append(g.members, d)
	g.mu.Unlock()
	pal.Logger().Debug("decay thread registered", d.LogFields()...)
}

// DecayRange is one thread's cache of recently freed chunks, drained
// lazily in batches by the owning DecayGroup's timer (spec.md §4.11,
// pipeline component #9). It declares ConcurrencySafe = false: the
// timer calls drainEpoch from an arbitrary thread, which in turn calls
// into parent, so parent itself must already be safe.
type DecayRange struct {
	parent  Range
	group   *DecayGroup
	id      uuid.UUID
	minBits uint
	maxBits uint
	stacks  [][]epochStack // [sizeClass][epoch]
}

// NewLocal registers and returns a new per-thread decay cache over size
// classes [1<<minBits, 1<<maxBits], wrapping parent.
func (g *DecayGroup) NewLocal(parent Range, minBits, maxBits uint) *DecayRange {
	numClasses := maxBits - minBits + 1
	stacks := make([][]epochStack, numClasses)
	for i := range stacks {
		stacks[i] = make([]epochStack, g.numEpochs)
	}
	d := &DecayRange{
		parent:  parent,
		group:   g,
		id:      uuid.New(),
		minBits: minBits,
		maxBits: maxBits,
		stacks:  stacks,
	}
	g.register(d)
	return d
}

func (d *DecayRange) classIdx(bits uint) uint { return bits - d.minBits }

func (d *DecayRange) Aligned() bool         { return true }
func (d *DecayRange) ConcurrencySafe() bool { return false }

func (d *DecayRange) AllocRange(size uintptr) (ChunkPtr, bool) {
	bits := log2(size)
	idx := d.classIdx(bits)
	numEpochs := uint32(d.group.numEpochs)
	cur := d.group.epoch.Load()
	for e := uint32(0); e < numEpochs; e++ {
		epochIdx := (cur + numEpochs - e) % numEpochs
		if addr, ok := d.stacks[idx][epochIdx].pop(); ok {
			return capptr.Trusted(addr, size), true
		}
	}
	if p, ok := d.parent.AllocRange(size); ok {
		return p, true
	}
	// Parent exhausted: force ticks to flush sibling threads' caches into
	// parent and retry there, up to NUM_EPOCHS times (spec.md §4.11). Each
	// tick synchronously drains the newly-current epoch slot straight to
	// parent (see drainEpoch), so the retry belongs against parent, not
	// against the local slot that was just emptied.
	for i := uint(0); i < d.group.numEpochs; i++ {
		d.group.tick()
		if p, ok := d.parent.AllocRange(size); ok {
			return p, true
		}
	}
	return ChunkPtr{}, false
}

func (d *DecayRange) DeallocRange(base ChunkPtr, size uintptr) {
	bits := log2(size)
	idx := d.classIdx(bits)
	cur := d.group.epoch.Load() % uint32(d.group.numEpochs)
	d.stacks[idx][cur].push(base.Address())
}

// drainEpoch returns every chunk cached at epochIdx, across all size
// classes, to parent. Called only from the owning DecayGroup's timer.
func (d *DecayRange) drainEpoch(epochIdx uint) {
	for idx := range d.stacks {
		chain := d.stacks[idx][epochIdx].popAll()
		size := uintptr(1) << (d.minBits + uint(idx))
		for chain != 0 {
			next := getNext(chain)
			d.parent.DeallocRange(capptr.Trusted(chain, size), size)
			chain = next
		}
	}
}

// String identifies this thread's decay state in diagnostics.
func (d *DecayRange) String() string { return d.id.String() }

// LogFields is the zap field set attached to decay diagnostics; never
// consulted on the hot alloc/dealloc path.
func (d *DecayRange) LogFields() []zap.Field {
	return []zap.Field{zap.String("decay_thread_id", d.id.String())}
}
