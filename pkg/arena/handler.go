package arena

import (
	"sync"
	"sync/atomic"

	"github.com/timandy/routine"
	"go.uber.org/zap"

	"github.com/flier/spanmalloc/internal/xsync"
	"github.com/flier/spanmalloc/pkg/pagealloc"
)

// Handler binds goroutines to [Arena] values. Two implementations exist:
// [ThreadLocalHandler] gives every goroutine its own arena and a
// process-wide [GlobalCache]; [SharedHandler] multiplexes a growable pool
// of arenas across many goroutines via non-blocking try-acquire.
type Handler interface {
	// Acquire returns the arena the calling goroutine should use for its
	// current allocation or free, plus a release func to call when done.
	Acquire() (*Arena, func())

	// Close drains every arena's cache hierarchy back to the backing
	// allocator and reports how many spans are still outstanding
	// afterward. Always 0 when the handler was built with
	// Config.ReportLeaks false.
	Close() int
}

// handlerSlotCount is the process-wide ceiling on concurrently-live Handler
// instances (ThreadLocalHandler and SharedHandler alike), per spec.md §9's
// global-state note: slots are claimed by atomic fetch-add and never
// reclaimed, so a saturated table is a caller sizing error, not a condition
// to paper over with an ad hoc reclamation scheme. This is unrelated to how
// many arenas any single SharedHandler multiplexes, which grows on demand.
const handlerSlotCount = 256

var nextHandlerSlot atomic.Uint32

// claimHandlerSlot reserves this process's next handler slot, panicking if
// the table is saturated.
func claimHandlerSlot() uint32 {
	slot := nextHandlerSlot.Add(1) - 1
	if slot >= handlerSlotCount {
		panic("spanmalloc: too many concurrent arena handlers (max 256)")
	}

	return slot
}

// perThreadArenaCache caches, per handler slot, the last arena a goroutine
// successfully acquired from a [SharedHandler], so repeat calls on the same
// goroutine can skip the dispatcher fetch-add entirely while the cached
// arena remains uncontended.
type perThreadArenaCache [handlerSlotCount]*dispatchSlot

var threadArenaCacheTLS = routine.NewThreadLocal[*perThreadArenaCache]()

func threadArenaCache() *perThreadArenaCache {
	c := threadArenaCacheTLS.Get()
	if c == nil {
		c = &perThreadArenaCache{}
		threadArenaCacheTLS.Set(c)
	}

	return c
}

// ThreadLocalHandler gives each goroutine its own [Arena], created lazily on
// first use and torn down never (the goroutine may allocate/free for its
// entire lifetime without contending any lock). Cross-goroutine frees still
// go through the deferred path; see [Arena.Free].
type ThreadLocalHandler struct {
	classes *ClassTable
	pager   pagealloc.Allocator
	cfg     Config
	log     *zap.Logger
	global  *GlobalCache

	accounting *spanAccounting
	slot       uint32

	tls routine.ThreadLocal[*Arena]

	nextID atomic.Uint32
	arenas xsync.Map[uint32, *Arena] // kept alive independently of any span header pointer
}

// NewThreadLocalHandler constructs a ThreadLocalHandler.
func NewThreadLocalHandler(classes *ClassTable, pager pagealloc.Allocator, cfg Config, log *zap.Logger) *ThreadLocalHandler {
	if log == nil {
		log = zap.NewNop()
	}

	var acct *spanAccounting
	if cfg.ReportLeaks {
		acct = &spanAccounting{}
	}

	return &ThreadLocalHandler{
		classes: classes,
		pager:   pager,
		cfg:     cfg,
		log:     log,
		global: NewGlobalCache(
			cfg.CacheLimit*cfg.GlobalCacheMultiplier,
			cfg.LargeCacheLimit*cfg.GlobalCacheMultiplier,
			classes.LargeClassCount,
		),
		accounting: acct,
		slot:       claimHandlerSlot(),
		tls:        routine.NewThreadLocal[*Arena](),
	}
}

func (h *ThreadLocalHandler) Acquire() (*Arena, func()) {
	if a := h.tls.Get(); a != nil {
		return a, func() {}
	}

	id := h.nextID.Add(1) - 1
	a := NewArena(id, h.classes, h.pager, h.global, h.cfg, h.accounting, h.log)
	h.arenas.Store(id, a)

	h.tls.Set(a)

	h.log.Info("thread-local handler created a new arena", zap.Uint32("arena", id))

	return a, func() {}
}

// Close drains every arena this handler ever created plus the global cache,
// returning the total spans still outstanding afterward.
func (h *ThreadLocalHandler) Close() int {
	h.arenas.All()(func(_ uint32, a *Arena) bool {
		a.DrainCaches()
		return true
	})

	h.global.Release(h.pager, h.accounting)

	return h.accounting.outstanding()
}

// dispatcherWord packs a SharedHandler's arena-pool capacity and a
// monotonic lookup index into one uint64 so acquiring the next arena to try
// is a single atomic add: capacity occupies the high 32 bits, index the
// low 32, so incrementing the index never touches capacity (short of four
// billion lookups), and growing the pool only ever needs to CAS the high
// bits.
type dispatcherWord uint64

func makeDispatcherWord(index, capacity uint32) dispatcherWord {
	return dispatcherWord(uint64(capacity)<<32 | uint64(index))
}

func (w dispatcherWord) index() uint32    { return uint32(w) }
func (w dispatcherWord) capacity() uint32 { return uint32(w >> 32) }

// dispatchSlot is one arena slot within an arenaSet: a non-blocking busy
// flag guarding a permanently-assigned arena.
type dispatchSlot struct {
	busy  atomic.Bool
	arena *Arena
}

func (s *dispatchSlot) tryAcquire() (func(), bool) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, false
	}

	return func() { s.busy.Store(false) }, true
}

// arenaSet is one fixed-size, never-shrinking batch of arenas in a
// SharedHandler's growable set chain.
type arenaSet struct {
	slots []dispatchSlot
	next  atomic.Pointer[arenaSet]
}

func newArenaSet(baseID uint32, batchSize int, classes *ClassTable, pager pagealloc.Allocator, global *GlobalCache, cfg Config, acct *spanAccounting, log *zap.Logger) *arenaSet {
	s := &arenaSet{slots: make([]dispatchSlot, batchSize)}

	for i := range s.slots {
		s.slots[i].arena = NewArena(baseID+uint32(i), classes, pager, global, cfg, acct, log)
	}

	return s
}

// SharedHandler multiplexes goroutines across a growable pool of arenas,
// used when the caller's goroutine count exceeds what per-goroutine arenas
// can afford. Acquire consults the calling goroutine's cached arena first,
// then an atomically-incremented dispatcher index modulo the pool's current
// capacity; a busy slot is skipped, and the pool grows (never panics) when
// every slot the dispatcher can currently reach is contended.
//
// The 256-handler-instance ceiling in spec.md §9 bounds how many
// SharedHandler/ThreadLocalHandler values can coexist in the process, not
// how many arenas any one SharedHandler may grow to; see handlerSlotCount.
type SharedHandler struct {
	classes   *ClassTable
	pager     pagealloc.Allocator
	cfg       Config
	log       *zap.Logger
	global    *GlobalCache
	batchSize uint32

	accounting *spanAccounting
	slot       uint32

	first *arenaSet
	// mu guards only set-chain growth; the hot Acquire path never takes it
	// unless the dispatcher has outrun every already-published set.
	mu sync.Mutex

	dispatcher atomic.Uint64
}

// NewSharedHandler constructs a SharedHandler with one initial batch of
// cfg.SharedArenaBatchSize arenas, growing further batches lazily when
// Acquire finds the published slots contended.
func NewSharedHandler(classes *ClassTable, pager pagealloc.Allocator, cfg Config, log *zap.Logger) *SharedHandler {
	if log == nil {
		log = zap.NewNop()
	}

	batchSize := cfg.SharedArenaBatchSize
	if batchSize <= 0 {
		batchSize = DefaultSharedArenaBatchSize
	}

	var acct *spanAccounting
	if cfg.ReportLeaks {
		acct = &spanAccounting{}
	}

	// Shared-mode arenas reuse each other's per-arena caches directly via
	// try_acquire contention rather than a process-wide cache, per
	// spec.md §4.4 ("present only in thread-local handler mode").
	h := &SharedHandler{
		classes:    classes,
		pager:      pager,
		cfg:        cfg,
		log:        log,
		batchSize:  uint32(batchSize),
		accounting: acct,
		slot:       claimHandlerSlot(),
	}

	h.first = newArenaSet(0, batchSize, classes, pager, nil, cfg, acct, log)
	h.dispatcher.Store(uint64(makeDispatcherWord(0, uint32(batchSize))))

	return h
}

// Acquire returns an arena from the pool, growing it if every slot the
// dispatcher currently knows about is contended.
func (h *SharedHandler) Acquire() (*Arena, func()) {
	cache := threadArenaCache()

	if slot := cache[h.slot]; slot != nil {
		if release, ok := slot.tryAcquire(); ok {
			return slot.arena, release
		}
	}

	misses := uint32(0)

	for {
		word := dispatcherWord(h.dispatcher.Add(1) - 1)
		capacity := word.capacity()
		idx := word.index() % capacity

		setIdx := idx / h.batchSize
		within := idx % h.batchSize

		set := h.setAt(setIdx)
		if set == nil {
			set = h.growTo(setIdx)
		}

		slot := &set.slots[within]
		if release, ok := slot.tryAcquire(); ok {
			cache[h.slot] = slot
			return slot.arena, release
		}
		// Lost the race for this slot; the next fetch-add picks another.
		// Once as many tries in a row as the pool has slots have all
		// failed, append one more batch and publish the larger capacity.
		misses++
		if misses >= capacity {
			h.growTo(capacity / h.batchSize)
			misses = 0
		}
	}
}

func (h *SharedHandler) setAt(n uint32) *arenaSet {
	s := h.first
	for i := uint32(0); i < n; i++ {
		s = s.next.Load()
		if s == nil {
			return nil
		}
	}

	return s
}

// growTo extends the set chain until it reaches index n, publishing the new
// capacity once growth completes. Concurrent callers racing to grow past
// the same point converge: each re-checks under the lock before appending.
func (h *SharedHandler) growTo(n uint32) *arenaSet {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s := h.setAt(n); s != nil {
		return s
	}

	tail := h.first
	count := uint32(1)
	for next := tail.next.Load(); next != nil; next = tail.next.Load() {
		tail = next
		count++
	}

	for count <= n {
		next := newArenaSet(count*h.batchSize, int(h.batchSize), h.classes, h.pager, nil, h.cfg, h.accounting, h.log)
		tail.next.Store(next)
		tail = next
		count++
	}

	h.publishCapacity(count * h.batchSize)

	h.log.Info("shared handler grew its arena pool", zap.Uint32("sets", count), zap.Uint32("capacity", count*h.batchSize))

	return h.setAt(n)
}

func (h *SharedHandler) publishCapacity(capacity uint32) {
	for {
		old := h.dispatcher.Load()
		oldW := dispatcherWord(old)

		if oldW.capacity() >= capacity {
			return
		}

		newW := makeDispatcherWord(oldW.index(), capacity)
		if h.dispatcher.CompareAndSwap(old, uint64(newW)) {
			return
		}
	}
}

// Close drains every arena in every set, returning the total spans still
// outstanding afterward.
func (h *SharedHandler) Close() int {
	for s := h.first; s != nil; s = s.next.Load() {
		for i := range s.slots {
			s.slots[i].arena.DrainCaches()
		}
	}

	return h.accounting.outstanding()
}
