// Package arena implements the span-carving allocator core: size classes,
// spans, and the per-arena bookkeeping (partial-span lists, deferred-free
// reconciliation, span caches) that a handler binds to a goroutine or a
// shared pool.
package arena

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/flier/spanmalloc/internal/debug"
	"github.com/flier/spanmalloc/pkg/pagealloc"
	"github.com/flier/spanmalloc/pkg/queue"
	"github.com/flier/spanmalloc/pkg/xunsafe"
)

// spanStack is a Treiber stack of *Span, linked through Span.next. It backs
// each class's deferred-partial list: foreign threads push lock-free as
// spans transition from full to not-full; the owning arena drains the whole
// stack at once during reconciliation.
type spanStack struct {
	head atomic.Pointer[Span]
}

func (s *spanStack) push(sp *Span) {
	for {
		old := s.head.Load()
		sp.next = old

		if s.head.CompareAndSwap(old, sp) {
			return
		}
	}
}

func (s *spanStack) popAll() *Span {
	return s.head.Swap(nil)
}

// partialList is a simple doubly-linked list of partially-full spans for one
// size class, touched only by the arena's owning thread (or, in shared mode,
// under Arena.mu).
type partialList struct {
	head *Span
}

func (l *partialList) pushFront(s *Span) {
	s.prev = nil
	s.next = l.head

	if l.head != nil {
		l.head.prev = s
	}

	l.head = s
}

func (l *partialList) remove(s *Span) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		l.head = s.next
	}

	if s.next != nil {
		s.next.prev = s.prev
	}

	s.prev, s.next = nil, nil
}

// spanAccounting tracks span reservations minted from the backing allocator
// against ones returned to it. It is shared by every Arena (and the
// GlobalCache) a single Handler owns, rather than living on Arena itself,
// so a span minted by one arena and later released while sitting in the
// global cache is still accounted for exactly once. Nil when a Handler's
// Config.ReportLeaks is false, so the bookkeeping costs nothing when unused.
type spanAccounting struct {
	minted   atomic.Int32
	released atomic.Int32
}

func (a *spanAccounting) mint() {
	if a != nil {
		a.minted.Add(1)
	}
}

func (a *spanAccounting) release() {
	if a != nil {
		a.released.Add(1)
	}
}

func (a *spanAccounting) outstanding() int {
	if a == nil {
		return 0
	}

	return int(a.minted.Load() - a.released.Load())
}

// releaseSpan returns s's backing memory to pager, unless s is half of a
// split chain, in which case it no longer owns a releasable reservation on
// its own (see Span.splitFirstSpansReturningRemaining); a split span is left
// unreleased and nothing is freed.
func releaseSpan(pager pagealloc.Allocator, s *Span, acct *spanAccounting) {
	if s.split {
		return
	}

	pager.RawFree(addrToSlice(s.initialPtr, s.allocSize))
	acct.release()
}

// Arena owns a slice of size-classed partial spans, their deferred-partial
// counterparts, and a small hierarchy of span caches. A [Handler]
// binds exactly one Arena to a goroutine (thread-local mode) or a bounded
// pool of Arenas to many goroutines (shared mode); Arena itself does not
// care which.
type Arena struct {
	id uint32

	classes *ClassTable
	pager   pagealloc.Allocator
	log     *zap.Logger
	cfg     Config

	global     *GlobalCache
	accounting *spanAccounting

	// mu guards everything below for shared-handler mode, where more than
	// one goroutine may hold this Arena concurrently under try_acquire.
	// Thread-local mode never contends on it; when Config.ThreadSafe is
	// false the caller is asserting sole ownership for this arena's whole
	// lifetime, so lock/unlock are skipped entirely.
	mu sync.Mutex

	partials         []partialList
	deferredPartials []spanStack

	singleSpanCache *queue.MPMC[Span]

	// largeSpanCaches[i] caches MultiSpanLarge spans of exactly i+2 span-sized
	// slots; the last index is the overflow bucket for anything larger.
	largeSpanCaches []*queue.MPSC[Span]

	// mapCache holds freshly-mapped-but-not-yet-carved spans, keyed by span
	// count, chained through Span.next. Only ever touched by this arena
	// under mu, so a plain map is safe despite spans otherwise favoring
	// lock-free structures.
	mapCache map[int]*Span
}

// NewArena constructs an Arena bound to classes, drawing fresh span memory
// from pager and reporting cache misses to log. acct may be nil, meaning no
// leak bookkeeping; global may be nil, meaning no process-wide cache tier
// (as in Shared mode).
func NewArena(id uint32, classes *ClassTable, pager pagealloc.Allocator, global *GlobalCache, cfg Config, acct *spanAccounting, log *zap.Logger) *Arena {
	if log == nil {
		log = zap.NewNop()
	}

	// +1 to hold the single LargeSpan class alongside every small/medium
	// class; its Index is NumSmallMedium(), one past the small/medium range.
	n := classes.NumSmallMedium() + 1

	a := &Arena{
		id:               id,
		classes:          classes,
		pager:            pager,
		global:           global,
		cfg:              cfg,
		accounting:       acct,
		log:              log,
		partials:         make([]partialList, n),
		deferredPartials: make([]spanStack, n),
		mapCache:         make(map[int]*Span),
		singleSpanCache:  queue.NewMPMC[Span](cfg.CacheLimit),
		largeSpanCaches:  make([]*queue.MPSC[Span], classes.LargeClassCount+1),
	}

	for i := range a.largeSpanCaches {
		a.largeSpanCaches[i] = queue.NewMPSC[Span](cfg.LargeCacheLimit)
	}

	return a
}

func (a *Arena) lock() {
	if a.cfg.ThreadSafe {
		a.mu.Lock()
	}
}

func (a *Arena) unlock() {
	if a.cfg.ThreadSafe {
		a.mu.Unlock()
	}
}

// Alloc returns size bytes aligned to align (a power of two), routing the
// request to the appropriate size regime. The second return value reports
// the regime the request was served from, so the facade can choose the
// right free path.
func (a *Arena) Alloc(size, align int) (xunsafe.Addr[byte], Regime, *Span) {
	needed := size
	if align > a.classes.SmallGranularity {
		// Over-aligned requests are served by rounding the block size itself
		// up so that every block in the span lands on the alignment boundary;
		// the span records alignedBlocks so frees can recover the true block
		// start (see Span.blockStart).
		needed = roundUp(size, align)
	}

	regime, class, ok := a.classes.ClassFor(needed)
	if !ok {
		if regime == MultiSpanLarge {
			return a.allocMultiSpan(needed), MultiSpanLarge, nil
		}

		return a.allocHuge(needed, align), Huge, nil
	}

	p, s := a.allocSmallMedium(regime, class, align > a.classes.SmallGranularity)

	return xunsafe.AddrOf(p), regime, s
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// allocSmallMedium serves a Small/Medium/LargeSpan request from the
// partial-span list for class, reconciling deferred frees and pulling a
// fresh span when the list is empty.
func (a *Arena) allocSmallMedium(regime Regime, class Class, aligned bool) (*byte, *Span) {
	a.lock()
	defer a.unlock()

	idx := class.Index
	list := &a.partials[idx]

	for {
		s := list.head
		if s == nil {
			a.reconcileDeferred(idx)
			s = list.head
		}

		if s == nil {
			s = a.newSpanForClass(regime, class, aligned)
			list.pushFront(s)
		}

		p, ok := s.allocBlock(a.pager.PageSize())
		if !ok {
			// The bump pointer and local free list are both exhausted. A
			// foreign free may have landed on the deferred list since the
			// last reconciliation without yet waking us up; drain this
			// exact span before concluding it has no capacity left. Giving
			// up without draining first would unlink it here and orphan it
			// permanently, since pushDeferred only re-enqueues a span once
			// per full episode.
			s.drainDeferred()

			p, ok = s.allocBlock(a.pager.PageSize())
			if !ok {
				list.remove(s)
				s.full.Store(true)
				continue
			}
		}

		if s.isFull() {
			list.remove(s)
			s.full.Store(true)
		}

		return p, s
	}
}

// reconcileDeferred drains every span on class idx's deferred-partial stack,
// reclaiming their deferred frees and re-linking any that are still not
// full onto the ordinary partial list.
func (a *Arena) reconcileDeferred(idx int) {
	s := a.deferredPartials[idx].popAll()

	for s != nil {
		next := s.next
		s.drainDeferred()

		if !s.isFull() {
			a.partials[idx].pushFront(s)
		} else {
			s.full.Store(true)
		}

		s = next
	}
}

// newSpanForClass obtains a span via the full single-span cache hierarchy
// (1-span cache, global cache, harvested empty partials, map cache,
// conditional split from a cached large span, finally a fresh mapping) and
// assigns it class.
func (a *Arena) newSpanForClass(regime Regime, class Class, aligned bool) *Span {
	s := a.takeSingleSpan()
	if s == nil {
		s = a.mapFreshSpans(1)
	}

	s.setClass(regime, class)
	s.alignedBlocks = aligned
	s.arena = a

	return s
}

// takeSingleSpan implements get_span_from_cache_or_new's five cache tiers,
// returning nil only once every one of them has missed.
func (a *Arena) takeSingleSpan() *Span {
	if s, ok := a.singleSpanCache.TryPop(); ok {
		s.resetForReuse()
		return s
	}

	if a.global != nil {
		if s, ok := a.global.GetSingle(); ok {
			s.resetForReuse()
			return s
		}
	}

	if s, ok := a.harvestEmptySpans(); ok {
		s.resetForReuse()
		return s
	}

	if s, ok := a.mapCacheTake(1); ok {
		s.resetForReuse()
		return s
	}

	if a.cfg.SplitLargeSpansToOne {
		if s, ok := a.takeSmallestLargeSpan(); ok {
			remainder := s.splitFirstSpansReturningRemaining(a, 1)
			remainder.regime = MultiSpanLarge
			a.cacheMultiSpan(remainder)
			s.resetForReuse()

			a.log.Debug("split a cached large span to satisfy a single-span miss",
				zap.Int("remainingSpans", remainder.spanCount))

			return s
		}
	}

	return nil
}

// harvestEmptySpans scans every class's partial list for a span with no
// live blocks outstanding, a state that can arise when a span with
// BlockMax == 1 frees its only block while already full (see Free), or when
// reconcileDeferred drains a span down to zero. Such spans would otherwise
// sit inert on a partial list forever.
func (a *Arena) harvestEmptySpans() (*Span, bool) {
	for i := range a.partials {
		l := &a.partials[i]

		for s := l.head; s != nil; s = s.next {
			if s.isEmpty() {
				l.remove(s)
				return s, true
			}
		}
	}

	return nil, false
}

// mapCacheTake removes and returns a span of exactly n spans from the map
// cache, if one is waiting.
func (a *Arena) mapCacheTake(n int) (*Span, bool) {
	s := a.mapCache[n]
	if s == nil {
		return nil, false
	}

	a.mapCache[n] = s.next
	s.next = nil

	return s, true
}

// mapCachePush stashes s in the map cache, keyed by its current span count.
func (a *Arena) mapCachePush(s *Span) {
	n := s.spanCount
	s.next = a.mapCache[n]
	a.mapCache[n] = s
}

// takeSmallestLargeSpan pops the smallest-count large span chain cached in
// this arena, scanning buckets in ascending order.
func (a *Arena) takeSmallestLargeSpan() (*Span, bool) {
	for _, c := range a.largeSpanCaches {
		if s, ok := c.TryPop(); ok {
			return s, true
		}
	}

	return nil, false
}

// mapFreshSpans maps at least desired spans in one backing reservation,
// batching up to page_size/span_size or config.MapAllocCount spans (whichever
// is larger) so a burst of same-sized requests doesn't thrash the page
// allocator one span at a time; any spans mapped beyond desired are stashed
// in the map cache for the next miss.
func (a *Arena) mapFreshSpans(desired int) *Span {
	mapCount := desired

	if v := a.pager.PageSize() / a.classes.SpanSize; v > mapCount {
		mapCount = v
	}
	if a.cfg.MapAllocCount > mapCount {
		mapCount = a.cfg.MapAllocCount
	}

	s := a.mapSpan(mapCount)

	if mapCount > desired {
		remainder := s.splitFirstSpansReturningRemaining(a, desired)
		a.mapCachePush(remainder)
	}

	return s
}

// mapSpan reserves n consecutive span-sized slots from the page allocator
// and places a fresh Span header at their base.
func (a *Arena) mapSpan(n int) *Span {
	raw := a.pager.RawAlloc(n*a.classes.SpanSize, a.classes.SpanSize)
	base := xunsafe.Addr[byte](addrOfSlice(raw))

	s := initSpan(a, base, base, len(raw), n)

	a.accounting.mint()
	a.log.Debug("mapped span", zap.Uint32("arena", a.id), zap.Int("spanCount", n))

	return s
}

// freeSpan returns an emptied single span to the cache hierarchy, falling
// back to releasing it to the OS when every cache is full.
func (a *Arena) freeSpan(s *Span) {
	if a.singleSpanCache.TryPush(s) {
		return
	}

	if a.global != nil && a.global.PutSingle(s) {
		return
	}

	a.log.Debug("single-span cache overflow, releasing to backing allocator", zap.Uint32("arena", a.id))
	a.unmapSpan(s)
}

func (a *Arena) unmapSpan(s *Span) {
	if s.split {
		// A split fragment never owns a releasable OS reservation on its own
		// (see Span.splitFirstSpansReturningRemaining); park it in the
		// single-span cache indefinitely rather than ever hand it to
		// RawFree, which must only ever see the (ptr, size) pair a matching
		// RawAlloc returned.
		if !a.singleSpanCache.TryPush(s) {
			a.log.Warn("split span fragment could not be recached; holding it idle to avoid an invalid backing free",
				zap.Uint32("arena", a.id))
		}

		return
	}

	releaseSpan(a.pager, s, a.accounting)
	a.log.Debug("unmapped span", zap.Uint32("arena", a.id), zap.Int("spanCount", s.spanCount))
}

// Free returns a block previously returned by Alloc to its span. local
// reports whether the calling goroutine owns the arena the span belongs to
// (the common case in thread-local mode); the facade passes false whenever
// it cannot prove ownership, which routes the free through the deferred
// cross-thread path unconditionally and is always safe, merely slower.
func (a *Arena) Free(s *Span, p *byte, local bool) {
	addr := xunsafe.AddrOf(p)
	start := s.blockStart(addr).AssertValid()

	if local {
		a.lock()
		defer a.unlock()

		wasFull := s.full.Load()
		becameEmpty := s.freeBlockLocal(start)

		switch {
		case becameEmpty:
			if wasFull {
				// Went from fully allocated straight to empty in one free,
				// only possible when BlockMax == 1: the span was never
				// linked onto the partial list to begin with.
				s.full.Store(false)
			} else {
				a.partials[s.class.Index].remove(s)
			}

			a.freeSpan(s)
		case wasFull:
			a.partials[s.class.Index].pushFront(s)
			s.full.Store(false)
		}

		return
	}

	if s.pushDeferred(start) {
		s.arena.deferredPartials[s.class.Index].push(s)
	}
}

// allocMultiSpan serves a MultiSpanLarge request by reusing a cached
// multi-span chain of sufficient length (splitting off any excess) or
// mapping a fresh one.
func (a *Arena) allocMultiSpan(size int) xunsafe.Addr[byte] {
	n := a.classes.SpansNeeded(size)

	a.lock()
	defer a.unlock()

	if s, ok := a.takeLargeSpan(n); ok {
		if s.spanCount > n {
			remainder := s.splitFirstSpansReturningRemaining(a, n)
			remainder.regime = MultiSpanLarge
			a.cacheMultiSpan(remainder)
		}

		s.regime = MultiSpanLarge

		return s.allocPtr
	}

	s := a.mapFreshSpans(n)
	s.regime = MultiSpanLarge

	return s.allocPtr
}

// takeLargeSpan implements get_large_span_from_caches's three tiers: a
// range scan of the large caches bounded by config.LargeSpanOverheadMul
// (checking the process-wide global bucket alongside each local one),
// an exact lookup in the map cache, and finally a conditional split of
// whatever larger chain is cached, if any.
func (a *Arena) takeLargeSpan(n int) (*Span, bool) {
	maxIdx := len(a.largeSpanCaches) - 1
	start := n - 2
	if start < 0 {
		start = 0
	}
	if start > maxIdx {
		start = maxIdx
	}

	for idx := start; idx <= maxIdx; idx++ {
		isOverflow := idx == maxIdx

		if s, ok := a.largeSpanCaches[idx].TryPop(); ok {
			if !isOverflow || acceptableLargeSpan(s.spanCount, n, a.cfg.LargeSpanOverheadMul) {
				return s, true
			}
			// Overflow bucket entries carry arbitrary counts; one too big
			// for this request goes right back for the next caller.
			if !a.largeSpanCaches[idx].TryPush(s) {
				a.unmapSpan(s)
			}
		} else if a.global != nil {
			if s, ok := a.global.GetLarge(idx); ok {
				return s, true
			}
		}

		if !isOverflow && !acceptableLargeSpan(idx+3, n, a.cfg.LargeSpanOverheadMul) {
			// idx+3 is the smallest count the NEXT bucket could hold; once
			// that already exceeds the overhead bound, scanning further
			// only gets worse.
			break
		}
	}

	if s, ok := a.mapCacheTake(n); ok {
		return s, true
	}

	if a.cfg.SplitLargeSpansToLarge {
		for idx := maxIdx; idx >= 0; idx-- {
			s, ok := a.largeSpanCaches[idx].TryPop()
			if !ok {
				continue
			}

			if s.spanCount <= n {
				if !a.largeSpanCaches[idx].TryPush(s) {
					a.unmapSpan(s)
				}

				continue
			}

			return s, true
		}
	}

	return nil, false
}

func acceptableLargeSpan(count, n int, overheadMul float64) bool {
	return float64(count) <= float64(n)*(1+overheadMul)
}

// cacheMultiSpan returns a multi-span chain to the appropriate large-span
// cache, or to the overflow cache if it is larger than any exact bucket.
// When every large cache rejects it and config.RecycleLargeSpans is set, it
// falls back to the 1-span cache rather than releasing straight to the OS:
// Span.end already reflects the chain's full extent, so setClass computes a
// correspondingly larger BlockMax for it without any special-casing.
func (a *Arena) cacheMultiSpan(s *Span) {
	if s.spanCount < 2 {
		// A one-span remainder of a split belongs with the single spans.
		a.freeSpan(s)
		return
	}

	idx := s.spanCount - 2
	if idx < 0 {
		idx = 0
	}

	maxIdx := len(a.largeSpanCaches) - 1
	if idx >= maxIdx {
		idx = maxIdx
	}

	if a.largeSpanCaches[idx].TryPush(s) {
		return
	}

	if a.global != nil && a.global.PutLarge(idx, s) {
		return
	}

	if a.cfg.RecycleLargeSpans && s.spanCount > 1 {
		if a.singleSpanCache.TryPush(s) {
			a.log.Debug("large span cache overflow, recycled into single-span cache",
				zap.Uint32("arena", a.id), zap.Int("spanCount", s.spanCount))

			return
		}
	}

	a.log.Debug("large span cache overflow, releasing to backing allocator",
		zap.Uint32("arena", a.id), zap.Int("spanCount", s.spanCount))
	a.unmapSpan(s)
}

// FreeMultiSpan returns a MultiSpanLarge allocation to the cache hierarchy.
func (a *Arena) FreeMultiSpan(addr xunsafe.Addr[byte], spanSize int) {
	base := xunsafe.Addr[byte](uintptr(addr) &^ uintptr(spanSize-1))
	s := spanAt(base)

	a.lock()
	defer a.unlock()

	a.cacheMultiSpan(s)
}

// allocHuge bypasses span machinery entirely: the returned address has no
// span header and must never be passed to anything that derives a span
// from it. align is honored directly against the backing allocator, since
// huge allocations have no span-level alignment guarantee to fall back on.
func (a *Arena) allocHuge(size, align int) xunsafe.Addr[byte] {
	pageAlign := a.pager.PageSize()
	if align > pageAlign {
		pageAlign = align
	}

	raw := a.pager.RawAlloc(size, pageAlign)
	if raw == nil {
		return 0
	}

	debug.Assert(len(raw) >= size, "huge allocation short of requested size")

	return xunsafe.Addr[byte](addrOfSlice(raw))
}

// FreeHuge releases a huge allocation directly back to the page allocator.
func (a *Arena) FreeHuge(addr xunsafe.Addr[byte], size int) {
	a.pager.RawFree(addrToSlice(addr, size))
}

// DrainCaches releases every span sitting idle in this arena's own cache
// tiers (single-span, large-span, map cache), used during shutdown so idle,
// already-freed capacity is never mistaken for a leak.
func (a *Arena) DrainCaches() {
	a.lock()
	defer a.unlock()

	for {
		s, ok := a.singleSpanCache.TryPop()
		if !ok {
			break
		}

		releaseSpan(a.pager, s, a.accounting)
	}

	for _, c := range a.largeSpanCaches {
		for {
			s, ok := c.TryPop()
			if !ok {
				break
			}

			releaseSpan(a.pager, s, a.accounting)
		}
	}

	for n, s := range a.mapCache {
		for s != nil {
			next := s.next
			releaseSpan(a.pager, s, a.accounting)
			s = next
		}

		delete(a.mapCache, n)
	}
}

// OutstandingSpans reports how many span-chain reservations this arena has
// obtained from the backing allocator but not yet returned, meaningful only
// once DrainCaches has run (otherwise idle cached spans inflate the count).
// Always 0 when the owning handler's Config.ReportLeaks is false.
func (a *Arena) OutstandingSpans() int {
	return a.accounting.outstanding()
}
