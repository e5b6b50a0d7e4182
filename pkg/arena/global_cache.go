package arena

import (
	"github.com/flier/spanmalloc/pkg/pagealloc"
	"github.com/flier/spanmalloc/pkg/queue"
)

// GlobalCache is the process-wide, cross-arena span cache. It exists only
// in thread-local handler mode, where arenas never share a lock and would
// otherwise thrash the OS allocator whenever a goroutine's bound arena
// churns through spans its neighbors are simultaneously starving for.
//
// Every operation is non-blocking try-semantics, backed by
// [code.hybscloud.com/lfq]'s MPMC ring buffer: a miss here just means the
// caller falls through to the OS page allocator.
type GlobalCache struct {
	single *queue.MPMC[Span]

	// large[i] caches MultiSpanLarge chains of exactly i+2 spans, mirroring
	// Arena.largeSpanCaches but shared process-wide.
	large []*queue.MPMC[Span]
}

// NewGlobalCache constructs a GlobalCache holding up to singleCapacity
// single spans and, for each of largeBuckets span counts plus one overflow
// bucket, up to largeCapacity large-span chains.
func NewGlobalCache(singleCapacity, largeCapacity, largeBuckets int) *GlobalCache {
	g := &GlobalCache{
		single: queue.NewMPMC[Span](singleCapacity),
		large:  make([]*queue.MPMC[Span], largeBuckets+1),
	}

	for i := range g.large {
		g.large[i] = queue.NewMPMC[Span](largeCapacity)
	}

	return g
}

// GetSingle attempts to take one cached single span.
func (g *GlobalCache) GetSingle() (*Span, bool) {
	return g.single.TryPop()
}

// PutSingle attempts to cache s, returning false if the cache is full (the
// caller must then fall back to releasing s to the OS).
func (g *GlobalCache) PutSingle(s *Span) bool {
	return g.single.TryPush(s)
}

// GetLarge attempts to take one cached large-span chain of exactly idx+2
// spans, clamping idx to the overflow bucket if it is out of range.
func (g *GlobalCache) GetLarge(idx int) (*Span, bool) {
	return g.bucket(idx).TryPop()
}

// PutLarge attempts to cache s in the bucket for its span count.
func (g *GlobalCache) PutLarge(idx int, s *Span) bool {
	return g.bucket(idx).TryPush(s)
}

func (g *GlobalCache) bucket(idx int) *queue.MPMC[Span] {
	if idx < 0 {
		idx = 0
	}
	if idx >= len(g.large) {
		idx = len(g.large) - 1
	}

	return g.large[idx]
}

// Release drains every cache tier, returning each span directly to pager.
// Used during process-wide teardown so idle cache capacity is never
// mistaken for a leak. acct, if non-nil, is credited with one release per
// span handed back, regardless of which Arena originally minted it.
func (g *GlobalCache) Release(pager pagealloc.Allocator, acct *spanAccounting) {
	releaseAllFrom(g.single, pager, acct)

	for _, b := range g.large {
		releaseAllFrom(b, pager, acct)
	}
}

func releaseAllFrom(q *queue.MPMC[Span], pager pagealloc.Allocator, acct *spanAccounting) {
	for {
		s, ok := q.TryPop()
		if !ok {
			return
		}

		releaseSpan(pager, s, acct)
	}
}

// Drain empties every cache tier without releasing anything, used only by
// tests that want a clean queue state without a pager at hand.
func (g *GlobalCache) Drain() {
	g.single.Drain()

	for _, b := range g.large {
		b.Drain()
	}
}
