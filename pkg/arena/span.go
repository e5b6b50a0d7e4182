package arena

import (
	"sync/atomic"
	"unsafe"

	"github.com/flier/spanmalloc/pkg/xunsafe"
)

// freeListNull is the sentinel terminating a [Span]'s local or deferred free
// list. It is zero, which is never a valid block address because every
// block lies inside a span whose base is strictly positive.
const freeListNull = 0

// invalidPtr marks a [Span]'s deferredFreeList as "a producer is mid-update"
// during the two-phase swap push protocol. It is all-ones, which can never
// collide with freeListNull or a real block address (those are always at
// least pointer-aligned, hence have low bits clear).
const invalidPtr = ^uintptr(0)

// Span is a contiguous, span-size-aligned virtual region carved into
// class.BlockSize blocks. Its header lives at its own base address, so a
// block pointer's owning span can be recovered in O(1), without a side
// table, as base = addr &^ (spanSize-1).
//
// A Span's header is placed directly in the backing reservation's memory
// (see [Arena.mapSpan]), not on the Go heap. Its arena/next/prev fields are
// therefore ordinary Go pointers into memory the garbage collector does not
// manage; they stay valid because the [Arena] and neighboring [Span] values
// they reference are independently kept alive by the arena handler's
// registry and by the span lists that hold them, never by GC reachability
// through the header itself.
type Span struct {
	// initialPtr and allocSize describe the OS-level reservation this span
	// was mapped from, so the backing free can be issued for it. After a
	// split they no longer describe a whole reservation, and neither half
	// ever issues the backing free (see split).
	initialPtr xunsafe.Addr[byte]
	allocSize  int

	base xunsafe.Addr[byte]
	end  xunsafe.Addr[byte]

	allocPtr xunsafe.Addr[byte]
	freeList xunsafe.Addr[byte]

	// deferredFreeList is managed by a two-phase swap protocol: producers
	// (foreign threads) swap in invalidPtr, link their block, then release
	// the new head.
	deferredFreeList atomic.Uintptr
	deferredFrees    atomic.Uint32

	class     Class
	regime    Regime
	spanCount int

	blockCount uint32

	full          atomic.Bool
	alignedBlocks bool

	// split marks a span produced by splitFirstSpansReturningRemaining,
	// either half. A split span's (initialPtr, allocSize) no longer matches
	// any single reservation RawAlloc ever returned, so it must never reach
	// RawFree; see Arena.unmapSpan.
	split bool

	arena *Arena
	next  *Span
	prev  *Span
}

// HeaderSize is the size of a Span header, rounded up to pointer alignment,
// as carved out of the front of every span's backing memory.
var HeaderSize = int(alignUp(unsafe.Sizeof(Span{})))

func alignUp(n uintptr) uintptr {
	const align = unsafe.Sizeof(uintptr(0))
	return (n + align - 1) &^ (align - 1)
}

// spanAt casts the header at base back into a *Span. Used by the
// address-to-span derivation path: base = addr &^ (spanSize-1).
func spanAt(base xunsafe.Addr[byte]) *Span {
	return (*Span)(unsafe.Pointer(uintptr(base)))
}

// SpanAt is the exported form of spanAt, for facades that have already
// masked a block address down to its span base.
func SpanAt(base xunsafe.Addr[byte]) *Span {
	return spanAt(base)
}

// IsMultiSpanLarge reports whether s holds a single oversized block
// spanning more than one span-sized slot, which must be freed via
// [Arena.FreeMultiSpan] rather than the ordinary class-based free path.
func (s *Span) IsMultiSpanLarge() bool {
	return s.regime == MultiSpanLarge
}

// Owner returns the arena that carved s, for callers deciding whether a
// free can take the fast local path.
func (s *Span) Owner() *Arena {
	return s.arena
}

// BlockSize returns the size, in bytes, of every block in s. For a
// MultiSpanLarge span, which holds exactly one oversized block and carries
// no Class, it returns the full usable span-chain length instead.
func (s *Span) BlockSize() int {
	if s.regime == MultiSpanLarge {
		return s.end.Sub(s.allocPtr)
	}

	return s.class.BlockSize
}

// spanOf recovers the owning span of a live block address.
func spanOf(addr xunsafe.Addr[byte], spanSize int) *Span {
	base := xunsafe.Addr[byte](uintptr(addr) &^ uintptr(spanSize-1))
	return spanAt(base)
}

// initSpan places a fresh Span header at base and returns it. base must be
// span-size-aligned and own at least spanCount*spanSize bytes.
func initSpan(a *Arena, base, initialPtr xunsafe.Addr[byte], allocSize, spanCount int) *Span {
	s := spanAt(base)
	*s = Span{
		initialPtr: initialPtr,
		allocSize:  allocSize,
		base:       base,
		end:        base.ByteAdd(spanCount * a.classes.SpanSize),
		allocPtr:   base.ByteAdd(HeaderSize),
		spanCount:  spanCount,
		arena:      a,
	}

	return s
}

// setClass assigns s's size class, computing block_max from the usable
// bytes remaining after the header.
func (s *Span) setClass(regime Regime, c Class) {
	s.regime = regime
	s.class = c

	usable := s.end.Sub(s.allocPtr)
	s.class.BlockMax = uint32(usable / c.BlockSize)
}

// isEmpty reports whether the span has no live blocks outstanding: every
// block ever cut from it is either on the local free list or on the
// deferred free list awaiting reconciliation.
func (s *Span) isEmpty() bool {
	return s.blockCount == s.deferredFrees.Load()
}

// isFull reports whether every block the span can hold is both cut and
// currently live (no deferred frees pending reconciliation).
func (s *Span) isFull() bool {
	return s.blockCount == s.class.BlockMax && s.deferredFrees.Load() == 0
}

// allocBlock cuts a block off the span, first from the local free list, then
// by page-batching from the bump pointer. ok is false if the span has no
// remaining capacity.
//
// pageSize is the OS page size; page-batching only pre-links as many blocks
// as fit in the remainder of the current OS page, so that first-touch only
// dirties one page at a time.
func (s *Span) allocBlock(pageSize int) (*byte, bool) {
	if s.freeList != freeListNull {
		p := s.freeList.AssertValid()
		s.freeList = xunsafe.Addr[byte](*(*uintptr)(unsafe.Pointer(p)))
		s.blockCount++
		return p, true
	}

	if s.allocPtr.Add(s.class.BlockSize) > s.end {
		return nil, false
	}

	p := s.allocPtr.AssertValid()

	pageRemaining := pageSize - int(uintptr(s.allocPtr))%pageSize
	spanRemaining := s.end.Sub(s.allocPtr)
	batchBytes := min(pageRemaining, spanRemaining)
	// A block larger than what is left of the current page is still cut
	// whole; the capacity check above guarantees it fits in the span.
	batchBlocks := max(1, batchBytes/s.class.BlockSize)

	s.allocPtr = s.allocPtr.Add(batchBlocks * s.class.BlockSize)

	// The first block is returned directly; the rest are threaded onto the
	// free list, most-recently-carved first.
	for i := batchBlocks - 1; i >= 1; i-- {
		block := xunsafe.AddrOf(p).Add(i * s.class.BlockSize)
		*(*uintptr)(unsafe.Pointer(block.AssertValid())) = uintptr(s.freeList)
		s.freeList = block
	}

	s.blockCount++
	return p, true
}

// freeBlockLocal returns a block to the span from the owning thread/arena,
// i.e. not via the deferred cross-thread path. Returns true if the span
// became empty as a result.
func (s *Span) freeBlockLocal(p *byte) (becameEmpty bool) {
	addr := xunsafe.AddrOf(p)

	*(*uintptr)(unsafe.Pointer(p)) = uintptr(s.freeList)
	s.freeList = addr

	s.blockCount--

	return s.isEmpty()
}

// blockStart recovers the canonical start of the block containing addr. For
// ordinary spans the user pointer already is the block start; over-aligned
// spans must recover it by rounding back to the nearest multiple of
// class.BlockSize from the bump-allocation origin.
func (s *Span) blockStart(addr xunsafe.Addr[byte]) xunsafe.Addr[byte] {
	if !s.alignedBlocks {
		return addr
	}

	origin := s.base.ByteAdd(HeaderSize)
	offset := addr.Sub(origin) // in bytes, since Addr[byte]
	rem := offset % s.class.BlockSize

	return addr.ByteAdd(-rem)
}

// pushDeferred pushes a block freed by a foreign thread onto the span's
// deferred free list, using the two-phase swap protocol. Returns true if
// this call is the one responsible for transitioning the span from full to
// not-full (i.e. it must enqueue the span onto the arena's deferred-partial
// stack for its class) — at most one caller ever gets true per full
// episode.
func (s *Span) pushDeferred(p *byte) (mustEnqueue bool) {
	addr := uintptr(unsafe.Pointer(p))

	for {
		old := s.deferredFreeList.Swap(invalidPtr)
		if old != invalidPtr {
			*(*uintptr)(unsafe.Pointer(p)) = old
			s.deferredFreeList.Store(addr)
			break
		}
		// Raced a concurrent producer mid-update; retry.
	}

	s.deferredFrees.Add(1)

	// Xchg-monotonic: only the call that observes "was full" is responsible
	// for enqueueing, guaranteeing at most one enqueue per full episode.
	return s.full.Swap(false)
}

// drainDeferred atomically removes the entire deferred free list and
// relinks it onto the local free list, decrementing blockCount and
// deferredFrees for every block reclaimed. Must only be called by the
// span's owning arena.
func (s *Span) drainDeferred() {
	var head uintptr

	for {
		old := s.deferredFreeList.Swap(invalidPtr)
		if old != invalidPtr {
			head = old
			s.deferredFreeList.Store(freeListNull)
			break
		}
	}

	if head == freeListNull {
		return
	}

	n := uint32(0)
	cur := head
	for cur != freeListNull {
		next := *(*uintptr)(unsafe.Pointer(cur))
		n++
		if next == freeListNull {
			// Splice the drained chain onto the front of the local free
			// list by rewriting the tail's next pointer.
			*(*uintptr)(unsafe.Pointer(cur)) = uintptr(s.freeList)
		}
		cur = next
	}

	s.freeList = xunsafe.Addr[byte](head)
	s.blockCount -= n
	s.deferredFrees.Add(^(n - 1)) // atomic subtract n
}

// splitFirstSpansReturningRemaining splits this span, which must span more
// than n span-sized slots, into a head of n slots (returned as s, mutated in
// place) and a freshly-initialized remainder span of the rest.
//
// Exactly one span in any split chain retains initialPtr equal to the
// original OS-returned address; the remainder's initialPtr is set to its own
// base, so only the original head may ever call the backing allocator's
// free, and only when allocSize still matches the original reservation.
func (s *Span) splitFirstSpansReturningRemaining(a *Arena, n int) *Span {
	spanSize := a.classes.SpanSize
	remainingCount := s.spanCount - n

	remainderBase := s.base.ByteAdd(n * spanSize)
	remainderAllocSize := s.allocSize * remainingCount / s.spanCount

	s.allocSize = s.allocSize - remainderAllocSize
	s.spanCount = n
	s.end = s.base.ByteAdd(n * spanSize)
	s.split = true

	remainder := initSpan(a, remainderBase, remainderBase, remainderAllocSize, remainingCount)
	remainder.split = true

	return remainder
}

// resetForReuse reinitializes a span's carving state so it can be handed
// back out as if freshly mapped, without touching its backing memory or its
// OS-reservation bookkeeping (initialPtr, allocSize, base, end, spanCount,
// split all survive unchanged). Used whenever takeSingleSpan hands out a
// span from any of its cache tiers rather than a freshly mapped one.
func (s *Span) resetForReuse() {
	s.allocPtr = s.base.ByteAdd(HeaderSize)
	s.freeList = freeListNull
	s.deferredFreeList.Store(freeListNull)
	s.deferredFrees.Store(0)
	s.blockCount = 0
	s.full.Store(false)
	s.alignedBlocks = false
	s.class = Class{}
	s.next = nil
	s.prev = nil
}
