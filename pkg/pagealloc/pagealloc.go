// Package pagealloc defines the backing page allocator trait consumed by
// [github.com/flier/spanmalloc/pkg/arena], and the default implementations
// of it.
//
// spanmalloc's core never calls into the OS directly: every span-sized (or
// larger) reservation is satisfied by an [Allocator], so that the arena and
// span machinery can be exercised against a deterministic in-memory mock in
// tests.
package pagealloc

import "errors"

// ErrOutOfMemory names the condition of a backing allocator that cannot
// satisfy a request. RawAlloc itself reports that condition by returning
// nil; no function in this package returns this error.
var ErrOutOfMemory = errors.New("spanmalloc: backing allocator out of memory")

// Allocator is the trait-level dependency the arena subsystem consumes to
// obtain and release page-aligned virtual memory. It knows nothing about
// spans, size classes, or free lists — it is a dumb provider of raw, zeroed,
// page-aligned byte ranges.
//
// The huge-allocation fast path deliberately never reads through a pointer
// this returns before handing it to the caller. [Mock.Poison] can fill such
// memory with a marker pattern, but it does not detect reads.
//
// Implementations MUST return memory aligned to at least pageAlign (which is
// always the OS page size or a request-specific stricter alignment demanded
// by the caller, whichever is larger), and MUST accept back, in RawFree,
// exactly the (ptr, size) pair a prior RawAlloc returned — spanmalloc never
// asks an Allocator to free a sub-range of what it handed out.
type Allocator interface {
	// RawAlloc requests size bytes of page-aligned memory, aligned to at
	// least pageAlign. Returns nil if the request cannot be satisfied.
	RawAlloc(size, pageAlign int) []byte

	// RawFree returns a range previously obtained from RawAlloc. ptr and
	// size must be exactly the slice and length RawAlloc returned.
	RawFree(ptr []byte)

	// PageSize returns the allocator's native page size, used by the arena
	// to decide how many blocks to page-batch during fresh span carving.
	PageSize() int
}
