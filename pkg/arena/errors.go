package arena

import "errors"

// Sentinel errors surfaced by the arena layer and the facade built on it.
var (
	// ErrOutOfMemory is returned when the backing page allocator cannot
	// satisfy a request.
	ErrOutOfMemory = errors.New("spanmalloc: out of memory")

	// ErrInvalidAlignment is returned for an alignment that is not a power
	// of two, or exceeds the configured maximum.
	ErrInvalidAlignment = errors.New("spanmalloc: invalid alignment")

	// ErrLeakedSpans is returned by diagnostic teardown checks when spans
	// remain checked out of every arena at process/handler shutdown.
	ErrLeakedSpans = errors.New("spanmalloc: spans leaked at shutdown")
)
