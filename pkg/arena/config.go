package arena

import "fmt"

// Mode selects which [Handler] implementation a facade builds.
type Mode string

const (
	// ThreadLocal gives every goroutine its own arena (see
	// [ThreadLocalHandler]). Best when goroutine count stays bounded and
	// long-lived, e.g. a worker-pool-shaped server.
	ThreadLocal Mode = "thread-local"

	// Shared multiplexes goroutines across a growable arena pool (see
	// [SharedHandler]). Best when the number of concurrently-allocating
	// goroutines may exceed what per-goroutine arenas can afford.
	Shared Mode = "shared"
)

// Config holds the allocator's caller-overridable tunables. Zero values are
// not valid; use [DefaultConfig] and override fields.
type Config struct {
	Mode Mode

	SpanSize          int
	SmallGranularity  int
	SmallClassCount   int
	MediumGranularity int
	MediumClassCount  int
	LargeClassCount   int

	// SpanAllocCount is checked by Validate (it must be at least 1) but is
	// not read by Arena: how many spans one fresh reservation holds is set
	// by MapAllocCount and the page-size-to-span-size ratio alone (see
	// Arena.mapFreshSpans).
	SpanAllocCount int

	// MapAllocCount is the minimum number of spans mapped in one backing
	// reservation for a class, independent of how many the caller actually
	// needs; the excess is stashed in the map cache for the next miss.
	MapAllocCount int

	// CacheLimit and LargeCacheLimit bound, respectively, an arena's 1-span
	// cache and each of its per-count large-span caches. Both must be
	// powers of two greater than one.
	CacheLimit      int
	LargeCacheLimit int

	// GlobalCacheMultiplier scales CacheLimit/LargeCacheLimit up to size the
	// process-wide [GlobalCache]'s ring buffers, present only in ThreadLocal
	// mode.
	GlobalCacheMultiplier int

	// LargeSpanOverheadMul bounds how much larger than the requested span
	// count a cached large span may be before get_large_span_from_caches
	// refuses to hand it out unsplit: a cache entry of count c satisfies a
	// request for n spans only while c <= n + n*LargeSpanOverheadMul.
	LargeSpanOverheadMul float64

	// SplitLargeSpansToOne, when true, lets the single-span cache miss path
	// carve a fresh single span off the smallest cached large-span chain
	// instead of mapping new memory.
	SplitLargeSpansToOne bool

	// SplitLargeSpansToLarge, when true, lets a large-span request that
	// misses its own bucket split a larger cached chain down to size rather
	// than mapping fresh spans.
	SplitLargeSpansToLarge bool

	// RecycleLargeSpans, when true, lets a large-span chain that overflows
	// every large cache fall back to the 1-span cache (as an oversized
	// single span, per Span.BlockMax's usual computation) instead of going
	// straight to the backing allocator.
	RecycleLargeSpans bool

	// SharedArenaBatchSize is the number of arenas in each fixed-size batch
	// a [SharedHandler] allocates as it grows its arena pool. Must be a
	// power of two.
	SharedArenaBatchSize int

	// ReportLeaks enables the span-accounting bookkeeping (minted/released
	// counters) an allocator's Close needs to report outstanding spans. Off
	// by default since it costs an atomic increment/decrement per backing
	// reservation.
	ReportLeaks bool

	// ThreadSafe gates whether an Arena actually acquires its mutex around
	// the hot alloc/free paths. Leave true unless the caller independently
	// guarantees exclusive access to every Arena it acquires (e.g. a
	// ThreadLocal-mode caller that never shares a goroutine's arena), in
	// which case the mutex is pure overhead.
	ThreadSafe bool
}

// DefaultSharedArenaBatchSize is the batch size a [SharedHandler] uses when
// Config.SharedArenaBatchSize is left zero.
const DefaultSharedArenaBatchSize = 16

// DefaultConfig returns the tunables used when no configuration file or
// override is supplied.
func DefaultConfig() Config {
	return Config{
		Mode:                   ThreadLocal,
		SpanSize:               DefaultSpanSize,
		SmallGranularity:       DefaultSmallGranularity,
		SmallClassCount:        DefaultSmallClassCount,
		MediumGranularity:      DefaultMediumGranularity,
		MediumClassCount:       DefaultMediumClassCount,
		LargeClassCount:        DefaultLargeClassCount,
		SpanAllocCount:         1,
		MapAllocCount:          1,
		CacheLimit:             256,
		LargeCacheLimit:        32,
		GlobalCacheMultiplier:  4,
		LargeSpanOverheadMul:   0.25,
		SplitLargeSpansToOne:   true,
		SplitLargeSpansToLarge: true,
		RecycleLargeSpans:      true,
		SharedArenaBatchSize:   DefaultSharedArenaBatchSize,
		ReportLeaks:            false,
		ThreadSafe:             true,
	}
}

func isPowerOfTwoAboveOne(n int) bool {
	return n > 1 && n&(n-1) == 0
}

// Validate checks c for internal consistency, returning a descriptive error
// for the first problem found.
func (c Config) Validate() error {
	if c.Mode != ThreadLocal && c.Mode != Shared {
		return fmt.Errorf("spanmalloc: unknown arena mode %q", c.Mode)
	}

	if c.SpanSize <= 0 || c.SpanSize&(c.SpanSize-1) != 0 {
		return fmt.Errorf("spanmalloc: span size %d must be a positive power of two", c.SpanSize)
	}

	if c.SmallGranularity <= 0 || c.SmallGranularity&(c.SmallGranularity-1) != 0 {
		return fmt.Errorf("spanmalloc: small granularity %d must be a positive power of two", c.SmallGranularity)
	}

	if c.MediumGranularity <= 0 {
		return fmt.Errorf("spanmalloc: medium granularity %d must be positive", c.MediumGranularity)
	}

	if c.SmallClassCount <= 0 || c.MediumClassCount < 0 || c.LargeClassCount <= 0 {
		return fmt.Errorf("spanmalloc: class counts must be positive")
	}

	smallMax := c.SmallGranularity * c.SmallClassCount
	if smallMax+c.MediumGranularity >= c.SpanSize {
		return fmt.Errorf("spanmalloc: small+medium classes must fit well under one span (span=%d)", c.SpanSize)
	}

	if c.SpanAllocCount < 1 {
		return fmt.Errorf("spanmalloc: span alloc count must be at least 1")
	}

	if c.MapAllocCount < 0 {
		return fmt.Errorf("spanmalloc: map alloc count must be non-negative")
	}

	if !isPowerOfTwoAboveOne(c.CacheLimit) {
		return fmt.Errorf("spanmalloc: cache limit %d must be a power of two greater than one", c.CacheLimit)
	}

	if !isPowerOfTwoAboveOne(c.LargeCacheLimit) {
		return fmt.Errorf("spanmalloc: large cache limit %d must be a power of two greater than one", c.LargeCacheLimit)
	}

	if c.GlobalCacheMultiplier < 1 {
		return fmt.Errorf("spanmalloc: global cache multiplier must be at least 1")
	}

	if c.LargeSpanOverheadMul < 0.0 {
		return fmt.Errorf("spanmalloc: large span overhead multiplier must be non-negative")
	}

	if !isPowerOfTwoAboveOne(c.SharedArenaBatchSize) {
		return fmt.Errorf("spanmalloc: shared arena batch size %d must be a power of two greater than one", c.SharedArenaBatchSize)
	}

	return nil
}
