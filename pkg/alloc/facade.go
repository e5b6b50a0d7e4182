// Package alloc is the external allocation facade: Alloc/Resize/Remap/Free/
// UsableSize, dispatching every call into the [arena] package's size
// classes, spans, and handler modes.
package alloc

import (
	"fmt"
	"unsafe"

	"go.uber.org/zap"

	"github.com/flier/spanmalloc/internal/xsync"
	"github.com/flier/spanmalloc/pkg/arena"
	"github.com/flier/spanmalloc/pkg/diag"
	"github.com/flier/spanmalloc/pkg/pagealloc"
	"github.com/flier/spanmalloc/pkg/xunsafe"
)

// Allocator is the facade a caller constructs once per process (ThreadLocal
// mode) or per isolated subsystem (Shared mode) and shares across
// goroutines.
type Allocator struct {
	cfg     arena.Config
	classes *arena.ClassTable
	pager   pagealloc.Allocator
	handler arena.Handler
	log     *zap.Logger

	// hugeSizes tracks the requested size of every outstanding huge
	// allocation, since huge blocks bypass span machinery entirely and
	// carry no header to recover it from.
	hugeSizes xsync.Map[uintptr, int]
}

// New constructs an Allocator from cfg, validating it first.
func New(cfg arena.Config, pager pagealloc.Allocator, log *zap.Logger) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if log == nil {
		log = zap.NewNop()
	}

	classes := arena.NewClassTable(
		cfg.SpanSize,
		cfg.SmallGranularity,
		cfg.SmallClassCount,
		cfg.MediumGranularity,
		cfg.MediumClassCount,
		cfg.LargeClassCount,
		arena.HeaderSize,
	)

	a := &Allocator{
		cfg:     cfg,
		classes: classes,
		pager:   pager,
		log:     log,
	}

	switch cfg.Mode {
	case arena.Shared:
		a.handler = arena.NewSharedHandler(classes, pager, cfg, log)
	default:
		a.handler = arena.NewThreadLocalHandler(classes, pager, cfg, log)
	}

	return a, nil
}

// Alloc returns a pointer to at least size bytes, aligned to align (which
// must be zero, meaning "natural", or a power of two). It returns
// [arena.ErrOutOfMemory] if the backing page allocator is exhausted, or
// [arena.ErrInvalidAlignment] for a malformed align.
func (a *Allocator) Alloc(size int, align int) (unsafe.Pointer, error) {
	if align != 0 && (align < 0 || align&(align-1) != 0) {
		return nil, arena.ErrInvalidAlignment
	}

	if align == 0 {
		align = a.cfg.SmallGranularity
	}

	if size == 0 {
		size = 1
	}

	ar, release := a.handler.Acquire()
	defer release()

	addr, regime, _ := ar.Alloc(size, align)
	if addr == 0 {
		return nil, arena.ErrOutOfMemory
	}

	if regime == arena.Huge {
		a.hugeSizes.Store(uintptr(addr), size)
	}

	return unsafe.Pointer(addr.AssertValid()), nil
}

// Free releases a pointer previously returned by Alloc. Passing any other
// pointer is undefined behavior.
func (a *Allocator) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}

	addr := xunsafe.Addr[byte](uintptr(p))

	if size, ok := a.hugeSizes.Load(uintptr(addr)); ok {
		a.hugeSizes.Delete(uintptr(addr))

		ar, release := a.handler.Acquire()
		ar.FreeHuge(addr, size)
		release()

		return
	}

	base := xunsafe.Addr[byte](uintptr(addr) &^ uintptr(a.classes.SpanSize-1))

	ar, release := a.handler.Acquire()
	defer release()

	s := arena.SpanAt(base)

	if s.IsMultiSpanLarge() {
		ar.FreeMultiSpan(addr, a.classes.SpanSize)
		return
	}

	ar.Free(s, (*byte)(p), s.Owner() == ar)
}

// UsableSize returns the number of bytes the caller may safely access
// through p without risking a read or write past the end of its block.
// This is always >= the size originally requested, since blocks are
// carved at fixed class boundaries.
func (a *Allocator) UsableSize(p unsafe.Pointer) int {
	if p == nil {
		return 0
	}

	addr := uintptr(p)

	if size, ok := a.hugeSizes.Load(addr); ok {
		return size
	}

	base := addr &^ uintptr(a.classes.SpanSize-1)
	s := arena.SpanAt(xunsafe.Addr[byte](base))

	return s.BlockSize()
}

// Resize changes the usable size of the allocation at p to newSize,
// returning a pointer that may or may not equal p. The content of the
// overlapping region is preserved.
//
// Growing within the same size class is free (no copy); growing past it
// reallocates and copies, exactly like a fresh Alloc followed by Free of
// the original pointer, except that for multi-page large allocations the
// next usable size is rounded up to a whole number of pages beyond the
// old one, matching how the underlying mmap reservation actually grows.
func (a *Allocator) Resize(p unsafe.Pointer, newSize int) (unsafe.Pointer, error) {
	if p == nil {
		return a.Alloc(newSize, 0)
	}

	oldUsable := a.UsableSize(p)
	if newSize <= oldUsable {
		return p, nil
	}

	pageSize := a.pager.PageSize()
	if oldUsable >= a.classes.SpanMax {
		// Multi-page large/huge allocation: round the growth target up to a
		// whole number of pages past the old size, not past newSize, so a
		// caller growing by one byte doesn't get charged for a full extra
		// page beyond what it already had rounded up to.
		rounded := ((oldUsable-1)/pageSize)*pageSize + pageSize
		if newSize <= rounded {
			newSize = rounded
		}
	}

	next, err := a.Alloc(newSize, 0)
	if err != nil {
		return nil, err
	}

	copy(unsafe.Slice((*byte)(next), oldUsable), unsafe.Slice((*byte)(p), oldUsable))
	a.Free(p)

	return next, nil
}

// Remap is an alias for Resize kept for callers migrating from allocators
// that distinguish "resize in place only" from "resize, possibly moving".
// This facade never guarantees in-place growth, so the two are identical.
func (a *Allocator) Remap(p unsafe.Pointer, newSize int) (unsafe.Pointer, error) {
	return a.Resize(p, newSize)
}

// Close releases every cached span back to the OS and reports any spans or
// huge allocations still checked out as leaked.
func (a *Allocator) Close() error {
	var report diag.Report

	a.hugeSizes.All()(func(addr uintptr, size int) bool {
		report.Leaks = append(report.Leaks, diag.Leak{Address: addr, Size: size})
		return true
	})

	report.Log(a.log)

	spansOut := a.handler.Close()
	if spansOut > 0 {
		a.log.Warn("spans still outstanding at shutdown", zap.Int("count", spansOut))
	}

	switch {
	case !report.Empty() && spansOut > 0:
		return fmt.Errorf("%w: %d huge allocations and %d spans still outstanding",
			arena.ErrLeakedSpans, len(report.Leaks), spansOut)
	case !report.Empty():
		return report.Error()
	case spansOut > 0:
		return fmt.Errorf("%w: %d spans still outstanding", arena.ErrLeakedSpans, spansOut)
	default:
		return nil
	}
}
