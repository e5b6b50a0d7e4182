//go:build linux || darwin || freebsd || netbsd || openbsd

package pagealloc

import (
	"sync"

	"golang.org/x/sys/unix"
)

// MmapAllocator is the default [Allocator], backed directly by the
// operating system's anonymous mmap facility. Every RawAlloc over-reserves
// by pageAlign bytes and trims the unaligned head/tail by unmapping
// them, so that the returned slice is exactly pageAlign-aligned and exactly
// size bytes long.
type MmapAllocator struct {
	pageSize int
	once     sync.Once
}

var _ Allocator = (*MmapAllocator)(nil)

// NewMmapAllocator constructs an [MmapAllocator].
func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{}
}

func (m *MmapAllocator) PageSize() int {
	m.once.Do(func() {
		m.pageSize = unix.Getpagesize()
	})
	return m.pageSize
}

// RawAlloc reserves size bytes aligned to pageAlign via anonymous mmap.
//
// mmap only guarantees page alignment, so to satisfy a pageAlign stricter
// than the OS page size this over-reserves by pageAlign bytes and then
// unmaps the unaligned head and any unused tail, leaving a single
// pageAlign-aligned mapping of exactly size bytes.
func (m *MmapAllocator) RawAlloc(size, pageAlign int) []byte {
	if size <= 0 {
		return nil
	}

	page := m.PageSize()
	if pageAlign < page {
		pageAlign = page
	}

	// Over-reserve so we can trim to alignment.
	reserve := size + pageAlign
	raw, err := unix.Mmap(-1, 0, reserve, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil
	}

	base := uintptr(0)
	if len(raw) > 0 {
		base = addrOf(raw)
	}
	aligned := (base + uintptr(pageAlign) - 1) &^ uintptr(pageAlign-1)
	headTrim := int(aligned - base)

	if headTrim > 0 {
		_ = unix.Munmap(raw[:headTrim])
	}

	tailStart := headTrim + size
	if tailStart < len(raw) {
		_ = unix.Munmap(raw[tailStart:])
	}

	return raw[headTrim:tailStart]
}

// RawFree unmaps a range previously returned by RawAlloc.
func (m *MmapAllocator) RawFree(ptr []byte) {
	if len(ptr) == 0 {
		return
	}

	_ = unix.Munmap(ptr)
}
