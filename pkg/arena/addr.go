package arena

import (
	"unsafe"

	"github.com/flier/spanmalloc/pkg/xunsafe"
)

// addrOfSlice returns the address of b's backing array. b must be non-empty;
// every caller here only ever passes allocator-returned memory, which is
// never a nil/empty slice.
func addrOfSlice(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// addrToSlice reconstructs the []byte view of an n-byte region starting at
// addr, the inverse of addrOfSlice, for handing memory back to the page
// allocator's RawFree.
func addrToSlice(addr xunsafe.Addr[byte], n int) []byte {
	return unsafe.Slice(addr.AssertValid(), n)
}
