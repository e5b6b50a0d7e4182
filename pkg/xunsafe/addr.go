//go:build go1.20

package xunsafe

import (
	"fmt"
	"unsafe"

	"github.com/flier/spanmalloc/pkg/xunsafe/layout"
)

// Addr is an untyped pointer value, strongly typed by what it points to.
//
// Addr exists so that pointer arithmetic can be performed on values that are
// not (or are not always) valid Go pointers, such as the address of a span
// that has not yet been carved, or the one-past-the-end address of an arena
// chunk. Ordinary Go pointers cannot be compared with <, <=, >, >=, nor can
// they be incremented past the end of their allocation; Addr can, because it
// is just a uintptr with a phantom type parameter.
type Addr[T any] uintptr

// AddrOf returns the address of p.
func AddrOf[T any](p *T) Addr[T] {
	return Addr[T](unsafe.Pointer(p))
}

// EndOf returns the one-past-the-end address of the given slice.
func EndOf[T any](s []T) Addr[T] {
	if len(s) == 0 {
		return Addr[T](unsafe.Pointer(unsafe.SliceData(s)))
	}

	return AddrOf(&s[len(s)-1]).Add(1)
}

// AssertValid converts this address back into a pointer.
//
// Returns nil if a is zero.
func (a Addr[T]) AssertValid() *T {
	return (*T)(unsafe.Pointer(uintptr(a))) //nolint:govet
}

// Add adds n elements of T's size to a.
func (a Addr[T]) Add(n int) Addr[T] {
	return a + Addr[T](n*layout.Size[T]())
}

// ByteAdd adds n bytes to a, without scaling by T's size.
func (a Addr[T]) ByteAdd(n int) Addr[T] {
	return a + Addr[T](n)
}

// Sub returns the number of T-sized elements between a and b (a - b).
func (a Addr[T]) Sub(b Addr[T]) int {
	return int(a-b) / layout.Size[T]()
}

// ByteSub returns the number of bytes between a and b (a - b).
func (a Addr[T]) ByteSub(b Addr[T]) int {
	return int(a - b)
}

// Padding returns how many bytes must be added to a to reach the next
// multiple of align, which must be a power of two.
func (a Addr[T]) Padding(align int) int {
	return layout.Padding(int(a), align)
}

// RoundUpTo rounds a up to the next multiple of align, which must be a power
// of two.
func (a Addr[T]) RoundUpTo(align int) Addr[T] {
	return Addr[T](layout.RoundUp(int(a), align))
}

// RoundDownTo rounds a down to the previous multiple of align, which must be
// a power of two.
func (a Addr[T]) RoundDownTo(align int) Addr[T] {
	return Addr[T](layout.RoundDown(int(a), align))
}

// SignBit reports whether the top bit of a is set.
func (a Addr[T]) SignBit() bool {
	return int(a) < 0
}

// SignBitMask returns an all-ones value if SignBit is set, all-zeros
// otherwise. Useful for branchless masking.
func (a Addr[T]) SignBitMask() Addr[T] {
	return Addr[T](int(a) >> (unsafe.Sizeof(a)*8 - 1))
}

// ClearSignBit returns a with its top bit cleared.
func (a Addr[T]) ClearSignBit() Addr[T] {
	return a &^ (Addr[T](1) << (unsafe.Sizeof(a)*8 - 1))
}

// Format implements [fmt.Formatter], printing as a hex address.
func (a Addr[T]) Format(s fmt.State, verb rune) {
	switch verb {
	case 'x':
		fmt.Fprintf(s, "%x", uintptr(a))
	default:
		fmt.Fprintf(s, "0x%x", uintptr(a))
	}
}
