//go:build linux || darwin || freebsd || netbsd || openbsd

package pagealloc

import "unsafe"

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
