package allocator

import (
	"reflect"
	"unsafe"
)

// unsafeUint32Slice overlays a []uint32 of the given length on top of addr.
// It is used to treat freshly-allocated, directly-mapped frames as bitmap
// storage without copying.
func unsafeUint32Slice(addr uintptr, words int) []uint32 {
	return *(*[]uint32)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  words,
		Cap:  words,
		Data: addr,
	}))
}

// unsafePointerOf returns the address backing a []uint32 slice.
func unsafePointerOf(s []uint32) unsafe.Pointer {
	return unsafe.Pointer((*reflect.SliceHeader)(unsafe.Pointer(&s)).Data)
}
