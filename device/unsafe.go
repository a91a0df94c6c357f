package device

import "unsafe"

// bufferBase returns the address of buf's first element.
func bufferBase(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}

// BufferBase exposes the base address of a byte slice for callers that feed
// classifiers directly.
func BufferBase(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return bufferBase(buf)
}
