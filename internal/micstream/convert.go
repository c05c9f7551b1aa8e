package micstream

import "unsafe"

// Bytes reinterprets samples as their in-memory bytes. The result aliases
// samples; writing to one changes the other.
func Bytes(samples []float32) []byte {
	if len(samples) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(samples))), len(samples)*4)
}

// ToRaw turns a Binary chunk back into float32 samples over the same memory.
// Trailing bytes that do not form a whole sample are left out.
func ToRaw(chunk []byte) []float32 {
	if len(chunk) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(chunk))), len(chunk)/4)
}
