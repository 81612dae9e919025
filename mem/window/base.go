package window

import "unsafe"

// unsafeBase returns the host address of the first byte of mem. Isolated
// in its own tiny function so every other file in this package can stay
// free of unsafe.Pointer arithmetic.
func unsafeBase(mem []byte) unsafe.Pointer {
	if len(mem) == 0 {
		return nil
	}
	return unsafe.Pointer(&mem[0])
}
