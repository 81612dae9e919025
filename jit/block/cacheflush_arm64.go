//go:build arm64

package block

import "unsafe"

//go:noescape
func flushRange(start, end uintptr)

// flushInstructionCache makes code written into mem visible to the
// instruction fetch path. Required on ARM64: the data and instruction
// cache hierarchies are not coherent with each other, so a core can fetch
// stale bytes for a region the store side already considers written.
func flushInstructionCache(mem []byte) {
	if len(mem) == 0 {
		return
	}
	start := uintptr(unsafe.Pointer(&mem[0]))
	flushRange(start, start+uintptr(len(mem)))
}
