//go:build !arm64

package block

import "unsafe"

// callBlock panics off ARM64: there is no host instruction set this
// package's compiled blocks could have been generated for. Executors on
// other architectures are expected to stay on the tier-0 interpreter.
func callBlock(code, state, memBase unsafe.Pointer) uint32 {
	panic("jit/block: compiled-block execution requires arm64")
}
