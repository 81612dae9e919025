//go:build arm64

package block

import "unsafe"

//go:noescape
func callBlock(code, state, memBase unsafe.Pointer) uint32
