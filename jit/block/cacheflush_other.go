//go:build !arm64

package block

// flushInstructionCache is a no-op off ARM64, where this module does not
// claim to generate or execute host code.
func flushInstructionCache(mem []byte) {}
