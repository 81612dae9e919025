//go:build arm64

package executor

// jitCapable is true only on the architecture compiled blocks actually
// target; off arm64 jit/block.Block.Call has no host code to invoke and
// every guest thread stays on the tier-0 interpreter.
const jitCapable = true
