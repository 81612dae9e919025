package shader

import (
	"testing"

	"github.com/rcornwell/ppujit/jit/asyncpool"
)

func newTestPool(t *testing.T) *asyncpool.Pool {
	t.Helper()
	p := asyncpool.New(2, 8)
	t.Cleanup(p.Close)
	return p
}
