/*
   jit/block - compiled guest basic blocks and their cache.

   Copyright (c) 2024, Richard Cornwell

   Permission is hereby granted, free of charge, to any person obtaining a
   copy of this software and associated documentation files (the "Software"),
   to deal in the Software without restriction, including without limitation
   the rights to use, copy, modify, merge, publish, distribute, sublicense,
   and/or sell copies of the Software, and to permit persons to whom the
   Software is furnished to do so, subject to the following conditions:

   The above copyright notice and this permission notice shall be included in
   all copies or substantial portions of the Software.

   THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
   IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
   FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.  IN NO EVENT SHALL
   RICHARD CORNWELL BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
   IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
   CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
*/

// Package block turns a run of decoded guest instructions into an
// executable host routine, and keeps the resulting routines addressable by
// guest PC in a cache that tolerates concurrent lookup, compile-on-miss,
// and invalidation from self-modifying guest code.
package block

import (
	"sync/atomic"
	"unsafe"

	"github.com/rcornwell/ppujit/jit/translator"
)

// Block is one compiled unit of guest code: a contiguous run of guest
// instructions starting at StartPC, ending at the first block terminator.
//
// Code is a raw RX-mapped host pointer, not a Go func value: Go provides no
// supported way to synthesize a callable func from an arbitrary code
// pointer, so invocation goes through the asm trampoline in callBlock.
type Block struct {
	StartPC  uint64
	EndPC    uint64 // exclusive; address of the first guest instruction not covered
	Tier     translator.Tier
	Code     unsafe.Pointer // host entry point, RX-mapped
	NumWords int
	execs    atomic.Uint64 // hotspot execution counter, bumped by the executor
}

// Call invokes the compiled block, passing the guest CPU state and memory
// window base as the two arguments the generated prologue expects in
// RegState/RegMemBase, and returns the guest's ExitReason word.
func (b *Block) Call(state unsafe.Pointer, memBase unsafe.Pointer) uint32 {
	return callBlock(b.Code, state, memBase)
}

// Execs returns the block's execution counter. Safe to read concurrently
// with AddExec; exactness is not required, only a monotonically
// increasing trend for promotion decisions.
func (b *Block) Execs() uint64 { return b.execs.Load() }

// AddExec increments the block's execution counter by one.
func (b *Block) AddExec() { b.execs.Add(1) }
