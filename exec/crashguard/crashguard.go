/*
   exec/crashguard - scoped recovery from faulting host memory access.

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

// Package crashguard wraps a scope of execution so a bad guest memory
// access surfaces as a recoverable result instead of taking the whole
// process down.
//
// It covers the host-memory faults Go itself is able to turn into a
// recoverable panic: an out-of-range access reached through Go code (the
// tier-0 interpreter, the Memory Window's Translate helpers, the shader
// archive's mapped reads). It deliberately does not claim to recover a
// fault whose program counter is inside raw, directly-invoked JIT code
// (reached through block.Block.Call): Go's signal delivery only treats a
// fault as a catchable runtime.Error when the faulting PC belongs to
// Go-compiled text, and there is no supported way from ordinary Go code to
// install a handler that can resume execution elsewhere for a fault
// outside that text. The Memory Window reserves its whole address range up
// front (see mem/window), but only the ranges committed through
// SetProtection are accessible; a JIT-code access to any other page, in
// range or not, still reaches the OS and terminates the process rather
// than resuming from a corrupted state.
package crashguard

import (
	"fmt"
	"runtime/debug"
	"sync"
)

var installOnce sync.Once

// Install enables Go's per-goroutine fault-to-panic conversion on the
// calling goroutine. Safe to call more than once; only the first call has
// an effect.
func Install() {
	installOnce.Do(func() {
		debug.SetPanicOnFault(true)
	})
}

// faultAddr is the interface the Go runtime documents a recovered
// SetPanicOnFault panic value as satisfying.
type faultAddr interface {
	Addr() uintptr
}

// Result describes how a guarded scope ended.
type Result struct {
	Scope   string
	Ok      bool
	Fault   uintptr // valid only when !Ok
	Message string  // the recovered panic's text, valid only when !Ok
}

// Run executes fn under recovery, tagged with scope for logging/metrics.
// It mirrors the shape of a native crash-guard object (Ok/FaultAddress/
// Scope) but as a single call rather than a constructor-destructor pair,
// since Go's recover() only works from inside a deferred function in the
// same goroutine as the panic. The fault-to-panic conversion is enabled on
// the calling goroutine for the duration of fn.
func Run(scope string, fn func()) (res Result) {
	res.Scope = scope
	res.Ok = true
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		res.Ok = false
		res.Message = fmt.Sprint(r)
		if fa, ok := r.(faultAddr); ok {
			res.Fault = fa.Addr()
		}
	}()
	fn()
	return res
}
