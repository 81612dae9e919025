/*
   exec/executor - runs one guest thread's compiled blocks to completion.

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

// Package executor is the per-guest-thread dispatch loop: look up (or compile) the block for the guest PC, call it under
// a Crash Guard, route its exit, feed the Hotspot Promoter, and repeat.
// Exactly one Executor runs per guest thread; it never calls into a
// compiled block on any other goroutine, and it never runs two blocks
// concurrently against the same state.CPU.
package executor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rcornwell/ppujit/exec/crashguard"
	"github.com/rcornwell/ppujit/exec/scheduler"
	"github.com/rcornwell/ppujit/jit/block"
	"github.com/rcornwell/ppujit/jit/hotspot"
	"github.com/rcornwell/ppujit/ppu/interp"
	"github.com/rcornwell/ppujit/ppu/state"
)

var (
	blocksExecuted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppujit_executor_blocks_executed_total",
		Help: "Compiled blocks entered by an Executor.",
	})
	interpretedSteps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppujit_executor_interpreted_steps_total",
		Help: "Guest instructions run through the tier-0 interpreter fallback.",
	})
	guestFaults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppujit_executor_guest_faults_total",
		Help: "Guest memory accesses that resolved out of range.",
	})
	hostSignals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppujit_executor_host_signals_total",
		Help: "Host signals caught by the Crash Guard around translated code or the interpreter.",
	})
)

func init() {
	prometheus.MustRegister(blocksExecuted, interpretedSteps, guestFaults, hostSignals)
}

// Memory is the subset of mem/window.Window an Executor needs: a
// bounds-checked guest<->host view plus the fastmem base pointer compiled
// blocks load into state.RegMemBase. Kept as an interface so tests can run
// the dispatch loop against a plain byte slice without a real mmap.
type Memory interface {
	Base() unsafe.Pointer
	Translate(guestAddr uint64, length int) ([]byte, error)
}

// Reason classifies why Run returned.
type Reason int

const (
	// ReasonStopped means Stop was called and the loop exited cleanly at
	// a block boundary.
	ReasonStopped Reason = iota
	// ReasonGuestFault means a guest memory access (through the
	// interpreter or the Memory Window's own bounds check) resolved
	// outside the mapped window.
	ReasonGuestFault
	// ReasonHostSignal means the Crash Guard caught a host signal raised
	// from inside a compiled block or the interpreter.
	ReasonHostSignal
)

func (r Reason) String() string {
	switch r {
	case ReasonStopped:
		return "stopped"
	case ReasonGuestFault:
		return "guest-fault"
	case ReasonHostSignal:
		return "host-signal"
	default:
		return "unknown"
	}
}

// Fault describes why an Executor's Run returned early. A clean Stop
// returns a nil error instead. FaultAddr is the host address the guarded
// access faulted on, valid only for ReasonHostSignal.
type Fault struct {
	Reason    Reason
	PC        uint64
	FaultAddr uintptr
	Message   string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("executor: %s at guest pc %#x: %s", f.Reason, f.PC, f.Message)
}

// Compiler is the subset of jit/block.Compiler an Executor drives
// synchronously on a cache miss.
type Compiler interface {
	Compile(pc uint64) (*block.Block, error)
}

// Cache is the subset of jit/block.Cache an Executor needs: lookup,
// compile-miss insertion, a Reader for hazard-epoch participation, and the
// drain-and-retry path taken when the code cache fills.
type Cache interface {
	Lookup(pc uint64) (*block.Block, bool)
	Insert(b *block.Block)
	NewReader(slot int) *block.Reader
	Drain() error
}

// Executor runs one guest thread. Scope names the Crash Guard region this
// Executor reports in a Fault (e.g. "ppu_block").
type Executor struct {
	Scope    string
	Cache    Cache
	Baseline Compiler
	Mem      Memory
	Promoter *hotspot.Promoter
	CPU      *state.CPU
	Log      *slog.Logger
	Topology scheduler.Topology

	// Pin requests the Executor's goroutine be locked to an OS thread and
	// pinned per exec/scheduler.PinExecutor before the loop starts. False
	// in tests, where there is no real host topology to pin against.
	Pin bool

	// Runnable, when non-nil, gates dispatch: while it reports false the
	// loop idles instead of stepping, so a console's halt/resume can park
	// the guest without tearing the Executor down.
	Runnable func() bool

	reader *block.Reader
	stop   atomic.Bool
}

// New builds an Executor bound to reader slot `slot` of cache.
func New(scope string, slot int, cache Cache, baseline Compiler, mem Memory, promoter *hotspot.Promoter, cpu *state.CPU, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		Scope:    scope,
		Cache:    cache,
		Baseline: baseline,
		Mem:      mem,
		Promoter: promoter,
		CPU:      cpu,
		Log:      log,
		reader:   cache.NewReader(slot),
	}
}

// Stop requests the loop exit at the next block boundary. An in-flight
// block call always completes; cancellation never interrupts one
// mid-flight.
func (e *Executor) Stop() { e.stop.Store(true) }

// Run drives the guest thread until Stop is called or a fault ends it. It
// returns nil for a clean stop and a *Fault otherwise. Run owns its OS
// thread for its entire call if Pin is set: runtime.LockOSThread before an
// affinity/priority request is the caller's responsibility per
// exec/scheduler's documented contract, and this is the one goroutine that
// contract applies to.
func (e *Executor) Run() error {
	if e.Pin {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		scheduler.PinExecutor(e.Log, e.Topology)
	}

	for !e.stop.Load() {
		if e.Runnable != nil && !e.Runnable() {
			time.Sleep(time.Millisecond)
			continue
		}
		if fault := e.step(); fault != nil {
			e.stop.Store(true)
			return fault
		}
	}
	return nil
}

// step runs exactly one dispatch iteration: look up or compile the block
// at the current PC, execute it, route its exit, and advance PC. Runs
// tier-0 instead whenever the host cannot execute JIT code at all or the
// jit.force_interpreter debug toggle is set.
func (e *Executor) step() *Fault {
	pc := e.CPU.PC

	if !jitCapable || interp.Forced() {
		return e.interpretOne()
	}

	blk, ok := e.Cache.Lookup(pc)
	if !ok {
		var err error
		blk, err = e.Baseline.Compile(pc)
		if errors.Is(err, block.ErrCodeCacheFull) {
			// Drain the whole code cache and retry exactly once before
			// falling back to the interpreter for this instruction.
			if drainErr := e.Cache.Drain(); drainErr == nil {
				blk, err = e.Baseline.Compile(pc)
			}
		}
		if err != nil {
			return e.interpretOne()
		}
		e.Cache.Insert(blk)
	}

	return e.runBlock(blk, pc)
}

func (e *Executor) runBlock(blk *block.Block, pc uint64) *Fault {
	guard := crashguard.Run(e.Scope, func() {
		e.reader.Enter()
		defer e.reader.Leave()
		e.CPU.ExitReason = blk.Call(unsafe.Pointer(e.CPU), e.Mem.Base())
	})
	if !guard.Ok {
		hostSignals.Inc()
		return &Fault{Reason: ReasonHostSignal, PC: pc, FaultAddr: guard.Fault, Message: guard.Message}
	}
	blocksExecuted.Inc()

	e.Promoter.Observe(blk)
	e.routeExit()
	return nil
}

// routeExit advances the guest PC from the exit the block epilogue wrote
// into cpu.NextPC/ExitReason. Every exit reason the translator or the
// interpreter can produce already has the next PC staged there; routeExit
// only decides what (if anything) to log.
func (e *Executor) routeExit() {
	switch e.CPU.ExitReason {
	case state.ExitSyscall:
		e.Log.Debug("guest syscall trap", "pc", e.CPU.PC, "next_pc", e.CPU.NextPC)
	case state.ExitUnhandled:
		e.Log.Debug("unhandled guest instruction exit", "pc", e.CPU.PC, "next_pc", e.CPU.NextPC)
	}
	e.CPU.PC = e.CPU.NextPC
}

// interpretOne executes exactly one guest instruction through the tier-0
// interpreter: the fallback path for a decode-unknown instruction, a
// compilation failure the drain-and-retry couldn't recover, and every
// instruction run while jit.force_interpreter is set.
func (e *Executor) interpretOne() *Fault {
	pc := e.CPU.PC
	b, err := e.Mem.Translate(pc, 4)
	if err != nil {
		guestFaults.Inc()
		return &Fault{Reason: ReasonGuestFault, PC: pc, Message: err.Error()}
	}
	word := binary.BigEndian.Uint32(b)

	var next uint64
	guard := crashguard.Run(e.Scope, func() {
		next, err = interp.Step(e.CPU, e.Mem, word, e.Promoter)
	})
	if !guard.Ok {
		hostSignals.Inc()
		return &Fault{Reason: ReasonHostSignal, PC: pc, FaultAddr: guard.Fault, Message: guard.Message}
	}
	if err != nil {
		var unhandled *interp.ErrUnhandled
		if errors.As(err, &unhandled) {
			e.Log.Warn("interp: no fallback semantics for instruction", "pc", pc, "kind", unhandled.Kind)
		}
		guestFaults.Inc()
		return &Fault{Reason: ReasonGuestFault, PC: pc, Message: err.Error()}
	}
	interpretedSteps.Inc()
	e.CPU.PC = next
	return nil
}
