/*
   ppu/state - Guest CPU state ABI.

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

// Package state defines the fixed-layout guest CPU state record that
// translated ARM64 code addresses at known byte offsets. The layout is
// the ABI between the translator, the emitter and the executor: once a
// process has compiled a single block against these offsets they may not
// move for the lifetime of the process.
package state

// Vec128 is a guest 128-bit vector register, stored in guest (big-endian)
// byte order. Sixteen-byte alignment is required so NEON quad-word loads
// and stores emitted by the translator never cross an unaligned boundary.
type Vec128 struct {
	Hi uint64
	Lo uint64
}

// CPU is the guest register file. Field order is the ABI: appending fields
// is safe, reordering or resizing existing ones is not.
type CPU struct {
	GPR [32]uint64 // general purpose registers
	FPR [32]uint64 // floating point registers (raw bits)

	_align [0]byte // zero-size; VR's offset (512) is a multiple of 16
	VR     [32]Vec128

	LR   uint64 // link register
	CTR  uint64 // count register
	CR   uint32 // 32-bit condition register (eight 4-bit fields)
	XER  uint32 // fixed-point exception register
	FPSCR uint32 // FP status and control register

	PC     uint64 // current program counter
	NextPC uint64 // scratch slot the epilogue writes the next PC into

	MemBase   uintptr // host pointer: Memory Window base
	ThreadPtr uintptr // host pointer: current thread descriptor

	ExitReason uint32 // reason code surfaced by the block epilogue
	ExitFault  uint64 // auxiliary data for the exit reason (e.g. faulting PC)
}

// Byte offsets of every ABI-visible field, computed once via reflection-free
// arithmetic so the Emitter can use them as load/store immediates. These
// are asserted never to change by TestOffsetsStable.
const (
	OffGPR        = 0
	OffFPR        = OffGPR + 32*8
	OffVR         = OffFPR + 32*8
	OffLR         = OffVR + 32*16
	OffCTR        = OffLR + 8
	OffCR         = OffCTR + 8
	OffXER        = OffCR + 4
	OffFPSCR      = OffXER + 4
	OffPC         = OffFPSCR + 4 + 4 // 4 bytes padding to realign to 8
	OffNextPC     = OffPC + 8
	OffMemBase    = OffNextPC + 8
	OffThreadPtr  = OffMemBase + 8
	OffExitReason = OffThreadPtr + 8
	OffExitFault  = OffExitReason + 4 + 4 // padding
	Size          = OffExitFault + 8
)

// Exit reasons a compiled block's epilogue may report in ExitReason.
const (
	ExitFallthrough  uint32 = iota // ran off the end of the block, caller must refetch
	ExitBranch                     // next PC already computed, normal control transfer
	ExitSyscall                    // system-call trap; ExitFault carries nothing extra
	ExitUnhandled                  // rfi reached; not modelled, NextPC is the rfi's own PC
	ExitReturnFromLR                // blr-style return
	ExitReturnFromCTR
)

// Reserved host ARM64 registers. These never change meaning mid-process;
// the Translator, Emitter and Executor all agree on them.
const (
	RegState    = 19 // callee-saved: *CPU base pointer
	RegMemBase  = 20 // callee-saved: Memory Window base pointer
	RegScratch0 = 9  // caller-saved scratch pool used within one instruction
	RegScratch1 = 10
	RegScratch2 = 11
	RegScratch3 = 12
	RegLink     = 30 // ARM64 LR
)
