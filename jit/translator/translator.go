/*
   jit/translator - lowers one decoded guest instruction to ARM64.

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

// Package translator drives the emitter to produce the ARM64 lowering of
// one guest PowerPC instruction at a time, against the ABI fixed by
// ppu/state: RegState holds the *state.CPU base, RegMemBase holds the
// Memory Window base.
package translator

import (
	"fmt"

	"github.com/rcornwell/ppujit/arm64/emitter"
	"github.com/rcornwell/ppujit/ppu/decoder"
	"github.com/rcornwell/ppujit/ppu/state"
)

// Tier selects how aggressively the translator may fold adjacent
// instructions. Baseline never looks outside the current instruction;
// Optimizing may elide a record-bit update proven dead within the block.
type Tier int

const (
	TierBaseline Tier = iota
	TierOptimizing
)

// Resolver answers whether a guest branch target lands inside the block
// currently being compiled, and if so at what host-code-relative byte
// offset, so the translator can emit a direct branch instead of an exit.
type Resolver interface {
	Resolve(guestTarget uint64) (hostOffset int32, ok bool)
}

// Translator is stateless; all mutable state lives in the Buf the caller
// threads through, plus the small Context below carried per instruction.
type Translator struct {
	Tier Tier
}

// Context carries per-block state the translator needs across
// instructions: whether a later instruction unconditionally overwrites
// CR0 (letting the optimizing tier elide this one's record-bit update),
// and the resolver for intra-block branches.
type Context struct {
	BlockGuestBase uint64
	Resolver       Resolver
	// CR0DeadAfter is true when a later instruction in the same block
	// overwrites CR0 unconditionally before it is next read; the
	// optimizing tier uses this to skip the intermediate update.
	CR0DeadAfter bool
}

// ErrUnlowerable is returned for decoder output the translator has no
// lowering for; the caller (block compiler) routes the guest PC to the
// tier-0 interpreter instead of aborting compilation.
type ErrUnlowerable struct {
	PC   uint64
	Kind decoder.Kind
}

func (e *ErrUnlowerable) Error() string {
	return fmt.Sprintf("no ARM64 lowering for %v at guest pc %#x", e.Kind, e.PC)
}

const (
	sf32 = 0
	sf64 = 1
)

func gprOff(r uint8) uint32 { return uint32(state.OffGPR) + uint32(r)*8 }

// loadGPR emits a load of guest register r into host scratch register hreg.
func loadGPR(b *emitter.Buf, hreg uint32, r uint8) {
	off := gprOff(r)
	b.LdrImm(3, hreg, state.RegState, off/8)
}

// storeGPR emits a store of host scratch register hreg into guest register r.
func storeGPR(b *emitter.Buf, r uint8, hreg uint32) {
	off := gprOff(r)
	b.StrImm(3, hreg, state.RegState, off/8)
}

// Lower emits the ARM64 sequence for one decoded guest instruction. It
// returns the number of guest bytes consumed (always 4 for this ISA) or an
// error if the instruction has no lowering.
func (t *Translator) Lower(b *emitter.Buf, d decoder.Decoded, ctx *Context) (int, error) {
	switch d.Kind {
	case decoder.KindAddImmediate:
		loadGPR(b, state.RegScratch0, d.RA)
		if d.SImm >= 0 && d.SImm < 1<<12 {
			b.AddImm(sf64, state.RegScratch0, state.RegScratch0, uint32(d.SImm), false)
		} else {
			b.MovImm64(state.RegScratch1, uint64(int64(d.SImm)))
			b.AddReg(sf64, state.RegScratch0, state.RegScratch0, state.RegScratch1, 0)
		}
		storeGPR(b, d.RT, state.RegScratch0)

	case decoder.KindAddRegister:
		loadGPR(b, state.RegScratch0, d.RA)
		loadGPR(b, state.RegScratch1, d.RB)
		if d.RecordBit {
			b.AddsReg(sf64, state.RegScratch0, state.RegScratch0, state.RegScratch1)
			t.emitCR(b, 0, false, ctx)
		} else {
			b.AddReg(sf64, state.RegScratch0, state.RegScratch0, state.RegScratch1, 0)
		}
		storeGPR(b, d.RT, state.RegScratch0)

	case decoder.KindSubFromImmediate:
		loadGPR(b, state.RegScratch0, d.RA)
		loadGPR(b, state.RegScratch1, d.RB)
		if d.RecordBit {
			b.SubsReg(sf64, state.RegScratch0, state.RegScratch1, state.RegScratch0)
			t.emitCR(b, 0, false, ctx)
		} else {
			b.SubReg(sf64, state.RegScratch0, state.RegScratch1, state.RegScratch0)
		}
		storeGPR(b, d.RT, state.RegScratch0)

	case decoder.KindLogicalImmediate:
		loadGPR(b, state.RegScratch0, d.RT)
		b.MovImm64(state.RegScratch1, uint64(d.UImm))
		switch d.Extended {
		case 0: // AND
			if d.RecordBit {
				b.AndsReg(sf64, state.RegScratch0, state.RegScratch0, state.RegScratch1)
				t.emitCR(b, 0, false, ctx)
			} else {
				b.AndReg(sf64, state.RegScratch0, state.RegScratch0, state.RegScratch1)
			}
		case 1: // OR
			b.OrrReg(sf64, state.RegScratch0, state.RegScratch0, state.RegScratch1)
		case 2: // XOR
			b.EorReg(sf64, state.RegScratch0, state.RegScratch0, state.RegScratch1)
		}
		storeGPR(b, d.RA, state.RegScratch0)

	case decoder.KindLogicalRegister:
		loadGPR(b, state.RegScratch0, d.RT)
		loadGPR(b, state.RegScratch1, d.RB)
		switch d.Extended {
		case 0:
			if d.RecordBit {
				b.AndsReg(sf64, state.RegScratch0, state.RegScratch0, state.RegScratch1)
				t.emitCR(b, 0, false, ctx)
			} else {
				b.AndReg(sf64, state.RegScratch0, state.RegScratch0, state.RegScratch1)
			}
		case 1:
			b.OrrReg(sf64, state.RegScratch0, state.RegScratch0, state.RegScratch1)
		case 2:
			b.EorReg(sf64, state.RegScratch0, state.RegScratch0, state.RegScratch1)
		}
		storeGPR(b, d.RA, state.RegScratch0)

	case decoder.KindCompareImmediate, decoder.KindCompareRegister:
		loadGPR(b, state.RegScratch0, d.RA)
		unsigned := d.Primary == 10 || d.Extended == 32 // cmpli / cmpl
		if d.Kind == decoder.KindCompareImmediate {
			if unsigned {
				b.MovImm64(state.RegScratch1, uint64(d.UImm))
			} else {
				b.MovImm64(state.RegScratch1, uint64(int64(d.SImm)))
			}
		} else {
			loadGPR(b, state.RegScratch1, d.RB)
		}
		b.SubsReg(sf64, 31, state.RegScratch0, state.RegScratch1)
		t.emitCR(b, d.BF, unsigned, ctx)

	case decoder.KindMultiply, decoder.KindDivide:
		loadGPR(b, state.RegScratch0, d.RA)
		loadGPR(b, state.RegScratch1, d.RB)
		sf := uint32(sf64)
		if d.Extended == 235 || d.Extended == 491 || d.Extended == 459 {
			// mullw/divw/divwu operate on the low words; w-register
			// forms zero-extend the result the same way the hardware
			// leaves the high half undefined.
			sf = sf32
		}
		switch d.Extended {
		case 233, 235:
			b.MulReg(sf, state.RegScratch0, state.RegScratch0, state.RegScratch1)
		case 489, 491:
			b.SDiv(sf, state.RegScratch0, state.RegScratch0, state.RegScratch1)
		case 457, 459:
			b.UDiv(sf, state.RegScratch0, state.RegScratch0, state.RegScratch1)
		}
		if d.RecordBit {
			b.AndsReg(sf64, 31, state.RegScratch0, state.RegScratch0)
			t.emitCR(b, 0, false, ctx)
		}
		storeGPR(b, d.RT, state.RegScratch0)

	case decoder.KindNegate:
		loadGPR(b, state.RegScratch0, d.RA)
		b.NegReg(sf64, state.RegScratch0, state.RegScratch0)
		if d.RecordBit {
			b.AndsReg(sf64, 31, state.RegScratch0, state.RegScratch0)
			t.emitCR(b, 0, false, ctx)
		}
		storeGPR(b, d.RT, state.RegScratch0)

	case decoder.KindRotateMask:
		t.lowerRotateMask(b, d, ctx)

	case decoder.KindLoad:
		t.lowerLoad(b, d)

	case decoder.KindStore:
		t.lowerStore(b, d)

	case decoder.KindBranch:
		return 4, t.lowerBranch(b, d, ctx)

	case decoder.KindBranchConditional:
		return 4, t.lowerBranchConditional(b, d, ctx)

	case decoder.KindBranchToSpecial:
		return 4, t.lowerBranchToSpecial(b, d)

	case decoder.KindSyscall:
		t.emitExit(b, state.ExitSyscall, d.PC+4)

	case decoder.KindReturnFromInterrupt:
		// state.CPU has no SRR0, so the return target is not modelled:
		// the block exits with ExitUnhandled and NextPC at this rfi, and
		// the executor's routeExit resumes at that same PC.
		t.emitExit(b, state.ExitUnhandled, d.PC)

	case decoder.KindFloatArith, decoder.KindVectorArith:
		return 0, &ErrUnlowerable{PC: d.PC, Kind: d.Kind}

	case decoder.KindBarrier:
		// sync is the strongest guest barrier and gets the full DSB;
		// lwsync/eieio order memory against memory (DMB suffices); isync
		// is a context-synchronizing instruction-fetch barrier.
		switch d.Extended {
		case 598:
			b.Dsb()
		case 150:
			b.Isb()
		default:
			b.Dmb()
		}

	case decoder.KindNop:
		b.Nop()

	default:
		return 0, &ErrUnlowerable{PC: d.PC, Kind: d.Kind}
	}
	return 4, nil
}

// emitCR packs the NZCV-derived LT/GT/EQ/SO bits into guest CR field bf
// (0 = CR0). The four condition bits occupy, in PowerPC order, bits
// [4*bf : 4*bf+3] counting from the MSB of the 32-bit CR word. unsigned
// selects the compare-logical condition codes (LO/HI) over the signed
// ones (LT/GT); record-bit updates are always signed.
func (t *Translator) emitCR(b *emitter.Buf, bf uint8, unsigned bool, ctx *Context) {
	if bf == 0 && t.Tier == TierOptimizing && ctx != nil && ctx.CR0DeadAfter {
		// A later instruction in this block overwrites CR0
		// unconditionally before it is read; the intermediate update is
		// observationally dead at the block boundary and is elided.
		return
	}
	ltCond, gtCond := emitter.CondLT, emitter.CondGT
	if unsigned {
		ltCond, gtCond = emitter.CondCC, emitter.CondHI // CC is unsigned-lower
	}
	// scratch2 = LT ? 1 : 0 ; scratch3 = GT ? 1 : 0
	b.Cset(sf32, state.RegScratch2, ltCond)
	b.Cset(sf32, state.RegScratch3, gtCond)
	b.LslImm(sf32, state.RegScratch2, state.RegScratch2, 3)
	b.LslImm(sf32, state.RegScratch3, state.RegScratch3, 2)
	b.OrrReg(sf32, state.RegScratch2, state.RegScratch2, state.RegScratch3)
	b.Cset(sf32, state.RegScratch3, emitter.CondEQ)
	b.LslImm(sf32, state.RegScratch3, state.RegScratch3, 1)
	b.OrrReg(sf32, state.RegScratch2, state.RegScratch2, state.RegScratch3)
	// SO (summary overflow) carries through from guest XER bit 0; OR it in
	// unconditionally so a later XER update is observed on next read.
	b.LdrImm(2, state.RegScratch3, state.RegState, uint32(state.OffXER)/4)
	b.LsrImm(sf32, state.RegScratch3, state.RegScratch3, 31)
	b.OrrReg(sf32, state.RegScratch2, state.RegScratch2, state.RegScratch3)

	shift := uint32(28 - 4*bf)
	b.LslImm(sf32, state.RegScratch2, state.RegScratch2, shift)
	b.LdrImm(2, state.RegScratch3, state.RegState, uint32(state.OffCR)/4)
	mask := uint32(0xF) << shift
	b.MovImm64(state.RegScratch1, uint64(^mask)&0xFFFFFFFF)
	b.AndReg(sf32, state.RegScratch3, state.RegScratch3, state.RegScratch1)
	b.OrrReg(sf32, state.RegScratch3, state.RegScratch3, state.RegScratch2)
	b.StrImm(2, state.RegScratch3, state.RegState, uint32(state.OffCR)/4)
}

// lowerRotateMask emits the PowerPC rlwinm-family rotate-left-then-AND
// sequence: rotate RA by SH, AND with the mask derived from MB/ME (or the
// 64-bit mb for the rld* forms), write to RT(here reused as RA dest).
func (t *Translator) lowerRotateMask(b *emitter.Buf, d decoder.Decoded, ctx *Context) {
	loadGPR(b, state.RegScratch0, d.RA)
	sf := uint32(sf64)
	width := uint32(63)
	if !d.Is64Mask {
		// The 32-bit forms rotate the low word only; w-register shifts
		// keep the high word from bleeding into the rotated result.
		sf = sf32
		width = 31
	}
	if d.ShiftFromReg {
		// Variable rotate (rlwnm): ROL s == LSL s | LSR (width+1-s), and
		// ARM64 register shifts are modulo the data size, so s == 0 still
		// comes out right without a branch.
		loadGPR(b, state.RegScratch3, d.RB)
		b.LslReg(sf, state.RegScratch1, state.RegScratch0, state.RegScratch3)
		b.MovImm64(state.RegScratch2, uint64(width)+1)
		b.SubReg(sf, state.RegScratch2, state.RegScratch2, state.RegScratch3)
		b.LsrReg(sf, state.RegScratch2, state.RegScratch0, state.RegScratch2)
		b.OrrReg(sf, state.RegScratch0, state.RegScratch1, state.RegScratch2)
	} else {
		sh := uint32(d.SH) & width
		// ROR by (width+1-sh) == ROL by sh, synthesized via two shifts + OR
		// since the emitter does not expose a rotate-immediate primitive.
		if sh != 0 {
			b.LslImm(sf, state.RegScratch1, state.RegScratch0, sh)
			b.LsrImm(sf, state.RegScratch2, state.RegScratch0, width+1-sh)
			b.OrrReg(sf, state.RegScratch0, state.RegScratch1, state.RegScratch2)
		}
	}
	mask := rotateMask(d.MB, d.ME, d.Is64Mask)
	b.MovImm64(state.RegScratch1, mask)
	b.AndReg(sf64, state.RegScratch0, state.RegScratch0, state.RegScratch1)
	if d.Insert {
		// Insert-under-mask: bits outside the mask keep the destination's
		// old value. The complement mask is full 64-bit so a 32-bit form
		// preserves the destination's high word too.
		loadGPR(b, state.RegScratch2, d.RT)
		b.MovImm64(state.RegScratch1, ^mask)
		b.AndReg(sf64, state.RegScratch2, state.RegScratch2, state.RegScratch1)
		b.OrrReg(sf64, state.RegScratch0, state.RegScratch0, state.RegScratch2)
	}
	if d.RecordBit {
		b.AndsReg(sf64, state.RegScratch0, state.RegScratch0, state.RegScratch0)
		t.emitCR(b, 0, false, ctx)
	}
	storeGPR(b, d.RT, state.RegScratch0)
}

// rotateMask reproduces the guest mb/me -> bitmask rule exactly, including
// the wrap case (mb > me) where the mask is the complement of the
// non-wrapping range. PowerPC numbers bits 0 (MSB) .. 63 (LSB, for the
// 64-bit form) or .. 31 for the 32-bit form.
func rotateMask(mb, me uint8, is64 bool) uint64 {
	bitsN := 32
	if is64 {
		bitsN = 64
	}
	var m uint64
	i := int(mb)
	for {
		m |= uint64(1) << uint(bitsN-1-i)
		if i == int(me) {
			break
		}
		i = (i + 1) % bitsN
	}
	if !is64 {
		m &= 0xFFFFFFFF
	}
	return m
}

// lowerLoad emits effective-address computation, the guest-width host
// access through the Memory Window, and the byte-swap back to guest
// big-endian convention.
func (t *Translator) lowerLoad(b *emitter.Buf, d decoder.Decoded) {
	ea := uint32(state.RegScratch0)
	if d.RA == 0 && !d.Indexed {
		b.MovImm64(ea, uint64(int64(d.SImm)))
	} else {
		loadGPR(b, ea, d.RA)
		if d.Indexed {
			rb := uint32(state.RegScratch1)
			loadGPR(b, rb, d.RB)
			b.AddReg(sf64, ea, ea, rb, 0)
		} else if d.SImm != 0 {
			if d.SImm > 0 {
				b.AddImm(sf64, ea, ea, uint32(d.SImm), false)
			} else {
				b.SubImm(sf64, ea, ea, uint32(-d.SImm), false)
			}
		}
	}
	if d.Update {
		storeGPR(b, d.RA, ea)
	}
	host := uint32(state.RegScratch1)
	b.AddReg(sf64, host, state.RegMemBase, ea, 0)

	dst := uint32(state.RegScratch2)
	switch d.Width {
	case decoder.WidthWord:
		b.LdrImm(2, dst, host, 0)
		b.Rev(sf32, dst, dst)
		if d.Signed { // lwa: sign-extend the swapped word to 64 bits
			b.LslImm(sf64, dst, dst, 32)
			b.AsrImm(sf64, dst, dst, 32)
		}
	case decoder.WidthHalf:
		b.LdrhImm(dst, host, 0)
		b.Rev16(sf32, dst, dst)
		if d.Signed { // lha: sign-extend after the swap, not before
			b.LslImm(sf64, dst, dst, 48)
			b.AsrImm(sf64, dst, dst, 48)
		}
	case decoder.WidthByte:
		b.LdrbImm(dst, host, 0)
	case decoder.WidthDWord:
		b.LdrImm(3, dst, host, 0)
		b.Rev(sf64, dst, dst)
	}
	storeGPR(b, d.RT, dst)
}

// lowerStore mirrors lowerLoad: compute EA, byte-swap the guest value to
// big-endian, store at guest width.
func (t *Translator) lowerStore(b *emitter.Buf, d decoder.Decoded) {
	ea := uint32(state.RegScratch0)
	loadGPR(b, ea, d.RA)
	if d.Indexed {
		rb := uint32(state.RegScratch1)
		loadGPR(b, rb, d.RB)
		b.AddReg(sf64, ea, ea, rb, 0)
	} else if d.SImm != 0 {
		if d.SImm > 0 {
			b.AddImm(sf64, ea, ea, uint32(d.SImm), false)
		} else {
			b.SubImm(sf64, ea, ea, uint32(-d.SImm), false)
		}
	}
	if d.Update {
		storeGPR(b, d.RA, ea)
	}
	host := uint32(state.RegScratch1)
	b.AddReg(sf64, host, state.RegMemBase, ea, 0)

	src := uint32(state.RegScratch2)
	loadGPR(b, src, d.RT)
	switch d.Width {
	case decoder.WidthWord:
		b.Rev(sf32, src, src)
		b.StrImm(2, src, host, 0)
	case decoder.WidthHalf:
		b.Rev16(sf32, src, src)
		b.StrhImm(src, host, 0)
	case decoder.WidthByte:
		b.StrbImm(src, host, 0)
	case decoder.WidthDWord:
		b.Rev(sf64, src, src)
		b.StrImm(3, src, host, 0)
	}
}

// regCallResult is X0, the value callBlock's asm trampoline hands back to
// its Go caller as Block.Call's return. It is not in state's reserved
// register set, so every exit path is free to clobber it last.
const regCallResult = 0

func (t *Translator) emitExit(b *emitter.Buf, reason uint32, nextPC uint64) {
	b.MovImm64(state.RegScratch0, nextPC)
	b.StrImm(3, state.RegScratch0, state.RegState, uint32(state.OffNextPC)/8)
	b.MovImm64(state.RegScratch0, uint64(reason))
	b.StrImm(2, state.RegScratch0, state.RegState, uint32(state.OffExitReason)/4)
	b.AddImm(sf32, regCallResult, state.RegScratch0, 0, false)
	b.Ret(state.RegLink)
}

func (t *Translator) lowerBranch(b *emitter.Buf, d decoder.Decoded, ctx *Context) error {
	var target uint64
	if d.AbsoluteBit {
		target = uint64(int64(d.BranchDisp26))
	} else {
		target = d.PC + uint64(int64(d.BranchDisp26))
	}
	if d.LinkBit {
		b.MovImm64(state.RegScratch0, d.PC+4)
		b.StrImm(3, state.RegScratch0, state.RegState, uint32(state.OffLR)/8)
	}
	// Baseline always exits through the epilogue; direct intra-block
	// branches (target resolved via ctx.Resolver) are a block-compiler
	// backpatch pass applied after the full stream length is known, not
	// done here.
	t.emitExit(b, state.ExitBranch, target)
	return nil
}

func (t *Translator) lowerBranchConditional(b *emitter.Buf, d decoder.Decoded, ctx *Context) error {
	// Expand BO per the documented combination of "decrement CTR",
	// "branch if CTR zero/nonzero" and "branch if CR bit set/clear".
	decrementCTR := d.BO&0b00100 == 0
	ctrCond := d.BO&0b00010 != 0 // branch if CTR == 0 (vs != 0)
	ignoreCond := d.BO&0b10000 != 0
	condTrue := d.BO&0b01000 != 0

	if decrementCTR {
		b.LdrImm(3, state.RegScratch0, state.RegState, uint32(state.OffCTR)/8)
		b.SubImm(sf64, state.RegScratch0, state.RegScratch0, 1, false)
		b.StrImm(3, state.RegScratch0, state.RegState, uint32(state.OffCTR)/8)
	}

	// Compute "take the branch" into RegScratch1 as 0/1, ANDing in each
	// active sub-condition.
	b.Movz(sf32, state.RegScratch1, 1, 0)
	if decrementCTR {
		b.LdrImm(3, state.RegScratch0, state.RegState, uint32(state.OffCTR)/8)
		b.CmpImm(sf64, state.RegScratch0, 0)
		cond := emitter.CondNE
		if ctrCond {
			cond = emitter.CondEQ
		}
		b.Cset(sf32, state.RegScratch2, cond)
		b.AndReg(sf32, state.RegScratch1, state.RegScratch1, state.RegScratch2)
	}
	if !ignoreCond {
		b.LdrImm(2, state.RegScratch0, state.RegState, uint32(state.OffCR)/4)
		bitPos := uint32(31 - d.BI)
		b.LsrImm(sf32, state.RegScratch0, state.RegScratch0, bitPos)
		b.MovImm64(state.RegScratch3, 1)
		b.AndReg(sf32, state.RegScratch0, state.RegScratch0, state.RegScratch3)
		cond := emitter.CondEQ
		if condTrue {
			cond = emitter.CondNE
		}
		b.CmpImm(sf32, state.RegScratch0, 0)
		b.Cset(sf32, state.RegScratch2, cond)
		b.AndReg(sf32, state.RegScratch1, state.RegScratch1, state.RegScratch2)
	}

	if d.LinkBit {
		b.MovImm64(state.RegScratch0, d.PC+4)
		b.StrImm(3, state.RegScratch0, state.RegState, uint32(state.OffLR)/8)
	}

	var target uint64
	if d.AbsoluteBit {
		target = uint64(int64(d.BranchDisp16))
	} else {
		target = d.PC + uint64(int64(d.BranchDisp16))
	}

	// Not-taken path skips past the taken-exit sequence to its own
	// fallthrough exit; the skip distance is patched once the taken exit
	// has been emitted, since MovImm64 is variable-length.
	skip := b.Cbz(sf32, state.RegScratch1, 0)
	t.emitExit(b, state.ExitBranch, target)
	b.PatchImm19(skip, int32(b.Len()-skip)*4)
	t.emitExit(b, state.ExitFallthrough, d.PC+4)
	return nil
}

func (t *Translator) lowerBranchToSpecial(b *emitter.Buf, d decoder.Decoded) error {
	if d.LinkBit {
		b.MovImm64(state.RegScratch0, d.PC+4)
		b.StrImm(3, state.RegScratch0, state.RegState, uint32(state.OffLR)/8)
	}
	off := state.OffLR
	reason := uint32(state.ExitReturnFromLR)
	if d.Extended == 528 {
		off = state.OffCTR
		reason = uint32(state.ExitReturnFromCTR)
	}
	b.LdrImm(3, state.RegScratch0, state.RegState, uint32(off)/8)
	b.StrImm(3, state.RegScratch0, state.RegState, uint32(state.OffNextPC)/8)
	b.MovImm64(state.RegScratch0, uint64(reason))
	b.StrImm(2, state.RegScratch0, state.RegState, uint32(state.OffExitReason)/4)
	b.Ret(state.RegLink)
	return nil
}
