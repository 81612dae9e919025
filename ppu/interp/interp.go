/*
   ppu/interp - tier-0 fallback interpreter.

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

// Package interp executes one decoder.Decoded instruction directly
// against a state.CPU, without going through the translator or emitter.
// It is the "tier 0" target the executor falls back to for exactly the
// guest instructions the JIT could not lower: a Decode-unknown, a
// translator.ErrUnlowerable (float/vector arithmetic), or a single
// instruction run while a Compilation-out-of-space recovery is in
// progress. It is
// deliberately not a full second code generator: it reproduces the same
// per-instruction semantics the translator lowers, straight in Go, for
// the same decoder.Kind set the translator lowers; float and vector
// arithmetic and Unknown come back as ErrUnhandled.
package interp

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/rcornwell/ppujit/config/debugconfig"
	"github.com/rcornwell/ppujit/jit/hotspot"
	"github.com/rcornwell/ppujit/ppu/decoder"
	"github.com/rcornwell/ppujit/ppu/state"
)

// Memory is the subset of mem/window.Window the interpreter needs: a
// bounds-checked byte view of the guest address space. Kept as an
// interface so tests can substitute a plain byte slice.
type Memory interface {
	Translate(guestAddr uint64, length int) ([]byte, error)
}

// ErrUnhandled is returned for a Kind the interpreter has no semantics
// for (float/vector arithmetic, or Unknown). Kind is surfaced so the
// caller can log which guest PC defeated both the JIT and the
// interpreter.
type ErrUnhandled struct {
	PC   uint64
	Kind decoder.Kind
}

func (e *ErrUnhandled) Error() string {
	return fmt.Sprintf("interp: no fallback semantics for %v at guest pc %#x", e.Kind, e.PC)
}

var forced bool

func init() {
	debugconfig.Register("jit.force_interpreter", func(string) error {
		forced = true
		return nil
	})
}

// Forced reports whether the jit.force_interpreter debug toggle is set,
// routing every guest instruction through this package instead of ever
// compiling a block. Consulted by the executor's dispatch loop.
func Forced() bool { return forced }

// Step executes exactly one guest instruction at cpu.PC and returns the
// guest byte address the caller should fetch next (the next instruction
// or the branch target); it leaves cpu.PC for the caller to update. promoter, if non-nil, is
// given the executed PC so repeated tier-0 hits on the same address can
// still cross the baseline-compile threshold (compiled blocks count
// executions on the Block itself; the interpreter path counts here,
// purely in Go).
func Step(cpu *state.CPU, mem Memory, word uint32, promoter *hotspot.Promoter) (nextPC uint64, err error) {
	d := decoder.Decode(word, cpu.PC)
	if promoter != nil {
		promoter.ObserveInterpreted(cpu.PC)
	}

	switch d.Kind {
	case decoder.KindAddImmediate:
		cpu.GPR[d.RT] = cpu.GPR[d.RA] + uint64(int64(d.SImm))

	case decoder.KindAddRegister:
		res := cpu.GPR[d.RA] + cpu.GPR[d.RB]
		cpu.GPR[d.RT] = res
		if d.RecordBit {
			setCR0(cpu, int64(res))
		}

	case decoder.KindSubFromImmediate:
		res := cpu.GPR[d.RB] - cpu.GPR[d.RA]
		cpu.GPR[d.RT] = res
		if d.RecordBit {
			setCR0(cpu, int64(res))
		}

	case decoder.KindLogicalImmediate:
		res := logical(d.Extended, cpu.GPR[d.RT], uint64(d.UImm))
		cpu.GPR[d.RA] = res
		if d.RecordBit {
			setCR0(cpu, int64(res))
		}

	case decoder.KindLogicalRegister:
		res := logical(d.Extended, cpu.GPR[d.RT], cpu.GPR[d.RB])
		cpu.GPR[d.RA] = res
		if d.RecordBit {
			setCR0(cpu, int64(res))
		}

	case decoder.KindCompareImmediate:
		a := cpu.GPR[d.RA]
		if d.Primary == 10 { // cmpli compares unsigned
			rhs := uint64(d.UImm)
			setCRFieldOrdered(cpu, d.BF, a < rhs, a > rhs)
		} else {
			setCRFieldOrdered(cpu, d.BF, int64(a) < int64(d.SImm), int64(a) > int64(d.SImm))
		}

	case decoder.KindCompareRegister:
		a, rb := cpu.GPR[d.RA], cpu.GPR[d.RB]
		if d.Extended == 32 { // cmpl compares unsigned
			setCRFieldOrdered(cpu, d.BF, a < rb, a > rb)
		} else {
			setCRFieldOrdered(cpu, d.BF, int64(a) < int64(rb), int64(a) > int64(rb))
		}

	case decoder.KindMultiply:
		var res uint64
		if d.Extended == 235 { // mullw
			res = uint64(uint32(int32(cpu.GPR[d.RA]) * int32(cpu.GPR[d.RB])))
		} else { // mulld
			res = cpu.GPR[d.RA] * cpu.GPR[d.RB]
		}
		cpu.GPR[d.RT] = res
		if d.RecordBit {
			setCR0(cpu, int64(res))
		}

	case decoder.KindDivide:
		res := stepDivide(cpu, d)
		cpu.GPR[d.RT] = res
		if d.RecordBit {
			setCR0(cpu, int64(res))
		}

	case decoder.KindNegate:
		res := -cpu.GPR[d.RA]
		cpu.GPR[d.RT] = res
		if d.RecordBit {
			setCR0(cpu, int64(res))
		}

	case decoder.KindBarrier:
		// A single goroutine already observes its own program order; the
		// cross-thread ordering the guest asked for is provided by the
		// host barrier the JIT path emits, and there is nothing useful a
		// pure-Go step can add here.

	case decoder.KindRotateMask:
		stepRotateMask(cpu, d)

	case decoder.KindLoad:
		if err := stepLoad(cpu, mem, d); err != nil {
			return 0, err
		}

	case decoder.KindStore:
		if err := stepStore(cpu, mem, d); err != nil {
			return 0, err
		}

	case decoder.KindBranch:
		return stepBranch(cpu, d), nil

	case decoder.KindBranchConditional:
		return stepBranchConditional(cpu, d), nil

	case decoder.KindBranchToSpecial:
		return stepBranchToSpecial(cpu, d), nil

	case decoder.KindSyscall:
		cpu.ExitReason = state.ExitSyscall
		return d.PC + 4, nil

	case decoder.KindReturnFromInterrupt:
		cpu.ExitReason = state.ExitUnhandled
		return d.PC, nil

	case decoder.KindNop:
		// no-op

	default:
		return 0, &ErrUnhandled{PC: d.PC, Kind: d.Kind}
	}

	return d.PC + 4, nil
}

func logical(op uint16, a, b uint64) uint64 {
	switch op {
	case 0:
		return a & b
	case 1:
		return a | b
	case 2:
		return a ^ b
	default:
		return a
	}
}

// setCR0 packs LT/GT/EQ/SO into guest CR0 (field 0), the same mapping
// jit/translator.emitCR burns into ARM64 code.
func setCR0(cpu *state.CPU, result int64) {
	setCRField(cpu, 0, result)
}

func setCRField(cpu *state.CPU, bf uint8, diff int64) {
	setCRFieldOrdered(cpu, bf, diff < 0, diff > 0)
}

func setCRFieldOrdered(cpu *state.CPU, bf uint8, lt, gt bool) {
	var field uint32
	switch {
	case lt:
		field = 0b1000
	case gt:
		field = 0b0100
	default:
		field = 0b0010
	}
	if cpu.XER&0x80000000 != 0 {
		field |= 0b0001
	}
	shift := uint32(28 - 4*bf)
	mask := uint32(0xF) << shift
	cpu.CR = (cpu.CR &^ mask) | (field << shift)
}

// stepDivide mirrors the ARM64 division the JIT path emits, including its
// defined results for the cases the guest leaves undefined: division by
// zero yields 0, and the most-negative-value/-1 overflow wraps.
func stepDivide(cpu *state.CPU, d decoder.Decoded) uint64 {
	a, b := cpu.GPR[d.RA], cpu.GPR[d.RB]
	switch d.Extended {
	case 491: // divw
		if int32(b) == 0 || (int32(a) == math.MinInt32 && int32(b) == -1) {
			if int32(b) == 0 {
				return 0
			}
			minInt32 := int32(math.MinInt32)
			return uint64(uint32(minInt32))
		}
		return uint64(uint32(int32(a) / int32(b)))
	case 459: // divwu
		if uint32(b) == 0 {
			return 0
		}
		return uint64(uint32(a) / uint32(b))
	case 489: // divd
		if int64(b) == 0 || (int64(a) == math.MinInt64 && int64(b) == -1) {
			if int64(b) == 0 {
				return 0
			}
			minInt64 := int64(math.MinInt64)
			return uint64(minInt64)
		}
		return uint64(int64(a) / int64(b))
	default: // divdu
		if b == 0 {
			return 0
		}
		return a / b
	}
}

// stepRotateMask reproduces jit/translator.lowerRotateMask/rotateMask
// exactly: rotate-left by SH (or RB for the register-shift form), AND
// with the MASK(MB,ME) the PowerPC architecture defines (including the
// mb>me wrap case), inserting under the mask for the *imi forms.
func stepRotateMask(cpu *state.CPU, d decoder.Decoded) {
	width := uint(32)
	if d.Is64Mask {
		width = 64
	}
	v := cpu.GPR[d.RA]
	sh := uint(d.SH)
	if d.ShiftFromReg {
		sh = uint(cpu.GPR[d.RB])
	}
	sh %= width
	var rotated uint64
	if width == 64 {
		rotated = bits.RotateLeft64(v, int(sh))
	} else {
		rotated = uint64(bits.RotateLeft32(uint32(v), int(sh)))
	}
	mask := rotateMask(d.MB, d.ME, d.Is64Mask)
	res := rotated & mask
	if d.Insert {
		res |= cpu.GPR[d.RT] &^ mask
	}
	cpu.GPR[d.RT] = res
	if d.RecordBit {
		setCR0(cpu, int64(res))
	}
}

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

func effectiveAddr(cpu *state.CPU, d decoder.Decoded) uint64 {
	if d.RA == 0 && !d.Indexed {
		return uint64(int64(d.SImm))
	}
	base := cpu.GPR[d.RA]
	if d.Indexed {
		return base + cpu.GPR[d.RB]
	}
	return base + uint64(int64(d.SImm))
}

func stepLoad(cpu *state.CPU, mem Memory, d decoder.Decoded) error {
	ea := effectiveAddr(cpu, d)
	buf, err := mem.Translate(ea, int(d.Width))
	if err != nil {
		return err
	}
	var v uint64
	switch d.Width {
	case decoder.WidthByte:
		v = uint64(buf[0])
	case decoder.WidthHalf:
		h := binary.BigEndian.Uint16(buf)
		if d.Signed {
			v = uint64(int64(int16(h)))
		} else {
			v = uint64(h)
		}
	case decoder.WidthWord:
		w32 := binary.BigEndian.Uint32(buf)
		if d.Signed {
			v = uint64(int64(int32(w32)))
		} else {
			v = uint64(w32)
		}
	case decoder.WidthDWord:
		v = binary.BigEndian.Uint64(buf)
	}
	cpu.GPR[d.RT] = v
	if d.Update {
		cpu.GPR[d.RA] = ea
	}
	return nil
}

func stepStore(cpu *state.CPU, mem Memory, d decoder.Decoded) error {
	ea := effectiveAddr(cpu, d)
	buf, err := mem.Translate(ea, int(d.Width))
	if err != nil {
		return err
	}
	v := cpu.GPR[d.RT]
	switch d.Width {
	case decoder.WidthByte:
		buf[0] = byte(v)
	case decoder.WidthHalf:
		binary.BigEndian.PutUint16(buf, uint16(v))
	case decoder.WidthWord:
		binary.BigEndian.PutUint32(buf, uint32(v))
	case decoder.WidthDWord:
		binary.BigEndian.PutUint64(buf, v)
	}
	if d.Update {
		cpu.GPR[d.RA] = ea
	}
	return nil
}

func stepBranch(cpu *state.CPU, d decoder.Decoded) uint64 {
	var target uint64
	if d.AbsoluteBit {
		target = uint64(int64(d.BranchDisp26))
	} else {
		target = d.PC + uint64(int64(d.BranchDisp26))
	}
	if d.LinkBit {
		cpu.LR = d.PC + 4
	}
	cpu.ExitReason = state.ExitBranch
	return target
}

func stepBranchConditional(cpu *state.CPU, d decoder.Decoded) uint64 {
	decrementCTR := d.BO&0b00100 == 0
	ctrCond := d.BO&0b00010 != 0
	ignoreCond := d.BO&0b10000 != 0
	condTrue := d.BO&0b01000 != 0

	take := true
	if decrementCTR {
		cpu.CTR--
		ctrZero := cpu.CTR == 0
		if ctrCond {
			take = take && ctrZero
		} else {
			take = take && !ctrZero
		}
	}
	if !ignoreCond {
		shift := uint32(31 - d.BI)
		bit := (cpu.CR >> shift) & 1
		if condTrue {
			take = take && bit != 0
		} else {
			take = take && bit == 0
		}
	}
	if d.LinkBit {
		cpu.LR = d.PC + 4
	}
	if !take {
		cpu.ExitReason = state.ExitFallthrough
		return d.PC + 4
	}
	var target uint64
	if d.AbsoluteBit {
		target = uint64(int64(d.BranchDisp16))
	} else {
		target = d.PC + uint64(int64(d.BranchDisp16))
	}
	cpu.ExitReason = state.ExitBranch
	return target
}

func stepBranchToSpecial(cpu *state.CPU, d decoder.Decoded) uint64 {
	if d.LinkBit {
		cpu.LR = d.PC + 4
	}
	var target uint64
	if d.Extended == 528 {
		target = cpu.CTR
		cpu.ExitReason = state.ExitReturnFromCTR
	} else {
		target = cpu.LR
		cpu.ExitReason = state.ExitReturnFromLR
	}
	return target
}
