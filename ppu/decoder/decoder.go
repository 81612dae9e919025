/*
   ppu/decoder - Cell PPU (PowerPC) instruction decode.

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

// Package decoder turns a raw 32-bit big-endian guest instruction word into
// a tagged Decoded value. PowerPC numbers bits 0 (MSB) through 31 (LSB); all
// of that bit-ordering gymnastics happens in this package only, so nothing
// downstream ever has to think in PowerPC bit numbers.
package decoder

// Kind tags the family of a decoded instruction. The translator switches
// exhaustively over Kind; Unknown is the only value the decoder ever
// produces for an encoding it does not recognize.
type Kind int

const (
	Unknown Kind = iota
	KindAddImmediate
	KindAddRegister
	KindSubFromImmediate
	KindLogicalImmediate
	KindLogicalRegister
	KindCompareImmediate
	KindCompareRegister
	KindRotateMask
	KindLoad
	KindStore
	KindLoadVector
	KindStoreVector
	KindMultiply
	KindDivide
	KindNegate
	KindBranch
	KindBranchConditional
	KindBranchToSpecial // blr / bctr
	KindSyscall
	KindReturnFromInterrupt
	KindBarrier // sync/lwsync/eieio/isync
	KindFloatArith
	KindVectorArith
	KindNop
)

// Size of the guest memory access a Load/Store-family instruction performs.
type Width int

const (
	WidthByte  Width = 1
	WidthHalf  Width = 2
	WidthWord  Width = 4
	WidthDWord Width = 8
)

// Decoded is the tagged-sum output of Decode. Every field is valid to read
// regardless of Kind: unused fields are simply zero. No allocation is
// performed producing one.
type Decoded struct {
	Kind Kind
	Raw  uint32 // the original instruction word, for disassembly/logging
	PC   uint64 // guest address the word was fetched from

	Primary  uint8  // primary 6-bit opcode
	Extended uint16 // extended opcode (XO field), when the family has one

	RT, RA, RB uint8 // up to three GPR slots (dest, src1, src2)
	FRT, FRA, FRB, FRC uint8
	VRT, VRA, VRB, VRC uint8

	SImm int32  // sign-extended 16-bit immediate
	UImm uint32 // zero-extended 16-bit immediate

	BranchDisp26 int32 // sign-extended 26-bit branch displacement (words of 4, already scaled to bytes)
	BranchDisp16 int32 // sign-extended 16-bit conditional branch displacement, scaled to bytes

	BO, BI uint8 // branch options / condition-bit select for conditional branches
	BF     uint8 // 3-bit CR field a compare instruction targets

	SH, MB, ME   uint8 // rotate amount / mask-begin / mask-end for rotate-and-mask forms
	Is64Mask     bool  // the 64-bit rotate/mask form (mb/me span 0..63, not 0..31)
	Insert       bool  // insert-under-mask form: bits outside the mask keep the old dest value
	ShiftFromReg bool  // rotate amount comes from RB, not the SH immediate

	RecordBit bool // Rc: update CR0 from the result
	AbsoluteBit bool // AA: branch target is absolute, not PC-relative
	LinkBit     bool // LK: branch writes the return address to LR

	Width   Width
	Signed  bool // sign-extend the loaded value
	Update  bool // "update" form: write the effective address back to RA
	Indexed bool // register-offset addressing (RA+RB) rather than RA+disp
}

// IsBlockTerminator reports whether a decoded instruction ends a
// translation block. The predicate is a pure function of Kind: it never
// depends on runtime guest state, which is an explicit testable property.
func IsBlockTerminator(d Decoded) bool {
	switch d.Kind {
	case KindBranch, KindBranchConditional, KindBranchToSpecial,
		KindSyscall, KindReturnFromInterrupt:
		return true
	default:
		return false
	}
}

// signExt16 sign-extends a 16-bit field to int32.
func signExt16(v uint32) int32 {
	return int32(int16(uint16(v)))
}

// signExt26 sign-extends a 26-bit field (already shifted so bit 0 is the
// sign) to int32.
func signExt26(v uint32) int32 {
	v &= 0x03FFFFFF
	if v&0x02000000 != 0 {
		v |= 0xFC000000
	}
	return int32(v)
}

// bits extracts guest bit range [hi:lo] using PowerPC numbering (bit 0 is
// the MSB of the 32-bit word) and returns it right-justified. hi <= lo in
// PowerPC notation (hi is the more-significant/lower-numbered bit).
func bits(word uint32, hi, lo int) uint32 {
	// Convert PowerPC bit numbers to a shift/mask in normal (bit 31 = MSB)
	// terms: ppc bit n corresponds to normal bit (31-n).
	width := lo - hi + 1
	shift := 31 - lo
	mask := uint32(1)<<uint(width) - 1
	return (word >> uint(shift)) & mask
}

// Decode parses a raw big-endian 32-bit guest instruction word fetched from
// guest address pc. It never fails: an unrecognized encoding produces a
// Decoded with Kind == Unknown, leaving recovery to the translator's
// interpreter fallback.
func Decode(word uint32, pc uint64) Decoded {
	d := Decoded{Raw: word, PC: pc}
	d.Primary = uint8(bits(word, 0, 5))

	switch d.Primary {
	case 14: // addi
		d.Kind = KindAddImmediate
		d.RT = uint8(bits(word, 6, 10))
		d.RA = uint8(bits(word, 11, 15))
		d.SImm = signExt16(bits(word, 16, 31))
	case 15: // addis
		d.Kind = KindAddImmediate
		d.RT = uint8(bits(word, 6, 10))
		d.RA = uint8(bits(word, 11, 15))
		d.SImm = signExt16(bits(word, 16, 31)) << 16
	case 28: // andi.
		d.Kind = KindLogicalImmediate
		d.RA = uint8(bits(word, 6, 10)) // source is RT field position, dest RA
		d.RT = uint8(bits(word, 11, 15))
		d.UImm = bits(word, 16, 31)
		d.RecordBit = true
		d.Extended = 0 // AND
	case 29: // andis.
		d.Kind = KindLogicalImmediate
		d.RA = uint8(bits(word, 6, 10))
		d.RT = uint8(bits(word, 11, 15))
		d.UImm = bits(word, 16, 31) << 16
		d.RecordBit = true
		d.Extended = 0
	case 24: // ori
		d.Kind = KindLogicalImmediate
		d.RA = uint8(bits(word, 6, 10))
		d.RT = uint8(bits(word, 11, 15))
		d.UImm = bits(word, 16, 31)
		d.Extended = 1 // OR
	case 25: // oris
		d.Kind = KindLogicalImmediate
		d.RA = uint8(bits(word, 6, 10))
		d.RT = uint8(bits(word, 11, 15))
		d.UImm = bits(word, 16, 31) << 16
		d.Extended = 1
	case 26: // xori
		d.Kind = KindLogicalImmediate
		d.RA = uint8(bits(word, 6, 10))
		d.RT = uint8(bits(word, 11, 15))
		d.UImm = bits(word, 16, 31)
		d.Extended = 2 // XOR
	case 27: // xoris
		d.Kind = KindLogicalImmediate
		d.RA = uint8(bits(word, 6, 10))
		d.RT = uint8(bits(word, 11, 15))
		d.UImm = bits(word, 16, 31) << 16
		d.Extended = 2
	case 11: // cmpi
		d.Kind = KindCompareImmediate
		d.BF = uint8(bits(word, 6, 8))
		d.RA = uint8(bits(word, 11, 15))
		d.SImm = signExt16(bits(word, 16, 31))
	case 10: // cmpli
		d.Kind = KindCompareImmediate
		d.BF = uint8(bits(word, 6, 8))
		d.RA = uint8(bits(word, 11, 15))
		d.UImm = bits(word, 16, 31)
	case 20, 21, 23: // rlwimi, rlwinm, rlwnm
		d.Kind = KindRotateMask
		d.RA = uint8(bits(word, 6, 10))
		d.RT = uint8(bits(word, 11, 15))
		d.SH = uint8(bits(word, 16, 20))
		d.MB = uint8(bits(word, 21, 25))
		d.ME = uint8(bits(word, 26, 30))
		d.RecordBit = bits(word, 31, 31) != 0
		d.Extended = uint16(d.Primary)
		d.Insert = d.Primary == 20
		if d.Primary == 23 {
			// rlwnm's rotate amount comes from a GPR, aliasing SH's field
			d.ShiftFromReg = true
			d.RB = uint8(bits(word, 16, 20))
		}
	case 30: // rld* (64-bit rotate/mask family)
		d.decodeGroup30(word)
	case 32, 33, 34, 35, 40, 41, 42, 43: // lwz,lwzu,lbz,lbzu,lhz,lhzu,lha,lhau
		d.decodeLoadStoreDForm(word, false)
	case 36, 37, 38, 39, 44, 45: // stw,stwu,stb,stbu,sth,sthu
		d.decodeLoadStoreDForm(word, true)
	case 58, 62: // ld/ldu/lwa, std/stdu (DS-form, displacement scaled by 4)
		d.decodeLoadStoreDSForm(word)
	case 18: // b/bl/ba/bla
		d.Kind = KindBranch
		d.BranchDisp26 = signExt26(bits(word, 6, 29) << 2)
		d.AbsoluteBit = bits(word, 30, 30) != 0
		d.LinkBit = bits(word, 31, 31) != 0
	case 16: // bc/bcl/bca/bcla
		d.Kind = KindBranchConditional
		d.BO = uint8(bits(word, 6, 10))
		d.BI = uint8(bits(word, 11, 15))
		d.BranchDisp16 = signExt16(bits(word, 16, 29) << 2)
		d.AbsoluteBit = bits(word, 30, 30) != 0
		d.LinkBit = bits(word, 31, 31) != 0
	case 17: // sc
		d.Kind = KindSyscall
	case 19:
		d.decodeGroup19(word)
	case 31:
		d.decodeGroup31(word)
	case 63:
		d.decodeGroup63(word)
	case 59:
		d.Kind = KindFloatArith
		d.Extended = uint16(bits(word, 26, 30))
		d.FRT = uint8(bits(word, 6, 10))
		d.FRA = uint8(bits(word, 11, 15))
		d.FRB = uint8(bits(word, 16, 20))
		d.FRC = uint8(bits(word, 21, 25))
		d.RecordBit = bits(word, 31, 31) != 0
	default:
		d.Kind = Unknown
	}
	return d
}

func (d *Decoded) decodeLoadStoreDForm(word uint32, store bool) {
	if store {
		d.Kind = KindStore
	} else {
		d.Kind = KindLoad
	}
	d.RT = uint8(bits(word, 6, 10))
	d.RA = uint8(bits(word, 11, 15))
	d.SImm = signExt16(bits(word, 16, 31))
	switch d.Primary {
	case 32, 33: // lwz, lwzu
		d.Width = WidthWord
	case 34, 35: // lbz, lbzu
		d.Width = WidthByte
	case 40, 41: // lhz, lhzu
		d.Width = WidthHalf
	case 42, 43: // lha, lhau
		d.Width = WidthHalf
		d.Signed = true
	case 36, 37: // stw, stwu
		d.Width = WidthWord
	case 38, 39: // stb, stbu
		d.Width = WidthByte
	case 44, 45: // sth, sthu
		d.Width = WidthHalf
	}
	// odd primary opcodes in each pair are the update ("u") forms
	d.Update = d.Primary%2 == 1 && d.Primary >= 33
}

// decodeLoadStoreDSForm handles the 64-bit ld/std family, whose 14-bit
// displacement is word-scaled and whose low two bits select the subform.
func (d *Decoded) decodeLoadStoreDSForm(word uint32) {
	d.RT = uint8(bits(word, 6, 10))
	d.RA = uint8(bits(word, 11, 15))
	d.SImm = signExt16(bits(word, 16, 29) << 2)
	sub := bits(word, 30, 31)
	if d.Primary == 58 {
		switch sub {
		case 0: // ld
			d.Kind = KindLoad
			d.Width = WidthDWord
		case 1: // ldu
			d.Kind = KindLoad
			d.Width = WidthDWord
			d.Update = true
		case 2: // lwa
			d.Kind = KindLoad
			d.Width = WidthWord
			d.Signed = true
		default:
			d.Kind = Unknown
		}
		return
	}
	switch sub {
	case 0: // std
		d.Kind = KindStore
		d.Width = WidthDWord
	case 1: // stdu
		d.Kind = KindStore
		d.Width = WidthDWord
		d.Update = true
	default:
		d.Kind = Unknown
	}
}

// decodeGroup30 handles the rld* 64-bit rotate family. The 6-bit mask
// field splits its most significant bit off to instruction bit 26, and
// each subform derives a different MB/ME pair from it.
func (d *Decoded) decodeGroup30(word uint32) {
	d.Kind = KindRotateMask
	d.Is64Mask = true
	d.RA = uint8(bits(word, 6, 10))
	d.RT = uint8(bits(word, 11, 15))
	d.SH = uint8(bits(word, 16, 20)) | uint8(bits(word, 30, 30))<<5
	field := uint8(bits(word, 21, 25)) | uint8(bits(word, 26, 26))<<5
	d.RecordBit = bits(word, 31, 31) != 0
	d.Extended = uint16(bits(word, 27, 29))
	switch d.Extended {
	case 0: // rldicl: clear left, mask runs field..63
		d.MB = field
		d.ME = 63
	case 1: // rldicr: clear right, mask runs 0..field
		d.MB = 0
		d.ME = field
	case 2: // rldic
		d.MB = field
		d.ME = 63 - d.SH
	case 3: // rldimi: insert under mask
		d.MB = field
		d.ME = 63 - d.SH
		d.Insert = true
	default:
		d.Kind = Unknown
	}
}

// decodeGroup19 handles branch-to-special-register and condition-register
// logical forms (XO-form primary opcode 19).
func (d *Decoded) decodeGroup19(word uint32) {
	xo := bits(word, 21, 30)
	d.Extended = uint16(xo)
	switch xo {
	case 16: // bclr
		d.Kind = KindBranchToSpecial
		d.BO = uint8(bits(word, 6, 10))
		d.BI = uint8(bits(word, 11, 15))
		d.LinkBit = bits(word, 31, 31) != 0
	case 528: // bcctr
		d.Kind = KindBranchToSpecial
		d.BO = uint8(bits(word, 6, 10))
		d.BI = uint8(bits(word, 11, 15))
		d.LinkBit = bits(word, 31, 31) != 0
	case 50: // rfi
		d.Kind = KindReturnFromInterrupt
	case 150: // isync
		d.Kind = KindBarrier
	default:
		d.Kind = Unknown
	}
}

// decodeGroup31 handles the large XO-form primary opcode 31 family:
// register-register arithmetic/logical, loads/stores with register offset,
// and compare-register forms.
func (d *Decoded) decodeGroup31(word uint32) {
	xo := bits(word, 21, 30)
	d.Extended = uint16(xo)
	d.RT = uint8(bits(word, 6, 10))
	d.RA = uint8(bits(word, 11, 15))
	d.RB = uint8(bits(word, 16, 20))
	d.RecordBit = bits(word, 31, 31) != 0
	switch xo {
	case 266: // add
		d.Kind = KindAddRegister
	case 40: // subf
		d.Kind = KindSubFromImmediate
	case 28: // and
		d.Kind = KindLogicalRegister
		d.Extended = 0
	case 444: // or
		d.Kind = KindLogicalRegister
		d.Extended = 1
	case 316: // xor
		d.Kind = KindLogicalRegister
		d.Extended = 2
	case 0: // cmp
		d.Kind = KindCompareRegister
		d.BF = uint8(bits(word, 6, 8))
	case 32: // cmpl
		d.Kind = KindCompareRegister
		d.BF = uint8(bits(word, 6, 8))
	case 104: // neg
		d.Kind = KindNegate
	case 235: // mullw
		d.Kind = KindMultiply
	case 233: // mulld
		d.Kind = KindMultiply
	case 491: // divw
		d.Kind = KindDivide
	case 459: // divwu
		d.Kind = KindDivide
	case 489: // divd
		d.Kind = KindDivide
	case 457: // divdu
		d.Kind = KindDivide
	case 23: // lwzx
		d.Kind = KindLoad
		d.Width = WidthWord
		d.Indexed = true
	case 151: // stwx
		d.Kind = KindStore
		d.Width = WidthWord
		d.Indexed = true
	case 87: // lbzx
		d.Kind = KindLoad
		d.Width = WidthByte
		d.Indexed = true
	case 215: // stbx
		d.Kind = KindStore
		d.Width = WidthByte
		d.Indexed = true
	case 279: // lhzx
		d.Kind = KindLoad
		d.Width = WidthHalf
		d.Indexed = true
	case 343: // lhax
		d.Kind = KindLoad
		d.Width = WidthHalf
		d.Signed = true
		d.Indexed = true
	case 407: // sthx
		d.Kind = KindStore
		d.Width = WidthHalf
		d.Indexed = true
	case 21: // ldx
		d.Kind = KindLoad
		d.Width = WidthDWord
		d.Indexed = true
	case 149: // stdx
		d.Kind = KindStore
		d.Width = WidthDWord
		d.Indexed = true
	case 598, 854: // sync/lwsync, eieio
		d.Kind = KindBarrier
	default:
		d.Kind = Unknown
	}
}

// decodeGroup63 handles double-precision floating-point arithmetic
// (XO-form primary opcode 63).
func (d *Decoded) decodeGroup63(word uint32) {
	d.Kind = KindFloatArith
	d.Extended = uint16(bits(word, 26, 30))
	d.FRT = uint8(bits(word, 6, 10))
	d.FRA = uint8(bits(word, 11, 15))
	d.FRB = uint8(bits(word, 16, 20))
	d.FRC = uint8(bits(word, 21, 25))
	d.RecordBit = bits(word, 31, 31) != 0
}
