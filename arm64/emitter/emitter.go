/*
   arm64/emitter - ARM64 instruction encoder.

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

// Package emitter appends AArch64 instructions, 32 bits at a time, into a
// caller-supplied buffer. It is not a validator: a caller that asks for an
// out-of-range immediate or register gets a wrong-but-well-formed encoding
// or a panic on an obviously-impossible request, never a silent no-op.
// Semantic checking is the translator's job.
package emitter

// Cond is an AArch64 condition code, used by conditional branches.
type Cond uint32

const (
	CondEQ Cond = 0x0
	CondNE Cond = 0x1
	CondCS Cond = 0x2
	CondCC Cond = 0x3
	CondMI Cond = 0x4
	CondPL Cond = 0x5
	CondVS Cond = 0x6
	CondVC Cond = 0x7
	CondHI Cond = 0x8
	CondLS Cond = 0x9
	CondGE Cond = 0xA
	CondLT Cond = 0xB
	CondGT Cond = 0xC
	CondLE Cond = 0xD
	CondAL Cond = 0xE
)

// Buf is an append-only AArch64 instruction stream.
type Buf struct {
	Words []uint32
}

// New returns an emitter writing into a buffer pre-sized to n instructions.
func New(n int) *Buf {
	return &Buf{Words: make([]uint32, 0, n)}
}

// Len reports the number of 32-bit words emitted so far.
func (b *Buf) Len() int { return len(b.Words) }

// PC reports the address, in bytes from buffer start, of the next word.
func (b *Buf) PC() int { return len(b.Words) * 4 }

func (b *Buf) emit(w uint32) int {
	pc := b.Len()
	b.Words = append(b.Words, w)
	return pc
}

// ---- move ----

// Movz emits MOVZ xd, #imm16, LSL #(shift*16).
func (b *Buf) Movz(sf uint32, xd uint32, imm16 uint16, shift uint32) int {
	return b.emit(sf<<31 | 0b10100101<<23 | shift<<21 | uint32(imm16)<<5 | xd)
}

// Movk emits MOVK xd, #imm16, LSL #(shift*16), preserving other bits of xd.
func (b *Buf) Movk(sf uint32, xd uint32, imm16 uint16, shift uint32) int {
	return b.emit(sf<<31 | 0b11100101<<23 | shift<<21 | uint32(imm16)<<5 | xd)
}

// Movn emits MOVN xd, #imm16, LSL #(shift*16) (xd = ^(imm16 << shift*16)).
func (b *Buf) Movn(sf uint32, xd uint32, imm16 uint16, shift uint32) int {
	return b.emit(sf<<31 | 0b00100101<<23 | shift<<21 | uint32(imm16)<<5 | xd)
}

// MovImm64 loads an arbitrary 64-bit constant into xd using up to four
// MOVZ/MOVK instructions, skipping all-zero halfwords after the first.
func (b *Buf) MovImm64(xd uint32, imm uint64) {
	if imm == 0 {
		b.Movz(1, xd, 0, 0)
		return
	}
	first := true
	for shift := uint32(0); shift < 4; shift++ {
		h := uint16(imm >> (shift * 16))
		if h == 0 && !first {
			continue
		}
		if first {
			b.Movz(1, xd, h, shift)
			first = false
		} else {
			b.Movk(1, xd, h, shift)
		}
	}
}

// ---- arithmetic (register, shifted) ----

const (
	shiftLSL = 0
	shiftLSR = 1
	shiftASR = 2
)

func addSubShiftedReg(sf, op, s uint32, rm, shift, imm6, rn, rd uint32) uint32 {
	return sf<<31 | op<<30 | s<<29 | 0b01011<<24 | shift<<22 | rm<<16 | imm6<<10 | rn<<5 | rd
}

// AddReg emits ADD xd, xn, xm{, LSL #shift}.
func (b *Buf) AddReg(sf, rd, rn, rm, shift uint32) int {
	return b.emit(addSubShiftedReg(sf, 0, 0, rm, shiftLSL, shift, rn, rd))
}

// AddsReg emits ADDS xd, xn, xm (flag-setting add).
func (b *Buf) AddsReg(sf, rd, rn, rm uint32) int {
	return b.emit(addSubShiftedReg(sf, 0, 1, rm, shiftLSL, 0, rn, rd))
}

// SubReg emits SUB xd, xn, xm.
func (b *Buf) SubReg(sf, rd, rn, rm uint32) int {
	return b.emit(addSubShiftedReg(sf, 1, 0, rm, shiftLSL, 0, rn, rd))
}

// SubsReg emits SUBS xd, xn, xm (flag-setting subtract, also CMP when rd=31).
func (b *Buf) SubsReg(sf, rd, rn, rm uint32) int {
	return b.emit(addSubShiftedReg(sf, 1, 1, rm, shiftLSL, 0, rn, rd))
}

// NegReg emits NEG xd, xm (alias of SUB xd, xzr, xm).
func (b *Buf) NegReg(sf, rd, rm uint32) int {
	return b.SubReg(sf, rd, 31, rm)
}

func addSubImm(sf, op, s uint32, imm12, shift, rn, rd uint32) uint32 {
	return sf<<31 | op<<30 | s<<29 | 0b100010<<23 | shift<<22 | imm12<<10 | rn<<5 | rd
}

// AddImm emits ADD xd, xn, #imm12 (optionally LSL #12 when shift12 is true).
func (b *Buf) AddImm(sf, rd, rn uint32, imm12 uint32, shift12 bool) int {
	sh := uint32(0)
	if shift12 {
		sh = 1
	}
	return b.emit(addSubImm(sf, 0, 0, imm12&0xFFF, sh, rn, rd))
}

// SubImm emits SUB xd, xn, #imm12.
func (b *Buf) SubImm(sf, rd, rn uint32, imm12 uint32, shift12 bool) int {
	sh := uint32(0)
	if shift12 {
		sh = 1
	}
	return b.emit(addSubImm(sf, 1, 0, imm12&0xFFF, sh, rn, rd))
}

// CmpImm emits CMP xn, #imm12 (alias of SUBS xzr, xn, #imm12).
func (b *Buf) CmpImm(sf, rn uint32, imm12 uint32) int {
	return b.emit(addSubImm(sf, 1, 1, imm12&0xFFF, 0, rn, 31))
}

// MulReg emits MUL xd, xn, xm (alias of MADD xd, xn, xm, xzr).
func (b *Buf) MulReg(sf, rd, rn, rm uint32) int {
	return b.emit(sf<<31 | 0b0011011000<<21 | rm<<16 | 31<<10 | rn<<5 | rd)
}

// SDiv emits SDIV xd, xn, xm.
func (b *Buf) SDiv(sf, rd, rn, rm uint32) int {
	return b.emit(sf<<31 | 0b0011010110<<21 | rm<<16 | 0b000011<<10 | rn<<5 | rd)
}

// UDiv emits UDIV xd, xn, xm.
func (b *Buf) UDiv(sf, rd, rn, rm uint32) int {
	return b.emit(sf<<31 | 0b0011010110<<21 | rm<<16 | 0b000010<<10 | rn<<5 | rd)
}

// ---- logic ----

func logicalShiftedReg(sf, opc, n uint32, rm, imm6, rn, rd uint32) uint32 {
	return sf<<31 | opc<<29 | 0b01010<<24 | n<<21 | rm<<16 | imm6<<10 | rn<<5 | rd
}

// AndReg emits AND xd, xn, xm.
func (b *Buf) AndReg(sf, rd, rn, rm uint32) int {
	return b.emit(logicalShiftedReg(sf, 0, 0, rm, 0, rn, rd))
}

// AndsReg emits ANDS xd, xn, xm (flag-setting AND, also TST when rd=31).
func (b *Buf) AndsReg(sf, rd, rn, rm uint32) int {
	return b.emit(logicalShiftedReg(sf, 3, 0, rm, 0, rn, rd))
}

// OrrReg emits ORR xd, xn, xm.
func (b *Buf) OrrReg(sf, rd, rn, rm uint32) int {
	return b.emit(logicalShiftedReg(sf, 1, 0, rm, 0, rn, rd))
}

// EorReg emits EOR xd, xn, xm.
func (b *Buf) EorReg(sf, rd, rn, rm uint32) int {
	return b.emit(logicalShiftedReg(sf, 2, 0, rm, 0, rn, rd))
}

// OrnReg emits ORN xd, xn, xm (bitwise NOT of xm ORed with xn; MVN is
// ORN xd, xzr, xm).
func (b *Buf) OrnReg(sf, rd, rn, rm uint32) int {
	return b.emit(logicalShiftedReg(sf, 1, 1, rm, 0, rn, rd))
}

// MvnReg emits MVN xd, xm.
func (b *Buf) MvnReg(sf, rd, rm uint32) int {
	return b.OrnReg(sf, rd, 31, rm)
}

// ---- shifts ----

// LslImm emits LSL xd, xn, #shift (UBFM alias).
func (b *Buf) LslImm(sf, rd, rn, shift uint32) int {
	width := uint32(31)
	if sf == 1 {
		width = 63
	}
	immr := (width + 1 - shift) & width
	imms := width - shift
	return b.emit(sf<<31 | 0b10<<29 | 0b100110<<23 | sf<<22 | immr<<16 | imms<<10 | rn<<5 | rd)
}

// LsrImm emits LSR xd, xn, #shift (UBFM alias).
func (b *Buf) LsrImm(sf, rd, rn, shift uint32) int {
	width := uint32(31)
	if sf == 1 {
		width = 63
	}
	return b.emit(sf<<31 | 0b10<<29 | 0b100110<<23 | sf<<22 | shift<<16 | width<<10 | rn<<5 | rd)
}

// AsrImm emits ASR xd, xn, #shift (SBFM alias).
func (b *Buf) AsrImm(sf, rd, rn, shift uint32) int {
	width := uint32(31)
	if sf == 1 {
		width = 63
	}
	return b.emit(sf<<31 | 0b00<<29 | 0b100110<<23 | sf<<22 | shift<<16 | width<<10 | rn<<5 | rd)
}

// LslReg emits LSLV xd, xn, xm.
func (b *Buf) LslReg(sf, rd, rn, rm uint32) int {
	return b.emit(sf<<31 | 0b0011010110<<21 | rm<<16 | 0b001000<<10 | rn<<5 | rd)
}

// LsrReg emits LSRV xd, xn, xm.
func (b *Buf) LsrReg(sf, rd, rn, rm uint32) int {
	return b.emit(sf<<31 | 0b0011010110<<21 | rm<<16 | 0b001001<<10 | rn<<5 | rd)
}

// AsrReg emits ASRV xd, xn, xm.
func (b *Buf) AsrReg(sf, rd, rn, rm uint32) int {
	return b.emit(sf<<31 | 0b0011010110<<21 | rm<<16 | 0b001010<<10 | rn<<5 | rd)
}

// Cset emits CSET xd, cond (alias of CSINC xd, xzr, xzr, invert(cond)),
// used by the translator's record-bit / compare lowering to materialize a
// single condition as a 0/1 value without disturbing NZCV.
func (b *Buf) Cset(sf uint32, rd uint32, cond Cond) int {
	inv := cond ^ 1
	return b.emit(sf<<31 | 0b0011010100<<21 | 31<<16 | uint32(inv)<<12 | 0b01<<10 | 31<<5 | rd)
}

// ---- loads / stores ----

// LdrImm emits LDR (unsigned offset) for 64/32-bit widths: size is 3 for
// 64-bit, 2 for 32-bit. imm12 is scaled by the access size per the ARM ARM.
func (b *Buf) LdrImm(size uint32, rt, rn uint32, imm12 uint32) int {
	return b.emit(size<<30 | 0b111001<<24 | 0b01<<22 | imm12<<10 | rn<<5 | rt)
}

// StrImm emits STR (unsigned offset).
func (b *Buf) StrImm(size uint32, rt, rn uint32, imm12 uint32) int {
	return b.emit(size<<30 | 0b111001<<24 | 0b00<<22 | imm12<<10 | rn<<5 | rt)
}

// LdrhImm / StrhImm / LdrbImm / StrbImm cover the 16- and 8-bit unsigned
// forms (size encodes in the top two bits of the opcode group).
func (b *Buf) LdrhImm(rt, rn, imm12 uint32) int { return b.emit(0b01<<30 | 0b111001<<24 | 0b01<<22 | imm12<<10 | rn<<5 | rt) }
func (b *Buf) StrhImm(rt, rn, imm12 uint32) int { return b.emit(0b01<<30 | 0b111001<<24 | 0b00<<22 | imm12<<10 | rn<<5 | rt) }
func (b *Buf) LdrbImm(rt, rn, imm12 uint32) int { return b.emit(0b00<<30 | 0b111001<<24 | 0b01<<22 | imm12<<10 | rn<<5 | rt) }
func (b *Buf) StrbImm(rt, rn, imm12 uint32) int { return b.emit(0b00<<30 | 0b111001<<24 | 0b00<<22 | imm12<<10 | rn<<5 | rt) }

// LdrshImm / LdrsbImm are the sign-extending 16/8-bit loads (opc=10 loads
// to a 64-bit Xt).
func (b *Buf) LdrshImm(rt, rn, imm12 uint32) int { return b.emit(0b01<<30 | 0b111001<<24 | 0b10<<22 | imm12<<10 | rn<<5 | rt) }
func (b *Buf) LdrsbImm(rt, rn, imm12 uint32) int { return b.emit(0b00<<30 | 0b111001<<24 | 0b10<<22 | imm12<<10 | rn<<5 | rt) }

// LdrReg / StrReg emit the register-offset (LDR xt, [xn, xm]) addressing
// form used for indexed guest memory accesses.
func (b *Buf) LdrReg(size uint32, rt, rn, rm uint32) int {
	return b.emit(size<<30 | 0b111000011<<21 | rm<<16 | 0b011<<13 | 0<<12 | 0b10<<10 | rn<<5 | rt)
}

func (b *Buf) StrReg(size uint32, rt, rn, rm uint32) int {
	return b.emit(size<<30 | 0b111000001<<21 | rm<<16 | 0b011<<13 | 0<<12 | 0b10<<10 | rn<<5 | rt)
}

// LdpPre / StpPre / LdpPost / StpPost emit the pre/post-indexed pair forms
// used for prologue/epilogue frame setup (STP x29, x30, [sp, #-16]! and the
// matching LDP on the way out).
func (b *Buf) StpPre(rt, rt2, rn uint32, imm7 int32) int {
	return b.emit(ldstPair(0b1010100110, rt, rt2, rn, imm7))
}

func (b *Buf) LdpPost(rt, rt2, rn uint32, imm7 int32) int {
	return b.emit(ldstPair(0b1010100011, rt, rt2, rn, imm7))
}

func ldstPair(opBits uint32, rt, rt2, rn uint32, imm7 int32) uint32 {
	imm := uint32(imm7/8) & 0x7F
	return opBits<<22 | imm<<15 | rt2<<10 | rn<<5 | rt
}

// ---- byte reversal ----

// Rev emits REV xd, xn (64-bit full reverse) or REV wd, wn (32-bit) per sf.
func (b *Buf) Rev(sf, rd, rn uint32) int {
	op := uint32(0b11)
	if sf == 0 {
		op = 0b10
	}
	return b.emit(sf<<31 | 0b1<<30 | 0b0<<29 | 0b11010110<<21 | 0b00000<<16 | 0b0000<<12 | op<<10 | rn<<5 | rd)
}

// Rev16 emits REV16 wd, wn (reverses each halfword independently).
func (b *Buf) Rev16(sf, rd, rn uint32) int {
	return b.emit(sf<<31 | 0b1011010110<<21 | 0b00000<<16 | 0b0000<<12 | 0b01<<10 | rn<<5 | rd)
}

// Rev32 emits REV32 xd, xn (64-bit register, reverses each word).
func (b *Buf) Rev32(rd, rn uint32) int {
	return b.emit(1<<31 | 0b1011010110<<21 | 0b00000<<16 | 0b0000<<12 | 0b10<<10 | rn<<5 | rd)
}

// ---- branches ----

// B emits an unconditional relative branch; off is in bytes and must fit
// the 26-bit word-granularity immediate (+/-32MiB).
func (b *Buf) B(off int32) int {
	imm26 := uint32(off/4) & 0x03FFFFFF
	return b.emit(0b000101<<26 | imm26)
}

// Bl emits BL (branch-with-link).
func (b *Buf) Bl(off int32) int {
	imm26 := uint32(off/4) & 0x03FFFFFF
	return b.emit(0b100101<<26 | imm26)
}

// BCond emits a conditional branch; off is in bytes, +/-1MiB range (19-bit
// word immediate).
func (b *Buf) BCond(cond Cond, off int32) int {
	imm19 := uint32(off/4) & 0x7FFFF
	return b.emit(0b01010100<<24 | imm19<<5 | uint32(cond))
}

// Br emits BR xn (register-indirect branch, no link).
func (b *Buf) Br(rn uint32) int {
	return b.emit(0b1101011<<25 | 0b0<<21 | 0b11111<<16 | 0b000000<<10 | rn<<5 | 0)
}

// Blr emits BLR xn.
func (b *Buf) Blr(rn uint32) int {
	return b.emit(0b1101011<<25 | 0b1<<21 | 0b11111<<16 | 0b000000<<10 | rn<<5 | 0)
}

// Ret emits RET (defaults to x30/LR).
func (b *Buf) Ret(rn uint32) int {
	return b.emit(0b1101011<<25 | 0b10<<21 | 0b11111<<16 | 0b000000<<10 | rn<<5 | 0)
}

// Cbz / Cbnz emit compare-and-branch-on-(non)zero, used for cheap loop and
// null checks without disturbing NZCV.
func (b *Buf) Cbz(sf, rt uint32, off int32) int {
	imm19 := uint32(off/4) & 0x7FFFF
	return b.emit(sf<<31 | 0b011010<<25 | 0<<24 | imm19<<5 | rt)
}

func (b *Buf) Cbnz(sf, rt uint32, off int32) int {
	imm19 := uint32(off/4) & 0x7FFFF
	return b.emit(sf<<31 | 0b011010<<25 | 1<<24 | imm19<<5 | rt)
}

// PatchImm19 rewrites the 19-bit displacement of the CBZ/CBNZ/B.cond at
// word index idx. Used for forward branches whose skip distance is not
// known until the skipped sequence has been emitted.
func (b *Buf) PatchImm19(idx int, off int32) {
	imm19 := uint32(off/4) & 0x7FFFF
	b.Words[idx] = b.Words[idx]&^uint32(0x7FFFF<<5) | imm19<<5
}

// ---- barriers, misc ----

const (
	barrierISH = 0b1011
)

// Dmb emits DMB ISH.
func (b *Buf) Dmb() int { return b.emit(0b1101010100<<22 | 0b011<<16 | 0b0011<<12 | barrierISH<<8 | 0b10111111) }

// Dsb emits DSB ISH.
func (b *Buf) Dsb() int { return b.emit(0b1101010100<<22 | 0b011<<16 | 0b0011<<12 | barrierISH<<8 | 0b10011111) }

// Isb emits ISB SY.
func (b *Buf) Isb() int { return b.emit(0b1101010100<<22 | 0b011<<16 | 0b0011<<12 | 0b1111<<8 | 0b11011111) }

// Brk emits BRK #imm16, a trap the Crash Guard's illegal-instruction
// handler is expected to recognize.
func (b *Buf) Brk(imm16 uint16) int {
	return b.emit(0b11010100<<24 | 0b001<<21 | uint32(imm16)<<5 | 0b00000)
}

// Nop emits NOP.
func (b *Buf) Nop() int { return b.emit(0b1101010100<<22 | 0b011<<16 | 0b0010<<12 | 0b0000000<<5 | 0b11111) }

// ---- NEON (guest vector register) loads/stores ----

// LdrQ emits LDR qt, [xn, #imm12*16] — 128-bit NEON register load, used for
// guest vector register spill/fill against the Guest CPU state.
func (b *Buf) LdrQ(qt, rn, imm12 uint32) int {
	return b.emit(0b00<<30 | 0b111101<<24 | 0b11<<22 | imm12<<10 | rn<<5 | qt)
}

// StrQ emits STR qt, [xn, #imm12*16].
func (b *Buf) StrQ(qt, rn, imm12 uint32) int {
	return b.emit(0b00<<30 | 0b111101<<24 | 0b10<<22 | imm12<<10 | rn<<5 | qt)
}

// AddVec4S emits ADD vd.4s, vn.4s, vm.4s — the NEON lowering of a guest
// 128-bit integer-vector add.
func (b *Buf) AddVec4S(vd, vn, vm uint32) int {
	return b.emit(0<<31 | 1<<30 | 0<<29 | 0b01110<<24 | 0b10<<22 | 1<<21 | vm<<16 | 0b10000<<11 | 1<<10 | vn<<5 | vd)
}

// EorVec16B emits EOR vd.16b, vn.16b, vm.16b (used as the NEON zero/move
// idiom and for guest vector logical instructions).
func (b *Buf) EorVec16B(vd, vn, vm uint32) int {
	return b.emit(0<<31 | 1<<30 | 1<<29 | 0b01110<<24 | 0b00<<22 | 1<<21 | vm<<16 | 0b00011<<11 | 1<<10 | vn<<5 | vd)
}

// Rev32Vec16B emits REV32 vd.16b, vn.16b, the big-endian byte-swap applied
// to each 32-bit lane of a freshly loaded/about-to-be-stored guest vector.
func (b *Buf) Rev32Vec16B(vd, vn uint32) int {
	return b.emit(0<<31 | 1<<30 | 1<<29 | 0b01110<<24 | 0b00<<22 | 0b10000<<17 | 0b00000<<12 | 0b10<<10 | vn<<5 | vd)
}
