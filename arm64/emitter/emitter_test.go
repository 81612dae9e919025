package emitter

import "testing"

func TestRetEncoding(t *testing.T) {
	b := New(1)
	b.Ret(30)
	if got, want := b.Words[0], uint32(0xD65F03C0); got != want {
		t.Errorf("RET = %#08x, want %#08x", got, want)
	}
}

func TestMovzEncoding(t *testing.T) {
	b := New(1)
	b.Movz(1, 0, 0x1234, 0)
	if got, want := b.Words[0], uint32(0xD2800000|0x1234<<5); got != want {
		t.Errorf("MOVZ = %#08x, want %#08x", got, want)
	}
}

func TestNopEncoding(t *testing.T) {
	b := New(1)
	b.Nop()
	if got, want := b.Words[0], uint32(0xD503201F); got != want {
		t.Errorf("NOP = %#08x, want %#08x", got, want)
	}
}

// TestMovImm64RoundTrip checks every non-zero halfword of an arbitrary
// 64-bit constant is represented by at least one emitted MOVZ/MOVK.
func TestMovImm64RoundTrip(t *testing.T) {
	b := New(4)
	imm := uint64(0x1122000033440000)
	b.MovImm64(9, imm)
	reconstructed := uint64(0)
	for _, w := range b.Words {
		imm16 := uint16(w >> 5)
		shift := (w >> 21) & 0x3
		opc := (w >> 29) & 0x3
		if opc == 0b10 { // MOVZ resets
			reconstructed = uint64(imm16) << (shift * 16)
		} else { // MOVK merges
			reconstructed |= uint64(imm16) << (shift * 16)
		}
	}
	if reconstructed != imm {
		t.Errorf("reconstructed = %#x, want %#x", reconstructed, imm)
	}
}

func TestBranchDisplacementRoundTrip(t *testing.T) {
	b := New(1)
	off := int32(0x01FFFFFC) // max positive 26-bit word-scaled displacement
	b.B(off)
	imm26 := b.Words[0] & 0x03FFFFFF
	// sign-extend back to bytes
	var se int32
	if imm26&0x02000000 != 0 {
		se = int32(imm26|0xFC000000) * 4
	} else {
		se = int32(imm26) * 4
	}
	if se != off {
		t.Errorf("round trip = %#x, want %#x", se, off)
	}
}

func TestConditionalBranchDisplacementRoundTrip(t *testing.T) {
	b := New(1)
	off := int32(-0x100000) // near the 19-bit (1MiB) conditional range
	b.BCond(CondEQ, off)
	imm19 := (b.Words[0] >> 5) & 0x7FFFF
	var se int32
	if imm19&0x40000 != 0 {
		se = int32(imm19|0xFFF80000) * 4
	} else {
		se = int32(imm19) * 4
	}
	if se != off {
		t.Errorf("round trip = %#x, want %#x", se, off)
	}
	if Cond(b.Words[0]&0xF) != CondEQ {
		t.Errorf("condition not preserved")
	}
}

func TestRevIsWellFormed(t *testing.T) {
	b := New(1)
	b.Rev(1, 0, 1)
	// top byte of a 64-bit REV is 0xDA, per the AArch64 data-processing
	// (1 source) encoding group.
	if top := b.Words[0] >> 24; top != 0xDA {
		t.Errorf("REV top byte = %#x, want 0xda", top)
	}
}
