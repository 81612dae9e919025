package translator

import (
	"testing"

	"github.com/rcornwell/ppujit/arm64/emitter"
	"github.com/rcornwell/ppujit/ppu/decoder"
)

func TestLowerAddImmediateEmitsCode(t *testing.T) {
	tr := &Translator{Tier: TierBaseline}
	b := emitter.New(8)
	d := decoder.Decode(0x38210010, 0x00010000) // ADDI r1, r1, 16
	n, err := tr.Lower(b, d, &Context{})
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	if n != 4 {
		t.Errorf("consumed = %d, want 4", n)
	}
	if b.Len() == 0 {
		t.Fatalf("no host code emitted")
	}
}

func TestLowerUnknownReturnsErrUnlowerable(t *testing.T) {
	tr := &Translator{}
	b := emitter.New(1)
	d := decoder.Decoded{Kind: decoder.Unknown, PC: 0x4000}
	_, err := tr.Lower(b, d, &Context{})
	if err == nil {
		t.Fatal("expected ErrUnlowerable")
	}
	if _, ok := err.(*ErrUnlowerable); !ok {
		t.Fatalf("err type = %T, want *ErrUnlowerable", err)
	}
}

func TestLowerBranchAlwaysTerminatesWithExit(t *testing.T) {
	tr := &Translator{}
	b := emitter.New(4)
	d := decoder.Decode(uint32(18)<<26|uint32(0x100>>2)<<2, 0x20000)
	_, err := tr.Lower(b, d, &Context{})
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	last := b.Words[b.Len()-1]
	// RET x30 == 0xD65F03C0
	if last != 0xD65F03C0 {
		t.Errorf("last word = %#08x, want RET", last)
	}
}

// TestLowerBranchConditionalNotTakenSkipsToFallthroughExit checks the
// two-exit shape of a lowered bc: the not-taken CBZ must land exactly on
// the fallthrough exit that follows the (variable-length) taken exit,
// never past the end of the emitted code.
func TestLowerBranchConditionalNotTakenSkipsToFallthroughExit(t *testing.T) {
	tr := &Translator{}
	b := emitter.New(64)
	// bc 12,2,+0x20: BO=12 (branch if CR bit set, CTR untouched), BI=2.
	word := uint32(16)<<26 | uint32(12)<<21 | uint32(2)<<16 | uint32(0x20)
	d := decoder.Decode(word, 0x30000)
	if _, err := tr.Lower(b, d, &Context{}); err != nil {
		t.Fatalf("Lower: %v", err)
	}

	const ret = 0xD65F03C0
	var rets []int
	cbzIdx, target := -1, -1
	for i, w := range b.Words {
		if w == ret {
			rets = append(rets, i)
		}
		if w&0xFF000000 == 0x34000000 { // CBZ, 32-bit form
			cbzIdx = i
			target = i + int((w>>5)&0x7FFFF)
		}
	}
	if len(rets) != 2 {
		t.Fatalf("emitted %d RETs, want 2 (taken exit + fallthrough exit)", len(rets))
	}
	if rets[1] != b.Len()-1 {
		t.Fatalf("last word is not RET; code continues past the fallthrough exit")
	}
	if cbzIdx < 0 {
		t.Fatalf("no CBZ emitted for the not-taken path")
	}
	if target != rets[0]+1 {
		t.Fatalf("CBZ skips to word %d, want %d (first word after the taken exit)", target, rets[0]+1)
	}
}

func TestRotateMaskNonWrapping(t *testing.T) {
	// mb=8, me=15 (32-bit): mask covers bits 8..15 from the MSB.
	m := rotateMask(8, 15, false)
	want := uint64(0x00FF0000)
	if m != want {
		t.Errorf("mask = %#x, want %#x", m, want)
	}
}

func TestRotateMaskWrapping(t *testing.T) {
	// mb=30, me=1 (32-bit): wraps around bit 31/0 boundary.
	m := rotateMask(30, 1, false)
	want := uint64(0xC0000003)
	if m != want {
		t.Errorf("mask = %#x, want %#x", m, want)
	}
}

func TestOptimizingTierElidesDeadCR0(t *testing.T) {
	tr := &Translator{Tier: TierOptimizing}
	withDead := emitter.New(16)
	d := decoder.Decoded{Kind: decoder.KindAddRegister, RT: 3, RA: 1, RB: 2, RecordBit: true}
	_, _ = tr.Lower(withDead, d, &Context{CR0DeadAfter: true})

	withoutDead := emitter.New(16)
	_, _ = tr.Lower(withoutDead, d, &Context{CR0DeadAfter: false})

	if withDead.Len() >= withoutDead.Len() {
		t.Errorf("elided-CR0 sequence should be shorter: %d vs %d", withDead.Len(), withoutDead.Len())
	}
}
