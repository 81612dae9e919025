package interp

import (
	"errors"
	"testing"

	"github.com/rcornwell/ppujit/ppu/state"
)

type fakeMem struct {
	buf [0x10000]byte
}

func (m *fakeMem) Translate(addr uint64, n int) ([]byte, error) {
	if addr+uint64(n) > uint64(len(m.buf)) {
		return nil, errors.New("out of range")
	}
	return m.buf[addr : addr+uint64(n)], nil
}

// TestStepAddImmediate runs ADDI r1, r1, 16 at guest PC 0x0001_0000
// directly, without going through the translator.
func TestStepAddImmediate(t *testing.T) {
	cpu := &state.CPU{}
	cpu.PC = 0x00010000
	cpu.GPR[1] = 0x100

	next, err := Step(cpu, &fakeMem{}, 0x38210010, nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if cpu.GPR[1] != 0x110 {
		t.Fatalf("r1 = %#x, want 0x110", cpu.GPR[1])
	}
	if next != 0x00010004 {
		t.Fatalf("next = %#x, want 0x10004", next)
	}
}

// TestStepLoadWordZero loads guest memory DE AD BE EF at
// 0x1000, LWZ r3, 0x1000(r0), expecting the byte-swapped big-endian value.
func TestStepLoadWordZero(t *testing.T) {
	cpu := &state.CPU{}
	cpu.PC = 0x00020000
	mem := &fakeMem{}
	copy(mem.buf[0x1000:], []byte{0xDE, 0xAD, 0xBE, 0xEF})

	word := uint32(32)<<26 | uint32(3)<<21 | uint32(0)<<16 | uint32(0x1000)
	_, err := Step(cpu, mem, word, nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if cpu.GPR[3] != 0xDEADBEEF {
		t.Fatalf("r3 = %#x, want 0xdeadbeef", cpu.GPR[3])
	}
}

func TestStepUnknownReturnsError(t *testing.T) {
	cpu := &state.CPU{}
	_, err := Step(cpu, &fakeMem{}, uint32(1)<<26, nil) // primary opcode 1 decodes Unknown
	if err == nil {
		t.Fatalf("expected an error for an unrecognized word")
	}
	var ue *ErrUnhandled
	if !errors.As(err, &ue) {
		t.Fatalf("error type = %T, want *ErrUnhandled", err)
	}
}

// TestStepRotateInsert checks rlwimi's insert-under-mask behavior: bits
// outside the mask keep the destination's old value, including the high
// word of the 64-bit register.
func TestStepRotateInsert(t *testing.T) {
	cpu := &state.CPU{}
	cpu.GPR[4] = 0x000000FF          // source
	cpu.GPR[3] = 0xAAAA_BBBB_CCCC_DDDD // destination
	// rlwimi r3, r4, 8, 16, 23: rotate left 8, insert into bits 16-23.
	word := uint32(20)<<26 | uint32(4)<<21 | uint32(3)<<16 |
		uint32(8)<<11 | uint32(16)<<6 | uint32(23)<<1
	if _, err := Step(cpu, &fakeMem{}, word, nil); err != nil {
		t.Fatalf("Step: %v", err)
	}
	// ROTL32(0xFF, 8) = 0xFF00; mask 16..23 = 0x0000FF00.
	want := uint64(0xAAAA_BBBB_CCCC_FFDD)
	if cpu.GPR[3] != want {
		t.Fatalf("r3 = %#x, want %#x", cpu.GPR[3], want)
	}
}

// TestStepDivideByZeroYieldsZero pins the defined result this core gives
// a case the guest architecture leaves undefined, matching the host
// divide instruction the JIT path emits.
func TestStepDivideByZeroYieldsZero(t *testing.T) {
	cpu := &state.CPU{}
	cpu.GPR[4] = 1234
	cpu.GPR[5] = 0
	// divd r3, r4, r5
	word := uint32(31)<<26 | uint32(3)<<21 | uint32(4)<<16 | uint32(5)<<11 | uint32(489)<<1
	if _, err := Step(cpu, &fakeMem{}, word, nil); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if cpu.GPR[3] != 0 {
		t.Fatalf("r3 = %#x, want 0", cpu.GPR[3])
	}
}

func TestStepBarrierIsNoOpForState(t *testing.T) {
	cpu := &state.CPU{}
	cpu.PC = 0x1000
	sync := uint32(31)<<26 | uint32(598)<<1
	next, err := Step(cpu, &fakeMem{}, sync, nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if next != 0x1004 {
		t.Fatalf("next = %#x, want 0x1004", next)
	}
}

func TestForceInterpreterToggle(t *testing.T) {
	if Forced() {
		t.Fatalf("force_interpreter should default to false")
	}
}
