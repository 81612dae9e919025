package state

import (
	"testing"
	"unsafe"
)

// TestOffsetsStable pins the ABI offsets the translator and emitter agree
// on. Changing any of these values changes the ABI between already
// compiled blocks and a rebuilt host library; the offsets may never move
// during a process lifetime, so this test exists to catch an
// accidental reordering of CPU's fields.
func TestOffsetsStable(t *testing.T) {
	cases := []struct {
		name string
		got  int
		want int
	}{
		{"GPR", OffGPR, 0},
		{"FPR", OffFPR, 256},
		{"VR", OffVR, 512},
		{"LR", OffLR, 1024},
		{"CTR", OffCTR, 1032},
		{"CR", OffCR, 1040},
		{"XER", OffXER, 1044},
		{"FPSCR", OffFPSCR, 1048},
		{"PC", OffPC, 1056},
		{"NextPC", OffNextPC, 1064},
		{"MemBase", OffMemBase, 1072},
		{"ThreadPtr", OffThreadPtr, 1080},
		{"ExitReason", OffExitReason, 1088},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("offset %s = %d, want %d (ABI break)", c.name, c.got, c.want)
		}
	}
}

func TestVec128Size(t *testing.T) {
	var v Vec128
	if got := int(unsafe.Sizeof(v)); got != 16 {
		t.Errorf("Vec128 size = %d, want 16", got)
	}
}
