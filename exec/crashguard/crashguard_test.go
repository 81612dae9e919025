package crashguard

import "testing"

func TestRunOkOnNormalReturn(t *testing.T) {
	res := Run("test.ok", func() {})
	if !res.Ok {
		t.Fatalf("expected Ok, got %+v", res)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	res := Run("test.panic", func() { panic("boom") })
	if res.Ok {
		t.Fatal("expected not-Ok after panic")
	}
	if res.Message != "boom" {
		t.Errorf("Message = %q, want %q", res.Message, "boom")
	}
	if res.Scope != "test.panic" {
		t.Errorf("Scope = %q, want %q", res.Scope, "test.panic")
	}
}

func TestRunRecoversOutOfRangeSliceFault(t *testing.T) {
	res := Run("test.slice", func() {
		s := make([]byte, 4)
		idx := 10
		_ = s[idx]
	})
	if res.Ok {
		t.Fatal("expected not-Ok after out-of-range index")
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	Install()
	Install()
}
