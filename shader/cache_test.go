package shader

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testIdentity() Identity {
	return Identity{Version: 1, Build: "test-build", GPU: "test-gpu"}
}

func TestCacheMissCompilesAndPromotes(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Options{Dir: dir, Identity: testIdentity()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	var calls int
	compile := func(bytecode []byte, options string) ([]byte, error) {
		calls++
		return append([]byte("compiled:"), bytecode...), nil
	}

	b, ok, err := c.Lookup([]byte("bytecode"), "opts", compile, false)
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	if string(b) != "compiled:bytecode" {
		t.Fatalf("unexpected artifact: %q", b)
	}
	if calls != 1 {
		t.Fatalf("compile called %d times, want 1", calls)
	}

	// Second lookup for the same inputs must hit L1, not recompile.
	b2, ok, err := c.Lookup([]byte("bytecode"), "opts", compile, false)
	if err != nil || !ok {
		t.Fatalf("second Lookup: ok=%v err=%v", ok, err)
	}
	if string(b2) != "compiled:bytecode" {
		t.Fatalf("unexpected artifact on repeat lookup: %q", b2)
	}
	if calls != 1 {
		t.Fatalf("compile called %d times after repeat lookup, want 1", calls)
	}
}

func TestCacheL2SurvivesL1Eviction(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Options{Dir: dir, Identity: testIdentity(), L1MaxBytes: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	compile := func(bytecode []byte, options string) ([]byte, error) {
		return append([]byte("compiled:"), bytecode...), nil
	}

	if _, ok, err := c.Lookup([]byte("a"), "", compile, false); err != nil || !ok {
		t.Fatalf("Lookup a: ok=%v err=%v", ok, err)
	}
	// Each artifact is larger than the 1-byte L1 capacity, so L1 evicts it on its own Put.
	if _, ok, err := c.Lookup([]byte("b"), "", compile, false); err != nil || !ok {
		t.Fatalf("Lookup b: ok=%v err=%v", ok, err)
	}
	if c.l1.Len() > 1 {
		t.Fatalf("l1 holds %d entries, want <= 1", c.l1.Len())
	}

	// "a" must still be retrievable from L2 even though L1 evicted it.
	b, ok, err := c.Lookup([]byte("a"), "", compile, false)
	if err != nil || !ok {
		t.Fatalf("Lookup a again: ok=%v err=%v", ok, err)
	}
	if string(b) != "compiled:a" {
		t.Fatalf("unexpected artifact from L2: %q", b)
	}
}

func TestCacheAsyncLookupReturnsMissThenSatisfies(t *testing.T) {
	dir := t.TempDir()
	pool := newTestPool(t)
	c, err := Open(Options{Dir: dir, Identity: testIdentity(), Pool: pool})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	compile := func(bytecode []byte, options string) ([]byte, error) {
		close(started)
		<-release
		return append([]byte("compiled:"), bytecode...), nil
	}

	b, ok, err := c.Lookup([]byte("x"), "", compile, true)
	if err != nil {
		t.Fatalf("async Lookup: %v", err)
	}
	if ok {
		t.Fatalf("async Lookup on cold key should report a miss, got artifact %q", b)
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("background compile never started")
	}
	close(release)

	deadline := time.After(time.Second)
	for {
		if b, ok, _ := c.Lookup([]byte("x"), "", compile, false); ok {
			if string(b) != "compiled:x" {
				t.Fatalf("unexpected artifact: %q", b)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("background compile result never landed in L1")
		case <-time.After(time.Millisecond):
		}
	}
}

// TestIdentityMismatchDiscardsL2 checks that opening an L2
// directory written under one host identity with a different identity
// must discard every artifact file rather than serve stale ones.
func TestIdentityMismatchDiscardsL2(t *testing.T) {
	dir := t.TempDir()
	first := testIdentity()
	c1, err := Open(Options{Dir: dir, Identity: first})
	if err != nil {
		t.Fatalf("Open (first identity): %v", err)
	}
	compile := func(bytecode []byte, options string) ([]byte, error) {
		return append([]byte("compiled:"), bytecode...), nil
	}
	if _, ok, err := c1.Lookup([]byte("a"), "", compile, false); err != nil || !ok {
		t.Fatalf("Lookup under first identity: ok=%v err=%v", ok, err)
	}
	if c1.l2.Count() == 0 {
		t.Fatalf("expected at least one L2 file before reopening under a new identity")
	}
	c1.Close()

	second := first
	second.Build = "different-build"
	c2, err := Open(Options{Dir: dir, Identity: second})
	if err != nil {
		t.Fatalf("Open (second identity): %v", err)
	}
	defer c2.Close()

	if c2.l2.Count() != 0 {
		t.Fatalf("L2 still has %d files after an identity mismatch, want 0", c2.l2.Count())
	}
	if _, ok := c2.l2.Get(ComputeKey([]byte("a"), "", identityString(first))); ok {
		t.Fatalf("stale L2 entry from the old identity is still servable")
	}
}

func TestL3SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.bin")
	l, err := openL3(path)
	if err != nil {
		t.Fatalf("openL3: %v", err)
	}
	if err := l.Put(Key(42), []byte("hello world")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := openL3(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	b, ok := l2.Get(Key(42))
	if !ok {
		t.Fatalf("record missing after reopen")
	}
	if string(b) != "hello world" {
		t.Fatalf("got %q", b)
	}
}

func TestL3CompactDropsShadowedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.bin")
	l, err := openL3(path)
	if err != nil {
		t.Fatalf("openL3: %v", err)
	}
	defer l.Close()

	if err := l.Put(Key(1), []byte("v1")); err != nil {
		t.Fatalf("Put v1: %v", err)
	}
	if err := l.Put(Key(1), []byte("v2")); err != nil {
		t.Fatalf("Put v2: %v", err)
	}
	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := l.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat after compact: %v", err)
	}
	if after.Size() >= before.Size() {
		t.Fatalf("compact did not shrink the archive: before=%d after=%d", before.Size(), after.Size())
	}
	b, ok := l.Get(Key(1))
	if !ok || string(b) != "v2" {
		t.Fatalf("Get after compact = %q, %v; want \"v2\", true", b, ok)
	}
}

func TestComputeKeyDeterministic(t *testing.T) {
	k1 := ComputeKey([]byte("bytecode"), "opts", "host")
	k2 := ComputeKey([]byte("bytecode"), "opts", "host")
	if k1 != k2 {
		t.Fatalf("ComputeKey not deterministic: %x != %x", k1, k2)
	}
	k3 := ComputeKey([]byte("bytecode"), "opts", "other-host")
	if k1 == k3 {
		t.Fatalf("ComputeKey ignored host identity")
	}
}

func TestCacheCompileErrorNotCached(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Options{Dir: dir, Identity: testIdentity()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	wantErr := errors.New("compile failed")
	_, ok, err := c.Lookup([]byte("bad"), "", func([]byte, string) ([]byte, error) {
		return nil, wantErr
	}, false)
	if ok {
		t.Fatalf("Lookup reported success for a failed compile")
	}
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if c.l1.Len() != 0 {
		t.Fatalf("failed compile was cached in L1")
	}
}
