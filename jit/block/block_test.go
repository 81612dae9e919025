package block

import (
	"encoding/binary"
	"testing"

	"github.com/rcornwell/ppujit/jit/translator"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	cc, err := NewCodeCache(1 << 16)
	if err != nil {
		t.Fatalf("NewCodeCache: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close() })
	return New(cc, 4)
}

func straightLineProgram() []byte {
	// addi r1, r1, 16 ; sc
	words := []uint32{0x38210010, 0x44000002}
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.BigEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}

func fetcherFor(mem []byte, base uint64) Fetcher {
	return func(pc uint64) (uint32, error) {
		off := pc - base
		return binary.BigEndian.Uint32(mem[off : off+4]), nil
	}
}

func TestCompileStopsAtBlockTerminator(t *testing.T) {
	mem := straightLineProgram()
	cc, err := NewCodeCache(1 << 16)
	if err != nil {
		t.Fatalf("NewCodeCache: %v", err)
	}
	defer cc.Close()

	comp := &Compiler{
		Translator: &translator.Translator{Tier: translator.TierBaseline},
		Code:       cc,
		Fetch:      fetcherFor(mem, 0x1000),
	}
	if err := cc.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	blk, err := comp.Compile(0x1000)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if blk.StartPC != 0x1000 {
		t.Errorf("StartPC = %#x, want 0x1000", blk.StartPC)
	}
	if blk.EndPC != 0x1008 {
		t.Errorf("EndPC = %#x, want 0x1008 (two instructions)", blk.EndPC)
	}
	if blk.NumWords == 0 {
		t.Fatal("no host code produced")
	}
}

func TestCacheInsertLookupAndInvalidate(t *testing.T) {
	c := newTestCache(t)
	b := &Block{StartPC: 0x2000, EndPC: 0x2008}
	c.Insert(b)

	got, ok := c.Lookup(0x2000)
	if !ok || got != b {
		t.Fatalf("Lookup after Insert failed")
	}

	c.InvalidateRange(0x2000, 0x2004)
	if _, ok := c.Lookup(0x2000); ok {
		t.Fatal("block survived an overlapping invalidation")
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after invalidation", c.Len())
	}
}

func TestCacheInsertReplacesAndRetiresOldBlock(t *testing.T) {
	c := newTestCache(t)
	first := &Block{StartPC: 0x3000, EndPC: 0x3004}
	second := &Block{StartPC: 0x3000, EndPC: 0x3004}

	c.Insert(first)
	c.Insert(second)

	got, ok := c.Lookup(0x3000)
	if !ok || got != second {
		t.Fatalf("Lookup did not return the latest insert")
	}
	if c.Reclaimable() == 0 {
		t.Errorf("replaced block should be retired and eventually reclaimable")
	}
}

func TestReaderEnterLeaveDoesNotBlockReclaim(t *testing.T) {
	c := newTestCache(t)
	r := c.NewReader(0)
	r.Enter()
	r.Leave()

	b := &Block{StartPC: 0x4000, EndPC: 0x4004}
	c.Insert(b)
	c.Insert(&Block{StartPC: 0x4000, EndPC: 0x4004})

	if c.Reclaimable() == 0 {
		t.Errorf("a parked reader must not prevent reclamation")
	}
}

func TestDrainResetsCache(t *testing.T) {
	c := newTestCache(t)
	c.Insert(&Block{StartPC: 0x5000, EndPC: 0x5004})
	if err := c.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len after Drain = %d, want 0", c.Len())
	}
	if c.Code.Used() != 0 {
		t.Errorf("code cache still has bytes used after Drain")
	}
}
