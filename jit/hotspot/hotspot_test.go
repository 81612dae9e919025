package hotspot

import (
	"sync"
	"testing"
	"time"

	"github.com/rcornwell/ppujit/jit/asyncpool"
	"github.com/rcornwell/ppujit/jit/block"
	"github.com/rcornwell/ppujit/jit/translator"
)

type fakeCompiler struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeCompiler) Compile(pc uint64) (*block.Block, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return &block.Block{StartPC: pc, Tier: translator.TierBaseline}, nil
}

type fakeCache struct {
	mu       sync.Mutex
	inserted []*block.Block
}

func (f *fakeCache) Insert(b *block.Block) {
	f.mu.Lock()
	f.inserted = append(f.inserted, b)
	f.mu.Unlock()
}

func (f *fakeCache) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func TestObserveInterpretedSchedulesBaselineAtThreshold(t *testing.T) {
	pool := asyncpool.New(1, 4)
	defer pool.Close()
	cache := &fakeCache{}
	baseline := &fakeCompiler{}
	p := &Promoter{Cache: cache, Baseline: baseline, Pool: pool}

	for i := 0; i < BaselineThreshold; i++ {
		p.ObserveInterpreted(0x1000)
	}

	deadline := time.Now().Add(time.Second)
	for cache.len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if cache.len() != 1 {
		t.Fatalf("cache.len() = %d, want 1", cache.len())
	}
}

func TestObserveSchedulesOptimizingAtThreshold(t *testing.T) {
	pool := asyncpool.New(1, 4)
	defer pool.Close()
	cache := &fakeCache{}
	optimizing := &fakeCompiler{}
	p := &Promoter{Cache: cache, Optimizing: optimizing, Pool: pool}

	blk := &block.Block{StartPC: 0x2000, Tier: translator.TierBaseline}
	for i := uint64(0); i < OptimizingThreshold; i++ {
		p.Observe(blk)
	}

	deadline := time.Now().Add(time.Second)
	for cache.len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if cache.len() != 1 {
		t.Fatalf("cache.len() = %d, want 1", cache.len())
	}
}

func TestObserveDoesNotDoublePromoteOptimizingBlock(t *testing.T) {
	pool := asyncpool.New(1, 4)
	defer pool.Close()
	cache := &fakeCache{}
	optimizing := &fakeCompiler{}
	p := &Promoter{Cache: cache, Optimizing: optimizing, Pool: pool}

	blk := &block.Block{StartPC: 0x3000, Tier: translator.TierOptimizing}
	for i := 0; i < OptimizingThreshold+10; i++ {
		p.Observe(blk)
	}
	time.Sleep(50 * time.Millisecond)
	if cache.len() != 0 {
		t.Fatalf("an already-optimizing block should never be rescheduled, cache.len() = %d", cache.len())
	}
}
