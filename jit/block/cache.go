package block

import (
	"sync"
	"sync/atomic"
)

const pageShift = 12 // guest pages are tracked at 4KiB granularity for invalidation

// Reader is a handle an Executor holds for as long as it may be calling
// into blocks looked up from this Cache. It must be released (via Leave)
// before the goroutine blocks for an unbounded time, and re-acquired (via
// Enter) before the next lookup-and-call — holding it across a call is
// what lets Drain know the goroutine might still be inside retired code.
type Reader struct {
	c    *Cache
	slot int
}

// Enter announces this reader's epoch so a concurrent Drain can tell it
// might be executing code compiled before the epoch advanced. Must be
// balanced by Leave.
func (r *Reader) Enter() {
	e := r.c.epoch.Load()
	r.c.readers[r.slot].Store(e)
}

// Leave retracts the reader's epoch announcement. A parked reader (one
// that has called Leave and not yet called Enter again) never blocks a
// Drain, matching the epoch reclamation scheme used by the page cache's
// entry in most hazard-pointer designs: only active readers count.
func (r *Reader) Leave() {
	r.c.readers[r.slot].Store(parkedEpoch)
}

const parkedEpoch = ^uint64(0)

type retired struct {
	block *Block
	epoch uint64
}

// Cache maps guest start-PC to a compiled Block and tolerates concurrent
// lookup, compile-on-miss insertion, and invalidation from a write that
// lands inside a block's guest range (self-modifying code, or code pages
// the title overwrites as part of its own loader).
type Cache struct {
	mu      sync.RWMutex
	blocks  map[uint64]*Block
	pages   map[uint64]map[uint64]struct{} // guest page number -> set of StartPC
	epoch   atomic.Uint64
	readers []atomic.Uint64
	retireMu sync.Mutex
	retired  []retired
	Code     *CodeCache
}

// New creates an empty Cache backed by the given code cache. maxReaders
// bounds how many concurrent Executors can hold a Reader handle at once;
// it is sized statically because announcing an epoch through a fixed
// array avoids an allocation on every Enter/Leave pair.
func New(code *CodeCache, maxReaders int) *Cache {
	c := &Cache{
		blocks:  make(map[uint64]*Block),
		pages:   make(map[uint64]map[uint64]struct{}),
		readers: make([]atomic.Uint64, maxReaders),
		Code:    code,
	}
	for i := range c.readers {
		c.readers[i].Store(parkedEpoch)
	}
	return c
}

// NewReader hands out a Reader bound to slot i. Callers are expected to
// assign slots out of band (one per Executor, stable for its lifetime);
// the Cache does not itself recycle slots.
func (c *Cache) NewReader(slot int) *Reader {
	return &Reader{c: c, slot: slot}
}

// Lookup returns the block starting at pc, if one is cached.
func (c *Cache) Lookup(pc uint64) (*Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.blocks[pc]
	return b, ok
}

// Insert registers a newly compiled block, replacing any prior block at
// the same StartPC. The replaced block, if any, is queued for retirement
// rather than dropped immediately: a reader that looked it up just before
// the swap may still be inside its code.
func (c *Cache) Insert(b *Block) {
	c.mu.Lock()
	old := c.blocks[b.StartPC]
	c.blocks[b.StartPC] = b
	for pg := pageOf(b.StartPC); pg <= pageOf(b.EndPC-1); pg++ {
		set := c.pages[pg]
		if set == nil {
			set = make(map[uint64]struct{})
			c.pages[pg] = set
		}
		set[b.StartPC] = struct{}{}
	}
	c.mu.Unlock()

	if old != nil {
		c.retire(old)
	}
}

// InvalidateRange drops every block whose guest range overlaps
// [start, end). Used when guest code writes into a page that has already
// been compiled, and when a title unmaps or recycles a code region.
func (c *Cache) InvalidateRange(start, end uint64) {
	c.mu.Lock()
	victims := make(map[uint64]struct{})
	for pg := pageOf(start); pg <= pageOf(end-1); pg++ {
		for pc := range c.pages[pg] {
			victims[pc] = struct{}{}
		}
	}
	var removed []*Block
	for pc := range victims {
		b := c.blocks[pc]
		if b == nil {
			continue
		}
		if b.EndPC <= start || b.StartPC >= end {
			continue
		}
		delete(c.blocks, pc)
		for pg := pageOf(b.StartPC); pg <= pageOf(b.EndPC-1); pg++ {
			delete(c.pages[pg], pc)
		}
		removed = append(removed, b)
	}
	c.mu.Unlock()

	for _, b := range removed {
		c.retire(b)
	}
}

func pageOf(addr uint64) uint64 { return addr >> pageShift }

func (c *Cache) retire(b *Block) {
	e := c.epoch.Add(1)
	c.retireMu.Lock()
	c.retired = append(c.retired, retired{block: b, epoch: e})
	c.retireMu.Unlock()
}

// Reclaimable reports how many retired blocks are old enough that no
// announced reader could still be executing inside them. It does not
// remove them; the caller decides whether that's enough slack to avoid a
// full Drain, or whether to Drain anyway to reclaim code-cache bytes.
func (c *Cache) Reclaimable() int {
	min := c.minReaderEpoch()
	c.retireMu.Lock()
	defer c.retireMu.Unlock()
	n := 0
	for _, r := range c.retired {
		if r.epoch <= min {
			n++
		}
	}
	return n
}

func (c *Cache) minReaderEpoch() uint64 {
	min := c.epoch.Load()
	for i := range c.readers {
		if e := c.readers[i].Load(); e != parkedEpoch && e < min {
			min = e
		}
	}
	return min
}

// Drain clears every cached block and resets the backing code cache. It
// must only be called once every active Reader's announced epoch has
// caught up past all outstanding retirements; callers typically poll
// Reclaimable/pending readers, or do this from a quiescent point (e.g.
// between guest frames) where no Executor holds an entered Reader.
func (c *Cache) Drain() error {
	c.mu.Lock()
	c.blocks = make(map[uint64]*Block)
	c.pages = make(map[uint64]map[uint64]struct{})
	c.mu.Unlock()

	c.retireMu.Lock()
	c.retired = nil
	c.retireMu.Unlock()

	return c.Code.ResetAndPublish()
}

// Len reports the number of live cached blocks.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}
