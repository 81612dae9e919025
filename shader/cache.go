package shader

import (
	"path/filepath"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rcornwell/ppujit/jit/asyncpool"
)

var (
	hits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ppujit_shader_cache_hits_total",
		Help: "Shader cache hits by tier.",
	}, []string{"tier"})
	misses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppujit_shader_cache_misses_total",
		Help: "Shader cache lookups that found nothing in any tier.",
	})
	compiles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppujit_shader_cache_compiles_total",
		Help: "Shader compiles actually run (not satisfied by any tier).",
	})
)

func init() {
	prometheus.MustRegister(hits, misses, compiles)
}

// Compiler turns guest shader bytecode into host pipeline bytes. It is
// supplied by the graphics backend; the cache never interprets the
// bytes it stores or returns.
type Compiler func(bytecode []byte, options string) ([]byte, error)

// Cache is the three-tier shader artifact cache: an in-process LRU (L1), an on-disk per-artifact directory
// (L2), and an append-only compressed archive (L3), looked up in that
// order with promotion back up on every tier-2/3 hit.
type Cache struct {
	id Identity

	l1 *l1
	l2 *l2
	l3 *l3

	pool *asyncpool.Pool

	mu       sync.Mutex
	inFlight map[Key][]chan result
}

type result struct {
	bytes []byte
	err   error
}

// Options configures a Cache's on-disk footprint and in-process budget.
type Options struct {
	Dir         string
	Identity    Identity
	L1MaxBytes  int
	ArchiveName string // defaults to "archive.bin" under Dir
	Pool        *asyncpool.Pool
}

// Open opens (or initializes) a cache rooted at opts.Dir. An L2 host
// identity mismatch silently discards the stale L2 directory; the L3
// archive is identity-agnostic since the key itself already binds host
// identity (see ComputeKey), so no archive-level discard is needed.
func Open(opts Options) (*Cache, error) {
	if opts.L1MaxBytes <= 0 {
		opts.L1MaxBytes = 64 << 20
	}
	if opts.ArchiveName == "" {
		opts.ArchiveName = "archive.bin"
	}

	l2dir := filepath.Join(opts.Dir, "l2")
	l2t, err := openL2(l2dir, opts.Identity)
	if err != nil {
		return nil, err
	}
	l3t, err := openL3(filepath.Join(opts.Dir, opts.ArchiveName))
	if err != nil {
		return nil, err
	}

	return &Cache{
		id:       opts.Identity,
		l1:       newL1(opts.L1MaxBytes),
		l2:       l2t,
		l3:       l3t,
		pool:     opts.Pool,
		inFlight: make(map[Key][]chan result),
	}, nil
}

// Lookup returns a compiled artifact for (bytecode, options), compiling
// at most once per Key even under concurrent callers: the first caller
// for a cold Key runs compile (or submits it to the async pool, per
// async) while later callers for the same Key wait on the first
// caller's result instead of recompiling: at most one compile ever
// runs per key.
//
// If async is true and the key is not resident in L1/L2/L3, Lookup
// returns (nil, false, nil) immediately and schedules the compile on the
// background pool; a later Lookup call will find it once it lands in
// L1. This is the path the renderer uses so a shader-compile stall never
// blocks a frame: it falls back to a placeholder pipeline for one frame
// instead.
func (c *Cache) Lookup(bytecode []byte, options string, compile Compiler, async bool) ([]byte, bool, error) {
	key := ComputeKey(bytecode, options, identityString(c.id))

	if b, ok := c.l1.Get(key); ok {
		hits.WithLabelValues("l1").Inc()
		return b, true, nil
	}
	if b, ok := c.l2.Get(key); ok {
		hits.WithLabelValues("l2").Inc()
		c.l1.Put(key, b)
		return b, true, nil
	}
	if b, ok := c.l3.Get(key); ok {
		hits.WithLabelValues("l3").Inc()
		c.l1.Put(key, b)
		_ = c.l2.Put(key, b, c.id)
		return b, true, nil
	}

	misses.Inc()

	if async && c.pool != nil {
		c.compileAsync(key, bytecode, options, compile)
		return nil, false, nil
	}

	b, err := c.compileOnce(key, bytecode, options, compile)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// compileOnce runs compile synchronously, but only once per Key: a
// second caller for the same Key while the first is still running waits
// for that first call's result instead of compiling again.
func (c *Cache) compileOnce(key Key, bytecode []byte, options string, compile Compiler) ([]byte, error) {
	c.mu.Lock()
	if waiters, running := c.inFlight[key]; running {
		ch := make(chan result, 1)
		c.inFlight[key] = append(waiters, ch)
		c.mu.Unlock()
		r := <-ch
		return r.bytes, r.err
	}
	c.inFlight[key] = nil
	c.mu.Unlock()

	compiles.Inc()
	b, err := compile(bytecode, options)
	if err == nil {
		c.l1.Put(key, b)
		_ = c.l2.Put(key, b, c.id)
		_ = c.l3.Put(key, b)
	}

	c.mu.Lock()
	waiters := c.inFlight[key]
	delete(c.inFlight, key)
	c.mu.Unlock()
	for _, ch := range waiters {
		ch <- result{bytes: b, err: err}
	}
	return b, err
}

func (c *Cache) compileAsync(key Key, bytecode []byte, options string, compile Compiler) {
	c.mu.Lock()
	if _, running := c.inFlight[key]; running {
		c.mu.Unlock()
		return
	}
	c.inFlight[key] = nil
	c.mu.Unlock()

	submitted := c.pool.Submit(func() {
		compiles.Inc()
		b, err := compile(bytecode, options)
		if err == nil {
			c.l1.Put(key, b)
			_ = c.l2.Put(key, b, c.id)
			_ = c.l3.Put(key, b)
		}
		c.mu.Lock()
		waiters := c.inFlight[key]
		delete(c.inFlight, key)
		c.mu.Unlock()
		for _, ch := range waiters {
			ch <- result{bytes: b, err: err}
		}
	})
	if !submitted {
		// Queue was full: un-mark in-flight so a later Lookup tries again
		// rather than believing a compile is permanently pending.
		c.mu.Lock()
		delete(c.inFlight, key)
		c.mu.Unlock()
	}
}

// Flush consolidates the L3 archive, dropping shadowed records
// accumulated by repeated Puts for the same Key. Called at shutdown.
func (c *Cache) Flush() error {
	return c.l3.Compact()
}

// Close releases the archive file handle. Call after Flush.
func (c *Cache) Close() error {
	return c.l3.Close()
}

// Stats reports tier occupancy for the console's "shaderstats" command.
type Stats struct {
	L1Entries int
	L2Files   int
	L3Records int
}

func (c *Cache) Stats() Stats {
	return Stats{
		L1Entries: c.l1.Len(),
		L2Files:   c.l2.Count(),
		L3Records: c.l3.Len(),
	}
}

func identityString(id Identity) string {
	return id.Build + "|" + id.GPU + "|" + strconv.Itoa(id.Version)
}
