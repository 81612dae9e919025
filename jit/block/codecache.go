/*
   jit/block - executable code cache (bump allocator).

   Copyright (c) 2024, Richard Cornwell

   Permission is hereby granted, free of charge, to any person obtaining a
   copy of this software and associated documentation files (the "Software"),
   to deal in the Software without restriction, including without limitation
   the rights to use, copy, modify, merge, publish, distribute, sublicense,
   and/or sell copies of the Software, and to permit persons to whom the
   Software is furnished to do so, subject to the following conditions:

   The above copyright notice and this permission notice shall be included in
   all copies or substantial portions of the Software.

   THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
   IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
   FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.  IN NO EVENT SHALL
   RICHARD CORNWELL BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
   IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
   CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
*/

package block

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrCodeCacheFull is returned by Alloc when there is no room for a new
// block and the caller has not yet tried a drain-and-retry.
var ErrCodeCacheFull = errors.New("jit: code cache out of space")

// CodeCache is a single executable host mapping used as a bump allocator.
// Individual blocks are never freed; Reset drops the whole mapping's
// contents at once, which is how a cache drain reclaims space.
type CodeCache struct {
	mu   sync.Mutex
	mem  []byte
	used int

	// writeMu serializes a whole BeginWrite->Alloc->Publish sequence
	// against every other writer (another tier's Compiler, or Drain), so
	// one goroutine's Alloc can never land after a concurrent goroutine
	// has already toggled the mapping back to RX.
	writeMu sync.Mutex
}

// NewCodeCache maps size bytes of RW memory that can be toggled to RX for
// execution. size should be comfortably larger than any single block.
func NewCodeCache(size int) (*CodeCache, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("jit: mmap code cache: %w", err)
	}
	return &CodeCache{mem: mem}, nil
}

// Cap reports the cache's total byte capacity.
func (c *CodeCache) Cap() int { return len(c.mem) }

// Used reports bytes currently allocated.
func (c *CodeCache) Used() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Alloc bump-allocates n bytes and copies code into them, returning a
// pointer to the start of the written region. The caller must call Publish
// afterward to make the region executable and flush the instruction
// cache; Alloc alone only reserves space.
func (c *CodeCache) Alloc(code []uint32) (unsafe.Pointer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(code) * 4
	if c.used+n > len(c.mem) {
		return nil, ErrCodeCacheFull
	}
	off := c.used
	dst := c.mem[off : off+n]
	for i, w := range code {
		dst[4*i+0] = byte(w)
		dst[4*i+1] = byte(w >> 8)
		dst[4*i+2] = byte(w >> 16)
		dst[4*i+3] = byte(w >> 24)
	}
	c.used += n
	return unsafe.Pointer(&c.mem[off]), nil
}

// Publish toggles the whole cache's protection to read+execute and flushes
// the instruction cache over the whole mapping. On ARM64 the instruction-side
// invalidation is mandatory: a core may otherwise execute stale I-cache
// contents for code the D-cache side already sees as written.
func (c *CodeCache) Publish() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := unix.Mprotect(c.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("jit: mprotect code cache rx: %w", err)
	}
	flushInstructionCache(c.mem)
	return nil
}

// BeginWrite toggles the cache back to writable before the next Alloc
// batch; Publish must be called again once writes are flushed. Keeping
// writable and executable mutually exclusive at the mapping level is the
// typed "distinct resource state" redesign the manual-protection pattern
// calls for.
func (c *CodeCache) BeginWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := unix.Mprotect(c.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("jit: mprotect code cache rw: %w", err)
	}
	return nil
}

// Reset drops every byte allocated so far. The memory is not unmapped;
// only the bump pointer moves back to zero. Callers must guarantee no
// executor can still be inside previously allocated code before calling
// this (the Block Cache's retirement-epoch drain provides that guarantee).
func (c *CodeCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.used = 0
}

// Write performs one whole BeginWrite->Alloc->Publish cycle for code under
// writeMu, so a Compiler never has to reason about another tier's Compiler
// (or a concurrent Drain) toggling the mapping's protection mid-write: the
// write+flush sequence for one block is serialized by this lock, held by
// the thread that owns that block's compilation.
func (c *CodeCache) Write(code []uint32) (unsafe.Pointer, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.BeginWrite(); err != nil {
		return nil, err
	}
	ptr, err := c.Alloc(code)
	if err != nil {
		return nil, err
	}
	if err := c.Publish(); err != nil {
		return nil, err
	}
	return ptr, nil
}

// ResetAndPublish clears the bump allocator and republishes the mapping as
// RX, under the same writeMu as Write so a drain can never race an
// in-flight compile's BeginWrite/Alloc/Publish sequence.
func (c *CodeCache) ResetAndPublish() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.BeginWrite(); err != nil {
		return err
	}
	c.Reset()
	return c.Publish()
}

// Close unmaps the cache. Must only be called after every Executor has
// exited; the Memory Window/Code Cache owner outlives all Executors.
func (c *CodeCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mem == nil {
		return nil
	}
	err := unix.Munmap(c.mem)
	c.mem = nil
	return err
}
