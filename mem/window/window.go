/*
   mem/window - guest-address-space-to-host-address-space fastmem mapping.

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

// Package window reserves a single contiguous host mapping that mirrors
// the guest's 32-bit effective-address space byte for byte, so JIT-emitted
// loads and stores can add a guest effective address directly to one base
// register (state.RegMemBase) instead of calling back into Go for every
// access.
package window

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sizeSchedule is tried from the front; a guest address space rarely needs
// the full 4GiB reservation, and on memory-constrained hosts the mapping
// backs off to smaller windows rather than failing outright. Each step
// still covers the guest's real working set for the titles this core
// targets, just with less headroom against an out-of-range access before
// a real page fault would have to be handled the slow way.
var sizeSchedule = []uint64{
	4 * 1024 * 1024 * 1024, // full 32-bit guest space
	2 * 1024 * 1024 * 1024,
	1 * 1024 * 1024 * 1024,
	256 * 1024 * 1024,
}

const pageSize = 4096

// accessFlags is a compact side array of small flag bytes tracked per
// guest page instead of per byte, read on a slow path and never touched
// by JIT-emitted code.
type accessFlags uint8

const (
	flagReferenced accessFlags = 1 << iota
	flagModified
	flagExecutable
)

// ErrOutOfRange reports a guest address outside the mapped window.
var ErrOutOfRange = errors.New("mem/window: guest address out of range")

// Window is the fastmem reservation. Base is the host address JIT code
// adds every guest effective address to; it must never move for the
// lifetime of the Window, since every compiled block has it burned into
// RegMemBase at entry.
type Window struct {
	mu   sync.RWMutex
	mem  []byte
	keys []accessFlags // one entry per guest page
	size uint64
}

// New reserves a window, walking sizeSchedule from the front until an
// anonymous mapping of that size succeeds.
func New() (*Window, error) {
	var lastErr error
	for _, sz := range sizeSchedule {
		mem, err := unix.Mmap(-1, 0, int(sz), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
		if err != nil {
			lastErr = err
			continue
		}
		w := &Window{
			mem:  mem,
			keys: make([]accessFlags, sz/pageSize),
			size: sz,
		}
		return w, nil
	}
	return nil, fmt.Errorf("mem/window: no reservation size in the schedule succeeded, last error: %w", lastErr)
}

// Base returns the host address of guest effective address 0, as the raw
// pointer compiled blocks load into RegMemBase at entry. The returned
// pointer is valid for the lifetime of the Window; it is never retained
// past Close.
func (w *Window) Base() unsafe.Pointer {
	return unsafeBase(w.mem)
}

// Size reports the window's guest-address-space coverage in bytes.
func (w *Window) Size() uint64 { return w.size }

// Translate maps a guest effective address to the corresponding slice of
// host memory, len bytes long, bounds-checked against the window.
func (w *Window) Translate(guestAddr uint64, length int) ([]byte, error) {
	if length < 0 || guestAddr+uint64(length) > w.size || guestAddr+uint64(length) < guestAddr {
		return nil, ErrOutOfRange
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.mem[guestAddr : guestAddr+uint64(length)], nil
}

// SetProtection commits (or decommits) a guest range with the given host
// protection bits, backing pages in lazily the way real guest memory
// allocation/mapping calls would. start/length are rounded out to whole
// pages.
func (w *Window) SetProtection(start uint64, length uint64, prot int) error {
	lo := start &^ (pageSize - 1)
	hi := (start + length + pageSize - 1) &^ (pageSize - 1)
	if hi > w.size {
		return ErrOutOfRange
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := unix.Mprotect(w.mem[lo:hi], prot); err != nil {
		return fmt.Errorf("mem/window: mprotect [%#x,%#x): %w", lo, hi, err)
	}
	if prot&unix.PROT_EXEC != 0 {
		for pg := lo / pageSize; pg < hi/pageSize; pg++ {
			w.keys[pg] |= flagExecutable
		}
	}
	return nil
}

// SetAccessPattern hints the host kernel about how a guest range will be
// used (sequential streaming, random, or soon-needed), pushed down to a
// real madvise call rather than tracked as a software-only flag.
func (w *Window) SetAccessPattern(start, length uint64, pattern int) error {
	lo := start &^ (pageSize - 1)
	hi := (start + length + pageSize - 1) &^ (pageSize - 1)
	if hi > w.size {
		return ErrOutOfRange
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return unix.Madvise(w.mem[lo:hi], pattern)
}

// MarkModified records that guest code or host DMA wrote into a range by
// setting the modified flag of every page it touches. Nothing in this
// package reads that flag back, and it does not itself invalidate anything; callers (the executor, a
// DMA-completion handler) are expected to pair this with
// block.Cache.InvalidateRange over the same range.
func (w *Window) MarkModified(start, length uint64) {
	lo := start / pageSize
	hi := (start + length + pageSize - 1) / pageSize
	w.mu.Lock()
	defer w.mu.Unlock()
	for pg := lo; pg < hi && pg < uint64(len(w.keys)); pg++ {
		w.keys[pg] |= flagModified
	}
}

// WasExecutable reports whether any page in [start, start+length) was
// ever marked executable; used to decide whether a write needs to drive a
// code-cache invalidation at all.
func (w *Window) WasExecutable(start, length uint64) bool {
	lo := start / pageSize
	hi := (start + length + pageSize - 1) / pageSize
	w.mu.RLock()
	defer w.mu.RUnlock()
	for pg := lo; pg < hi && pg < uint64(len(w.keys)); pg++ {
		if w.keys[pg]&flagExecutable != 0 {
			return true
		}
	}
	return false
}

// CopyGuestToGuest copies length bytes within the window, for hosts
// moving large guest buffers (texture uploads, display-list blobs)
// without routing the copy through translated code.
func (w *Window) CopyGuestToGuest(dstGuest, srcGuest uint64, length int) error {
	if length < 0 {
		return ErrOutOfRange
	}
	n := uint64(length)
	if dstGuest+n > w.size || dstGuest+n < dstGuest || srcGuest+n > w.size || srcGuest+n < srcGuest {
		return ErrOutOfRange
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	copy(w.mem[dstGuest:dstGuest+n], w.mem[srcGuest:srcGuest+n])
	return nil
}

// CopyHostToGuest copies src into the window at dstGuest.
func (w *Window) CopyHostToGuest(dstGuest uint64, src []byte) error {
	n := uint64(len(src))
	if dstGuest+n > w.size || dstGuest+n < dstGuest {
		return ErrOutOfRange
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	copy(w.mem[dstGuest:dstGuest+n], src)
	return nil
}

// CopyGuestToHost copies length bytes starting at srcGuest into dst. dst
// is never grown: a dst shorter than length returns ErrOutOfRange.
func (w *Window) CopyGuestToHost(dst []byte, srcGuest uint64, length int) error {
	if length < 0 {
		return ErrOutOfRange
	}
	n := uint64(length)
	if srcGuest+n > w.size || srcGuest+n < srcGuest || len(dst) < length {
		return ErrOutOfRange
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	copy(dst, w.mem[srcGuest:srcGuest+n])
	return nil
}

// Close releases the host mapping. Every Executor using this Window must
// have exited first.
func (w *Window) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mem == nil {
		return nil
	}
	err := unix.Munmap(w.mem)
	w.mem = nil
	return err
}
