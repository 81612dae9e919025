/*
   core - runtime that ties the translator, block cache, memory window,
   hotspot promoter and shader cache together into one addressable object.

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

// Package core is the single object the console and the top-level command
// wire everything through: one struct the command layer and the main loop
// both hold a pointer to, instead of a pile of package-level globals.
package core

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/rcornwell/ppujit/jit/asyncpool"
	"github.com/rcornwell/ppujit/jit/block"
	"github.com/rcornwell/ppujit/jit/hotspot"
	"github.com/rcornwell/ppujit/jit/translator"
	"github.com/rcornwell/ppujit/mem/window"
	"github.com/rcornwell/ppujit/ppu/decoder"
	"github.com/rcornwell/ppujit/ppu/interp"
	"github.com/rcornwell/ppujit/ppu/state"
	"github.com/rcornwell/ppujit/shader"
)

// guestMainMemoryBytes is how much of the window is committed read/write
// at startup: the guest's main RAM. GPU-visible memory and MMIO-like
// ranges are committed later by whoever models them, through
// Window.SetProtection.
const guestMainMemoryBytes = 256 << 20

// Options configures a Core at startup.
type Options struct {
	CodeCacheBytes int
	MaxReaders     int
	Log            *slog.Logger
	Shader         *shader.Options // nil disables the shader cache
}

// Core owns every long-lived subsystem: the guest memory window, the
// block cache and its backing code cache, the hotspot promoter, the
// async compile pool, and (optionally) the shader artifact cache.
type Core struct {
	Log *slog.Logger

	Mem   *window.Window
	Code  *block.CodeCache
	Cache *block.Cache

	Baseline   *block.Compiler
	Optimizing *block.Compiler

	Pool     *asyncpool.Pool
	Promoter *hotspot.Promoter
	Shader   *shader.Cache

	CPU *state.CPU

	running atomic.Bool
}

// New stands up every subsystem. The caller is responsible for calling
// Close once every Executor using the returned Core has stopped.
func New(opts Options) (*Core, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.CodeCacheBytes == 0 {
		opts.CodeCacheBytes = 64 << 20
	}
	if opts.MaxReaders == 0 {
		opts.MaxReaders = 8
	}

	mem, err := window.New()
	if err != nil {
		return nil, fmt.Errorf("core: memory window: %w", err)
	}
	// Commit the guest's main memory read/write up front; the rest of the
	// reservation stays inaccessible so a stray guest pointer faults
	// instead of silently reading zeroes.
	commit := uint64(guestMainMemoryBytes)
	if commit > mem.Size() {
		commit = mem.Size()
	}
	if err := mem.SetProtection(0, commit, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		mem.Close()
		return nil, fmt.Errorf("core: commit guest main memory: %w", err)
	}
	code, err := block.NewCodeCache(opts.CodeCacheBytes)
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("core: code cache: %w", err)
	}
	cache := block.New(code, opts.MaxReaders)

	fetch := func(pc uint64) (uint32, error) {
		b, err := mem.Translate(pc, 4)
		if err != nil {
			return 0, err
		}
		return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
	}

	baseline := &block.Compiler{
		Translator: &translator.Translator{Tier: translator.TierBaseline},
		Code:       code,
		Fetch:      fetch,
	}
	optimizing := &block.Compiler{
		Translator: &translator.Translator{Tier: translator.TierOptimizing},
		Code:       code,
		Fetch:      fetch,
	}

	pool := asyncpool.New(4, 256)

	promoter := &hotspot.Promoter{
		Cache:      cache,
		Baseline:   baseline,
		Optimizing: optimizing,
		Pool:       pool,
		Log:        opts.Log,
	}

	var sc *shader.Cache
	if opts.Shader != nil {
		sc, err = shader.Open(*opts.Shader)
		if err != nil {
			code.Close()
			mem.Close()
			pool.Close()
			return nil, fmt.Errorf("core: shader cache: %w", err)
		}
	}

	return &Core{
		Log:        opts.Log,
		Mem:        mem,
		Code:       code,
		Cache:      cache,
		Baseline:   baseline,
		Optimizing: optimizing,
		Pool:       pool,
		Promoter:   promoter,
		Shader:     sc,
		CPU:        &state.CPU{},
	}, nil
}

// IsRunning reports whether SendStart has been called more recently than
// SendStop.
func (c *Core) IsRunning() bool { return c.running.Load() }

// SendStart marks the guest CPU runnable. The actual execution loop lives
// in the Executor this package does not itself implement; Core only
// tracks the flag the console's stop/start/continue commands toggle.
func (c *Core) SendStart() { c.running.Store(true) }

// SendStop marks the guest CPU halted.
func (c *Core) SendStop() { c.running.Store(false) }

// DecodeAt decodes the guest instruction at pc without executing it, for
// the console's disassemble command.
func (c *Core) DecodeAt(pc uint64) (decoder.Decoded, error) {
	b, err := c.Mem.Translate(pc, 4)
	if err != nil {
		return decoder.Decoded{}, err
	}
	word := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return decoder.Decode(word, pc), nil
}

// StepInterpreted executes exactly one guest instruction through the
// tier-0 interpreter, used by the console's step command and by
// interp.Forced() callers that never enter the JIT at all.
func (c *Core) StepInterpreted() error {
	b, err := c.Mem.Translate(c.CPU.PC, 4)
	if err != nil {
		return err
	}
	word := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	next, err := interp.Step(c.CPU, c.Mem, word, c.Promoter)
	if err != nil {
		return err
	}
	c.CPU.PC = next
	return nil
}

// Drain forces a full block-cache drain, for the console's "drain" command.
func (c *Core) Drain() error { return c.Cache.Drain() }

// Close releases every subsystem. The Pool is closed first so no
// in-flight compile touches the code cache after it is unmapped.
func (c *Core) Close() error {
	c.Pool.Close()
	if c.Shader != nil {
		if err := c.Shader.Flush(); err != nil {
			c.Log.Warn("shader cache flush failed", "err", err)
		}
		c.Shader.Close()
	}
	if err := c.Code.Close(); err != nil {
		return err
	}
	return c.Mem.Close()
}
