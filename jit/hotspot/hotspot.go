/*
   jit/hotspot - execution-count-driven tier promotion.

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

// Package hotspot watches per-block execution counts and schedules
// recompilation at a higher tier once a block crosses a threshold. The
// promotion itself always happens off the executor's hot path, on the
// asyncpool worker pool; the executor only ever does an atomic counter
// bump and a cheap threshold comparison.
package hotspot

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rcornwell/ppujit/jit/asyncpool"
	"github.com/rcornwell/ppujit/jit/block"
	"github.com/rcornwell/ppujit/jit/translator"
)

// Promotion thresholds: interpreter->baseline at 32 executions,
// baseline->optimizing at 4096.
const (
	BaselineThreshold   = 32
	OptimizingThreshold = 4096
)

var promotions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "ppujit_hotspot_promotions_total",
	Help: "Blocks promoted to a higher compilation tier, by target tier.",
}, []string{"tier"})

func init() {
	prometheus.MustRegister(promotions)
}

// Compiler is the subset of jit/block.Compiler the promoter needs; kept
// as an interface so tests can substitute a fake without standing up a
// real code cache.
type Compiler interface {
	Compile(pc uint64) (*block.Block, error)
}

// Cache is the subset of jit/block.Cache the promoter needs to publish a
// recompiled block in place of the one it is replacing.
type Cache interface {
	Insert(b *block.Block)
}

// Promoter ties a Cache, a set of tiered Compilers, and an asyncpool
// together. Two counters feed it: interpreted-PC execution counts (no
// Block exists yet, tracked by guest address alone) and compiled-Block
// execution counts (tracked on the Block itself). Either can cross a
// threshold and schedule a recompile job at the next tier up.
type Promoter struct {
	Cache      Cache
	Baseline   Compiler
	Optimizing Compiler
	Pool       *asyncpool.Pool
	Log        *slog.Logger

	mu          sync.Mutex
	inFlight    map[uint64]struct{}
	interpExecs map[uint64]uint64
}

// ObserveInterpreted records one tier-0 interpreter execution of the
// guest instruction at pc, and schedules a baseline compile once it
// crosses BaselineThreshold.
func (p *Promoter) ObserveInterpreted(pc uint64) {
	p.mu.Lock()
	if p.interpExecs == nil {
		p.interpExecs = make(map[uint64]uint64)
	}
	p.interpExecs[pc]++
	n := p.interpExecs[pc]
	p.mu.Unlock()

	if n == BaselineThreshold {
		p.schedule(pc, translator.TierBaseline, p.Baseline)
	}
}

// Observe bumps blk's execution counter and, if it just crossed the
// optimizing-tier threshold, submits a background recompile. A block
// already queued for promotion is not queued twice.
func (p *Promoter) Observe(blk *block.Block) {
	blk.AddExec()
	if blk.Tier == translator.TierBaseline && blk.Execs() == OptimizingThreshold {
		p.schedule(blk.StartPC, translator.TierOptimizing, p.Optimizing)
	}
}

func (p *Promoter) schedule(pc uint64, target translator.Tier, compiler Compiler) {
	if compiler == nil {
		return
	}

	p.mu.Lock()
	if p.inFlight == nil {
		p.inFlight = make(map[uint64]struct{})
	}
	if _, busy := p.inFlight[pc]; busy {
		p.mu.Unlock()
		return
	}
	p.inFlight[pc] = struct{}{}
	p.mu.Unlock()

	clearInFlight := func() {
		p.mu.Lock()
		delete(p.inFlight, pc)
		p.mu.Unlock()
	}
	submitted := p.Pool.Submit(func() {
		defer clearInFlight()
		nb, err := compiler.Compile(pc)
		if err != nil {
			if p.Log != nil {
				p.Log.Warn("hotspot promotion failed", "pc", pc, "err", err)
			}
			return
		}
		p.Cache.Insert(nb)
		promotions.WithLabelValues(tierLabel(target)).Inc()
	})
	if !submitted {
		clearInFlight()
	}
}

func tierLabel(t translator.Tier) string {
	switch t {
	case translator.TierOptimizing:
		return "optimizing"
	default:
		return "baseline"
	}
}
