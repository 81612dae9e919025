/*
   jit/asyncpool - bounded worker pool for background block/shader compiles.

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

// Package asyncpool runs promotion and shader-compile jobs on a small,
// fixed worker pool so a hotspot promotion or a shader-pipeline build
// never blocks the Executor goroutine that noticed the need for one.
package asyncpool

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobsQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppujit_asyncpool_jobs_queued_total",
		Help: "Jobs submitted to the async compile pool.",
	})
	jobsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppujit_asyncpool_jobs_dropped_total",
		Help: "Jobs dropped because the queue was full.",
	})
	jobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppujit_asyncpool_jobs_completed_total",
		Help: "Jobs that finished running.",
	})
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ppujit_asyncpool_queue_depth",
		Help: "Jobs currently waiting in the queue.",
	})
)

func init() {
	prometheus.MustRegister(jobsQueued, jobsDropped, jobsCompleted, queueDepth)
}

// Job is a unit of background compilation work.
type Job func()

// Pool is a fixed-size worker pool with a bounded job queue. A full queue
// drops the job rather than blocking the submitter: a missed promotion or
// shader precompile just means the interpreter or a placeholder pipeline
// keeps running a little longer, which is always safe.
type Pool struct {
	jobs chan Job
	wg   sync.WaitGroup
}

// New starts workers goroutines pulling from a queue capacity deep.
func New(workers, capacity int) *Pool {
	p := &Pool{jobs: make(chan Job, capacity)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for job := range p.jobs {
		queueDepth.Dec()
		job()
		jobsCompleted.Inc()
	}
}

// Submit enqueues job, returning false without blocking if the queue is
// full.
func (p *Pool) Submit(job Job) bool {
	jobsQueued.Inc()
	select {
	case p.jobs <- job:
		queueDepth.Inc()
		return true
	default:
		jobsDropped.Inc()
		return false
	}
}

// Close stops accepting new jobs and waits for in-flight ones to finish.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
