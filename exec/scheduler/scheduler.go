/*
   exec/scheduler - best-effort CPU affinity and priority requests.

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

// Package scheduler classifies host CPUs into a "highest capability",
// "performance-class" and "efficiency-class" set by reading each CPU's
// maximum cpufreq scaling frequency (the standard way to tell a
// big.LITTLE/DynamIQ mobile SoC's big cores from its little ones without
// a vendor-specific API) and requests affinity/priority for the
// Executor, translator worker, and background threads accordingly.
// Every request here is advisory: a failure to pin or to acquire a
// real-time scheduling class is logged and ignored, never fatal.
package scheduler

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// cpuFreq pairs a CPU index with its maximum scaling frequency in kHz, 0
// if it could not be read.
type cpuFreq struct {
	cpu  int
	freq int
}

// Topology is the result of classifying the host's CPUs.
type Topology struct {
	Highest     int   // single highest-capability CPU
	Performance []int // "big" CPUs, including Highest
	Efficiency  []int // remaining "little" CPUs
}

const cpuSysfsGlob = "/sys/devices/system/cpu/cpu[0-9]*/cpufreq/cpuinfo_max_freq"

// Detect reads cpufreq sysfs to rank every online CPU by its maximum
// frequency. On a host with uniform cores every CPU lands in Performance
// and Efficiency is empty — this is not treated as an error, since pinning
// a uniform host to "the fast cores" degrades gracefully to "all cores."
// With no cpufreq sysfs at all, as under most containers, Detect returns
// the zero Topology: both sets are empty and Highest is 0.
func Detect() Topology {
	paths, _ := filepath.Glob(cpuSysfsGlob)
	var freqs []cpuFreq
	for _, p := range paths {
		cpu := parseCPUIndex(p)
		if cpu < 0 {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			freqs = append(freqs, cpuFreq{cpu: cpu, freq: 0})
			continue
		}
		f, _ := strconv.Atoi(strings.TrimSpace(string(b)))
		freqs = append(freqs, cpuFreq{cpu: cpu, freq: f})
	}
	if len(freqs) == 0 {
		return Topology{}
	}

	sort.Slice(freqs, func(i, j int) bool { return freqs[i].freq > freqs[j].freq })
	top := Topology{Highest: freqs[0].cpu}

	maxFreq := freqs[0].freq
	for _, f := range freqs {
		// A CPU within 10% of the fastest core's frequency is classified
		// "performance"; everything slower is "efficiency." On a uniform
		// host every CPU is within 10% of itself, so all land in
		// Performance and Efficiency stays empty.
		if maxFreq == 0 || f.freq*10 >= maxFreq*9 {
			top.Performance = append(top.Performance, f.cpu)
		} else {
			top.Efficiency = append(top.Efficiency, f.cpu)
		}
	}
	return top
}

func parseCPUIndex(path string) int {
	dir := filepath.Base(filepath.Dir(filepath.Dir(path))) // .../cpuN/cpufreq/... -> cpuN
	n, err := strconv.Atoi(strings.TrimPrefix(dir, "cpu"))
	if err != nil {
		return -1
	}
	return n
}

// PinExecutor pins the calling OS thread to the single highest-capability
// CPU and requests the SCHED_FIFO real-time class at the highest
// priority that class allows. Callers must have already called
// runtime.LockOSThread(): an affinity/scheduling-class request that lands
// on the wrong OS thread after a Go scheduler migration is silently
// useless, so this is the caller's responsibility, not this package's.
func PinExecutor(log *slog.Logger, topo Topology) {
	pinTo(log, "executor", []int{topo.Highest})

	attr := &unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: rtPriority,
	}
	if err := unix.SchedSetAttr(0, attr, 0); err != nil {
		log.Warn("scheduler: could not acquire real-time class for executor thread", "err", err)
	}
}

// rtPriority is the SCHED_FIFO priority requested for the executor
// thread: the Linux maximum for that class.
const rtPriority = 99

// PinWorker pins the calling OS thread to the performance-class CPU set.
func PinWorker(log *slog.Logger, topo Topology) {
	pinTo(log, "worker", topo.Performance)
}

// PinBackground pins the calling OS thread to the efficiency-class CPU
// set (falling back to performance-class CPUs on a host with no
// distinguishable little cores).
func PinBackground(log *slog.Logger, topo Topology) {
	set := topo.Efficiency
	if len(set) == 0 {
		set = topo.Performance
	}
	pinTo(log, "background", set)
}

func pinTo(log *slog.Logger, role string, cpus []int) {
	if len(cpus) == 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		log.Warn("scheduler: could not set CPU affinity", "role", role, "cpus", cpus, "err", err)
	}
}
