// Package cpu models the architecture layer consumed by the memory manager:
// CPU identification, the per-CPU root page table register, TLB invalidation
// primitives and preemption control.
//
// The kernel runs hosted, so the registers are simulated. Every flush is
// counted per CPU which allows callers and tests to observe the TLB policy of
// the memory manager.
//
// A calling context runs on a CPU while it holds the guard returned by
// DisablePreempt for it. Register accessors take the CPU explicitly; callers
// pass the CPU pinned by their guard.
package cpu

import (
	gosync "sync"
	"sync/atomic"

	"vmcore/kernel"
)

// MaxCPUs is the maximum number of CPUs supported by the kernel.
const MaxCPUs = 64

// ID identifies a CPU. Valid IDs are in the range [0, Count()).
type ID uint32

type perCPU struct {
	// preempt is held for as long as preemption is disabled on this CPU.
	preempt gosync.Mutex

	// root holds the physical address of the active root page table.
	root atomic.Uintptr

	entryFlushes atomic.Uint64
	rangeFlushes atomic.Uint64
	fullFlushes  atomic.Uint64
	pdtSwitches  atomic.Uint64
}

var (
	cpus  [MaxCPUs]perCPU
	count atomic.Uint32

	errInvalidCPUCount = &kernel.Error{Module: "cpu", Message: "cpu count must be between 1 and MaxCPUs"}
	errInvalidCPUID    = &kernel.Error{Module: "cpu", Message: "cpu id out of range"}
)

func init() {
	count.Store(1)
}

// SetCount sets the number of online CPUs.
func SetCount(n int) *kernel.Error {
	if n < 1 || n > MaxCPUs {
		return errInvalidCPUCount
	}
	count.Store(uint32(n))
	return nil
}

// Count returns the number of online CPUs.
func Count() int {
	return int(count.Load())
}

// ActivePDT returns the physical address of the root page table that is
// active on the given CPU. A zero value means that no table was ever
// activated.
func ActivePDT(id ID) uintptr {
	return cpus[id].root.Load()
}

// SwitchPDT sets the root page table register of the given CPU to the
// specified physical address. Like writing CR3, this flushes every
// non-global TLB entry of that CPU.
func SwitchPDT(id ID, pdtPhysAddr uintptr) {
	c := &cpus[id]
	c.root.Store(pdtPhysAddr)
	c.pdtSwitches.Add(1)
	c.fullFlushes.Add(1)
}

// FlushTLBEntry flushes the TLB entry for a particular virtual address on
// the given CPU.
func FlushTLBEntry(id ID, virtAddr uintptr) {
	cpus[id].entryFlushes.Add(1)
}

// FlushTLBRange flushes the TLB entries covering [start, end) on the given
// CPU.
func FlushTLBRange(id ID, start, end uintptr) {
	if start >= end {
		return
	}
	cpus[id].rangeFlushes.Add(1)
}

// FlushTLBAllExcludingGlobal flushes every TLB entry of the given CPU except
// the ones for global (kernel) pages.
func FlushTLBAllExcludingGlobal(id ID) {
	cpus[id].fullFlushes.Add(1)
}

// TLBStats contains the TLB maintenance counters of one CPU.
type TLBStats struct {
	EntryFlushes uint64
	RangeFlushes uint64
	FullFlushes  uint64
	PDTSwitches  uint64
}

// Stats returns the TLB maintenance counters for the given CPU.
func Stats(id ID) TLBStats {
	c := &cpus[id]
	return TLBStats{
		EntryFlushes: c.entryFlushes.Load(),
		RangeFlushes: c.rangeFlushes.Load(),
		FullFlushes:  c.fullFlushes.Load(),
		PDTSwitches:  c.pdtSwitches.Load(),
	}
}

// ResetStats clears the TLB maintenance counters of every CPU.
func ResetStats() {
	for i := range cpus {
		cpus[i].entryFlushes.Store(0)
		cpus[i].rangeFlushes.Store(0)
		cpus[i].fullFlushes.Store(0)
		cpus[i].pdtSwitches.Store(0)
	}
}
