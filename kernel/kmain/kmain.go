// Package kmain brings up the memory management subsystems of the simulated
// machine.
package kmain

import (
	"vmcore/config"
	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm/pmm"
	"vmcore/kernel/mm/vmm"
)

var (
	log = kfmt.Module("kmain")

	errInvalidThreshold = &kernel.Error{Module: "kmain", Message: "invalid TLB flush threshold"}
)

// Kmain configures the CPUs described by cfg, hands the platform memory map
// to the frame allocator and sets up the kernel page table.
//
// Kmain can only complete once per process as the frame allocator and the
// vmm refuse to be initialized twice.
func Kmain(cfg *config.Config) *kernel.Error {
	if err := cpu.SetCount(cfg.CPUs); err != nil {
		return err
	}

	if err := vmm.SetTLBFlushThreshold(cfg.TLBFlushThresholdPages); err != nil {
		return errInvalidThreshold
	}

	var err *kernel.Error
	if err = pmm.Init(cfg.MemoryRegions()); err != nil {
		return err
	} else if err = vmm.Init(); err != nil {
		return err
	}

	stats := pmm.GetStats()
	log.Infof("boot complete, cpus: %d, free frames: %d/%d", cpu.Count(), stats.FreeFrames, stats.TotalFrames)
	return nil
}
