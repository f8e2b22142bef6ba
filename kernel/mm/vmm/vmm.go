// Package vmm implements the virtual memory manager of user address spaces.
package vmm

import (
	"sync/atomic"
	"time"

	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pagetable"
)

// defaultTLBFlushThreshold is the extent at which unmap and protect stop
// flushing individual TLB entries and flush the whole TLB instead.
const defaultTLBFlushThreshold = 32 * mm.PageSize

var (
	// the following functions are mocked by tests.
	flushTLBEntryFn = cpu.FlushTLBEntry
	flushTLBRangeFn = cpu.FlushTLBRange
	flushTLBAllFn   = cpu.FlushTLBAllExcludingGlobal
	activePDTFn     = cpu.ActivePDT

	// kernelPT is the kernel page table installed by Init. User page
	// tables are derived from it.
	kernelPT atomic.Pointer[pagetable.PageTable]

	tlbFlushThreshold atomic.Uintptr

	log = kfmt.Module("vmm")

	// multiCPUWarning is emitted whenever a space is active on more than
	// one CPU; it is rate limited as activation is a hot path.
	multiCPUWarning = kfmt.RateLimited(log, 10*time.Second)

	// ErrAccessDenied is returned when user memory is accessed through a
	// space that is not active on the current CPU or when the accessed
	// range is not part of the user address space.
	ErrAccessDenied = &kernel.Error{Module: "vmm", Message: "access denied"}

	// ErrPageFaultUnhandled is returned when a page fault cannot be
	// resolved by the space's page fault handler.
	ErrPageFaultUnhandled = &kernel.Error{Module: "vmm", Message: "unhandled page fault"}

	// ErrPageFault is returned by user memory readers and writers when they
	// hit a page that is not mapped or does not allow the access.
	ErrPageFault = &kernel.Error{Module: "vmm", Message: "page fault while accessing user memory"}

	errVmmNotInitialized = &kernel.Error{Module: "vmm", Message: "vmm used before initialization"}
	errVmmDoubleInit     = &kernel.Error{Module: "vmm", Message: "vmm initialized twice"}
	errInvalidThreshold  = &kernel.Error{Module: "vmm", Message: "TLB flush threshold must be at least one page"}
	errUntrackedMapping  = &kernel.Error{Module: "vmm", Message: "found untracked memory mapped into a VmSpace"}
	errUnalignedLength   = &kernel.Error{Module: "vmm", Message: "length is not a multiple of the page size"}
)

func init() {
	tlbFlushThreshold.Store(defaultTLBFlushThreshold)
}

// Init creates the kernel page table which all user address spaces are
// derived from. The frame allocator must be initialized before calling Init.
// Calling Init more than once is a fatal error.
func Init() *kernel.Error {
	if kernelPT.Load() != nil {
		kfmt.Panic(errVmmDoubleInit)
	}

	pt, err := pagetable.NewKernel()
	if err != nil {
		return err
	}

	if !kernelPT.CompareAndSwap(nil, pt) {
		pt.Release()
		kfmt.Panic(errVmmDoubleInit)
	}

	log.Infof("kernel page table ready, root: 0x%x", pt.RootPaddr())
	return nil
}

// SetTLBFlushThreshold sets the number of pages at which Unmap and Protect
// switch from per-page TLB invalidation to a full TLB flush.
func SetTLBFlushThreshold(pages int) *kernel.Error {
	if pages < 1 {
		return errInvalidThreshold
	}
	tlbFlushThreshold.Store(uintptr(pages) * mm.PageSize)
	return nil
}

// TLBFlushThreshold returns the current threshold in pages.
func TLBFlushThreshold() int {
	return int(tlbFlushThreshold.Load() / mm.PageSize)
}
