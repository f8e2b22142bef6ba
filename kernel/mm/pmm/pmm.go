// Package pmm implements the kernel's physical memory manager: a process-wide
// buddy allocator for page frames and the reference-counted handles used to
// own them.
package pmm

import (
	"sort"
	"sync/atomic"

	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/sync"
)

var (
	// frameAllocator is installed exactly once by Init.
	frameAllocator atomic.Pointer[allocator]

	errAllocatorNotInitialized = &kernel.Error{Module: "pmm", Message: "frame allocator used before initialization"}
	errAllocatorDoubleInit     = &kernel.Error{Module: "pmm", Message: "frame allocator initialized twice"}
	errUnalignedRegion         = &kernel.Error{Module: "pmm", Message: "usable memory region is not page-aligned"}
	errOverlappingRegions      = &kernel.Error{Module: "pmm", Message: "usable memory regions overlap"}

	log = kfmt.Module("pmm")
)

// allocator couples the buddy free lists with the physical memory backing
// store. The buddy state is only touched while holding lock.
type allocator struct {
	lock  sync.Spinlock
	buddy *buddyAllocator
	mem   *physMem
}

// Stats describes the frame allocator's occupancy.
type Stats struct {
	TotalFrames uint64
	FreeFrames  uint64
}

// Init sets up the process-wide frame allocator using the usable regions
// from the platform memory map. Both the base and the length of every usable
// region must be page-aligned and no two usable regions may overlap.
//
// Init must be called exactly once before any allocation; calling it again is
// a fatal error.
func Init(regions []mm.MemoryRegion) *kernel.Error {
	if frameAllocator.Load() != nil {
		kfmt.Panic(errAllocatorDoubleInit)
	}

	var usable []mm.MemoryRegion
	for _, region := range regions {
		if region.Type != mm.MemUsable {
			continue
		}

		if !mm.IsPageAligned(uintptr(region.Base)) || !mm.IsPageAligned(uintptr(region.Length)) {
			kfmt.Panic(errUnalignedRegion)
		}
		if region.Length != 0 {
			usable = append(usable, region)
		}
	}

	// Frames in an overlap would be handed out twice.
	sort.Slice(usable, func(i, j int) bool { return usable[i].Base < usable[j].Base })
	for i := 1; i < len(usable); i++ {
		if usable[i].Base < usable[i-1].End() {
			kfmt.Panic(errOverlappingRegions)
		}
	}

	buddy := newBuddyAllocator()
	for _, region := range usable {
		start := uintptr(region.Base) >> mm.PageShift
		buddy.addFrames(start, start+uintptr(region.Length)>>mm.PageShift)
		log.Infof("found usable region, start: 0x%x, end: 0x%x", region.Base, region.End())
	}

	pm, err := mapPhysMem(regions)
	if err != nil {
		return err
	}

	if !frameAllocator.CompareAndSwap(nil, &allocator{buddy: buddy, mem: pm}) {
		pm.unmap()
		kfmt.Panic(errAllocatorDoubleInit)
	}

	log.Infof("frame allocator ready, frames: %d", buddy.totalFrames)
	return nil
}

// Initialized returns true if Init has completed.
func Initialized() bool {
	return frameAllocator.Load() != nil
}

// get returns the installed allocator. Using the allocator before Init is a
// fatal error.
func get() *allocator {
	alloc := frameAllocator.Load()
	if alloc == nil {
		kfmt.Panic(errAllocatorNotInitialized)
	}
	return alloc
}

// Alloc reserves a single frame. It returns nil if no memory is available.
func Alloc() *VmFrame {
	alloc := get()

	alloc.lock.Acquire()
	index, ok := alloc.buddy.alloc(1)
	alloc.lock.Release()

	if !ok {
		return nil
	}
	return newVmFrame(mm.Frame(index).Address(), FlagNeedDealloc)
}

// AllocContinuous reserves count physically contiguous frames as a single
// request. The returned frames have strictly increasing physical addresses
// one page apart. Either all frames are granted or nil is returned.
func AllocContinuous(count int) []*VmFrame {
	if count <= 0 {
		return nil
	}

	alloc := get()

	alloc.lock.Acquire()
	start, ok := alloc.buddy.alloc(uintptr(count))
	alloc.lock.Release()

	if !ok {
		return nil
	}

	frames := make([]*VmFrame, count)
	for i := range frames {
		frames[i] = newVmFrame(mm.Frame(start+uintptr(i)).Address(), FlagNeedDealloc)
	}
	return frames
}

// AllocZero behaves like Alloc but guarantees that the contents of the
// returned frame are zeroed so no data from a previous owner leaks.
func AllocZero() *VmFrame {
	frame := Alloc()
	if frame == nil {
		return nil
	}
	frame.Zero()
	return frame
}

// Dealloc returns a single frame to the allocator.
//
// The caller must guarantee that the frame was previously allocated and has
// not been released yet. Frame handles uphold this by calling Dealloc only
// when their last reference is dropped.
func Dealloc(index mm.Frame) {
	alloc := get()

	alloc.lock.Acquire()
	alloc.buddy.dealloc(uintptr(index))
	alloc.lock.Release()
}

// GetStats returns a snapshot of the allocator occupancy.
func GetStats() Stats {
	alloc := get()

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return Stats{
		TotalFrames: alloc.buddy.totalFrames,
		FreeFrames:  alloc.buddy.freeFrames(),
	}
}
