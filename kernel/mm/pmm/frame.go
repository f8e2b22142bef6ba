package pmm

import (
	"io"
	"sync/atomic"

	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
)

// FrameFlag describes a property of a VmFrame.
type FrameFlag uint8

const (
	// FlagNeedDealloc is set on frames that must be returned to the
	// frame allocator when their last reference is released.
	FlagNeedDealloc FrameFlag = 1 << iota
)

var (
	errFrameRefUnderflow   = &kernel.Error{Module: "pmm", Message: "frame reference count decremented below zero"}
	errFrameUseAfterFree   = &kernel.Error{Module: "pmm", Message: "reference taken on a released frame"}
	errFrameOutsideRegions = &kernel.Error{Module: "pmm", Message: "physical address does not belong to a usable region"}
)

// VmFrame is a handle to one physical page frame. Handles are reference
// counted: the allocator returns a frame holding a single reference and each
// additional owner (e.g. an address space sharing the frame after a
// copy-on-write fork) takes its own reference with IncRef. A frame is
// exclusively owned when ReadRefs returns 1.
//
// When the last reference is dropped via DecRef and FlagNeedDealloc is set,
// the frame index is handed back to the frame allocator.
type VmFrame struct {
	paddr uintptr
	flags FrameFlag
	refs  atomic.Int64
}

func newVmFrame(paddr uintptr, flags FrameFlag) *VmFrame {
	f := &VmFrame{paddr: paddr, flags: flags}
	f.refs.Store(1)
	return f
}

// PhysAddr returns the page-aligned physical address of the frame.
func (f *VmFrame) PhysAddr() uintptr {
	return f.paddr
}

// Frame returns the frame index.
func (f *VmFrame) Frame() mm.Frame {
	return mm.FrameFromAddress(f.paddr)
}

// Size returns the frame size in bytes.
func (f *VmFrame) Size() uintptr {
	return mm.PageSize
}

// Flags returns the frame flags.
func (f *VmFrame) Flags() FrameFlag {
	return f.flags
}

// ReadRefs returns the current number of references to the frame.
func (f *VmFrame) ReadRefs() int64 {
	return f.refs.Load()
}

// IncRef takes an additional reference to the frame. Taking a reference on
// a frame whose count already dropped to zero is fatal.
func (f *VmFrame) IncRef() {
	for {
		refs := f.refs.Load()
		if refs <= 0 {
			kfmt.Panic(errFrameUseAfterFree)
		}
		if f.refs.CompareAndSwap(refs, refs+1) {
			return
		}
	}
}

// DecRef releases a reference to the frame.
func (f *VmFrame) DecRef() {
	switch refs := f.refs.Add(-1); {
	case refs < 0:
		kfmt.Panic(errFrameRefUnderflow)
	case refs == 0 && f.flags&FlagNeedDealloc != 0:
		Dealloc(f.Frame())
	}
}

// Zero clears the frame contents.
func (f *VmFrame) Zero() {
	clear(get().mem.frameBytes(f.paddr))
}

// ReadAt implements io.ReaderAt over the frame contents.
func (f *VmFrame) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(mm.PageSize) {
		return 0, io.EOF
	}

	n := copy(p, get().mem.frameBytes(f.paddr)[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt over the frame contents.
func (f *VmFrame) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(mm.PageSize) {
		return 0, io.ErrShortWrite
	}

	n := copy(get().mem.frameBytes(f.paddr)[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// CopyFrom overwrites the frame contents with the contents of src.
func (f *VmFrame) CopyFrom(src *VmFrame) {
	pm := get().mem
	copy(pm.frameBytes(f.paddr), pm.frameBytes(src.paddr))
}
