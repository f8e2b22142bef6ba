package vmm

import (
	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pagetable"
	"vmcore/kernel/mm/pmm"
)

// VmItemKind describes the state of a slot in a VmSpace.
type VmItemKind uint8

const (
	// NotMapped slots have no translation.
	NotMapped VmItemKind = iota

	// Mapped slots translate to a frame.
	Mapped
)

func (k VmItemKind) String() string {
	if k == Mapped {
		return "mapped"
	}
	return "not-mapped"
}

// VmItem is the result of querying a cursor.
//
// For NotMapped items Len is the length of the unmapped gap starting at VA.
// For Mapped items Frame and Prop describe the mapping; the frame handle is
// only guaranteed to stay mapped while the cursor that returned it is alive.
type VmItem struct {
	Kind  VmItemKind
	VA    uintptr
	Len   uintptr
	Frame *pmm.VmFrame
	Prop  pagetable.Property
}

// toVmItem converts a page table item. A VmSpace only maps frames it owns so
// finding untracked memory is a fatal error.
func toVmItem(item pagetable.Item) VmItem {
	switch item.Kind {
	case pagetable.Mapped:
		return VmItem{Kind: Mapped, VA: item.VA, Len: item.Len, Frame: item.Frame, Prop: item.Prop}
	case pagetable.MappedUntracked:
		kfmt.Panic(errUntrackedMapping)
	}
	return VmItem{Kind: NotMapped, VA: item.VA, Len: item.Len}
}

// Cursor is a query-only view over a range of a VmSpace. It exclusively
// owns the range, so other cursors over an overlapping range (including
// other query-only ones) block until it is released.
type Cursor struct {
	c *pagetable.Cursor
}

// Query reports the state of the current slot without moving the cursor.
func (c *Cursor) Query() (VmItem, *kernel.Error) {
	item, err := c.c.Query()
	if err != nil {
		return VmItem{}, err
	}
	return toVmItem(item), nil
}

// Next returns the current slot and advances past it. It returns false once
// the cursor range has been exhausted.
func (c *Cursor) Next() (VmItem, bool) {
	item, ok := c.c.Next()
	if !ok {
		return VmItem{}, false
	}
	return toVmItem(item), true
}

// Jump moves the cursor to va.
func (c *Cursor) Jump(va uintptr) *kernel.Error {
	return c.c.Jump(va)
}

// VirtAddr returns the address of the current slot.
func (c *Cursor) VirtAddr() uintptr {
	return c.c.VirtAddr()
}

// Release gives up the cursor's range.
func (c *Cursor) Release() {
	c.c.Release()
}

// CursorMut is a cursor that can modify the mappings of a VmSpace. Every
// modification moves the cursor past the affected extent and invalidates
// the stale TLB entries of the CPU the cursor was created on.
type CursorMut struct {
	c     *pagetable.CursorMut
	onCPU cpu.ID
}

// Query reports the state of the current slot without moving the cursor.
func (c *CursorMut) Query() (VmItem, *kernel.Error) {
	item, err := c.c.Query()
	if err != nil {
		return VmItem{}, err
	}
	return toVmItem(item), nil
}

// Jump moves the cursor to va.
func (c *CursorMut) Jump(va uintptr) *kernel.Error {
	return c.c.Jump(va)
}

// VirtAddr returns the address of the current slot.
func (c *CursorMut) VirtAddr() uintptr {
	return c.c.VirtAddr()
}

// Release gives up the cursor's range.
func (c *CursorMut) Release() {
	c.c.Release()
}

// Map maps frame at the current slot and moves the cursor past it. The
// space takes over the caller's reference to the frame. The mapping is
// always marked as accessed.
func (c *CursorMut) Map(frame *pmm.VmFrame, prop pagetable.Property) {
	start := c.c.VirtAddr()
	prop.Flags |= pagetable.FlagAccessed
	c.c.Map(frame, prop)

	flushTLBRangeFn(c.onCPU, start, start+frame.Size())
}

// Unmap removes every mapping in [VirtAddr(), VirtAddr()+size) and releases
// the mapped frames. Gaps in the range are skipped. size must be a multiple
// of the page size.
func (c *CursorMut) Unmap(size uintptr) {
	if size%mm.PageSize != 0 {
		kfmt.Panic(errUnalignedLength)
	}

	end := c.c.VirtAddr() + size
	flushAll := size >= tlbFlushThreshold.Load()

	for {
		item := c.c.TakeNext(end - c.c.VirtAddr())
		if item.Kind == pagetable.NotMapped {
			break
		}
		if item.Kind == pagetable.MappedUntracked {
			kfmt.Panic(errUntrackedMapping)
		}

		// TODO: ask the other CPUs the space is active on to flush
		// before the frame is released.
		if !flushAll {
			flushTLBEntryFn(c.onCPU, item.VA)
		}
		item.Frame.DecRef()
	}

	if flushAll {
		flushTLBAllFn(c.onCPU)
	}
}

// Protect applies op to the property of every mapping in
// [VirtAddr(), VirtAddr()+size). size must be a multiple of the page size.
func (c *CursorMut) Protect(size uintptr, op func(*pagetable.Property)) {
	if size%mm.PageSize != 0 {
		kfmt.Panic(errUnalignedLength)
	}

	end := c.c.VirtAddr() + size
	flushAll := size >= tlbFlushThreshold.Load()

	for {
		start, _, ok := c.c.ProtectNext(end-c.c.VirtAddr(), op)
		if !ok {
			break
		}
		if !flushAll {
			flushTLBEntryFn(c.onCPU, start)
		}
	}

	if flushAll {
		flushTLBAllFn(c.onCPU)
	}
}
