package pagetable

import (
	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pmm"
)

// ItemKind describes the state of a page table slot.
type ItemKind uint8

const (
	// NotMapped slots have no translation.
	NotMapped ItemKind = iota

	// Mapped slots translate to a tracked frame.
	Mapped

	// MappedUntracked slots translate to a physical address which is not
	// owned through a frame handle (e.g. device memory).
	MappedUntracked
)

func (k ItemKind) String() string {
	switch k {
	case NotMapped:
		return "not-mapped"
	case Mapped:
		return "mapped"
	case MappedUntracked:
		return "mapped-untracked"
	default:
		return "unknown"
	}
}

// Item describes a page table slot.
//
// For NotMapped items Len is the length of the gap up to the next mapping or
// the end of the cursor range. For mapped items Len is the page size, PA the
// physical address and Prop the mapping property; Frame is only set for
// Mapped items.
type Item struct {
	Kind  ItemKind
	VA    uintptr
	Len   uintptr
	Frame *pmm.VmFrame
	PA    uintptr
	Prop  Property
}

var (
	// ErrInvalidRange is returned when a cursor range is empty or not page
	// aligned.
	ErrInvalidRange = &kernel.Error{Module: "pagetable", Message: "invalid virtual address range"}

	// ErrOutOfRange is returned when a cursor range is not covered by the
	// page table.
	ErrOutOfRange = &kernel.Error{Module: "pagetable", Message: "virtual address range outside the page table"}

	// ErrInvalidVaddr is returned when a cursor is queried or moved outside
	// the range it owns.
	ErrInvalidVaddr = &kernel.Error{Module: "pagetable", Message: "virtual address outside the cursor range"}

	errCursorOverrun = &kernel.Error{Module: "pagetable", Message: "cursor operation exceeds the cursor range"}
)

// Cursor is a query-only view over a page-aligned virtual address range. It
// exclusively owns its range until Release is called; other cursors over an
// overlapping range block until then.
type Cursor struct {
	pt         *PageTable
	start, end uintptr
	va         uintptr
	released   bool
}

// CursorMut is a Cursor which can also modify the mappings in its range.
type CursorMut struct {
	Cursor
}

func (pt *PageTable) acquire(start, end uintptr) (Cursor, *kernel.Error) {
	if start >= end || !mm.IsPageAligned(start) || !mm.IsPageAligned(end) {
		return Cursor{}, ErrInvalidRange
	}

	if lo, hi := pt.mode.bounds(); start < lo || end > hi {
		return Cursor{}, ErrOutOfRange
	}

	pt.ranges.lock(start, end)
	return Cursor{pt: pt, start: start, end: end, va: start}, nil
}

// Cursor returns a query-only cursor over [start, end). It blocks until no
// other cursor overlapping the range is alive.
func (pt *PageTable) Cursor(start, end uintptr) (*Cursor, *kernel.Error) {
	c, err := pt.acquire(start, end)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CursorMut returns a mutating cursor over [start, end). It blocks until no
// other cursor overlapping the range is alive.
func (pt *PageTable) CursorMut(start, end uintptr) (*CursorMut, *kernel.Error) {
	c, err := pt.acquire(start, end)
	if err != nil {
		return nil, err
	}
	return &CursorMut{Cursor: c}, nil
}

// Release gives up the cursor's range. Calling Release more than once has no
// effect.
func (c *Cursor) Release() {
	if c.released {
		return
	}
	c.released = true
	c.pt.ranges.unlock(c.start, c.end)
}

// VirtAddr returns the address of the current slot.
func (c *Cursor) VirtAddr() uintptr {
	return c.va
}

// Range returns the range owned by the cursor.
func (c *Cursor) Range() (uintptr, uintptr) {
	return c.start, c.end
}

// Query reports the state of the current slot without moving the cursor.
func (c *Cursor) Query() (Item, *kernel.Error) {
	if c.va < c.start || c.va >= c.end {
		return Item{}, ErrInvalidVaddr
	}

	c.pt.mu.Lock()
	defer c.pt.mu.Unlock()
	return c.slot(), nil
}

// slot returns the item at the cursor position. The caller must hold pt.mu.
func (c *Cursor) slot() Item {
	if e, ok := c.pt.entries.Get(&entry{page: mm.PageFromAddress(c.va)}); ok {
		return e.item()
	}

	gapEnd := c.end
	if e := c.nextEntry(c.end); e != nil {
		gapEnd = e.page.Address()
	}
	return Item{Kind: NotMapped, VA: c.va, Len: gapEnd - c.va}
}

// nextEntry returns the first mapping in [c.va, limit) or nil. The caller
// must hold pt.mu.
func (c *Cursor) nextEntry(limit uintptr) *entry {
	var next *entry
	c.pt.entries.AscendRange(
		&entry{page: mm.PageFromAddress(c.va)},
		&entry{page: mm.PageFromAddress(limit)},
		func(e *entry) bool {
			next = e
			return false
		},
	)
	return next
}

// Jump moves the cursor to va which must be page-aligned and within the
// cursor range.
func (c *Cursor) Jump(va uintptr) *kernel.Error {
	if va < c.start || va >= c.end || !mm.IsPageAligned(va) {
		return ErrInvalidVaddr
	}
	c.va = va
	return nil
}

// MoveForward advances the cursor past the current slot. For an unmapped
// slot this skips the whole gap.
func (c *Cursor) MoveForward() {
	if c.va >= c.end {
		return
	}

	c.pt.mu.Lock()
	item := c.slot()
	c.pt.mu.Unlock()

	c.va += item.Len
}

// Next returns the current slot and advances past it. It returns false once
// the cursor range is exhausted.
func (c *Cursor) Next() (Item, bool) {
	item, err := c.Query()
	if err != nil {
		return Item{}, false
	}
	c.va += item.Len
	return item, true
}

// checkLen returns the end of the [c.va, c.va+size) extent. Operating past the
// end of the cursor range is fatal.
func (c *Cursor) checkLen(size uintptr) uintptr {
	end := c.va + size
	if end < c.va || end > c.end {
		kfmt.Panic(errCursorOverrun)
	}
	return end
}

// Map installs frame at the current slot and advances the cursor by one page.
// The table takes over the caller's reference to the frame. A mapping
// already present at the slot is replaced and its frame reference dropped.
func (c *CursorMut) Map(frame *pmm.VmFrame, prop Property) {
	c.insert(&entry{page: mm.PageFromAddress(c.va), frame: frame, prop: prop})
}

// MapUntracked installs a mapping to the physical address paddr at the
// current slot and advances the cursor by one page.
func (c *CursorMut) MapUntracked(paddr uintptr, prop Property) {
	c.insert(&entry{page: mm.PageFromAddress(c.va), paddr: mm.PageAlignDown(paddr), prop: prop})
}

func (c *CursorMut) insert(e *entry) {
	c.checkLen(mm.PageSize)

	c.pt.mu.Lock()
	old, replaced := c.pt.entries.ReplaceOrInsert(e)
	c.pt.mu.Unlock()

	if replaced && old.frame != nil {
		old.frame.DecRef()
	}
	c.va += mm.PageSize
}

// TakeNext removes the first mapping in [VirtAddr(), VirtAddr()+size) and
// moves the cursor just past it. If the extent contains no mappings, the
// cursor moves to its end and a NotMapped item covering the extent is
// returned. The frame reference of a removed Mapped item passes to the
// caller.
func (c *CursorMut) TakeNext(size uintptr) Item {
	end := c.checkLen(size)

	c.pt.mu.Lock()
	e := c.nextEntry(end)
	if e != nil {
		c.pt.entries.Delete(e)
	}
	c.pt.mu.Unlock()

	if e == nil {
		item := Item{Kind: NotMapped, VA: c.va, Len: end - c.va}
		c.va = end
		return item
	}

	c.va = e.page.Address() + mm.PageSize
	return e.item()
}

// ProtectNext applies op to the property of the first mapping in
// [VirtAddr(), VirtAddr()+size) and moves the cursor just past it. It returns
// the range of the updated mapping, or false if the extent has no mappings,
// in which case the cursor moves to its end.
func (c *CursorMut) ProtectNext(size uintptr, op func(*Property)) (uintptr, uintptr, bool) {
	end := c.checkLen(size)

	c.pt.mu.Lock()
	e := c.nextEntry(end)
	if e != nil {
		op(&e.prop)
	}
	c.pt.mu.Unlock()

	if e == nil {
		c.va = end
		return 0, 0, false
	}

	start := e.page.Address()
	c.va = start + mm.PageSize
	return start, c.va, true
}
