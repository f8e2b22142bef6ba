// Package pagetable implements the software page table used by the virtual
// memory manager. Mappings are indexed by virtual page number and accessed
// through range-scoped cursors which exclusively own their part of the
// address space while they are alive.
package pagetable

import (
	"sync"

	"github.com/google/btree"
	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pmm"
)

// Mode selects the portion of the virtual address space a table covers.
type Mode uint8

const (
	// ModeKernel tables cover [mm.KernelVAddrStart, mm.KernelVAddrEnd).
	ModeKernel Mode = iota

	// ModeUser tables cover [0, mm.MaxUserVAddr).
	ModeUser
)

func (m Mode) String() string {
	if m == ModeKernel {
		return "kernel"
	}
	return "user"
}

// bounds returns the virtual address range covered by tables of this mode.
func (m Mode) bounds() (uintptr, uintptr) {
	if m == ModeKernel {
		return mm.KernelVAddrStart, mm.KernelVAddrEnd
	}
	return 0, mm.MaxUserVAddr
}

var (
	// switchPDTFn is used by tests to observe root table switches.
	switchPDTFn = cpu.SwitchPDT

	// ErrNoMemory is returned when no frame is available for a root table.
	ErrNoMemory = &kernel.Error{Module: "pagetable", Message: "out of memory"}

	errNotUserTable     = &kernel.Error{Module: "pagetable", Message: "operation requires a user page table"}
	errCloneNeedsFullVA = &kernel.Error{Module: "pagetable", Message: "clone requires a cursor spanning the whole table"}
)

// entry is a last-level mapping. Untracked mappings carry a physical address
// but no frame handle.
type entry struct {
	page  mm.Page
	frame *pmm.VmFrame
	paddr uintptr
	prop  Property
}

func (e *entry) item() Item {
	if e.frame == nil {
		return Item{Kind: MappedUntracked, VA: e.page.Address(), Len: mm.PageSize, PA: e.paddr, Prop: e.prop}
	}
	return Item{Kind: Mapped, VA: e.page.Address(), Len: mm.PageSize, Frame: e.frame, PA: e.frame.PhysAddr(), Prop: e.prop}
}

func entryLess(a, b *entry) bool {
	return a.page < b.page
}

// PageTable is a single address space's set of mappings together with the
// physical frame acting as its root table.
type PageTable struct {
	mode Mode
	root *pmm.VmFrame

	// kernel is the table whose mappings user tables share for the upper
	// half of the address space.
	kernel *PageTable

	// mu guards entries. Structural changes are additionally serialized by
	// the range lock held by the cursor performing them.
	mu      sync.Mutex
	entries *btree.BTreeG[*entry]

	ranges rangeLock
}

func newPageTable(mode Mode) (*PageTable, *kernel.Error) {
	root := pmm.AllocZero()
	if root == nil {
		return nil, ErrNoMemory
	}

	return &PageTable{
		mode:    mode,
		root:    root,
		entries: btree.NewG[*entry](8, entryLess),
	}, nil
}

// NewKernel allocates a new kernel page table.
func NewKernel() (*PageTable, *kernel.Error) {
	return newPageTable(ModeKernel)
}

// CreateUserPageTable derives an empty user-mode page table from a kernel
// table. Translations for kernel addresses are served by the kernel table.
func (pt *PageTable) CreateUserPageTable() (*PageTable, *kernel.Error) {
	upt, err := newPageTable(ModeUser)
	if err != nil {
		return nil, err
	}
	upt.kernel = pt
	return upt, nil
}

// Mode returns the table mode.
func (pt *PageTable) Mode() Mode {
	return pt.mode
}

// RootPaddr returns the physical address of the root table.
func (pt *PageTable) RootPaddr() uintptr {
	return pt.root.PhysAddr()
}

// Activate programs the root table register of the CPU pinned by guard with
// this table.
func (pt *PageTable) Activate(guard *cpu.PreemptGuard) {
	switchPDTFn(guard.CurrentCPU(), pt.RootPaddr())
}

// Len returns the number of mappings in the table.
func (pt *PageTable) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.entries.Len()
}

// Translate looks up the mapping for the page containing va, the way the MMU
// would, and marks it as accessed. For tracked mappings the returned item
// holds an additional frame reference which the caller must release with
// DecRef once it is done with the frame contents.
func (pt *PageTable) Translate(va uintptr) (Item, bool) {
	if lo, hi := pt.mode.bounds(); va < lo || va >= hi {
		if pt.kernel != nil {
			return pt.kernel.Translate(va)
		}
		return Item{}, false
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	e, ok := pt.entries.Get(&entry{page: mm.PageFromAddress(va)})
	if !ok {
		return Item{}, false
	}

	e.prop.Flags |= FlagAccessed
	if e.frame != nil {
		e.frame.IncRef()
	}
	return e.item(), true
}

// SetDirty marks the mapping for the page containing va as modified.
func (pt *PageTable) SetDirty(va uintptr) {
	pt.mu.Lock()
	if e, ok := pt.entries.Get(&entry{page: mm.PageFromAddress(va)}); ok {
		e.prop.Flags |= FlagDirty
	}
	pt.mu.Unlock()
}

// Release drops the references held by the table's mappings and frees the
// root table. The table must not be used afterwards and no cursor may be
// alive when Release is called.
func (pt *PageTable) Release() {
	pt.mu.Lock()
	pt.entries.Ascend(func(e *entry) bool {
		if e.frame != nil {
			e.frame.DecRef()
		}
		return true
	})
	pt.entries.Clear(false)
	pt.mu.Unlock()

	pt.root.DecRef()
}

// CloneWith consumes a cursor spanning the whole of a user table and returns
// a new table with identical mappings. Frames are shared, not copied: every
// tracked frame gains one reference for the clone. The cursor is released
// before CloneWith returns.
func (pt *PageTable) CloneWith(c *CursorMut) (*PageTable, *kernel.Error) {
	defer c.Release()

	if pt.mode != ModeUser {
		kfmt.Panic(errNotUserTable)
	}
	if lo, hi := pt.mode.bounds(); c.pt != pt || c.start != lo || c.end != hi {
		kfmt.Panic(errCloneNeedsFullVA)
	}

	clone, err := newPageTable(ModeUser)
	if err != nil {
		return nil, err
	}
	clone.kernel = pt.kernel

	pt.mu.Lock()
	pt.entries.Ascend(func(e *entry) bool {
		if e.frame != nil {
			e.frame.IncRef()
		}
		dup := *e
		clone.entries.ReplaceOrInsert(&dup)
		return true
	})
	pt.mu.Unlock()

	return clone, nil
}
