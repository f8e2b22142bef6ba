package vmm

import (
	"sync/atomic"

	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pagetable"
	"vmcore/kernel/sync"
)

var (
	// lastActivated records, per CPU, the space whose page table was last
	// loaded into the root table register. A nil entry means that the CPU
	// still runs on the kernel page table. Each entry holds a reference to
	// its space. Entries are only accessed with preemption disabled on the
	// CPU they belong to.
	lastActivated [cpu.MaxCPUs]*VmSpace

	errVmSpaceRefUnderflow = &kernel.Error{Module: "vmm", Message: "VmSpace reference count decremented below zero"}
)

// VmSpace is a user address space. Mappings are created and inspected
// through cursors obtained from the space.
//
// A VmSpace is reference counted: New returns a space holding one
// reference and every additional user (e.g. another thread of the same
// process) takes its own with IncRef. Once the last reference is dropped all
// mappings are cleared and the page table is released.
type VmSpace struct {
	pt *pagetable.PageTable

	// handler is set at most once.
	handler atomic.Pointer[PageFaultHandler]

	// activatedLock guards activated.
	activatedLock sync.Spinlock
	activated     cpu.Set

	users atomic.Int64
}

// New creates an empty address space derived from the kernel page table.
// Calling New before Init is a fatal error.
func New() (*VmSpace, *kernel.Error) {
	kpt := kernelPT.Load()
	if kpt == nil {
		kfmt.Panic(errVmmNotInitialized)
	}

	pt, err := kpt.CreateUserPageTable()
	if err != nil {
		return nil, err
	}
	return newVmSpace(pt), nil
}

func newVmSpace(pt *pagetable.PageTable) *VmSpace {
	s := &VmSpace{pt: pt}
	s.users.Store(1)
	return s
}

// IncRef takes an additional reference to the space.
func (s *VmSpace) IncRef() {
	s.users.Add(1)
}

// DecRef releases a reference to the space. Dropping the last reference
// unmaps everything and frees the page table.
func (s *VmSpace) DecRef() {
	switch users := s.users.Add(-1); {
	case users < 0:
		kfmt.Panic(errVmSpaceRefUnderflow)
	case users == 0:
		// Every CPU switched away from the space before its last
		// reference was dropped, so no TLB holds its entries.
		s.unmapAll()
		s.pt.Release()
	}
}

// RootPaddr returns the physical address of the space's root page table.
func (s *VmSpace) RootPaddr() uintptr {
	return s.pt.RootPaddr()
}

// Cursor returns a query-only cursor over [start, end). The call blocks while
// another cursor over an overlapping range is alive; the returned cursor must
// be released as soon as possible.
func (s *VmSpace) Cursor(start, end uintptr) (*Cursor, *kernel.Error) {
	c, err := s.pt.Cursor(start, end)
	if err != nil {
		return nil, err
	}
	return &Cursor{c: c}, nil
}

// CursorMut returns a cursor that can modify the mappings in [start, end).
// Like Cursor it blocks while an overlapping cursor is alive. TLB entries
// invalidated through the cursor are flushed on the CPU pinned by guard.
func (s *VmSpace) CursorMut(guard *cpu.PreemptGuard, start, end uintptr) (*CursorMut, *kernel.Error) {
	c, err := s.pt.CursorMut(start, end)
	if err != nil {
		return nil, err
	}
	return &CursorMut{c: c, onCPU: guard.CurrentCPU()}, nil
}

// Activate loads the space's page table on the CPU pinned by guard.
//
// Re-activating the space that is already active on the CPU is a no-op.
// Otherwise the CPU is added to the activated set, the root table register is
// switched and the CPU is evicted from the space that was active on it
// before.
//
// Remote TLB shootdown is not supported: a space that is active on more than
// one CPU does not get its mapping changes invalidated on the other CPUs. This
// configuration is logged as a warning.
func (s *VmSpace) Activate(guard *cpu.PreemptGuard) {
	id := guard.CurrentCPU()

	s.activatedLock.Acquire()
	if s.activated.Contains(id) {
		active := s.activated.Count()
		s.activatedLock.Release()
		warnIfShared(active)
		return
	}
	s.activated.Add(id)
	active := s.activated.Count()
	s.activatedLock.Release()

	s.pt.Activate(guard)

	// The eviction is done after releasing our own lock so two CPUs swapping
	// a pair of spaces never wait on each other's lock.
	s.IncRef()
	last := lastActivated[id]
	lastActivated[id] = s

	if last != nil {
		last.activatedLock.Acquire()
		last.activated.Remove(id)
		last.activatedLock.Release()
		last.DecRef()
	}

	warnIfShared(active)
}

func warnIfShared(active int) {
	if active > 1 {
		multiCPUWarning.Warnf("VmSpace is active on %d CPUs; remote TLB shootdown is not supported", active)
	}
}

// ActivatedCPUs returns the set of CPUs the space is active on.
func (s *VmSpace) ActivatedCPUs() cpu.Set {
	s.activatedLock.Acquire()
	defer s.activatedLock.Release()
	return s.activated
}

// Clear unmaps the whole user address space, releases every mapped frame and
// flushes the TLB of the CPU pinned by guard. Finding untracked memory mapped
// into the space is a fatal error.
func (s *VmSpace) Clear(guard *cpu.PreemptGuard) {
	s.unmapAll()

	// The number of invalidated entries makes selective flushing not
	// worthwhile.
	flushTLBAllFn(guard.CurrentCPU())
}

func (s *VmSpace) unmapAll() {
	c, err := s.pt.CursorMut(0, mm.MaxUserVAddr)
	if err != nil {
		kfmt.Panic(err)
	}
	defer c.Release()

	for {
		item := c.TakeNext(mm.MaxUserVAddr - c.VirtAddr())
		if item.Kind == pagetable.NotMapped {
			break
		}
		if item.Kind == pagetable.MappedUntracked {
			kfmt.Panic(errUntrackedMapping)
		}
		item.Frame.DecRef()
	}
}

// RegisterPageFaultHandler installs the page fault handler of the space. Only
// the first non-nil registration takes effect; subsequent calls are no-ops.
func (s *VmSpace) RegisterPageFaultHandler(handler PageFaultHandler) {
	if handler == nil {
		return
	}
	s.handler.CompareAndSwap(nil, &handler)
}

// HandlePageFault invokes the registered page fault handler on the CPU pinned
// by guard and returns its verdict. If no handler is registered the fault is
// reported as unhandled.
func (s *VmSpace) HandlePageFault(guard *cpu.PreemptGuard, info *PageFaultInfo) *kernel.Error {
	handler := s.handler.Load()
	if handler == nil {
		return ErrPageFaultUnhandled
	}
	return (*handler)(guard, s, info)
}

// ForkCopyOnWrite creates a new space sharing all mapped frames with s.
//
// Write permission is removed from every mapping in s before its page table
// is cloned, so both spaces observe the shared frames as read-only and the
// first write on either side faults. Resolving those faults (copying the
// frame) is up to the page fault handler which the child inherits. The child
// starts inactive on every CPU. The parent's stale entries are flushed on the
// CPU pinned by guard.
func (s *VmSpace) ForkCopyOnWrite(guard *cpu.PreemptGuard) (*VmSpace, *kernel.Error) {
	c, err := s.CursorMut(guard, 0, mm.MaxUserVAddr)
	if err != nil {
		return nil, err
	}

	c.Protect(mm.MaxUserVAddr, func(prop *pagetable.Property) {
		prop.Flags &^= pagetable.FlagWrite
	})

	pt, err := s.pt.CloneWith(c.c)
	if err != nil {
		return nil, err
	}

	child := newVmSpace(pt)
	if handler := s.handler.Load(); handler != nil {
		h := *handler
		child.handler.Store(&h)
	}
	return child, nil
}

// checkUserAccess verifies that s is the space active on the CPU pinned by
// guard and that [va, va+size) is part of the user address space.
func (s *VmSpace) checkUserAccess(guard *cpu.PreemptGuard, va, size uintptr) *kernel.Error {
	if activePDTFn(guard.CurrentCPU()) != s.pt.RootPaddr() {
		return ErrAccessDenied
	}

	if end := va + size; end < va || end > mm.MaxUserVAddr {
		return ErrAccessDenied
	}
	return nil
}

// Reader returns a reader for the user memory range [va, va+size). The
// space must be active on the CPU pinned by guard and the reader must not be
// used after that CPU switched to another address space.
func (s *VmSpace) Reader(guard *cpu.PreemptGuard, va, size uintptr) (*VmReader, *kernel.Error) {
	if err := s.checkUserAccess(guard, va, size); err != nil {
		return nil, err
	}
	return &VmReader{space: s, guard: guard, cur: va, end: va + size}, nil
}

// Writer returns a writer for the user memory range [va, va+size). The
// same restrictions as for Reader apply.
func (s *VmSpace) Writer(guard *cpu.PreemptGuard, va, size uintptr) (*VmWriter, *kernel.Error) {
	if err := s.checkUserAccess(guard, va, size); err != nil {
		return nil, err
	}
	return &VmWriter{space: s, guard: guard, cur: va, end: va + size}, nil
}
