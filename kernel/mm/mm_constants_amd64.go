package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// MaxUserVAddr is the exclusive upper bound of the user portion of the
	// virtual address space. The last page below the canonical hole is
	// kept unmapped as a guard.
	MaxUserVAddr = uintptr(0x0000_8000_0000_0000) - PageSize

	// KernelVAddrStart is the first address of the kernel portion of the
	// virtual address space (the canonical upper half).
	KernelVAddrStart = uintptr(0xffff_8000_0000_0000)

	// KernelVAddrEnd is the exclusive upper bound of the kernel portion of
	// the virtual address space. The last page is never mapped.
	KernelVAddrEnd = ^uintptr(0) &^ (PageSize - 1)
)
