//go:build !amd64

package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize).
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// MaxUserVAddr is the exclusive upper bound of the user portion of the
	// virtual address space.
	MaxUserVAddr = uintptr(0x0000_8000_0000_0000) - PageSize

	// KernelVAddrStart is the first address of the kernel portion of the
	// virtual address space.
	KernelVAddrStart = uintptr(0xffff_8000_0000_0000)

	// KernelVAddrEnd is the exclusive upper bound of the kernel portion of
	// the virtual address space.
	KernelVAddrEnd = ^uintptr(0) &^ (PageSize - 1)
)
