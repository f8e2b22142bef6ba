package mm

// MemoryRegionType describes how a physical memory region may be used.
type MemoryRegionType uint8

const (
	// MemReserved marks a region that must not be handed out by the
	// frame allocator.
	MemReserved MemoryRegionType = iota

	// MemUsable marks a region that is free for general use.
	MemUsable
)

// String implements fmt.Stringer for MemoryRegionType.
func (t MemoryRegionType) String() string {
	switch t {
	case MemUsable:
		return "usable"
	case MemReserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// MemoryRegion describes a physical memory region as reported by the
// platform at boot.
type MemoryRegion struct {
	// Base is the physical address where the region starts.
	Base uint64

	// Length is the region size in bytes.
	Length uint64

	// Type describes whether the region may be used.
	Type MemoryRegionType
}

// End returns the physical address right after the region.
func (r MemoryRegion) End() uint64 {
	return r.Base + r.Length
}
