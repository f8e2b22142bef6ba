package vmm

import (
	"vmcore/kernel"
	"vmcore/kernel/cpu"
)

// PageFaultCode describes the cause of a page fault using the bit layout of
// the amd64 page fault error code.
type PageFaultCode uint64

const (
	// FaultPresent is set if the fault was caused by a protection violation
	// on a present page. If not set the page was not present.
	FaultPresent PageFaultCode = 1 << iota

	// FaultWrite is set if the faulting access was a write.
	FaultWrite

	// FaultUser is set if the fault occurred in user-mode.
	FaultUser

	// FaultReserved is set if a page table entry has a reserved bit set.
	FaultReserved

	// FaultFetch is set if the fault was caused by an instruction fetch.
	FaultFetch
)

// String returns a human readable description of the fault reason.
func (c PageFaultCode) String() string {
	var reason string
	switch c &^ FaultUser {
	case 0:
		reason = "read from non-present page"
	case FaultPresent:
		reason = "page protection violation (read)"
	case FaultWrite:
		reason = "write to non-present page"
	case FaultPresent | FaultWrite:
		reason = "page protection violation (write)"
	default:
		switch {
		case c&FaultReserved != 0:
			reason = "page table has reserved bit set"
		case c&FaultFetch != 0:
			reason = "instruction fetch"
		default:
			reason = "unknown"
		}
	}

	if c&FaultUser != 0 {
		reason += " in user-mode"
	}
	return reason
}

// PageFaultInfo describes a page fault delivered to a VmSpace.
type PageFaultInfo struct {
	// Addr is the faulting virtual address.
	Addr uintptr

	Code PageFaultCode
}

// PageFaultHandler resolves a page fault in space. It runs on the faulting
// CPU, which guard pins. It returns nil if the fault was handled and the
// faulting access can be retried.
type PageFaultHandler func(guard *cpu.PreemptGuard, space *VmSpace, info *PageFaultInfo) *kernel.Error
