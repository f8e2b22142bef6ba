package pmm

import (
	"sort"

	"golang.org/x/sys/unix"
	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
)

var errPhysMemMapFailed = &kernel.Error{Module: "pmm", Message: "unable to reserve backing store for physical memory"}

// physRegion is the backing store of one usable physical memory region.
type physRegion struct {
	base uintptr
	data []byte
}

// physMem simulates the contents of physical memory. Each usable region is
// backed by an anonymous private mapping which the host kernel populates
// lazily, so large regions only cost what is actually touched.
type physMem struct {
	regions []physRegion
}

func mapPhysMem(regions []mm.MemoryRegion) (*physMem, *kernel.Error) {
	pm := &physMem{}
	for _, region := range regions {
		if region.Type != mm.MemUsable || region.Length == 0 {
			continue
		}

		data, err := unix.Mmap(-1, 0, int(region.Length),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE,
		)
		if err != nil {
			pm.unmap()
			return nil, errPhysMemMapFailed
		}

		pm.regions = append(pm.regions, physRegion{base: uintptr(region.Base), data: data})
	}

	sort.Slice(pm.regions, func(i, j int) bool { return pm.regions[i].base < pm.regions[j].base })
	return pm, nil
}

// frameBytes returns the contents of the frame at the given page-aligned
// physical address. Accessing memory outside the usable regions is an
// invariant violation.
func (pm *physMem) frameBytes(paddr uintptr) []byte {
	index := sort.Search(len(pm.regions), func(i int) bool {
		return pm.regions[i].base+uintptr(len(pm.regions[i].data)) > paddr
	})

	if index == len(pm.regions) || paddr < pm.regions[index].base {
		kfmt.Panic(errFrameOutsideRegions)
	}

	offset := paddr - pm.regions[index].base
	return pm.regions[index].data[offset : offset+mm.PageSize : offset+mm.PageSize]
}

func (pm *physMem) unmap() {
	for _, region := range pm.regions {
		_ = unix.Munmap(region.data)
	}
	pm.regions = nil
}
