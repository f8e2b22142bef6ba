package pmm

import (
	"math/bits"

	"github.com/google/btree"
)

const (
	// maxOrder is the number of free lists kept by the buddy allocator. A
	// block of order n spans 1 << n frames.
	maxOrder = 32

	// freeListDegree is the btree degree used for each free list.
	freeListDegree = 8
)

// buddyAllocator tracks free frame indices using the buddy system. Each
// free list is an ordered set of block start indices so allocations always
// pick the lowest-addressed block of the best fitting order.
//
// buddyAllocator is not safe for concurrent use; the frame allocator
// serializes access to it.
type buddyAllocator struct {
	free [maxOrder]*btree.BTreeG[uintptr]

	// totalFrames counts the frames registered via addFrames.
	totalFrames uint64

	// allocatedFrames counts the frames currently handed out.
	allocatedFrames uint64
}

func newBuddyAllocator() *buddyAllocator {
	alloc := &buddyAllocator{}
	for order := range alloc.free {
		alloc.free[order] = btree.NewG(freeListDegree, func(a, b uintptr) bool { return a < b })
	}
	return alloc
}

// addFrames registers the frame indices in [start, end) as free.
func (alloc *buddyAllocator) addFrames(start, end uintptr) {
	if start >= end {
		return
	}
	alloc.insertRange(start, end)
	alloc.totalFrames += uint64(end - start)
}

// insertRange splits [start, end) into the largest naturally aligned
// power-of-two blocks and pushes them to the matching free lists.
func (alloc *buddyAllocator) insertRange(start, end uintptr) {
	for start < end {
		order := maxOrder - 1
		if start != 0 {
			if alignOrder := bits.TrailingZeros64(uint64(start)); alignOrder < order {
				order = alignOrder
			}
		}
		if fitOrder := bits.Len64(uint64(end-start)) - 1; fitOrder < order {
			order = fitOrder
		}

		alloc.free[order].ReplaceOrInsert(start)
		start += 1 << uint(order)
	}
}

// alloc reserves count physically contiguous frames and returns the index of
// the first one. The request is rounded up to the next power of two to find
// a block; frames past count are returned to the free lists right away.
func (alloc *buddyAllocator) alloc(count uintptr) (uintptr, bool) {
	if count == 0 {
		return 0, false
	}

	order := bits.Len64(uint64(count - 1))
	if order >= maxOrder {
		return 0, false
	}

	for cur := order; cur < maxOrder; cur++ {
		block, ok := alloc.free[cur].DeleteMin()
		if !ok {
			continue
		}

		// Split the block until it matches the requested order; the
		// upper half of each split becomes a free buddy.
		for ; cur > order; cur-- {
			alloc.free[cur-1].ReplaceOrInsert(block + 1<<uint(cur-1))
		}

		if tail := block + 1<<uint(order); block+count < tail {
			alloc.insertRange(block+count, tail)
		}

		alloc.allocatedFrames += uint64(count)
		return block, true
	}

	return 0, false
}

// dealloc returns a single frame to the free lists merging it with its free
// buddies.
func (alloc *buddyAllocator) dealloc(frame uintptr) {
	block, order := frame, 0
	for ; order < maxOrder-1; order++ {
		buddy := block ^ (1 << uint(order))
		if _, found := alloc.free[order].Delete(buddy); !found {
			break
		}
		if buddy < block {
			block = buddy
		}
	}

	alloc.free[order].ReplaceOrInsert(block)
	alloc.allocatedFrames--
}

// freeFrames returns the number of frames available for allocation.
func (alloc *buddyAllocator) freeFrames() uint64 {
	return alloc.totalFrames - alloc.allocatedFrames
}
