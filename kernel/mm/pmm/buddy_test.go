package pmm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// freeBlocks returns the start index of every free block keyed by order.
func freeBlocks(alloc *buddyAllocator) map[int][]uintptr {
	blocks := make(map[int][]uintptr)
	for order, list := range alloc.free {
		list.Ascend(func(start uintptr) bool {
			blocks[order] = append(blocks[order], start)
			return true
		})
	}
	return blocks
}

func TestBuddyAddFrames(t *testing.T) {
	alloc := newBuddyAllocator()
	alloc.addFrames(3, 21)
	alloc.addFrames(40, 40)

	exp := map[int][]uintptr{
		0: {3, 20},
		2: {4, 16},
		3: {8},
	}

	if diff := cmp.Diff(exp, freeBlocks(alloc)); diff != "" {
		t.Fatalf("unexpected free lists (-want +got):\n%s", diff)
	}

	if exp, got := uint64(18), alloc.freeFrames(); got != exp {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}
}

func TestBuddyAllocSplitsAndMerges(t *testing.T) {
	alloc := newBuddyAllocator()
	alloc.addFrames(0, 16)

	first, ok := alloc.alloc(1)
	if !ok || first != 0 {
		t.Fatalf("expected first allocation to return frame 0; got %d (ok: %t)", first, ok)
	}

	exp := map[int][]uintptr{0: {1}, 1: {2}, 2: {4}, 3: {8}}
	if diff := cmp.Diff(exp, freeBlocks(alloc)); diff != "" {
		t.Fatalf("unexpected free lists after split (-want +got):\n%s", diff)
	}

	alloc.dealloc(first)

	exp = map[int][]uintptr{4: {0}}
	if diff := cmp.Diff(exp, freeBlocks(alloc)); diff != "" {
		t.Fatalf("expected buddies to merge back (-want +got):\n%s", diff)
	}

	if got := alloc.freeFrames(); got != 16 {
		t.Fatalf("expected 16 free frames; got %d", got)
	}
}

func TestBuddyAllocContinuousReturnsTail(t *testing.T) {
	alloc := newBuddyAllocator()
	alloc.addFrames(0, 16)

	start, ok := alloc.alloc(5)
	if !ok || start != 0 {
		t.Fatalf("expected allocation at frame 0; got %d (ok: %t)", start, ok)
	}

	if exp, got := uint64(11), alloc.freeFrames(); got != exp {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}

	specs := []struct {
		count    uintptr
		expStart uintptr
	}{
		{8, 8},
		{2, 6},
		{1, 5},
	}

	for specIndex, spec := range specs {
		got, ok := alloc.alloc(spec.count)
		if !ok || got != spec.expStart {
			t.Errorf("[spec %d] expected allocation of %d frames at %d; got %d (ok: %t)", specIndex, spec.count, spec.expStart, got, ok)
		}
	}

	if _, ok := alloc.alloc(1); ok {
		t.Fatal("expected allocator to be exhausted")
	}

	// Release every frame individually; the free lists must coalesce back
	// into a single block.
	for frame := uintptr(0); frame < 16; frame++ {
		alloc.dealloc(frame)
	}

	if diff := cmp.Diff(map[int][]uintptr{4: {0}}, freeBlocks(alloc)); diff != "" {
		t.Fatalf("expected a single order-4 block (-want +got):\n%s", diff)
	}
}

func TestBuddyAllocErrors(t *testing.T) {
	alloc := newBuddyAllocator()
	alloc.addFrames(0, 8)

	specs := []uintptr{0, 9, 1 << 40}
	for specIndex, count := range specs {
		if _, ok := alloc.alloc(count); ok {
			t.Errorf("[spec %d] expected allocation of %d frames to fail", specIndex, count)
		}
	}

	if got := alloc.freeFrames(); got != 8 {
		t.Fatalf("expected failed requests to leave 8 free frames; got %d", got)
	}
}

func TestBuddyNoMergeAcrossRegions(t *testing.T) {
	alloc := newBuddyAllocator()
	alloc.addFrames(3, 5)

	a, _ := alloc.alloc(1)
	b, _ := alloc.alloc(1)
	if a == b {
		t.Fatalf("expected distinct frames; got %d twice", a)
	}

	alloc.dealloc(a)
	alloc.dealloc(b)

	// Frames 3 and 4 are not buddies so they must stay order-0 blocks.
	if diff := cmp.Diff(map[int][]uintptr{0: {3, 4}}, freeBlocks(alloc)); diff != "" {
		t.Fatalf("unexpected free lists (-want +got):\n%s", diff)
	}
}
