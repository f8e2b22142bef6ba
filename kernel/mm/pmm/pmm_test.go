package pmm

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"vmcore/kernel"
	"vmcore/kernel/mm"
)

const testRegionFrames = 256

var testRegions = []mm.MemoryRegion{
	{Base: 0, Length: 0x100000, Type: mm.MemReserved},
	{Base: 0x100000, Length: testRegionFrames * uint64(mm.PageSize), Type: mm.MemUsable},
	{Base: 0x200000, Length: 0x1000, Type: mm.MemReserved},
}

// setupAllocator installs a fresh frame allocator for the duration of a test.
func setupAllocator(t *testing.T, regions []mm.MemoryRegion) {
	t.Helper()
	resetAllocator()
	if err := Init(regions); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(resetAllocator)
}

func resetAllocator() {
	if alloc := frameAllocator.Load(); alloc != nil {
		alloc.mem.unmap()
	}
	frameAllocator.Store(nil)
}

func expectPanic(t *testing.T, expErr *kernel.Error, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		if err := recover(); err != expErr {
			t.Fatalf("expected panic with %v; got %v", expErr, err)
		}
	}()
	fn()
}

func TestInit(t *testing.T) {
	setupAllocator(t, testRegions)

	if !Initialized() {
		t.Fatal("expected allocator to be initialized")
	}

	exp := Stats{TotalFrames: testRegionFrames, FreeFrames: testRegionFrames}
	if diff := cmp.Diff(exp, GetStats()); diff != "" {
		t.Fatalf("unexpected stats (-want +got):\n%s", diff)
	}
}

func TestInitFatalErrors(t *testing.T) {
	t.Run("double init", func(t *testing.T) {
		setupAllocator(t, testRegions)
		expectPanic(t, errAllocatorDoubleInit, func() { _ = Init(testRegions) })
	})

	t.Run("unaligned base", func(t *testing.T) {
		resetAllocator()
		regions := []mm.MemoryRegion{{Base: 0x100010, Length: 0x1000, Type: mm.MemUsable}}
		expectPanic(t, errUnalignedRegion, func() { _ = Init(regions) })
	})

	t.Run("unaligned length", func(t *testing.T) {
		resetAllocator()
		regions := []mm.MemoryRegion{{Base: 0x100000, Length: 0x1001, Type: mm.MemUsable}}
		expectPanic(t, errUnalignedRegion, func() { _ = Init(regions) })
	})

	t.Run("overlapping usable regions", func(t *testing.T) {
		resetAllocator()
		regions := []mm.MemoryRegion{
			{Base: 0x102000, Length: 0x4000, Type: mm.MemUsable},
			{Base: 0x100000, Length: 0x4000, Type: mm.MemUsable},
		}
		expectPanic(t, errOverlappingRegions, func() { _ = Init(regions) })
		if Initialized() {
			t.Fatal("expected the allocator to stay uninitialized")
		}
	})

	t.Run("adjacent usable regions", func(t *testing.T) {
		regions := []mm.MemoryRegion{
			{Base: 0x104000, Length: 0x4000, Type: mm.MemUsable},
			{Base: 0x100000, Length: 0x4000, Type: mm.MemUsable},
			{Base: 0x102000, Length: 0x1000, Type: mm.MemReserved},
		}
		setupAllocator(t, regions)
		if got := GetStats().TotalFrames; got != 8 {
			t.Fatalf("expected 8 usable frames; got %d", got)
		}

		seen := make(map[uintptr]bool)
		for frame := Alloc(); frame != nil; frame = Alloc() {
			if seen[frame.PhysAddr()] {
				t.Fatalf("frame 0x%x handed out twice", frame.PhysAddr())
			}
			seen[frame.PhysAddr()] = true
		}
		if len(seen) != 8 {
			t.Fatalf("expected 8 distinct frames; got %d", len(seen))
		}
	})

	t.Run("unaligned reserved regions are ignored", func(t *testing.T) {
		regions := []mm.MemoryRegion{
			{Base: 0x10, Length: 0x11, Type: mm.MemReserved},
			{Base: 0x100000, Length: 0x1000, Type: mm.MemUsable},
		}
		setupAllocator(t, regions)
		if got := GetStats().TotalFrames; got != 1 {
			t.Fatalf("expected 1 usable frame; got %d", got)
		}
	})
}

func TestUseBeforeInit(t *testing.T) {
	resetAllocator()

	specs := map[string]func(){
		"Alloc":           func() { Alloc() },
		"AllocContinuous": func() { AllocContinuous(2) },
		"AllocZero":       func() { AllocZero() },
		"Dealloc":         func() { Dealloc(mm.Frame(256)) },
		"GetStats":        func() { GetStats() },
	}

	for name, fn := range specs {
		t.Run(name, func(t *testing.T) {
			expectPanic(t, errAllocatorNotInitialized, fn)
		})
	}
}

func TestAllocNeverOverlaps(t *testing.T) {
	setupAllocator(t, testRegions)

	seen := make(map[uintptr]bool)
	var frames []*VmFrame
	for {
		frame := Alloc()
		if frame == nil {
			break
		}

		paddr := frame.PhysAddr()
		if seen[paddr] {
			t.Fatalf("frame at 0x%x handed out twice", paddr)
		}
		if paddr < 0x100000 || paddr >= 0x200000 || !mm.IsPageAligned(paddr) {
			t.Fatalf("frame at 0x%x lies outside the usable region or is unaligned", paddr)
		}
		seen[paddr] = true
		frames = append(frames, frame)
	}

	if got := len(frames); got != testRegionFrames {
		t.Fatalf("expected to allocate %d frames; got %d", testRegionFrames, got)
	}

	if got := GetStats().FreeFrames; got != 0 {
		t.Fatalf("expected no free frames; got %d", got)
	}

	for _, frame := range frames {
		frame.DecRef()
	}

	if got := GetStats().FreeFrames; got != testRegionFrames {
		t.Fatalf("expected all frames to be released; got %d free", got)
	}
}

func TestAllocConcurrent(t *testing.T) {
	setupAllocator(t, testRegions)

	var (
		mu   sync.Mutex
		live = make(map[uintptr]bool)
		g    errgroup.Group
	)

	for worker := 0; worker < 8; worker++ {
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				frame := Alloc()
				if frame == nil {
					continue
				}

				mu.Lock()
				if live[frame.PhysAddr()] {
					mu.Unlock()
					t.Errorf("frame 0x%x is held by two live handles", frame.PhysAddr())
					return nil
				}
				live[frame.PhysAddr()] = true
				mu.Unlock()

				mu.Lock()
				delete(live, frame.PhysAddr())
				mu.Unlock()
				frame.DecRef()
			}
			return nil
		})
	}
	_ = g.Wait()

	if got := GetStats().FreeFrames; got != testRegionFrames {
		t.Fatalf("expected all frames to be free; got %d", got)
	}
}

func TestAllocContinuous(t *testing.T) {
	setupAllocator(t, testRegions)

	if frames := AllocContinuous(0); frames != nil {
		t.Fatal("expected a zero-frame request to return nil")
	}

	frames := AllocContinuous(5)
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames; got %d", len(frames))
	}

	for i := 1; i < len(frames); i++ {
		if exp, got := frames[i-1].PhysAddr()+mm.PageSize, frames[i].PhysAddr(); got != exp {
			t.Fatalf("expected frame %d at 0x%x; got 0x%x", i, exp, got)
		}
	}

	if exp, got := uint64(testRegionFrames-5), GetStats().FreeFrames; got != exp {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}

	if frames := AllocContinuous(testRegionFrames); frames != nil {
		t.Fatal("expected an oversized request to fail without a partial allocation")
	}

	if exp, got := uint64(testRegionFrames-5), GetStats().FreeFrames; got != exp {
		t.Fatalf("expected failed request to leave %d free frames; got %d", exp, got)
	}

	for _, frame := range frames {
		frame.DecRef()
	}

	if frames := AllocContinuous(testRegionFrames); len(frames) != testRegionFrames {
		t.Fatalf("expected released frames to coalesce into a %d frame block", testRegionFrames)
	}
}

func TestAllocZero(t *testing.T) {
	setupAllocator(t, testRegions)

	junk := bytes.Repeat([]byte{0xf0}, int(mm.PageSize))

	frame := Alloc()
	if _, err := frame.WriteAt(junk, 0); err != nil {
		t.Fatal(err)
	}
	paddr := frame.PhysAddr()
	frame.DecRef()

	zeroed := AllocZero()
	if zeroed.PhysAddr() != paddr {
		t.Fatalf("expected the released frame 0x%x to be reused; got 0x%x", paddr, zeroed.PhysAddr())
	}

	buf := make([]byte, mm.PageSize)
	if _, err := zeroed.ReadAt(buf, 0); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(buf, make([]byte, mm.PageSize)) {
		t.Fatal("expected AllocZero to return a zeroed frame")
	}
}

func TestAllocExhaustion(t *testing.T) {
	setupAllocator(t, []mm.MemoryRegion{{Base: 0x100000, Length: 0x2000, Type: mm.MemUsable}})

	a, b := Alloc(), AllocZero()
	if a == nil || b == nil {
		t.Fatal("expected the first two allocations to succeed")
	}

	if Alloc() != nil || AllocZero() != nil || AllocContinuous(1) != nil {
		t.Fatal("expected allocations to fail once memory is exhausted")
	}
}

func TestVmFrame(t *testing.T) {
	setupAllocator(t, testRegions)

	frame := Alloc()
	if exp, got := FlagNeedDealloc, frame.Flags(); got != exp {
		t.Fatalf("expected flags %d; got %d", exp, got)
	}
	if frame.Size() != mm.PageSize {
		t.Fatalf("expected frame size %d; got %d", mm.PageSize, frame.Size())
	}
	if frame.Frame().Address() != frame.PhysAddr() {
		t.Fatal("expected frame index and physical address to agree")
	}

	frame.IncRef()
	frame.IncRef()
	if got := frame.ReadRefs(); got != 3 {
		t.Fatalf("expected 3 references; got %d", got)
	}

	frame.DecRef()
	frame.DecRef()
	if exp, got := uint64(testRegionFrames-1), GetStats().FreeFrames; got != exp {
		t.Fatalf("expected a shared frame to stay allocated; got %d free frames", got)
	}

	frame.DecRef()
	if got := GetStats().FreeFrames; got != testRegionFrames {
		t.Fatalf("expected the last DecRef to release the frame; got %d free frames", got)
	}

	expectPanic(t, errFrameRefUnderflow, frame.DecRef)
	expectPanic(t, errFrameUseAfterFree, frame.IncRef)
}

func TestVmFrameContents(t *testing.T) {
	setupAllocator(t, testRegions)

	src, dst := AllocZero(), AllocZero()
	if _, err := src.WriteAt([]byte("hello"), 10); err != nil {
		t.Fatal(err)
	}

	dst.CopyFrom(src)

	buf := make([]byte, 5)
	if _, err := dst.ReadAt(buf, 10); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello" {
		t.Fatalf("expected copied contents %q; got %q", "hello", buf)
	}

	if n, err := dst.ReadAt(buf, int64(mm.PageSize)-2); n != 2 || err != io.EOF {
		t.Fatalf("expected short read at page end; got n=%d err=%v", n, err)
	}

	if n, err := dst.WriteAt(buf, int64(mm.PageSize)); n != 0 || err != io.ErrShortWrite {
		t.Fatalf("expected write past page end to fail; got n=%d err=%v", n, err)
	}

	dst.Zero()
	if _, err := dst.ReadAt(buf, 10); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, make([]byte, 5)) {
		t.Fatal("expected Zero to clear the frame contents")
	}
}

func TestFrameOutsideRegions(t *testing.T) {
	setupAllocator(t, testRegions)

	frame := newVmFrame(0x300000, 0)
	expectPanic(t, errFrameOutsideRegions, frame.Zero)
}
