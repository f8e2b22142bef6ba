package cpu

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func resetCPUs(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		count.Store(1)
		ResetStats()
		for i := range cpus {
			cpus[i].root.Store(0)
		}
	})
}

func TestSetCount(t *testing.T) {
	resetCPUs(t)

	for _, n := range []int{0, -1, MaxCPUs + 1} {
		if err := SetCount(n); err != errInvalidCPUCount {
			t.Errorf("expected SetCount(%d) to return %v; got %v", n, errInvalidCPUCount, err)
		}
	}

	if err := SetCount(4); err != nil {
		t.Fatal(err)
	}

	if got := Count(); got != 4 {
		t.Fatalf("expected Count() to return 4; got %d", got)
	}
}

func TestSwitchPDT(t *testing.T) {
	resetCPUs(t)
	_ = SetCount(2)

	SwitchPDT(0, 0x1000)
	if got := ActivePDT(1); got != 0 {
		t.Fatalf("expected CPU 1 to have no active PDT; got %x", got)
	}
	SwitchPDT(1, 0x2000)

	if got := ActivePDT(0); got != 0x1000 {
		t.Fatalf("expected CPU 0 active PDT to be 0x1000; got %x", got)
	}
	if got := ActivePDT(1); got != 0x2000 {
		t.Fatalf("expected CPU 1 active PDT to be 0x2000; got %x", got)
	}

	exp := TLBStats{FullFlushes: 1, PDTSwitches: 1}
	for _, id := range []ID{0, 1} {
		if diff := cmp.Diff(exp, Stats(id)); diff != "" {
			t.Errorf("unexpected stats for CPU %d (-want +got):\n%s", id, diff)
		}
	}
}

func TestFlushCounters(t *testing.T) {
	resetCPUs(t)
	_ = SetCount(2)

	FlushTLBEntry(0, 0x1000)
	FlushTLBEntry(0, 0x2000)
	FlushTLBRange(0, 0x1000, 0x3000)
	FlushTLBRange(0, 0x3000, 0x3000)
	FlushTLBAllExcludingGlobal(0)
	FlushTLBEntry(1, 0x1000)

	exp := TLBStats{EntryFlushes: 2, RangeFlushes: 1, FullFlushes: 1}
	if diff := cmp.Diff(exp, Stats(0)); diff != "" {
		t.Fatalf("unexpected stats (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(TLBStats{EntryFlushes: 1}, Stats(1)); diff != "" {
		t.Fatalf("unexpected stats for CPU 1 (-want +got):\n%s", diff)
	}

	ResetStats()
	if diff := cmp.Diff(TLBStats{}, Stats(0)); diff != "" {
		t.Fatalf("expected stats to be cleared (-want +got):\n%s", diff)
	}
}

func TestPreemptGuard(t *testing.T) {
	resetCPUs(t)
	_ = SetCount(2)

	guard := DisablePreempt(1)
	if got := guard.CurrentCPU(); got != 1 {
		t.Fatalf("expected guard to pin CPU 1; got %d", got)
	}

	// other CPUs are unaffected
	other := DisablePreempt(0)
	other.Enable()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired bool
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		g := DisablePreempt(1)
		mu.Lock()
		acquired = true
		mu.Unlock()
		g.Enable()
	}()

	<-time.After(50 * time.Millisecond)
	mu.Lock()
	if acquired {
		t.Error("expected second guard on the same CPU to block")
	}
	mu.Unlock()

	guard.Enable()
	guard.Enable()
	wg.Wait()

	if !acquired {
		t.Fatal("expected second guard to be acquired after Enable")
	}

	defer func() {
		if err := recover(); err != errInvalidCPUID {
			t.Fatalf("expected panic with %v; got %v", errInvalidCPUID, err)
		}
	}()
	DisablePreempt(2)
}

func TestPinnedContextsUseTheirOwnRegisters(t *testing.T) {
	resetCPUs(t)
	_ = SetCount(2)

	var (
		wg         sync.WaitGroup
		mismatches [2]int
	)
	for _, id := range []ID{0, 1} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			root := uintptr(id+1) << 12
			for i := 0; i < 10000; i++ {
				g := DisablePreempt(id)
				SwitchPDT(g.CurrentCPU(), root)
				if ActivePDT(g.CurrentCPU()) != root {
					mismatches[id]++
				}
				g.Enable()
			}
		}()
	}
	wg.Wait()

	if mismatches != [2]int{} {
		t.Fatalf("expected every context to observe its own root register; mismatches: %v", mismatches)
	}
}

func TestSet(t *testing.T) {
	var s Set

	s.Add(0)
	s.Add(5)
	s.Add(63)
	s.Add(5)

	if got := s.Count(); got != 3 {
		t.Fatalf("expected set size 3; got %d", got)
	}

	if !s.Contains(63) || s.Contains(1) {
		t.Fatal("unexpected set membership")
	}

	if diff := cmp.Diff([]ID{0, 5, 63}, s.CPUs()); diff != "" {
		t.Fatalf("unexpected members (-want +got):\n%s", diff)
	}

	s.Remove(5)
	s.Remove(7)
	if diff := cmp.Diff([]ID{0, 63}, s.CPUs()); diff != "" {
		t.Fatalf("unexpected members after removal (-want +got):\n%s", diff)
	}
}
