package main

import (
	"bytes"
	"context"
	"os"
	"regexp"
	"strings"
	"testing"

	"vmcore/config"
	"vmcore/kernel/cpu"
	"vmcore/kernel/kmain"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/vmm"
)

func TestMain(m *testing.M) {
	cfg := config.Default()
	cfg.Regions = []config.Region{
		{Base: 0x100000, Length: 16 << 20, Type: config.RegionUsable},
	}
	if err := kmain.Kmain(cfg); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func TestPrintRegions(t *testing.T) {
	var buf bytes.Buffer
	printRegions(&buf, config.Default().MemoryRegions())

	out := buf.String()
	for _, exp := range []string{"usable", "reserved", "65536 KiB", "frames: 4096 total"} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out)
		}
	}
}

func TestRunFork(t *testing.T) {
	var buf bytes.Buffer
	if err := runFork(&buf, 3); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	parent, child, ok := strings.Cut(out, "child (root")
	if !ok {
		t.Fatalf("expected output for both spaces; got:\n%s", out)
	}

	if !strings.Contains(parent, `"parent page 0"`) || !strings.Contains(child, `"child page 0"`) {
		t.Fatalf("expected the child's write to stay private; got:\n%s", out)
	}

	// pages 1 and 2 stay shared and read-only on both sides
	shared := regexp.MustCompile(`r--ad\s+2\s+"parent page [12]"`)
	if got := len(shared.FindAllString(out, -1)); got != 4 {
		t.Fatalf("expected 4 shared read-only mappings; got %d in:\n%s", got, out)
	}
}

func TestRunStress(t *testing.T) {
	cpu.ResetStats()

	var buf bytes.Buffer
	if err := runStress(context.Background(), &buf, 4, 20, 8); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(buf.String(), "pages mapped: 640") {
		t.Fatalf("unexpected report:\n%s", buf.String())
	}

	// every worker maps 160 pages on its own CPU
	for id := cpu.ID(0); id < 4; id++ {
		if got := cpu.Stats(id).RangeFlushes; got != 160 {
			t.Errorf("expected 160 range flushes on CPU %d; got %d", id, got)
		}
	}
}

func TestWriteUserResolvesFaults(t *testing.T) {
	guard := cpu.DisablePreempt(0)
	defer guard.Enable()

	parent, err := newSpaceWithPages(t, guard, 2)
	if err != nil {
		t.Fatal(err)
	}
	child, kerr := parent.ForkCopyOnWrite(guard)
	if kerr != nil {
		t.Fatal(kerr)
	}
	defer child.DecRef()

	child.Activate(guard)

	// the write spans both shared pages so two faults have to be resolved
	data := bytes.Repeat([]byte{'x'}, 32)
	if err := writeUser(guard, child, workloadBase+mm.PageSize-16, data); err != nil {
		t.Fatal(err)
	}

	got, err := readString(guard, child, workloadBase+mm.PageSize-16, 32)
	if err != nil {
		t.Fatal(err)
	}
	if got != string(data) {
		t.Fatalf("expected %q; got %q", data, got)
	}
}

func newSpaceWithPages(t *testing.T, guard *cpu.PreemptGuard, pages int) (*vmm.VmSpace, error) {
	t.Helper()

	space, kerr := vmm.New()
	if kerr != nil {
		return nil, kerr
	}
	t.Cleanup(space.DecRef)

	space.RegisterPageFaultHandler(breakCopyOnWrite)
	return space, mapZeroedPages(guard, space, workloadBase, pages)
}
