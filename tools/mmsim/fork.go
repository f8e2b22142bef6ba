package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pagetable"
	"vmcore/kernel/mm/pmm"
	"vmcore/kernel/mm/vmm"
)

// workloadBase is the first user address used by the workloads.
const workloadBase = uintptr(0x400000)

var (
	userRW = pagetable.Property{Flags: pagetable.FlagRead | pagetable.FlagWrite, Priv: pagetable.PrivUser}

	errOutOfMemory = errors.New("out of physical memory")
)

// Fork implements subcommands.Command for the "fork" command.
type Fork struct {
	pages int
}

// Name implements subcommands.Command.Name.
func (*Fork) Name() string {
	return "fork"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Fork) Synopsis() string {
	return "fork an address space and break copy-on-write in the child"
}

// Usage implements subcommands.Command.Usage.
func (*Fork) Usage() string {
	return `fork [flags] - map pages in a parent address space, fork it with
copy-on-write semantics and write to the first page in the child. The
workload runs on CPU 0. Prints the mappings of both spaces and the TLB
counters of that CPU.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (f *Fork) SetFlags(fs *flag.FlagSet) {
	fs.IntVar(&f.pages, "pages", 4, "number of pages mapped in the parent.")
}

// Execute implements subcommands.Command.Execute.
func (f *Fork) Execute(_ context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if fs.NArg() != 0 || f.pages < 1 {
		fs.Usage()
		return subcommands.ExitUsageError
	}

	if _, err := boot(); err != nil {
		Fatalf("%v", err)
	}
	if err := runFork(os.Stdout, f.pages); err != nil {
		Fatalf("fork: %v", err)
	}
	return subcommands.ExitSuccess
}

// breakCopyOnWrite resolves write faults on pages shared after a fork by
// mapping a private copy of the faulting page.
func breakCopyOnWrite(guard *cpu.PreemptGuard, space *vmm.VmSpace, info *vmm.PageFaultInfo) *kernel.Error {
	if info.Code&vmm.FaultWrite == 0 {
		return vmm.ErrPageFaultUnhandled
	}

	va := mm.PageAlignDown(info.Addr)
	c, err := space.CursorMut(guard, va, va+mm.PageSize)
	if err != nil {
		return err
	}
	defer c.Release()

	item, err := c.Query()
	if err != nil {
		return err
	}
	if item.Kind != vmm.Mapped {
		return vmm.ErrPageFaultUnhandled
	}

	prop := item.Prop
	prop.Flags |= pagetable.FlagWrite

	// Sole owner; no copy needed.
	if item.Frame.ReadRefs() == 1 {
		c.Protect(mm.PageSize, func(p *pagetable.Property) { *p = prop })
		return nil
	}

	frame := pmm.Alloc()
	if frame == nil {
		return vmm.ErrPageFaultUnhandled
	}
	frame.CopyFrom(item.Frame)
	c.Map(frame, prop)
	return nil
}

// writeUser writes data to the space active on the guard's CPU at va,
// resolving page faults through the space's handler.
func writeUser(guard *cpu.PreemptGuard, space *vmm.VmSpace, va uintptr, data []byte) error {
	size := uintptr(len(data))
	w, kerr := space.Writer(guard, va, size)
	if kerr != nil {
		return kerr
	}

	for w.Remain() != 0 {
		n, err := w.Write(data)
		data = data[n:]
		if err != vmm.ErrPageFault {
			return err
		}

		info := &vmm.PageFaultInfo{
			Addr: va + size - w.Remain(),
			Code: vmm.FaultPresent | vmm.FaultWrite | vmm.FaultUser,
		}
		if kerr := space.HandlePageFault(guard, info); kerr != nil {
			return fmt.Errorf("%s at 0x%x: %w", info.Code, info.Addr, kerr)
		}
	}
	return nil
}

func mapZeroedPages(guard *cpu.PreemptGuard, space *vmm.VmSpace, base uintptr, pages int) error {
	c, kerr := space.CursorMut(guard, base, base+uintptr(pages)*mm.PageSize)
	if kerr != nil {
		return kerr
	}
	defer c.Release()

	for i := 0; i < pages; i++ {
		frame := pmm.AllocZero()
		if frame == nil {
			return errOutOfMemory
		}
		c.Map(frame, userRW)
	}
	return nil
}

func runFork(w io.Writer, pages int) error {
	guard := cpu.DisablePreempt(0)
	defer guard.Enable()

	parent, kerr := vmm.New()
	if kerr != nil {
		return kerr
	}
	defer parent.DecRef()
	parent.RegisterPageFaultHandler(breakCopyOnWrite)

	if err := mapZeroedPages(guard, parent, workloadBase, pages); err != nil {
		return err
	}

	parent.Activate(guard)
	for i := 0; i < pages; i++ {
		msg := fmt.Sprintf("parent page %d", i)
		if err := writeUser(guard, parent, workloadBase+uintptr(i)*mm.PageSize, []byte(msg)); err != nil {
			return err
		}
	}

	cpu.ResetStats()
	child, kerr := parent.ForkCopyOnWrite(guard)
	if kerr != nil {
		return kerr
	}
	defer child.DecRef()

	child.Activate(guard)
	if err := writeUser(guard, child, workloadBase, append([]byte("child page 0"), 0)); err != nil {
		return err
	}

	end := workloadBase + uintptr(pages)*mm.PageSize
	for _, s := range []struct {
		name  string
		space *vmm.VmSpace
	}{{"parent", parent}, {"child", child}} {
		s.space.Activate(guard)
		fmt.Fprintf(w, "%s (root 0x%x):\n", s.name, s.space.RootPaddr())
		if err := printSpace(w, guard, s.space, workloadBase, end); err != nil {
			return err
		}
	}

	stats := cpu.Stats(guard.CurrentCPU())
	fmt.Fprintf(w, "tlb: %d entry, %d range and %d full flushes, %d root switches\n",
		stats.EntryFlushes, stats.RangeFlushes, stats.FullFlushes, stats.PDTSwitches)
	return nil
}

// printSpace lists the mappings of the space active on the guard's CPU in
// [start, end) along with the first bytes of every mapped page.
func printSpace(w io.Writer, guard *cpu.PreemptGuard, space *vmm.VmSpace, start, end uintptr) error {
	c, kerr := space.Cursor(start, end)
	if kerr != nil {
		return kerr
	}

	var items []vmm.VmItem
	for {
		item, ok := c.Next()
		if !ok {
			break
		}
		if item.Kind == vmm.Mapped {
			items = append(items, item)
		}
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "  VA\tPA\tFLAGS\tREFS\tCONTENTS")
	for _, item := range items {
		fmt.Fprintf(tw, "  0x%x\t0x%x\t%s\t%d\t", item.VA, item.Frame.PhysAddr(), item.Prop.Flags, item.Frame.ReadRefs())
		contents, err := readString(guard, space, item.VA, 16)
		if err != nil {
			c.Release()
			return err
		}
		fmt.Fprintf(tw, "%q\n", contents)
	}
	c.Release()
	return tw.Flush()
}

func readString(guard *cpu.PreemptGuard, space *vmm.VmSpace, va uintptr, size int) (string, error) {
	r, kerr := space.Reader(guard, va, uintptr(size))
	if kerr != nil {
		return "", kerr
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}

	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return string(buf), nil
}
