package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"vmcore/kernel/cpu"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pmm"
	"vmcore/kernel/mm/vmm"
)

// workerSpan is the size of the disjoint address range given to each stress
// worker.
const workerSpan = uintptr(16 << 20)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
	pages      int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "map and unmap pages concurrently in a shared address space"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run workers that repeatedly map, verify and unmap pages in
disjoint ranges of a shared address space, then check that every frame was
returned to the allocator. Worker n runs on CPU n modulo the CPU count.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(fs *flag.FlagSet) {
	fs.IntVar(&s.workers, "workers", 0, "number of workers; defaults to one per CPU.")
	fs.IntVar(&s.iterations, "iterations", 100, "map/unmap rounds per worker.")
	fs.IntVar(&s.pages, "pages", 16, "pages mapped per round.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if fs.NArg() != 0 || s.workers < 0 || s.iterations < 1 || s.pages < 1 || uintptr(s.pages)*mm.PageSize > workerSpan {
		fs.Usage()
		return subcommands.ExitUsageError
	}

	if _, err := boot(); err != nil {
		Fatalf("%v", err)
	}

	workers := s.workers
	if workers == 0 {
		workers = cpu.Count()
	}
	if err := runStress(ctx, os.Stdout, workers, s.iterations, s.pages); err != nil {
		Fatalf("stress: %v", err)
	}
	return subcommands.ExitSuccess
}

func runStress(ctx context.Context, w io.Writer, workers, iterations, pages int) error {
	before := pmm.GetStats()

	space, kerr := vmm.New()
	if kerr != nil {
		return kerr
	}

	var mapped atomic.Uint64
	g, ctx := errgroup.WithContext(ctx)
	for worker := 0; worker < workers; worker++ {
		space.IncRef()
		g.Go(func() error {
			defer space.DecRef()

			id := cpu.ID(worker % cpu.Count())
			base := workloadBase + uintptr(worker)*workerSpan
			for i := 0; i < iterations; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}

				// Workers sharing a CPU take turns between rounds.
				guard := cpu.DisablePreempt(id)
				err := stressRound(guard, space, base, pages, uint64(worker)<<32|uint64(i))
				guard.Enable()
				if err != nil {
					return fmt.Errorf("worker %d on CPU %d: %w", worker, id, err)
				}
				mapped.Add(uint64(pages))
			}
			return nil
		})
	}

	err := g.Wait()
	space.DecRef()
	if err != nil {
		return err
	}

	after := pmm.GetStats()
	fmt.Fprintf(w, "workers: %d, pages mapped: %d\n", workers, mapped.Load())
	fmt.Fprintf(w, "free frames: %d before, %d after\n", before.FreeFrames, after.FreeFrames)
	if after.FreeFrames != before.FreeFrames {
		return fmt.Errorf("leaked %d frames", before.FreeFrames-after.FreeFrames)
	}
	return nil
}

// stressRound maps pages stamped with tag at base, checks that every page is
// mapped to a frame carrying the stamp and unmaps them again.
func stressRound(guard *cpu.PreemptGuard, space *vmm.VmSpace, base uintptr, pages int, tag uint64) error {
	end := base + uintptr(pages)*mm.PageSize
	c, kerr := space.CursorMut(guard, base, end)
	if kerr != nil {
		return kerr
	}
	defer c.Release()

	var stamp [8]byte
	binary.LittleEndian.PutUint64(stamp[:], tag)

	for i := 0; i < pages; i++ {
		frame := pmm.Alloc()
		if frame == nil {
			done := c.VirtAddr() - base
			_ = c.Jump(base)
			c.Unmap(done)
			return errOutOfMemory
		}
		if _, err := frame.WriteAt(stamp[:], 0); err != nil {
			frame.DecRef()
			return err
		}
		c.Map(frame, userRW)
	}

	var got [8]byte
	for va := base; va < end; va += mm.PageSize {
		_ = c.Jump(va)
		item, kerr := c.Query()
		if kerr != nil {
			return kerr
		}
		if item.Kind != vmm.Mapped {
			return fmt.Errorf("page 0x%x not mapped", va)
		}
		if _, err := item.Frame.ReadAt(got[:], 0); err != nil {
			return err
		}
		if got != stamp {
			return fmt.Errorf("page 0x%x: stamp mismatch", va)
		}
	}

	_ = c.Jump(base)
	c.Unmap(end - base)
	return nil
}
