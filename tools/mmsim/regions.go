package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pmm"
)

// Regions implements subcommands.Command for the "regions" command.
type Regions struct{}

// Name implements subcommands.Command.Name.
func (*Regions) Name() string {
	return "regions"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Regions) Synopsis() string {
	return "print the memory map and the frame allocator state"
}

// Usage implements subcommands.Command.Usage.
func (*Regions) Usage() string {
	return `regions - print the memory map and the frame allocator state after boot.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Regions) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Regions) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg, err := boot()
	if err != nil {
		Fatalf("%v", err)
	}
	printRegions(os.Stdout, cfg.MemoryRegions())
	return subcommands.ExitSuccess
}

func printRegions(w io.Writer, regions []mm.MemoryRegion) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "BASE\tEND\tSIZE\tTYPE")
	for _, r := range regions {
		fmt.Fprintf(tw, "0x%012x\t0x%012x\t%d KiB\t%s\n", r.Base, r.End(), r.Length>>10, r.Type)
	}
	tw.Flush()

	stats := pmm.GetStats()
	fmt.Fprintf(w, "\nframes: %d total, %d free, %d used\n", stats.TotalFrames, stats.FreeFrames, stats.TotalFrames-stats.FreeFrames)
}
