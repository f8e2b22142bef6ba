// Command mmsim boots the simulated machine and runs memory management
// workloads against it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"vmcore/config"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/kmain"
)

var (
	configPath = flag.String("config", "", "path to a TOML or YAML machine description; the built-in machine is used if empty.")
	logLevel   = flag.String("log-level", "warning", "kernel log level (debug, info, warning, error).")
)

// boot loads the machine description and initializes the kernel.
func boot() (*config.Config, error) {
	if err := kfmt.SetLevel(*logLevel); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}

	if err := kmain.Kmain(cfg); err != nil {
		return nil, fmt.Errorf("boot failed: %w", err)
	}
	return cfg, nil
}

// Fatalf prints an error to stderr and exits.
func Fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "mmsim: "+format+"\n", args...)
	os.Exit(int(subcommands.ExitFailure))
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Regions), "")
	subcommands.Register(new(Fork), "workloads")
	subcommands.Register(new(Stress), "workloads")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
