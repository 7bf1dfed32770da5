package main

import (
	"context"
	"flag"
	"fmt"
	"gophervm/kernel/vm"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
)

// config is the configuration of a simulation run.
type config struct {
	VM       vm.Config      `toml:"vm"`
	Workload workloadConfig `toml:"workload"`
}

// workloadConfig describes the processes spawned by the run command.
type workloadConfig struct {
	// Procs is the number of address spaces exercised concurrently.
	Procs int `toml:"procs"`

	// Pages is the number of anonymous pages touched by each process.
	Pages int `toml:"pages"`

	// Rounds is the number of write and verify passes over the pages.
	Rounds int `toml:"rounds"`

	// SwapImage is the path of a file used as the swap device. An
	// in-memory disk is used if empty.
	SwapImage string `toml:"swap_image"`

	// MmapFile is the path of a file mapped into the first process.
	MmapFile string `toml:"mmap_file"`

	// MetricsFile receives the final statistics in the Prometheus text
	// format if set.
	MetricsFile string `toml:"metrics_file"`
}

func defaultConfig() config {
	return config{
		VM: vm.DefaultConfig(),
		Workload: workloadConfig{
			Procs:  4,
			Pages:  96,
			Rounds: 3,
		},
	}
}

// loadConfig returns the default configuration overridden by the contents of
// the TOML file at path, if not empty.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("loading config %q: %w", path, err)
	}
	return cfg, nil
}

// configCmd implements subcommands.Command for the "config" command.
type configCmd struct {
	path string
}

// Name implements subcommands.Command.
func (*configCmd) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command.
func (*configCmd) Synopsis() string {
	return "prints the effective configuration"
}

// Usage implements subcommands.Command.
func (*configCmd) Usage() string {
	return "config [-config file]\n"
}

// SetFlags implements subcommands.Command.
func (c *configCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.path, "config", "", "path to a TOML configuration file.")
}

// Execute implements subcommands.Command.
func (c *configCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := loadConfig(c.path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	if err = toml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
