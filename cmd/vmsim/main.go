// Command vmsim runs paging workloads against the virtual memory subsystem.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(runCmd), "")
	subcommands.Register(new(configCmd), "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
