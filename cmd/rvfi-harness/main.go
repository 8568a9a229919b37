// Command rvfi-harness hosts the RVFI-DII verification core: an
// engine-side protocol server, reference-simulator client, and
// field-wise comparator, wired together behind a small cobra CLI.
package main

import (
	"os"

	"github.com/rvfidii/rvfi-core/cmd/rvfi-harness/commands"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		commands.PrintErr("Error: %v", err)
		os.Exit(1)
	}
}
