package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a verification session against a linked DUT shim",
	Long: `run starts an engine-side server and (unless --spawn-client=false) a
reference simulator, then drives the comparator for the configured number of
test programs.

This core never decodes RISC-V or executes instructions itself (see the
"Non-goals" note in its specification) — it only hosts the protocol, the
trace buffers, and the comparator. A DUT implements internal/harness.DUTExports
(Halt, Unhalt, QueueFinish, SetRVFIOrder) and feeds committed packets through
the harness's field-setter API; the rvfi-harness binary built from this
repository carries no such DUT, so "run" has nothing to host.

To exercise a real target, import github.com/rvfidii/rvfi-core/internal/harness
from a host binary that embeds your DUT shim, or build your own cmd/ entry
point that calls harness.New with it. Use "rvfi-harness selftest" to exercise
the core end to end against the built-in loopback fixture instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("run: no DUT shim is linked into this binary; see \"rvfi-harness run --help\"")
	},
}
