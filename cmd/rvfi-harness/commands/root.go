// Package commands implements the rvfi-harness command tree.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rvfidii/rvfi-core/internal/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
	cfg     *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "rvfi-harness",
	Short: "RVFI-DII verification harness core",
	Long: `rvfi-harness orchestrates an RVFI-DII v2 verification run: it hosts the
engine-side TCP server a stimulus engine connects to, optionally launches and
drains a golden reference simulator, and compares every committed DUT packet
against the reference trace field by field.

Use "rvfi-harness [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		config.ApplyFlagOverrides(loaded, cmd.Flags())
		if err := config.Validate(loaded); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// Execute adds all child commands to the root command and parses flags.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (default: none, use flags/env/built-in defaults)")
	rootCmd.PersistentFlags().Int("port", 0, "engine-side TCP port (0 picks an ephemeral port)")
	rootCmd.PersistentFlags().Duration("accept-timeout", 0, "accept-loop poll interval, for cancellability")
	rootCmd.PersistentFlags().Bool("spawn-client", true, "spawn and drain the reference simulator")
	rootCmd.PersistentFlags().String("elf", "", "path to the ELF image handed to the reference simulator")
	rootCmd.PersistentFlags().String("sail-riscv", "", "reference simulator executable name or path")
	rootCmd.PersistentFlags().Int("connect-retries", 0, "reference connect retry count")
	rootCmd.PersistentFlags().Duration("connect-retry-interval", 0, "reference connect retry interval")
	rootCmd.PersistentFlags().Int("num-tests", 0, "number of test programs the run is expected to cover")
	rootCmd.PersistentFlags().String("log-level", "", "DEBUG, INFO, WARN, or ERROR")
	rootCmd.PersistentFlags().String("log-format", "", "text or json")
	rootCmd.PersistentFlags().String("log-output", "", "stdout, stderr, or a file path")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(selftestCmd)
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

// Exit prints an error and exits with code 1.
func Exit(format string, args ...any) {
	PrintErr(format, args...)
	os.Exit(1)
}
