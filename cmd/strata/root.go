package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:   "strata <command> [<args>]",
	Short: "strata is a monorepo task orchestrator core",
	Long: `strata schedules workspace tasks topologically, caches their
results by content fingerprint, and reschedules affected work on change.`,
}

// globalFlags mirrors the teacher's AddFlags(opts, flags) convention: a
// free function next to the option struct it populates, rather than
// binding flags to package-level vars.
type globalFlags struct {
	ProjectRoot string
	LogLevel    string
}

func addGlobalFlags(g *globalFlags, flags *pflag.FlagSet) {
	flags.StringVar(&g.ProjectRoot, "cwd", ".", "project root directory")
	flags.StringVar(&g.LogLevel, "log-level", "warn", "hclog level (trace|debug|info|warn|error)")
}

var global = &globalFlags{}

func init() {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	addGlobalFlags(global, rootCmd.PersistentFlags())

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newInterruptCmd())
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
