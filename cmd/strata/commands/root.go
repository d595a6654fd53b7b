package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	store      string
	history    string
	lock       string
	policyDir  string
	logLevel   string
	jsonOutput bool
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := NewRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// NewRootCommand builds the strata command tree.
func NewRootCommand(version, commit, buildDate string) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "strata",
		Short: "Stratified quota label assignment",
		Long: `strata assigns label values to records of a document collection so that
every partition receives exactly the quota declared for it.

Quota files declare partitions, per-value targets (counts or fractions) and
the derived fields that follow the label. Runs are reproducible with --seed,
verified after writing, and recorded in the run history.

Exit codes: 0 completed, 1 partially completed (shortfall), 2 failed or
inconsistent.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "config file path (default ./strata.yaml)")
	pf.StringVar(&flags.store, "store", "", "document store DSN (memory://, sqlite://PATH, postgres://...)")
	pf.StringVar(&flags.history, "history", "", "SQLite run history file")
	pf.StringVar(&flags.lock, "lock", "", "run lock backend (memory, sqlite or nats://HOST:PORT)")
	pf.StringVar(&flags.policyDir, "policy-dir", "", "directory of additional Rego guard policies")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.BoolVar(&flags.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand(flags))
	rootCmd.AddCommand(newImportCommand(flags))
	rootCmd.AddCommand(newValidateCommand(flags))
	rootCmd.AddCommand(newPlanCommand(flags))
	rootCmd.AddCommand(newAssignCommand(flags))
	rootCmd.AddCommand(newVerifyCommand(flags))
	rootCmd.AddCommand(newResetCommand(flags))
	rootCmd.AddCommand(newPropagateCommand(flags))
	rootCmd.AddCommand(newRunsCommand(flags))

	return rootCmd
}
