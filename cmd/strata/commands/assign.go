package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// runFlags are the run options shared by assign, plan and reset.
type runFlags struct {
	quota       string
	mode        string
	seed        uint64
	resetScope  string
	parallelism int
	dryRun      bool
	yes         bool
}

func (f *runFlags) bindQuota(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.quota, "quota", "q", "", "quota file (YAML or CUE)")
}

func (f *runFlags) bindRun(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.mode, "mode", "", "run mode: fresh or continuation (default fresh)")
	cmd.Flags().StringVar(&f.resetScope, "reset-scope", "", "fresh run reset scope: partitions or global (default partitions)")
}

// quotaPath returns --quota or the single positional argument.
func (f *runFlags) quotaPath(args []string) string {
	if f.quota == "" && len(args) > 0 {
		return args[0]
	}
	return f.quota
}

func newAssignCommand(flags *globalFlags) *cobra.Command {
	rf := &runFlags{}
	var reportPath string

	cmd := &cobra.Command{
		Use:   "assign [QUOTA]",
		Short: "Assign label values to match a quota table",
		Long: `Assign label values to the records of a collection so that every partition
holds its declared targets.

A fresh run clears the label field (and fields derived from it) in the table's
partitions, or on the whole collection with --reset-scope global, then samples
every cell. A continuation run keeps existing labels and samples only the
residual targets.

The run is verified after writing. The exit code is 0 when every cell met its
target, 1 when some cells fell short of the available records, and 2 when the
run failed or verification found drift.`,
		Example: `  # Fresh run with a fixed seed
  strata assign --quota quotas/stage.yaml --seed 42

  # Top up existing labels
  strata assign -q quotas/stage.yaml --mode continuation

  # Sample without writing
  strata assign -q quotas/stage.yaml --dry-run

  # Clear the label on the whole collection first
  strata assign -q quotas/stage.yaml --reset-scope global --yes`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			quota, err := loadQuota(rf.quotaPath(args))
			if err != nil {
				return err
			}

			env, err := openEnv(ctx, flags)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close(ctx) }()

			opts := env.options(rf.mode, rf.resetScope, rf.parallelism)
			if cmd.Flags().Changed("seed") {
				seed := rf.seed
				opts.Seed = &seed
			}
			opts.DryRun = rf.dryRun
			opts.Confirmed = rf.yes

			log.Info().
				Str("quota", quota.Source).
				Str("collection", quota.Table.Collection).
				Str("label_field", quota.Table.LabelField).
				Str("mode", string(opts.Mode)).
				Bool("dry_run", opts.DryRun).
				Msg("Starting assignment run")

			res, runErr := env.runner(quota).Run(ctx, quota.Table, opts)
			if res == nil {
				return validationExit(runErr)
			}

			if reportPath != "" {
				if err := writeReportFile(reportPath, res); err != nil {
					return validationExit(err)
				}
			}
			if flags.jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				printRun(cmd.OutOrStdout(), res)
			}

			if code := res.State.ExitCode(); code != 0 {
				return &ExitError{Code: code, Err: runErr}
			}
			return nil
		},
	}

	rf.bindQuota(cmd)
	rf.bindRun(cmd)
	cmd.Flags().Uint64Var(&rf.seed, "seed", 0, "sampling seed (random when not set)")
	cmd.Flags().IntVar(&rf.parallelism, "parallelism", 0, "partitions processed concurrently")
	cmd.Flags().BoolVar(&rf.dryRun, "dry-run", false, "sample without writing labels")
	cmd.Flags().BoolVarP(&rf.yes, "yes", "y", false, "confirm destructive options such as a global reset")
	cmd.Flags().StringVar(&reportPath, "report", "", "write the run result as JSON to this file")

	return cmd
}
