package commands

import (
	"github.com/spf13/cobra"
)

func newPlanCommand(flags *globalFlags) *cobra.Command {
	rf := &runFlags{}

	cmd := &cobra.Command{
		Use:   "plan [QUOTA]",
		Short: "Show the normalized targets of a quota table",
		Long: `Normalize a quota table against the current collection and print the
absolute target of every (partition, value) cell without writing anything.

Fractions are resolved against partition populations using the table's
allocation policy. In continuation mode the existing labels are counted and
only residual targets are requested. Guard policies are evaluated, and a
denied plan exits with code 2.`,
		Example: `  # Plan a fresh run
  strata plan -q quotas/stage.yaml

  # Residual targets of a continuation run, as JSON
  strata plan -q quotas/stage.yaml --mode continuation --json`,
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
			opts.DryRun = true

			plan, err := env.runner(quota).Plan(ctx, quota.Table, opts)
			if err != nil {
				return validationExit(err)
			}

			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), plan)
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}

	rf.bindQuota(cmd)
	rf.bindRun(cmd)

	return cmd
}
