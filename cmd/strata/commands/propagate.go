package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratalabel/strata/pkg/engine"
)

func newPropagateCommand(flags *globalFlags) *cobra.Command {
	rf := &runFlags{}
	var rules []string

	cmd := &cobra.Command{
		Use:   "propagate [QUOTA]",
		Short: "Recompute derived fields over a collection",
		Long: `Recompute the derived fields declared by a quota file over every record of
its collection, then report the records whose derived value still differs from
its rule.

Records whose source value has no derived value are counted as unmappable.
The exit code is 2 when mismatches remain.`,
		Example: `  # Backfill every rule of the quota file
  strata propagate -q quotas/stage.yaml

  # Backfill one rule
  strata propagate -q quotas/stage.yaml --rule stage_rank`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			quota, err := loadQuota(rf.quotaPath(args))
			if err != nil {
				return err
			}
			if len(quota.Rules) == 0 {
				return validationExit(fmt.Errorf("%s declares no derived rules", quota.Source))
			}

			env, err := openEnv(ctx, flags)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close(ctx) }()

			log.Info().
				Str("collection", quota.Table.Collection).
				Strs("rules", rules).
				Msg("Propagating derived fields")

			res, err := env.runner(quota).Propagate(ctx, quota.Table.Collection, rules)
			if err != nil {
				return validationExit(err)
			}

			if flags.jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				printPropagate(cmd, res)
			}

			var remaining int64
			for _, m := range res.Mismatches {
				remaining += m.Count
			}
			if remaining > 0 {
				return &ExitError{Code: 2, Err: engine.NewInconsistencyError(
					fmt.Sprintf("%d derived field mismatches remain", remaining)).WithCode(engine.ErrCodeDerived)}
			}
			return nil
		},
	}

	rf.bindQuota(cmd)
	cmd.Flags().StringSliceVar(&rules, "rule", nil, "rule to propagate (repeatable, default all)")

	return cmd
}

func printPropagate(cmd *cobra.Command, res *engine.PropagateResult) {
	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintln(tw, "RULE\tUPDATED\tCLEARED\tUNMAPPABLE\tMISMATCHES")
	for i, bf := range res.Backfills {
		var mismatches int64
		if i < len(res.Mismatches) {
			mismatches = res.Mismatches[i].Count
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", bf.Rule, bf.Updated, bf.Cleared, bf.Unmappable, mismatches)
	}
	_ = tw.Flush()
}
