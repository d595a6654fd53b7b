package commands

import (
	"fmt"
	"maps"
	"slices"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratalabel/strata/pkg/engine"
)

func newResetCommand(flags *globalFlags) *cobra.Command {
	rf := &runFlags{}

	cmd := &cobra.Command{
		Use:   "reset [QUOTA]",
		Short: "Clear the label field of a quota table",
		Long: `Unset the label field of a quota table, and every field derived from it,
within the table's partitions or, with --scope global, on the whole collection.

A global reset must be confirmed with --yes.`,
		Example: `  # Clear labels in the table's partitions
  strata reset -q quotas/stage.yaml

  # Clear the label on every record
  strata reset -q quotas/stage.yaml --scope global --yes`,
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

			opts := env.options(string(engine.ModeFresh), rf.resetScope, 0)
			opts.Confirmed = rf.yes

			log.Info().
				Str("collection", quota.Table.Collection).
				Str("label_field", quota.Table.LabelField).
				Str("scope", string(opts.ResetScope)).
				Msg("Resetting labels")

			res, err := env.runner(quota).Reset(ctx, quota.Table, opts)
			if err != nil {
				return validationExit(err)
			}

			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			for _, field := range slices.Sorted(maps.Keys(res.Cleared)) {
				fmt.Fprintf(out, "Cleared %s on %d records\n", field, res.Cleared[field])
			}
			return nil
		},
	}

	rf.bindQuota(cmd)
	cmd.Flags().StringVar(&rf.resetScope, "scope", "", "reset scope: partitions or global (default partitions)")
	cmd.Flags().BoolVarP(&rf.yes, "yes", "y", false, "confirm a global reset")

	return cmd
}
