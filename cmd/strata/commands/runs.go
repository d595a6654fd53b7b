package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratalabel/strata/pkg/stores"
)

func newRunsCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run history",
		Long: `Inspect recorded assignment runs, their per-cell results and their event log.

History is kept in the SQLite store, or in the file named by --history.`,
	}

	cmd.AddCommand(newRunsListCommand(flags))
	cmd.AddCommand(newRunsShowCommand(flags))

	return cmd
}

func newRunsListCommand(flags *globalFlags) *cobra.Command {
	var (
		collection string
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Example: `  strata runs list
  strata runs list --collection tickets --limit 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			env, history, err := openHistory(ctx, flags)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close(ctx) }()

			runs, err := history.ListRuns(ctx, collection, limit, offset)
			if err != nil {
				return validationExit(err)
			}

			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
				return nil
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&collection, "collection", "", "only runs of this collection")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	return cmd
}

// runDetail is the JSON form of runs show.
type runDetail struct {
	Run    *stores.RunRecord  `json:"run"`
	Cells  []stores.RunCell   `json:"cells"`
	Events []*stores.RunEvent `json:"events,omitempty"`
}

func newRunsShowCommand(flags *globalFlags) *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run and its cells",
		Example: `  strata runs show 3f1c2a9e-...
  strata runs show 3f1c2a9e-... --events`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			env, history, err := openHistory(ctx, flags)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close(ctx) }()

			run, cells, err := history.GetRun(ctx, args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return &ExitError{Code: 2, Err: fmt.Errorf("run %s not found", args[0])}
			}
			if err != nil {
				return validationExit(err)
			}

			detail := runDetail{Run: run, Cells: cells}
			if events {
				detail.Events, err = history.GetEvents(ctx, run.ID, 1000, 0)
				if err != nil {
					return validationExit(err)
				}
			}

			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), detail)
			}
			printRunDetail(cmd, detail)
			return nil
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "include the run's event log")

	return cmd
}

func openHistory(ctx context.Context, flags *globalFlags) (*appEnv, stores.RunHistory, error) {
	env, err := openEnv(ctx, flags)
	if err != nil {
		return nil, nil, err
	}
	if env.history == nil {
		_ = env.Close(ctx)
		return nil, nil, &ExitError{Code: 2, Err: errors.New("no run history: use a SQLite store or --history")}
	}
	return env, env.history, nil
}

func printRunDetail(cmd *cobra.Command, d runDetail) {
	out := cmd.OutOrStdout()
	r := d.Run
	fmt.Fprintf(out, "Run:        %s\n", r.ID)
	fmt.Fprintf(out, "Target:     %s.%s\n", r.Collection, r.LabelField)
	fmt.Fprintf(out, "Mode:       %s (seed %d)\n", r.Mode, r.Seed)
	fmt.Fprintf(out, "State:      %s\n", r.State)
	fmt.Fprintf(out, "Digest:     %s\n", r.QuotaDigest)
	fmt.Fprintf(out, "Started:    %s\n", r.StartedAt.Format("2006-01-02 15:04:05"))
	if r.CompletedAt != nil {
		fmt.Fprintf(out, "Completed:  %s\n", r.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(out, "Requested:  %d  Assigned: %d  Shortfall: %d\n", r.Requested, r.Assigned, r.Shortfall)
	if r.Error != nil {
		fmt.Fprintf(out, "Error:      %s\n", *r.Error)
	}

	if len(d.Cells) > 0 {
		fmt.Fprintln(out)
		tw := newTable(out)
		fmt.Fprintln(tw, "PARTITION\tVALUE\tREQUESTED\tAVAILABLE\tASSIGNED\tSHORTFALL\tCONFLICTS\tACTUAL\tDELTA")
		for _, c := range d.Cells {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%+d\n",
				c.Partition, c.Value, c.Requested, c.Available, c.Assigned, c.Shortfall, c.Conflicts, c.Actual, c.Delta)
		}
		_ = tw.Flush()
	}

	if len(d.Events) > 0 {
		fmt.Fprintln(out)
		for _, e := range d.Events {
			where := ""
			if e.Partition != "" {
				where = " [" + e.Partition + "]"
			}
			fmt.Fprintf(out, "%s %-5s %s%s: %s\n",
				e.Timestamp.Format("15:04:05.000"), e.Level, e.Type, where, e.Message)
		}
	}
}
