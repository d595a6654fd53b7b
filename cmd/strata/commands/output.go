package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/stratalabel/strata/pkg/engine"
	"github.com/stratalabel/strata/pkg/stores"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeReportFile stores v as indented JSON at path.
func writeReportFile(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	if err := writeJSON(f, v); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write report file: %w", err)
	}
	return f.Close()
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func value(v any) string {
	return stores.ValueKey(v)
}

func printPlan(w io.Writer, plan *engine.Plan) {
	table := plan.Table
	fmt.Fprintf(w, "Plan %s: %s.%s (%s, %s allocation, %s mode)\n",
		table.Name, table.Collection, table.LabelField, table.Kind, table.Allocation, plan.Mode)
	fmt.Fprintf(w, "Digest: %s\n\n", plan.Digest)

	tw := newTable(w)
	fmt.Fprintln(tw, "PARTITION\tPOPULATION\tVALUE\tTARGET\tEXISTING\tREQUESTED\t")
	for _, part := range plan.Partitions {
		for _, c := range part.Cells {
			skipped := ""
			if c.Skipped {
				skipped = "skipped"
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%d\t%s\n",
				part.Key.String(), part.Population, value(c.Value), c.Target, c.Existing, c.Requested, skipped)
		}
		if part.Unassigned > 0 || part.Oversubscribed > 0 {
			fmt.Fprintf(tw, "%s\t\tunassigned=%d\toversubscribed=%d\t\t\t\n",
				part.Key.String(), part.Unassigned, part.Oversubscribed)
		}
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\nTotal requested: %d\n", plan.TotalRequested())
}

func printReport(w io.Writer, report *engine.Report) {
	tw := newTable(w)
	fmt.Fprintln(tw, "PARTITION\tVALUE\tTARGET\tASSIGNED\tSHORTFALL\tACTUAL\tDELTA\tSTATUS")
	for _, row := range report.Rows {
		status := string(row.Status)
		if row.Skipped {
			status += " (skipped)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%+d\t%s\n",
			row.Partition, value(row.Value), row.Target, row.Assigned, row.Shortfall, row.Actual, row.Delta, status)
	}
	_ = tw.Flush()

	t := report.Totals
	fmt.Fprintf(w, "\nTarget: %d  Assigned: %d  Shortfall: %d  Actual: %d  Unlabeled: %d\n",
		t.Target, t.Assigned, t.Shortfall, t.Actual, t.Unlabeled)
	for _, m := range report.Mismatches {
		if m.Count > 0 {
			fmt.Fprintf(w, "Derived %s (%s -> %s): %d mismatches, %d unmappable\n",
				m.Rule, m.Source, m.Target, m.Count, m.Unmappable)
		}
	}
	fmt.Fprintf(w, "Outcome: %s\n", report.Outcome)
}

func printRun(w io.Writer, res *engine.RunResult) {
	dry := ""
	if res.DryRun {
		dry = " (dry run)"
	}
	fmt.Fprintf(w, "Run %s%s: %s.%s mode=%s seed=%d\n",
		res.RunID, dry, res.Collection, res.LabelField, res.Mode, res.Seed)
	if res.Reset != nil {
		for _, field := range slices.Sorted(maps.Keys(res.Reset.Cleared)) {
			fmt.Fprintf(w, "Reset %s: cleared %d (%s scope)\n", field, res.Reset.Cleared[field], res.Reset.Scope)
		}
	}

	if res.Report != nil {
		fmt.Fprintln(w)
		printReport(w, res.Report)
	} else if len(res.Cells) > 0 {
		fmt.Fprintln(w)
		tw := newTable(w)
		fmt.Fprintln(tw, "PARTITION\tVALUE\tREQUESTED\tAVAILABLE\tASSIGNED\tSHORTFALL\tCONFLICTS")
		for _, c := range res.Cells {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
				c.Partition, value(c.Value), c.Requested, c.Available, c.Assigned, c.Shortfall, c.Conflicts)
		}
		_ = tw.Flush()
	}

	requested, assigned, shortfall := res.Totals()
	fmt.Fprintf(w, "\nRequested: %d  Assigned: %d  Shortfall: %d  Duration: %s\n",
		requested, assigned, shortfall, res.Duration)
	fmt.Fprintf(w, "State: %s\n", res.State)
	if res.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", res.Error)
	}
}

func printRuns(w io.Writer, runs []*stores.RunRecord) {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tCOLLECTION\tLABEL\tMODE\tSTATE\tREQUESTED\tASSIGNED\tSHORTFALL\tSTARTED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID, r.Collection, r.LabelField, r.Mode, r.State, r.Requested, r.Assigned, r.Shortfall,
			r.StartedAt.Format("2006-01-02 15:04:05"))
	}
	_ = tw.Flush()
}
