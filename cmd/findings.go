package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/reconcile"
)

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "Review reconciled findings",
}

var findingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the case findings view grouped by category",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		caseID, _ := cmd.Flags().GetString("case")
		if caseID == "" {
			return eris.New("--case is required")
		}

		svc, err := initServices(ctx, nil)
		if err != nil {
			return err
		}
		defer svc.Close()

		view, err := svc.Reconciler.CaseView(ctx, tenantID, caseID)
		if err != nil {
			return eris.Wrap(err, "findings list")
		}
		formatCaseView(os.Stdout, view)
		return nil
	},
}

var findingsResolveCmd = &cobra.Command{
	Use:   "resolve <finding-id>...",
	Short: "Accept or reject one or more findings",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		decision, _ := cmd.Flags().GetString("decision")
		by, _ := cmd.Flags().GetString("by")

		svc, err := initServices(ctx, nil)
		if err != nil {
			return err
		}
		defer svc.Close()

		if len(args) == 1 {
			f, err := svc.Reconciler.Resolve(ctx, tenantID, args[0], model.Decision(decision), by)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Finding %s is now %s.\n", truncateID(f.ID), statusColor(string(f.Status)))
			return nil
		}

		n, err := svc.Reconciler.BatchResolve(ctx, tenantID, args, model.Decision(decision), by)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Resolved %d of %d findings.\n", n, len(args))
		return nil
	},
}

var findingsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the case findings view to an xlsx workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		caseID, _ := cmd.Flags().GetString("case")
		out, _ := cmd.Flags().GetString("out")
		if caseID == "" {
			return eris.New("--case is required")
		}
		if out == "" {
			out = caseID + "-findings.xlsx"
		}

		svc, err := initServices(ctx, nil)
		if err != nil {
			return err
		}
		defer svc.Close()

		view, err := svc.Reconciler.CaseView(ctx, tenantID, caseID)
		if err != nil {
			return eris.Wrap(err, "findings export")
		}
		if err := reconcile.ExportXLSX(out, view); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote %s\n", out)
		return nil
	},
}

func formatCaseView(out io.Writer, view *model.CaseView) {
	_, _ = fmt.Fprintf(out, "Case %s: %d pending, %d conflicts, %d need review\n",
		view.CaseID, view.PendingCount, view.ConflictCount, view.NeedsReview)
	for _, c := range view.Categories {
		_, _ = fmt.Fprintf(out, "\n[%s] %d need review\n", c.CategoryKey, c.NeedsReview)
		formatFindings(out, c.Findings)
	}
}

// formatFindings writes a tabular list of findings to out.
func formatFindings(out io.Writer, findings []model.Finding) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFIELD\tVALUE\tEXISTING\tCONF\tIMPACT\tSTATUS")
	for _, f := range findings {
		existing := ""
		if f.ExistingValue != nil {
			existing = *f.ExistingValue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\t%s\n",
			truncateID(f.ID),
			f.FieldKey,
			f.Value,
			existing,
			f.Confidence,
			f.Impact,
			statusColor(string(f.Status)),
		)
	}
	_ = w.Flush()
}

func init() {
	findingsListCmd.Flags().String("case", "", "case id")
	findingsResolveCmd.Flags().String("decision", "accepted", "accepted or rejected")
	findingsResolveCmd.Flags().String("by", "", "reviewer recorded on the finding")
	findingsExportCmd.Flags().String("case", "", "case id")
	findingsExportCmd.Flags().String("out", "", "output path (default <case>-findings.xlsx)")

	findingsCmd.AddCommand(findingsListCmd)
	findingsCmd.AddCommand(findingsResolveCmd)
	findingsCmd.AddCommand(findingsExportCmd)
	rootCmd.AddCommand(findingsCmd)
}
