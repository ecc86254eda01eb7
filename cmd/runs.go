package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/stage"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and retry pipeline runs",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the runs for a case",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		caseID, _ := cmd.Flags().GetString("case")
		if caseID == "" {
			return eris.New("--case is required")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := st.ListRunsForCase(ctx, tenantID, caseID)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run with its findings and actions as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, tenantID, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		findings, err := st.ListFindingsForRun(ctx, tenantID, run.ID)
		if err != nil {
			return err
		}
		acts, err := st.ListActionsForRun(ctx, tenantID, run.ID)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(model.RunDetail{Run: *run, Findings: findings, Actions: acts})
	},
}

// -- runs retry --

var runsRetryCmd = &cobra.Command{
	Use:   "retry <run-id>",
	Short: "Re-run a failed run from its failed stage and wait for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		timeout, _ := cmd.Flags().GetDuration("timeout")

		env, err := initPipeline(ctx, "process")
		if err != nil {
			return err
		}
		defer env.Close()

		return runInProcess(ctx, env, timeout, func(ctx context.Context) (string, error) {
			from, err := env.Dispatcher.RetryFromStage(ctx, tenantID, args[0])
			if err != nil {
				return "", err
			}
			fmt.Fprintf(os.Stderr, "Retrying run %s from %s\n", truncateID(args[0]), from)
			return args[0], nil
		})
	},
}

func init() {
	runsListCmd.Flags().String("case", "", "case id")
	runsRetryCmd.Flags().Duration("timeout", 10*time.Minute, "maximum time to wait for the run")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsRetryCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to out.
func formatRunsList(out io.Writer, runs []model.PipelineRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDOCUMENT\tSTATUS\tSTAGE\tDOC_TYPE\tCREATED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t--------\t------\t-----\t--------\t-------\t-----")

	for _, r := range runs {
		current := ""
		if r.CurrentStage != nil {
			current = string(*r.CurrentStage)
		}
		docType := ""
		if r.ClassifiedDocType != nil {
			docType = *r.ClassifiedDocType
		}
		msg := r.ErrorMessage()
		if len(msg) > 40 {
			msg = msg[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			truncateID(r.DocumentID),
			r.Status,
			current,
			docType,
			r.CreatedAt.Format("2006-01-02 15:04"),
			msg,
		)
	}
	_ = w.Flush()
}

// formatRunDetail writes a run's stage progress followed by its findings and
// actions.
func formatRunDetail(out io.Writer, d model.RunDetail) {
	_, _ = fmt.Fprintf(out, "Run %s  %s\n", d.Run.ID, statusColor(string(d.Run.Status)))
	if d.Run.ClassifiedDocType != nil {
		_, _ = fmt.Fprintf(out, "Document type: %s\n", *d.Run.ClassifiedDocType)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, s := range stage.All() {
		st := d.Run.Stage(s)
		line := fmt.Sprintf("  %s\t%s", s, statusColor(string(st.Status)))
		if st.Attempts > 1 {
			line += fmt.Sprintf("\t(%d attempts)", st.Attempts)
		}
		if st.Error != "" {
			line += "\t" + st.Error
		}
		_, _ = fmt.Fprintln(w, line)
	}
	_ = w.Flush()

	if len(d.Findings) > 0 {
		_, _ = fmt.Fprintf(out, "\nFindings (%d):\n", len(d.Findings))
		formatFindings(out, d.Findings)
	}
	if len(d.Actions) > 0 {
		_, _ = fmt.Fprintf(out, "\nActions (%d):\n", len(d.Actions))
		formatActions(out, d.Actions)
	}
}

// statusColor renders run, stage, finding and action statuses with a color
// hinting at whether someone needs to look.
func statusColor(status string) string {
	switch status {
	case string(model.RunStatusCompleted), string(model.FindingAutoApplied), string(model.FindingAccepted):
		return color.New(color.FgGreen).Sprint(status)
	case string(model.RunStatusFailed), string(model.FindingConflict):
		return color.New(color.FgRed).Sprint(status)
	case string(model.RunStatusRunning), string(model.FindingPending):
		return color.New(color.FgYellow).Sprint(status)
	default:
		return status
	}
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
