package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docintel/internal/resilience"
	"github.com/sells-group/docintel/internal/stage"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the dead-letter queue of failed stage jobs",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := stageFlag(cmd)
		if err != nil {
			return err
		}

		svc, err := initServices(ctx, nil)
		if err != nil {
			return err
		}
		defer svc.Close()

		entries, err := svc.DLQ.List(ctx, st)
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Dead-letter queue is empty.")
			return nil
		}
		formatDLQEntries(os.Stdout, entries)
		return nil
	},
}

var dlqSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Count dead-letter entries per stage",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		svc, err := initServices(ctx, nil)
		if err != nil {
			return err
		}
		defer svc.Close()

		counts, err := svc.DLQ.Summary(ctx)
		if err != nil {
			return eris.Wrap(err, "dlq summary")
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, s := range stage.All() {
			_, _ = fmt.Fprintf(w, "%s:\t%d\n", s, counts[s])
		}
		return w.Flush()
	},
}

var dlqClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove dead-letter entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := stageFlag(cmd)
		if err != nil {
			return err
		}

		svc, err := initServices(ctx, nil)
		if err != nil {
			return err
		}
		defer svc.Close()

		n, err := svc.DLQ.Clear(ctx, st)
		if err != nil {
			return eris.Wrap(err, "dlq clear")
		}
		fmt.Fprintf(os.Stderr, "Removed %d entries.\n", n)
		return nil
	},
}

// stageFlag reads --stage; empty means all stages.
func stageFlag(cmd *cobra.Command) (stage.ID, error) {
	raw, _ := cmd.Flags().GetString("stage")
	st, ok := stage.Parse(raw)
	if !ok {
		return "", eris.Errorf("unknown stage %q", raw)
	}
	return st, nil
}

func formatDLQEntries(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTAGE\tRUN\tTENANT\tTYPE\tATTEMPTS\tFAILED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t-----\t---\t------\t----\t--------\t------\t-----")
	for _, e := range entries {
		msg := e.Error
		if len(msg) > 50 {
			msg = msg[:47] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(e.ID),
			e.Stage,
			truncateID(e.PipelineRunID),
			e.TenantID,
			e.ErrorType,
			e.AttemptsMade,
			e.FailedAt.Format("2006-01-02 15:04"),
			msg,
		)
	}
	_ = w.Flush()
}

func init() {
	for _, c := range []*cobra.Command{dlqListCmd, dlqClearCmd} {
		c.Flags().String("stage", "", "restrict to one stage (default all)")
	}
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqSummaryCmd)
	dlqCmd.AddCommand(dlqClearCmd)
	rootCmd.AddCommand(dlqCmd)
}
