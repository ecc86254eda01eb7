package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docintel/internal/model"
)

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Review suggested follow-up actions",
}

var actionsListCmd = &cobra.Command{
	Use:   "list <run-id>",
	Short: "List the actions a run produced",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		acts, err := st.ListActionsForRun(ctx, tenantID, args[0])
		if err != nil {
			return eris.Wrap(err, "actions list")
		}
		if len(acts) == 0 {
			fmt.Fprintln(os.Stderr, "No actions found.")
			return nil
		}
		formatActions(os.Stdout, acts)
		return nil
	},
}

var actionsAcceptCmd = &cobra.Command{
	Use:   "accept <action-id>",
	Short: "Accept a pending action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveAction(cmd, args[0], model.ActionAccepted)
	},
}

var actionsDismissCmd = &cobra.Command{
	Use:   "dismiss <action-id>",
	Short: "Dismiss a pending action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveAction(cmd, args[0], model.ActionDismissed)
	},
}

func resolveAction(cmd *cobra.Command, id string, to model.ActionStatus) error {
	ctx := cmd.Context()

	svc, err := initServices(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	var a *model.Action
	if to == model.ActionAccepted {
		a, err = svc.Actions.Accept(ctx, tenantID, id)
	} else {
		a, err = svc.Actions.Dismiss(ctx, tenantID, id)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Action %s is now %s.\n", truncateID(a.ID), a.Status)
	return nil
}

// formatActions writes a tabular list of actions to out.
func formatActions(out io.Writer, acts []model.Action) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPRIO\tTYPE\tTITLE\tDUE\tSOURCE\tSTATUS")
	for _, a := range acts {
		due := ""
		if a.DueDate != nil {
			due = *a.DueDate
		}
		source := "ai"
		if a.IsDeterministic {
			source = "rule"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(a.ID),
			a.Priority,
			a.ActionType,
			a.Title,
			due,
			source,
			a.Status,
		)
	}
	_ = w.Flush()
}

func init() {
	actionsCmd.AddCommand(actionsListCmd)
	actionsCmd.AddCommand(actionsAcceptCmd)
	actionsCmd.AddCommand(actionsDismissCmd)
	rootCmd.AddCommand(actionsCmd)
}
