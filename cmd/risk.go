package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/risk"
)

var riskCmd = &cobra.Command{
	Use:   "risk",
	Short: "Case risk scoring",
}

var riskRecalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "Recompute and store the risk score for a case",
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

		ra, err := svc.Risk.Recalculate(ctx, tenantID, caseID, risk.TriggerManual)
		if err != nil {
			return eris.Wrap(err, "risk recalc")
		}
		formatRisk(os.Stdout, ra)
		return nil
	},
}

func formatRisk(out io.Writer, ra *model.RiskAssessment) {
	_, _ = fmt.Fprintf(out, "Risk score: %d\n", ra.Score)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, f := range ra.Factors {
		_, _ = fmt.Fprintf(w, "  %s\t%.1f\n", f.Label, f.Contribution)
	}
	_ = w.Flush()
}

func init() {
	riskRecalcCmd.Flags().String("case", "", "case id")
	riskCmd.AddCommand(riskRecalcCmd)
	rootCmd.AddCommand(riskCmd)
}
