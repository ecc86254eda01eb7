package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/config"
)

var (
	cfg      *config.Config
	tenantID string
)

var rootCmd = &cobra.Command{
	Use:   "docintel",
	Short: "Document intelligence pipeline for case files",
	Long:  "Ingests case documents, extracts and reconciles structured fields against case data, suggests follow-up actions and scores case risk.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", "default", "tenant id scoping every read and write")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
