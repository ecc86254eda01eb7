package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docintel/internal/model"
)

var processCmd = &cobra.Command{
	Use:   "process <file>",
	Short: "Run one document through the pipeline in-process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		caseID, _ := cmd.Flags().GetString("case")
		mediaType, _ := cmd.Flags().GetString("media-type")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if caseID == "" {
			return eris.New("--case is required")
		}

		content, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "read %s", args[0])
		}
		if mediaType == "" {
			mediaType = mime.TypeByExtension(filepath.Ext(args[0]))
		}

		env, err := initPipeline(ctx, "process")
		if err != nil {
			return err
		}
		defer env.Close()

		doc := &model.Document{
			TenantID:  tenantID,
			CaseID:    caseID,
			Filename:  filepath.Base(args[0]),
			MediaType: mediaType,
			Content:   content,
		}
		if err := env.Store.CreateDocument(ctx, doc); err != nil {
			return err
		}

		return runInProcess(ctx, env, timeout, func(ctx context.Context) (string, error) {
			return env.Dispatcher.Start(ctx, tenantID, caseID, doc.ID)
		})
	},
}

// runInProcess starts the workers, kicks off a run and waits for it to reach
// a terminal status, then prints the run detail.
func runInProcess(ctx context.Context, env *pipelineEnv, timeout time.Duration, kick func(context.Context) (string, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workersDone := make(chan error, 1)
	go func() { workersDone <- env.Dispatcher.Run(ctx) }()
	defer func() {
		cancel()
		<-workersDone
	}()

	runID, err := kick(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return eris.Wrapf(ctx.Err(), "run %s did not finish", runID)
		case <-ticker.C:
		}
		run, err := env.Store.GetRun(ctx, tenantID, runID)
		if err != nil {
			return err
		}
		if !run.Status.Terminal() {
			continue
		}
		findings, err := env.Store.ListFindingsForRun(ctx, tenantID, runID)
		if err != nil {
			return err
		}
		acts, err := env.Store.ListActionsForRun(ctx, tenantID, runID)
		if err != nil {
			return err
		}
		formatRunDetail(os.Stdout, model.RunDetail{Run: *run, Findings: findings, Actions: acts})
		if run.Status == model.RunStatusFailed {
			return eris.Errorf("run %s failed: %s", runID, run.ErrorMessage())
		}
		fmt.Fprintln(os.Stderr, "Run complete.")
		return nil
	}
}

func init() {
	processCmd.Flags().String("case", "", "case id the document belongs to")
	processCmd.Flags().String("media-type", "", "media type (default from file extension)")
	processCmd.Flags().Duration("timeout", 10*time.Minute, "maximum time to wait for the run")
	rootCmd.AddCommand(processCmd)
}
