package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shono-io/pipex/orchestrator"
	"github.com/shono-io/pipex/sdk"
)

var runRequest orchestrator.Request

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run a pipeline",
	Long: `Run loads the pipeline from --pipeline_data, a ';' separated list of
files, http(s) urls or nats://<bucket>/<object> references, and executes it
inside --pipeline_dir.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if runRequest.PipelineData == "" {
			return sdk.NewConfigError("--pipeline_data is required", nil)
		}

		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		ctx = log.Logger.WithContext(ctx)

		e, err := svc.orch.Prepare(ctx, runRequest)
		if err != nil {
			return err
		}

		return execute(ctx, svc, e)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runRequest.PipelineData, "pipeline_data", "", "the pipeline definition sources, separated by ';'")
	runCmd.Flags().StringVar(&runRequest.PipelineVars, "pipeline_vars", "", "variable overrides as K=V pairs separated by ';'")
	runCmd.Flags().StringVar(&runRequest.Dir, "pipeline_dir", "", "the directory to execute in (default is <pipeline id>_<timestamp>)")
	runCmd.Flags().BoolVar(&runRequest.DryRun, "dry_run", false, "resolve every stage without running any module")
}

// execute runs e with a logger that also writes to the execution log and
// turns a failed pipeline into an error.
func execute(ctx context.Context, svc *service, e *sdk.PipelineExecution) error {
	logger, closer, err := executionLogger(e.Dir)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx = logger.WithContext(ctx)

	if err := svc.orch.Run(ctx, e); err != nil {
		return err
	}
	if e.Status != sdk.SuccessStatus {
		return fmt.Errorf("pipeline %s finished with status %s", e.Pipeline.ID, e.Status)
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
