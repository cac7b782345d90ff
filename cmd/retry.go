package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shono-io/pipex/sdk"
)

var (
	retryDir  string
	retryVars string
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "retry a failed pipeline",
	Long: `Retry resumes the execution persisted in --pipeline_dir from the first
stage that did not succeed. --retry_vars override variables of the previous
attempt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if retryDir == "" {
			return sdk.NewConfigError("--pipeline_dir is required", nil)
		}

		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		ctx = log.Logger.WithContext(ctx)

		e, err := svc.orch.PrepareRetry(ctx, retryDir, retryVars)
		if err != nil {
			return err
		}

		return execute(ctx, svc, e)
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)

	retryCmd.Flags().StringVar(&retryDir, "pipeline_dir", "", "the directory of the execution to retry")
	retryCmd.Flags().StringVar(&retryVars, "retry_vars", "", "variable overrides as K=V pairs separated by ';'")
}
