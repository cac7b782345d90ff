package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shono-io/pipex/pkg"
	"github.com/shono-io/pipex/repo"
	"github.com/shono-io/pipex/sdk"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "follow executions mirrored to nats",
	Long: `Watch logs every execution status change stored in the configured
key value bucket until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := pkg.LoadConfig(viper.GetViper())
		if err != nil {
			return sdk.NewConfigError("invalid configuration", err)
		}
		if !cfg.NatsEnabled() || cfg.Nats.KeyValueBucket == "" {
			return sdk.NewConfigError("watching needs nats.url and nats.kv_bucket", nil)
		}

		nc, err := cfg.Connect()
		if err != nil {
			return fmt.Errorf("unable to connect to nats: %w", err)
		}
		defer nc.Close()

		nr, err := repo.NewNatsRepository(nc, repo.Config{
			KeyValueBucket: cfg.Nats.KeyValueBucket,
			Prefix:         cfg.Nats.Prefix,
		}, "")
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		return pkg.NewWatcher(nr, nil).Run(log.Logger.WithContext(ctx))
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
