package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shono-io/pipex/archive"
	"github.com/shono-io/pipex/pkg"
	"github.com/shono-io/pipex/sdk"
)

var (
	archiveDir           string
	archiveTarget        string
	archiveFailOnMissing bool
	archiveUpload        bool

	unarchivePath   string
	unarchiveTarget string
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "archive a pipeline directory",
	Long: `Archive zips --pipeline_dir into --target_path with 7z. The archive is
password protected when SOPS_AGE_KEY is set. With --upload the archive is
stored in the configured S3 bucket as well.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if archiveDir == "" || archiveTarget == "" {
			return sdk.NewConfigError("--pipeline_dir and --target_path are required", nil)
		}

		ctx := log.Logger.WithContext(cmd.Context())

		if _, err := os.Stat(archiveDir); err != nil {
			if errors.Is(err, os.ErrNotExist) && !archiveFailOnMissing {
				log.Warn().Str("dir", archiveDir).Msg("nothing to archive")
				return nil
			}
			return fmt.Errorf("unable to archive %s: %w", archiveDir, err)
		}

		if err := archive.NewSevenZip().Archive(ctx, archiveDir, archiveTarget); err != nil {
			return err
		}
		log.Info().Str("archive", archiveTarget).Msg("pipeline directory archived")

		if !archiveUpload {
			return nil
		}

		cfg, err := pkg.LoadConfig(viper.GetViper())
		if err != nil {
			return sdk.NewConfigError("invalid configuration", err)
		}
		up, err := archive.NewUploader(archive.UploadConfig{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			return err
		}
		return up.Upload(ctx, archiveTarget, filepath.Base(archiveTarget))
	},
}

var unarchiveCmd = &cobra.Command{
	Use:   "unarchive",
	Short: "extract an archived pipeline directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if unarchivePath == "" || unarchiveTarget == "" {
			return sdk.NewConfigError("--archive_path and --target_path are required", nil)
		}

		ctx := log.Logger.WithContext(cmd.Context())
		if err := archive.NewSevenZip().Unarchive(ctx, unarchivePath, unarchiveTarget); err != nil {
			return err
		}
		log.Info().Str("target", unarchiveTarget).Msg("archive extracted")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(archiveCmd, unarchiveCmd)

	archiveCmd.Flags().StringVar(&archiveDir, "pipeline_dir", "", "the pipeline directory to archive")
	archiveCmd.Flags().StringVar(&archiveTarget, "target_path", "", "the zip file to create")
	archiveCmd.Flags().BoolVar(&archiveFailOnMissing, "fail_on_missing", false, "fail when the pipeline directory does not exist")
	archiveCmd.Flags().BoolVar(&archiveUpload, "upload", false, "upload the archive to the configured s3 bucket")

	unarchiveCmd.Flags().StringVar(&unarchivePath, "archive_path", "", "the zip file to extract")
	unarchiveCmd.Flags().StringVar(&unarchiveTarget, "target_path", "", "the directory to extract into")
}
