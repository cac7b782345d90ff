/*
Package cmd contains the command line interface of pipex.
*/
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shono-io/pipex/pkg"
)

var cfgFile string

// legacyEnv maps config keys onto the environment names earlier versions of
// the executor read. Durations are left out, those were plain seconds.
var legacyEnv = map[string]string{
	"resources.enabled":            "PIPELINES_DECLARATIVE_EXECUTOR_ENABLE_RESOURCE_MANAGER",
	"resources.max_concurrent":     "PIPELINES_DECLARATIVE_EXECUTOR_MAX_CONCURRENT_STAGES",
	"resources.required_memory_mb": "PIPELINES_DECLARATIVE_EXECUTOR_REQUIRED_MEMORY_PER_SUBPROCESS",
	"encryption.enabled":           "PIPELINES_DECLARATIVE_EXECUTOR_ENCRYPT_OUTPUT_SECURE_PARAMS",
	"encryption.fail_on_missing":   "PIPELINES_DECLARATIVE_EXECUTOR_FAIL_ON_MISSING_SOPS",
	"profiling.enabled":            "PIPELINES_DECLARATIVE_EXECUTOR_ENABLE_STAGE_RESOURCE_USAGE_PROFILING",
	"execution.url":                "PIPELINES_DECLARATIVE_EXECUTOR_EXECUTION_URL",
	"execution.user":               "PIPELINES_DECLARATIVE_EXECUTOR_EXECUTION_USER",
	"execution.email":              "PIPELINES_DECLARATIVE_EXECUTOR_EXECUTION_EMAIL",
	"global_configs_prefix":        "PIPELINES_DECLARATIVE_EXECUTOR_GLOBAL_CONFIGS_PREFIX",
}

var rootCmd = &cobra.Command{
	Use:   "pipex",
	Short: "a declarative pipeline executor",
	Long: `pipex runs pipelines described in YAML: sequences of modules, docker
images, parallel blocks and nested pipelines, passing variables between them
and persisting the execution so a failed run can be retried.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(viper.GetString("log_level"))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("pipex failed")
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pipex.yaml)")
	rootCmd.PersistentFlags().String("log_level", "info", "the level to log at on the console")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		log.Panic().Err(err).Msg("failed to bind flags")
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".pipex" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".pipex")
	}

	viper.SetEnvPrefix(pkg.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	for key, env := range legacyEnv {
		cobra.CheckErr(viper.BindEnv(key, strings.ToUpper(pkg.EnvPrefix+"_"+strings.ReplaceAll(key, ".", "_")), env))
	}

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("unable to parse log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	console = levelWriter{
		Writer: zerolog.ConsoleWriter{Out: os.Stderr},
		level:  lvl,
	}
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = zerolog.New(console).With().Timestamp().Logger()
	return nil
}
