package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"snackloader-backend/config"
	"snackloader-backend/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:               "snackloaderd",
	Short:             "SnackLoader pet feeder backend",
	PersistentPreRunE: setup,
	RunE:              runServe,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setup(_ *cobra.Command, _ []string) error {
	path := cfgFile
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "./config/config.yaml" // Default path for local development
	}

	var err error
	cfg, err = config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}

	logger = logging.New(cfg.Log)
	logger.Info().Str("path", path).Msg("configuration loaded")
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the YAML config file (default $CONFIG_PATH or ./config/config.yaml)")
	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCmd)
}
