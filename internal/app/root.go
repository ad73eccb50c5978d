// Package app implements the scriptwatch command line.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/git-pkgs/scriptwatch"
	"github.com/git-pkgs/scriptwatch/internal/config"
	"github.com/git-pkgs/scriptwatch/internal/logging"
)

var (
	configPath string
	logLevel   string

	// RootCmd is the root command for scriptwatch
	RootCmd = &cobra.Command{
		Use:   "scriptwatch",
		Short: "Watch npm for new and changed install scripts",
		Long: `scriptwatch follows the npm replication feed and alerts when the newest
release of a package adds or changes a preinstall, install or postinstall
script.

Configuration is read from the file given by --config, then from .env and
SCRIPTWATCH_* environment variables.

Examples:
  # Follow the feed and notify the configured sinks
  scriptwatch run --config scriptwatch.yaml

  # Check one package now
  scriptwatch scan event-stream

  # Retry findings that no sink accepted
  scriptwatch redeliver`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error (overrides the config)")

	RootCmd.SuggestionsMinimumDistance = 2

	RootCmd.AddCommand(runCmd)
	RootCmd.AddCommand(scanCmd)
	RootCmd.AddCommand(redeliverCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute runs the root command
func Execute() error {
	return RootCmd.Execute()
}

// setup loads the configuration and builds the logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// newMonitor loads the configuration and opens a monitor. The caller
// closes the monitor and syncs the logger.
func newMonitor() (*scriptwatch.Monitor, *zap.Logger, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, nil, err
	}
	m, err := scriptwatch.New(cfg.MonitorOptions(), logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, fmt.Errorf("starting monitor: %w", err)
	}
	return m, logger, nil
}
