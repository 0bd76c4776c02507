package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/logging"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "quasar",
		Short:         "Quasar - distributed job dispatch for calculation nodes",
		Long:          "Dispatches calculation jobs to local and remote nodes with retries, time limits and capability matching",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (JSON, or YAML by extension)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	rootCmd.AddCommand(
		dispatcherCmd(),
		nodeCmd(),
		runCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the configuration in order: defaults, config file,
// QUASAR_* environment, explicitly set flags. It also initializes
// logging. apply copies command specific flags into the config.
func loadConfig(cmd *cobra.Command, apply func(*config.Config)) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(configPath); err != nil {
			return nil, err
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Daemon.LogLevel = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Daemon.LogFormat = logFormat
	}
	if apply != nil {
		apply(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)
	if cfg.Daemon.JobLogFile != "" {
		if err := logging.Default().SetOutput(cfg.Daemon.JobLogFile); err != nil {
			return nil, fmt.Errorf("open job log: %w", err)
		}
	}
	return cfg, nil
}
