package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/raldone01/borgback/internal/logging"
	"github.com/raldone01/borgback/internal/models"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile  string
	dryRun      bool
	logLevel    string
	jsonOutput  bool
	logFile     string
	borgPath    string
	hostRoot    string
	lockFile    string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "borgback",
	Short: "A scheduling daemon for borg backups",
	Long: `borgback manages scheduled BorgBackup runs for several independent
repositories. Each repository has its own schedule, retention policy and
credentials. On schedule it runs:
  1. Wake-on-LAN of the repository host (if configured)
  2. borg create
  3. borg prune (unless disabled)
  4. borg compact (unless disabled)

Without a subcommand borgback runs as a foreground daemon until it receives
SIGINT, SIGTERM or SIGQUIT.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel)
	},
	RunE:         runDaemon,
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (required)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "run borg with --dry-run on every repository")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: DEBUG, INFO, WARNING, ERROR or CRITICAL (overrides the config file)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "additionally write JSON logs to this rotating file")
	rootCmd.PersistentFlags().StringVar(&borgPath, "borg-path", models.DefaultBorgPath, "path of the borg binary")
	rootCmd.PersistentFlags().StringVar(&hostRoot, "host-root", models.DefaultHostRoot, "working directory of borg, backup paths are relative to it")
	rootCmd.PersistentFlags().StringVar(&lockFile, "lock-file", "", "refuse to start while another borgback holds this lock")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9101")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(breakLocksCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(recreateCmd)
	rootCmd.AddCommand(validateCmd)
}

// setupLogging replaces the global logger. An empty level means INFO.
func setupLogging(level string) error {
	if level == "" {
		level = "INFO"
	}
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}

	log.Logger = logging.New(logging.Options{
		Level:      lvl,
		JSON:       jsonOutput,
		Out:        os.Stdout,
		File:       logFile,
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 30,
		Compress:   true,
	})
	return nil
}

// options returns the command line values that take part in config resolution.
func options() models.Options {
	return models.Options{
		ConfigFile: configFile,
		DryRun:     dryRun,
		LogLevel:   logLevel,
		BorgPath:   borgPath,
		HostRoot:   hostRoot,
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
