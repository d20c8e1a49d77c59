package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the scheduling daemon in the foreground (default)",
	Long: `Run the scheduling daemon in the foreground. Every few seconds each
enabled, scheduled repository whose next run is due gets a backup sequence.
The next run is computed from the time the previous one finished.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.manager.Run(cmd.Context()); err != nil {
		log.Error().Err(err).Msg("daemon failed")
		return err
	}
	return nil
}

var breakLocksCmd = &cobra.Command{
	Use:   "break-locks",
	Short: "Break the locks of all enabled repositories and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		return finish("break-locks", a.manager.BreakLocks(cmd.Context()))
	},
}

var execCmd = &cobra.Command{
	Use:   "exec -- <command> [args...]",
	Short: "Run a command once for every repository",
	Long: `Run a command once for every configured repository, with the borg
environment of that repository (BORG_REPO, BORG_PASSPHRASE, BORG_RSH) set.

Example:
  borgback -c borgback.toml exec -- borg list --short`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		return finish("exec", a.manager.RunCmd(cmd.Context(), args))
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run create, prune and compact once on every repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, "backup", false)
	},
}

var recreateCmd = &cobra.Command{
	Use:   "recreate",
	Short: "Run recreate, prune and compact once on every repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, "recreate", true)
	},
}

func runOnce(cmd *cobra.Command, mode string, recreate bool) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	return finish(mode, a.manager.RunBackupNow(cmd.Context(), recreate))
}
