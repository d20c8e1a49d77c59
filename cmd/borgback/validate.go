package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raldone01/borgback/internal/models"
	"github.com/raldone01/borgback/internal/schedule"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file without running borg.`,
	Args:  cobra.NoArgs,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), cfg, schedule.New(), time.Now())
	return nil
}

func printSummary(w io.Writer, cfg *models.Config, sched *schedule.Evaluator, now time.Time) {
	fmt.Fprintln(w, "Configuration is valid!")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Summary:")
	fmt.Fprintf(w, "  Borg: %s\n", cfg.BorgPath)
	fmt.Fprintf(w, "  Host root: %s\n", cfg.HostRoot)
	fmt.Fprintf(w, "  Log level: %s\n", cfg.LogLevel)
	fmt.Fprintf(w, "  Repositories: %d\n", len(cfg.Repositories))

	for _, repo := range cfg.Repositories {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Repository %q:\n", repo.Name)
		fmt.Fprintf(w, "  Enabled: %v\n", repo.Enabled)
		fmt.Fprintf(w, "  URL: %s\n", repo.RepoURL)
		fmt.Fprintf(w, "  Hostname: %s\n", repo.Hostname)
		fmt.Fprintf(w, "  Schedule: %s\n", describeSchedule(repo, sched, now))
		fmt.Fprintf(w, "  Include: %s\n", strings.Join(repo.FilesInclude, ", "))
		if len(repo.FilesExclude) > 0 {
			fmt.Fprintf(w, "  Exclude: %s\n", strings.Join(repo.FilesExclude, ", "))
		}
		fmt.Fprintf(w, "  Retention: daily %d, weekly %d, monthly %d, yearly %d\n",
			repo.Retention.KeepDaily, repo.Retention.KeepWeekly, repo.Retention.KeepMonthly, repo.Retention.KeepYearly)
		fmt.Fprintf(w, "  Prune: %v\n", repo.Prune)
		fmt.Fprintf(w, "  Compact: %v\n", repo.Compact)
		fmt.Fprintf(w, "  Dry run: %v\n", repo.DryRun)
		fmt.Fprintf(w, "  Log level: %s\n", repo.LogLevel)
		fmt.Fprintf(w, "  Passphrase: (configured)\n")
		if repo.SSHKeyFile != "" {
			fmt.Fprintf(w, "  SSH key: %s\n", repo.SSHKeyFile)
		}
		if repo.WOL != nil {
			fmt.Fprintf(w, "  Wake-on-LAN: %s via %s\n", repo.WOL.MACAddress, repo.WOL.BroadcastIP)
			if repo.WOL.PollURL != "" {
				fmt.Fprintf(w, "  Wait for: %s (timeout %s)\n", repo.WOL.PollURL, repo.WOL.Timeout)
			}
		}
	}
}

func describeSchedule(repo models.RepositoryConfig, sched *schedule.Evaluator, now time.Time) string {
	if !repo.Scheduled() {
		return models.Unscheduled
	}
	next, err := sched.Next(repo.CronInterval, now)
	if err != nil {
		return fmt.Sprintf("%s (invalid: %v)", repo.CronInterval, err)
	}
	return fmt.Sprintf("%s (next run around %s)", repo.CronInterval, next.Format("2006/01/02 15:04:05"))
}
