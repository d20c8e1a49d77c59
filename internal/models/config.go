// Package models contains the data structures used throughout borgback.
package models

// Unscheduled is the schedule value of a repository that is never triggered
// by the daemon loop. It can only be run through the one-shot modes.
const Unscheduled = "unscheduled"

// Default locations used when the command line does not override them.
const (
	DefaultBorgPath = "/usr/bin/borg"
	DefaultHostRoot = "/host"
)

// Config holds the complete, validated configuration of the daemon.
type Config struct {
	LogLevel     string
	BorgPath     string
	HostRoot     string
	Repositories []RepositoryConfig // configuration file order
}

// Options are the typed command line options.
type Options struct {
	ConfigFile string
	DryRun     bool   // forces dry-run on every repository
	LogLevel   string // empty when not given
	BorgPath   string // empty means DefaultBorgPath
	HostRoot   string // empty means DefaultHostRoot
}

// RepositoryConfig holds the resolved configuration of one borg repository.
type RepositoryConfig struct {
	Name         string
	CronInterval string // cron expression or Unscheduled
	Retention    RetentionPolicy
	Prune        bool
	Compact      bool
	DryRun       bool
	Enabled      bool
	LogLevel     string
	RepoURL      string
	PassFile     string
	Passphrase   string // trimmed content of PassFile
	SSHKeyFile   string // optional
	FilesInclude []string
	FilesExclude []string
	Hostname     string
	WOL          *WOLConfig // nil if not configured
}

// Scheduled reports whether the daemon loop may trigger the repository.
func (c RepositoryConfig) Scheduled() bool {
	return c.CronInterval != "" && c.CronInterval != Unscheduled
}

// RetentionPolicy defines how many archives to keep.
type RetentionPolicy struct {
	KeepDaily   int
	KeepWeekly  int
	KeepMonthly int
	KeepYearly  int
}
