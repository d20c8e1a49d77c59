package config

// Keys of a repository section. Every key can also be set in [repo_general].
const (
	KeyCronInterval     Key = "cron_interval"
	KeyKeepDaily        Key = "keep_daily"
	KeyKeepWeekly       Key = "keep_weekly"
	KeyKeepMonthly      Key = "keep_monthly"
	KeyKeepYearly       Key = "keep_yearly"
	KeyCompact          Key = "compact"
	KeyPrune            Key = "prune"
	KeyDryRun           Key = "dry_run"
	KeyEnabled          Key = "enabled"
	KeyLogLevel         Key = "log_level"
	KeyPassFile         Key = "borg_pass_file"
	KeySSHKeyFile       Key = "ssh_key_file"
	KeyRepoURL          Key = "repo_url"
	KeyFilesInclude     Key = "files_include"
	KeyFilesExclude     Key = "files_exclude"
	KeyHostname         Key = "hostname"
	KeyWOLMACAddress    Key = "wol_mac_address"
	KeyWOLBroadcastIP   Key = "wol_broadcast_ip"
	KeyWOLPollURL       Key = "wol_poll_url"
	KeyWOLTimeout       Key = "wol_timeout"
	KeyWOLPollInterval  Key = "wol_poll_interval"
	KeyWOLStabilizeWait Key = "wol_stabilize_wait"
)

// Section names of the configuration file.
const (
	SectionGeneral      = "repo_general"
	SectionRepositories = "repo"
)

// Defaults is the lowest priority source.
var Defaults = MapSource{
	SourceName: "defaults",
	Values: map[Key]any{
		KeyCronInterval:     "R 0 * * *",
		KeyKeepDaily:        int64(7),
		KeyKeepWeekly:       int64(4),
		KeyKeepMonthly:      int64(2),
		KeyKeepYearly:       int64(1),
		KeyCompact:          true,
		KeyPrune:            true,
		KeyDryRun:           false,
		KeyLogLevel:         "INFO",
		KeyEnabled:          true,
		KeyFilesExclude:     []any{},
		KeyWOLBroadcastIP:   "255.255.255.255",
		KeyWOLTimeout:       "5m",
		KeyWOLPollInterval:  "10s",
		KeyWOLStabilizeWait: "10s",
	},
}
