// Package config loads and validates the TOML configuration file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joomcode/errorx"
	"github.com/spf13/viper"

	"github.com/raldone01/borgback/internal/models"
)

// Parser handles configuration file parsing.
type Parser struct {
	v    *viper.Viper
	opts models.Options
}

// NewParser creates a new configuration parser. Command line options take
// precedence over the file.
func NewParser(opts models.Options) *Parser {
	v := viper.New()
	v.SetConfigType("toml")
	return &Parser{v: v, opts: opts}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ReadFailed.Wrap(err, "reading config file %q", path)
	}
	return p.LoadReader(string(data))
}

// LoadReader loads configuration from a string (useful for testing).
func (p *Parser) LoadReader(content string) (*models.Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, ReadFailed.Wrap(err, "decoding config")
	}

	names, err := repositoryNames(content)
	if err != nil {
		return nil, err
	}

	cfg, err := p.parse(names)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (p *Parser) parse(names []string) (*models.Config, error) {
	cfg := &models.Config{
		BorgPath: p.opts.BorgPath,
		HostRoot: p.opts.HostRoot,
	}
	if cfg.BorgPath == "" {
		cfg.BorgPath = models.DefaultBorgPath
	}
	if cfg.HostRoot == "" {
		cfg.HostRoot = models.DefaultHostRoot
	}

	cli := p.overrides()
	general := viperSource{name: "[" + SectionGeneral + "]", prefix: SectionGeneral, v: p.v}

	global := resolver{scope: "general", sources: []Source{cli, general, Defaults}}
	level, err := logLevel(global)
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	for _, name := range names {
		repo, err := p.parseRepository(name, cli, general)
		if err != nil {
			return nil, err
		}
		cfg.Repositories = append(cfg.Repositories, repo)
	}
	return cfg, nil
}

// overrides returns the command line source. dry_run only overrides when the
// flag was given, so a repository cannot be forced out of dry-run.
func (p *Parser) overrides() MapSource {
	src := MapSource{SourceName: "command line", Values: map[Key]any{}}
	if p.opts.DryRun {
		src.Values[KeyDryRun] = true
	}
	if p.opts.LogLevel != "" {
		src.Values[KeyLogLevel] = p.opts.LogLevel
	}
	return src
}

//nolint:gocyclo // one branch per key
func (p *Parser) parseRepository(name string, cli, general Source) (models.RepositoryConfig, error) {
	r := resolver{
		scope: fmt.Sprintf("repository %q", name),
		sources: []Source{
			cli,
			viperSource{name: fmt.Sprintf("[%s.%s]", SectionRepositories, name), prefix: SectionRepositories + "." + name, v: p.v},
			general,
			Defaults,
		},
	}
	repo := models.RepositoryConfig{Name: name}
	var err error

	if repo.LogLevel, err = logLevel(r); err != nil {
		return repo, err
	}
	if repo.CronInterval, err = cronInterval(r); err != nil {
		return repo, err
	}

	if repo.Retention.KeepDaily, err = r.Int(KeyKeepDaily); err != nil {
		return repo, err
	}
	if repo.Retention.KeepWeekly, err = r.Int(KeyKeepWeekly); err != nil {
		return repo, err
	}
	if repo.Retention.KeepMonthly, err = r.Int(KeyKeepMonthly); err != nil {
		return repo, err
	}
	if repo.Retention.KeepYearly, err = r.Int(KeyKeepYearly); err != nil {
		return repo, err
	}

	if repo.Prune, err = r.Bool(KeyPrune); err != nil {
		return repo, err
	}
	if repo.Compact, err = r.Bool(KeyCompact); err != nil {
		return repo, err
	}

	passFile, err := r.String(KeyPassFile)
	if err != nil {
		return repo, err
	}
	repo.PassFile = expandEnv(passFile)
	if repo.Passphrase, err = ReadPassFile(repo.PassFile); err != nil {
		return repo, InvalidValue.Wrap(err, "%s: %s", r.scope, KeyPassFile)
	}

	if repo.Enabled, err = r.Bool(KeyEnabled); err != nil {
		return repo, err
	}

	keyFile, err := r.OptionalString(KeySSHKeyFile)
	if err != nil {
		return repo, err
	}
	if keyFile != "" {
		repo.SSHKeyFile = expandEnv(keyFile)
		if err := ValidateSSHKey(repo.SSHKeyFile); err != nil {
			return repo, InvalidValue.Wrap(err, "%s: %s", r.scope, KeySSHKeyFile)
		}
	}

	repoURL, err := r.String(KeyRepoURL)
	if err != nil {
		return repo, err
	}
	repo.RepoURL = expandEnv(repoURL)

	if repo.FilesInclude, err = r.Strings(KeyFilesInclude); err != nil {
		return repo, err
	}
	if repo.FilesExclude, err = r.Strings(KeyFilesExclude); err != nil {
		return repo, err
	}
	if repo.Hostname, err = r.String(KeyHostname); err != nil {
		return repo, err
	}
	if repo.DryRun, err = r.Bool(KeyDryRun); err != nil {
		return repo, err
	}

	if repo.WOL, err = wolConfig(r); err != nil {
		return repo, err
	}
	return repo, nil
}

func logLevel(r resolver) (string, error) {
	level, err := r.String(KeyLogLevel)
	if err != nil {
		return "", err
	}
	if err := ValidateLogLevel(level); err != nil {
		return "", InvalidValue.Wrap(err, "%s: %s", r.scope, KeyLogLevel)
	}
	return strings.ToUpper(level), nil
}

// cronInterval accepts a cron expression, "unscheduled" or false.
func cronInterval(r resolver) (string, error) {
	v, src, err := r.lookup(KeyCronInterval)
	if err != nil {
		return "", err
	}
	switch x := v.(type) {
	case bool:
		if !x {
			return models.Unscheduled, nil
		}
	case string:
		if strings.EqualFold(strings.TrimSpace(x), models.Unscheduled) {
			return models.Unscheduled, nil
		}
		if err := ValidateCron(x); err != nil {
			return "", InvalidValue.Wrap(err, "%s: %s (from %s)", r.scope, KeyCronInterval, src.Name())
		}
		return x, nil
	}
	return "", r.invalid(KeyCronInterval, src, "expected a cron expression, %q or false, got %v", models.Unscheduled, v)
}

// wolConfig returns nil when no MAC address is configured.
func wolConfig(r resolver) (*models.WOLConfig, error) {
	mac, err := r.OptionalString(KeyWOLMACAddress)
	if err != nil || mac == "" {
		return nil, err
	}

	cfg := &models.WOLConfig{MACAddress: mac}
	if cfg.BroadcastIP, err = r.String(KeyWOLBroadcastIP); err != nil {
		return nil, err
	}
	if cfg.PollURL, err = r.OptionalString(KeyWOLPollURL); err != nil {
		return nil, err
	}
	if cfg.Timeout, err = r.Duration(KeyWOLTimeout); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = r.Duration(KeyWOLPollInterval); err != nil {
		return nil, err
	}
	if cfg.StabilizeWait, err = r.Duration(KeyWOLStabilizeWait); err != nil {
		return nil, err
	}
	return cfg, nil
}

// repositoryNames returns the [repo.<name>] sections in file order. viper
// keeps neither the order nor the case of keys.
func repositoryNames(content string) ([]string, error) {
	var raw map[string]any
	md, err := toml.Decode(content, &raw)
	if err != nil {
		return nil, ReadFailed.Wrap(err, "decoding config")
	}

	section, ok := raw[SectionRepositories]
	if !ok {
		return nil, nil
	}
	repos, ok := section.(map[string]any)
	if !ok {
		return nil, InvalidValue.New("%q must be a table of repositories", SectionRepositories)
	}

	var names []string
	seen := make(map[string]string)
	for _, key := range md.Keys() {
		if len(key) != 2 || key[0] != SectionRepositories {
			continue
		}
		name := key[1]
		if _, ok := repos[name].(map[string]any); !ok {
			return nil, InvalidValue.New("%s.%s must be a table", SectionRepositories, name)
		}
		if err := validateName(name); err != nil {
			return nil, err
		}
		lower := strings.ToLower(name)
		if other, dup := seen[lower]; dup {
			if other == name {
				continue
			}
			return nil, InvalidValue.New("repository names %q and %q differ only in case", other, name)
		}
		seen[lower] = name
		names = append(names, name)
	}
	return names, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// IsMissingKey reports whether err was caused by a missing configuration key.
func IsMissingKey(err error) bool {
	return errorx.IsOfType(err, MissingKey)
}

// IsInvalidValue reports whether err was caused by an invalid value.
func IsInvalidValue(err error) bool {
	return errorx.IsOfType(err, InvalidValue)
}
