// Package borg builds borg command lines and environments.
package borg

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/raldone01/borgback/internal/models"
)

// ArchiveTimestamp is the placeholder borg replaces with the archive creation time.
const ArchiveTimestamp = "{now}"

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its combined output.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Impl builds borg invocations for one borg binary.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
	borgPath string
}

// New creates a borg command builder.
func New(logger zerolog.Logger, borgPath string) *Impl {
	return NewWithExecutor(logger, borgPath, &DefaultExecutor{})
}

// NewWithExecutor creates a borg command builder with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, borgPath string, executor CommandExecutor) *Impl {
	if borgPath == "" {
		borgPath = models.DefaultBorgPath
	}
	return &Impl{
		executor: executor,
		logger:   logger,
		borgPath: borgPath,
	}
}

// Path returns the borg binary used by the builder.
func (s *Impl) Path() string {
	return s.borgPath
}

// Version runs "borg --version" and returns the reported version.
func (s *Impl) Version(ctx context.Context) (string, error) {
	s.logger.Debug().Str("borg_path", s.borgPath).Msg(`running "borg --version"`)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	output, err := s.executor.Execute(ctx, s.borgPath, "--version")
	if err != nil {
		return "", fmt.Errorf("failed to run %q: %w, output: %s", s.borgPath+" --version", err, strings.TrimSpace(string(output)))
	}

	version := strings.TrimSpace(string(output))
	if version == "" {
		return "", fmt.Errorf("%s --version printed nothing", s.borgPath)
	}
	return version, nil
}

// Create builds the create (or recreate) command. The archive is named
// "<hostname>-{now}".
func (s *Impl) Create(cfg models.RepositoryConfig, recreate, verbose bool) models.CommandSpec {
	phase := models.PhaseCreate
	if recreate {
		phase = models.PhaseRecreate
	}

	args := []string{
		s.borgPath, string(phase),
		"--filter", "AMEds",
		"--list",
		"--stats",
		"--show-rc",
		"--compression", "zstd",
		"--exclude-caches",
	}
	args = appendCommonFlags(args, cfg.DryRun, verbose)

	for _, pattern := range cfg.FilesExclude {
		args = append(args, "--exclude", pattern)
	}

	args = append(args, "::"+cfg.Hostname+"-"+ArchiveTimestamp)
	args = append(args, cfg.FilesInclude...)

	return models.CommandSpec{Args: args, Label: phase}
}

// Prune builds the prune command. Only archives of the configured host are
// considered.
func (s *Impl) Prune(cfg models.RepositoryConfig, verbose bool) models.CommandSpec {
	args := []string{
		s.borgPath, "prune",
		"--list",
		"--glob-archives", cfg.Hostname + "-*",
		"--show-rc",
		"--keep-daily", fmt.Sprint(cfg.Retention.KeepDaily),
		"--keep-weekly", fmt.Sprint(cfg.Retention.KeepWeekly),
		"--keep-monthly", fmt.Sprint(cfg.Retention.KeepMonthly),
		"--keep-yearly", fmt.Sprint(cfg.Retention.KeepYearly),
	}
	args = appendCommonFlags(args, cfg.DryRun, verbose)

	return models.CommandSpec{Args: args, Label: models.PhasePrune}
}

// Compact builds the compact command.
func (s *Impl) Compact(cfg models.RepositoryConfig, verbose bool) models.CommandSpec {
	args := appendCommonFlags([]string{s.borgPath, "compact"}, cfg.DryRun, verbose)
	return models.CommandSpec{Args: args, Label: models.PhaseCompact}
}

// BreakLock builds the break-lock command. It has no dry-run mode.
func (s *Impl) BreakLock(verbose bool) models.CommandSpec {
	args := []string{s.borgPath, "break-lock"}
	if verbose {
		args = append(args, "--verbose")
	}
	return models.CommandSpec{Args: args, Label: models.PhaseBreakLock}
}

// Custom wraps user supplied tokens. They are passed through unchanged and
// stderr is treated as regular output.
func (s *Impl) Custom(tokens []string) models.CommandSpec {
	return models.CommandSpec{
		Args:         append([]string(nil), tokens...),
		Label:        models.PhaseCustom,
		StderrPolicy: models.StderrAsInfo,
	}
}

func appendCommonFlags(args []string, dryRun, verbose bool) []string {
	if dryRun {
		args = append(args, "--dry-run")
	}
	if verbose {
		args = append(args, "--verbose")
	}
	return args
}
