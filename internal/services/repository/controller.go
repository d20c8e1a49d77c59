// Package repository drives the borg runs of a single repository.
package repository

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/raldone01/borgback/internal/logging"
	"github.com/raldone01/borgback/internal/metrics"
	"github.com/raldone01/borgback/internal/models"
	"github.com/raldone01/borgback/internal/runstate"
	"github.com/raldone01/borgback/internal/schedule"
	"github.com/raldone01/borgback/internal/services/borg"
	"github.com/raldone01/borgback/internal/services/subprocess"
	"github.com/raldone01/borgback/internal/services/wol"
)

// NotDueLogInterval throttles the "not due yet" message.
const NotDueLogInterval = 10 * time.Minute

// Scheduler computes the next due time of a schedule expression.
type Scheduler interface {
	Next(expression string, after time.Time) (time.Time, error)
}

// Status is the coarse state of a controller.
type Status int

const (
	StatusDisabled Status = iota
	StatusIdle
	StatusRunning
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "disabled"
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	}
	return "unknown"
}

// State is a snapshot of the controller state. Phase is only set while
// running.
type State struct {
	Status  Status
	Phase   models.Phase
	NextDue time.Time
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger sets the parent logger. The repository log level is applied on
// top of it.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) { c.baseLogger = logger }
}

// WithRunner replaces the subprocess runner (for testing).
func WithRunner(runner subprocess.Service) Option {
	return func(c *Controller) { c.runner = runner }
}

// WithScheduler replaces the schedule evaluator (for testing).
func WithScheduler(s Scheduler) Option {
	return func(c *Controller) { c.scheduler = s }
}

// WithWaker replaces the Wake-on-LAN service.
func WithWaker(w wol.Service) Option {
	return func(c *Controller) { c.waker = w }
}

// WithClock replaces time.Now (for testing).
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithEnviron replaces os.Environ as the base environment of borg.
func WithEnviron(environ func() []string) Option {
	return func(c *Controller) { c.environ = environ }
}

// WithBorgPath sets the borg binary.
func WithBorgPath(path string) Option {
	return func(c *Controller) { c.borgPath = path }
}

// WithHostRoot sets the working directory of borg.
func WithHostRoot(dir string) Option {
	return func(c *Controller) { c.hostRoot = dir }
}

// Controller owns one repository. All operations are serialized; Stop may be
// called concurrently with a running operation.
type Controller struct {
	cfg   models.RepositoryConfig
	state *runstate.State

	baseLogger zerolog.Logger
	logger     zerolog.Logger
	borgPath   string
	hostRoot   string
	borg       *borg.Impl
	runner     subprocess.Service
	scheduler  Scheduler
	waker      wol.Service
	now        func() time.Time
	environ    func() []string

	opMu sync.Mutex // serializes operations

	mu         sync.Mutex // guards the fields below
	phase      models.Phase
	nextDue    time.Time
	lastNotDue time.Time
}

// New creates the controller and computes the first due time.
func New(cfg models.RepositoryConfig, state *runstate.State, opts ...Option) *Controller {
	c := &Controller{
		cfg:        cfg,
		state:      state,
		baseLogger: zerolog.Nop(),
		borgPath:   models.DefaultBorgPath,
		hostRoot:   models.DefaultHostRoot,
		now:        time.Now,
		environ:    os.Environ,
	}
	for _, opt := range opts {
		opt(c)
	}

	base := c.baseLogger
	if level, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		base = base.Level(level)
	}
	c.logger = logging.Component(base, "repo."+cfg.Name)

	c.borg = borg.New(c.logger, c.borgPath)
	if c.runner == nil {
		c.runner = subprocess.New(base, "repo."+cfg.Name+".borg")
	}
	if c.scheduler == nil {
		c.scheduler = schedule.New()
	}
	if c.waker == nil && cfg.WOL != nil {
		c.waker = wol.New(c.logger)
	}

	if cfg.DryRun {
		c.logger.Info().Msg("dry run enabled")
	}
	if cfg.Enabled && cfg.Scheduled() {
		c.mu.Lock()
		c.scheduleFrom(c.now())
		c.mu.Unlock()
	}
	return c
}

// Name returns the repository name.
func (c *Controller) Name() string {
	return c.cfg.Name
}

// Config returns the repository configuration.
func (c *Controller) Config() models.RepositoryConfig {
	return c.cfg
}

// Enabled reports whether the repository is enabled.
func (c *Controller) Enabled() bool {
	return c.cfg.Enabled
}

// NextDue returns the next scheduled run. It is zero for disabled and
// unscheduled repositories.
func (c *Controller) NextDue() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextDue
}

// State returns a snapshot of the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case !c.cfg.Enabled:
		return State{Status: StatusDisabled}
	case c.phase != "":
		return State{Status: StatusRunning, Phase: c.phase, NextDue: c.nextDue}
	}
	return State{Status: StatusIdle, NextDue: c.nextDue}
}

// TryRunIfDue runs the backup sequence when the schedule says so. After the
// run the next due time is computed from the completion time, so missed slots
// are not caught up.
func (c *Controller) TryRunIfDue(ctx context.Context) models.RunResult {
	if !c.cfg.Enabled {
		c.logger.Debug().Msg("skipping disabled repository")
		return models.ResultSuccess
	}
	if !c.cfg.Scheduled() {
		c.logger.Debug().Msg("repository is unscheduled, skipping")
		return models.ResultSuccess
	}

	now := c.now()
	c.mu.Lock()
	nextDue := c.nextDue
	if nextDue.IsZero() {
		c.mu.Unlock()
		return models.ResultSuccess
	}
	if now.Before(nextDue) {
		if c.lastNotDue.IsZero() || now.Sub(c.lastNotDue) >= NotDueLogInterval {
			c.lastNotDue = now
			c.logger.Debug().Time("next_run", nextDue).Msgf("not due yet, next run at %s", nextDue.Format("2006/01/02 15:04:05"))
		}
		c.mu.Unlock()
		return models.ResultSuccess
	}
	c.mu.Unlock()

	result := c.RunSequence(ctx, false)

	c.mu.Lock()
	c.scheduleFrom(c.now())
	c.mu.Unlock()
	return result
}

// scheduleFrom must be called with mu held.
func (c *Controller) scheduleFrom(after time.Time) {
	next, err := c.scheduler.Next(c.cfg.CronInterval, after)
	if err != nil {
		c.logger.Error().Err(err).Str("cron_interval", c.cfg.CronInterval).Msg("failed to compute next run, repository will not run")
		c.nextDue = time.Time{}
		return
	}
	c.nextDue = next
	metrics.RecordNextRun(c.cfg.Name, next)
}

// RunSequence runs create (or recreate), prune and compact in this order. The
// stop flag is checked before every phase. The result is the sum of the
// executed phases; a failed create does not skip the remaining phases.
func (c *Controller) RunSequence(ctx context.Context, recreate bool) models.RunResult {
	if !c.cfg.Enabled {
		c.logger.Debug().Msg("skipping disabled repository")
		return models.ResultSuccess
	}
	if c.state.Stopping() {
		return models.ResultSuccess
	}

	result := c.RunCreate(ctx, recreate)
	if c.state.Stopping() {
		return result
	}
	result = result.Add(c.RunPrune(ctx))
	if c.state.Stopping() {
		return result
	}
	result = result.Add(c.RunCompact(ctx))

	metrics.RecordSequence(c.cfg.Name, result, c.now())
	if result.OK() {
		c.logger.Info().Msg("backup sequence finished")
	} else {
		c.logger.Error().Int("result", int(result)).Msg("backup sequence finished with errors")
	}
	return result
}

// RunCreate runs borg create, or borg recreate when recreate is set.
func (c *Controller) RunCreate(ctx context.Context, recreate bool) models.RunResult {
	if !c.cfg.Enabled {
		return models.ResultSuccess
	}
	spec := c.borg.Create(c.cfg, recreate, c.state.Debug())
	return c.run(ctx, spec, func(ctx context.Context) {
		c.logger.Info().Str("phase", string(spec.Label)).Msg("running backup create")
		c.wake(ctx)
	})
}

// RunPrune runs borg prune unless pruning is disabled.
func (c *Controller) RunPrune(ctx context.Context) models.RunResult {
	if !c.cfg.Enabled {
		return models.ResultSuccess
	}
	if !c.cfg.Prune {
		c.logger.Info().Msg("prune disabled, skipping")
		return models.ResultSuccess
	}
	return c.run(ctx, c.borg.Prune(c.cfg, c.state.Debug()), func(context.Context) {
		c.logger.Info().Msg("running backup prune")
	})
}

// RunCompact runs borg compact unless compaction is disabled.
func (c *Controller) RunCompact(ctx context.Context) models.RunResult {
	if !c.cfg.Enabled {
		return models.ResultSuccess
	}
	if !c.cfg.Compact {
		c.logger.Info().Msg("compact disabled, skipping")
		return models.ResultSuccess
	}
	return c.run(ctx, c.borg.Compact(c.cfg, c.state.Debug()), func(context.Context) {
		c.logger.Info().Msg("running backup compact")
	})
}

// RunCustom runs a user supplied command with the repository environment.
func (c *Controller) RunCustom(ctx context.Context, tokens []string) models.RunResult {
	return c.run(ctx, c.borg.Custom(tokens), func(context.Context) {
		c.logger.Info().Msg("running custom command")
	})
}

// BreakLocks runs borg break-lock. It does not look at the enabled flag.
func (c *Controller) BreakLocks(ctx context.Context) models.RunResult {
	return c.run(ctx, c.borg.BreakLock(c.state.Debug()), func(context.Context) {
		c.logger.Warn().Msg("breaking locks")
	})
}

// Stop terminates the running subprocess, if any, and waits for it.
func (c *Controller) Stop() {
	if phase := c.State().Phase; phase != "" {
		c.logger.Info().Str("phase", string(phase)).Msg("stopping running phase")
	}
	c.runner.Cancel()
}

func (c *Controller) run(ctx context.Context, spec models.CommandSpec, before func(context.Context)) models.RunResult {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	ctx, cancel := c.runContext(ctx)
	defer cancel()

	c.setPhase(spec.Label)
	defer c.setPhase("")

	before(ctx)
	if ctx.Err() != nil {
		c.logger.Info().Str("phase", string(spec.Label)).Msg("shutdown requested, not starting phase")
		return models.ResultCanceled
	}
	c.logger.Debug().Msgf("running command: %q", spec.String())

	start := c.now()
	result := c.runner.Run(ctx, spec, subprocess.Options{
		Env: borg.Env(c.environ(), c.cfg),
		Dir: c.hostRoot,
	})
	metrics.RecordPhase(c.cfg.Name, spec.Label, result, c.now().Sub(start))
	return result
}

// runContext is canceled when either ctx or the shared state is.
func (c *Controller) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.state.Context(), cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *Controller) setPhase(p models.Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// wake runs the Wake-on-LAN step. A failure is logged and borg tries anyway.
func (c *Controller) wake(ctx context.Context) {
	if c.cfg.WOL == nil || c.waker == nil {
		return
	}
	result := c.waker.Wake(ctx, *c.cfg.WOL)
	if result.Error != nil {
		c.logger.Warn().
			Err(result.Error).
			Bool("packet_sent", result.PacketSent).
			Dur("waited", result.WaitDuration).
			Msg("wake-on-LAN failed, continuing")
		return
	}
	c.logger.Info().Dur("waited", result.WaitDuration).Msg("repository host is awake")
}
