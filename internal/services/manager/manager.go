// Package manager owns all repository controllers and runs the scheduling
// loop.
package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/raldone01/borgback/internal/models"
	"github.com/raldone01/borgback/internal/runstate"
	"github.com/raldone01/borgback/internal/services/repository"
)

// DefaultTick is the pause between two passes of the scheduling loop.
const DefaultTick = 3 * time.Second

// Controller is the part of repository.Controller the manager uses.
type Controller interface {
	Name() string
	Enabled() bool
	TryRunIfDue(ctx context.Context) models.RunResult
	RunSequence(ctx context.Context, recreate bool) models.RunResult
	RunCustom(ctx context.Context, tokens []string) models.RunResult
	BreakLocks(ctx context.Context) models.RunResult
	Stop()
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithTick sets the loop interval.
func WithTick(d time.Duration) Option {
	return func(m *Manager) { m.tick = d }
}

// WithControllerOptions are passed to every repository controller.
func WithControllerOptions(opts ...repository.Option) Option {
	return func(m *Manager) { m.controllerOpts = append(m.controllerOpts, opts...) }
}

// WithControllers replaces the controllers built from the configuration (for
// testing).
func WithControllers(controllers ...Controller) Option {
	return func(m *Manager) { m.controllers = controllers }
}

// Manager fans operations out to the repositories in configuration file order.
type Manager struct {
	state          *runstate.State
	logger         zerolog.Logger
	tick           time.Duration
	controllerOpts []repository.Option
	controllers    []Controller
}

// New creates one controller per configured repository.
func New(cfg *models.Config, state *runstate.State, opts ...Option) *Manager {
	m := &Manager{
		state:  state,
		logger: zerolog.Nop(),
		tick:   DefaultTick,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.controllers == nil {
		ctrlOpts := append([]repository.Option{
			repository.WithLogger(m.logger),
			repository.WithBorgPath(cfg.BorgPath),
			repository.WithHostRoot(cfg.HostRoot),
		}, m.controllerOpts...)

		for _, repoCfg := range cfg.Repositories {
			m.logger.Debug().Str("repository", repoCfg.Name).Msg("loading repository")
			m.controllers = append(m.controllers, repository.New(repoCfg, state, ctrlOpts...))
		}
	}
	return m
}

// Controllers returns the controllers in configuration file order.
func (m *Manager) Controllers() []Controller {
	return m.controllers
}

// Run is the daemon loop. It returns once shutdown was requested.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info().Int("repositories", len(m.controllers)).Dur("tick", m.tick).Msg("backup manager started")

	timer := time.NewTimer(m.tick)
	defer timer.Stop()

	for !m.state.Stopping() {
		for _, c := range m.controllers {
			if m.state.Stopping() {
				break
			}
			c.TryRunIfDue(ctx)
		}

		timer.Reset(m.tick)
		select {
		case <-m.state.Context().Done():
		case <-ctx.Done():
			m.Shutdown()
		case <-timer.C:
		}
	}

	m.logger.Info().Msg("backup manager stopped")
	return nil
}

// RunBackupNow runs the backup sequence on every repository, one after the
// other. Disabled repositories contribute a neutral result.
func (m *Manager) RunBackupNow(ctx context.Context, recreate bool) models.RunResult {
	return m.each(func(c Controller) models.RunResult {
		return c.RunSequence(ctx, recreate)
	}, false)
}

// RunCmd runs a custom command on every repository, enabled or not.
func (m *Manager) RunCmd(ctx context.Context, tokens []string) models.RunResult {
	return m.each(func(c Controller) models.RunResult {
		return c.RunCustom(ctx, tokens)
	}, false)
}

// BreakLocks runs borg break-lock on every enabled repository.
func (m *Manager) BreakLocks(ctx context.Context) models.RunResult {
	return m.each(func(c Controller) models.RunResult {
		return c.BreakLocks(ctx)
	}, true)
}

func (m *Manager) each(fn func(Controller) models.RunResult, enabledOnly bool) models.RunResult {
	var total models.RunResult
	for _, c := range m.controllers {
		if m.state.Stopping() {
			break
		}
		if enabledOnly && !c.Enabled() {
			m.logger.Debug().Str("repository", c.Name()).Msg("skipping disabled repository")
			continue
		}
		total = total.Add(fn(c))
	}
	return total
}

// Shutdown sets the stop flag, terminates running subprocesses and then
// cancels the shared context. It may be called more than once and from any
// goroutine.
func (m *Manager) Shutdown() {
	if !m.state.MarkStopping() {
		return
	}
	m.logger.Info().Msg("shutting down backup manager")
	for _, c := range m.controllers {
		c.Stop()
	}
	m.state.RequestStop()
}
