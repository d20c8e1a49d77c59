// Package runstate holds the process-wide state shared by the manager and
// every repository controller.
package runstate

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// State carries the shutdown signal and the resolved process log level.
// The stop flag is set once and never reset.
type State struct {
	stopping atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
	level    zerolog.Level
}

// New creates a State whose context is derived from parent.
func New(parent context.Context, level zerolog.Level) *State {
	ctx, cancel := context.WithCancel(parent)
	return &State{
		ctx:    ctx,
		cancel: cancel,
		level:  level,
	}
}

// MarkStopping sets the stop flag without canceling the shared context. It
// reports whether this call set the flag.
func (s *State) MarkStopping() bool {
	return s.stopping.CompareAndSwap(false, true)
}

// RequestStop sets the stop flag and cancels the shared context.
func (s *State) RequestStop() {
	s.stopping.Store(true)
	s.once.Do(s.cancel)
}

// Stopping reports whether shutdown was requested.
func (s *State) Stopping() bool {
	return s.stopping.Load()
}

// Context is canceled once shutdown was requested.
func (s *State) Context() context.Context {
	return s.ctx
}

// LogLevel returns the process-wide log level.
func (s *State) LogLevel() zerolog.Level {
	return s.level
}

// Debug reports whether the process runs at debug level, in which case borg is
// asked for verbose output.
func (s *State) Debug() bool {
	return s.level <= zerolog.DebugLevel
}
