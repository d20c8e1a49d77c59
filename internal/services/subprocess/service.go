// Package subprocess runs external commands and streams their output into the
// log line by line.
package subprocess

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/raldone01/borgback/internal/logging"
	"github.com/raldone01/borgback/internal/models"
)

// Service defines the interface of a cancellable command runner.
type Service interface {
	Run(ctx context.Context, spec models.CommandSpec, opts Options) models.RunResult
	Cancel()
}

// Options describe the process environment.
type Options struct {
	Env []string // complete environment, not appended to os.Environ()
	Dir string
}

// DefaultWaitDelay is how long output pipes may stay open after the process
// exited, e.g. held by a background child that left the process group.
const DefaultWaitDelay = 30 * time.Second

// Impl implements Service. One Impl runs at most one command at a time.
type Impl struct {
	logger    zerolog.Logger
	component string
	waitDelay time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a runner. Output of a command labelled "create" is logged under
// the component "<component>.create".
func New(logger zerolog.Logger, component string) *Impl {
	return &Impl{
		logger:    logger,
		component: component,
		waitDelay: DefaultWaitDelay,
	}
}

// Run starts the command, drains stdout and stderr concurrently and waits for
// the process to exit and both drains to finish. It never returns an error: launch and communication
// failures are logged and reported as models.ResultNotStarted.
func (r *Impl) Run(ctx context.Context, spec models.CommandSpec, opts Options) models.RunResult {
	log := logging.Component(r.logger, r.component+"."+string(spec.Label))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		cancel()
		log.Error().Str("label", string(spec.Label)).Msg("runner is busy with another command")
		return models.ResultNotStarted
	}
	r.cancel, r.done = cancel, done
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.cancel, r.done = nil, nil
		r.mu.Unlock()
		cancel()
		close(done)
	}()

	return r.run(runCtx, log, spec, opts)
}

// Cancel asks the running process to terminate (SIGTERM to its process group)
// and blocks until Run has drained the output and returned. It is a no-op when
// nothing runs.
func (r *Impl) Cancel() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel == nil {
		return
	}

	r.logger.Info().Str(logging.ComponentField, r.component).Msg("stopping subprocess")
	cancel()
	<-done
}

func (r *Impl) run(ctx context.Context, log zerolog.Logger, spec models.CommandSpec, opts Options) models.RunResult {
	label := string(spec.Label)
	start := time.Now()

	fail := func(err error) models.RunResult {
		elapsed := time.Since(start)
		log.Error().
			Err(err).
			Str("label", label).
			Strs("args", spec.Args).
			Str("dir", opts.Dir).
			Dur("duration", elapsed).
			Msgf("failed to run %q in %s", label, FormatElapsed(elapsed))
		if ctx.Err() != nil {
			return models.ResultCanceled
		}
		return models.ResultNotStarted
	}

	if len(spec.Args) == 0 {
		return fail(errors.New("empty command"))
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	closePipes := func() {
		stdoutW.Close()
		stderrW.Close()
	}

	// Plain exec.Command: cancellation goes through terminate below and is
	// never escalated to SIGKILL.
	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Env = opts.Env
	cmd.Dir = opts.Dir
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.WaitDelay = r.waitDelay
	configureProcess(cmd)

	if err := ctx.Err(); err != nil {
		closePipes()
		return fail(err)
	}
	if err := cmd.Start(); err != nil {
		closePipes()
		return fail(err)
	}

	stopWatch := context.AfterFunc(ctx, func() {
		if err := terminate(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Warn().Err(err).Str("label", label).Msg("failed to terminate process group")
		}
	})

	stderrLevel := zerolog.InfoLevel
	if spec.StderrPolicy == models.StderrAsError {
		stderrLevel = zerolog.ErrorLevel
	}

	var g errgroup.Group
	g.Go(func() error {
		return drain(stdoutR, func(line string) { log.Info().Msg(line) })
	})
	g.Go(func() error {
		return drain(stderrR, func(line string) { log.WithLevel(stderrLevel).Msg(line) })
	})

	// Wait returns once the process exited and its output was copied, or
	// WaitDelay after the exit if a leftover child still holds the pipes.
	waitErr := cmd.Wait()
	stopWatch()
	closePipes()
	drainErr := g.Wait()
	elapsed := time.Since(start)

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		log.Warn().
			Str("label", label).
			Dur("wait_delay", r.waitDelay).
			Msg("output pipes still open after the process exited, closed them")
		waitErr = nil
	}

	if drainErr != nil {
		log.Error().Err(drainErr).Str("label", label).Msg("failed to read command output")
	}

	result := resultOf(cmd.ProcessState, waitErr, drainErr, ctx.Err() != nil)
	if result.OK() {
		log.Info().
			Str("label", label).
			Dur("duration", elapsed).
			Msgf("%q finished in %s", label, FormatElapsed(elapsed))
	} else {
		log.Error().
			Err(waitErr).
			Str("label", label).
			Dur("duration", elapsed).
			Int("exit_code", int(result)).
			Msgf("failed to run %q in %s, exit: %d", label, FormatElapsed(elapsed), int(result))
	}
	return result
}

// resultOf maps the process outcome to a RunResult. A run that was canceled
// or lost its output never counts as a success.
func resultOf(state *os.ProcessState, waitErr, drainErr error, canceled bool) models.RunResult {
	if state == nil {
		if canceled {
			return models.ResultCanceled
		}
		return models.ResultNotStarted
	}

	code := models.RunResult(exitStatus(state))
	if code < 0 {
		code = models.ResultNotStarted
	}
	if code != models.ResultSuccess {
		return code
	}

	switch {
	case canceled:
		return models.ResultCanceled
	case waitErr != nil, drainErr != nil:
		return models.ResultNotStarted
	}
	return models.ResultSuccess
}

// drain forwards every line of r to sink. Lines have no length limit.
func drain(r io.Reader, sink func(string)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			sink(decodeLine(line))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func decodeLine(line string) string {
	return strings.ToValidUTF8(strings.TrimRight(line, "\r\n"), "\uFFFD")
}

// FormatElapsed renders a duration as HH:MM:SS, hours may exceed 24.
func FormatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
