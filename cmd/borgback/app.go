package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"github.com/raldone01/borgback/internal/config"
	"github.com/raldone01/borgback/internal/logging"
	"github.com/raldone01/borgback/internal/metrics"
	"github.com/raldone01/borgback/internal/models"
	"github.com/raldone01/borgback/internal/runstate"
	"github.com/raldone01/borgback/internal/services/borg"
	"github.com/raldone01/borgback/internal/services/manager"
)

// app is the wired process shared by all run modes.
type app struct {
	cfg     *models.Config
	state   *runstate.State
	manager *manager.Manager

	lock       *flock.Flock
	metricsSrv *http.Server
	stopSignal func()
}

func loadConfig() (*models.Config, error) {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return nil, errors.New("config file is required, use --config")
	}

	log.Info().Str("file", configFile).Msg("reading config file")
	cfg, err := config.NewParser(options()).LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, err
	}
	return cfg, nil
}

// setup loads the configuration and wires every component. The caller must
// call close.
func setup(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	// The file may set a different level than the command line did.
	if err := setupLogging(cfg.LogLevel); err != nil {
		return nil, err
	}
	level, _ := logging.ParseLevel(cfg.LogLevel)

	a := &app{cfg: cfg}
	if err := a.acquireLock(); err != nil {
		return nil, err
	}

	version, err := borg.New(log.Logger, cfg.BorgPath).Version(ctx)
	if err != nil {
		log.Error().Err(err).Str("borg_path", cfg.BorgPath).Msg(`failed to run "borg --version", is borg installed?`)
		a.close()
		return nil, err
	}
	log.Info().Str("version", version).Msg("borg found")

	a.state = runstate.New(ctx, level)
	a.manager = manager.New(cfg, a.state, manager.WithLogger(log.Logger))
	log.Info().
		Int("repositories", len(cfg.Repositories)).
		Str("borg_path", cfg.BorgPath).
		Str("host_root", cfg.HostRoot).
		Msg("configuration loaded")

	a.handleSignals()
	a.serveMetrics()
	return a, nil
}

func (a *app) acquireLock() error {
	if lockFile == "" {
		return nil
	}
	a.lock = flock.New(lockFile)
	locked, err := a.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", lockFile, err)
	}
	if !locked {
		log.Error().Str("lock_file", lockFile).Msg("another borgback instance is running")
		return fmt.Errorf("lock %s is held by another process", lockFile)
	}
	log.Debug().Str("lock_file", lockFile).Msg("lock acquired")
	return nil
}

// handleSignals shuts the manager down on SIGINT, SIGTERM and SIGQUIT.
func (a *app) handleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, initiating graceful shutdown")
			a.manager.Shutdown()
		case <-done:
		}
	}()

	a.stopSignal = func() {
		signal.Stop(sigChan)
		close(done)
	}
}

func (a *app) serveMetrics() {
	if metricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	a.metricsSrv = &http.Server{
		Addr:              metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", metricsAddr).Msg("serving metrics")
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", metricsAddr).Msg("metrics server failed")
		}
	}()
}

func (a *app) close() {
	if a.stopSignal != nil {
		a.stopSignal()
	}
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.metricsSrv.Shutdown(ctx)
	}
	if a.lock != nil {
		if err := a.lock.Unlock(); err != nil {
			log.Warn().Err(err).Str("lock_file", lockFile).Msg("failed to release lock")
		}
	}
}

// finish logs the aggregate of a one-shot mode and turns failures into an
// error so the process exits non-zero.
func finish(mode string, result models.RunResult) error {
	if !result.OK() {
		log.Error().Str("mode", mode).Int("result", int(result)).Msg("finished with errors")
		return fmt.Errorf("%s finished with errors (result %d)", mode, int(result))
	}
	log.Info().Str("mode", mode).Msg("finished successfully")
	return nil
}
