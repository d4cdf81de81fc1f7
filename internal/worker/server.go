// Package worker wires a driver, the queue daemon and the HTTP server into one
// process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"instrumentq/internal/api"
	"instrumentq/internal/config"
	"instrumentq/internal/driver"
	"instrumentq/internal/infra/archive"
	"instrumentq/internal/persistconf"
	"instrumentq/internal/usecase"
)

var ErrServerRunning = errors.New("another server with this name is already running")

// Run serves the dummy driver until ctx is done. At most one process per
// driver name and config directory may run at a time.
func Run(ctx context.Context, cfg *config.Config) error {
	dir := cfg.Driver.ConfigDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	lockPath := filepath.Join(dir, cfg.Server.Name+".lock")
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w (lock %s)", ErrServerRunning, lockPath)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn().Err(err).Msg("failed to release server lock")
		}
	}()

	driverCfg, err := persistconf.Open(filepath.Join(dir, cfg.Server.Name+".config.toml"), persistconf.Options{
		Defaults: driver.DummyDefaults,
	})
	if err != nil {
		return fmt.Errorf("open driver config: %w", err)
	}

	store, err := archive.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close archive")
		}
	}()

	engine := usecase.NewEngine(driver.NewDummy(cfg.Server.Name, driverCfg), store, usecase.Options{
		StartPaused:   cfg.Daemon.StartPaused,
		StartDebug:    cfg.Daemon.StartDebug,
		DebugDelay:    cfg.Daemon.DebugDelay,
		PausePoll:     cfg.Daemon.PausePoll,
		PauseLogEvery: cfg.Daemon.PauseLogInterval,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("queue daemon stopped with error")
		}
	}()

	if cfg.Auth.DefaultSecret() {
		log.Warn().Msg("Auth_Secret is not set, tokens are signed with the built-in default secret")
	}
	log.Info().
		Str("name", cfg.Server.Name).
		Str("config", driverCfg.Path()).
		Str("archive", cfg.Archive.Backend).
		Msg("starting server")

	server := api.NewServer(engine, api.NewTokens(cfg.Auth.Secret, cfg.Auth.Password), api.Info{
		Name:       cfg.Server.Name,
		Experiment: cfg.Server.Experiment,
		Contact:    cfg.Server.Contact,
	})
	err = server.Run(ctx, cfg.Server.Port)

	engine.Halt()
	cancel()
	wg.Wait()
	return err
}
