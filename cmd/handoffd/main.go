// Package main is the main package for the handoffd application.
//
// It loads the configuration, sets up logging and manages the lifecycle of
// the service, including its graceful shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joaopenteado/runcfg/zerologcfg"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/joaopenteado/handoff/internal/config"
	"github.com/joaopenteado/handoff/internal/service"
)

const InitializationTimeout = 5 * time.Second

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		// Ensure the root context is called, since os.Exit() does not call
		// deferred functions.
		cancel()

		log.Fatal().Err(err).Msg("failed to run service")
	}
}

func run(ctx context.Context) error {
	initCtx, initCancel := context.WithTimeout(ctx, InitializationTimeout)
	defer initCancel()

	// Configuration
	cfg, err := config.Load(initCtx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Logging
	zerolog.SetGlobalLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = log.Hook(zerologcfg.Hook(cfg.ProjectID))
	}
	zerolog.DefaultContextLogger = &log.Logger

	svc, err := service.New(ctx, cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error)
	go func() {
		defer close(errCh)
		errCh <- svc.Start(ctx)
	}()

	sig, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			return err // Server failed to start
		}
	case <-sig.Done(): // Graceful shutdown signal received
	}

	log.Info().
		Dur("timeout", cfg.ShutdownTimeout).
		Msg("starting graceful shutdown")

	// Remove the signal handler immediately to ensure following signals
	// forcefully terminate the application.
	stop()

	ctx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()

	if err := svc.Stop(ctx); err != nil {
		return err
	}

	return nil
}
