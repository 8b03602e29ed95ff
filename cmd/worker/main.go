package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatcher/internal/app"
	"github.com/unclebandit/campaign-dispatcher/internal/config"
	"github.com/unclebandit/campaign-dispatcher/internal/logging"
)

// The worker runs campaign loops without the HTTP API. Commands arrive on the
// campaign_commands queue.
func main() {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info", "console")
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("worker failed")
		os.Exit(1)
	}
	log.Info().Msg("worker stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if err := checkWorkerConfig(cfg); err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	log.Info().Msg("worker running, waiting for commands...")
	return a.Run(ctx)
}

// checkWorkerConfig rejects settings under which the worker could never
// receive a command.
func checkWorkerConfig(cfg *config.Config) error {
	if cfg.AMQPURL == "" {
		return errors.New("AMQP_URL is required: the worker receives commands only from RabbitMQ")
	}
	return nil
}
