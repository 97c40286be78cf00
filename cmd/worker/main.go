package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"aigc-queue/internal/config"
	"aigc-queue/internal/controller"
	"aigc-queue/internal/provider"
	"aigc-queue/internal/store"
	"aigc-queue/internal/telemetry"
	"aigc-queue/internal/worker"
	"aigc-queue/internal/worklog"
)

func main() {
	cfg := config.Load()
	logger := zerolog.New(os.Stderr).With().Timestamp().
		Str("service", "worker").
		Str("consumer", cfg.ConsumerName).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations")
	}

	log := worklog.New(cfg)
	ctrl := controller.New(log.Client(), cfg)

	client, err := provider.NewTencentClient(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init provider client")
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	w := worker.New(cfg, log, ctrl, st, client, logger)
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("worker stopped")
	}
}
