package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"aigc-queue/internal/api"
	"aigc-queue/internal/config"
	"aigc-queue/internal/controller"
	"aigc-queue/internal/producer"
	"aigc-queue/internal/store"
	"aigc-queue/internal/worklog"
)

func main() {
	cfg := config.Load()
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "api").Logger()

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
	if err := log.EnsureGroup(ctx); err != nil {
		logger.Fatal().Err(err).Msg("create consumer group")
	}
	ctrl := controller.New(log.Client(), cfg)
	if err := ctrl.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("seed concurrency state")
	}

	core := producer.New(st, log, ctrl, logger)
	server := api.New(core, func(ctx context.Context) error {
		return log.Client().Ping(ctx).Err()
	})
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
