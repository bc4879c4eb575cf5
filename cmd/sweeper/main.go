package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"classattend/internal/authz"
	"classattend/internal/config"
	"classattend/internal/directory"
	"classattend/internal/notify"
	"classattend/internal/presence"
	"classattend/internal/session"
	"classattend/internal/store"
)

// Standalone expiry-sweep runner, for deployments that keep the API
// processes free of background work. The sweep path is idempotent, so
// running it alongside an API with SWEEP_ENABLED is harmless.
func main() {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var notifier notify.Notifier
	if cfg.NotifyBackend == "memory" {
		notifier = notify.NewInMemory()
	} else {
		notifier = notify.NewRedis(redisClient.Client, "classattend:")
	}

	dir := directory.New(cfg.DirectoryURL, cfg.DirectorySkip)
	sessions := session.NewPgStore(db.Client)
	presenceStore := presence.NewStore(db.Client)
	manager := session.NewManager(sessions, presenceStore, dir, authz.New(dir), notifier, logger, cfg.TokenRefresh)

	session.NewSweeper(manager, cfg.SweepInterval, logger).Run(ctx)
	logger.Info("sweeper stopped")
}
