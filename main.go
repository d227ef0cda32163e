package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"sync-core/internal/api"
	"sync-core/internal/cache"
	"sync-core/internal/events"
	"sync-core/internal/manager"
	"sync-core/pkg/config"
	"sync-core/pkg/creds"
	"sync-core/pkg/db"
	"sync-core/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "").Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFile)
	logger.Info("starting sync core", "port", cfg.Port, "db", cfg.DBPath)

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		logger.Error("database init failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	bus := events.NewBus()
	defer bus.Close()

	layered := cache.New(cache.DefaultTTL())

	provider := creds.NewStatic(cfg.AuthToken)
	deviceID, err := creds.DeviceID()
	if err != nil {
		logger.Warn("device fingerprint unavailable", "err", err)
	}

	mgr := manager.New(cfg, bus, layered, store, provider, deviceID, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx); err != nil {
		logger.Error("manager start failed", "err", err)
		os.Exit(1)
	}

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "v1.0-dev"
	}

	server := api.NewServer(mgr, bus, cfg.APIToken, version, logger)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			logger.Error("api server error", "err", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	mgr.Stop()
}
