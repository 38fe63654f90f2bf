package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Guizzs26/cu-sync-agent/internal/backend"
	"github.com/Guizzs26/cu-sync-agent/internal/bootstrap"
	"github.com/Guizzs26/cu-sync-agent/internal/broker"
	"github.com/Guizzs26/cu-sync-agent/internal/config"
	"github.com/Guizzs26/cu-sync-agent/internal/importer"
	"github.com/Guizzs26/cu-sync-agent/internal/service"
	"github.com/Guizzs26/cu-sync-agent/internal/store"
	"github.com/Guizzs26/cu-sync-agent/pkg/infra"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Agent stopped with error", "error", err)
		infra.CloseLogger()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("Local store ready", "driver", cfg.StoreDriver)

	var wg sync.WaitGroup
	var events service.EventPublisher = broker.NopPublisher{}
	if cfg.RabbitMQURL != "" {
		publisher := broker.NewPublisher(cfg.RabbitMQURL, logger)
		events = publisher
		wg.Add(1)
		go func() {
			defer wg.Done()
			publisher.Run(ctx)
		}()
	} else {
		logger.Info("RABBITMQ_URL not set, analytics events disabled")
	}

	client := backend.NewClient(cfg.BackendURL, cfg.BackendAPIKey, cfg.BackendTimeout, logger)
	conn := service.NewConnectivity(cfg.StartOnline, logger)

	queue := service.NewOfflineQueue(st, client, events, conn, cfg.BatchSize, logger)
	if err := queue.Load(ctx); err != nil {
		logger.Warn("Starting with an empty offline queue", "error", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		queue.PeriodicSync(ctx, cfg.SyncInterval)
	}()

	imports := importer.NewRegistry(client, client, events, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		imports.RunSweeper(ctx, cfg.ImportSessionTTL)
	}()

	server := bootstrap.NewHTTPServer(bootstrap.Deps{
		Queue:        queue,
		Connectivity: conn,
		Imports:      imports,
		Upload: importer.UploadPolicy{
			MaxBytes:          cfg.ImportMaxFileBytes,
			AllowedExtensions: cfg.ImportAllowedExtension,
		},
		Logger: logger,
	})

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Sync agent listening", "addr", cfg.HTTPAddr, "pid", os.Getpid())
		if err := server.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	wg.Wait()
	logger.Info("Shutdown complete", "pending", queue.Len())
	return nil
}
