package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/hooktunnel/internal/capture"
	"github.com/PipeOpsHQ/hooktunnel/internal/config"
	"github.com/PipeOpsHQ/hooktunnel/internal/fanout"
	"github.com/PipeOpsHQ/hooktunnel/internal/handler"
	"github.com/PipeOpsHQ/hooktunnel/internal/observability"
	"github.com/PipeOpsHQ/hooktunnel/internal/registry"
	"github.com/PipeOpsHQ/hooktunnel/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	regOpts := []registry.Option{
		registry.WithLogger(logger),
		registry.WithDefaults(cfg.DefaultMaxRequests, cfg.EndpointTTL),
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		client := redis.NewClient(opts)
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, endpoint lookups will hit the store", "error", err)
		}
		cancel()
		regOpts = append(regOpts, registry.WithCache(registry.NewRedisCache(client, "", cfg.CacheTTL)))
	}

	reg := registry.New(s, regOpts...)
	bus := fanout.NewBus(fanout.WithBuffer(cfg.SubscriberBuffer), fanout.WithLogger(logger))
	pipe := capture.New(s, bus, capture.WithMaxBodyBytes(cfg.MaxBodyBytes), capture.WithLogger(logger))
	h := handler.NewHandler(s, reg, pipe, bus, handler.Options{HistoryLimit: cfg.HistoryLimit, Logger: logger})

	go runCleanup(ctx, s, cfg.CleanupInterval, cfg.ExpiredRetention, logger)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(h.CloseStreams)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.StoreDriver == config.DriverMemory {
		return store.NewMemoryStore(), nil
	}
	return store.NewSQLiteStore(cfg.DatabasePath)
}

// runCleanup clears the request history of endpoints that expired more than retention ago.
func runCleanup(ctx context.Context, s store.Store, interval, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error("cleanup expired endpoints", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("purged expired request history", "requests", n)
			}
		}
	}
}
