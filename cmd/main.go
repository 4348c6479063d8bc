// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/absmach/mrelay"
	"github.com/absmach/mrelay/pkg/admin"
	"github.com/absmach/mrelay/pkg/health"
	"github.com/absmach/mrelay/pkg/messaging"
	"github.com/absmach/mrelay/pkg/metrics"
	"github.com/absmach/mrelay/pkg/ratelimit"
	"github.com/absmach/mrelay/pkg/registry"
	"github.com/absmach/mrelay/pkg/relay"
	"github.com/absmach/mrelay/pkg/scheduler"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "MRELAY_"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// .env file is optional.
	_ = godotenv.Load()

	cfg, err := mrelay.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	pool, err := cfg.BackendPool()
	if err != nil {
		logger.Error("invalid backend pool", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if len(pool) == 0 {
		logger.Error("no backends configured, set " + envPrefix + "BACKENDS")
		os.Exit(1)
	}

	m := metrics.New("mrelay", nil)

	reg := registry.New(cfg.FailureThreshold, logger)
	for _, b := range pool {
		reg.AddBackend(b.Host, b.Port, b.Weight)
	}

	// Health checker: one background task for the process lifetime.
	checker := health.New(health.Config{
		Interval:  cfg.ProbeInterval,
		Timeout:   cfg.ProbeTimeout,
		ProbePath: cfg.ProbePath,
		Logger:    logger,
		Metrics:   m,
	}, reg)
	g.Go(func() error {
		checker.Start(ctx)
		return nil
	})

	// Each relay owns its own scheduling cursor.
	httpRelay := relay.NewHTTP(relay.HTTPConfig{
		Address:           cfg.HTTPAddress,
		ClientIdleTimeout: cfg.ClientIdleTimeout,
		DialTimeout:       cfg.BackendDialTimeout,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		Logger:            logger,
		Metrics:           m,
	}, scheduler.New(reg), reg)
	g.Go(func() error {
		return httpRelay.Listen(ctx)
	})

	tcpRelay := relay.NewTCP(relay.TCPConfig{
		Address:         cfg.TCPAddress,
		DialTimeout:     cfg.BackendDialTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
		Metrics:         m,
	}, scheduler.New(reg), reg)
	g.Go(func() error {
		return tcpRelay.Listen(ctx)
	})

	// Message router with per-sender frame budget.
	limiter := ratelimit.NewLimiter(cfg.FrameRateCapacity, cfg.FrameRateRefill, 0)
	router := messaging.NewRouter(messaging.Config{
		Address:         cfg.MessageAddress,
		FrameLimit:      cfg.FrameLimit,
		Deadline:        cfg.FrameDeadline,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Limiter:         limiter,
		Logger:          logger,
		Metrics:         m,
	}, messaging.NewMailbox())
	g.Go(func() error {
		return router.Listen(ctx)
	})

	if cfg.MessageUDP != "" {
		udpRouter := messaging.NewUDP(messaging.Config{
			Address:    cfg.MessageUDP,
			FrameLimit: cfg.FrameLimit,
			Logger:     logger,
		}, router)
		g.Go(func() error {
			return udpRouter.Listen(ctx)
		})
	}

	// Admin surface: liveness, readiness, pool stats, Prometheus metrics.
	selfChecks := admin.NewChecker(0)
	selfChecks.Register("backend_pool", func(ctx context.Context) error {
		if len(reg.SnapshotHealthy()) == 0 {
			return fmt.Errorf("all %d backends unhealthy", reg.Len())
		}
		return nil
	})
	adminSrv := admin.New(admin.Config{
		Address: cfg.AdminAddress,
		Logger:  logger,
	}, selfChecks, reg, nil)
	g.Go(func() error {
		return adminSrv.Listen(ctx)
	})

	// Signal handler
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("mRelay service terminated with error: %s", err))
	} else {
		logger.Info("mRelay service stopped")
	}
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
