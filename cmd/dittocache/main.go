package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/pkg/config"
	"github.com/marmos91/dittocache/pkg/gc"
	"github.com/marmos91/dittocache/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: XDG config location)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "dittocache: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := setupLogging(&cfg.Logging); err != nil {
		return err
	}

	ctx := context.Background()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	idx, err := config.CreateIndex(&cfg.Index)
	if err != nil {
		return err
	}
	if idx != nil {
		defer func() {
			if err := idx.Close(); err != nil {
				logger.Error("Failed to close index: %v", err)
			}
		}()
	}

	manager, err := config.CreateManager(&cfg.Cache, idx, metrics.NewCacheObserver())
	if err != nil {
		return err
	}
	logger.Info("Cache root: %s", manager.Root())

	var metricsServer *metrics.Server
	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(metrics.ServerConfig{Port: cfg.Metrics.Port})
		go func() {
			if err := metricsServer.Start(metricsCtx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	if idx != nil {
		if _, err := manager.Restore(ctx); err != nil {
			return err
		}
	}

	collector := gc.NewCollector(manager, gc.Config{
		Enabled:  cfg.GC.Enabled,
		Interval: cfg.GC.Interval,
		MinIdle:  cfg.GC.MinIdle,
	})
	collector.Start()

	filler, err := config.CreateFiller(ctx, &cfg.Source, metrics.NewFillerMetrics())
	if err != nil {
		return err
	}
	if filler != nil {
		filled, err := filler.Warm(ctx, manager)
		if err != nil {
			logger.Error("Warm-up failed after %d objects: %v", filled, err)
		} else {
			logger.Info("Warm-up complete: %d objects filled", filled)
		}
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := collector.Stop(shutdownCtx); err != nil {
		logger.Warn("Garbage collector did not stop cleanly: %v", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("Metrics server did not stop cleanly: %v", err)
		}
	}
	if err := manager.Close(); err != nil {
		return fmt.Errorf("failed to close cache manager: %w", err)
	}

	logger.Info("Shutdown complete")
	return nil
}

func setupLogging(cfg *config.LoggingConfig) error {
	logger.SetLevel(cfg.Level)

	switch cfg.Output {
	case "", "stdout":
		// Default
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(f)
	}

	return nil
}
