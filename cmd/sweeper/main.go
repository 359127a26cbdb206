// Command sweeper runs the scheduled reconciliation jobs: the pending and
// cancelled sweeps, the failed-edge cleanup, and stats bucket retention.
//
// The sweeps operate directly on durable state, not via the broker, and are
// safe to run concurrently with live consumption because both paths gate on
// the same dedup ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/marko911/project-tally/internal/follow"
	"github.com/marko911/project-tally/internal/platform/storage"
	"github.com/marko911/project-tally/internal/stats"
	"github.com/marko911/project-tally/internal/sweep"
)

func main() {
	var (
		dbHost     = flag.String("db-host", envOrDefault("DB_HOST", "localhost"), "Database host")
		dbPort     = flag.Int("db-port", envOrDefaultInt("DB_PORT", 5432), "Database port")
		dbUser     = flag.String("db-user", envOrDefault("DB_USER", "tally"), "Database user")
		dbPassword = flag.String("db-password", envOrDefault("DB_PASSWORD", "tally_dev"), "Database password")
		dbName     = flag.String("db-name", envOrDefault("DB_NAME", "tally"), "Database name")

		configPath    = flag.String("config", envOrDefault("SWEEP_CONFIG", ""), "YAML schedule config (empty = defaults)")
		maxRetries    = flag.Int("max-retries", envOrDefaultInt("MAX_RETRY_COUNT", 3), "Retry budget before an edge is parked FAILED")
		parkCancelled = flag.Bool("park-cancelled", envOrDefault("PARK_CANCELLED", "false") == "true", "Park CANCELLED edges FAILED when the retry budget is exhausted")
		statsFlush    = flag.Duration("stats-flush-interval", stats.DefaultConfig().FlushInterval, "Stats aggregator flush interval")
		logLevel      = flag.String("log-level", envOrDefault("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	sweepCfg := sweep.DefaultConfig()
	if *configPath != "" {
		var err error
		sweepCfg, err = sweep.LoadConfig(*configPath)
		if err != nil {
			logger.Error("failed to load sweep config", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}

	logger.Info("starting sweeper",
		"pending_interval", sweepCfg.PendingInterval,
		"cancelled_interval", sweepCfg.CancelledInterval,
		"cleanup_interval", sweepCfg.CleanupInterval,
		"chunk_size", sweepCfg.ChunkSize,
		"park_cancelled", *parkCancelled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	db, err := storage.New(ctx, storage.Config{
		Host:     *dbHost,
		Port:     *dbPort,
		User:     *dbUser,
		Password: *dbPassword,
		Database: *dbName,
		SSLMode:  "disable",
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	applierCfg := follow.ApplierConfig{
		MaxRetryCount:        *maxRetries,
		TerminalizeCancelled: *parkCancelled,
	}
	applier := follow.NewApplier(applierCfg, db, nil, logger)

	statsRepo := storage.NewStatsRepository(db)
	aggregator := stats.NewAggregator(stats.Config{
		Capacity:      stats.DefaultConfig().Capacity,
		FlushInterval: *statsFlush,
	}, statsRepo, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		aggregator.RunFlushLoop(ctx)
	}()

	sweeper := sweep.NewSweeper(
		sweepCfg,
		applier,
		storage.NewEdgeRepository(db),
		statsRepo,
		aggregator,
		logger,
	)

	if err := sweeper.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("sweeper error", "error", err)
		cancel()
		wg.Wait()
		os.Exit(1)
	}

	wg.Wait()
	logger.Info("sweeper stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		var result int
		if _, err := fmt.Sscanf(val, "%d", &result); err == nil {
			return result
		}
	}
	return defaultVal
}
