// Command consumer runs the follow-event ingestion service.
//
// It consumes follow/unfollow events from the broker, applies each one
// through the relationship state machine's atomic unit, and feeds the
// self-observing stats aggregator, which flushes to durable storage on a
// fixed schedule.
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

	"github.com/marko911/project-tally/internal/cache"
	"github.com/marko911/project-tally/internal/follow"
	"github.com/marko911/project-tally/internal/ingest"
	"github.com/marko911/project-tally/internal/platform/kafka"
	"github.com/marko911/project-tally/internal/platform/storage"
	"github.com/marko911/project-tally/internal/stats"
)

func main() {
	var (
		dbHost     = flag.String("db-host", envOrDefault("DB_HOST", "localhost"), "Database host")
		dbPort     = flag.Int("db-port", envOrDefaultInt("DB_PORT", 5432), "Database port")
		dbUser     = flag.String("db-user", envOrDefault("DB_USER", "tally"), "Database user")
		dbPassword = flag.String("db-password", envOrDefault("DB_PASSWORD", "tally_dev"), "Database password")
		dbName     = flag.String("db-name", envOrDefault("DB_NAME", "tally"), "Database name")
		migrate    = flag.Bool("migrate", envOrDefault("RUN_MIGRATIONS", "true") == "true", "Run database migrations on startup")

		brokers       = flag.String("brokers", envOrDefault("KAFKA_BROKERS", "localhost:9092"), "Kafka/Redpanda brokers (comma-separated)")
		consumerGroup = flag.String("consumer-group", envOrDefault("CONSUMER_GROUP", "tally-consumer"), "Kafka consumer group name")
		ensureTopics  = flag.Bool("ensure-topics", true, "Create event topics if missing")

		redisAddr    = flag.String("redis-addr", envOrDefault("REDIS_ADDR", ""), "Redis address for the counter cache (empty = disabled)")
		maxRetries   = flag.Int("max-retries", envOrDefaultInt("MAX_RETRY_COUNT", 3), "Retry budget before an edge is parked FAILED")
		statsFlush   = flag.Duration("stats-flush-interval", stats.DefaultConfig().FlushInterval, "Stats aggregator flush interval")
		statsKeys    = flag.Int("stats-capacity", stats.DefaultConfig().Capacity, "Stats aggregator key capacity")
		logLevel     = flag.String("log-level", envOrDefault("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting consumer",
		"brokers", *brokers,
		"consumer_group", *consumerGroup,
		"max_retries", *maxRetries,
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

	if *migrate {
		if err := db.Migrate(ctx); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}

	if *ensureTopics {
		tm, err := kafka.NewTopicManager(*brokers)
		if err != nil {
			logger.Error("failed to create topic manager", "error", err)
			os.Exit(1)
		}
		if err := tm.EnsureTopics(ctx, kafka.DefaultTopicConfigs()); err != nil {
			logger.Error("failed to ensure topics", "error", err)
			tm.Close()
			os.Exit(1)
		}
		tm.Close()
	}

	var counterCache follow.CounterCache
	if *redisAddr != "" {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = *redisAddr
		cc, err := cache.NewCountCache(cacheCfg)
		if err != nil {
			logger.Warn("counter cache disabled", "error", err)
		} else {
			defer cc.Close()
			counterCache = cc
		}
	}

	applierCfg := follow.DefaultApplierConfig()
	applierCfg.MaxRetryCount = *maxRetries
	applier := follow.NewApplier(applierCfg, db, counterCache, logger)

	statsCfg := stats.Config{
		Capacity:      *statsKeys,
		FlushInterval: *statsFlush,
	}
	aggregator := stats.NewAggregator(statsCfg, storage.NewStatsRepository(db), logger)

	consumer, err := ingest.NewConsumer(ingest.ConsumerConfig{
		Brokers: *brokers,
		Group:   *consumerGroup,
		Topics:  []string{follow.TopicFollowEvents, follow.TopicUnfollowEvents},
	}, applier, aggregator, logger)
	if err != nil {
		logger.Error("failed to create consumer", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		aggregator.RunFlushLoop(ctx)
	}()

	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("consumer error", "error", err)
		cancel()
		wg.Wait()
		os.Exit(1)
	}

	wg.Wait()
	logger.Info("consumer stopped")
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
