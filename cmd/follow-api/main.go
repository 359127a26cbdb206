// Command follow-api serves the write-side HTTP surface: it creates and
// cancels follow edges, publishes the matching events, and answers follower
// count reads cache-first.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marko911/project-tally/internal/cache"
	"github.com/marko911/project-tally/internal/follow"
	"github.com/marko911/project-tally/internal/ingest"
	"github.com/marko911/project-tally/internal/platform/kafka"
	"github.com/marko911/project-tally/internal/platform/storage"
)

func main() {
	var (
		dbHost     = flag.String("db-host", envOrDefault("DB_HOST", "localhost"), "Database host")
		dbPort     = flag.Int("db-port", envOrDefaultInt("DB_PORT", 5432), "Database port")
		dbUser     = flag.String("db-user", envOrDefault("DB_USER", "tally"), "Database user")
		dbPassword = flag.String("db-password", envOrDefault("DB_PASSWORD", "tally_dev"), "Database password")
		dbName     = flag.String("db-name", envOrDefault("DB_NAME", "tally"), "Database name")
		runMigrate = flag.Bool("migrate", envOrDefault("RUN_MIGRATIONS", "false") == "true", "Run migrations on startup")

		brokers      = flag.String("brokers", envOrDefault("KAFKA_BROKERS", "localhost:9092"), "Kafka broker addresses (comma-separated)")
		ensureTopics = flag.Bool("ensure-topics", envOrDefault("ENSURE_TOPICS", "true") == "true", "Create event topics on startup")
		natsURL      = flag.String("nats-url", envOrDefault("NATS_URL", ""), "NATS server URL (empty = mirror disabled)")

		redisAddr = flag.String("redis-addr", envOrDefault("REDIS_ADDR", ""), "Redis address for the count cache (empty = disabled)")

		listenAddr = flag.String("listen", envOrDefault("LISTEN_ADDR", ":9090"), "HTTP listen address")
		logLevel   = flag.String("log-level", envOrDefault("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	if *runMigrate {
		if err := db.Migrate(ctx); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	if *ensureTopics {
		tm, err := kafka.NewTopicManager(*brokers)
		if err != nil {
			logger.Error("failed to create topic manager", "error", err)
			os.Exit(1)
		}
		if err := tm.EnsureTopics(ctx, kafka.DefaultTopicConfigs()); err != nil {
			logger.Error("failed to ensure topics", "error", err)
			os.Exit(1)
		}
		tm.Close()
	}

	publisher, err := ingest.NewPublisher(ctx, ingest.PublisherConfig{
		Brokers:     *brokers,
		NATSUrl:     *natsURL,
		NATSEnabled: *natsURL != "",
	}, logger)
	if err != nil {
		logger.Error("failed to create publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	var countReader CountReader
	if *redisAddr != "" {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = *redisAddr
		cc, err := cache.NewCountCache(cacheCfg)
		if err != nil {
			logger.Warn("count cache unavailable, serving durable reads only", "error", err)
		} else {
			defer cc.Close()
			countReader = cc
		}
	}

	edges := storage.NewEdgeRepository(db)
	svc := follow.NewService(db, publisher, logger)
	srv := NewServer(svc, countReader, edges.GetCounter, db.Health, logger)

	httpServer := &http.Server{
		Addr:    *listenAddr,
		Handler: srv.Router(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
		cancel()
	}()

	logger.Info("follow api listening", "addr", *listenAddr)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("http server error", "error", err)
		os.Exit(1)
	}

	logger.Info("follow api stopped")
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
