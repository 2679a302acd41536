package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/indexer/consumer"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/indexer/scope"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/searcher/cache"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/searcher/executor"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/searcher/handler"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/redis"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format, "service", "indexer")
	slog.Info("starting index service",
		"port", cfg.Server.Port,
		"data_dir", cfg.Indexer.DataDir,
		"scopes", cfg.Indexer.Scopes,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(nil)
	if cfg.Metrics.Enabled {
		metrics.StartServer(ctx, cfg.Metrics.Port, nil)
	}

	var listeners []indexer.CommitListener
	var locator scope.PathLocator

	var pgClient *postgres.Client
	pgClient, err = postgres.New(cfg.Postgres)
	if err != nil {
		slog.Warn("postgres unavailable, generation registry disabled", "error", err)
	} else {
		defer pgClient.Close()
		reg := registry.New(pgClient, registry.DefaultRetention)
		if err := reg.Migrate(ctx); err != nil {
			slog.Error("failed to migrate generation registry", "error", err)
			os.Exit(1)
		}
		locator = reg
		listeners = append(listeners, reg)
		slog.Info("generation registry enabled", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	}

	var queryCache *cache.QueryCache
	var redisClient *pkgredis.Client
	redisClient, err = pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, query caching disabled", "error", err)
	} else {
		defer redisClient.Close()
		queryCache = cache.New(redisClient, cfg.Redis.CacheTTL, m)
		listeners = append(listeners, queryCache)
		slog.Info("query cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
	}

	kafkaEnabled := len(cfg.Kafka.Brokers) > 0
	if kafkaEnabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexCommitted)
		defer producer.Close()
		listeners = append(listeners, consumer.NewCommitPublisher(producer))
	}

	router, err := scope.NewRouter(ctx, cfg.Indexer, locator,
		indexer.WithMetrics(m),
		indexer.WithCommitListeners(listeners...),
	)
	if err != nil {
		slog.Error("failed to open scopes", "error", err)
		os.Exit(1)
	}
	flushed := router.StartFlushLoops(ctx)

	consumerDone := make(chan struct{})
	if kafkaEnabled {
		var consumerOpts []kafka.ConsumerOption
		if cfg.Kafka.Topics.DeadLetter != "" {
			dlq := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DeadLetter)
			defer dlq.Close()
			consumerOpts = append(consumerOpts, kafka.WithDeadLetter(dlq))
		}
		kafkaConsumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.DocumentUpdates, consumer.HandleMessage(router), consumerOpts...)
		indexConsumer := consumer.New(kafkaConsumer)
		go func() {
			defer close(consumerDone)
			if err := indexConsumer.Start(ctx); err != nil {
				slog.Error("consumer error", "error", err)
			}
		}()
		slog.Info("consuming document updates",
			"topic", cfg.Kafka.Topics.DocumentUpdates,
			"group", cfg.Kafka.ConsumerGroup,
		)
	} else {
		close(consumerDone)
		slog.Warn("no kafka brokers configured, document updates only via HTTP")
	}

	checker := health.NewChecker()
	checker.Register("index", func(ctx context.Context) health.ComponentHealth {
		stats := router.Stats()
		if len(stats) == 0 {
			return health.ComponentHealth{Status: health.StatusDown, Message: "no scopes"}
		}
		docs := 0
		for _, s := range stats {
			docs += s.Documents
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d scopes, %d documents", len(stats), docs)}
	})
	var pgPing, redisPing func(ctx context.Context) error
	if pgClient != nil {
		pgPing = pgClient.Ping
	}
	if redisClient != nil {
		redisPing = redisClient.Ping
	}
	checker.Register("postgres", health.Ping(false, pgPing))
	checker.Register("redis", health.Ping(false, redisPing))

	exec := executor.New(executor.Scopes(router), cfg.Search.MaxConcurrentQueries)
	h := handler.New(router, exec, queryCache, m, cfg.Search.MaxCategories)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Search.QueryTimeout, "/api/v1/commit")(chain)
	if cfg.Server.RateLimit > 0 {
		limiter := middleware.NewLimiter(cfg.Server.RateLimit, time.Minute)
		limiter.StartCleanup(ctx, 5*time.Minute)
		chain = middleware.RateLimit(limiter)(chain)
	}
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("index service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		stop()
	}

	<-consumerDone
	<-flushed
	if err := router.Close(); err != nil {
		slog.Error("final save failed", "error", err)
	}
	slog.Info("index service stopped")
}
