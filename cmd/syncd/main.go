package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/api"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/cache"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/config"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/events"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/gateway"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/hub"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/ledger"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/logging"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/metrics"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/queue"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/trigger"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
	}

	store, err := queue.NewStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	cacheStore := initCache(cfg, redisClient, &logger)
	eventBus := events.NewEventBus()
	ledgerClient := ledger.NewClient(cfg.Backend)

	processor := worker.NewProcessor(store, ledgerClient, redisClient, eventBus, worker.Options{
		BatchSize:       cfg.Sync.BatchSize,
		EntryTimeout:    cfg.Sync.EntryTimeout,
		StaleClaimAfter: cfg.Sync.StaleClaimAfter,
		Retry: worker.RetryPolicy{
			MaxRetries:    cfg.Sync.MaxRetries,
			InitialDelay:  cfg.Sync.InitialDelay,
			MaxDelay:      cfg.Sync.MaxDelay,
			BackoffFactor: cfg.Sync.BackoffFactor,
		},
	}, &logger)

	// The gateway, the hub and the processor form a triangle: the hub
	// drives the other two, and the processor broadcasts back through the
	// hub. The hub side is wired last.
	messageHub := hub.New(store, nil, processor, &logger)
	processor.SetBroadcaster(messageHub)

	agent := api.NewServer(store, messageHub, processor, eventBus, &logger)

	gw, err := gateway.New(cfg.Gateway, cfg.Backend.Marker, cacheStore, eventBus, agent.Handler(), &logger)
	if err != nil {
		return err
	}
	messageHub.SetGateway(gw)

	go processor.Run(ctx)

	prober := trigger.NewProber(ledgerClient, processor, cfg.Sync.ProbeInterval, &logger)
	go prober.Run(ctx)

	if cfg.Sync.PeriodicSchedule != "" {
		schedule, err := trigger.NewSchedule(cfg.Sync.PeriodicSchedule, processor, &logger)
		if err != nil {
			return err
		}
		go schedule.Run(ctx)
	}

	return gw.Run(ctx)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	logger := baseLogger.With().Str("component", "syncd").Logger()

	return cfg, logger, closer, nil
}

// initRedis returns nil when redis is not configured or unreachable; the
// agent then runs on its in-memory and local fallbacks.
func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		logger.Info().Msg("redis not configured, using in-process fallbacks")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable at startup, continuing anyway")
	}
	return client
}

func initCache(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) cache.Store {
	memory := cache.NewMemoryStore(cfg.Gateway.CacheGeneration)
	if redisClient == nil {
		return memory
	}
	primary := cache.NewRedisStore(redisClient, cfg.Gateway.CacheGeneration, cfg.Gateway.CacheTTL)
	return cache.NewFailoverStore(primary, memory, logger)
}
