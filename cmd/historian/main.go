// cmd/historian/main.go is an asynchronous historian service that pops game
// actions from the Redis queue and persists them to PostgreSQL.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/kniraffel/internal/cache"
	"github.com/jason-s-yu/kniraffel/internal/config"
	"github.com/jason-s-yu/kniraffel/internal/database"
	"github.com/jason-s-yu/kniraffel/internal/historian"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	logger, err := cfg.Logger()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	if cfg.RedisAddr == "" || cfg.DatabaseURL == "" {
		logger.Fatal("the historian needs both REDIS_ADDR and DATABASE_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := cache.Connect(ctx, cache.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB, Password: cfg.RedisPassword})
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	defer rdb.Close()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("postgres: %v", err)
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatalf("migrate: %v", err)
	}

	hs := historian.NewService(
		cache.NewActionQueue(rdb, cfg.HistorianQueueName),
		database.NewActionSink(pool),
		logger,
		historian.Options{
			BatchSize:  cfg.HistorianBatchSize,
			FlushDelay: cfg.FlushDelay(),
			Inactivity: cfg.InactivityTimeout,
		},
	)
	hs.Run(ctx)
	logger.Info("historian shutdown complete")
}
