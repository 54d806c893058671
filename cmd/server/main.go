// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/kniraffel/internal/auth"
	"github.com/jason-s-yu/kniraffel/internal/cache"
	"github.com/jason-s-yu/kniraffel/internal/companion"
	"github.com/jason-s-yu/kniraffel/internal/config"
	"github.com/jason-s-yu/kniraffel/internal/database"
	"github.com/jason-s-yu/kniraffel/internal/economy"
	"github.com/jason-s-yu/kniraffel/internal/game"
	"github.com/jason-s-yu/kniraffel/internal/handlers"
	"github.com/jason-s-yu/kniraffel/internal/session"
	"github.com/jason-s-yu/kniraffel/internal/store"
	"github.com/jason-s-yu/kniraffel/internal/store/memstore"
	"github.com/jason-s-yu/kniraffel/internal/sweeper"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mem := memstore.New()
	var (
		sessions   store.SessionStore       = mem
		users      store.UserStore          = mem
		actions    store.ActionLog          = mem
		highscores handlers.HighscoreSource = mem
	)

	if cfg.RedisAddr != "" {
		rdb, err := cache.Connect(ctx, cache.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB, Password: cfg.RedisPassword})
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		defer rdb.Close()
		sessions = cache.NewSessionStore(rdb, logger)
		actions = cache.NewActionQueue(rdb, cfg.HistorianQueueName)
		logger.WithField("addr", cfg.RedisAddr).Info("using redis session store")
	} else {
		logger.Warn("REDIS_ADDR not set, sessions are kept in memory")
	}

	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("postgres: %v", err)
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			logger.Fatalf("migrate: %v", err)
		}
		users = database.NewUserStore(pool)
		highscores = database.NewActionSink(pool)
		logger.Info("using postgres user store")
	} else {
		logger.Warn("DATABASE_URL not set, users are kept in memory")
	}

	ttl, err := auth.ParseTTL(cfg.TokenExpireTime)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}
	var issuer *auth.Issuer
	if cfg.JWTPrivateKeyPath != "" && cfg.JWTPublicKeyPath != "" {
		issuer, err = auth.LoadIssuer(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, ttl)
	} else {
		logger.Warn("no JWT key paths set, generating an ephemeral key pair")
		issuer, err = auth.NewIssuer(ttl)
	}
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	pets := companion.NewService(users, logger)
	games := session.NewService(session.Options{
		Sessions:  sessions,
		Users:     users,
		Economy:   economy.NewEngine(sessions, users, pets, logger),
		Actions:   actions,
		Logger:    logger,
		Dice:      game.NewRandomSource(),
		Countdown: cfg.Countdown,
	})

	sw := sweeper.New(sessions, logger, cfg.SweepInterval, cfg.SessionMaxAge)
	if err := sw.Start(ctx); err != nil {
		logger.Fatalf("sweeper: %v", err)
	}

	api := handlers.NewServer(handlers.Options{
		Games:         games,
		Users:         users,
		Highscores:    highscores,
		Issuer:        issuer,
		Logger:        logger,
		StartingCoins: cfg.StartingCoins,
		SecureCookie:  cfg.SecureCookie,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("http shutdown")
		}
	}()

	logger.Infof("Running on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("server exited: %v", err)
	}
	if err := sw.Stop(); err != nil {
		logger.WithError(err).Warn("sweeper shutdown")
	}
	logger.Info("server stopped")
}
