// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

// Config is read from the environment, with a .env file loaded first when
// present.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	// RedisAddr selects the Redis session store; empty keeps sessions in
	// memory.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// DatabaseURL selects the Postgres user store; empty keeps users in
	// memory.
	DatabaseURL string `env:"DATABASE_URL"`

	HistorianQueueName string        `env:"HISTORIAN_QUEUE_NAME" envDefault:"kniraffel_actions"`
	HistorianBatchSize int           `env:"HISTORIAN_BATCH_SIZE" envDefault:"20"`
	HistorianFlushMs   int           `env:"HISTORIAN_FLUSH_MS" envDefault:"500"`
	InactivityTimeout  time.Duration `env:"GAME_INACTIVITY_TIMEOUT" envDefault:"10m"`
	TokenExpireTime    string        `env:"TOKEN_EXPIRE_TIME" envDefault:"never"`
	JWTPrivateKeyPath  string        `env:"JWT_PRIVATE_KEY_PATH"`
	JWTPublicKeyPath   string        `env:"JWT_PUBLIC_KEY_PATH"`
	StartingCoins      int64         `env:"STARTING_COINS" envDefault:"0"`
	Countdown          time.Duration `env:"COUNTDOWN" envDefault:"3s"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	SessionMaxAge      time.Duration `env:"SESSION_MAX_AGE" envDefault:"24h"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	SecureCookie       bool          `env:"SECURE_COOKIE" envDefault:"false"`
}

// Load parses the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.StartingCoins < 0 {
		return Config{}, errors.New("STARTING_COINS must not be negative")
	}
	if cfg.HistorianBatchSize <= 0 {
		return Config{}, errors.New("HISTORIAN_BATCH_SIZE must be positive")
	}
	return cfg, nil
}

// FlushDelay is HistorianFlushMs as a duration.
func (c Config) FlushDelay() time.Duration {
	return time.Duration(c.HistorianFlushMs) * time.Millisecond
}

// Logger builds the process logger at the configured level.
func (c Config) Logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	logger := logrus.New()
	logger.SetLevel(level)
	return logger, nil
}
