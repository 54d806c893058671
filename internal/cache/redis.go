// internal/cache/redis.go
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list the action log pushes to.
const DefaultQueueName = "kniraffel_actions"

// Options configures the Redis connection.
type Options struct {
	Addr     string
	DB       int
	Password string
}

// Connect opens a client and verifies the server answers a PING.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		DB:       opts.DB,
		Password: opts.Password,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}
