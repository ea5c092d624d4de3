// Package cache owns Redis connectivity shared by locks, idempotency keys and
// the task queue.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Options addresses a Redis instance.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New creates a new Redis client and verifies connectivity.
func New(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping: %w", err)
	}

	return client, nil
}

// AsynqOpt converts the options for the task queue client and worker.
func (o Options) AsynqOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: o.Addr, Password: o.Password, DB: o.DB}
}
