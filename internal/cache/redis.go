package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps go-redis v9 and implements Cache with a small client-side
// retry on transient errors (capped exponential backoff). Command retries
// here are safe: every operation we issue is idempotent except Incr, which
// is only retried when the command never reached the server.
type Redis struct {
	rdb *redis.Client

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Options configures the Redis adapter.
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedis connects to Redis and verifies connectivity with a ping.
func NewRedis(opts Options) (*Redis, error) {
	if opts.PoolSize == 0 {
		opts.PoolSize = 20
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     opts.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	return &Redis{
		rdb:        rdb,
		maxRetries: 3,
		baseDelay:  50 * time.Millisecond,
		maxDelay:   500 * time.Millisecond,
	}, nil
}

// Close shuts down the underlying redis client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := r.withRetry(ctx, func() error {
		v, err := r.rdb.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return val, err
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.withRetry(ctx, func() error {
		return r.rdb.Set(ctx, key, value, 0).Err()
	})
}

func (r *Redis) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.withRetry(ctx, func() error {
		return r.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// Incr is atomic at the server; it is not retried on ambiguous failures so a
// counter can never be bumped twice for one call.
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	return r.rdb.Incr(ctx, key).Result()
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.withRetry(ctx, func() error {
		return r.rdb.Expire(ctx, key, ttl).Err()
	})
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	return r.withRetry(ctx, func() error {
		return r.rdb.Del(ctx, keys...).Err()
	})
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// withRetry runs op, retrying transient failures with capped exponential
// backoff. A redis.Nil (miss) and context cancellation abort immediately.
func (r *Redis) withRetry(ctx context.Context, op func() error) error {
	delay := r.baseDelay
	var err error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if err = op(); err == nil || errors.Is(err, redis.Nil) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > r.maxDelay {
			delay = r.maxDelay
		}
	}
	return fmt.Errorf("redis command failed after %d retries: %w", r.maxRetries, err)
}

// ensure interface compatibility
var _ Cache = (*Redis)(nil)
