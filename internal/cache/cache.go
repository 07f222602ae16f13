// Package cache provides the key-value cache used for OTP state, session
// prefix pointers, fraud counters and scoring progress counters.
//
// The concrete adapter wraps go-redis v9. A process that cannot reach Redis
// at startup may fall back to the in-memory store (mainly for tests and local
// development); cache entries are weak — losing one must never invalidate
// authoritative state, which always lives in Postgres.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key does not exist or has expired.
var ErrMiss = errors.New("cache: key not found")

// Cache is the minimal command surface the services need.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
}
