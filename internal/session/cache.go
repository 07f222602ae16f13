package session

import (
	"context"
	"fmt"
	"time"

	"github.com/grouppick/backend/internal/cache"
)

// refreshFrequencyWindow bounds the per-user refresh counter.
const refreshFrequencyWindow = time.Hour

// tokenCache maps token prefixes to session ids. Entries are pointers, not
// proof: every hit is confirmed against the bcrypt hash on the session row,
// so a stale or poisoned entry can only cost a database round trip.
type tokenCache struct {
	cache cache.Cache
}

func accessKey(prefix string) string  { return fmt.Sprintf("session:token:%s", prefix) }
func refreshKey(prefix string) string { return fmt.Sprintf("session:refresh:%s", prefix) }

func (t *tokenCache) PutAccess(ctx context.Context, prefix, sessionID string, ttl time.Duration) error {
	return t.cache.SetEx(ctx, accessKey(prefix), sessionID, ttl)
}

func (t *tokenCache) GetAccess(ctx context.Context, prefix string) (string, error) {
	return t.cache.Get(ctx, accessKey(prefix))
}

func (t *tokenCache) DelAccess(ctx context.Context, prefix string) error {
	return t.cache.Del(ctx, accessKey(prefix))
}

func (t *tokenCache) PutRefresh(ctx context.Context, prefix, sessionID string, ttl time.Duration) error {
	return t.cache.SetEx(ctx, refreshKey(prefix), sessionID, ttl)
}

func (t *tokenCache) GetRefresh(ctx context.Context, prefix string) (string, error) {
	return t.cache.Get(ctx, refreshKey(prefix))
}

func (t *tokenCache) DelRefresh(ctx context.Context, prefix string) error {
	return t.cache.Del(ctx, refreshKey(prefix))
}

// BumpRefreshFrequency increments the hourly per-user refresh counter and
// returns the new count. The window starts on the first increment.
func (t *tokenCache) BumpRefreshFrequency(ctx context.Context, userID string) (int64, error) {
	key := fmt.Sprintf("refresh:frequency:%s", userID)
	count, err := t.cache.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := t.cache.Expire(ctx, key, refreshFrequencyWindow); err != nil {
			return count, err
		}
	}
	return count, nil
}
