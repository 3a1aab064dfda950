package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter throttles generation requests per user. It is a thin wrapper
// around github.com/vnmchuo/ratelimiter and is unrelated to the free quota.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, perMinute int) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(perMinute),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(userID string) string {
	return fmt.Sprintf("ratelimit:user:%s", userID)
}

func (l *Limiter) Allow(ctx context.Context, userID string) (bool, error) {
	res, err := l.store.Allow(ctx, key(userID))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, userID string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(userID))
}
