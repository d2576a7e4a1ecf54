// Package ratelimit is a per-user tokens-per-minute burst throttle. It sits
// in front of the period quota and smooths spikes; it does not replace it.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tokensPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(userID string) string {
	return fmt.Sprintf("burst:user:%s", userID)
}

// Allow consumes tokens from the user's current minute window.
func (l *Limiter) Allow(ctx context.Context, userID string, tokens int64) (bool, error) {
	if tokens <= 0 {
		tokens = 1
	}
	res, err := l.store.AllowN(ctx, key(userID), int(tokens))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, userID string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(userID))
}
