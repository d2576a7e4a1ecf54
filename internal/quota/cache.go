package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the subset of *redis.Client used for subscription lookups.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CachedSubscriptions keeps the subscription lookup off the database for
// most admission checks. A missing subscription is cached too, as a record
// with an empty ID.
type CachedSubscriptions struct {
	next   SubscriptionStore
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedSubscriptions(next SubscriptionStore, cache Cache, ttl time.Duration, logger *slog.Logger) *CachedSubscriptions {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedSubscriptions{next: next, cache: cache, ttl: ttl, logger: logger}
}

func (c *CachedSubscriptions) Active(ctx context.Context, userID string, at time.Time) (*Subscription, error) {
	key := fmt.Sprintf("quota:sub:%s", userID)

	var cached Subscription
	err := c.cache.Get(ctx, key).Scan(&cached)
	switch {
	case err == nil:
		if cached.ID == "" {
			return nil, ErrNoSubscription
		}
		// A cached period that already ended is stale; ask the store.
		if at.Before(cached.PeriodEnd) && !at.Before(cached.PeriodStart) {
			return &cached, nil
		}
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("subscription cache read failed", "user_id", userID, "error", err)
	}

	sub, err := c.next.Active(ctx, userID, at)
	if err != nil && !errors.Is(err, ErrNoSubscription) {
		return nil, err
	}

	ttl := c.ttl
	record := &Subscription{UserID: userID}
	if sub != nil {
		record = sub
		if until := sub.PeriodEnd.Sub(at); until < ttl {
			ttl = until
		}
	}
	if ttl > 0 {
		if err := c.cache.Set(ctx, key, record, ttl).Err(); err != nil {
			c.logger.Warn("subscription cache write failed", "user_id", userID, "error", err)
		}
	}

	if sub == nil {
		return nil, ErrNoSubscription
	}
	return sub, nil
}
