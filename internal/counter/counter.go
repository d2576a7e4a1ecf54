// Package counter is the fast, TTL-based counter store behind admission
// decisions. Counters are created on first increment, expire at their period
// boundary and are never deleted explicitly.
package counter

import (
	"context"
	"fmt"
	"time"
)

// Increment adds Amount to Key. TTL is applied when the key has no expiry
// yet, which in practice means it was just created.
type Increment struct {
	Key    string
	Amount int64
	TTL    time.Duration
}

// Store applies a batch of increments in one round trip and returns the
// post-increment values in the same order.
type Store interface {
	IncrBy(ctx context.Context, incs []Increment) ([]int64, error)
	Values(ctx context.Context, keys []string) ([]int64, error)
}

// Key builds the counter key for a (user, period, metric) triple. The user id
// is a hash tag so every counter of one user lands on the same cluster slot
// and a multi-key script stays valid.
func Key(userID, periodKey, metric string) string {
	return fmt.Sprintf("usage:{%s}:%s:%s", userID, periodKey, metric)
}

func ttlSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
