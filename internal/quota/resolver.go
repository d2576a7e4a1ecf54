// Package quota decides which billing period a user's consumption belongs to.
//
// Subscribed users are scoped to their active subscription's own period.
// Everyone else gets a calendar day in their own timezone, where the day
// starts at a configurable local hour rather than midnight.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vnmchuo/usage-meter/internal/usage"
)

var ErrNoSubscription = errors.New("no active subscription")

const maxFreePeriod = 24 * time.Hour

type Scope string

const (
	ScopeSubscription Scope = "subscription"
	ScopeFree         Scope = "free"
)

type Subscription struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (s *Subscription) MarshalBinary() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (s *Subscription) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, s)
}

// SubscriptionStore looks up the subscription active at a given instant.
// It returns ErrNoSubscription when the user has none.
type SubscriptionStore interface {
	Active(ctx context.Context, userID string, at time.Time) (*Subscription, error)
}

// Quota is the resolved period for one user at one instant.
type Quota struct {
	Scope             Scope     `json:"scope"`
	PeriodKey         string    `json:"period_key"`
	SubscriptionID    string    `json:"subscription_id,omitempty"`
	PeriodStart       time.Time `json:"period_start"`
	ResetAt           time.Time `json:"reset_at"`
	SecondsUntilReset int64     `json:"seconds_until_reset"`

	// untilReset is the unclamped time to ResetAt.
	untilReset time.Duration
}

// Identity returns the aggregate row identity for this period.
func (q Quota) Identity() usage.Identity {
	if q.Scope == ScopeSubscription {
		return usage.Identity{SubscriptionID: q.SubscriptionID}
	}
	return usage.Identity{PeriodKey: q.PeriodKey}
}

// CounterTTL is how long a fast counter created now should live. It always
// reaches ResetAt, which on a 25h local day is past SecondsUntilReset.
func (q Quota) CounterTTL() time.Duration {
	if q.untilReset > 0 {
		return q.untilReset
	}
	return time.Duration(q.SecondsUntilReset) * time.Second
}

type Resolver struct {
	subs      SubscriptionStore
	resetHour int
	now       func() time.Time
}

// NewResolver builds a resolver. subs may be nil, in which case every user
// is treated as free tier.
func NewResolver(subs SubscriptionStore, resetHour int) *Resolver {
	return &Resolver{subs: subs, resetHour: resetHour, now: time.Now}
}

func (r *Resolver) Resolve(ctx context.Context, userID, timezone string) (Quota, error) {
	return r.ResolveAt(ctx, userID, timezone, r.now())
}

func (r *Resolver) ResolveAt(ctx context.Context, userID, timezone string, at time.Time) (Quota, error) {
	if r.subs != nil {
		sub, err := r.subs.Active(ctx, userID, at)
		switch {
		case err == nil && sub != nil && sub.ID != "":
			return subscriptionQuota(sub, at), nil
		case err != nil && !errors.Is(err, ErrNoSubscription):
			return Quota{}, fmt.Errorf("failed to resolve subscription: %w", err)
		}
	}
	return FreeQuota(at, LoadLocation(timezone), r.resetHour), nil
}

func subscriptionQuota(sub *Subscription, at time.Time) Quota {
	secs := ceilSeconds(sub.PeriodEnd.Sub(at))
	if secs < 1 {
		secs = 1
	}
	return Quota{
		Scope:             ScopeSubscription,
		PeriodKey:         sub.ID,
		SubscriptionID:    sub.ID,
		PeriodStart:       sub.PeriodStart,
		ResetAt:           sub.PeriodEnd,
		SecondsUntilReset: secs,
		untilReset:        time.Duration(secs) * time.Second,
	}
}

// FreeQuota computes the free-tier day containing at. Today's and tomorrow's
// boundaries are built in loc and the first one strictly after at wins.
func FreeQuota(at time.Time, loc *time.Location, resetHour int) Quota {
	local := at.In(loc)
	y, m, d := local.Date()

	today := time.Date(y, m, d, resetHour, 0, 0, 0, loc)
	var start, reset time.Time
	if today.After(local) {
		start = time.Date(y, m, d-1, resetHour, 0, 0, 0, loc)
		reset = today
	} else {
		start = today
		reset = time.Date(y, m, d+1, resetHour, 0, 0, 0, loc)
	}

	// DST transitions can stretch a local day to 25h. The reported seconds
	// stay within one nominal day; the counter lives to the real boundary.
	until := ceilSeconds(reset.Sub(at))
	if until < 1 {
		until = 1
	}
	secs := until
	if secs > int64(maxFreePeriod/time.Second) {
		secs = int64(maxFreePeriod / time.Second)
	}

	return Quota{
		Scope:             ScopeFree,
		PeriodKey:         start.Format("2006-01-02"),
		PeriodStart:       start,
		ResetAt:           reset,
		SecondsUntilReset: secs,
		untilReset:        time.Duration(until) * time.Second,
	}
}

// LoadLocation resolves an IANA timezone name, falling back to UTC for
// empty or unknown names.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func ceilSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}
