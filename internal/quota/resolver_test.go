package quota

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSubscriptionStore struct {
	activeFunc func(ctx context.Context, userID string, at time.Time) (*Subscription, error)
	calls      int
}

func (m *mockSubscriptionStore) Active(ctx context.Context, userID string, at time.Time) (*Subscription, error) {
	m.calls++
	if m.activeFunc != nil {
		return m.activeFunc(ctx, userID, at)
	}
	return nil, ErrNoSubscription
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return v
}

func TestFreeQuota_BeforeAndAfterResetHour(t *testing.T) {
	before := FreeQuota(mustTime(t, "2026-10-14T04:00:00Z"), time.UTC, 5)
	assert.Equal(t, ScopeFree, before.Scope)
	assert.Equal(t, "2026-10-13", before.PeriodKey)
	assert.Equal(t, int64(3600), before.SecondsUntilReset)

	at := FreeQuota(mustTime(t, "2026-10-14T05:00:00Z"), time.UTC, 5)
	assert.Equal(t, "2026-10-14", at.PeriodKey)
	assert.Equal(t, int64(86400), at.SecondsUntilReset)

	after := FreeQuota(mustTime(t, "2026-10-14T05:00:01Z"), time.UTC, 5)
	assert.Equal(t, "2026-10-14", after.PeriodKey)
	assert.Equal(t, int64(86399), after.SecondsUntilReset)
}

func TestFreeQuota_UsesUserTimezone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// 10:00 UTC is 19:00 in Tokyo; the next 05:00 JST is 20:00 UTC.
	q := FreeQuota(mustTime(t, "2026-10-14T10:00:00Z"), tokyo, 5)
	assert.Equal(t, "2026-10-14", q.PeriodKey)
	assert.Equal(t, int64(10*3600), q.SecondsUntilReset)
	assert.True(t, q.ResetAt.Equal(mustTime(t, "2026-10-14T20:00:00Z")))

	// 19:00 UTC is 04:00 the next day in Tokyo, still the 14th's period.
	late := FreeQuota(mustTime(t, "2026-10-14T19:00:00Z"), tokyo, 5)
	assert.Equal(t, "2026-10-14", late.PeriodKey)
	assert.Equal(t, int64(3600), late.SecondsUntilReset)
}

func TestFreeQuota_SecondsUntilResetRange(t *testing.T) {
	for _, tz := range []string{"UTC", "America/New_York", "Asia/Kolkata", "Australia/Lord_Howe"} {
		loc := LoadLocation(tz)
		// Covers the US fall-back transition on 2026-11-01.
		start := mustTime(t, "2026-10-31T00:00:00Z")
		prev := FreeQuota(start, loc, 5)

		for at := start.Add(time.Minute * 7); at.Before(start.Add(72 * time.Hour)); at = at.Add(7 * time.Minute) {
			q := FreeQuota(at, loc, 5)
			require.Greaterf(t, q.SecondsUntilReset, int64(0), "tz=%s at=%s", tz, at)
			require.LessOrEqualf(t, q.SecondsUntilReset, int64(86400), "tz=%s at=%s", tz, at)

			if q.PeriodKey == prev.PeriodKey {
				assert.LessOrEqualf(t, q.SecondsUntilReset, prev.SecondsUntilReset, "tz=%s at=%s jumped back within a period", tz, at)
			}
			prev = q
		}
	}
}

func TestFreeQuota_CounterOutlivesLongDay(t *testing.T) {
	ny := LoadLocation("America/New_York")
	// 2026-11-01 00:00:01 EDT. The next midnight is EST, 25h later.
	at := mustTime(t, "2026-11-01T04:00:01Z")

	q := FreeQuota(at, ny, 0)
	assert.Equal(t, "2026-11-01", q.PeriodKey)
	assert.Equal(t, int64(86400), q.SecondsUntilReset)
	assert.Equal(t, 25*time.Hour-time.Second, q.CounterTTL())
	assert.True(t, at.Add(q.CounterTTL()).Equal(q.ResetAt))

	// A day and a second later the key is unchanged, so the counter
	// created at the start must still be alive.
	later := FreeQuota(at.Add(86401*time.Second), ny, 0)
	assert.Equal(t, q.PeriodKey, later.PeriodKey)
	assert.Greater(t, q.CounterTTL(), 86401*time.Second)
	assert.Equal(t, time.Duration(later.SecondsUntilReset)*time.Second, later.CounterTTL())
}

func TestQuota_CounterTTLWithoutBoundary(t *testing.T) {
	q := Quota{Scope: ScopeSubscription, PeriodKey: "S1", SecondsUntilReset: 3600}
	assert.Equal(t, time.Hour, q.CounterTTL())
}

func TestLoadLocation_FallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, LoadLocation(""))
	assert.Equal(t, time.UTC, LoadLocation("Mars/Olympus_Mons"))
}

func TestResolve_Subscription(t *testing.T) {
	end := mustTime(t, "2026-11-01T00:00:00Z")
	store := &mockSubscriptionStore{
		activeFunc: func(ctx context.Context, userID string, at time.Time) (*Subscription, error) {
			return &Subscription{ID: "S1", UserID: userID, PeriodStart: mustTime(t, "2026-10-01T00:00:00Z"), PeriodEnd: end}, nil
		},
	}
	r := NewResolver(store, 5)

	at := mustTime(t, "2026-10-31T23:00:00Z")
	q, err := r.ResolveAt(context.Background(), "user-1", "UTC", at)
	require.NoError(t, err)

	assert.Equal(t, ScopeSubscription, q.Scope)
	assert.Equal(t, "S1", q.PeriodKey)
	assert.Equal(t, int64(3600), q.SecondsUntilReset)
	assert.Equal(t, "S1", q.Identity().SubscriptionID)
	assert.Empty(t, q.Identity().PeriodKey)
}

func TestResolve_FreeWhenNoSubscription(t *testing.T) {
	r := NewResolver(&mockSubscriptionStore{}, 5)

	q, err := r.ResolveAt(context.Background(), "user-1", "UTC", mustTime(t, "2026-10-14T12:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, ScopeFree, q.Scope)
	assert.Equal(t, "2026-10-14", q.Identity().PeriodKey)
	assert.Empty(t, q.Identity().SubscriptionID)
}

func TestResolve_NilStoreIsFree(t *testing.T) {
	r := NewResolver(nil, 0)

	q, err := r.Resolve(context.Background(), "user-1", "UTC")
	require.NoError(t, err)
	assert.Equal(t, ScopeFree, q.Scope)
}

func TestResolve_StoreErrorPropagates(t *testing.T) {
	store := &mockSubscriptionStore{
		activeFunc: func(ctx context.Context, userID string, at time.Time) (*Subscription, error) {
			return nil, errors.New("connection refused")
		},
	}
	r := NewResolver(store, 5)

	_, err := r.Resolve(context.Background(), "user-1", "UTC")
	assert.Error(t, err)
}

type fakeCache struct {
	data map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (c *fakeCache) Get(ctx context.Context, key string) *redis.StringCmd {
	v, ok := c.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (c *fakeCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	sub := value.(*Subscription)
	data, _ := sub.MarshalBinary()
	c.data[key] = data
	return redis.NewStatusResult("OK", nil)
}

func TestCachedSubscriptions(t *testing.T) {
	end := time.Now().Add(48 * time.Hour)
	store := &mockSubscriptionStore{
		activeFunc: func(ctx context.Context, userID string, at time.Time) (*Subscription, error) {
			if userID == "free-user" {
				return nil, ErrNoSubscription
			}
			return &Subscription{ID: "S1", UserID: userID, PeriodStart: time.Now().Add(-time.Hour), PeriodEnd: end}, nil
		},
	}
	cached := NewCachedSubscriptions(store, newFakeCache(), time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sub, err := cached.Active(ctx, "paid-user", time.Now())
		require.NoError(t, err)
		assert.Equal(t, "S1", sub.ID)
	}
	assert.Equal(t, 1, store.calls, "paid lookups should be served from cache")

	for i := 0; i < 3; i++ {
		_, err := cached.Active(ctx, "free-user", time.Now())
		assert.ErrorIs(t, err, ErrNoSubscription)
	}
	assert.Equal(t, 2, store.calls, "missing subscriptions should be cached too")
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(`
reset_hour: 4
free:
  tokens: 1000
  models:
    gpt-4o: 300
subscribed:
  tokens: 50000
`))
	require.NoError(t, err)
	assert.Equal(t, 4, p.ResetHour)
	assert.Equal(t, int64(1000), p.LimitsFor(ScopeFree).Tokens)
	assert.Equal(t, int64(300), p.LimitsFor(ScopeFree).Models["gpt-4o"])
	assert.Equal(t, int64(50000), p.LimitsFor(ScopeSubscription).Tokens)

	_, err = ParsePolicy([]byte("reset_hour: 24"))
	assert.Error(t, err)
}
