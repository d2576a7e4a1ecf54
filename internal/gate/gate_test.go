package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/usage-meter/internal/counter"
	"github.com/vnmchuo/usage-meter/internal/quota"
	"github.com/vnmchuo/usage-meter/internal/telemetry"
)

type mockResolver struct {
	resolveFunc func(ctx context.Context, userID, timezone string) (quota.Quota, error)
}

func (m *mockResolver) Resolve(ctx context.Context, userID, timezone string) (quota.Quota, error) {
	if m.resolveFunc != nil {
		return m.resolveFunc(ctx, userID, timezone)
	}
	at := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	return quota.FreeQuota(at, quota.LoadLocation(timezone), 5), nil
}

type failingStore struct {
	err   error
	calls int
}

func (f *failingStore) IncrBy(ctx context.Context, incs []counter.Increment) ([]int64, error) {
	f.calls++
	return nil, f.err
}

func (f *failingStore) Values(ctx context.Context, keys []string) ([]int64, error) {
	return nil, f.err
}

type mockBurst struct {
	allowed bool
	err     error
}

func (m *mockBurst) Allow(ctx context.Context, userID string, tokens int64) (bool, error) {
	return m.allowed, m.err
}

func freePolicy(limit int64) *quota.Policy {
	return &quota.Policy{ResetHour: 5, Free: quota.Limits{Tokens: limit}, Subscribed: quota.Limits{Tokens: limit * 10}}
}

func TestAdmit_FreeUserDailyLimit(t *testing.T) {
	store := counter.NewMemoryStore()
	g := New(&mockResolver{}, store, freePolicy(1000))
	ctx := context.Background()
	req := Request{UserID: "user-1", Timezone: "UTC", Model: "gpt-4o-mini", Amount: 400}

	first := g.Admit(ctx, req)
	assert.False(t, first.RateLimited)
	assert.Equal(t, int64(400), first.Values[MetricTokens])
	assert.Equal(t, "2026-10-14", first.Quota.PeriodKey)

	second := g.Admit(ctx, req)
	assert.False(t, second.RateLimited)
	assert.Equal(t, int64(800), second.Values[MetricTokens])

	third := g.Admit(ctx, req)
	assert.True(t, third.RateLimited)
	assert.Equal(t, ReasonQuota, third.Reason)
	assert.Equal(t, []string{MetricTokens}, third.Exceeded)
	// Increment-first: the denied request still advanced the counter.
	assert.Equal(t, int64(1200), third.Values[MetricTokens])

	values, err := store.Values(ctx, []string{counter.Key("user-1", "2026-10-14", MetricTokens)})
	require.NoError(t, err)
	assert.Equal(t, int64(1200), values[0])
}

func TestAdmit_DeniesWhenAnyMetricOverLimit(t *testing.T) {
	policy := freePolicy(10_000)
	policy.Free.Models = map[string]int64{"gpt-4o": 500}
	g := New(&mockResolver{}, counter.NewMemoryStore(), policy)
	ctx := context.Background()

	d := g.Admit(ctx, Request{UserID: "u", Model: "gpt-4o", Amount: 600})
	assert.True(t, d.RateLimited)
	assert.Equal(t, []string{"tokens:gpt-4o"}, d.Exceeded)
	assert.Equal(t, int64(600), d.Values[MetricTokens])

	// Other models only count against the total.
	d = g.Admit(ctx, Request{UserID: "u", Model: "gpt-4o-mini", Amount: 600})
	assert.False(t, d.RateLimited)
	assert.Equal(t, int64(1200), d.Values[MetricTokens])
}

func TestAdmit_ZeroLimitIsUnlimited(t *testing.T) {
	g := New(&mockResolver{}, counter.NewMemoryStore(), freePolicy(0))

	d := g.Admit(context.Background(), Request{UserID: "u", Amount: 1 << 40})
	assert.False(t, d.RateLimited)
}

func TestAdmit_ConcurrentIncrementsAreExact(t *testing.T) {
	store := counter.NewMemoryStore()
	g := New(&mockResolver{}, store, freePolicy(0))
	const n = 300

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Admit(context.Background(), Request{UserID: "u", Amount: 1})
		}()
	}
	wg.Wait()

	values, err := store.Values(context.Background(), []string{counter.Key("u", "2026-10-14", MetricTokens)})
	require.NoError(t, err)
	assert.Equal(t, int64(n), values[0])
}

func TestAdmit_FailsOpenOnCounterError(t *testing.T) {
	store := &failingStore{err: errors.New("dial tcp: connection refused")}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	g := New(&mockResolver{}, store, freePolicy(1), WithMetrics(metrics))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := g.Admit(ctx, Request{UserID: "u", Amount: 100})
		assert.False(t, d.RateLimited)
		assert.True(t, d.FailedOpen)
		assert.Equal(t, "counter", d.Reason)
	}

	// The breaker is open now and the store is no longer called.
	d := g.Admit(ctx, Request{UserID: "u", Amount: 100})
	assert.False(t, d.RateLimited)
	assert.True(t, d.FailedOpen)
	assert.Equal(t, "breaker_open", d.Reason)
	assert.Equal(t, 3, store.calls)
}

func TestAdmit_FailsOpenOnResolverError(t *testing.T) {
	r := &mockResolver{resolveFunc: func(ctx context.Context, userID, timezone string) (quota.Quota, error) {
		return quota.Quota{}, errors.New("postgres down")
	}}
	g := New(r, counter.NewMemoryStore(), freePolicy(1))

	d := g.Admit(context.Background(), Request{UserID: "u", Amount: 100})
	assert.False(t, d.RateLimited)
	assert.True(t, d.FailedOpen)
	assert.Equal(t, "resolver", d.Reason)
}

func TestAdmit_FailsOpenOnTimeout(t *testing.T) {
	r := &mockResolver{resolveFunc: func(ctx context.Context, userID, timezone string) (quota.Quota, error) {
		<-ctx.Done()
		return quota.Quota{}, ctx.Err()
	}}
	g := New(r, counter.NewMemoryStore(), freePolicy(1), WithTimeout(20*time.Millisecond))

	start := time.Now()
	d := g.Admit(context.Background(), Request{UserID: "u", Amount: 100})
	assert.True(t, d.FailedOpen)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAdmit_Burst(t *testing.T) {
	store := counter.NewMemoryStore()
	g := New(&mockResolver{}, store, freePolicy(0), WithBurst(&mockBurst{allowed: false}))

	d := g.Admit(context.Background(), Request{UserID: "u", Amount: 100})
	assert.True(t, d.RateLimited)
	assert.Equal(t, ReasonBurst, d.Reason)

	// A burst denial happens before the period counters move.
	values, _ := store.Values(context.Background(), []string{counter.Key("u", "2026-10-14", MetricTokens)})
	assert.Zero(t, values[0])
}

func TestAdmit_BurstErrorIsSkipped(t *testing.T) {
	g := New(&mockResolver{}, counter.NewMemoryStore(), freePolicy(1000), WithBurst(&mockBurst{err: errors.New("redis down")}))

	d := g.Admit(context.Background(), Request{UserID: "u", Amount: 100})
	assert.False(t, d.RateLimited)
	assert.Equal(t, int64(100), d.Values[MetricTokens])
}

func TestAdmit_SubscriptionScope(t *testing.T) {
	r := &mockResolver{resolveFunc: func(ctx context.Context, userID, timezone string) (quota.Quota, error) {
		return quota.Quota{Scope: quota.ScopeSubscription, PeriodKey: "S1", SubscriptionID: "S1", SecondsUntilReset: 3600}, nil
	}}
	store := counter.NewMemoryStore()
	g := New(r, store, freePolicy(100))

	// Subscribed limit is 1000 in freePolicy.
	d := g.Admit(context.Background(), Request{UserID: "u", Amount: 500})
	assert.False(t, d.RateLimited)
	assert.Equal(t, int64(1000), d.Limits[MetricTokens])

	values, _ := store.Values(context.Background(), []string{counter.Key("u", "S1", MetricTokens)})
	assert.Equal(t, int64(500), values[0])
}

func TestStatus_DoesNotIncrement(t *testing.T) {
	g := New(&mockResolver{}, counter.NewMemoryStore(), freePolicy(1000))
	ctx := context.Background()

	g.Admit(ctx, Request{UserID: "u", Amount: 1000})

	for i := 0; i < 2; i++ {
		d, err := g.Status(ctx, "u", "UTC", "")
		require.NoError(t, err)
		assert.Equal(t, int64(1000), d.Values[MetricTokens])
		assert.True(t, d.RateLimited, "a spent quota should report as limited")
	}
}

func TestAdmitCounter(t *testing.T) {
	g := New(&mockResolver{}, counter.NewMemoryStore(), nil)
	ctx := context.Background()

	r, err := g.AdmitCounter(ctx, "u", "2026-10-14", "tokens", 600, 1000, time.Hour)
	require.NoError(t, err)
	assert.True(t, r.Admitted)
	assert.Equal(t, int64(600), r.CurrentValue)

	r, err = g.AdmitCounter(ctx, "u", "2026-10-14", "tokens", 600, 1000, time.Hour)
	require.NoError(t, err)
	assert.False(t, r.Admitted)
	assert.Equal(t, int64(1200), r.CurrentValue)

	failing := New(&mockResolver{}, &failingStore{err: errors.New("down")}, nil)
	r, err = failing.AdmitCounter(ctx, "u", "p", "tokens", 1, 1, time.Hour)
	assert.Error(t, err)
	assert.True(t, r.Admitted)
}

type recordingStore struct {
	counter.Store
	incs []counter.Increment
}

func (r *recordingStore) IncrBy(ctx context.Context, incs []counter.Increment) ([]int64, error) {
	r.incs = append(r.incs, incs...)
	return r.Store.IncrBy(ctx, incs)
}

func TestAdmit_CounterLivesUntilLongDayEnds(t *testing.T) {
	at := time.Date(2026, 11, 1, 4, 0, 1, 0, time.UTC) // 00:00:01 EDT
	r := &mockResolver{resolveFunc: func(ctx context.Context, userID, timezone string) (quota.Quota, error) {
		return quota.FreeQuota(at, quota.LoadLocation(timezone), 0), nil
	}}
	store := &recordingStore{Store: counter.NewMemoryStore()}
	g := New(r, store, freePolicy(1000))

	d := g.Admit(context.Background(), Request{UserID: "u", Timezone: "America/New_York", Amount: 10})
	require.False(t, d.FailedOpen)
	assert.Equal(t, int64(86400), d.Quota.SecondsUntilReset)
	require.Len(t, store.incs, 1)
	assert.Equal(t, 25*time.Hour-time.Second, store.incs[0].TTL)
}
