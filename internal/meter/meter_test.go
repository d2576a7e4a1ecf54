package meter

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/usage-meter/internal/audit"
	"github.com/vnmchuo/usage-meter/internal/billing"
	"github.com/vnmchuo/usage-meter/internal/counter"
	"github.com/vnmchuo/usage-meter/internal/gate"
	"github.com/vnmchuo/usage-meter/internal/pricing"
	"github.com/vnmchuo/usage-meter/internal/quota"
	"github.com/vnmchuo/usage-meter/internal/storage"
	"github.com/vnmchuo/usage-meter/internal/telemetry"
	"github.com/vnmchuo/usage-meter/internal/usage"
	"github.com/vnmchuo/usage-meter/internal/worker"
)

var fixedNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

type harness struct {
	engine *Engine
	pool   *worker.Pool
	agg    *billing.Aggregator
	audit  *audit.Logger
}

func newHarness(t *testing.T, subs quota.SubscriptionStore) *harness {
	t.Helper()
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "meter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	billingStore := billing.NewSQLiteStore(db)
	require.NoError(t, billingStore.EnsureSchema(ctx))
	auditStore := audit.NewSQLiteStore(db)
	require.NoError(t, auditStore.EnsureSchema(ctx))

	resolver := quota.NewResolver(subs, 5)
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	pool := worker.NewPool(worker.Config{Workers: 2, QueueSize: 256}, worker.WithMetrics(metrics))
	agg := billing.NewAggregator(billingStore, nil, nil)
	auditLogger := audit.NewLogger(auditStore, nil, nil)

	e := New(Deps{
		Pricing:    pricing.NewCalculator(nil, nil),
		Resolver:   resolver,
		Gate:       gate.New(resolver, counter.NewMemoryStore(), quota.DefaultPolicy()),
		Aggregator: agg,
		Audit:      auditLogger,
		Pool:       pool,
		Metrics:    metrics,
	})
	e.now = func() time.Time { return fixedNow }
	return &harness{engine: e, pool: pool, agg: agg, audit: auditLogger}
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, h.pool.Close(context.Background()))
}

type fixedSubs struct {
	sub *quota.Subscription
}

func (f fixedSubs) Active(ctx context.Context, userID string, at time.Time) (*quota.Subscription, error) {
	if f.sub == nil {
		return nil, quota.ErrNoSubscription
	}
	return f.sub, nil
}

type capturingPool struct {
	mu    sync.Mutex
	tasks []worker.Task
	err   error
}

func (c *capturingPool) Submit(task worker.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.tasks = append(c.tasks, task)
	return nil
}

func TestTrackUsage_AccumulatesIntoFreeDay(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	caller := usage.Caller{UserID: "u1", Timezone: "UTC", IPAddress: "10.0.0.1"}

	require.NoError(t, h.engine.TrackUsage(ctx, caller, Usage{InputTokens: 10, Model: "gpt-4o"}))
	require.NoError(t, h.engine.TrackUsage(ctx, caller, Usage{OutputTokens: 15, Model: "gpt-4o"}))
	h.drain(t)

	row, err := h.agg.Get(ctx, "u1", usage.Identity{PeriodKey: "2026-10-14"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), row.TokensIn)
	assert.Equal(t, int64(15), row.TokensOut)
	assert.Equal(t, int64(25), row.TokensTotal)
	// 10 in = 25 micro, 15 out = 150 micro.
	assert.Equal(t, int64(175), row.CostTotalMicro)
	assert.Equal(t, map[string]int64{"gpt-4o": 25}, row.ModelTokens)

	rec, err := h.audit.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), rec.TokensUsed)
	assert.Equal(t, int64(2), rec.RequestCount)
	assert.Equal(t, "10.0.0.1", rec.LastIP)
}

func TestTrackUsage_SubscriptionPeriod(t *testing.T) {
	sub := &quota.Subscription{
		ID:          "sub-9",
		UserID:      "u2",
		PeriodStart: fixedNow.Add(-24 * time.Hour),
		PeriodEnd:   fixedNow.Add(24 * time.Hour),
	}
	h := newHarness(t, fixedSubs{sub: sub})
	ctx := context.Background()

	require.NoError(t, h.engine.TrackUsage(ctx, usage.Caller{UserID: "u2"}, Usage{InputTokens: 100, Model: "gpt-4o"}))
	h.drain(t)

	row, err := h.agg.Get(ctx, "u2", usage.Identity{SubscriptionID: "sub-9"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), row.TokensTotal)
	assert.Equal(t, int64(250), row.CostOpenAI)
}

func TestTrackUsage_CostMetaProviders(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	caller := usage.Caller{UserID: "u3"}

	require.NoError(t, h.engine.TrackUsage(ctx, caller, Usage{
		CostMeta: &usage.CostMeta{Provider: usage.ProviderMinimax, Chars: 2000},
	}))
	require.NoError(t, h.engine.TrackUsage(ctx, caller, Usage{
		CostMeta: &usage.CostMeta{Provider: usage.ProviderBlob, Bytes: 1 << 30},
	}))
	h.drain(t)

	row, err := h.agg.Get(ctx, "u3", usage.Identity{PeriodKey: "2026-10-14"})
	require.NoError(t, err)
	assert.Equal(t, int64(2000), row.Chars)
	assert.Equal(t, int64(1<<30), row.Bytes)
	assert.Equal(t, int64(100000), row.CostMinimax)
	assert.Equal(t, int64(23000), row.CostBlob)
	assert.Equal(t, int64(123000), row.CostTotalMicro)
}

func TestTrackUsage_ReturnsBeforeWriting(t *testing.T) {
	pool := &capturingPool{}
	e := New(Deps{Resolver: quota.NewResolver(nil, 5), Pool: pool})

	require.NoError(t, e.TrackUsage(context.Background(), usage.Caller{UserID: "u"}, Usage{InputTokens: 1}))
	require.Len(t, pool.tasks, 1, "aggregate and audit share one task")
	assert.Equal(t, TaskCommit, pool.tasks[0].Name)
	assert.Equal(t, "u", pool.tasks[0].UserID)
}

func TestTrackUsage_ResolvesPeriodAtCallTime(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	pool := &capturingPool{}
	h.engine.pool = pool

	require.NoError(t, h.engine.TrackUsage(ctx, usage.Caller{UserID: "u4"}, Usage{InputTokens: 5}))
	// The day rolls over before the background task runs.
	h.engine.now = func() time.Time { return fixedNow.Add(24 * time.Hour) }
	for _, task := range pool.tasks {
		require.NoError(t, task.Fn(ctx))
	}

	row, err := h.agg.Get(ctx, "u4", usage.Identity{PeriodKey: "2026-10-14"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), row.TokensTotal)
}

func TestTrackUsage_QueueFull(t *testing.T) {
	e := New(Deps{Resolver: quota.NewResolver(nil, 5), Pool: &capturingPool{err: worker.ErrQueueFull}})

	err := e.TrackUsage(context.Background(), usage.Caller{UserID: "u"}, Usage{InputTokens: 1})
	assert.ErrorIs(t, err, worker.ErrQueueFull)
}

type failingBilling struct {
	billing.Store
}

func (failingBilling) ApplyDelta(ctx context.Context, inc billing.Increment) error {
	return errors.New("disk full")
}

func TestTrackUsage_AuditWrittenWhenAggregateFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	pool := &capturingPool{}
	h.engine.pool = pool
	h.engine.aggregator = billing.NewAggregator(failingBilling{}, nil, nil)

	require.NoError(t, h.engine.TrackUsage(ctx, usage.Caller{UserID: "u6"}, Usage{InputTokens: 7, Model: "gpt-4o"}))
	require.Len(t, pool.tasks, 1)
	err := pool.tasks[0].Fn(ctx)
	assert.ErrorContains(t, err, "disk full")

	rec, err := h.audit.Get(ctx, "u6")
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.TokensUsed)
}

func TestTrackUsage_EmptyUser(t *testing.T) {
	e := New(Deps{Pool: &capturingPool{}})

	err := e.TrackUsage(context.Background(), usage.Caller{}, Usage{InputTokens: 1})
	assert.True(t, errors.Is(err, usage.ErrInvalidIdentity))
}

func TestNewStream_CommitsFlowIntoAggregate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	caller := usage.Caller{UserID: "u5"}

	acc := h.engine.NewStream(caller, "gpt-4o-mini")
	require.NoError(t, acc.Start(50))
	for i := 0; i < 3; i++ {
		require.NoError(t, acc.Write(strings.Repeat("x", 400)))
	}
	reported := int64(300)
	acc.Finish(&reported)
	h.drain(t)

	row, err := h.agg.Get(ctx, "u5", usage.Identity{PeriodKey: "2026-10-14"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), row.TokensIn)
	assert.InDelta(t, 300, row.TokensOut, 1)

	rec, err := h.audit.Get(ctx, "u5")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.RequestCount, "a stream is one request")
}

func TestNewStream_CostDoesNotDriftAcrossFlushes(t *testing.T) {
	h := newHarness(t, nil)
	// 12 chars per flush is 3 tokens, which never prices to a whole
	// microUSD on gpt-4o-mini.
	h.engine.flushChars = 12
	ctx := context.Background()

	acc := h.engine.NewStream(usage.Caller{UserID: "u7"}, "gpt-4o-mini")
	require.NoError(t, acc.Start(3))
	for i := 0; i < 200; i++ {
		require.NoError(t, acc.Write(strings.Repeat("y", 12)))
	}
	reported := int64(600)
	acc.Finish(&reported)
	h.drain(t)

	row, err := h.agg.Get(ctx, "u7", usage.Identity{PeriodKey: "2026-10-14"})
	require.NoError(t, err)
	assert.Equal(t, int64(600), row.TokensOut)
	want := pricing.Calculate(pricing.DefaultTable(), "gpt-4o-mini", 3, 600, nil)
	assert.Equal(t, want.TotalMicro, row.CostTotalMicro)
	assert.Equal(t, want.OpenAIMicro, row.CostOpenAI)
}

func TestAdmit_ThroughEngine(t *testing.T) {
	h := newHarness(t, nil)
	defer h.drain(t)
	ctx := context.Background()
	caller := usage.Caller{UserID: "u6", Timezone: "UTC"}

	d := h.engine.Admit(ctx, caller, "gpt-4o", 19_000)
	assert.False(t, d.RateLimited)
	d = h.engine.Admit(ctx, caller, "gpt-4o", 2_000)
	assert.True(t, d.RateLimited)

	status, err := h.engine.Status(ctx, caller, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, int64(21_000), status.Values[gate.MetricTokens])
}
