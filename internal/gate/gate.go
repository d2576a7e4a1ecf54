// Package gate makes the admit-or-deny decision before a costed operation
// starts.
//
// The check is increment-first: counters are advanced by the request's
// amount in one round trip and the post-increment values are compared to
// the limits. A denied request is not rolled back, so concurrent requests
// can overshoot a limit by up to one request's amount. The gate fails open
// whenever the counter store or quota resolution is unavailable.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/usage-meter/internal/counter"
	"github.com/vnmchuo/usage-meter/internal/quota"
	"github.com/vnmchuo/usage-meter/internal/telemetry"
)

const (
	MetricTokens = "tokens"

	ReasonQuota = "quota"
	ReasonBurst = "burst"
)

// Resolver resolves the current quota period for a user.
type Resolver interface {
	Resolve(ctx context.Context, userID, timezone string) (quota.Quota, error)
}

// Burst is a short-window throttle consulted before the period counters.
type Burst interface {
	Allow(ctx context.Context, userID string, tokens int64) (bool, error)
}

type Request struct {
	UserID   string
	Timezone string
	Model    string
	Amount   int64
}

// Decision is the outcome of an admission check. RateLimited is the only
// field callers must act on.
type Decision struct {
	RateLimited bool             `json:"rate_limited"`
	FailedOpen  bool             `json:"failed_open,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Exceeded    []string         `json:"exceeded,omitempty"`
	Quota       quota.Quota      `json:"quota"`
	Values      map[string]int64 `json:"values,omitempty"`
	Limits      map[string]int64 `json:"limits,omitempty"`
}

type Gate struct {
	resolver Resolver
	counters counter.Store
	policy   *quota.Policy
	breaker  *gobreaker.CircuitBreaker
	burst    Burst
	timeout  time.Duration
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

// Option configures Gate.
type Option func(*Gate)

// WithBurst adds a short-window throttle in front of the period counters.
func WithBurst(b Burst) Option {
	return func(g *Gate) { g.burst = b }
}

// WithTimeout bounds the whole admission check (default 250ms).
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(g *Gate) { g.tracer = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithBreaker replaces the circuit breaker guarding the counter store.
func WithBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(g *Gate) { g.breaker = cb }
}

func New(resolver Resolver, counters counter.Store, policy *quota.Policy, opts ...Option) *Gate {
	if policy == nil {
		policy = quota.DefaultPolicy()
	}
	g := &Gate{
		resolver: resolver,
		counters: counters,
		policy:   policy,
		timeout:  250 * time.Millisecond,
		tracer:   noop.NewTracerProvider().Tracer("gate"),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breaker == nil {
		g.breaker = NewBreaker("counter-store")
	}
	return g
}

// NewBreaker trips after three consecutive counter store failures and
// probes again after five seconds.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

type limitedMetric struct {
	name  string
	limit int64
}

func (g *Gate) metricsFor(scope quota.Scope, model string) []limitedMetric {
	limits := g.policy.LimitsFor(scope)
	out := []limitedMetric{{name: MetricTokens, limit: limits.Tokens}}
	if model != "" {
		if l, ok := limits.Models[model]; ok {
			out = append(out, limitedMetric{name: MetricTokens + ":" + model, limit: l})
		}
	}
	return out
}

// Admit runs the admission check for one request. It never returns an
// error: infrastructure failures produce an admitted decision with
// FailedOpen set.
func (g *Gate) Admit(ctx context.Context, req Request) Decision {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "gate.admit")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("model", req.Model),
		attribute.Int64("amount", req.Amount),
	)

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	d := g.admit(ctx, req)

	result := "admitted"
	switch {
	case d.FailedOpen:
		result = "fail_open"
	case d.RateLimited:
		result = "denied"
	}
	span.SetAttributes(
		attribute.String("result", result),
		attribute.String("period_key", d.Quota.PeriodKey),
	)
	g.metrics.GateDecision(result, time.Since(start))
	return d
}

func (g *Gate) admit(ctx context.Context, req Request) Decision {
	q, err := g.resolver.Resolve(ctx, req.UserID, req.Timezone)
	if err != nil {
		return g.failOpen(Decision{}, "resolver", req, err)
	}
	d := Decision{Quota: q}

	if g.burst != nil {
		ok, err := g.burst.Allow(ctx, req.UserID, req.Amount)
		switch {
		case err != nil:
			g.metrics.GateFailOpen("burst")
			g.logger.Warn("burst throttle unavailable, skipping", "user_id", req.UserID, "error", err)
		case !ok:
			d.RateLimited = true
			d.Reason = ReasonBurst
			return d
		}
	}

	metrics := g.metricsFor(q.Scope, req.Model)
	incs := make([]counter.Increment, len(metrics))
	for i, m := range metrics {
		incs[i] = counter.Increment{
			Key:    counter.Key(req.UserID, q.PeriodKey, m.name),
			Amount: req.Amount,
			TTL:    q.CounterTTL(),
		}
	}

	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.counters.IncrBy(ctx, incs)
	})
	if err != nil {
		reason := "counter"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			reason = "breaker_open"
		}
		return g.failOpen(d, reason, req, err)
	}
	values := res.([]int64)

	d.Values = make(map[string]int64, len(metrics))
	d.Limits = make(map[string]int64, len(metrics))
	for i, m := range metrics {
		d.Values[m.name] = values[i]
		d.Limits[m.name] = m.limit
		// Zero limit means unlimited.
		if m.limit > 0 && values[i] > m.limit {
			d.RateLimited = true
			d.Exceeded = append(d.Exceeded, m.name)
		}
	}
	if d.RateLimited {
		d.Reason = ReasonQuota
	}
	return d
}

func (g *Gate) failOpen(d Decision, reason string, req Request, err error) Decision {
	d.RateLimited = false
	d.FailedOpen = true
	d.Reason = reason
	g.metrics.GateFailOpen(reason)
	g.logger.Warn("admission failed open", "reason", reason, "user_id", req.UserID, "error", err)
	return d
}

// Status reads the current counters without advancing them.
func (g *Gate) Status(ctx context.Context, userID, timezone, model string) (Decision, error) {
	q, err := g.resolver.Resolve(ctx, userID, timezone)
	if err != nil {
		return Decision{}, err
	}

	metrics := g.metricsFor(q.Scope, model)
	keys := make([]string, len(metrics))
	for i, m := range metrics {
		keys[i] = counter.Key(userID, q.PeriodKey, m.name)
	}
	values, err := g.counters.Values(ctx, keys)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Quota: q, Values: make(map[string]int64), Limits: make(map[string]int64)}
	for i, m := range metrics {
		d.Values[m.name] = values[i]
		d.Limits[m.name] = m.limit
		if m.limit > 0 && values[i] >= m.limit {
			d.RateLimited = true
			d.Exceeded = append(d.Exceeded, m.name)
		}
	}
	if d.RateLimited {
		d.Reason = ReasonQuota
	}
	return d, nil
}

// CounterResult is the outcome of a single-counter check.
type CounterResult struct {
	Admitted     bool
	CurrentValue int64
}

// AdmitCounter is the single-metric form of Admit for callers that manage
// their own period keys. On a store error the result is admitted and the
// error is returned for logging.
func (g *Gate) AdmitCounter(ctx context.Context, userID, periodKey, metric string, amount, limit int64, ttl time.Duration) (CounterResult, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.counters.IncrBy(ctx, []counter.Increment{{
			Key:    counter.Key(userID, periodKey, metric),
			Amount: amount,
			TTL:    ttl,
		}})
	})
	if err != nil {
		return CounterResult{Admitted: true}, err
	}
	v := res.([]int64)[0]
	return CounterResult{Admitted: limit <= 0 || v <= limit, CurrentValue: v}, nil
}
