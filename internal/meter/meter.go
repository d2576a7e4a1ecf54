// Package meter is the entry point for callers of the metering engine. It
// ties admission, pricing, aggregation and auditing together so that a
// request only ever waits on the admission check.
package meter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vnmchuo/usage-meter/internal/audit"
	"github.com/vnmchuo/usage-meter/internal/billing"
	"github.com/vnmchuo/usage-meter/internal/gate"
	"github.com/vnmchuo/usage-meter/internal/pricing"
	"github.com/vnmchuo/usage-meter/internal/quota"
	"github.com/vnmchuo/usage-meter/internal/stream"
	"github.com/vnmchuo/usage-meter/internal/telemetry"
	"github.com/vnmchuo/usage-meter/internal/tokens"
	"github.com/vnmchuo/usage-meter/internal/usage"
	"github.com/vnmchuo/usage-meter/internal/worker"
)

// TaskCommit is the background task that writes one call to the aggregate
// and the audit log.
const TaskCommit = "commit"

// PeriodResolver resolves the quota period at a given instant.
type PeriodResolver interface {
	ResolveAt(ctx context.Context, userID, timezone string, at time.Time) (quota.Quota, error)
}

// Submitter accepts background tasks without blocking.
type Submitter interface {
	Submit(task worker.Task) error
}

// Usage is one ingress call. CostMeta is set for non-token providers.
type Usage struct {
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Model        string          `json:"model"`
	IPAddress    string          `json:"ip_address,omitempty"`
	CostMeta     *usage.CostMeta `json:"cost_meta,omitempty"`
	// Continuation marks a follow-up delta of a request already counted.
	Continuation bool `json:"-"`
}

type Deps struct {
	Pricing    *pricing.Calculator
	Resolver   PeriodResolver
	Gate       *gate.Gate
	Aggregator *billing.Aggregator
	Audit      *audit.Logger
	Pool       Submitter
	Tokens     *tokens.Counter
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
	FlushChars int64
}

type Engine struct {
	pricing    *pricing.Calculator
	resolver   PeriodResolver
	gate       *gate.Gate
	aggregator *billing.Aggregator
	audit      *audit.Logger
	pool       Submitter
	tokens     *tokens.Counter
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	flushChars int64
	now        func() time.Time
}

func New(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Pricing == nil {
		d.Pricing = pricing.NewCalculator(nil, d.Logger)
	}
	if d.Tokens == nil {
		d.Tokens = tokens.NewCounter(nil, d.Logger)
	}
	return &Engine{
		pricing:    d.Pricing,
		resolver:   d.Resolver,
		gate:       d.Gate,
		aggregator: d.Aggregator,
		audit:      d.Audit,
		pool:       d.Pool,
		tokens:     d.Tokens,
		metrics:    d.Metrics,
		logger:     d.Logger,
		flushChars: d.FlushChars,
		now:        time.Now,
	}
}

// Admit asks the gate whether caller may spend amount tokens on model.
func (e *Engine) Admit(ctx context.Context, caller usage.Caller, model string, amount int64) gate.Decision {
	return e.gate.Admit(ctx, gate.Request{
		UserID:   caller.UserID,
		Timezone: caller.Timezone,
		Model:    model,
		Amount:   amount,
	})
}

// Status reports the caller's current period without consuming quota.
func (e *Engine) Status(ctx context.Context, caller usage.Caller, model string) (gate.Decision, error) {
	return e.gate.Status(ctx, caller.UserID, caller.Timezone, model)
}

// Period returns the caller's aggregate row for the current period.
func (e *Engine) Period(ctx context.Context, caller usage.Caller) (quota.Quota, *billing.Row, error) {
	q, err := e.resolver.ResolveAt(ctx, caller.UserID, caller.Timezone, e.now())
	if err != nil {
		return quota.Quota{}, nil, err
	}
	row, err := e.aggregator.Get(ctx, caller.UserID, q.Identity())
	if err != nil {
		return q, nil, err
	}
	return q, row, nil
}

// TrackUsage records one unit of consumption. It prices the call now and
// hands persistence to the background pool; it returns before anything
// is written. The period is resolved for the instant of the call, not the
// instant the task runs.
func (e *Engine) TrackUsage(ctx context.Context, caller usage.Caller, u Usage) error {
	if caller.UserID == "" {
		return fmt.Errorf("%w: empty user id", usage.ErrInvalidIdentity)
	}
	d := toDelta(caller, u)
	return e.submit(caller, u, d, e.pricing.CalculateDelta(d, u.CostMeta))
}

func toDelta(caller usage.Caller, u Usage) usage.Delta {
	d := usage.Delta{
		UserID:       caller.UserID,
		Provider:     usage.ProviderOpenAI,
		Model:        u.Model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
	}
	if u.CostMeta != nil {
		d.Provider = u.CostMeta.Provider
		d.Chars = u.CostMeta.Chars
		d.Bytes = u.CostMeta.Bytes
	}
	return d
}

// submit enqueues both writes as a single task, so a full queue rejects the
// call as a whole and a retry never double-counts either table.
func (e *Engine) submit(caller usage.Caller, u Usage, d usage.Delta, cost usage.Cost) error {
	at := e.now()
	ip := u.IPAddress
	if ip == "" {
		ip = caller.IPAddress
	}
	var requests int64 = 1
	if u.Continuation {
		requests = 0
	}

	return e.pool.Submit(worker.Task{
		Name:   TaskCommit,
		UserID: caller.UserID,
		Fn: func(ctx context.Context) error {
			var aggErr error
			q, err := e.resolver.ResolveAt(ctx, caller.UserID, caller.Timezone, at)
			if err == nil {
				err = e.aggregator.Apply(ctx, caller.UserID, q.Identity(), d, cost)
			}
			if err != nil {
				aggErr = fmt.Errorf("aggregate: %w", err)
			} else {
				e.metrics.Committed(d, cost)
			}
			if err := e.audit.AppendUsage(ctx, caller.UserID, d, cost, requests, ip); err != nil {
				return errors.Join(aggErr, fmt.Errorf("audit: %w", err))
			}
			return aggErr
		},
	})
}

// NewStream returns an accountant whose commits are tracked as usage for
// caller. Commits never block the stream. Each commit is priced against the
// stream's running total, so rounding does not accumulate across flushes.
func (e *Engine) NewStream(caller usage.Caller, model string) *stream.Accountant {
	var mu sync.Mutex
	running := pricing.NewRunning(model)

	return stream.New(model, func(c stream.Commit) {
		u := Usage{
			InputTokens:  c.InputTokens,
			OutputTokens: c.OutputTokens,
			Model:        model,
			Continuation: !c.First,
		}
		if caller.UserID == "" {
			e.logger.Warn("stream commit not tracked", "model", model, "error", usage.ErrInvalidIdentity)
			return
		}

		mu.Lock()
		cost := running.Add(e.pricing.Table(), c.InputTokens, c.OutputTokens)
		mu.Unlock()

		if err := e.submit(caller, u, toDelta(caller, u), cost); err != nil {
			e.logger.Warn("stream commit not tracked", "user_id", caller.UserID, "model", model, "error", err)
		}
	}, stream.WithFlushChars(e.flushChars), stream.WithCounter(e.tokens))
}

// CountTokens estimates the tokens of text for model.
func (e *Engine) CountTokens(model, text string) int64 {
	return e.tokens.Count(model, text)
}
