// Package billing folds usage deltas into per-period aggregate rows.
//
// One row exists per (user, subscription) or (user, free-tier day). Every
// write is a single upsert that adds the delta to the stored totals, so
// concurrent writers never lose an update and the row can be created by
// whichever writer arrives first.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/usage-meter/internal/usage"
)

var ErrNotFound = errors.New("usage row not found")

// UnknownModel is the breakdown key for deltas without a model.
const UnknownModel = "unknown"

// Increment is one additive update of an aggregate row. Any field may be
// negative when it corrects an earlier estimate.
type Increment struct {
	UserID   string
	Identity usage.Identity
	Model    string

	TokensIn    int64
	TokensOut   int64
	TokensTotal int64
	Chars       int64
	Bytes       int64
	Cost        usage.Cost
}

// Row is an aggregate row as stored.
type Row struct {
	UserID         string           `json:"user_id"`
	SubscriptionID string           `json:"subscription_id,omitempty"`
	PeriodKey      string           `json:"period_key,omitempty"`
	TokensIn       int64            `json:"tokens_in"`
	TokensOut      int64            `json:"tokens_out"`
	TokensTotal    int64            `json:"tokens_total"`
	Chars          int64            `json:"chars"`
	Bytes          int64            `json:"bytes"`
	ModelTokens    map[string]int64 `json:"model_tokens"`
	CostTotalMicro int64            `json:"cost_total_micro"`
	CostOpenAI     int64            `json:"cost_openai_micro"`
	CostMinimax    int64            `json:"cost_minimax_micro"`
	CostBlob       int64            `json:"cost_blob_micro"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

type Store interface {
	ApplyDelta(ctx context.Context, inc Increment) error
	Get(ctx context.Context, userID string, id usage.Identity) (*Row, error)
	EnsureSchema(ctx context.Context) error
}

type Aggregator struct {
	store  Store
	tracer trace.Tracer
	logger *slog.Logger
}

func NewAggregator(store Store, tracer trace.Tracer, logger *slog.Logger) *Aggregator {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("billing")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: store, tracer: tracer, logger: logger}
}

// Apply adds one delta to the aggregate row for (userID, id). The identity
// is checked before anything is written.
func (a *Aggregator) Apply(ctx context.Context, userID string, id usage.Identity, d usage.Delta, cost usage.Cost) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", usage.ErrInvalidIdentity)
	}
	if err := id.Validate(); err != nil {
		a.logger.Error("refusing aggregate write", "user_id", userID, "error", err)
		return err
	}

	ctx, span := a.tracer.Start(ctx, "meter.aggregate")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("identity", id.String()),
		attribute.Int64("tokens", d.TotalTokens()),
		attribute.Int64("cost_micro", cost.TotalMicro),
	)

	model := d.Model
	if model == "" {
		model = UnknownModel
	}
	inc := Increment{
		UserID:      userID,
		Identity:    id,
		Model:       model,
		TokensIn:    d.InputTokens,
		TokensOut:   d.OutputTokens,
		TokensTotal: d.TotalTokens(),
		Chars:       d.Chars,
		Bytes:       d.Bytes,
		Cost:        cost,
	}
	if err := a.store.ApplyDelta(ctx, inc); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to apply usage delta: %w", err)
	}
	return nil
}

// Get returns the aggregate row for (userID, id).
func (a *Aggregator) Get(ctx context.Context, userID string, id usage.Identity) (*Row, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return a.store.Get(ctx, userID, id)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
