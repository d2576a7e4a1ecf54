// Package audit keeps one running-totals row per user: tokens used,
// estimated cost, request count and the last caller address.
package audit

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

var ErrNotFound = errors.New("audit record not found")

// Entry is one additive update of a user's audit row. An empty IPAddress
// keeps the stored one.
type Entry struct {
	UserID    string
	Tokens    int64
	CostMicro int64
	Requests  int64
	IPAddress string
}

type Record struct {
	UserID            string    `json:"user_id"`
	TokensUsed        int64     `json:"tokens_used"`
	CostEstimateMicro int64     `json:"cost_estimate_micro"`
	RequestCount      int64     `json:"request_count"`
	LastIP            string    `json:"last_ip,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Store interface {
	// Append makes sure the user's row exists, then adds e to it in place.
	Append(ctx context.Context, e Entry) error
	Get(ctx context.Context, userID string) (*Record, error)
	EnsureSchema(ctx context.Context) error
}

type Logger struct {
	store  Store
	tracer trace.Tracer
	logger *slog.Logger
}

func NewLogger(store Store, tracer trace.Tracer, logger *slog.Logger) *Logger {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("audit")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{store: store, tracer: tracer, logger: logger}
}

// AppendUsage adds one delta to the user's audit row. requests is the number
// of logical requests the delta closes, 0 for a follow-up correction.
func (l *Logger) AppendUsage(ctx context.Context, userID string, d usage.Delta, cost usage.Cost, requests int64, ip string) error {
	if userID == "" {
		return fmt.Errorf("audit: empty user id")
	}
	ctx, span := l.tracer.Start(ctx, "meter.audit")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.Int64("tokens", d.TotalTokens()),
	)

	err := l.store.Append(ctx, Entry{
		UserID:    userID,
		Tokens:    d.TotalTokens(),
		CostMicro: cost.TotalMicro,
		Requests:  requests,
		IPAddress: ip,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to append audit usage: %w", err)
	}
	return nil
}

func (l *Logger) Get(ctx context.Context, userID string) (*Record, error) {
	return l.store.Get(ctx, userID)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
