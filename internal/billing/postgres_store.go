package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/usage-meter/internal/usage"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS usage (
		id                 BIGSERIAL PRIMARY KEY,
		user_id            TEXT NOT NULL,
		subscription_id    TEXT,
		period_key         TEXT,
		tokens_in          BIGINT NOT NULL DEFAULT 0,
		tokens_out         BIGINT NOT NULL DEFAULT 0,
		tokens_total       BIGINT NOT NULL DEFAULT 0,
		chars              BIGINT NOT NULL DEFAULT 0,
		bytes              BIGINT NOT NULL DEFAULT 0,
		model_tokens       JSONB NOT NULL DEFAULT '{}'::jsonb,
		cost_total_micro   BIGINT NOT NULL DEFAULT 0,
		cost_openai_micro  BIGINT NOT NULL DEFAULT 0,
		cost_minimax_micro BIGINT NOT NULL DEFAULT 0,
		cost_blob_micro    BIGINT NOT NULL DEFAULT 0,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT usage_one_identity CHECK ((subscription_id IS NULL) <> (period_key IS NULL)),
		CONSTRAINT usage_user_subscription UNIQUE (user_id, subscription_id),
		CONSTRAINT usage_user_period UNIQUE (user_id, period_key)
	)`

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create usage table: %w", err)
	}
	return nil
}

// The update side references the stored row as "usage" and the proposed
// row as EXCLUDED, so every column is incremented in place.
const postgresUpsert = `
	INSERT INTO usage (
		user_id, subscription_id, period_key,
		tokens_in, tokens_out, tokens_total, chars, bytes, model_tokens,
		cost_total_micro, cost_openai_micro, cost_minimax_micro, cost_blob_micro
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, jsonb_build_object($9::text, $6::bigint), $10, $11, $12, $13)
	ON CONFLICT (%s) DO UPDATE SET
		tokens_in          = usage.tokens_in + EXCLUDED.tokens_in,
		tokens_out         = usage.tokens_out + EXCLUDED.tokens_out,
		tokens_total       = usage.tokens_total + EXCLUDED.tokens_total,
		chars              = usage.chars + EXCLUDED.chars,
		bytes              = usage.bytes + EXCLUDED.bytes,
		model_tokens       = usage.model_tokens || jsonb_build_object(
			$9::text, COALESCE((usage.model_tokens->>$9::text)::bigint, 0) + EXCLUDED.tokens_total),
		cost_total_micro   = usage.cost_total_micro + EXCLUDED.cost_total_micro,
		cost_openai_micro  = usage.cost_openai_micro + EXCLUDED.cost_openai_micro,
		cost_minimax_micro = usage.cost_minimax_micro + EXCLUDED.cost_minimax_micro,
		cost_blob_micro    = usage.cost_blob_micro + EXCLUDED.cost_blob_micro,
		updated_at         = now()`

func conflictTarget(id usage.Identity) string {
	if id.IsSubscription() {
		return "user_id, subscription_id"
	}
	return "user_id, period_key"
}

func (s *PostgresStore) ApplyDelta(ctx context.Context, inc Increment) error {
	query := fmt.Sprintf(postgresUpsert, conflictTarget(inc.Identity))
	_, err := s.db.Exec(ctx, query,
		inc.UserID, nullable(inc.Identity.SubscriptionID), nullable(inc.Identity.PeriodKey),
		inc.TokensIn, inc.TokensOut, inc.TokensTotal, inc.Chars, inc.Bytes, inc.Model,
		inc.Cost.TotalMicro, inc.Cost.OpenAIMicro, inc.Cost.MinimaxMicro, inc.Cost.BlobMicro,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string, id usage.Identity) (*Row, error) {
	column, value := "period_key", id.PeriodKey
	if id.IsSubscription() {
		column, value = "subscription_id", id.SubscriptionID
	}
	query := fmt.Sprintf(`
		SELECT user_id, COALESCE(subscription_id, ''), COALESCE(period_key, ''),
			tokens_in, tokens_out, tokens_total, chars, bytes, model_tokens,
			cost_total_micro, cost_openai_micro, cost_minimax_micro, cost_blob_micro,
			created_at, updated_at
		FROM usage
		WHERE user_id = $1 AND %s = $2
	`, column)

	var r Row
	var modelTokens []byte
	err := s.db.QueryRow(ctx, query, userID, value).Scan(
		&r.UserID, &r.SubscriptionID, &r.PeriodKey,
		&r.TokensIn, &r.TokensOut, &r.TokensTotal, &r.Chars, &r.Bytes, &modelTokens,
		&r.CostTotalMicro, &r.CostOpenAI, &r.CostMinimax, &r.CostBlob,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	if err := json.Unmarshal(modelTokens, &r.ModelTokens); err != nil {
		return nil, fmt.Errorf("failed to decode model breakdown: %w", err)
	}
	return &r, nil
}
