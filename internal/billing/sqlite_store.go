package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vnmchuo/usage-meter/internal/storage"
	"github.com/vnmchuo/usage-meter/internal/usage"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS usage (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id            TEXT NOT NULL,
		subscription_id    TEXT,
		period_key         TEXT,
		tokens_in          INTEGER NOT NULL DEFAULT 0,
		tokens_out         INTEGER NOT NULL DEFAULT 0,
		tokens_total       INTEGER NOT NULL DEFAULT 0,
		chars              INTEGER NOT NULL DEFAULT 0,
		bytes              INTEGER NOT NULL DEFAULT 0,
		model_tokens       TEXT NOT NULL DEFAULT '{}',
		cost_total_micro   INTEGER NOT NULL DEFAULT 0,
		cost_openai_micro  INTEGER NOT NULL DEFAULT 0,
		cost_minimax_micro INTEGER NOT NULL DEFAULT 0,
		cost_blob_micro    INTEGER NOT NULL DEFAULT 0,
		created_at         TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at         TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CHECK ((subscription_id IS NULL) <> (period_key IS NULL)),
		UNIQUE (user_id, subscription_id),
		UNIQUE (user_id, period_key)
	)`

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to create usage table: %w", err)
	}
	return nil
}

const sqliteUpsert = `
	INSERT INTO usage (
		user_id, subscription_id, period_key,
		tokens_in, tokens_out, tokens_total, chars, bytes, model_tokens,
		cost_total_micro, cost_openai_micro, cost_minimax_micro, cost_blob_micro
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, json_set('{}', ?, ?), ?, ?, ?, ?)
	ON CONFLICT (%s) DO UPDATE SET
		tokens_in          = usage.tokens_in + excluded.tokens_in,
		tokens_out         = usage.tokens_out + excluded.tokens_out,
		tokens_total       = usage.tokens_total + excluded.tokens_total,
		chars              = usage.chars + excluded.chars,
		bytes              = usage.bytes + excluded.bytes,
		model_tokens       = json_set(usage.model_tokens, ?,
			COALESCE(json_extract(usage.model_tokens, ?), 0) + excluded.tokens_total),
		cost_total_micro   = usage.cost_total_micro + excluded.cost_total_micro,
		cost_openai_micro  = usage.cost_openai_micro + excluded.cost_openai_micro,
		cost_minimax_micro = usage.cost_minimax_micro + excluded.cost_minimax_micro,
		cost_blob_micro    = usage.cost_blob_micro + excluded.cost_blob_micro,
		updated_at         = CURRENT_TIMESTAMP`

// jsonPath quotes a model name as a JSON path label. Quotes and
// backslashes cannot appear inside a label and are replaced.
func jsonPath(model string) string {
	clean := strings.NewReplacer(`"`, "_", `\`, "_").Replace(model)
	return `$."` + clean + `"`
}

func (s *SQLiteStore) ApplyDelta(ctx context.Context, inc Increment) error {
	path := jsonPath(inc.Model)
	query := fmt.Sprintf(sqliteUpsert, conflictTarget(inc.Identity))
	_, err := s.db.ExecContext(ctx, query,
		inc.UserID, nullable(inc.Identity.SubscriptionID), nullable(inc.Identity.PeriodKey),
		inc.TokensIn, inc.TokensOut, inc.TokensTotal, inc.Chars, inc.Bytes, path, inc.TokensTotal,
		inc.Cost.TotalMicro, inc.Cost.OpenAIMicro, inc.Cost.MinimaxMicro, inc.Cost.BlobMicro,
		path, path,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert usage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, userID string, id usage.Identity) (*Row, error) {
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
		WHERE user_id = ? AND %s = ?
	`, column)

	var r Row
	var modelTokens, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, query, userID, value).Scan(
		&r.UserID, &r.SubscriptionID, &r.PeriodKey,
		&r.TokensIn, &r.TokensOut, &r.TokensTotal, &r.Chars, &r.Bytes, &modelTokens,
		&r.CostTotalMicro, &r.CostOpenAI, &r.CostMinimax, &r.CostBlob,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	if err := json.Unmarshal([]byte(modelTokens), &r.ModelTokens); err != nil {
		return nil, fmt.Errorf("failed to decode model breakdown: %w", err)
	}
	r.CreatedAt = storage.ParseTime(createdAt)
	r.UpdatedAt = storage.ParseTime(updatedAt)
	return &r, nil
}
