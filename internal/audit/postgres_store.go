package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS user_usage_logs (
			user_id             TEXT PRIMARY KEY,
			tokens_used         BIGINT NOT NULL DEFAULT 0,
			cost_estimate_micro BIGINT NOT NULL DEFAULT 0,
			request_count       BIGINT NOT NULL DEFAULT 0,
			last_ip             TEXT,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create user_usage_logs table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	ensure := `INSERT INTO user_usage_logs (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`
	if _, err := s.db.Exec(ctx, ensure, e.UserID); err != nil {
		return fmt.Errorf("failed to ensure audit row: %w", err)
	}

	update := `
		UPDATE user_usage_logs SET
			tokens_used         = tokens_used + $2,
			cost_estimate_micro = cost_estimate_micro + $3,
			request_count       = request_count + $4,
			last_ip             = COALESCE($5, last_ip),
			updated_at          = now()
		WHERE user_id = $1
	`
	tag, err := s.db.Exec(ctx, update, e.UserID, e.Tokens, e.CostMicro, e.Requests, nullable(e.IPAddress))
	if err != nil {
		return fmt.Errorf("failed to update audit row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Record, error) {
	query := `
		SELECT user_id, tokens_used, cost_estimate_micro, request_count, COALESCE(last_ip, ''), created_at, updated_at
		FROM user_usage_logs
		WHERE user_id = $1
	`
	var r Record
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&r.UserID, &r.TokensUsed, &r.CostEstimateMicro, &r.RequestCount, &r.LastIP, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get audit row: %w", err)
	}
	return &r, nil
}
