package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vnmchuo/usage-meter/internal/storage"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS user_usage_logs (
		user_id             TEXT PRIMARY KEY,
		tokens_used         INTEGER NOT NULL DEFAULT 0,
		cost_estimate_micro INTEGER NOT NULL DEFAULT 0,
		request_count       INTEGER NOT NULL DEFAULT 0,
		last_ip             TEXT,
		created_at          TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at          TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("failed to create user_usage_logs table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_usage_logs (user_id) VALUES (?) ON CONFLICT (user_id) DO NOTHING`, e.UserID); err != nil {
		return fmt.Errorf("failed to ensure audit row: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE user_usage_logs SET
			tokens_used         = tokens_used + ?,
			cost_estimate_micro = cost_estimate_micro + ?,
			request_count       = request_count + ?,
			last_ip             = COALESCE(?, last_ip),
			updated_at          = CURRENT_TIMESTAMP
		WHERE user_id = ?`,
		e.Tokens, e.CostMicro, e.Requests, nullable(e.IPAddress), e.UserID)
	if err != nil {
		return fmt.Errorf("failed to update audit row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, userID string) (*Record, error) {
	var r Record
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, tokens_used, cost_estimate_micro, request_count, COALESCE(last_ip, ''), created_at, updated_at
		FROM user_usage_logs
		WHERE user_id = ?`, userID).Scan(
		&r.UserID, &r.TokensUsed, &r.CostEstimateMicro, &r.RequestCount, &r.LastIP, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get audit row: %w", err)
	}
	r.CreatedAt = storage.ParseTime(createdAt)
	r.UpdatedAt = storage.ParseTime(updatedAt)
	return &r, nil
}
