package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vnmchuo/usage-meter/internal/storage"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS api_keys (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		key_hash   TEXT NOT NULL UNIQUE,
		timezone   TEXT NOT NULL DEFAULT 'UTC',
		active     INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("failed to create api_keys table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	var k APIKey
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, key_hash, timezone, active, created_at
		FROM api_keys
		WHERE key_hash = ? AND active = 1`, HashKey(key)).Scan(
		&k.ID, &k.UserID, &k.KeyHash, &k.Timezone, &k.Active, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	k.CreatedAt = storage.ParseTime(createdAt)
	return &k, nil
}

func (s *SQLiteStore) Create(ctx context.Context, apiKey *APIKey) error {
	if apiKey.KeyHash == "" {
		return fmt.Errorf("key_hash is required")
	}
	if apiKey.Timezone == "" {
		apiKey.Timezone = "UTC"
	}
	apiKey.ID = uuid.NewString()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_id, key_hash, timezone, active) VALUES (?, ?, ?, ?, ?)`,
		apiKey.ID, apiKey.UserID, apiKey.KeyHash, apiKey.Timezone, apiKey.Active)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Revoke(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET active = 0 WHERE id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}
