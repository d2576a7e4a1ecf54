// Package seeder creates a development API key.
package seeder

import (
	"context"
	"log/slog"

	"github.com/vnmchuo/usage-meter/internal/auth"
)

const (
	TestAPIKey   = "test-api-key-12345"
	TestUserID   = "00000000-0000-0000-0000-000000000001"
	TestTimezone = "UTC"
)

// SeedTestAPIKey creates the test key unless it already resolves.
func SeedTestAPIKey(ctx context.Context, store auth.Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := store.GetByKey(ctx, TestAPIKey); err == nil {
		logger.Info("seeder: test api key already present", "user_id", TestUserID)
		return nil
	}

	apiKey := &auth.APIKey{
		UserID:   TestUserID,
		KeyHash:  auth.HashKey(TestAPIKey),
		Timezone: TestTimezone,
		Active:   true,
	}
	if err := store.Create(ctx, apiKey); err != nil {
		return err
	}
	logger.Info("seeder: test api key created", "key", TestAPIKey, "user_id", TestUserID, "timezone", TestTimezone)
	return nil
}
