package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vnmchuo/usage-meter/config"
	"github.com/vnmchuo/usage-meter/internal/audit"
	"github.com/vnmchuo/usage-meter/internal/auth"
	"github.com/vnmchuo/usage-meter/internal/billing"
	"github.com/vnmchuo/usage-meter/internal/quota"
	"github.com/vnmchuo/usage-meter/internal/storage"
)

type schemaStore interface {
	EnsureSchema(ctx context.Context) error
}

type authStore interface {
	auth.Store
	schemaStore
}

// stores holds the persistence backends for the configured driver.
// subs is nil for sqlite, which leaves every user on the free tier.
type stores struct {
	billing billing.Store
	audit   audit.Store
	auth    authStore
	subs    quota.SubscriptionStore
	close   func()
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		return &stores{
			billing: billing.NewPostgresStore(pool),
			audit:   audit.NewPostgresStore(pool),
			auth:    auth.NewPostgresStore(pool),
			subs:    quota.NewPostgresSubscriptions(pool),
			close:   pool.Close,
		}, nil
	case "sqlite":
		db, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &stores{
			billing: billing.NewSQLiteStore(db),
			audit:   audit.NewSQLiteStore(db),
			auth:    auth.NewSQLiteStore(db),
			close:   func() { _ = db.Close() },
		}, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

// migrate creates every table the meter writes to.
func (s *stores) migrate(ctx context.Context) error {
	for name, st := range map[string]schemaStore{
		"usage":           s.billing,
		"user_usage_logs": s.audit,
		"api_keys":        s.auth,
	} {
		if err := st.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to create %s: %w", name, err)
		}
	}
	return nil
}
