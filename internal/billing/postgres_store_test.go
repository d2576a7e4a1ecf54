//go:build integration

package billing_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/usage-meter/internal/billing"
	"github.com/vnmchuo/usage-meter/internal/usage"
)

func newPostgresStore(t *testing.T) *billing.PostgresStore {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := billing.NewPostgresStore(pool)
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func TestPostgresStore_ConcurrentUpserts(t *testing.T) {
	store := newPostgresStore(t)
	agg := billing.NewAggregator(store, nil, nil)
	ctx := context.Background()
	userID := "test-" + uuid.NewString()
	sub := usage.Identity{SubscriptionID: uuid.NewString()}
	const n = 40

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, agg.Apply(ctx, userID, sub,
				usage.Delta{Model: "gpt-4o", InputTokens: 1, OutputTokens: 2}, usage.Cost{OpenAIMicro: 3, TotalMicro: 3}))
		}()
	}
	wg.Wait()

	row, err := agg.Get(ctx, userID, sub)
	require.NoError(t, err)
	assert.Equal(t, int64(3*n), row.TokensTotal)
	assert.Equal(t, int64(3*n), row.CostTotalMicro)
	assert.Equal(t, int64(3*n), row.ModelTokens["gpt-4o"])
}

func TestPostgresStore_GetMissing(t *testing.T) {
	store := newPostgresStore(t)

	_, err := store.Get(context.Background(), "nobody-"+uuid.NewString(), usage.Identity{PeriodKey: "2026-10-14"})
	assert.ErrorIs(t, err, billing.ErrNotFound)
}
