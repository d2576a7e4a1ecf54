package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSubscriptions reads the subscriptions table owned by the billing
// system. This package never writes to it.
type PostgresSubscriptions struct {
	db DB
}

func NewPostgresSubscriptions(db DB) *PostgresSubscriptions {
	return &PostgresSubscriptions{db: db}
}

func (s *PostgresSubscriptions) Active(ctx context.Context, userID string, at time.Time) (*Subscription, error) {
	query := `
		SELECT id, user_id, current_period_start, current_period_end
		FROM subscriptions
		WHERE user_id = $1 AND status = 'active'
		  AND current_period_start <= $2 AND current_period_end > $2
		ORDER BY current_period_end DESC
		LIMIT 1
	`

	var sub Subscription
	err := s.db.QueryRow(ctx, query, userID, at).Scan(
		&sub.ID, &sub.UserID, &sub.PeriodStart, &sub.PeriodEnd,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoSubscription
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return &sub, nil
}
