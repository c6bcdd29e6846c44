package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/teammsg/internal/logger"
	"github.com/teammsg/internal/push"
)

type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

// Save upserts a browser push subscription keyed by (user_id, endpoint).
func (r *SubscriptionRepository) Save(ctx context.Context, userID string, sub push.Subscription) error {
	defer logger.DeferLogDuration("sub.Save", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, endpoint) DO UPDATE SET p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth`,
		userID, sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("subRepo.Save: %w", err)
	}
	return nil
}

func (r *SubscriptionRepository) Delete(ctx context.Context, userID, endpoint string) error {
	defer logger.DeferLogDuration("sub.Delete", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM push_subscriptions WHERE user_id = $1 AND endpoint = $2`,
		userID, endpoint,
	)
	if err != nil {
		return fmt.Errorf("subRepo.Delete: %w", err)
	}
	return nil
}

func (r *SubscriptionRepository) GetByUser(ctx context.Context, userID string) ([]push.Subscription, error) {
	defer logger.DeferLogDuration("sub.GetByUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT endpoint, p256dh, auth FROM push_subscriptions WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("subRepo.GetByUser query: %w", err)
	}
	defer rows.Close()

	subs := make([]push.Subscription, 0, 4)
	for rows.Next() {
		var s push.Subscription
		if err := rows.Scan(&s.Endpoint, &s.Keys.P256dh, &s.Keys.Auth); err != nil {
			return nil, fmt.Errorf("subRepo.GetByUser scan: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subRepo.GetByUser rows: %w", err)
	}
	return subs, nil
}
