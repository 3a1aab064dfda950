package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vnmchuo/promptdeck/internal/store"
)

type PostgresStore struct {
	db store.DB
}

func NewPostgresStore(db store.DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetSubscription(ctx context.Context, userID string) (*SubscriptionRecord, error) {
	query := `
		SELECT user_id, stripe_customer_id, stripe_subscription_id, stripe_price_id,
		       stripe_current_period_end, updated_at
		FROM user_subscriptions
		WHERE user_id = $1
	`

	var (
		rec                                  SubscriptionRecord
		customerID, subscriptionID, priceID *string
		periodEnd                            *time.Time
	)
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&rec.UserID, &customerID, &subscriptionID, &priceID, &periodEnd, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, store.Unavailable("failed to get subscription", err)
	}

	rec.CustomerID = deref(customerID)
	rec.SubscriptionID = deref(subscriptionID)
	rec.PriceID = deref(priceID)
	if periodEnd != nil {
		rec.CurrentPeriodEnd = *periodEnd
	}

	return &rec, nil
}

func (s *PostgresStore) UpsertSubscription(ctx context.Context, rec *SubscriptionRecord) error {
	query := `
		INSERT INTO user_subscriptions
			(user_id, stripe_customer_id, stripe_subscription_id, stripe_price_id, stripe_current_period_end)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			stripe_price_id = EXCLUDED.stripe_price_id,
			stripe_current_period_end = EXCLUDED.stripe_current_period_end,
			updated_at = NOW()
		RETURNING updated_at
	`

	err := s.db.QueryRow(ctx, query,
		rec.UserID, nullable(rec.CustomerID), nullable(rec.SubscriptionID),
		nullable(rec.PriceID), nullableTime(rec.CurrentPeriodEnd),
	).Scan(&rec.UpdatedAt)
	if err != nil {
		return store.Unavailable("failed to upsert subscription", err)
	}

	return nil
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, subscriptionID, priceID string, periodEnd time.Time) (string, error) {
	query := `
		UPDATE user_subscriptions
		SET stripe_price_id = $2, stripe_current_period_end = $3, updated_at = NOW()
		WHERE stripe_subscription_id = $1
		RETURNING user_id
	`

	var userID string
	err := s.db.QueryRow(ctx, query, subscriptionID, nullable(priceID), nullableTime(periodEnd)).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrSubscriptionNotFound
		}
		return "", store.Unavailable("failed to update subscription", err)
	}

	return userID, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
