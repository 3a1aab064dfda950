// Package seeder prepares a local environment: one subscribed user, one free
// user, and bearer tokens for both.
package seeder

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/promptdeck/internal/auth"
	"github.com/vnmchuo/promptdeck/internal/entitlement"
)

const (
	ProUserID  = "user_demo_pro"
	FreeUserID = "user_demo_free"

	demoPriceID = "price_demo_pro"
	tokenTTL    = 7 * 24 * time.Hour
)

// Seed writes an active subscription for ProUserID and logs development
// tokens. It is idempotent.
func Seed(ctx context.Context, subs entitlement.Store, jwtSecret, jwtIssuer string) error {
	rec := &entitlement.SubscriptionRecord{
		UserID:           ProUserID,
		CustomerID:       "cus_demo",
		SubscriptionID:   "sub_demo",
		PriceID:          demoPriceID,
		CurrentPeriodEnd: time.Now().AddDate(1, 0, 0).UTC(),
	}
	if err := subs.UpsertSubscription(ctx, rec); err != nil {
		return fmt.Errorf("seed subscription: %w", err)
	}

	for _, userID := range []string{ProUserID, FreeUserID} {
		token, err := auth.IssueToken(jwtSecret, jwtIssuer, userID, tokenTTL)
		if err != nil {
			return fmt.Errorf("issue token for %s: %w", userID, err)
		}
		log.Info().Str("user_id", userID).Str("token", token).Msg("seeded development user")
	}
	return nil
}
