// Package entitlement resolves whether a user holds an active paid
// subscription, tolerating late billing webhooks through a grace window.
package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DefaultGraceWindow reproduces the tolerance observed in production:
// 86_400_400 ms, one day plus 400 ms.
// TODO: confirm with billing whether the extra 400 ms is intended; the value
// is configurable through ENTITLEMENT_GRACE_WINDOW_MS until then.
const DefaultGraceWindow = 86_400_400 * time.Millisecond

var ErrSubscriptionNotFound = errors.New("subscription not found")

// SubscriptionRecord mirrors the billing provider's view of a user's plan.
// The core only reads it; billing webhooks write it.
type SubscriptionRecord struct {
	UserID           string    `json:"user_id"`
	CustomerID       string    `json:"stripe_customer_id,omitempty"`
	SubscriptionID   string    `json:"stripe_subscription_id,omitempty"`
	PriceID          string    `json:"stripe_price_id,omitempty"`
	CurrentPeriodEnd time.Time `json:"stripe_current_period_end"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Reader is the read side used when resolving entitlement. GetSubscription
// returns (nil, nil) when the user has no record.
type Reader interface {
	GetSubscription(ctx context.Context, userID string) (*SubscriptionRecord, error)
}

// Store adds the writes performed on behalf of the billing provider.
type Store interface {
	Reader
	UpsertSubscription(ctx context.Context, rec *SubscriptionRecord) error
	// UpdateSubscription refreshes price and period end for the record holding
	// subscriptionID and returns its user. ErrSubscriptionNotFound if none.
	UpdateSubscription(ctx context.Context, subscriptionID, priceID string, periodEnd time.Time) (string, error)
}

// cacheEntry is what the Redis cache holds: a record, a remembered absence,
// or an invalidation marker left by a write.
type cacheEntry struct {
	Record      *SubscriptionRecord `json:"record,omitempty"`
	Invalidated bool                `json:"invalidated,omitempty"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (e *cacheEntry) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (e *cacheEntry) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, e)
}
