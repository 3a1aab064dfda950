package entitlement

import (
	"context"
	"time"

	"github.com/vnmchuo/promptdeck/internal/store"
)

type Resolver struct {
	reader Reader
	grace  time.Duration
	now    func() time.Time
}

type Option func(*Resolver)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(reader Reader, grace time.Duration, opts ...Option) *Resolver {
	r := &Resolver{
		reader: reader,
		grace:  grace,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) GraceWindow() time.Duration {
	return r.grace
}

// IsEntitled reports whether userID holds an active subscription. An empty
// userID is never entitled and is not looked up. A store failure is returned
// as store.ErrUnavailable, never as false.
func (r *Resolver) IsEntitled(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}

	rec, err := r.reader.GetSubscription(ctx, userID)
	if err != nil {
		return false, store.Unavailable("entitlement: get subscription", err)
	}

	return r.Active(rec), nil
}

// Active applies the entitlement rule to a record: a price must be set and the
// period end, extended by the grace window, must lie after now.
func (r *Resolver) Active(rec *SubscriptionRecord) bool {
	if rec == nil || rec.PriceID == "" || rec.CurrentPeriodEnd.IsZero() {
		return false
	}
	return rec.CurrentPeriodEnd.UnixMilli()+r.grace.Milliseconds() > r.now().UnixMilli()
}
