// Package quota keeps the per-user count of free-tier generations and answers
// whether a user has used up the free allowance.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/vnmchuo/promptdeck/internal/store"
)

// DefaultFreeLimit is the number of free generations granted to a user
// without an active subscription.
const DefaultFreeLimit = 5

var ErrUnauthenticated = errors.New("quota: no user identity")

type UsageRecord struct {
	UserID    string    `json:"user_id"`
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists UsageRecords. GetUsage returns (nil, nil) when the user has no
// record. IncrementUsage must create-or-increment in a single atomic operation
// and return the new count.
type Store interface {
	GetUsage(ctx context.Context, userID string) (*UsageRecord, error)
	IncrementUsage(ctx context.Context, userID string) (int, error)
}

type Ledger struct {
	store Store
	limit int
}

func NewLedger(store Store, limit int) *Ledger {
	if limit < 0 {
		limit = 0
	}
	return &Ledger{store: store, limit: limit}
}

func (l *Ledger) Limit() int {
	return l.limit
}

// Count returns the free generations consumed so far. A user without a record,
// including an anonymous caller, has consumed none.
func (l *Ledger) Count(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}
	rec, err := l.store.GetUsage(ctx, userID)
	if err != nil {
		return 0, store.Unavailable("quota: read usage", err)
	}
	if rec == nil {
		return 0, nil
	}
	return rec.Count, nil
}

func (l *Ledger) HasExceededFreeQuota(ctx context.Context, userID string) (bool, error) {
	count, err := l.Count(ctx, userID)
	if err != nil {
		return false, err
	}
	return count >= l.limit, nil
}

// RecordUsage consumes one free generation. It is not idempotent: every call
// adds exactly one.
func (l *Ledger) RecordUsage(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUnauthenticated
	}
	if _, err := l.store.IncrementUsage(ctx, userID); err != nil {
		return store.Unavailable("quota: record usage", err)
	}
	return nil
}

// Remaining returns how many free generations are left, never below zero.
func (l *Ledger) Remaining(count int) int {
	if count >= l.limit {
		return 0
	}
	return l.limit - count
}
