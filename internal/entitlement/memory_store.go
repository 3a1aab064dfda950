package entitlement

import (
	"context"
	"sync"
	"time"

	"github.com/vnmchuo/promptdeck/internal/store"
)

// MemoryStore is an in-process Store for local development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*SubscriptionRecord
	err     error
	reads   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*SubscriptionRecord)}
}

// SetError makes every following call fail with err wrapped as unavailable.
func (m *MemoryStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MemoryStore) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

func (m *MemoryStore) GetSubscription(ctx context.Context, userID string) (*SubscriptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.err != nil {
		return nil, store.Unavailable("failed to get subscription", m.err)
	}
	rec, ok := m.records[userID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) UpsertSubscription(ctx context.Context, rec *SubscriptionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return store.Unavailable("failed to upsert subscription", m.err)
	}
	rec.UpdatedAt = time.Now()
	cp := *rec
	m.records[rec.UserID] = &cp
	return nil
}

func (m *MemoryStore) UpdateSubscription(ctx context.Context, subscriptionID, priceID string, periodEnd time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", store.Unavailable("failed to update subscription", m.err)
	}
	for _, rec := range m.records {
		if rec.SubscriptionID == subscriptionID {
			rec.PriceID = priceID
			rec.CurrentPeriodEnd = periodEnd
			rec.UpdatedAt = time.Now()
			return rec.UserID, nil
		}
	}
	return "", ErrSubscriptionNotFound
}
