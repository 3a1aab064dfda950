package quota

import (
	"context"
	"sync"
	"time"

	"github.com/vnmchuo/promptdeck/internal/store"
)

// MemoryStore is an in-process Store for local development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*UsageRecord
	err     error
	reads   int
	writes  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*UsageRecord)}
}

// SetError makes every following call fail with err wrapped as unavailable.
// Passing nil restores normal operation.
func (m *MemoryStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Seed sets a user's count directly.
func (m *MemoryStore) Seed(userID string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.records[userID] = &UsageRecord{UserID: userID, Count: count, CreatedAt: now, UpdatedAt: now}
}

// Calls reports how many reads and writes reached the store.
func (m *MemoryStore) Calls() (reads, writes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads, m.writes
}

func (m *MemoryStore) GetUsage(ctx context.Context, userID string) (*UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.err != nil {
		return nil, store.Unavailable("failed to get usage", m.err)
	}
	rec, ok := m.records[userID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) IncrementUsage(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.err != nil {
		return 0, store.Unavailable("failed to increment usage", m.err)
	}
	now := time.Now()
	rec, ok := m.records[userID]
	if !ok {
		rec = &UsageRecord{UserID: userID, CreatedAt: now}
		m.records[userID] = rec
	}
	rec.Count++
	rec.UpdatedAt = now
	return rec.Count, nil
}
