// Package billing keeps the append-only history of successful generations
// shown on the usage page. The request gate does not read it.
package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type GenerationLog struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	RequestID    string    `json:"request_id"`
	Capability   string    `json:"capability"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Metered      bool      `json:"metered"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

type Store interface {
	LogGeneration(ctx context.Context, log *GenerationLog) error
	GetLogsByUser(ctx context.Context, userID string, from, to time.Time) ([]*GenerationLog, error)
	CountByCapability(ctx context.Context, userID string, from, to time.Time) (map[string]int, error)
}

// MemoryStore is an in-process Store for local development and tests.
type MemoryStore struct {
	mu   sync.Mutex
	logs []*GenerationLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) LogGeneration(ctx context.Context, log *GenerationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.ID = uuid.New().String()
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	cp := *log
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *MemoryStore) GetLogsByUser(ctx context.Context, userID string, from, to time.Time) ([]*GenerationLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*GenerationLog
	for _, l := range m.logs {
		if l.UserID == userID && !l.CreatedAt.Before(from) && !l.CreatedAt.After(to) {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CountByCapability(ctx context.Context, userID string, from, to time.Time) (map[string]int, error) {
	logs, err := m.GetLogsByUser(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, l := range logs {
		counts[l.Capability]++
	}
	return counts, nil
}
