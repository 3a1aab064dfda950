package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/vnmchuo/promptdeck/internal/store"
)

type PostgresStore struct {
	db store.DB
}

func NewPostgresStore(db store.DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LogGeneration(ctx context.Context, log *GenerationLog) error {
	query := `
		INSERT INTO generation_logs
			(user_id, request_id, capability, provider, model, input_tokens, output_tokens, metered, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		log.UserID, log.RequestID, log.Capability, log.Provider, log.Model,
		log.InputTokens, log.OutputTokens, log.Metered, log.LatencyMs,
	).Scan(&log.ID, &log.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log generation: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetLogsByUser(ctx context.Context, userID string, from, to time.Time) ([]*GenerationLog, error) {
	query := `
		SELECT id, user_id, request_id, capability, provider, model,
		       input_tokens, output_tokens, metered, latency_ms, created_at
		FROM generation_logs
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, store.Unavailable("failed to query generation logs", err)
	}
	defer rows.Close()

	var logs []*GenerationLog
	for rows.Next() {
		var l GenerationLog
		err := rows.Scan(
			&l.ID, &l.UserID, &l.RequestID, &l.Capability, &l.Provider, &l.Model,
			&l.InputTokens, &l.OutputTokens, &l.Metered, &l.LatencyMs, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan generation log: %w", err)
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating generation logs: %w", err)
	}

	return logs, nil
}

func (s *PostgresStore) CountByCapability(ctx context.Context, userID string, from, to time.Time) (map[string]int, error) {
	query := `
		SELECT capability, COUNT(*)
		FROM generation_logs
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
		GROUP BY capability
	`
	rows, err := s.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, store.Unavailable("failed to count generations", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var capability string
		var n int
		if err := rows.Scan(&capability, &n); err != nil {
			return nil, fmt.Errorf("failed to scan generation count: %w", err)
		}
		counts[capability] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating generation counts: %w", err)
	}

	return counts, nil
}
