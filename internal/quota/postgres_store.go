package quota

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/vnmchuo/promptdeck/internal/store"
)

type PostgresStore struct {
	db store.DB
}

func NewPostgresStore(db store.DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetUsage(ctx context.Context, userID string) (*UsageRecord, error) {
	query := `
		SELECT user_id, count, created_at, updated_at
		FROM user_api_limits
		WHERE user_id = $1
	`

	var rec UsageRecord
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&rec.UserID, &rec.Count, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, store.Unavailable("failed to get usage", err)
	}

	return &rec, nil
}

func (s *PostgresStore) IncrementUsage(ctx context.Context, userID string) (int, error) {
	query := `
		INSERT INTO user_api_limits (user_id, count)
		VALUES ($1, 1)
		ON CONFLICT (user_id)
		DO UPDATE SET count = user_api_limits.count + 1, updated_at = NOW()
		RETURNING count
	`

	var count int
	if err := s.db.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, store.Unavailable("failed to increment usage", err)
	}

	return count, nil
}
