// Package store holds what the Postgres-backed record stores share: the
// narrow pgx surface they run against and the unavailable-store error.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrUnavailable marks a failure to reach the record store. Callers must treat
// it as retryable and must not read it as a negative answer.
var ErrUnavailable = errors.New("record store unavailable")

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
