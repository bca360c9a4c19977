// Package idempotency deduplicates gateway webhook deliveries by event id.
//
// Postgres (processed_events) is used when a pool is available; otherwise an
// in-memory store is used, which production refuses.
package idempotency

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store checks whether an event has already been processed and marks it.
type Store interface {
	// Check returns true if eventID was already processed.
	// If not seen, it atomically marks it as processed.
	Check(ctx context.Context, eventID string) (duplicate bool, err error)
	// Release drops the mark so a redelivery of a failed event is processed again.
	Release(ctx context.Context, eventID string) error
}

var ErrMemoryInProduction = errors.New("production requires DATABASE_URL for webhook idempotency; in-memory store is not allowed")

// NewStore picks Postgres when pool is set, memory otherwise.
func NewStore(pool *pgxpool.Pool, isProd bool) (Store, error) {
	if pool != nil {
		return newPostgresStore(pool), nil
	}
	if isProd {
		return nil, ErrMemoryInProduction
	}
	return NewMemoryStore(), nil
}
