// Package store persists purchases and per-user subscription state.
package store

import (
	"context"
	"time"

	"github.com/example/cinemax/services/billing/internal/domain"
)

// Activation starts a subscription for a known user after checkout.
type Activation struct {
	UserID     string
	Plan       string
	CustomerID string
	StartedAt  time.Time
	// EventAt is the gateway event time; with RejectStale set the write is
	// skipped when a newer event was already applied for the user.
	EventAt     time.Time
	RejectStale bool
}

// SubscriptionChange applies a gateway subscription event to the user owning CustomerID.
// A nil PeriodEnd keeps the stored value.
type SubscriptionChange struct {
	CustomerID  string
	Status      string
	PeriodEnd   *time.Time
	ClearPlan   bool
	EventAt     time.Time
	RejectStale bool
}

// Store is implemented by MemoryStore and PostgresStore. Each mutating method
// resolves the user and writes in one atomic step.
type Store interface {
	// InsertPurchase returns false when a purchase for the same session already exists.
	InsertPurchase(ctx context.Context, p domain.PurchaseRecord) (inserted bool, err error)
	HasPurchase(ctx context.Context, userID, episodeID string) (bool, error)
	// ActivateSubscription returns domain.ErrNoMatchingUser for unknown users and
	// applied=false when the write was rejected as stale.
	ActivateSubscription(ctx context.Context, a Activation) (applied bool, err error)
	// ApplySubscriptionChange returns the matched user id, or domain.ErrNoMatchingUser.
	ApplySubscriptionChange(ctx context.Context, c SubscriptionChange) (userID string, applied bool, err error)
	// Subscription returns domain.ErrNotFound for unknown users.
	Subscription(ctx context.Context, userID string) (domain.SubscriptionState, error)
}

func staleWrite(reject bool, last *time.Time, eventAt time.Time) bool {
	return reject && last != nil && last.After(eventAt)
}
