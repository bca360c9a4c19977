package store

import (
	"context"
	_ "embed"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/cinemax/services/billing/internal/domain"
)

// PostgresStore persists billing state in the purchases and users tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) InsertPurchase(ctx context.Context, p domain.PurchaseRecord) (bool, error) {
	const q = `INSERT INTO purchases (id, user_id, episode_id, amount, currency, stripe_session_id, status, created_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	           ON CONFLICT (stripe_session_id) DO NOTHING`
	tag, err := s.pool.Exec(ctx, q, p.ID, p.UserID, p.EpisodeID, p.Amount, p.Currency, p.SessionID, string(p.Status), p.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) HasPurchase(ctx context.Context, userID, episodeID string) (bool, error) {
	const q = `SELECT EXISTS (
	             SELECT 1 FROM purchases
	             WHERE user_id = $1 AND episode_id = $2 AND status = 'completed'
	           )`
	var ok bool
	err := s.pool.QueryRow(ctx, q, userID, episodeID).Scan(&ok)
	return ok, err
}

func (s *PostgresStore) ActivateSubscription(ctx context.Context, a Activation) (bool, error) {
	const q = `UPDATE users SET
	             subscription_plan = $2,
	             subscription_status = 'active',
	             subscription_started_at = $3,
	             subscription_period_end = NULL,
	             stripe_customer_id = COALESCE(NULLIF($4, ''), stripe_customer_id),
	             subscription_event_at = $5
	           WHERE id = $1
	             AND (NOT $6::boolean OR subscription_event_at IS NULL OR subscription_event_at <= $5)
	           RETURNING id`
	var id string
	err := s.pool.QueryRow(ctx, q, a.UserID, a.Plan, a.StartedAt, a.CustomerID, a.EventAt, a.RejectStale).Scan(&id)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, a.UserID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, domain.ErrNoMatchingUser
	}
	return false, nil
}

func (s *PostgresStore) ApplySubscriptionChange(ctx context.Context, c SubscriptionChange) (string, bool, error) {
	const q = `UPDATE users SET
	             subscription_status = $2,
	             subscription_period_end = COALESCE($3, subscription_period_end),
	             subscription_plan = CASE WHEN $4::boolean THEN NULL ELSE subscription_plan END,
	             subscription_event_at = $5
	           WHERE stripe_customer_id = $1
	             AND (NOT $6::boolean OR subscription_event_at IS NULL OR subscription_event_at <= $5)
	           RETURNING id`
	var id string
	err := s.pool.QueryRow(ctx, q, c.CustomerID, c.Status, c.PeriodEnd, c.ClearPlan, c.EventAt, c.RejectStale).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, err
	}

	err = s.pool.QueryRow(ctx, `SELECT id FROM users WHERE stripe_customer_id = $1`, c.CustomerID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, domain.ErrNoMatchingUser
	}
	if err != nil {
		return "", false, err
	}
	return id, false, nil
}

func (s *PostgresStore) Subscription(ctx context.Context, userID string) (domain.SubscriptionState, error) {
	const q = `SELECT id, subscription_plan, COALESCE(subscription_status, ''), subscription_started_at,
	                  subscription_period_end, COALESCE(stripe_customer_id, ''), subscription_event_at
	           FROM users WHERE id = $1`
	var st domain.SubscriptionState
	err := s.pool.QueryRow(ctx, q, userID).Scan(
		&st.UserID, &st.Plan, &st.Status, &st.StartedAt, &st.PeriodEnd, &st.StripeCustomerID, &st.EventAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SubscriptionState{}, domain.ErrNotFound
	}
	return st, err
}

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the billing tables when they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}
