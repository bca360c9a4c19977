package store

import (
	"context"
	"sync"

	"github.com/example/cinemax/services/billing/internal/domain"
)

// MemoryStore keeps billing state in process. Used in development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	purchases map[string]domain.PurchaseRecord // by session id
	users     map[string]domain.SubscriptionState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		purchases: make(map[string]domain.PurchaseRecord),
		users:     make(map[string]domain.SubscriptionState),
	}
}

// PutUser seeds or replaces a user's subscription row.
func (s *MemoryStore) PutUser(u domain.SubscriptionState) {
	s.mu.Lock()
	s.users[u.UserID] = u
	s.mu.Unlock()
}

// Purchases returns all stored purchases for userID.
func (s *MemoryStore) Purchases(userID string) []domain.PurchaseRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.PurchaseRecord
	for _, p := range s.purchases {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out
}

func (s *MemoryStore) InsertPurchase(_ context.Context, p domain.PurchaseRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.purchases[p.SessionID]; ok {
		return false, nil
	}
	s.purchases[p.SessionID] = p
	return true, nil
}

func (s *MemoryStore) HasPurchase(_ context.Context, userID, episodeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.purchases {
		if p.UserID == userID && p.EpisodeID == episodeID && p.Status == domain.PurchaseCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ActivateSubscription(_ context.Context, a Activation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[a.UserID]
	if !ok {
		return false, domain.ErrNoMatchingUser
	}
	if staleWrite(a.RejectStale, u.EventAt, a.EventAt) {
		return false, nil
	}
	plan := a.Plan
	startedAt := a.StartedAt
	eventAt := a.EventAt
	u.Plan = &plan
	u.Status = domain.SubscriptionActive
	u.StartedAt = &startedAt
	u.PeriodEnd = nil
	u.EventAt = &eventAt
	if a.CustomerID != "" {
		u.StripeCustomerID = a.CustomerID
	}
	s.users[a.UserID] = u
	return true, nil
}

func (s *MemoryStore) ApplySubscriptionChange(_ context.Context, c SubscriptionChange) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, u := range s.users {
		if c.CustomerID == "" || u.StripeCustomerID != c.CustomerID {
			continue
		}
		if staleWrite(c.RejectStale, u.EventAt, c.EventAt) {
			return id, false, nil
		}
		eventAt := c.EventAt
		u.Status = c.Status
		if c.PeriodEnd != nil {
			end := *c.PeriodEnd
			u.PeriodEnd = &end
		}
		if c.ClearPlan {
			u.Plan = nil
		}
		u.EventAt = &eventAt
		s.users[id] = u
		return id, true, nil
	}
	return "", false, domain.ErrNoMatchingUser
}

func (s *MemoryStore) Subscription(_ context.Context, userID string) (domain.SubscriptionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.SubscriptionState{}, domain.ErrNotFound
	}
	return u, nil
}
