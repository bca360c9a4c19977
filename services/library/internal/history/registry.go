package history

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"weak"

	lru "github.com/hashicorp/golang-lru/v2"
)

var ErrNoUser = errors.New("history: user id is required")

// Registry hands out one Store per user, loading it from the persister on
// first use. At most maxResident stores are pinned in memory. An evicted
// store that a caller still holds is handed out again instead of being
// reloaded, so a user never has two live stores writing snapshots.
type Registry struct {
	persist Persister

	mu      sync.Mutex
	stores  *lru.Cache[string, *Store]
	evicted map[string]weak.Pointer[Store]
}

func NewRegistry(p Persister, maxResident int) (*Registry, error) {
	if maxResident <= 0 {
		maxResident = 10000
	}
	r := &Registry{persist: p, evicted: make(map[string]weak.Pointer[Store])}
	// Called from stores.Add, with r.mu held.
	stores, err := lru.NewWithEvict[string, *Store](maxResident, func(userID string, s *Store) {
		r.evicted[userID] = weak.Make(s)
	})
	if err != nil {
		return nil, err
	}
	r.stores = stores
	return r, nil
}

func (r *Registry) For(ctx context.Context, userID string) (*Store, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrNoUser
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores.Get(userID); ok {
		return s, nil
	}
	if wp, ok := r.evicted[userID]; ok {
		delete(r.evicted, userID)
		if s := wp.Value(); s != nil {
			r.stores.Add(userID, s)
			return s, nil
		}
	}

	s := NewStore(userID, r.persist)
	if r.persist != nil {
		snap, err := r.persist.Load(ctx, userID)
		if err != nil {
			return nil, err
		}
		s.restore(snap)
	}
	runtime.AddCleanup(s, r.forget, forgetArg{userID: userID, ptr: weak.Make(s)})
	r.stores.Add(userID, s)
	return s, nil
}

type forgetArg struct {
	userID string
	ptr    weak.Pointer[Store]
}

// forget drops the eviction record of a collected store.
func (r *Registry) forget(a forgetArg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted[a.userID] == a.ptr {
		delete(r.evicted, a.userID)
	}
}

// Resident reports how many stores are pinned in memory.
func (r *Registry) Resident() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stores.Len()
}
