// Package history keeps a user's recently watched episodes and favorite series.
//
// A Store is the in-memory view of one user. Every mutation writes a snapshot
// through the Store's Persister before returning.
package history

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// Capacity is the number of history entries kept per user.
	Capacity = 50
	// ContinueWatchingLimit caps the continue-watching projection.
	ContinueWatchingLimit = 10
	// Finished is the progress percent at which an episode counts as watched.
	Finished = 100
)

var ErrInvalidItem = errors.New("history: seriesId is required and episodeNumber must be positive")

// Key identifies one history entry.
type Key struct {
	SeriesID      string
	EpisodeNumber int
}

// Item is one watched episode. Progress is a 0-100 percent, Duration is seconds.
type Item struct {
	SeriesID      string    `json:"seriesId"`
	EpisodeNumber int       `json:"episodeNumber"`
	SeriesTitle   string    `json:"seriesTitle,omitempty"`
	EpisodeTitle  string    `json:"episodeTitle,omitempty"`
	Thumbnail     string    `json:"thumbnail,omitempty"`
	Progress      int       `json:"progress"`
	Duration      int       `json:"duration"`
	WatchedAt     time.Time `json:"watchedAt"`
}

func (it Item) key() Key { return Key{SeriesID: it.SeriesID, EpisodeNumber: it.EpisodeNumber} }

type Favorite struct {
	SeriesID    string    `json:"seriesId"`
	SeriesTitle string    `json:"seriesTitle,omitempty"`
	Thumbnail   string    `json:"thumbnail,omitempty"`
	AddedAt     time.Time `json:"addedAt"`
}

// Snapshot is the persisted form of a Store. History is most recent first.
type Snapshot struct {
	History   []Item     `json:"history"`
	Favorites []Favorite `json:"favorites"`
}

type Store struct {
	userID  string
	persist Persister
	now     func() time.Time

	mu        sync.Mutex
	items     *lru.Cache[Key, *Item]
	favorites map[string]Favorite
}

// NewStore returns an empty store for userID. A nil persister keeps state in memory only.
func NewStore(userID string, p Persister) *Store {
	items, _ := lru.New[Key, *Item](Capacity)
	return &Store{
		userID:    userID,
		persist:   p,
		now:       time.Now,
		items:     items,
		favorites: make(map[string]Favorite),
	}
}

// restore replaces the store contents with snap without persisting.
func (s *Store) restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items.Purge()
	// Oldest first so the newest entry ends up most recently used.
	for i := len(snap.History) - 1; i >= 0; i-- {
		it := snap.History[i]
		if it.SeriesID == "" {
			continue
		}
		s.items.Add(it.key(), &it)
	}
	s.favorites = make(map[string]Favorite, len(snap.Favorites))
	for _, f := range snap.Favorites {
		s.favorites[f.SeriesID] = f
	}
}

// AddToHistory inserts or overwrites the entry for its key, moves it to the
// front, and refreshes watchedAt. The oldest entry beyond Capacity is evicted.
func (s *Store) AddToHistory(ctx context.Context, it Item) (Item, error) {
	it.SeriesID = strings.TrimSpace(it.SeriesID)
	if it.SeriesID == "" || it.EpisodeNumber <= 0 {
		return Item{}, ErrInvalidItem
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.addLocked(it)
	return out, s.saveLocked(ctx)
}

// UpdateProgress changes progress and duration of an existing entry in place
// without moving it. An unknown key is added like AddToHistory.
func (s *Store) UpdateProgress(ctx context.Context, k Key, progress, duration int) (Item, error) {
	k.SeriesID = strings.TrimSpace(k.SeriesID)
	if k.SeriesID == "" || k.EpisodeNumber <= 0 {
		return Item{}, ErrInvalidItem
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items.Peek(k)
	if !ok {
		out := s.addLocked(Item{SeriesID: k.SeriesID, EpisodeNumber: k.EpisodeNumber, Progress: progress, Duration: duration})
		return out, s.saveLocked(ctx)
	}
	cur.Progress = clampProgress(progress)
	if duration > 0 {
		cur.Duration = duration
	}
	cur.WatchedAt = s.now().UTC()
	return *cur, s.saveLocked(ctx)
}

// RemoveFromHistory reports whether the entry existed.
func (s *Store) RemoveFromHistory(ctx context.Context, k Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.items.Remove(k) {
		return false, nil
	}
	return true, s.saveLocked(ctx)
}

func (s *Store) ClearHistory(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items.Purge()
	return s.saveLocked(ctx)
}

// Has reports whether k is in history without touching its position.
func (s *Store) Has(k Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Contains(k)
}

// History returns all entries, most recently added first.
func (s *Store) History() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLocked()
}

// ContinueWatching returns unfinished entries by watchedAt descending, at most
// ContinueWatchingLimit. It is derived from the current entries on every call.
func (s *Store) ContinueWatching() []Item {
	all := s.History()
	out := make([]Item, 0, len(all))
	for _, it := range all {
		if it.Progress < Finished {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].WatchedAt.After(out[j].WatchedAt) })
	if len(out) > ContinueWatchingLimit {
		out = out[:ContinueWatchingLimit]
	}
	return out
}

// ToggleFavorite flips the favorite flag for seriesID and returns the new state.
func (s *Store) ToggleFavorite(ctx context.Context, f Favorite) (bool, error) {
	f.SeriesID = strings.TrimSpace(f.SeriesID)
	if f.SeriesID == "" {
		return false, ErrInvalidItem
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, was := s.favorites[f.SeriesID]
	if was {
		delete(s.favorites, f.SeriesID)
	} else {
		f.AddedAt = s.now().UTC()
		s.favorites[f.SeriesID] = f
	}
	return !was, s.saveLocked(ctx)
}

func (s *Store) IsFavorite(seriesID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.favorites[strings.TrimSpace(seriesID)]
	return ok
}

// Favorites returns favorites, newest first.
func (s *Store) Favorites() []Favorite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.favoritesLocked()
}

func (s *Store) historyLocked() []Item {
	keys := s.items.Keys() // oldest to newest
	out := make([]Item, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if it, ok := s.items.Peek(keys[i]); ok {
			out = append(out, *it)
		}
	}
	return out
}

func (s *Store) favoritesLocked() []Favorite {
	out := make([]Favorite, 0, len(s.favorites))
	for _, f := range s.favorites {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].SeriesID < out[j].SeriesID
		}
		return out[i].AddedAt.After(out[j].AddedAt)
	})
	return out
}

func (s *Store) addLocked(it Item) Item {
	it.Progress = clampProgress(it.Progress)
	if it.Duration < 0 {
		it.Duration = 0
	}
	it.WatchedAt = s.now().UTC()
	stored := it
	s.items.Add(it.key(), &stored)
	return it
}

// saveLocked persists the current state. Callers hold s.mu so snapshots are
// written in mutation order.
func (s *Store) saveLocked(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	return s.persist.Save(ctx, s.userID, Snapshot{History: s.historyLocked(), Favorites: s.favoritesLocked()})
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > Finished:
		return Finished
	default:
		return p
	}
}
