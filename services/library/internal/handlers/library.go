package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/cinemax/internal/platform/analytics"
	"github.com/example/cinemax/internal/platform/api"
	"github.com/example/cinemax/internal/platform/auth"
	"github.com/example/cinemax/internal/platform/httpserver"
	"github.com/example/cinemax/services/library/internal/history"
)

type Library struct {
	Registry  *history.Registry
	Analytics *analytics.Publisher
	Log       *zap.Logger
}

type addHistoryRequest struct {
	SeriesID      string `json:"seriesId"`
	EpisodeNumber int    `json:"episodeNumber"`
	SeriesTitle   string `json:"seriesTitle"`
	EpisodeTitle  string `json:"episodeTitle"`
	Thumbnail     string `json:"thumbnail"`
	Progress      int    `json:"progress"`
	Duration      int    `json:"duration"`
}

type progressRequest struct {
	Progress int `json:"progress"`
	Duration int `json:"duration"`
}

type toggleFavoriteRequest struct {
	SeriesTitle string `json:"seriesTitle"`
	Thumbnail   string `json:"thumbnail"`
}

type itemsResponse struct {
	Items []history.Item `json:"items"`
}

type favoritesResponse struct {
	Items []history.Favorite `json:"items"`
}

type favoriteResponse struct {
	SeriesID string `json:"seriesId"`
	Favorite bool   `json:"favorite"`
}

// Mount registers the library routes on r behind RequireUser.
func (l *Library) Mount(r chi.Router, verifier auth.JWTVerifier) {
	if l.Log == nil {
		l.Log = zap.NewNop()
	}
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireUser(verifier))
		r.Get("/v1/library/history", l.History)
		r.Post("/v1/library/history", l.AddToHistory)
		r.Delete("/v1/library/history", l.ClearHistory)
		r.Patch("/v1/library/history/{series_id}/{episode}", l.UpdateProgress)
		r.Delete("/v1/library/history/{series_id}/{episode}", l.RemoveFromHistory)
		r.Get("/v1/library/continue-watching", l.ContinueWatching)
		r.Get("/v1/library/favorites", l.Favorites)
		r.Get("/v1/library/favorites/{series_id}", l.IsFavorite)
		r.Post("/v1/library/favorites/{series_id}/toggle", l.ToggleFavorite)
	})
}

// store resolves the caller's store or writes the error response.
func (l *Library) store(w http.ResponseWriter, r *http.Request) (*history.Store, string, bool) {
	rid := httpserver.RequestIDFromContext(r.Context())
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok || userID == "" {
		api.Unauthorized(w, "UNAUTHORIZED", "authentication required", rid)
		return nil, "", false
	}
	s, err := l.Registry.For(r.Context(), userID)
	if err != nil {
		l.Log.Error("load library", zap.String("user_id", userID), zap.String("request_id", rid), zap.Error(err))
		api.Internal(w, rid)
		return nil, "", false
	}
	return s, userID, true
}

func (l *Library) writeMutationError(w http.ResponseWriter, r *http.Request, err error) {
	rid := httpserver.RequestIDFromContext(r.Context())
	if errors.Is(err, history.ErrInvalidItem) {
		api.BadRequest(w, "INVALID_ITEM", err.Error(), rid, nil)
		return
	}
	l.Log.Error("persist library", zap.String("request_id", rid), zap.Error(err))
	api.Internal(w, rid)
}

func episodeKey(r *http.Request) (history.Key, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "episode"))
	if err != nil || n <= 0 {
		return history.Key{}, false
	}
	seriesID := strings.TrimSpace(chi.URLParam(r, "series_id"))
	return history.Key{SeriesID: seriesID, EpisodeNumber: n}, seriesID != ""
}

// History handles GET /v1/library/history.
func (l *Library) History(w http.ResponseWriter, r *http.Request) {
	s, _, ok := l.store(w, r)
	if !ok {
		return
	}
	api.WriteJSON(w, http.StatusOK, itemsResponse{Items: s.History()})
}

// AddToHistory handles POST /v1/library/history.
func (l *Library) AddToHistory(w http.ResponseWriter, r *http.Request) {
	s, _, ok := l.store(w, r)
	if !ok {
		return
	}
	var req addHistoryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		api.BadRequest(w, "INVALID_JSON", "invalid JSON", httpserver.RequestIDFromContext(r.Context()), nil)
		return
	}
	it, err := s.AddToHistory(r.Context(), history.Item{
		SeriesID:      req.SeriesID,
		EpisodeNumber: req.EpisodeNumber,
		SeriesTitle:   req.SeriesTitle,
		EpisodeTitle:  req.EpisodeTitle,
		Thumbnail:     req.Thumbnail,
		Progress:      req.Progress,
		Duration:      req.Duration,
	})
	if err != nil {
		l.writeMutationError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, it)
}

// UpdateProgress handles PATCH /v1/library/history/{series_id}/{episode}.
func (l *Library) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	key, valid := episodeKey(r)
	if !valid {
		api.BadRequest(w, "INVALID_EPISODE", "series_id and a positive episode number are required", rid, nil)
		return
	}
	s, _, ok := l.store(w, r)
	if !ok {
		return
	}
	var req progressRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&req); err != nil {
		api.BadRequest(w, "INVALID_JSON", "invalid JSON", rid, nil)
		return
	}
	it, err := s.UpdateProgress(r.Context(), key, req.Progress, req.Duration)
	if err != nil {
		l.writeMutationError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, it)
}

// RemoveFromHistory handles DELETE /v1/library/history/{series_id}/{episode}.
func (l *Library) RemoveFromHistory(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	key, valid := episodeKey(r)
	if !valid {
		api.BadRequest(w, "INVALID_EPISODE", "series_id and a positive episode number are required", rid, nil)
		return
	}
	s, _, ok := l.store(w, r)
	if !ok {
		return
	}
	removed, err := s.RemoveFromHistory(r.Context(), key)
	if err != nil {
		l.writeMutationError(w, r, err)
		return
	}
	if !removed {
		api.NotFound(w, "NOT_FOUND", "history entry not found", rid)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearHistory handles DELETE /v1/library/history.
func (l *Library) ClearHistory(w http.ResponseWriter, r *http.Request) {
	s, _, ok := l.store(w, r)
	if !ok {
		return
	}
	if err := s.ClearHistory(r.Context()); err != nil {
		l.writeMutationError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ContinueWatching handles GET /v1/library/continue-watching.
func (l *Library) ContinueWatching(w http.ResponseWriter, r *http.Request) {
	s, _, ok := l.store(w, r)
	if !ok {
		return
	}
	api.WriteJSON(w, http.StatusOK, itemsResponse{Items: s.ContinueWatching()})
}

// Favorites handles GET /v1/library/favorites.
func (l *Library) Favorites(w http.ResponseWriter, r *http.Request) {
	s, _, ok := l.store(w, r)
	if !ok {
		return
	}
	api.WriteJSON(w, http.StatusOK, favoritesResponse{Items: s.Favorites()})
}

// IsFavorite handles GET /v1/library/favorites/{series_id}.
func (l *Library) IsFavorite(w http.ResponseWriter, r *http.Request) {
	s, _, ok := l.store(w, r)
	if !ok {
		return
	}
	seriesID := strings.TrimSpace(chi.URLParam(r, "series_id"))
	api.WriteJSON(w, http.StatusOK, favoriteResponse{SeriesID: seriesID, Favorite: s.IsFavorite(seriesID)})
}

// ToggleFavorite handles POST /v1/library/favorites/{series_id}/toggle.
// The body is optional display data.
func (l *Library) ToggleFavorite(w http.ResponseWriter, r *http.Request) {
	s, userID, ok := l.store(w, r)
	if !ok {
		return
	}
	var req toggleFavoriteRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&req); err != nil {
			api.BadRequest(w, "INVALID_JSON", "invalid JSON", httpserver.RequestIDFromContext(r.Context()), nil)
			return
		}
	}
	seriesID := strings.TrimSpace(chi.URLParam(r, "series_id"))
	on, err := s.ToggleFavorite(r.Context(), history.Favorite{
		SeriesID:    seriesID,
		SeriesTitle: req.SeriesTitle,
		Thumbnail:   req.Thumbnail,
	})
	if err != nil {
		l.writeMutationError(w, r, err)
		return
	}
	l.Analytics.Publish(analytics.SubjectFavoriteToggled, "favorite_toggled", userID, map[string]any{
		"series_id": seriesID,
		"favorite":  on,
	})
	api.WriteJSON(w, http.StatusOK, favoriteResponse{SeriesID: seriesID, Favorite: on})
}
