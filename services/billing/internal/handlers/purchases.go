package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/cinemax/internal/platform/analytics"
	"github.com/example/cinemax/internal/platform/api"
	"github.com/example/cinemax/internal/platform/auth"
	"github.com/example/cinemax/internal/platform/httpserver"
	"github.com/example/cinemax/services/billing/internal/access"
)

type AccessChecker interface {
	Purchased(ctx context.Context, userID, episodeID string) (bool, error)
	Check(ctx context.Context, userID, episodeID string) (access.Decision, error)
}

// PurchaseCheck handles GET /v1/purchases/check?episodeId=.
// Anonymous callers get {"purchased": false}.
func PurchaseCheck(ac AccessChecker, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())

		episodeID := strings.TrimSpace(r.URL.Query().Get("episodeId"))
		if episodeID == "" {
			api.BadRequest(w, "MISSING_EPISODE_ID", "episodeId is required", rid, nil)
			return
		}
		userID, _ := auth.UserIDFromContext(r.Context())

		ok, err := ac.Purchased(r.Context(), userID, episodeID)
		if err != nil {
			log.Error("purchase check failed", zap.String("request_id", rid), zap.Error(err))
			api.Internal(w, rid)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]bool{"purchased": ok})
	}
}

// Entitlement handles GET /v1/episodes/{episode_id}/entitlement.
func Entitlement(ac AccessChecker, ap *analytics.Publisher, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())

		episodeID := strings.TrimSpace(chi.URLParam(r, "episode_id"))
		if episodeID == "" {
			api.BadRequest(w, "MISSING_ID", "episode_id is required", rid, nil)
			return
		}
		userID, _ := auth.UserIDFromContext(r.Context())

		d, err := ac.Check(r.Context(), userID, episodeID)
		if err != nil {
			log.Error("entitlement check failed", zap.String("request_id", rid), zap.Error(err))
			api.Internal(w, rid)
			return
		}
		if d.Allowed {
			ap.Publish(analytics.SubjectPlaybackGranted, "playback_granted", userID, map[string]any{
				"episode_id": episodeID,
				"reason":     d.Reason,
			})
		}
		api.WriteJSON(w, http.StatusOK, d)
	}
}
